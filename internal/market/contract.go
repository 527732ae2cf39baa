package market

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/protocol"
	"github.com/faradayfan/arm-market/internal/transport"
)

// Contract is an offer received by a contractor.
type Contract struct {
	id     uuid.UUID
	stream *transport.Conn
}

func (c *Contract) ID() string { return c.id.String() }

// Accept tells the contractee that its contract is being executed. The
// returned AcceptedContract owns the stream and must be closed.
func (c *Contract) Accept(info protocol.Object) (*AcceptedContract, error) {
	msg, err := protocol.NewJobStatus(protocol.StatusExecuting, info)
	if err != nil {
		_ = c.stream.Close()
		return nil, err
	}
	if err := c.stream.Send(msg); err != nil {
		_ = c.stream.Close()
		if transport.IsClosed(err) {
			return nil, xerrors.Errorf("accept contract %s: %w", c.id, ErrContractBroken)
		}
		return nil, xerrors.Errorf("accept contract %s: %w", c.id, err)
	}
	log.Infow("contract accepted", "contract", c.id)
	return &AcceptedContract{id: c.id, stream: c.stream}, nil
}

// Reject tells the contractee why its contract can't be served. The contractee
// may be gone already, so failures are only logged.
func (c *Contract) Reject(message string) {
	defer c.stream.Close() //nolint:errcheck
	msg, err := protocol.NewJobStatus(protocol.StatusRejected, message)
	if err == nil {
		err = c.stream.Send(msg)
	}
	if err != nil {
		log.Infow("contractee missed the rejection", "contract", c.id, "error", err)
		return
	}
	log.Infow("contract rejected", "contract", c.id, "reason", message)
}

// Ignore drops the contract without an answer.
func (c *Contract) Ignore() {
	log.Debugw("contract ignored", "contract", c.id)
	_ = c.stream.Close()
}

// AcceptedContract is a contract being executed by this contractor.
type AcceptedContract struct {
	id     uuid.UUID
	stream *transport.Conn
	err    error
	once   sync.Once
}

func (a *AcceptedContract) ID() string { return a.id.String() }

// Commands yields the contractee's commands until it closes the stream. Each
// command must be resolved exactly once. Err reports why the sequence ended
// early, if it was not a normal disconnect.
func (a *AcceptedContract) Commands(ctx context.Context) iter.Seq2[*PendingCommand, protocol.Object] {
	return func(yield func(*PendingCommand, protocol.Object) bool) {
		stop := a.stream.Watch(ctx)
		defer stop()
		for {
			msg, err := a.stream.RecvType(protocol.TypeCommand)
			if err != nil {
				switch {
				case transport.IsClosed(err):
					log.Debugw("contractee closed the contract", "contract", a.id)
				case ctx.Err() != nil:
					a.err = ctx.Err()
				default:
					a.err = xerrors.Errorf("read command: %w", err)
				}
				return
			}
			cmd, err := msg.CommandObject()
			if err != nil {
				a.err = err
				return
			}
			log.Debugw("command received", "contract", a.id, "command", cmd)
			if !yield(&PendingCommand{contract: a.id, stream: a.stream}, cmd) {
				return
			}
		}
	}
}

func (a *AcceptedContract) Err() error { return a.err }

// Close ends the contract. The contractee sees its stream closed.
func (a *AcceptedContract) Close() error {
	var err error
	a.once.Do(func() {
		err = a.stream.Close()
		log.Infow("contract closed", "contract", a.id)
	})
	return err
}

// PendingCommand is a command awaiting its result.
type PendingCommand struct {
	contract uuid.UUID
	stream   *transport.Conn
}

func (p *PendingCommand) ReportSuccess(result protocol.Object) error {
	return p.report(protocol.ResultSuccess, result)
}

func (p *PendingCommand) ReportFailure(result protocol.Object) error {
	return p.report(protocol.ResultFailure, result)
}

func (p *PendingCommand) report(status string, result protocol.Object) error {
	msg, err := protocol.NewCommandResult(status, result)
	if err != nil {
		return err
	}
	if err := p.stream.Send(msg); err != nil {
		if transport.IsClosed(err) {
			return xerrors.Errorf("report %s for contract %s: %w", status, p.contract, ErrContractBroken)
		}
		return xerrors.Errorf("report %s for contract %s: %w", status, p.contract, err)
	}
	return nil
}

// SignedContract is the contractee's end of an accepted contract.
type SignedContract struct {
	id     uuid.UUID
	stream *transport.Conn

	mu     sync.Mutex
	broken error
}

func (c *SignedContract) ID() string { return c.id.String() }

// ExecuteSync sends cmd and waits for its result. It fails with
// ErrContractorQuit if the contractor disconnects, and with a
// *CommandFailedError if the contractor reports a failure.
func (c *SignedContract) ExecuteSync(ctx context.Context, cmd protocol.Object) (protocol.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, c.broken
	}
	msg, err := protocol.NewCommand(cmd)
	if err != nil {
		return nil, err
	}

	stop := c.stream.Watch(ctx)
	err = c.stream.Send(msg)
	var reply protocol.Message
	if err == nil {
		reply, err = c.stream.RecvType(protocol.TypeCommandResult)
	}
	if !stop() {
		// a late result would answer the next command
		c.broken = xerrors.Errorf("contract %s: command abandoned: %w", c.id, ErrContractBroken)
		return nil, ctx.Err()
	}
	if err != nil {
		if transport.IsClosed(err) {
			return nil, xerrors.Errorf("execute %v: %w", cmd, ErrContractorQuit)
		}
		return nil, xerrors.Errorf("execute %v: %w", cmd, err)
	}

	result, err := reply.ResultObject()
	if err != nil {
		return nil, err
	}
	if reply.Status == protocol.ResultFailure {
		return nil, &CommandFailedError{Result: result}
	}
	return result, nil
}

// Wait blocks until the contractor ends the contract, returning
// ErrContractorQuit, or until ctx is done. The contract stays usable after
// ctx is done.
func (c *SignedContract) Wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return c.broken
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = c.stream.SetReadDeadline(time.Unix(1, 0))
	})
	msg, err := c.stream.Recv()
	if !stop() {
		<-fired
		if derr := c.stream.SetReadDeadline(time.Time{}); derr != nil {
			return derr
		}
		if err == nil {
			c.broken = xerrors.Errorf("contract %s: unexpected %s message: %w", c.id, msg.Type, ErrContractBroken)
		}
		return ctx.Err()
	}
	if err != nil {
		if transport.IsClosed(err) {
			return xerrors.Errorf("contract %s: %w", c.id, ErrContractorQuit)
		}
		return xerrors.Errorf("contract %s: %w", c.id, err)
	}
	c.broken = xerrors.Errorf("contract %s: unexpected %s message: %w", c.id, msg.Type, ErrContractBroken)
	return c.broken
}

func (c *SignedContract) Close() error {
	return c.stream.Close()
}
