// Package market pairs contractees, which need a resource, with contractors,
// which own one.
//
// A contractee publishes a rendezvous socket and waits. Contractors scan the
// sockets oldest first, read the contract description and either accept,
// reject or ignore it. The first contractor to accept wins; from then on the
// contractee sends commands and the contractor answers each with a result.
package market

import (
	"context"
	"errors"
	"iter"
	"net"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/protocol"
	"github.com/faradayfan/arm-market/internal/rendezvous"
	"github.com/faradayfan/arm-market/internal/transport"
)

var log = logging.Logger("market")

const (
	offerReplyTimeout  = 10 * time.Second
	descriptionTimeout = time.Second
	acceptRetryDelay   = 50 * time.Millisecond
)

// Market is one priority group of a rendezvous directory.
type Market struct {
	storage *rendezvous.Dir
	group   string
}

func New(storage *rendezvous.Dir, priority int) *Market {
	return &Market{storage: storage, group: rendezvous.Group(priority)}
}

func (m *Market) String() string {
	return m.storage.Path() + "#" + m.group
}

// --------------------
// contractee side

// FindContractor publishes desc and waits until a contractor signs it. It
// returns the signed contract and the contractor's info, a *RejectedError if
// the first contractor to answer rejected it, or ctx's error.
func (m *Market) FindContractor(ctx context.Context, desc protocol.Object) (*SignedContract, protocol.Object, error) {
	msg, err := protocol.NewContractDescription(desc)
	if err != nil {
		return nil, nil, xerrors.Errorf("encode contract description: %w", err)
	}

	ln, err := m.storage.OpenNew(m.group)
	if err != nil {
		return nil, nil, xerrors.Errorf("open tender: %w", err)
	}
	defer ln.Close() //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	id := uuid.New()
	log.Infow("waiting for contractor", "contract", id, "socket", ln.Path(), "description", desc)

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, nil, ErrTenderExhausted
			}
			log.Warnw("accept failed", "contract", id, "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		stream := transport.NewConn(c)
		info, err := offer(ctx, stream, msg)
		if err == nil {
			log.Infow("contract signed", "contract", id, "contractor", info)
			return &SignedContract{id: id, stream: stream}, info, nil
		}
		_ = stream.Close()

		var rejected *RejectedError
		switch {
		case errors.As(err, &rejected):
			log.Infow("contract rejected", "contract", id, "reason", rejected.Message)
			return nil, nil, err
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case transport.IsClosed(err), transport.IsTimeout(err):
			log.Infow("contractor dropped the offer", "contract", id, "error", err)
		default:
			return nil, nil, xerrors.Errorf("offer contract %s: %w", id, err)
		}
	}
}

func offer(ctx context.Context, stream *transport.Conn, msg protocol.Message) (protocol.Object, error) {
	if err := stream.SetDeadline(time.Now().Add(offerReplyTimeout)); err != nil {
		return nil, err
	}
	stop := stream.Watch(ctx)

	err := stream.Send(msg)
	var reply protocol.Message
	if err == nil {
		reply, err = stream.RecvType(protocol.TypeJobStatus)
	}
	if !stop() {
		// the watch fired; the stream deadline is spoiled
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if err := stream.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	if reply.Status == protocol.StatusRejected {
		return nil, &RejectedError{Message: reply.InfoString()}
	}
	return reply.InfoObject()
}

// --------------------
// contractor side

// PendingContracts reads the description of every waiting contractee, oldest
// first. Every yielded contract must be resolved with Accept, Reject or Ignore.
func (m *Market) PendingContracts(ctx context.Context) iter.Seq2[*Contract, protocol.Object] {
	return func(yield func(*Contract, protocol.Object) bool) {
		for c := range m.storage.ActiveByAge(ctx, m.group) {
			stream := transport.NewConn(c)
			desc, err := readDescription(stream)
			if err != nil {
				_ = stream.Close()
				switch {
				case transport.IsClosed(err):
					log.Debugw("contractee left before describing the contract", "market", m, "error", err)
				case transport.IsTimeout(err):
					log.Debugw("no contract description in time", "market", m)
				default:
					log.Warnw("dropping malformed contract description", "market", m, "error", err)
				}
				continue
			}
			contract := &Contract{id: uuid.New(), stream: stream}
			log.Debugw("pending contract", "market", m, "contract", contract.id, "description", desc)
			if !yield(contract, desc) {
				return
			}
		}
	}
}

func readDescription(stream *transport.Conn) (protocol.Object, error) {
	if err := stream.SetReadDeadline(time.Now().Add(descriptionTimeout)); err != nil {
		return nil, err
	}
	msg, err := stream.RecvType(protocol.TypeContractDescription)
	if err != nil {
		return nil, err
	}
	if err := stream.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return msg.DescriptionObject()
}
