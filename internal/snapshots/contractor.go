package snapshots

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/machine"
	"github.com/faradayfan/arm-market/internal/market"
	"github.com/faradayfan/arm-market/internal/protocol"
)

// ErrNoContractsAvailable means a pass over a market found nothing to serve.
var ErrNoContractsAvailable = xerrors.New("no contracts available")

const closeTimeout = 5 * time.Minute

// Contractor serves contracts on a single machine.
type Contractor struct {
	Machine *machine.Machine
	// Info is sent to contractees on acceptance.
	Info protocol.Object
}

func (c *Contractor) String() string { return "contractor " + c.Machine.Name }

// ServeSingleContract boots the snapshot, accepts the contract and serves it
// until the contractee leaves. The snapshot is rolled back unless the
// contractee committed it. If the machine fails to boot the contract is
// ignored, as it is when ctx is already done.
func (c *Contractor) ServeSingleContract(ctx context.Context, contract *market.Contract, s *Snapshot) (err error) {
	if err := ctx.Err(); err != nil {
		contract.Ignore()
		return multierr.Append(err, s.Discard())
	}
	log.Infow("serving contract", "contractor", c, "contract", contract.ID(), "snapshot", s)
	running, err := s.Boot(ctx, c.Machine)
	if err != nil {
		contract.Ignore()
		return err
	}
	defer func() {
		// roll back even when ctx is cancelled
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		err = multierr.Append(err, running.Close(cctx))
	}()

	start := time.Now()
	accepted, err := contract.Accept(c.Info)
	if err != nil {
		log.Errorw("contract NOT fulfilled", "contract", contract.ID(), "elapsed", time.Since(start), "error", err)
		return err
	}
	defer accepted.Close() //nolint:errcheck

	if err := running.Serve(ctx, accepted); err != nil {
		log.Errorw("contract NOT fulfilled", "contract", contract.ID(), "elapsed", time.Since(start), "error", err)
		return err
	}
	log.Infow("contract fulfilled", "contract", contract.ID(), "elapsed", time.Since(start))
	return nil
}

// Distributor offers the contracts of one market to a list of templates.
type Distributor struct {
	Market    *market.Market
	Templates []ContractTemplate
}

// PickFirstFeasibleContract takes pending contracts oldest first and returns
// the first one a template matches. Infeasible contracts are rejected, the
// rest are ignored.
func (d *Distributor) PickFirstFeasibleContract(ctx context.Context) (*market.Contract, *Snapshot, error) {
	for contract, desc := range d.Market.PendingContracts(ctx) {
		m, err := d.match(ctx, desc)
		if err != nil {
			log.Errorw("template failed, ignoring contract", "contract", contract.ID(), "description", desc, "error", err)
			contract.Ignore()
			continue
		}
		switch m.Verdict {
		case Matched:
			return contract, m.Snapshot, nil
		case Infeasible:
			log.Warnw("rejecting contract", "contract", contract.ID(), "description", desc, "reason", m.Reason)
			contract.Reject(m.Reason)
		default:
			log.Debugw("no suitable template", "contract", contract.ID(), "description", desc)
			contract.Ignore()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, ErrNoContractsAvailable
}

func (d *Distributor) match(ctx context.Context, desc protocol.Object) (Match, error) {
	for _, t := range d.Templates {
		m, err := t.Accept(ctx, desc)
		if err != nil {
			return Match{}, err
		}
		if m.Verdict != NoMatch {
			return m, nil
		}
		log.Debugw("template ignored contract", "template", t, "reason", m.Reason)
	}
	return Match{Verdict: NoMatch}, nil
}

// StatusEndpoint tracks the contract being served.
type StatusEndpoint interface {
	Serving(fn func() error) error
}

// Loop looks for contracts on its markets, in order, and serves them one at
// a time.
type Loop struct {
	Contractor   *Contractor
	Distributors []*Distributor
	Status       StatusEndpoint
	// A random delay in [MinDelay, MaxDelay] precedes every search.
	MinDelay time.Duration
	MaxDelay time.Duration
}

const (
	DefaultMinDelay = time.Second
	DefaultMaxDelay = 10 * time.Second
)

// Run serves contracts until ctx is done or a contract fails for a reason
// other than the contractee going away.
func (l *Loop) Run(ctx context.Context) error {
	log.Infow("start looking for a contract", "contractor", l.Contractor)
	for {
		delay := l.delay()
		log.Infow("wait before contract search", "contractor", l.Contractor, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := l.once(ctx); err != nil {
			return err
		}
	}
}

func (l *Loop) once(ctx context.Context) error {
	for _, d := range l.Distributors {
		contract, snapshot, err := d.PickFirstFeasibleContract(ctx)
		if errors.Is(err, ErrNoContractsAvailable) {
			log.Infow("no contracts found", "contractor", l.Contractor, "market", d.Market)
			continue
		}
		if err != nil {
			return err
		}
		serve := func() error {
			return l.Contractor.ServeSingleContract(ctx, contract, snapshot)
		}
		if l.Status != nil {
			err = l.Status.Serving(serve)
		} else {
			err = serve()
		}
		if errors.Is(err, market.ErrContractBroken) {
			// the contractee left; the next one may still be waiting
			log.Warnw("contractee went away", "contractor", l.Contractor, "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (l *Loop) delay() time.Duration {
	lo, hi := l.MinDelay, l.MaxDelay
	if lo == 0 && hi == 0 {
		lo, hi = DefaultMinDelay, DefaultMaxDelay
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
