package snapshots

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/machine"
	"github.com/faradayfan/arm-market/internal/market"
	"github.com/faradayfan/arm-market/internal/protocol"
)

// Snapshot is a matched contract's disk, ready to boot.
type Snapshot struct {
	config BootConfiguration
	stems  []string
}

func (s *Snapshot) String() string {
	return "snapshot " + strings.Join(s.stems, "/")
}

func (s *Snapshot) Stems() []string { return s.stems }

// Boot starts m on the snapshot disk. The returned RunningSnapshot must be
// closed.
func (s *Snapshot) Boot(ctx context.Context, m *machine.Machine) (*RunningSnapshot, error) {
	running, err := s.config.Boot(ctx, m)
	if err != nil {
		return nil, xerrors.Errorf("boot %s on %s: %w", s, m, err)
	}
	return &RunningSnapshot{snapshot: s, running: running}, nil
}

// Discard releases the disk of a snapshot that will not be booted.
func (s *Snapshot) Discard() error {
	return s.config.Discard()
}

// RunningSnapshot is a machine serving a contract on a pending snapshot.
type RunningSnapshot struct {
	snapshot  *Snapshot
	running   *machine.RunningMachine
	committed bool
}

func (r *RunningSnapshot) String() string {
	return fmt.Sprintf("%s running %s", r.running.Machine(), r.snapshot)
}

// Serve executes the contractee's commands until it goes away. A failed
// commit is reported to the contractee and ends the contract.
func (r *RunningSnapshot) Serve(ctx context.Context, ac *market.AcceptedContract) error {
	for cmd, desc := range ac.Commands(ctx) {
		verb, _ := desc[protocol.CmdSnapshot].(string)
		if verb != protocol.SnapshotCommit {
			log.Warnw("unknown command", "snapshot", r, "command", desc)
			if err := cmd.ReportFailure(protocol.FailureResult(xerrors.Errorf("unknown command %v", desc))); err != nil {
				return err
			}
			continue
		}
		if r.committed {
			if err := cmd.ReportFailure(protocol.FailureResult(xerrors.Errorf("%s is already committed", r.snapshot))); err != nil {
				return err
			}
			continue
		}
		if err := r.commit(ctx); err != nil {
			if rerr := cmd.ReportFailure(protocol.FailureResult(err)); rerr != nil {
				log.Warnw("contractee missed the commit failure", "snapshot", r, "error", rerr)
			}
			return err
		}
		if err := cmd.ReportSuccess(protocol.Object{}); err != nil {
			return err
		}
	}
	if err := ac.Err(); err != nil {
		return err
	}
	log.Infow("contract is fulfilled", "snapshot", r)
	return nil
}

func (r *RunningSnapshot) commit(ctx context.Context) error {
	if err := r.running.Commit(ctx); err != nil {
		return xerrors.Errorf("commit %s: %w", r.snapshot, err)
	}
	r.committed = true
	return nil
}

// Close rolls the snapshot back unless it was committed.
func (r *RunningSnapshot) Close(ctx context.Context) error {
	if r.committed {
		return nil
	}
	if err := r.running.Rollback(ctx); err != nil {
		return xerrors.Errorf("rollback %s: %w", r.snapshot, err)
	}
	return nil
}
