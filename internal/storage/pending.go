package storage

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/flock"
)

// PendingSnapshot is a child being written under a temporary name. Commit
// publishes it under its final name, Rollback throws it away. Either may be
// called once.
type PendingSnapshot struct {
	name   string
	tmp    *DifferenceDisk
	target *DifferenceDisk
	lock   *flock.Guard

	mu   sync.Mutex
	done bool
}

// NewPendingSnapshot starts a child of parent called name.
func NewPendingSnapshot(parent Disk, name string) (*PendingSnapshot, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	tmp := parent.Diff(tmpPrefix + name)
	target := parent.Diff(name)

	lock, err := tmp.Create()
	if errors.Is(err, flock.ErrWouldBlock) || errors.Is(err, ErrChildExists) {
		return nil, xerrors.Errorf("%s: %w", target, ErrSnapshotAlreadyPending)
	}
	if err != nil {
		return nil, err
	}
	if _, err := target.Path(); !errors.Is(err, ErrChildNotExist) {
		if err == nil {
			err = xerrors.Errorf("%s: %w", target, ErrChildExists)
		}
		return nil, multierr.Combine(err, tmp.Remove(), lock.Unlock())
	}
	log.Infow("snapshot pending", "target", target.String())
	return &PendingSnapshot{name: name, tmp: tmp, target: target, lock: lock}, nil
}

func (p *PendingSnapshot) String() string { return p.target.String() }

// Path returns the image being written.
func (p *PendingSnapshot) Path() (string, error) {
	return p.tmp.Path()
}

func (p *PendingSnapshot) finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return xerrors.Errorf("%s: %w", p, ErrSnapshotFinished)
	}
	p.done = true
	return nil
}

// Commit renames the snapshot to its final name and unlocks it. A failed
// commit leaves the snapshot pending, so it can still be rolled back.
func (p *PendingSnapshot) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return xerrors.Errorf("%s: %w", p, ErrSnapshotFinished)
	}
	if _, err := p.tmp.Rename(p.name); err != nil {
		return err
	}
	p.done = true
	log.Infow("snapshot committed", "target", p.target.String())
	return p.lock.Unlock()
}

// Rollback removes the snapshot.
func (p *PendingSnapshot) Rollback() error {
	if err := p.finish(); err != nil {
		return err
	}
	err := p.tmp.Remove()
	if err == nil {
		log.Infow("snapshot rolled back", "target", p.target.String())
	}
	return multierr.Append(err, p.lock.Unlock())
}
