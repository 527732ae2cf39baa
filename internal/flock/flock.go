// Package flock wraps BSD advisory locks on files and directories.
//
// Locks belong to the open file description, so two guards on the same path
// exclude each other even inside one process.
package flock

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ErrWouldBlock is returned by TryLock when somebody else holds the lock.
var ErrWouldBlock = xerrors.New("already locked")

// Guard holds an exclusive lock until Unlock.
type Guard struct {
	path string
	once sync.Once
	f    *os.File
	err  error
}

// Lock waits for an exclusive lock on path.
func Lock(path string) (*Guard, error) {
	return lock(path, unix.LOCK_EX)
}

// TryLock takes an exclusive lock on path or fails with ErrWouldBlock.
func TryLock(path string) (*Guard, error) {
	return lock(path, unix.LOCK_EX|unix.LOCK_NB)
}

func lock(path string, how int) (*Guard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, xerrors.Errorf("%s: %w", path, ErrWouldBlock)
		}
		return nil, xerrors.Errorf("flock %s: %w", path, err)
	}
	return &Guard{path: path, f: f}, nil
}

func (g *Guard) Path() string { return g.path }

// Unlock releases the lock. Calling it more than once is a no-op.
func (g *Guard) Unlock() error {
	g.once.Do(func() {
		// closing the last descriptor drops the lock
		g.err = g.f.Close()
	})
	return g.err
}
