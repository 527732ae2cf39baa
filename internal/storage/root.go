// Package storage keeps a tree of copy-on-write disk images. Every directory
// holds one disk.qcow2 backed by the disk of its parent directory; the top
// directory holds the base image.
package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/flock"
	"github.com/faradayfan/arm-market/internal/qcow2"
)

var log = logging.Logger("storage")

const (
	diskName  = "disk.qcow2"
	tmpPrefix = "tmp_"
)

// Disk is a node of the tree that children can be derived from.
type Disk interface {
	// Path returns the image file of the disk.
	Path() (string, error)
	// Diff names a child of the disk. The child may not exist yet.
	Diff(name string) *DifferenceDisk
}

// RootDisk is the top of a tree.
type RootDisk struct {
	dir   string
	limit percentFile
}

// NewRootDisk opens the tree rooted at dir, which must contain a base image.
func NewRootDisk(dir string) (*RootDisk, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, diskName)); err != nil {
		return nil, xerrors.Errorf("root disk in %s: %w", dir, err)
	}
	return &RootDisk{dir: dir, limit: newPercentFile(dir)}, nil
}

// CreateRootDisk starts a new tree in dir with an empty base image of
// virtualSize bytes.
func CreateRootDisk(dir string, virtualSize uint64) (*RootDisk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := qcow2.CreateBase(filepath.Join(dir, diskName), virtualSize); err != nil {
		return nil, xerrors.Errorf("create root disk in %s: %w", dir, err)
	}
	log.Infow("created root disk", "dir", dir, "size", humanize.IBytes(virtualSize))
	return NewRootDisk(dir)
}

func (r *RootDisk) String() string { return r.dir }

func (r *RootDisk) Dir() string { return r.dir }

func (r *RootDisk) Path() (string, error) {
	return filepath.Join(r.dir, diskName), nil
}

func (r *RootDisk) Diff(name string) *DifferenceDisk {
	return &DifferenceDisk{root: r.dir, stems: []string{name}}
}

// SizeLimit returns the share of the filesystem the leaves may take, in
// percent. ok is false when the tree is uncapped.
func (r *RootDisk) SizeLimit() (pct float64, ok bool, err error) {
	return r.limit.percent()
}

func (r *RootDisk) SetSizeLimit(pct float64) error {
	return r.limit.set(pct)
}

func (r *RootDisk) ClearSizeLimit() error {
	return r.limit.clear()
}

// Prune removes least recently used leaves until the rest fit the size
// limit. Leaves are sized newest first; once one does not fit, it and every
// older leaf go. Locked leaves are in use and survive. The root is never
// removed.
func (r *RootDisk) Prune() error {
	budget, err := r.limit.volume()
	if err != nil {
		return err
	}
	return r.prune(budget)
}

func (r *RootDisk) prune(budget volume) error {
	g, err := flock.Lock(r.dir)
	if err != nil {
		return err
	}
	defer g.Unlock() //nolint:errcheck

	leaves, err := r.leavesByAge()
	if err != nil {
		return err
	}
	full := false
	for _, l := range leaves {
		if !full {
			next, ok := budget.fill(l.size)
			if ok {
				budget = next
				continue
			}
			full = true
			log.Infow("size limit reached", "root", r.dir, "budget", budget)
		}
		log.Infow("removing leaf", "path", l.dir, "size", humanize.IBytes(uint64(l.size)), "used", humanize.Time(l.used))
		if err := l.remove(); err != nil {
			if errors.Is(err, flock.ErrWouldBlock) {
				log.Infow("leaf is in use, keeping it", "path", l.dir)
				continue
			}
			return xerrors.Errorf("remove leaf %s: %w", l.dir, err)
		}
	}
	log.Debugw("pruned", "root", r.dir, "kept", budget)
	return nil
}

type leaf struct {
	dir  string
	size int64
	used time.Time
}

func (l leaf) remove() error {
	g, err := flock.TryLock(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer g.Unlock() //nolint:errcheck
	return os.RemoveAll(l.dir)
}

// leavesByAge lists directories without subdirectories, most recently used
// first.
func (r *RootDisk) leavesByAge() ([]leaf, error) {
	var leaves []leaf
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == r.dir {
				return err
			}
			log.Warnw("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() || path == r.dir {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			log.Warnw("skipping unreadable directory", "path", path, "error", err)
			return fs.SkipDir
		}
		if len(subdirs(entries)) > 0 {
			return nil
		}
		size, used, err := usage(filepath.Join(path, diskName))
		if err != nil {
			log.Warnw("leaf without disk", "path", path, "error", err)
			return nil
		}
		leaves = append(leaves, leaf{dir: path, size: size, used: used})
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("walk %s: %w", r.dir, err)
	}
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].used.After(leaves[j].used)
	})
	return leaves, nil
}

// usage returns the size of a file and the later of its access and
// modification times.
func usage(path string) (int64, time.Time, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, time.Time{}, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	used := time.Unix(st.Atim.Unix())
	if m := time.Unix(st.Mtim.Unix()); m.After(used) {
		used = m
	}
	return st.Size, used, nil
}

func subdirs(entries []fs.DirEntry) []string {
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}
