package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/flock"
	"github.com/faradayfan/arm-market/internal/qcow2"
)

// DifferenceDisk is a non-root node of the tree, named by the stems leading
// to it from the root.
type DifferenceDisk struct {
	root  string
	stems []string
}

func (d *DifferenceDisk) String() string {
	return filepath.Join(append([]string{d.root}, d.stems...)...)
}

// Stems returns the names from the root down to d.
func (d *DifferenceDisk) Stems() []string {
	return slices.Clone(d.stems)
}

func (d *DifferenceDisk) Name() string {
	return d.stems[len(d.stems)-1]
}

func (d *DifferenceDisk) dir() string {
	return d.String()
}

func (d *DifferenceDisk) disk() string {
	return filepath.Join(d.dir(), diskName)
}

func (d *DifferenceDisk) Diff(name string) *DifferenceDisk {
	return &DifferenceDisk{root: d.root, stems: append(slices.Clone(d.stems), name)}
}

func (d *DifferenceDisk) validate() error {
	for _, s := range d.stems {
		if err := validName(s); err != nil {
			return err
		}
	}
	return nil
}

func validName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsRune(s, filepath.Separator) || strings.ContainsRune(s, 0) {
		return xerrors.Errorf("%q: %w", s, ErrInvalidName)
	}
	return nil
}

// Path returns the image of an existing disk, or ErrChildNotExist.
func (d *DifferenceDisk) Path() (string, error) {
	if err := d.validate(); err != nil {
		return "", err
	}
	if _, err := os.Stat(d.disk()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", xerrors.Errorf("%s: %w", d, ErrChildNotExist)
		}
		return "", err
	}
	return d.disk(), nil
}

// Create makes the directory and image of d, returning with d locked so that
// pruning leaves it alone. The caller unlocks the guard when done with the
// disk.
func (d *DifferenceDisk) Create() (*flock.Guard, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	root, err := flock.Lock(d.root)
	if err != nil {
		return nil, err
	}
	defer root.Unlock() //nolint:errcheck

	dir := d.dir()
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), diskName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Errorf("%s: %w", d, ErrParentNotExist)
		}
		return nil, err
	}
	created := true
	if err := os.Mkdir(dir, 0o755); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, xerrors.Errorf("mkdir %s: %w", dir, err)
		}
		created = false
	}
	g, err := flock.TryLock(dir)
	if err != nil {
		return nil, err
	}
	child := qcow2.ChildDisk{Path: d.disk(), Parent: filepath.Join("..", diskName)}
	if err := child.Create(); err != nil {
		_ = g.Unlock()
		if errors.Is(err, qcow2.ErrDiskExists) {
			return nil, xerrors.Errorf("%s: %w", d, ErrChildExists)
		}
		if created {
			_ = os.Remove(dir)
		}
		return nil, err
	}
	log.Infow("created disk", "disk", d.String())
	return g, nil
}

// Remove deletes d unless it has children. A missing disk is not an error.
func (d *DifferenceDisk) Remove() error {
	if err := d.validate(); err != nil {
		return err
	}
	root, err := flock.Lock(d.root)
	if err != nil {
		return err
	}
	defer root.Unlock() //nolint:errcheck
	return d.remove()
}

func (d *DifferenceDisk) remove() error {
	entries, err := os.ReadDir(d.dir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if children := subdirs(entries); len(children) > 0 {
		return xerrors.Errorf("%s has %v: %w", d, children, ErrHasChildren)
	}
	if err := os.RemoveAll(d.dir()); err != nil {
		log.Warnw("failed to remove disk", "disk", d.String(), "error", err)
	}
	log.Infow("removed disk", "disk", d.String())
	return nil
}

// Rename gives d a new name under the same parent.
func (d *DifferenceDisk) Rename(name string) (*DifferenceDisk, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	root, err := flock.Lock(d.root)
	if err != nil {
		return nil, err
	}
	defer root.Unlock() //nolint:errcheck

	to := &DifferenceDisk{root: d.root, stems: append(slices.Clone(d.stems[:len(d.stems)-1]), name)}
	if err := os.Rename(d.dir(), to.dir()); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, xerrors.Errorf("%s: %w", d, ErrChildNotExist)
		case errors.Is(err, unix.ENOTEMPTY), errors.Is(err, fs.ErrExist):
			return nil, xerrors.Errorf("%s: %w", to, ErrChildExists)
		}
		return nil, xerrors.Errorf("rename %s -> %s: %w", d, name, err)
	}
	log.Infow("renamed disk", "from", d.String(), "to", to.String())
	return to, nil
}

// Children lists the existing children of d.
func (d *DifferenceDisk) Children() ([]*DifferenceDisk, error) {
	return children(d, d.dir())
}

func (r *RootDisk) Children() ([]*DifferenceDisk, error) {
	return children(r, r.dir)
}

func children(parent Disk, dir string) ([]*DifferenceDisk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*DifferenceDisk
	for _, name := range subdirs(entries) {
		out = append(out, parent.Diff(name))
	}
	return out, nil
}
