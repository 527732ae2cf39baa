package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/elastic/gosigar"
	"golang.org/x/xerrors"
)

const percentFileName = "max_size_percent.cfg"

// volume is a size budget that leaves are fitted into, newest first.
type volume struct {
	capped   bool
	capacity int64
	used     int64
}

// fill accounts for size more bytes. It reports false when a capped volume
// would overflow, leaving v unchanged.
func (v volume) fill(size int64) (volume, bool) {
	if v.capped && v.used+size > v.capacity {
		return v, false
	}
	v.used += size
	return v, true
}

func (v volume) String() string {
	if !v.capped {
		return fmt.Sprintf("uncapped, %s used", humanize.IBytes(uint64(v.used)))
	}
	return fmt.Sprintf("%s of %s used", humanize.IBytes(uint64(v.used)), humanize.IBytes(uint64(v.capacity)))
}

// percentFile holds the share of the filesystem, in percent, that the leaves
// of a root may take.
type percentFile struct {
	path string
}

func newPercentFile(dir string) percentFile {
	return percentFile{path: filepath.Join(dir, percentFileName)}
}

// percent returns the configured share, or ok=false if there is no limit.
func (p percentFile) percent() (pct float64, ok bool, err error) {
	b, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Errorf("read %s: %w", p.path, err)
	}
	pct, err = strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, false, xerrors.Errorf("parse %s: %w", p.path, err)
	}
	return pct, true, nil
}

func (p percentFile) volume() (volume, error) {
	pct, ok, err := p.percent()
	if err != nil || !ok {
		if err == nil {
			log.Debugw("size limit disabled", "path", p.path)
		}
		return volume{}, err
	}
	usage := gosigar.FileSystemUsage{}
	if err := usage.Get(filepath.Dir(p.path)); err != nil {
		return volume{}, xerrors.Errorf("filesystem usage of %s: %w", p.path, err)
	}
	// reserved blocks are not ours to fill
	total := usage.Used + usage.Avail
	return volume{capped: true, capacity: int64(float64(total) * pct / 100)}, nil
}

// set writes the share atomically.
func (p percentFile) set(pct float64) error {
	if pct <= 0 || pct > 100 {
		return xerrors.Errorf("size limit %.3f%% out of range (0, 100]", pct)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%.3f\n", pct)), 0o644); err != nil {
		return xerrors.Errorf("write temp size limit: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return xerrors.Errorf("rename temp -> size limit: %w", err)
	}
	return nil
}

func (p percentFile) clear() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
