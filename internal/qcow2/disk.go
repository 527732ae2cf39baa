package qcow2

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("qcow2")

// ErrDiskExists is returned when the image to create is already there.
var ErrDiskExists = xerrors.New("disk exists")

// ChildDisk is an image whose unallocated clusters read through to Parent.
// A relative Parent is resolved against the directory of Path and is stored
// in the child as given.
type ChildDisk struct {
	Path   string
	Parent string
}

func (d ChildDisk) String() string {
	return d.Path + " (backed by " + d.Parent + ")"
}

func (d ChildDisk) parentPath() string {
	if filepath.IsAbs(d.Parent) {
		return d.Parent
	}
	return filepath.Join(filepath.Dir(d.Path), d.Parent)
}

// Create writes an empty child image. It fails with ErrDiskExists without
// touching an existing file.
func (d ChildDisk) Create() error {
	f, err := createExclusive(d.Path)
	if err != nil {
		return err
	}
	parent, err := readParent(d.parentPath())
	if err == nil {
		err = writeImage(f, childHeader(parent, d.Parent))
	}
	return finish(f, err)
}

// Remove deletes the image file if present.
func (d ChildDisk) Remove() error {
	if err := os.Remove(d.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CreateBase writes an empty standalone image of virtualSize bytes.
func CreateBase(path string, virtualSize uint64) error {
	f, err := createExclusive(path)
	if err != nil {
		return err
	}
	cs := uint64(1) << DefaultClusterBits
	l2Entries := cs / 8
	dataClusters := ceilDiv(virtualSize, cs)
	h := &Header{
		ClusterBits:   DefaultClusterBits,
		Size:          virtualSize,
		L1Size:        uint32(max(1, ceilDiv(dataClusters, l2Entries))),
		RefcountOrder: DefaultRefcountOrder,
	}
	return finish(f, writeImage(f, h))
}

func createExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, xerrors.Errorf("%s: %w", path, ErrDiskExists)
	}
	if err != nil {
		return nil, xerrors.Errorf("create %s: %w", path, err)
	}
	return f, nil
}

// finish closes f and removes it if writing failed.
func finish(f *os.File, err error) error {
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return xerrors.Errorf("create %s: %w", f.Name(), err)
	}
	log.Infow("created image", "path", f.Name())
	return nil
}

// readParent reads the parent header and marks the parent as recently used,
// which keeps it away from pruning.
func readParent(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open parent: %w", err)
	}
	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if err := os.Chtimes(path, time.Now(), st.ModTime()); err != nil {
		return nil, xerrors.Errorf("touch parent: %w", err)
	}
	h, err := ReadHeader(f)
	if err != nil {
		return nil, xerrors.Errorf("parent %s: %w", path, err)
	}
	return h, nil
}

func childHeader(parent *Header, backingFile string) *Header {
	return &Header{
		ClusterBits:   parent.ClusterBits,
		Size:          parent.Size,
		L1Size:        parent.L1Size,
		RefcountOrder: parent.RefcountOrder,
		BackingFile:   backingFile,
	}
}

// writeImage lays out the clusters of an empty image in order: header,
// L1 table, refcount table, refcount block. The header goes last since it
// references the others.
func writeImage(f *os.File, h *Header) error {
	cs := h.ClusterSize()
	l1Clusters := max(1, ceilDiv(uint64(h.L1Size)*8, cs))
	refcountTable := cs * (1 + l1Clusters)
	refcountBlock := refcountTable + cs
	total := refcountBlock/cs + 1

	entryBytes := uint64(1) << h.RefcountOrder / 8
	if total*entryBytes > cs {
		return xerrors.Errorf("l1 table of %d entries does not fit one refcount block", h.L1Size)
	}

	h.L1TableOffset = cs
	h.RefcountTableOffset = refcountTable
	h.RefcountTableClusters = 1
	hdr, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if uint64(len(hdr)) > cs {
		return xerrors.Errorf("header of %d bytes exceeds cluster size %d", len(hdr), cs)
	}

	zero := make([]byte, cs)
	for i := uint64(0); i < total; i++ {
		if _, err := f.WriteAt(zero, int64(i*cs)); err != nil {
			return err
		}
	}

	var entry [8]byte
	binary.BigEndian.PutUint64(entry[:], refcountBlock)
	if _, err := f.WriteAt(entry[:], int64(refcountTable)); err != nil {
		return err
	}

	block := make([]byte, total*entryBytes)
	for i := uint64(0); i < total; i++ {
		block[(i+1)*entryBytes-1] = 1
	}
	if _, err := f.WriteAt(block, int64(refcountBlock)); err != nil {
		return err
	}

	if _, err := f.WriteAt(hdr, 0); err != nil {
		return err
	}
	return f.Sync()
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
