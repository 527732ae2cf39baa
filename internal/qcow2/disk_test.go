package qcow2

import (
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const tenMiB = 10 << 20

func readImageHeader(t *testing.T, path string) *Header {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	h, err := ReadHeader(f)
	require.NoError(t, err)
	return h
}

func readUint64(t *testing.T, path string, off int64) uint64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var b [8]byte
	_, err = f.ReadAt(b[:], off)
	require.NoError(t, err)
	return binary.BigEndian.Uint64(b[:])
}

func readRefcounts(t *testing.T, path string, off int64, n int) []uint16 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 2*n)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return out
}

func TestCreateBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.qcow2")
	require.NoError(t, CreateBase(path, tenMiB))

	h := readImageHeader(t, path)
	cs := uint64(1) << DefaultClusterBits
	require.Equal(t, uint64(tenMiB), h.Size)
	require.Equal(t, uint32(DefaultClusterBits), h.ClusterBits)
	require.Equal(t, uint32(1), h.L1Size)
	require.Equal(t, cs, h.L1TableOffset)
	require.Equal(t, 2*cs, h.RefcountTableOffset)
	require.Equal(t, uint32(1), h.RefcountTableClusters)
	require.Equal(t, uint32(BareHeaderSize), h.HeaderLength)
	require.Empty(t, h.BackingFile)
	require.Empty(t, h.Extensions)

	require.Equal(t, 3*cs, readUint64(t, path, int64(h.RefcountTableOffset)))
	require.Equal(t, []uint16{1, 1, 1, 1, 0}, readRefcounts(t, path, int64(3*cs), 5))

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(4*cs), st.Size())
}

func TestCreateChild(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CreateBase(filepath.Join(dir, "disk.qcow2"), tenMiB))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "child"), 0o755))

	child := ChildDisk{Path: filepath.Join(dir, "child", "disk.qcow2"), Parent: "../disk.qcow2"}
	require.NoError(t, child.Create())

	h := readImageHeader(t, child.Path)
	cs := uint64(1) << DefaultClusterBits
	require.Equal(t, "../disk.qcow2", h.BackingFile)
	require.Equal(t, uint64(tenMiB), h.Size)
	require.Equal(t, cs, h.L1TableOffset)
	require.Equal(t, 2*cs, h.RefcountTableOffset)
	require.Equal(t, uint32(1), h.RefcountTableClusters)
	require.Equal(t, 3*cs, readUint64(t, child.Path, int64(2*cs)))
	require.Equal(t, []uint16{1, 1, 1, 1, 0}, readRefcounts(t, child.Path, int64(3*cs), 5))

	// the backing name sits right after the end of extensions marker
	require.Equal(t, uint64(BareHeaderSize+8), readUint64(t, child.Path, 8))

	grandchild := ChildDisk{Path: filepath.Join(dir, "child", "gc.qcow2"), Parent: child.Path}
	require.NoError(t, grandchild.Create())
	require.Equal(t, child.Path, readImageHeader(t, grandchild.Path).BackingFile)
}

func TestCreateChildExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CreateBase(filepath.Join(dir, "disk.qcow2"), tenMiB))
	existing := filepath.Join(dir, "child.qcow2")
	require.NoError(t, os.WriteFile(existing, []byte("keep me"), 0o644))

	err := ChildDisk{Path: existing, Parent: "disk.qcow2"}.Create()
	require.True(t, errors.Is(err, ErrDiskExists), "got %v", err)

	b, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "keep me", string(b))
}

func TestCreateChildMissingParent(t *testing.T) {
	dir := t.TempDir()
	child := ChildDisk{Path: filepath.Join(dir, "child.qcow2"), Parent: "missing.qcow2"}
	require.Error(t, child.Create())
	require.NoFileExists(t, child.Path)
}

func TestCreateChildTouchesParent(t *testing.T) {
	dir := t.TempDir()
	parent := filepath.Join(dir, "disk.qcow2")
	require.NoError(t, CreateBase(parent, tenMiB))
	old := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(parent, old, old))

	require.NoError(t, ChildDisk{Path: filepath.Join(dir, "c.qcow2"), Parent: "disk.qcow2"}.Create())

	var st unix.Stat_t
	require.NoError(t, unix.Stat(parent, &st))
	require.WithinDuration(t, time.Now(), time.Unix(st.Atim.Unix()), time.Minute)
	require.True(t, old.Equal(time.Unix(st.Mtim.Unix())))
}

func writeHeader(t *testing.T, path string, mutate func(raw []byte)) {
	t.Helper()
	h := &Header{ClusterBits: DefaultClusterBits, Size: tenMiB, L1Size: 1, RefcountOrder: DefaultRefcountOrder}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, writeImage(f, h))
	require.NoError(t, f.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	mutate(b)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestRejectUnsupportedParents(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(b []byte)
		want   error
	}{
		{"magic", func(b []byte) { binary.BigEndian.PutUint32(b[0:], 0xdeadbeef) }, ErrBadMagic},
		{"version", func(b []byte) { binary.BigEndian.PutUint32(b[4:], 2) }, ErrUnsupportedVersion},
		{"crypt", func(b []byte) { binary.BigEndian.PutUint32(b[32:], 1) }, ErrUnsupportedFeature},
		{"snapshots", func(b []byte) { binary.BigEndian.PutUint32(b[60:], 1) }, ErrUnsupportedFeature},
		{"incompatible", func(b []byte) { binary.BigEndian.PutUint64(b[72:], 1) }, ErrUnsupportedFeature},
		{"compatible", func(b []byte) { binary.BigEndian.PutUint64(b[80:], 1) }, ErrUnsupportedFeature},
		{"autoclear", func(b []byte) { binary.BigEndian.PutUint64(b[88:], 1) }, ErrUnsupportedFeature},
		{"refcount order", func(b []byte) { binary.BigEndian.PutUint32(b[96:], 1) }, ErrUnsupportedFeature},
		{"compression", func(b []byte) {
			binary.BigEndian.PutUint32(b[100:], ExtendedHeaderSize)
			b[104] = 1
		}, ErrUnsupportedFeature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			parent := filepath.Join(dir, "disk.qcow2")
			writeHeader(t, parent, tc.mutate)

			child := ChildDisk{Path: filepath.Join(dir, "c.qcow2"), Parent: "disk.qcow2"}
			err := child.Create()
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			require.NoFileExists(t, child.Path)
		})
	}
}

func TestExtendedHeaderWithZeroCompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.qcow2")
	writeHeader(t, path, func(b []byte) {
		binary.BigEndian.PutUint32(b[100:], ExtendedHeaderSize)
	})
	h := readImageHeader(t, path)
	require.Equal(t, uint32(ExtendedHeaderSize), h.HeaderLength)
	require.Zero(t, h.CompressionType)
}

func TestExtensionsAreParsedAndDropped(t *testing.T) {
	dir := t.TempDir()
	parent := filepath.Join(dir, "disk.qcow2")
	features := []featureName{
		{Type: 0, Bit: 0, Name: "dirty bit"},
		{Type: 1, Bit: 0, Name: "lazy refcounts"},
	}
	h := &Header{
		ClusterBits:   DefaultClusterBits,
		Size:          tenMiB,
		L1Size:        1,
		RefcountOrder: DefaultRefcountOrder,
		Extensions: []Extension{
			{Type: ExtBackingFormat, Data: []byte("raw")},
			{Type: 0x12345678, Data: []byte{1, 2, 3, 4, 5}},
			featureNameTable(features),
		},
	}
	f, err := os.Create(parent)
	require.NoError(t, err)
	require.NoError(t, writeImage(f, h))
	require.NoError(t, f.Close())

	got := readImageHeader(t, parent)
	require.Len(t, got.Extensions, 3)
	require.Equal(t, "backing format raw", got.Extensions[0].String())
	require.Equal(t, []byte{1, 2, 3, 4, 5}, got.Extensions[1].Data)
	decoded, err := got.Extensions[2].featureNames()
	require.NoError(t, err)
	require.Equal(t, features, decoded)
	require.Equal(t, "feature name table (dirty bit, lazy refcounts)", got.Extensions[2].String())

	child := ChildDisk{Path: filepath.Join(dir, "c.qcow2"), Parent: "disk.qcow2"}
	require.NoError(t, child.Create())
	require.Empty(t, readImageHeader(t, child.Path).Extensions)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CreateBase(filepath.Join(dir, "disk.qcow2"), tenMiB))
	child := ChildDisk{Path: filepath.Join(dir, "c.qcow2"), Parent: "disk.qcow2"}
	require.NoError(t, child.Create())
	require.NoError(t, child.Remove())
	require.NoFileExists(t, child.Path)
	require.NoError(t, child.Remove())
}

func TestQemuImgAcceptsImages(t *testing.T) {
	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		t.Skip("qemu-img not installed")
	}
	dir := t.TempDir()
	require.NoError(t, CreateBase(filepath.Join(dir, "disk.qcow2"), tenMiB))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "child"), 0o755))
	child := ChildDisk{Path: filepath.Join(dir, "child", "disk.qcow2"), Parent: "../disk.qcow2"}
	require.NoError(t, child.Create())

	for _, p := range []string{filepath.Join(dir, "disk.qcow2"), child.Path} {
		out, err := exec.Command(qemuImg, "check", p).CombinedOutput()
		require.NoError(t, err, string(out))
	}
}
