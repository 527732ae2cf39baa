package rendezvous

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// serveIndex makes every connection accepted on l receive the byte i.
func serveIndex(t *testing.T, l *Listener, i byte) {
	t.Helper()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte{i})
			_ = c.Close()
		}
	}()
}

func readIndex(t *testing.T, c net.Conn) byte {
	t.Helper()
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	b := make([]byte, 1)
	_, err := io.ReadFull(c, b)
	require.NoError(t, err)
	return b[0]
}

func TestActiveByAgeOrder(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	for i := byte(0); i < 3; i++ {
		l, err := d.OpenNew(Group(0))
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		serveIndex(t, l, i)
	}

	var got []byte
	for c := range d.ActiveByAge(context.Background(), Group(0)) {
		got = append(got, readIndex(t, c))
	}
	require.Equal(t, []byte{0, 1, 2}, got)
}

func TestActiveByAgeGroups(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	low, err := d.OpenNew(Group(1))
	require.NoError(t, err)
	defer low.Close()
	serveIndex(t, low, 1)

	high, err := d.OpenNew(Group(0))
	require.NoError(t, err)
	defer high.Close()
	serveIndex(t, high, 0)

	var got []byte
	for c := range d.ActiveByAge(context.Background(), Group(1)) {
		got = append(got, readIndex(t, c))
	}
	require.Equal(t, []byte{1}, got)
}

func TestDefunctSocketIsRemoved(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	l, err := d.OpenNew(Group(0))
	require.NoError(t, err)
	// the listener dies without unlinking its file, as after a crash
	require.NoError(t, l.ln.Close())
	require.FileExists(t, l.Path())

	for c := range d.ActiveByAge(context.Background(), Group(0)) {
		_ = c.Close()
		t.Fatal("connected to a defunct socket")
	}
	require.NoFileExists(t, l.Path())
}

func TestBusySocketIsSkipped(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	l, err := d.OpenNew(Group(0))
	require.NoError(t, err)
	defer l.Close()

	// nobody accepts: the first consumer fills the zero backlog
	var first net.Conn
	for c := range d.ActiveByAge(context.Background(), Group(0)) {
		first = c
		break
	}
	require.NotNil(t, first)
	defer first.Close()

	for c := range d.ActiveByAge(context.Background(), Group(0)) {
		_ = c.Close()
		t.Fatal("second consumer connected to a busy socket")
	}
	require.FileExists(t, l.Path())
}

func TestOpenNewSweepsTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir)
	require.NoError(t, err)

	orphan := filepath.Join(dir, "00_1700000000.0000000_1.sock.tmp")
	require.NoError(t, os.WriteFile(orphan, nil, 0o644))

	l, err := d.OpenNew(Group(0))
	require.NoError(t, err)
	defer l.Close()

	require.NoFileExists(t, orphan)
	st, err := os.Stat(l.Path())
	require.NoError(t, err)
	require.Equal(t, os.ModeSocket, st.Mode().Type())
	require.Equal(t, os.FileMode(0o777), st.Mode().Perm())
}

func TestCloseRemovesSocket(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)
	l, err := d.OpenNew(Group(0))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.NoFileExists(t, l.Path())
}

func TestStopIterationEarly(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		l, err := d.OpenNew(Group(0))
		require.NoError(t, err)
		defer l.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	for c := range d.ActiveByAge(ctx, Group(0)) {
		n++
		_ = c.Close()
		cancel()
	}
	require.Equal(t, 1, n)
}

func TestList(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	before := time.Now()
	l, err := d.OpenNew(Group(3))
	require.NoError(t, err)
	defer l.Close()

	entries, err := d.List(Group(3))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, l.Path(), entries[0].Path)
	require.Equal(t, "03", entries[0].Group)
	require.Equal(t, os.Getpid(), entries[0].PID)
	require.WithinDuration(t, before, entries[0].Created, time.Second)

	all, err := d.List("")
	require.NoError(t, err)
	require.Len(t, all, 1)

	none, err := d.List(Group(0))
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSocketNameSortsByTime(t *testing.T) {
	a := socketName("00", time.Unix(1700000000, 999_999_900), 99999)
	b := socketName("00", time.Unix(1700000001, 0), 1)
	require.Equal(t, "00_1700000000.9999999_99999.sock", a)
	require.Less(t, a, b)

	e, err := parseName(a)
	require.NoError(t, err)
	require.Equal(t, time.Unix(1700000000, 999_999_900), e.Created)
}
