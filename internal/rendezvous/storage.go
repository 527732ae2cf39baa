// Package rendezvous keeps a directory of Unix-domain sockets through which
// unrelated processes find each other. A socket's name carries a priority
// group, its creation time and the creator's pid; sorting names sorts sockets
// by age within a group.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/flock"
)

var log = logging.Logger("rendezvous")

const (
	connectTimeout = time.Second
	socketSuffix   = ".sock"
	tmpSuffix      = ".tmp"
)

// Dir is a single shared directory of rendezvous sockets.
type Dir struct {
	path string
}

// New opens the directory at path, creating it world-writable if needed so
// that processes of different users can meet there.
func New(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o777); err != nil {
		return nil, xerrors.Errorf("create rendezvous dir %q: %w", path, err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string { return d.path }

// Group returns the name prefix of a priority group.
func Group(priority int) string {
	return fmt.Sprintf("%02d", priority)
}

// OpenNew publishes a new listening socket in group. The socket is bound and
// listening before its final name appears, so a peer that sees the name can
// connect to it.
func (d *Dir) OpenNew(group string) (*Listener, error) {
	g, err := flock.Lock(d.path)
	if err != nil {
		return nil, err
	}
	defer g.Unlock() //nolint:errcheck

	d.sweepTemp()

	final := filepath.Join(d.path, socketName(group, time.Now(), os.Getpid()))
	tmp := final + tmpSuffix
	ln, err := listenUnix(tmp)
	if err != nil {
		return nil, xerrors.Errorf("listen %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0o777); err != nil {
		_ = ln.Close()
		_ = os.Remove(tmp)
		return nil, xerrors.Errorf("chmod %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = ln.Close()
		_ = os.Remove(tmp)
		return nil, xerrors.Errorf("publish %s: %w", final, err)
	}
	log.Debugw("published socket", "path", final)
	return &Listener{ln: ln, path: final}, nil
}

// sweepTemp removes sockets left half-created by a crashed writer. Callers
// hold the directory lock.
func (d *Dir) sweepTemp() {
	tmps, err := filepath.Glob(filepath.Join(d.path, "*"+tmpSuffix))
	if err != nil {
		log.Errorw("list temporary sockets", "dir", d.path, "error", err)
		return
	}
	for _, p := range tmps {
		log.Infow("removing orphaned temporary socket", "path", p)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnw("remove orphaned temporary socket", "path", p, "error", err)
		}
	}
}

// ActiveByAge connects to every socket of group, oldest first, skipping the
// ones nobody listens on anymore. The consumer owns the yielded connections.
// Every call rescans the directory.
func (d *Dir) ActiveByAge(ctx context.Context, group string) iter.Seq[net.Conn] {
	return func(yield func(net.Conn) bool) {
		paths, err := d.glob(group)
		if err != nil {
			log.Errorw("list sockets", "dir", d.path, "error", err)
			return
		}
		for _, p := range paths {
			if ctx.Err() != nil {
				return
			}
			c, ok := d.connect(ctx, p)
			if !ok {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

func (d *Dir) glob(group string) ([]string, error) {
	if group == "" {
		group = "*"
	}
	paths, err := filepath.Glob(filepath.Join(d.path, group+"_*"+socketSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (d *Dir) connect(ctx context.Context, path string) (net.Conn, bool) {
	dialer := net.Dialer{Timeout: connectTimeout}
	c, err := dialer.DialContext(ctx, "unix", path)
	if err == nil {
		return c, true
	}
	var ne net.Error
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, fs.ErrNotExist):
		log.Debugw("socket removed before connect", "path", path)
	case errors.Is(err, unix.EAGAIN):
		// a competing consumer is connected and the backlog is full
		log.Debugw("socket is being processed by another consumer", "path", path)
	case errors.As(err, &ne) && ne.Timeout():
		log.Infow("connect timed out", "path", path)
	case errors.Is(err, unix.EACCES):
		log.Errorw("permission denied", "path", path, "error", err)
	case errors.Is(err, unix.ECONNREFUSED):
		log.Debugw("removing defunct socket", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnw("remove defunct socket", "path", path, "error", err)
		}
	default:
		log.Errorw("connect failed", "path", path, "error", err)
	}
	return nil, false
}

// Listener is a published rendezvous socket.
type Listener struct {
	ln   net.Listener
	path string
	once sync.Once
	err  error
}

func (l *Listener) Accept() (net.Conn, error) { return l.ln.Accept() }

func (l *Listener) Path() string { return l.path }

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.err = l.ln.Close()
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) && l.err == nil {
			l.err = err
		}
	})
	return l.err
}

// listenUnix listens with a zero backlog: once one peer is queued, further
// connects fail with EAGAIN instead of piling up behind it.
func listenUnix(path string) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 0); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, err
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close() //nolint:errcheck
	ln, err := net.FileListener(f)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return ln, nil
}

// --------------------
// names

func socketName(group string, t time.Time, pid int) string {
	ns := t.UnixNano()
	return fmt.Sprintf("%s_%d.%07d_%d%s", group, ns/1e9, (ns%1e9)/100, pid, socketSuffix)
}

// Entry describes a published socket.
type Entry struct {
	Path    string
	Group   string
	Created time.Time
	PID     int
}

// List returns the sockets of group, oldest first, without connecting to
// them. An empty group lists every group.
func (d *Dir) List(group string) ([]Entry, error) {
	paths, err := d.glob(group)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(paths))
	for _, p := range paths {
		e, err := parseName(filepath.Base(p))
		if err != nil {
			log.Warnw("skipping unrecognized socket", "path", p, "error", err)
			continue
		}
		e.Path = p
		out = append(out, e)
	}
	return out, nil
}

func parseName(name string) (Entry, error) {
	parts := strings.Split(strings.TrimSuffix(name, socketSuffix), "_")
	if len(parts) != 3 {
		return Entry{}, xerrors.Errorf("malformed socket name %q", name)
	}
	secStr, fracStr, ok := strings.Cut(parts[1], ".")
	if !ok {
		return Entry{}, xerrors.Errorf("malformed timestamp in %q", name)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return Entry{}, xerrors.Errorf("malformed timestamp in %q: %w", name, err)
	}
	frac, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil {
		return Entry{}, xerrors.Errorf("malformed timestamp in %q: %w", name, err)
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil {
		return Entry{}, xerrors.Errorf("malformed pid in %q: %w", name, err)
	}
	return Entry{
		Group:   parts[0],
		Created: time.Unix(sec, frac*100),
		PID:     pid,
	}, nil
}
