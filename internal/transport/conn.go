package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/protocol"
)

// ErrStreamClosed means the peer went away: EOF, reset, broken pipe or a
// connection that is already closed. It never means malformed data.
var ErrStreamClosed = xerrors.New("stream closed")

// Conn is a newline framed JSON stream.
type Conn struct {
	c net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

func NewConn(c net.Conn) *Conn {
	return &Conn{
		c: c,
		r: bufio.NewReader(c),
		w: bufio.NewWriter(c),
	}
}

func (c *Conn) Close() error {
	return c.c.Close()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.c.SetReadDeadline(t)
}

// Watch expires the connection deadline as soon as ctx is done, which unblocks
// a pending Send or Recv. The returned stop function detaches the watch.
func (c *Conn) Watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = c.c.SetDeadline(time.Unix(1, 0))
	})
}

func (c *Conn) Send(msg protocol.Message) error {
	return c.SendJSON(msg)
}

func (c *Conn) Recv() (protocol.Message, error) {
	var msg protocol.Message
	err := c.RecvJSON(&msg)
	return msg, err
}

// SendJSON writes v as a single line.
func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// newline framed
	if _, err := c.w.Write(append(b, '\n')); err != nil {
		return classify(err)
	}
	if err := c.w.Flush(); err != nil {
		return classify(err)
	}
	return nil
}

// RecvJSON reads one line into v.
func (c *Conn) RecvJSON(v any) error {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		// a partial record followed by EOF is a dropped peer too
		return classify(err)
	}
	if err := json.Unmarshal(line, v); err != nil {
		return xerrors.Errorf("invalid json: %w", err)
	}
	return nil
}

// RecvType reads one message and checks that it is a valid message of type t.
func (c *Conn) RecvType(t protocol.Type) (protocol.Message, error) {
	msg, err := c.Recv()
	if err != nil {
		return protocol.Message{}, err
	}
	if err := msg.Expect(t); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, ErrStreamClosed)
}

func classify(err error) error {
	if IsTimeout(err) {
		return err
	}
	if closedError(err) {
		return xerrors.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return err
}

func closedError(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.ECONNABORTED),
		errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ENOTCONN),
		errors.Is(err, unix.EINVAL):
		return true
	}
	return false
}
