// Package iscsi talks to the qcow2target daemon, which exports qcow2 images
// as iSCSI logical units, and builds a network root filesystem on top of it.
package iscsi

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/transport"
)

var log = logging.Logger("iscsi")

const DefaultControlSocket = "/tmp/qcow2target.sock"

const (
	reqAttach       = "ATTACH"
	reqDetachLUN    = "DETACHLUN"
	reqAddTarget    = "ADDTARGET"
	reqDeleteTarget = "DELETETARGET"
	reqClearTarget  = "CLEARTARGET"
	reqList         = "LIST"
)

var ErrTargetNotExist = xerrors.New("target does not exist")

// ServerError is an error reported by the daemon.
type ServerError struct {
	Request string
	Message string
}

func (e *ServerError) Error() string {
	return "qcow2target " + e.Request + ": " + e.Message
}

func (e *ServerError) Is(target error) bool {
	return target == ErrTargetNotExist && strings.Contains(e.Message, "target does not exist")
}

type request struct {
	Type    string `json:"type"`
	Command any    `json:"command"`
}

type response struct {
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Target is an entry of the target list.
type Target struct {
	ID             int           `json:"target_id"`
	LogicalUnits   []LogicalUnit `json:"logical_units"`
	ITNexuses      []string      `json:"it_nexuses"`
	HasConnections bool          `json:"has_connections"`
}

type LogicalUnit struct {
	ID       int    `json:"logical_unit_id"`
	FilePath string `json:"file_path"`
}

// Client sends one request per connection to the control socket.
type Client struct {
	Socket  string
	Timeout time.Duration
}

func NewClient(socket string) *Client {
	if socket == "" {
		socket = DefaultControlSocket
	}
	return &Client{Socket: socket, Timeout: 30 * time.Second}
}

func (c *Client) do(ctx context.Context, typ string, cmd any, result any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", c.Socket)
	if err != nil {
		return xerrors.Errorf("connect qcow2target: %w", err)
	}
	conn := transport.NewConn(nc)
	defer conn.Close() //nolint:errcheck
	stop := conn.Watch(ctx)
	defer stop()

	if err := conn.SendJSON(request{Type: typ, Command: cmd}); err != nil {
		return xerrors.Errorf("qcow2target %s: %w", typ, ctxErr(ctx, err))
	}
	var resp response
	if err := conn.RecvJSON(&resp); err != nil {
		return xerrors.Errorf("qcow2target %s: %w", typ, ctxErr(ctx, err))
	}
	if resp.Error != "" {
		msg := strings.ReplaceAll(resp.Error, `\n`, "\n")
		return &ServerError{Request: typ, Message: msg}
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return xerrors.Errorf("qcow2target %s result: %w", typ, err)
		}
	}
	return nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type targetCommand struct {
	TargetName string `json:"target_name"`
}

// List returns all targets by name.
func (c *Client) List(ctx context.Context) (map[string]Target, error) {
	out := map[string]Target{}
	if err := c.do(ctx, reqList, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddTarget creates a target. It fails if the target exists.
func (c *Client) AddTarget(ctx context.Context, target string) error {
	return c.do(ctx, reqAddTarget, targetCommand{target}, nil)
}

// DeleteTarget removes a target without LUNs or connections.
func (c *Client) DeleteTarget(ctx context.Context, target string) error {
	return c.do(ctx, reqDeleteTarget, targetCommand{target}, nil)
}

// ClearTarget detaches every logical unit of target.
func (c *Client) ClearTarget(ctx context.Context, target string) error {
	return c.do(ctx, reqClearTarget, targetCommand{target}, nil)
}

// Attach exports the image at diskPath as a new LUN of target.
func (c *Client) Attach(ctx context.Context, target, diskPath string) (int, error) {
	cmd := struct {
		DiskPath   string `json:"disk_path"`
		TargetName string `json:"target_name"`
	}{diskPath, target}
	var res struct {
		LUN int `json:"lun_id"`
	}
	if err := c.do(ctx, reqAttach, cmd, &res); err != nil {
		return 0, err
	}
	return res.LUN, nil
}

// DetachLUN detaches a single logical unit.
func (c *Client) DetachLUN(ctx context.Context, target string, lun int) error {
	cmd := struct {
		TargetName string `json:"target_name"`
		LUN        int    `json:"lun_id"`
	}{target, lun}
	return c.do(ctx, reqDetachLUN, cmd, nil)
}
