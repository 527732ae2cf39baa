package iscsi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTarget mimics the qcow2target control socket.
type fakeTarget struct {
	mu       sync.Mutex
	targets  map[string]*Target
	requests []string
	// onlineFor is the number of LIST replies that still report connections.
	onlineFor int
}

func startFakeTarget(t *testing.T) (*fakeTarget, *Client) {
	t.Helper()
	dir, err := os.MkdirTemp("", "q2t")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "ctl.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	f := &fakeTarget{targets: map[string]*Target{}}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(c)
		}
	}()
	return f, NewClient(sock)
}

func (f *fakeTarget) serve(c net.Conn) {
	defer c.Close()
	line, err := bufio.NewReader(c).ReadBytes('\n')
	if err != nil {
		return
	}
	var req struct {
		Type    string         `json:"type"`
		Command map[string]any `json:"command"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	result, errMsg := f.handle(req.Type, req.Command)
	b, _ := json.Marshal(map[string]any{"error": errMsg, "result": result})
	_, _ = c.Write(append(b, '\n'))
}

func (f *fakeTarget) handle(typ string, cmd map[string]any) (any, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, typ)
	name, _ := cmd["target_name"].(string)
	switch typ {
	case reqList:
		out := map[string]Target{}
		for n, t := range f.targets {
			tt := *t
			if f.onlineFor > 0 {
				tt.HasConnections = true
			}
			out[n] = tt
		}
		if f.onlineFor > 0 {
			f.onlineFor--
		}
		return out, ""
	case reqAddTarget:
		if _, ok := f.targets[name]; ok {
			return nil, "target already exists"
		}
		f.targets[name] = &Target{ID: len(f.targets) + 1}
		return nil, ""
	case reqAttach:
		t, ok := f.targets[name]
		if !ok {
			return nil, "failed to attach:\\ntarget does not exist"
		}
		lun := len(t.LogicalUnits) + 1
		t.LogicalUnits = append(t.LogicalUnits, LogicalUnit{ID: lun, FilePath: cmd["disk_path"].(string)})
		return map[string]int{"lun_id": lun}, ""
	case reqClearTarget:
		t, ok := f.targets[name]
		if !ok {
			return nil, "target does not exist"
		}
		t.LogicalUnits = nil
		return nil, ""
	case reqDeleteTarget:
		delete(f.targets, name)
		return nil, ""
	case reqDetachLUN:
		return nil, ""
	}
	return nil, "unknown request " + typ
}

func (f *fakeTarget) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func TestClientRoundTrip(t *testing.T) {
	f, c := startFakeTarget(t)
	ctx := context.Background()

	require.NoError(t, c.AddTarget(ctx, "iqn.test:a"))
	lun, err := c.Attach(ctx, "iqn.test:a", "/disks/a/disk.qcow2")
	require.NoError(t, err)
	require.Equal(t, 1, lun)

	targets, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, "/disks/a/disk.qcow2", targets["iqn.test:a"].LogicalUnits[0].FilePath)

	require.NoError(t, c.DetachLUN(ctx, "iqn.test:a", 1))
	require.NoError(t, c.ClearTarget(ctx, "iqn.test:a"))
	require.NoError(t, c.DeleteTarget(ctx, "iqn.test:a"))
	require.Equal(t, []string{reqAddTarget, reqAttach, reqList, reqDetachLUN, reqClearTarget, reqDeleteTarget}, f.log())
}

func TestClientErrors(t *testing.T) {
	_, c := startFakeTarget(t)
	ctx := context.Background()

	_, err := c.Attach(ctx, "iqn.test:missing", "/disk")
	require.True(t, errors.Is(err, ErrTargetNotExist), "got %v", err)
	var serr *ServerError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "failed to attach:\ntarget does not exist", serr.Message)

	require.NoError(t, c.AddTarget(ctx, "iqn.test:a"))
	err = c.AddTarget(ctx, "iqn.test:a")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrTargetNotExist))
}

func TestClientNoDaemon(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.List(context.Background())
	require.Error(t, err)
}

func TestNewExt4RootRejectsNames(t *testing.T) {
	for _, id := range []string{"a_b", "a=b", ""} {
		_, err := NewExt4Root(nil, "10.0.0.1", 3260, id)
		require.Error(t, err, id)
	}
}

func TestExt4RootArguments(t *testing.T) {
	r, err := NewExt4Root(nil, "192.168.0.1", 3260, "rpi4-1")
	require.NoError(t, err)
	require.Equal(t,
		"root=LABEL=rootfs ISCSI_INITIATOR=iqn.arm.initiator:rpi4-1 "+
			"ISCSI_TARGET_NAME=iqn.2008-05.com.networkoptix.ft.arms:rpi4-1 "+
			"ISCSI_TARGET_IP=192.168.0.1 ISCSI_TARGET_PORT=3260 "+
			"rootfstype=ext4 fsck.repair=yes rootwait=10",
		r.Arguments().String())
}

func TestExt4RootAttachCreatesTarget(t *testing.T) {
	f, c := startFakeTarget(t)
	r, err := NewExt4Root(c, "10.0.0.1", 3260, "board")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.DetachDisk(ctx))
	require.NoError(t, r.AttachDisk(ctx, "/disks/x/disk.qcow2"))
	require.NoError(t, r.DetachDisk(ctx))
	require.NoError(t, r.AttachDisk(ctx, "/disks/y/disk.qcow2"))
	require.Equal(t, []string{reqClearTarget, reqAttach, reqAddTarget, reqAttach, reqClearTarget, reqAttach}, f.log())

	targets, err := c.List(ctx)
	require.NoError(t, err)
	lus := targets[r.Target].LogicalUnits
	require.Len(t, lus, 1)
	require.Equal(t, "/disks/y/disk.qcow2", lus[0].FilePath)
}

func TestExt4RootWaitDisconnected(t *testing.T) {
	f, c := startFakeTarget(t)
	r, err := NewExt4Root(c, "10.0.0.1", 3260, "board")
	require.NoError(t, err)
	r.PollInterval = 10 * time.Millisecond
	ctx := context.Background()

	// missing target counts as disconnected
	require.NoError(t, r.WaitDisconnected(ctx))

	require.NoError(t, c.AddTarget(ctx, r.Target))
	f.mu.Lock()
	f.onlineFor = 3
	f.mu.Unlock()
	require.NoError(t, r.WaitDisconnected(ctx))
	lists := 0
	for _, req := range f.log() {
		if req == reqList {
			lists++
		}
	}
	require.Equal(t, 5, lists)
}

func TestExt4RootWaitTimeout(t *testing.T) {
	f, c := startFakeTarget(t)
	r, err := NewExt4Root(c, "10.0.0.1", 3260, "board")
	require.NoError(t, err)
	r.PollInterval = 10 * time.Millisecond
	r.DisconnectTimeout = 100 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, c.AddTarget(ctx, r.Target))
	f.mu.Lock()
	f.onlineFor = 1 << 30
	f.mu.Unlock()

	err = r.WaitDisconnected(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, strings.Contains(err.Error(), "still connected"), err.Error())
}
