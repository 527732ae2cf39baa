package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunRendersParams(t *testing.T) {
	dir := t.TempDir()
	c := Command{
		Name:    "write",
		Command: "sh",
		Args:    []string{"-c", `echo "$GREETING {{.name}}" > {{.out}}`},
		Cwd:     dir,
		Env:     []string{"GREETING=hello"},
	}
	require.NoError(t, Runner{}.Run(context.Background(), c, Params{"name": "board", "out": "out.txt"}))

	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello board\n", string(b))
}

func TestRunMissingParam(t *testing.T) {
	c := Command{Name: "x", Command: "true", Args: []string{"{{.missing}}"}}
	err := Runner{}.Run(context.Background(), c, Params{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "render args")
}

func TestRunEmptyCommand(t *testing.T) {
	require.Error(t, Runner{}.Run(context.Background(), Command{Name: "x"}, nil))
}

func TestRunFailure(t *testing.T) {
	c := Command{Name: "fail", Command: "sh", Args: []string{"-c", "echo relay offline >&2; exit 3"}}
	err := Runner{}.Run(context.Background(), c, nil)
	var ee *ExitError
	require.True(t, errors.As(err, &ee), "got %v", err)
	require.Equal(t, 3, ee.ExitCode)
	require.Equal(t, "fail: exit status 3: relay offline", ee.Error())
}

func TestRunTimeoutTerminates(t *testing.T) {
	c := Command{Name: "slow", Command: "sleep", Args: []string{"30"}, Timeout: 100 * time.Millisecond, Grace: time.Second}
	start := time.Now()
	err := Runner{}.Run(context.Background(), c, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunKillsAfterGrace(t *testing.T) {
	c := Command{
		Name:    "stubborn",
		Command: "sh",
		Args:    []string{"-c", `trap "" TERM; sleep 30`},
		Timeout: 100 * time.Millisecond,
		Grace:   200 * time.Millisecond,
	}
	start := time.Now()
	err := Runner{}.Run(context.Background(), c, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := Runner{}.Run(ctx, Command{Name: "slow", Command: "sleep", Args: []string{"30"}}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTailBuffer(t *testing.T) {
	var b tailBuffer
	for i := 0; i < outputLimit; i++ {
		_, _ = b.Write([]byte("ab"))
	}
	require.Len(t, b.String(), outputLimit)
	_, _ = b.Write([]byte("end"))
	require.Equal(t, "end", b.String()[outputLimit-3:])
}

func TestPowerControl(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	p := &PowerControl{
		On:     Command{Name: "on", Command: "sh", Args: []string{"-c", "echo on > {{.state}}"}},
		Off:    Command{Name: "off", Command: "sh", Args: []string{"-c", "echo off > {{.state}}"}},
		Params: Params{"state": state},
	}
	require.NoError(t, p.PowerOn(context.Background()))
	b, err := os.ReadFile(state)
	require.NoError(t, err)
	require.Equal(t, "on\n", string(b))

	require.NoError(t, p.PowerOff(context.Background()))
	b, err = os.ReadFile(state)
	require.NoError(t, err)
	require.Equal(t, "off\n", string(b))

	r := &RemoteShutdown{Command: Command{Name: "halt", Command: "false"}}
	require.Error(t, r.Shutdown(context.Background()))
}
