// Package hooks runs site specific shell commands for the parts of a machine
// that have no native driver, such as a relay board or an ssh poweroff.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"text/template"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("hooks")

const (
	DefaultTimeout = time.Minute
	DefaultGrace   = 10 * time.Second

	outputLimit = 4096
)

// Command is a templated command line. Command, Args, Cwd and Env are
// text/template strings rendered against the run parameters.
type Command struct {
	Name    string
	Command string
	Args    []string
	Cwd     string
	Env     []string
	// Timeout bounds a single run; zero means DefaultTimeout.
	Timeout time.Duration
	// Grace is the time between SIGTERM and SIGKILL of the process group.
	Grace time.Duration
}

// Params are the template variables of a run.
type Params map[string]string

// ExitError reports a command that ran and failed.
type ExitError struct {
	Name     string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	msg := e.Name + ": exit status " + strconv.Itoa(e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Runner executes commands in their own process group.
type Runner struct{}

func (r Runner) resolve(c Command, params Params) (*exec.Cmd, error) {
	name, err := render(c.Command, params)
	if err != nil {
		return nil, xerrors.Errorf("%s: render command: %w", c.Name, err)
	}
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.Errorf("%s: empty command", c.Name)
	}
	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		s, err := render(a, params)
		if err != nil {
			return nil, xerrors.Errorf("%s: render args: %w", c.Name, err)
		}
		args = append(args, s)
	}
	cwd, err := render(c.Cwd, params)
	if err != nil {
		return nil, xerrors.Errorf("%s: render cwd: %w", c.Name, err)
	}
	env := make([]string, 0, len(c.Env))
	for _, e := range c.Env {
		s, err := render(e, params)
		if err != nil {
			return nil, xerrors.Errorf("%s: render env: %w", c.Name, err)
		}
		env = append(env, s)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	// own process group so that children are signalled too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// Run runs c to completion. On timeout or cancellation the process group
// gets SIGTERM, then SIGKILL after the grace period.
func (r Runner) Run(ctx context.Context, c Command, params Params) error {
	cmd, err := r.resolve(c, params)
	if err != nil {
		return err
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	grace := c.Grace
	if grace == 0 {
		grace = DefaultGrace
	}
	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = grace

	log.Debugw("running hook", "hook", c.Name, "cmd", cmd.String())
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return xerrors.Errorf("%s: start: %w", c.Name, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err = <-done:
	case <-ctx.Done():
		pid := cmd.Process.Pid
		log.Warnw("hook did not finish in time, terminating", "hook", c.Name, "pid", pid, "timeout", timeout)
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(grace):
			log.Warnw("hook ignored SIGTERM, killing", "hook", c.Name, "pid", pid)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-done
		}
		return xerrors.Errorf("%s: %w", c.Name, ctx.Err())
	}

	elapsed := time.Since(start)
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			log.Warnw("hook failed", "hook", c.Name, "exit", ee.ExitCode(), "elapsed", elapsed)
			return &ExitError{Name: c.Name, ExitCode: ee.ExitCode(), Output: out.String()}
		}
		return xerrors.Errorf("%s: %w", c.Name, err)
	}
	log.Infow("hook done", "hook", c.Name, "elapsed", elapsed)
	return nil
}

func render(tmpl string, params Params) (string, error) {
	t, err := template.New("x").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]string(params)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// tailBuffer keeps the last outputLimit bytes written to it.
type tailBuffer struct {
	b []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	if over := len(t.b) - outputLimit; over > 0 {
		t.b = t.b[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.b) }
