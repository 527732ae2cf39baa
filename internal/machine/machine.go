// Package machine drives a physical board: power, remote shutdown, network
// root filesystem and network bootloader.
package machine

import (
	"context"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var log = logging.Logger("machine")

type PowerControl interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

type RemoteControl interface {
	// Shutdown asks the running OS to halt.
	Shutdown(ctx context.Context) error
}

// RootFS serves the root filesystem of the machine over the network.
type RootFS interface {
	Arguments() KernelArguments
	AttachDisk(ctx context.Context, path string) error
	DetachDisk(ctx context.Context) error
	// WaitDisconnected returns once the machine no longer uses the disk.
	WaitDisconnected(ctx context.Context) error
}

// Bootloader writes the boot configuration of the machine into a TFTP root.
type Bootloader interface {
	Apply(tftpRoot string, args KernelArguments) error
}

// SnapshotDisk is the disk a machine runs on until it is kept or discarded.
type SnapshotDisk interface {
	Path() (string, error)
	Commit() error
	Rollback() error
}

// KernelArguments is an ordered list of key=value kernel parameters.
type KernelArguments []KernelArgument

type KernelArgument struct {
	Key   string
	Value string
}

func (a KernelArguments) String() string {
	parts := make([]string, 0, len(a))
	for _, arg := range a {
		parts = append(parts, arg.Key+"="+arg.Value)
	}
	return strings.Join(parts, " ")
}

// Machine is a board with its collaborators. Remote and Bootloader may be
// nil when the board has none.
type Machine struct {
	Name       string
	Power      PowerControl
	Remote     RemoteControl
	Root       RootFS
	Bootloader Bootloader
}

func (m *Machine) String() string { return m.Name }

func (m *Machine) Start(ctx context.Context) error {
	log.Infow("power on", "machine", m.Name)
	if err := m.Power.PowerOn(ctx); err != nil {
		return xerrors.Errorf("%s: power on: %w", m.Name, err)
	}
	return nil
}

// PowerOff cuts the power and waits for the root filesystem to be released.
func (m *Machine) PowerOff(ctx context.Context) error {
	log.Infow("power off", "machine", m.Name)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Root.WaitDisconnected(gctx)
	})
	g.Go(func() error {
		return m.Power.PowerOff(gctx)
	})
	if err := g.Wait(); err != nil {
		return xerrors.Errorf("%s: power off: %w", m.Name, err)
	}
	return nil
}

// Shutdown asks the OS to halt, waits for the root filesystem to be released
// and then cuts the power.
func (m *Machine) Shutdown(ctx context.Context) error {
	log.Infow("request graceful shutdown", "machine", m.Name)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Root.WaitDisconnected(gctx)
	})
	if m.Remote != nil {
		g.Go(func() error {
			return m.Remote.Shutdown(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return xerrors.Errorf("%s: shutdown: %w", m.Name, err)
	}
	if err := m.Power.PowerOff(ctx); err != nil {
		return xerrors.Errorf("%s: power off: %w", m.Name, err)
	}
	return nil
}

// ConfigureTFTP points the bootloader of the machine at its root filesystem.
func (m *Machine) ConfigureTFTP(tftpRoot string) error {
	if m.Bootloader == nil {
		return xerrors.Errorf("%s: no network bootloader", m.Name)
	}
	args := m.Root.Arguments()
	log.Infow("configure tftp", "machine", m.Name, "root", tftpRoot, "args", args.String())
	return m.Bootloader.Apply(tftpRoot, args)
}

// RunningMachine is a machine booted from a snapshot disk.
type RunningMachine struct {
	machine *Machine
	disk    SnapshotDisk
}

func NewRunningMachine(m *Machine, disk SnapshotDisk) *RunningMachine {
	return &RunningMachine{machine: m, disk: disk}
}

func (r *RunningMachine) Machine() *Machine { return r.machine }

func (r *RunningMachine) String() string { return "running " + r.machine.Name }

// Commit shuts the machine down gracefully and keeps the disk.
func (r *RunningMachine) Commit(ctx context.Context) error {
	log.Infow("commit", "machine", r.machine.Name, "disk", r.disk)
	if err := r.machine.Shutdown(ctx); err != nil {
		return err
	}
	if err := r.machine.Root.DetachDisk(ctx); err != nil {
		return xerrors.Errorf("%s: detach: %w", r.machine.Name, err)
	}
	return r.disk.Commit()
}

// Rollback powers the machine off and discards the disk. Every step is
// attempted even if an earlier one fails.
func (r *RunningMachine) Rollback(ctx context.Context) error {
	log.Infow("rollback", "machine", r.machine.Name, "disk", r.disk)
	err := r.machine.PowerOff(ctx)
	if derr := r.machine.Root.DetachDisk(ctx); derr != nil {
		err = multierr.Append(err, xerrors.Errorf("%s: detach: %w", r.machine.Name, derr))
	}
	return multierr.Append(err, r.disk.Rollback())
}
