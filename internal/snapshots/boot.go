package snapshots

import (
	"context"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/machine"
	"github.com/faradayfan/arm-market/internal/storage"
)

// BootTemplate prepares the disk a contract will run on.
type BootTemplate interface {
	// Configure prunes the storage and starts a pending snapshot named by the
	// last stem under the disk named by the others.
	Configure(stems []string) (BootConfiguration, error)
}

// BootConfiguration boots a machine from a prepared disk. Discard releases
// the disk of a configuration that will not be booted.
type BootConfiguration interface {
	Boot(ctx context.Context, m *machine.Machine) (*machine.RunningMachine, error)
	Discard() error
}

// ISCSITFTPTemplate boots over the network: the root filesystem is an iSCSI
// export and the kernel comes from TFTP.
type ISCSITFTPTemplate struct {
	Root     *storage.RootDisk
	TFTPRoot string
}

func (t *ISCSITFTPTemplate) Configure(stems []string) (BootConfiguration, error) {
	disk, err := pendingSnapshot(t.Root, stems)
	if err != nil {
		return nil, err
	}
	return &iscsiBoot{disk: disk, tftpRoot: t.TFTPRoot}, nil
}

// ISCSILocalKernelTemplate boots a kernel stored on the machine with the
// root filesystem on iSCSI.
type ISCSILocalKernelTemplate struct {
	Root *storage.RootDisk
}

func (t *ISCSILocalKernelTemplate) Configure(stems []string) (BootConfiguration, error) {
	disk, err := pendingSnapshot(t.Root, stems)
	if err != nil {
		return nil, err
	}
	return &iscsiBoot{disk: disk}, nil
}

func pendingSnapshot(root *storage.RootDisk, stems []string) (*storage.PendingSnapshot, error) {
	if len(stems) == 0 {
		return nil, xerrors.Errorf("no disk stems: %w", storage.ErrInvalidName)
	}
	if err := root.Prune(); err != nil {
		return nil, xerrors.Errorf("prune %s: %w", root, err)
	}
	var parent storage.Disk = root
	for _, stem := range stems[:len(stems)-1] {
		parent = parent.Diff(stem)
	}
	return storage.NewPendingSnapshot(parent, stems[len(stems)-1])
}

// iscsiBoot boots from a pending snapshot exported over iSCSI. An empty
// tftpRoot leaves the bootloader alone.
type iscsiBoot struct {
	disk     *storage.PendingSnapshot
	tftpRoot string
}

func (b *iscsiBoot) String() string { return b.disk.String() }

// Boot power cycles m onto the disk. On failure the disk is detached and
// rolled back.
func (b *iscsiBoot) Boot(ctx context.Context, m *machine.Machine) (*machine.RunningMachine, error) {
	if err := b.boot(ctx, m); err != nil {
		log.Errorw("boot failed, rolling back", "machine", m.Name, "disk", b.disk, "error", err)
		derr := m.Root.DetachDisk(context.WithoutCancel(ctx))
		return nil, multierr.Combine(err, derr, b.disk.Rollback())
	}
	return machine.NewRunningMachine(m, b.disk), nil
}

func (b *iscsiBoot) boot(ctx context.Context, m *machine.Machine) error {
	if err := m.PowerOff(ctx); err != nil {
		return err
	}
	if err := m.Root.DetachDisk(ctx); err != nil {
		return xerrors.Errorf("detach: %w", err)
	}
	path, err := b.disk.Path()
	if err != nil {
		return err
	}
	if err := m.Root.AttachDisk(ctx, path); err != nil {
		return xerrors.Errorf("attach %s: %w", path, err)
	}
	if b.tftpRoot != "" {
		if err := m.ConfigureTFTP(b.tftpRoot); err != nil {
			return err
		}
	}
	return m.Start(ctx)
}

func (b *iscsiBoot) Discard() error {
	return b.disk.Rollback()
}
