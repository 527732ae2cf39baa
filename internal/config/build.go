package config

import (
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/hooks"
	"github.com/faradayfan/arm-market/internal/iscsi"
	"github.com/faradayfan/arm-market/internal/machine"
	"github.com/faradayfan/arm-market/internal/market"
	"github.com/faradayfan/arm-market/internal/protocol"
	"github.com/faradayfan/arm-market/internal/rendezvous"
	"github.com/faradayfan/arm-market/internal/snapshots"
	"github.com/faradayfan/arm-market/internal/storage"
	"github.com/faradayfan/arm-market/internal/tftp"
)

// BuildMachine wires the machine's hooks, iSCSI root and bootloader.
func (c *Config) BuildMachine() (*machine.Machine, error) {
	m := c.Machine
	on, err := convertHook("power.on", m.Power.On)
	if err != nil {
		return nil, err
	}
	off, err := convertHook("power.off", m.Power.Off)
	if err != nil {
		return nil, err
	}
	params := hooks.Params(m.Params)

	root, err := iscsi.NewExt4Root(iscsi.NewClient(m.Root.Socket), m.Root.ServerIP, m.Root.ServerPort, m.Root.MachineID)
	if err != nil {
		return nil, xerrors.Errorf("machine %q root: %w", m.Name, err)
	}

	out := &machine.Machine{
		Name:  m.Name,
		Power: &hooks.PowerControl{On: on, Off: off, Params: params},
		Root:  root,
	}
	if m.Shutdown != nil {
		cmd, err := convertHook("shutdown", *m.Shutdown)
		if err != nil {
			return nil, err
		}
		out.Remote = &hooks.RemoteShutdown{Command: cmd, Params: params}
	}
	if b := m.Bootloader; b != nil {
		switch b.Type {
		case BootloaderRaspberry:
			out.Bootloader = &tftp.RaspberryBootloader{Serial: b.Serial}
		case BootloaderPXELinux:
			out.Bootloader = &tftp.PXELinuxBootloader{MAC: b.MAC, Kernel: b.Kernel, Initrd: b.Initrd}
		}
	}
	return out, nil
}

// Info is what the contractor tells contractees on acceptance.
func (c *Config) Info() protocol.Object {
	info := protocol.Object{}
	for k, v := range c.Machine.Info {
		info[k] = v
	}
	if _, ok := info["name"]; !ok {
		info["name"] = c.Machine.Name
	}
	return info
}

// BuildDistributors opens the markets and storage roots, in config order.
// Templates sharing a root share one RootDisk.
func (c *Config) BuildDistributors() ([]*snapshots.Distributor, error) {
	dirs := map[string]*rendezvous.Dir{}
	roots := map[string]*storage.RootDisk{}

	template := func(name string) (snapshots.ContractTemplate, error) {
		t := c.Templates[name]
		root, ok := roots[t.Root]
		if !ok {
			var err error
			if root, err = storage.NewRootDisk(t.Root); err != nil {
				return nil, xerrors.Errorf("template %q: %w", name, err)
			}
			roots[t.Root] = root
		}
		var boot snapshots.BootTemplate
		switch t.Boot {
		case BootISCSITFTP:
			boot = &snapshots.ISCSITFTPTemplate{Root: root, TFTPRoot: t.TFTPRoot}
		case BootISCSILocalKernel:
			boot = &snapshots.ISCSILocalKernelTemplate{Root: root}
		default:
			return nil, xerrors.Errorf("template %q has invalid boot %q", name, t.Boot)
		}
		return &snapshots.SnapshotTemplate{Model: t.Model, Arch: t.Arch, OS: t.OS, Boot: boot}, nil
	}

	out := make([]*snapshots.Distributor, 0, len(c.Distributors))
	for _, d := range c.Distributors {
		mk := c.Markets[d.Market]
		dir, ok := dirs[mk.Dir]
		if !ok {
			var err error
			if dir, err = rendezvous.New(mk.Dir); err != nil {
				return nil, xerrors.Errorf("market %q: %w", d.Market, err)
			}
			dirs[mk.Dir] = dir
		}

		templates := make([]snapshots.ContractTemplate, 0, len(d.Templates))
		for _, name := range d.Templates {
			t, err := template(name)
			if err != nil {
				return nil, err
			}
			templates = append(templates, t)
		}
		if d.Name != "" {
			templates = []snapshots.ContractTemplate{&snapshots.NamedTemplate{Name: d.Name, Templates: templates}}
		}
		out = append(out, &snapshots.Distributor{
			Market:    market.New(dir, mk.Priority),
			Templates: templates,
		})
	}
	return out, nil
}
