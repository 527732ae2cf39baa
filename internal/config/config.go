// Package config loads the contractor configuration and builds the machine,
// markets and templates it describes.
package config

import (
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/faradayfan/arm-market/internal/hooks"
	"github.com/faradayfan/arm-market/internal/iscsi"
)

const (
	DefaultStatusListen = "127.0.0.1:9100"
	DefaultISCSIPort    = 3260

	RootISCSI = "iscsi"

	BootloaderRaspberry = "raspberry"
	BootloaderPXELinux  = "pxelinux"

	BootISCSITFTP        = "iscsi_tftp"
	BootISCSILocalKernel = "iscsi_local_kernel"
)

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read config file %q: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, xerrors.Errorf("parse yaml: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	m := &c.Machine
	if m.Params == nil {
		m.Params = map[string]string{}
	}
	if _, ok := m.Params["name"]; !ok {
		m.Params["name"] = m.Name
	}
	if m.Info == nil {
		m.Info = map[string]any{}
	}
	if m.Root.Type == "" {
		m.Root.Type = RootISCSI
	}
	if m.Root.ServerPort == 0 {
		m.Root.ServerPort = DefaultISCSIPort
	}
	if m.Root.MachineID == "" {
		m.Root.MachineID = m.Name
	}
	if m.Root.Socket == "" {
		m.Root.Socket = iscsi.DefaultControlSocket
	}
	if c.Status.Listen == "" {
		c.Status.Listen = DefaultStatusListen
	}
}

func (c *Config) validate() error {
	m := c.Machine
	if strings.TrimSpace(m.Name) == "" {
		return xerrors.New("machine.name is required")
	}
	if _, err := convertHook("power.on", m.Power.On); err != nil {
		return err
	}
	if _, err := convertHook("power.off", m.Power.Off); err != nil {
		return err
	}
	if m.Shutdown != nil {
		if _, err := convertHook("shutdown", *m.Shutdown); err != nil {
			return err
		}
	}
	if m.Root.Type != RootISCSI {
		return xerrors.Errorf("machine.root.type %q is not supported (expected %s)", m.Root.Type, RootISCSI)
	}
	if m.Root.ServerIP == "" {
		return xerrors.New("machine.root.server_ip is required")
	}
	if b := m.Bootloader; b != nil {
		switch b.Type {
		case BootloaderRaspberry:
			if b.Serial == "" {
				return xerrors.New("machine.bootloader.serial is required for raspberry")
			}
		case BootloaderPXELinux:
			if b.MAC == "" {
				return xerrors.New("machine.bootloader.mac is required for pxelinux")
			}
		default:
			return xerrors.Errorf("machine.bootloader.type %q is invalid (expected raspberry|pxelinux)", b.Type)
		}
	}

	if len(c.Markets) == 0 {
		return xerrors.New("config contains no markets")
	}
	for name, mk := range c.Markets {
		if mk.Dir == "" {
			return xerrors.Errorf("market %q missing dir", name)
		}
		if mk.Priority < 0 || mk.Priority > 99 {
			return xerrors.Errorf("market %q priority %d out of range 0..99", name, mk.Priority)
		}
	}

	for name, t := range c.Templates {
		if t.Model == "" || t.Arch == "" || t.OS == "" {
			return xerrors.Errorf("template %q needs model, arch and os", name)
		}
		if t.Root == "" {
			return xerrors.Errorf("template %q missing root", name)
		}
		switch t.Boot {
		case BootISCSITFTP:
			if t.TFTPRoot == "" {
				return xerrors.Errorf("template %q missing tftp_root", name)
			}
			if m.Bootloader == nil {
				return xerrors.Errorf("template %q boots over tftp but the machine has no bootloader", name)
			}
		case BootISCSILocalKernel:
		default:
			return xerrors.Errorf("template %q has invalid boot %q (expected %s|%s)", name, t.Boot, BootISCSITFTP, BootISCSILocalKernel)
		}
	}

	if len(c.Distributors) == 0 {
		return xerrors.New("config contains no distributors")
	}
	for i, d := range c.Distributors {
		if _, ok := c.Markets[d.Market]; !ok {
			return xerrors.Errorf("distributor %d refers to unknown market %q", i, d.Market)
		}
		if len(d.Templates) == 0 {
			return xerrors.Errorf("distributor %d has no templates", i)
		}
		for _, t := range d.Templates {
			if _, ok := c.Templates[t]; !ok {
				return xerrors.Errorf("distributor %d refers to unknown template %q", i, t)
			}
		}
	}

	if _, _, err := c.Delays(); err != nil {
		return err
	}
	return nil
}

// Delays returns the bounds of the random wait before each contract search.
// Zero means the loop default.
func (c *Config) Delays() (lo, hi time.Duration, err error) {
	if lo, err = parseDuration("loop.min_delay", c.Loop.MinDelay); err != nil {
		return 0, 0, err
	}
	if hi, err = parseDuration("loop.max_delay", c.Loop.MaxDelay); err != nil {
		return 0, 0, err
	}
	if hi != 0 && hi < lo {
		return 0, 0, xerrors.Errorf("loop.max_delay %s is less than loop.min_delay %s", hi, lo)
	}
	return lo, hi, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, xerrors.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, xerrors.Errorf("invalid %s %q: negative", field, s)
	}
	return d, nil
}

func convertHook(name string, h Hook) (hooks.Command, error) {
	if strings.TrimSpace(h.Command) == "" {
		return hooks.Command{}, xerrors.Errorf("hook %q missing command", name)
	}
	cmd := hooks.Command{
		Name:    name,
		Command: h.Command,
		Args:    h.Args,
		Cwd:     h.Cwd,
		Env:     h.Env,
	}
	var err error
	if cmd.Timeout, err = parseDuration(name+".timeout", h.Timeout); err != nil {
		return hooks.Command{}, err
	}
	if cmd.Grace, err = parseDuration(name+".grace", h.Grace); err != nil {
		return hooks.Command{}, err
	}
	return cmd, nil
}
