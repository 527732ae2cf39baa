package config

// Config matches the shape of configs/contractor.yaml
type Config struct {
	Machine      Machine             `yaml:"machine"`
	Markets      map[string]Market   `yaml:"markets"`
	Templates    map[string]Template `yaml:"templates"`
	Distributors []Distributor       `yaml:"distributors"`
	Status       Status              `yaml:"status"`
	Loop         Loop                `yaml:"loop"`
}

// Machine is the board this contractor serves contracts on.
type Machine struct {
	Name string `yaml:"name"`
	// Info is sent to every contractee, e.g. the address to ssh to.
	Info map[string]any `yaml:"info"`
	// Params are the template variables of the hooks. "name" defaults to
	// the machine name.
	Params     map[string]string `yaml:"params"`
	Power      Power             `yaml:"power"`
	Shutdown   *Hook             `yaml:"shutdown"`
	Root       Root              `yaml:"root"`
	Bootloader *Bootloader       `yaml:"bootloader"`
}

type Power struct {
	On  Hook `yaml:"on"`
	Off Hook `yaml:"off"`
}

// Hook is a command line run for a machine, e.g. switching a relay.
type Hook struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Cwd     string   `yaml:"cwd"`
	Env     []string `yaml:"env"`
	Timeout string   `yaml:"timeout"` // e.g. "30s"
	Grace   string   `yaml:"grace"`   // between SIGTERM and SIGKILL
}

// Root is where the machine's root filesystem is exported from.
type Root struct {
	Type       string `yaml:"type"` // "iscsi"
	ServerIP   string `yaml:"server_ip"`
	ServerPort int    `yaml:"server_port"`
	MachineID  string `yaml:"machine_id"`
	Socket     string `yaml:"socket"` // qcow2target control socket
}

type Bootloader struct {
	Type   string `yaml:"type"` // "raspberry" or "pxelinux"
	Serial string `yaml:"serial"`
	MAC    string `yaml:"mac"`
	Kernel string `yaml:"kernel"`
	Initrd string `yaml:"initrd"`
}

type Market struct {
	Dir      string `yaml:"dir"`
	Priority int    `yaml:"priority"`
}

// Template serves one model/arch/os triple from a storage root.
type Template struct {
	Model    string `yaml:"model"`
	Arch     string `yaml:"arch"`
	OS       string `yaml:"os"`
	Boot     string `yaml:"boot"` // "iscsi_tftp" or "iscsi_local_kernel"
	Root     string `yaml:"root"`
	TFTPRoot string `yaml:"tftp_root"`
}

// Distributor offers the contracts of a market to templates, in order. A
// non-empty Name only serves contracts asking for it.
type Distributor struct {
	Market    string   `yaml:"market"`
	Name      string   `yaml:"name"`
	Templates []string `yaml:"templates"`
}

type Status struct {
	Listen string `yaml:"listen"`
}

type Loop struct {
	MinDelay string `yaml:"min_delay"`
	MaxDelay string `yaml:"max_delay"`
}
