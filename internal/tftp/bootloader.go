// Package tftp writes per-machine boot configuration into a TFTP root.
package tftp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/machine"
)

var log = logging.Logger("tftp")

// RaspberryBootloader configures a Raspberry Pi, which fetches its files
// from a directory named after its serial number.
type RaspberryBootloader struct {
	Serial string
}

func (b *RaspberryBootloader) Apply(root string, args machine.KernelArguments) error {
	if b.Serial == "" {
		return xerrors.New("raspberry bootloader: empty serial")
	}
	cmdline := fmt.Sprintf("ip=::::%s:eth0:dhcp %s\n", b.Serial, args)
	return writeFile(filepath.Join(root, b.Serial, "cmdline.txt"), cmdline)
}

// PXELinuxBootloader configures a board that boots through PXELINUX and
// looks up its config by MAC address.
type PXELinuxBootloader struct {
	MAC    string
	Kernel string
	Initrd string
}

func (b *PXELinuxBootloader) Apply(root string, args machine.KernelArguments) error {
	if b.MAC == "" {
		return xerrors.New("pxelinux bootloader: empty mac")
	}
	kernel, initrd := b.Kernel, b.Initrd
	if kernel == "" {
		kernel = "Image"
	}
	var cfg strings.Builder
	cfg.WriteString("DEFAULT arm\n")
	cfg.WriteString("LABEL arm\n")
	fmt.Fprintf(&cfg, "  KERNEL %s\n", kernel)
	if initrd != "" {
		fmt.Fprintf(&cfg, "  INITRD %s\n", initrd)
	}
	fmt.Fprintf(&cfg, "  APPEND ip=::::::dhcp %s\n", args)
	return writeFile(filepath.Join(root, "pxelinux.cfg", pxelinuxName(b.MAC)), cfg.String())
}

// pxelinuxName is the per-MAC config name: ARP type 01 and dashes.
func pxelinuxName(mac string) string {
	return "01-" + strings.ToLower(strings.ReplaceAll(mac, ":", "-"))
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Errorf("mkdir parent: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return xerrors.Errorf("write temp boot config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Errorf("rename temp -> boot config: %w", err)
	}
	log.Infow("boot config written", "path", path)
	return nil
}
