package iscsi

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/machine"
)

const (
	targetPrefix    = "iqn.2008-05.com.networkoptix.ft.arms:"
	initiatorPrefix = "iqn.arm.initiator:"

	pollInterval      = 500 * time.Millisecond
	disconnectTimeout = 60 * time.Second
)

// Controller is the part of Client an Ext4Root needs.
type Controller interface {
	List(ctx context.Context) (map[string]Target, error)
	AddTarget(ctx context.Context, target string) error
	ClearTarget(ctx context.Context, target string) error
	Attach(ctx context.Context, target, diskPath string) (int, error)
}

// Ext4Root boots a machine from an ext4 image exported as an iSCSI target
// named after the machine.
type Ext4Root struct {
	ServerIP   string
	ServerPort int
	Target     string
	Initiator  string
	Controller Controller

	// PollInterval and DisconnectTimeout tune WaitDisconnected.
	PollInterval      time.Duration
	DisconnectTimeout time.Duration
}

func NewExt4Root(c Controller, serverIP string, serverPort int, machineID string) (*Ext4Root, error) {
	if strings.ContainsAny(machineID, "_=") {
		return nil, xerrors.Errorf("target name %q must not contain '_' or '='", machineID)
	}
	if machineID == "" {
		return nil, xerrors.New("empty machine id")
	}
	return &Ext4Root{
		ServerIP:          serverIP,
		ServerPort:        serverPort,
		Target:            targetPrefix + machineID,
		Initiator:         initiatorPrefix + machineID,
		Controller:        c,
		PollInterval:      pollInterval,
		DisconnectTimeout: disconnectTimeout,
	}, nil
}

func (r *Ext4Root) String() string { return "iscsi root " + r.Target }

func (r *Ext4Root) Arguments() machine.KernelArguments {
	return machine.KernelArguments{
		{Key: "root", Value: "LABEL=rootfs"},
		{Key: "ISCSI_INITIATOR", Value: r.Initiator},
		{Key: "ISCSI_TARGET_NAME", Value: r.Target},
		{Key: "ISCSI_TARGET_IP", Value: r.ServerIP},
		{Key: "ISCSI_TARGET_PORT", Value: strconv.Itoa(r.ServerPort)},
		{Key: "rootfstype", Value: "ext4"},
		{Key: "fsck.repair", Value: "yes"},
		{Key: "rootwait", Value: "10"},
	}
}

// AttachDisk exports path, creating the target on first use.
func (r *Ext4Root) AttachDisk(ctx context.Context, path string) error {
	lun, err := r.Controller.Attach(ctx, r.Target, path)
	if errors.Is(err, ErrTargetNotExist) {
		log.Infow("target does not exist, creating it", "target", r.Target, "disk", path)
		if err := r.Controller.AddTarget(ctx, r.Target); err != nil {
			return err
		}
		lun, err = r.Controller.Attach(ctx, r.Target, path)
	}
	if err != nil {
		return err
	}
	log.Infow("disk attached", "target", r.Target, "disk", path, "lun", lun)
	return nil
}

// DetachDisk detaches every LUN of the target. A missing target is fine.
func (r *Ext4Root) DetachDisk(ctx context.Context) error {
	err := r.Controller.ClearTarget(ctx, r.Target)
	if errors.Is(err, ErrTargetNotExist) {
		log.Infow("target does not exist", "target", r.Target)
		return nil
	}
	return err
}

// WaitDisconnected polls until no initiator is connected to the target.
func (r *Ext4Root) WaitDisconnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.DisconnectTimeout)
	defer cancel()
	t := time.NewTicker(r.PollInterval)
	defer t.Stop()
	for {
		targets, err := r.Controller.List(ctx)
		if err != nil {
			return waitErr(ctx, r, err)
		}
		target, ok := targets[r.Target]
		if !ok {
			log.Infow("target does not exist", "target", r.Target)
			return nil
		}
		log.Debugw("target state", "target", r.Target, "online", target.HasConnections, "nexuses", target.ITNexuses)
		if !target.HasConnections {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return waitErr(ctx, r, ctx.Err())
		}
	}
}

func waitErr(ctx context.Context, r *Ext4Root, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Errorf("%s still connected after %s: %w", r.Target, r.DisconnectTimeout, ctx.Err())
	}
	return err
}
