package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/protocol"
)

const commitTimeout = 10 * time.Minute

var leaseCmd = &cli.Command{
	Name:  "lease",
	Usage: "Lease a machine booted from a new snapshot",
	Description: `Publishes a contract, prints the contractor's info and holds the machine
   until interrupted, the timeout expires or the contractor quits. With --commit
   the snapshot is kept when the lease ends, otherwise the contractor rolls it
   back.

   eg) armctl lease --market /var/lib/arms/market --model rpi4 --arch aarch64 \
         --os ubuntu22.04 --stem ubuntu --stem my-build --commit`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "model", Required: true},
		&cli.StringFlag{Name: "arch", Required: true},
		&cli.StringFlag{Name: "os", Required: true},
		&cli.StringSliceFlag{
			Name:     "stem",
			Usage:    "disk stems, parent first; the last one names the new snapshot",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "only lease the contractor with this name",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "give up on the lease after this long",
			Value: 30 * time.Minute,
		},
		&cli.BoolFlag{
			Name:  "commit",
			Usage: "keep the snapshot when the lease ends",
		},
	}, marketFlags...),
	Action: func(cctx *cli.Context) error {
		m, err := openMarket(cctx)
		if err != nil {
			return err
		}

		desc := protocol.Object{
			protocol.KeyModel: cctx.String("model"),
			protocol.KeyArch:  cctx.String("arch"),
			protocol.KeyOS:    cctx.String("os"),
		}
		stems := []any{}
		for _, s := range cctx.StringSlice("stem") {
			stems = append(stems, s)
		}
		desc[protocol.KeyDiskStems] = stems
		if name := cctx.String("name"); name != "" {
			desc[protocol.KeyName] = name
		}

		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		fmt.Fprintf(os.Stderr, "looking for a contractor on %s\n", m)
		contract, info, err := m.FindContractor(ctx, desc)
		if err != nil {
			return xerrors.Errorf("find contractor: %w", err)
		}
		defer contract.Close() //nolint:errcheck

		fmt.Fprintf(os.Stderr, "contract %s signed after %s\n", contract.ID(), time.Since(start).Round(time.Millisecond))
		if err := printJSON(info); err != nil {
			return err
		}

		if err := contract.Wait(ctx); ctx.Err() == nil {
			return xerrors.Errorf("lease ended early: %w", err)
		}
		fmt.Fprintf(os.Stderr, "lease ended (%v), held since %s\n", context.Cause(ctx), humanize.Time(start))
		if !cctx.Bool("commit") {
			return nil
		}

		commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		defer cancelCommit()
		if _, err := contract.ExecuteSync(commitCtx, protocol.NewSnapshotCommit()); err != nil {
			return xerrors.Errorf("commit snapshot: %w", err)
		}
		fmt.Fprintln(os.Stderr, "snapshot committed")
		return nil
	},
}
