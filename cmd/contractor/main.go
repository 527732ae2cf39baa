package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/faradayfan/arm-market/internal/config"
	"github.com/faradayfan/arm-market/internal/snapshots"
	"github.com/faradayfan/arm-market/internal/status"
)

var log = logging.Logger("contractor")

func main() {
	app := &cli.App{
		Name:  "contractor",
		Usage: "serve machine lease contracts from the markets of one machine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "config",
				Aliases:   []string{"c"},
				Value:     "configs/contractor.yaml",
				EnvVars:   []string{"ARM_CONTRACTOR_CONFIG"},
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("*", cctx.String("log-level"))
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return err
	}

	m, err := cfg.BuildMachine()
	if err != nil {
		return err
	}
	distributors, err := cfg.BuildDistributors()
	if err != nil {
		return err
	}
	minDelay, maxDelay, err := cfg.Delays()
	if err != nil {
		return err
	}

	endpoint := status.NewEndpoint(m.Name)
	loop := &snapshots.Loop{
		Contractor:   &snapshots.Contractor{Machine: m, Info: cfg.Info()},
		Distributors: distributors,
		Status:       endpoint,
		MinDelay:     minDelay,
		MaxDelay:     maxDelay,
	}
	srv := status.NewHTTPServer(cfg.Status.Listen, endpoint)

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("starting contractor", "machine", m, "markets", len(distributors), "status", srv.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Infow("contractor stopped", "machine", m)
		return nil
	}
	return err
}
