package main

import (
	"encoding/json"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/faradayfan/arm-market/internal/market"
	"github.com/faradayfan/arm-market/internal/rendezvous"
)

var log = logging.Logger("armctl")

var marketFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "market",
		Usage:    "rendezvous directory shared with the contractors",
		EnvVars:  []string{"ARM_MARKET"},
		Required: true,
	},
	&cli.IntFlag{
		Name:  "priority",
		Usage: "priority group of the market, 0..99",
		Value: 10,
	},
}

func main() {
	app := &cli.App{
		Name:  "armctl",
		Usage: "lease machines and manage contractor storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("*", cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			leaseCmd,
			marketCmd,
			storageCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func openMarket(cctx *cli.Context) (*market.Market, error) {
	dir, err := rendezvous.New(cctx.String("market"))
	if err != nil {
		return nil, err
	}
	return market.New(dir, cctx.Int("priority")), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
