package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/faradayfan/arm-market/internal/rendezvous"
)

var marketCmd = &cli.Command{
	Name:  "market",
	Usage: "Inspect a market",
	Subcommands: []*cli.Command{
		marketLsCmd,
	},
}

var marketLsCmd = &cli.Command{
	Name:  "ls",
	Usage: "List published contracts, oldest first",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "market",
			EnvVars:  []string{"ARM_MARKET"},
			Required: true,
		},
		&cli.IntFlag{
			Name:  "priority",
			Usage: "only list this priority group",
			Value: -1,
		},
	},
	Action: func(cctx *cli.Context) error {
		dir, err := rendezvous.New(cctx.String("market"))
		if err != nil {
			return err
		}
		group := ""
		if p := cctx.Int("priority"); p >= 0 {
			group = rendezvous.Group(p)
		}
		entries, err := dir.List(group)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "GROUP\tPID\tPUBLISHED\tPATH\n")
		for _, e := range entries {
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Group, e.PID, humanize.Time(e.Created), e.Path)
		}
		return tw.Flush()
	},
}
