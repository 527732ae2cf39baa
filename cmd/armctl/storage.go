package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/storage"
)

var rootFlag = &cli.StringFlag{
	Name:      "root",
	Usage:     "directory of the storage tree",
	EnvVars:   []string{"ARM_STORAGE_ROOT"},
	Required:  true,
	TakesFile: true,
}

var storageCmd = &cli.Command{
	Name:  "storage",
	Usage: "Manage a contractor's disk tree",
	Subcommands: []*cli.Command{
		storageCreateBaseCmd,
		storageSnapshotCmd,
		storageLsCmd,
		storagePruneCmd,
		storageLimitCmd,
	},
}

func openRoot(cctx *cli.Context) (*storage.RootDisk, error) {
	return storage.NewRootDisk(cctx.String("root"))
}

var storageCreateBaseCmd = &cli.Command{
	Name:  "create-base",
	Usage: "Start a tree with an empty base image",
	Flags: []cli.Flag{
		rootFlag,
		&cli.StringFlag{
			Name:  "size",
			Usage: "virtual size of the image, e.g. 16GiB",
			Value: "16GiB",
		},
	},
	Action: func(cctx *cli.Context) error {
		size, err := humanize.ParseBytes(cctx.String("size"))
		if err != nil {
			return xerrors.Errorf("parse size: %w", err)
		}
		root, err := storage.CreateRootDisk(cctx.String("root"), size)
		if err != nil {
			return err
		}
		path, _ := root.Path()
		fmt.Printf("%s (%s)\n", path, humanize.IBytes(size))
		return nil
	},
}

var storageSnapshotCmd = &cli.Command{
	Name:      "snapshot",
	Usage:     "Create a committed snapshot on top of an existing disk",
	ArgsUsage: "<stem> [stem...]",
	Flags:     []cli.Flag{rootFlag},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return xerrors.New("expected at least one stem")
		}
		root, err := openRoot(cctx)
		if err != nil {
			return err
		}
		var d storage.Disk = root
		for _, stem := range cctx.Args().Slice() {
			d = d.Diff(stem)
		}
		g, err := d.(*storage.DifferenceDisk).Create()
		if err != nil {
			return err
		}
		if err := g.Unlock(); err != nil {
			return err
		}
		path, err := d.Path()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var storageLsCmd = &cli.Command{
	Name:  "ls",
	Usage: "Print the tree of disks",
	Flags: []cli.Flag{rootFlag},
	Action: func(cctx *cli.Context) error {
		root, err := openRoot(cctx)
		if err != nil {
			return err
		}
		path, _ := root.Path()
		printDisk(root.Dir(), path, 0)
		children, err := root.Children()
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := printTree(c, 1); err != nil {
				return err
			}
		}
		return nil
	},
}

func printTree(d *storage.DifferenceDisk, depth int) error {
	path, err := d.Path()
	if err != nil {
		log.Warnw("directory without disk", "disk", d, "error", err)
		path = ""
	}
	printDisk(d.Name(), path, depth)
	children, err := d.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := printTree(c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func printDisk(name, path string, depth int) {
	size := "-"
	if path != "" {
		if fi, err := os.Stat(path); err == nil {
			size = humanize.IBytes(uint64(fi.Size()))
		}
	}
	fmt.Printf("%s%s\t%s\n", strings.Repeat("  ", depth), name, size)
}

var storagePruneCmd = &cli.Command{
	Name:  "prune",
	Usage: "Remove least recently used snapshots beyond the size limit",
	Flags: []cli.Flag{rootFlag},
	Action: func(cctx *cli.Context) error {
		root, err := openRoot(cctx)
		if err != nil {
			return err
		}
		return root.Prune()
	},
}

var storageLimitCmd = &cli.Command{
	Name:      "limit",
	Usage:     "Show or set the share of the filesystem snapshots may use",
	ArgsUsage: "[percent|none]",
	Flags:     []cli.Flag{rootFlag},
	Action: func(cctx *cli.Context) error {
		root, err := openRoot(cctx)
		if err != nil {
			return err
		}
		switch arg := cctx.Args().First(); arg {
		case "":
			pct, ok, err := root.SizeLimit()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("none")
				return nil
			}
			fmt.Printf("%s%%\n", strconv.FormatFloat(pct, 'f', -1, 64))
			return nil
		case "none":
			return root.ClearSizeLimit()
		default:
			pct, err := strconv.ParseFloat(strings.TrimSuffix(arg, "%"), 64)
			if err != nil {
				return xerrors.Errorf("parse percent %q: %w", arg, err)
			}
			return root.SetSizeLimit(pct)
		}
	},
}
