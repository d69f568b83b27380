package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/fileindex"
)

func newCmd_Count() *cli.Command {
	return &cli.Command{
		Name:        "count",
		Usage:       "Rebuild the Index from sources, emit exports.",
		Description: "Load (or, with --force, rescan and rebuild) the level's Global File Index, then write its JSON and TXT exports.",
		ArgsUsage:   "<level>",
		Before: func(c *cli.Context) error {
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input-path",
				Aliases:  []string{"i"},
				Usage:    "directory holding the level's archives",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "regenerate the index from scratch by scanning the directory, ignoring existing index artifacts",
			},
		},
		Action: func(c *cli.Context) error {
			level, err := strconv.ParseUint(c.Args().Get(0), 10, 8)
			if err != nil {
				return cli.Exit(fmt.Errorf("count: invalid <level>: %w", err), 1)
			}
			dir := c.String("input-path")

			startedAt := time.Now()
			defer func() {
				klog.Infof("count: finished level %02d in %s", level, time.Since(startedAt))
			}()

			var idx *fileindex.Index
			if c.Bool("force") {
				idx, err = fileindex.RebuildFromDirectory(uint8(level), dir)
			} else {
				idx, err = fileindex.LoadFromSources(uint8(level), dir)
			}
			if err != nil {
				return cli.Exit(err, 1)
			}

			if err := idx.Flush(); err != nil {
				return cli.Exit(err, 1)
			}
			if err := idx.ExportHumanReadable(); err != nil {
				return cli.Exit(err, 1)
			}

			klog.Infof("count: level %02d holds %d archive(s), %d record(s) total", level, len(idx.Entries()), idx.TotalCount())
			return nil
		},
	}
}
