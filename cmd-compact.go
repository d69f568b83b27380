package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/compact"
	"github.com/tsouche/funny-set-exploration/fileindex"
)

func newCmd_Compact() *cli.Command {
	return &cli.Command{
		Name:        "compact",
		Usage:       "Merge archives of the level.",
		Description: "Consolidate many small archives of a level into fixed-size compacted archives, in place.",
		ArgsUsage:   "<level> [max_batch]",
		Before: func(c *cli.Context) error {
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input-path",
				Aliases:  []string{"i"},
				Usage:    "directory holding the level's archives (compaction is in-place)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output-path",
				Aliases: []string{"o"},
				Usage:   "forbidden for compact mode; compaction is always in-place",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "regenerate the level's index from scratch instead of trusting existing state",
			},
			&cli.BoolFlag{
				Name:  "keep-state",
				Usage: "preserve partial/processed state files after the run",
			},
		},
		Action: func(c *cli.Context) error {
			if c.String("output-path") != "" {
				return cli.Exit(fmt.Errorf("compact: -o/--output-path is forbidden; compact mode is in-place only"), 1)
			}

			level, err := strconv.ParseUint(c.Args().Get(0), 10, 8)
			if err != nil {
				return cli.Exit(fmt.Errorf("compact: invalid <level>: %w", err), 1)
			}

			opts := compact.Options{
				Dir:        c.String("input-path"),
				TargetSize: uint8(level),
				BatchSize:  defaultMaxPerFile,
			}
			if c.Args().Len() >= 2 {
				maxBatch, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
				if err != nil {
					return cli.Exit(fmt.Errorf("compact: invalid [max_batch]: %w", err), 1)
				}
				mb := uint32(maxBatch)
				opts.MaxBatch = &mb
			}

			startedAt := time.Now()
			defer func() {
				klog.Infof("compact: finished level %02d in %s", level, time.Since(startedAt))
			}()

			if c.Bool("force") {
				idx, err := fileindex.RebuildFromDirectory(uint8(level), opts.Dir)
				if err != nil {
					return cli.Exit(err, 1)
				}
				if err := idx.Flush(); err != nil {
					return cli.Exit(err, 1)
				}
			}

			written, err := compact.Run(opts)
			if err != nil {
				return cli.Exit(err, 1)
			}
			klog.Infof("compact: wrote %d compacted archive(s) for level %02d", written, level)
			return nil
		},
	}
}
