package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/expand"
)

// defaultMaxPerFile bounds the number of records a single output archive
// may hold, grounded on original_source/src/main.rs's hardcoded
// MAX_NLISTS_PER_FILE constant (not exposed as a CLI flag there either).
const defaultMaxPerFile = 10_000_000

func newCmd_Size() *cli.Command {
	return &cli.Command{
		Name:        "size",
		Usage:       "Build target level from level-1.",
		Description: "Expand every batch of level-1 into level, writing continuously numbered output archives.",
		ArgsUsage:   "<level> [start_batch]",
		Before: func(c *cli.Context) error {
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input-path",
				Aliases:  []string{"i"},
				Usage:    "directory holding level-1 archives",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output-path",
				Aliases: []string{"o"},
				Usage:   "directory to write level archives to (defaults to input-path)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "regenerate the target level's index from scratch instead of trusting existing state",
			},
			&cli.BoolFlag{
				Name:  "keep-state",
				Usage: "preserve partial/processed state files after the run",
			},
		},
		Action: func(c *cli.Context) error {
			level, err := strconv.ParseUint(c.Args().Get(0), 10, 8)
			if err != nil {
				return cli.Exit(fmt.Errorf("size: invalid <level>: %w", err), 1)
			}

			inputPath := c.String("input-path")
			outputPath := c.String("output-path")
			if outputPath == "" {
				outputPath = inputPath
			}

			d := expand.New()
			d.ForceRebuildIndex = c.Bool("force")

			startedAt := time.Now()
			defer func() {
				klog.Infof("size: finished level %02d in %s", level, time.Since(startedAt))
			}()

			if level == 3 {
				klog.Infof("size: seeding level 03 at %s", outputPath)
				if err := d.CreateSeeds(c.Context, outputPath); err != nil {
					return cli.Exit(err, 1)
				}
				return nil
			}

			if c.Args().Len() >= 2 {
				startBatch, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
				if err != nil {
					return cli.Exit(fmt.Errorf("size: invalid [start_batch]: %w", err), 1)
				}
				klog.Infof("size: resuming level %02d from batch %06d (%s -> %s)", level, startBatch, inputPath, outputPath)
				if err := d.ProcessFromBatch(c.Context, inputPath, outputPath, uint8(level-1), uint32(startBatch), defaultMaxPerFile); err != nil {
					return cli.Exit(err, 1)
				}
				return nil
			}

			klog.Infof("size: building level %02d from level %02d (%s -> %s)", level, level-1, inputPath, outputPath)
			if err := d.ProcessAll(c.Context, inputPath, outputPath, uint8(level-1), defaultMaxPerFile); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}
