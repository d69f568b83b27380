package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/expand"
)

func newCmd_Unitary() *cli.Command {
	return &cli.Command{
		Name:        "unitary",
		Usage:       "Reprocess exactly one source batch.",
		Description: "Expand a single source batch of level-1 into level, independent of any other batch's progress.",
		ArgsUsage:   "<level> <batch>",
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
				return cli.Exit(fmt.Errorf("unitary: invalid <level>: %w", err), 1)
			}
			batch, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
			if err != nil {
				return cli.Exit(fmt.Errorf("unitary: invalid <batch>: %w", err), 1)
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
				klog.Infof("unitary: finished level %02d batch %06d in %s", level, batch, time.Since(startedAt))
			}()

			klog.Infof("unitary: reprocessing level %02d batch %06d (%s -> %s)", level-1, batch, inputPath, outputPath)
			if err := d.ProcessSingleBatch(c.Context, inputPath, outputPath, uint8(level-1), uint32(batch), defaultMaxPerFile); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}
