package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/fileindex"
)

func newCmd_SaveHistory() *cli.Command {
	return &cli.Command{
		Name:        "save-history",
		Usage:       "Merge current Index with a historical index preserving removed entries.",
		Description: "Load the level's current Index and a `_history` sidecar Index, merge the current entries into the sidecar, and flush the sidecar.",
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
		},
		Action: func(c *cli.Context) error {
			level, err := strconv.ParseUint(c.Args().Get(0), 10, 8)
			if err != nil {
				return cli.Exit(fmt.Errorf("save-history: invalid <level>: %w", err), 1)
			}
			dir := c.String("input-path")
			historyDir := dir + "_history"

			startedAt := time.Now()
			defer func() {
				klog.Infof("save-history: finished level %02d in %s", level, time.Since(startedAt))
			}()

			current, err := fileindex.LoadFromSources(uint8(level), dir)
			if err != nil {
				return cli.Exit(err, 1)
			}

			if err := os.MkdirAll(historyDir, 0o755); err != nil {
				return cli.Exit(fmt.Errorf("save-history: creating %s: %w", historyDir, err), 1)
			}

			history, err := fileindex.LoadFromSources(uint8(level), historyDir)
			if err != nil {
				return cli.Exit(err, 1)
			}
			history.Dir = historyDir

			for _, e := range current.Entries() {
				history.Register(e)
			}

			if err := history.Flush(); err != nil {
				return cli.Exit(err, 1)
			}

			klog.Infof("save-history: level %02d history now holds %d archive(s), %d record(s) total", level, len(history.Entries()), history.TotalCount())
			return nil
		},
	}
}
