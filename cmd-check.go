package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/fileindex"
)

var veryPlainSdumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
	DisablePointerMethods:   true,
	ContinueOnMethod:        true,
	SortKeys:                true,
}

func newCmd_Check() *cli.Command {
	return &cli.Command{
		Name:        "check",
		Usage:       "Verify archive continuity and referential integrity.",
		Description: "Walk the level's Index, confirming every entry's archive exists and (with --deep) that its record count matches the archive header.",
		ArgsUsage:   "<level>",
		Before: func(c *cli.Context) error {
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "output-path",
				Aliases:  []string{"o"},
				Usage:    "directory holding the level's archives and index",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "deep",
				Usage: "also verify each archive's record count against its header",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "dump every issue found in full structural detail",
			},
		},
		Action: func(c *cli.Context) error {
			level, err := strconv.ParseUint(c.Args().Get(0), 10, 8)
			if err != nil {
				return cli.Exit(fmt.Errorf("check: invalid <level>: %w", err), 1)
			}
			dir := c.String("output-path")

			startedAt := time.Now()
			defer func() {
				klog.Infof("check: finished level %02d in %s", level, time.Since(startedAt))
			}()

			idx, err := fileindex.LoadFromSources(uint8(level), dir)
			if err != nil {
				return cli.Exit(err, 1)
			}

			issues, err := idx.Audit(c.Bool("deep"))
			if err != nil {
				if c.Bool("verbose") {
					fmt.Println(veryPlainSdumpConfig.Sdump(issues))
				}
				return cli.Exit(err, 1)
			}

			klog.Infof("check: level %02d is consistent (%d archive(s))", level, len(idx.Entries()))
			return nil
		},
	}
}
