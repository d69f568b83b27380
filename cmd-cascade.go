package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/compact"
	"github.com/tsouche/funny-set-exploration/expand"
	"github.com/tsouche/funny-set-exploration/fileindex"
)

// maxCascadeLevel bounds how far cascade mode runs, per spec.md §6
// ("up to 20").
const maxCascadeLevel = 20

// compactionStartLevel is where cascade mode switches from the plain
// n_to_{n+1} directory convention to the compacted {n}c_to_{n+1}c one:
// once a level's archive count has grown enough that a single size run
// leaves behind hundreds of small files, compacting pays for itself
// before the next expansion reads them back.
const compactionStartLevel = 10

// compactBatchSize bounds the record count of a single compacted
// archive, mirroring defaultMaxPerFile's role for size/unitary output.
const compactBatchSize = defaultMaxPerFile

// cascadeDirName computes the fixed input-directory name for the step that
// produces level n+1 from level n, exactly spec.md §6's convention:
// `n_to_{n+1}` for low levels, `{n}c_to_{n+1}c` once compaction starts
// folding each level's archives down before the next expansion.
func cascadeDirName(n uint8, compacted bool) string {
	if compacted {
		return fmt.Sprintf("%dc_to_%dc", n, n+1)
	}
	return fmt.Sprintf("%d_to_%d", n, n+1)
}

func newCmd_Cascade() *cli.Command {
	return &cli.Command{
		Name:        "cascade",
		Usage:       "Run size mode repeatedly for levels above start_input_level.",
		Description: "Auto-detect resume points under the fixed directory convention and drive expansion up through level 20.",
		ArgsUsage:   "<start_input_level>",
		Before: func(c *cli.Context) error {
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input-path",
				Aliases:  []string{"i"},
				Usage:    "root directory holding the per-level cascade subdirectories",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "regenerate each level's index from scratch instead of trusting existing state",
			},
			&cli.BoolFlag{
				Name:  "keep-state",
				Usage: "preserve partial/processed state files after the run",
			},
		},
		Action: func(c *cli.Context) error {
			startLevel, err := strconv.ParseUint(c.Args().Get(0), 10, 8)
			if err != nil {
				return cli.Exit(fmt.Errorf("cascade: invalid <start_input_level>: %w", err), 1)
			}
			root := c.String("input-path")
			force := c.Bool("force")

			startedAt := time.Now()
			defer func() {
				klog.Infof("cascade: finished in %s", time.Since(startedAt))
			}()

			progress := mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
			bar := progress.AddBar(int64(maxCascadeLevel-int(startLevel)),
				mpb.PrependDecorators(
					decor.Name("cascade: level ", decor.WC{W: len("cascade: level ")}),
					decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(decor.Percentage(decor.WC{W: 5})),
			)

			d := expand.New()
			d.ForceRebuildIndex = force

			for level := uint8(startLevel); int(level) < maxCascadeLevel; level++ {
				sourceCompacted := level >= compactionStartLevel
				targetCompacted := level+1 >= compactionStartLevel
				sourceDir := filepath.Join(root, cascadeDirName(level, sourceCompacted))
				targetDir := filepath.Join(root, cascadeDirName(level+1, targetCompacted))

				if level == 3 {
					if err := d.CreateSeeds(c.Context, sourceDir); err != nil {
						return cli.Exit(err, 1)
					}
				}

				idx, err := fileindex.LoadFromSources(level+1, targetDir)
				if err != nil {
					return cli.Exit(fmt.Errorf("cascade: level %02d: %w", level+1, err), 1)
				}
				startBatch := uint32(0)
				haveAny := false
				for _, e := range idx.Entries() {
					if !haveAny || e.SourceBatch+1 > startBatch {
						startBatch = e.SourceBatch + 1
						haveAny = true
					}
				}

				klog.Infof("cascade: expanding level %02d -> %02d (%s -> %s)", level, level+1, sourceDir, targetDir)
				if err := d.ProcessFromBatch(c.Context, sourceDir, targetDir, level, startBatch, defaultMaxPerFile); err != nil {
					return cli.Exit(fmt.Errorf("cascade: level %02d: %w", level+1, err), 1)
				}

				if targetCompacted {
					klog.Infof("cascade: compacting level %02d (%s)", level+1, targetDir)
					if _, err := compact.Run(compact.Options{
						Dir:        targetDir,
						TargetSize: level + 1,
						BatchSize:  compactBatchSize,
					}); err != nil {
						return cli.Exit(fmt.Errorf("cascade: compacting level %02d: %w", level+1, err), 1)
					}
				}

				bar.Increment()
			}
			progress.Wait()

			return nil
		},
	}
}
