// Package expand implements the Level-Expansion Driver: it reads one
// level's batched archives, extends every cap set they hold, and writes
// the next level's archives with continuous batch numbering, provenance
// receipts, and Global File Index bookkeeping.
//
// Directories are supplied explicitly by the caller (the `size`/`unitary`
// CLI modes pass operator-chosen `-i`/`-o` directories; `cascade` computes
// the fixed `n_to_{n+1}` / `{n}c_to_{n+1}c` convention itself), matching
// spec.md §6: the driver has no opinion on directory layout, only on the
// filenames and batch numbering within whatever directories it is given.
//
// Grounded on original_source/src/list_of_nsl.rs's ListOfNSL
// (current/new buffers, continuous new_output_batch counter,
// input-intermediary/provenance buffer) and src/no_set_list.rs's seed
// enumeration, translated from its free-function/mutable-locals style
// into a driverState struct with explicit methods.
package expand

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/archive"
	"github.com/tsouche/funny-set-exploration/capset"
	"github.com/tsouche/funny-set-exploration/card"
	"github.com/tsouche/funny-set-exploration/fileindex"
	"github.com/tsouche/funny-set-exploration/nslpath"
)

// Driver runs level expansions. It holds no directory state of its own:
// every method takes the directories it needs explicitly. ForceRebuildIndex,
// when set, makes every method rebuild the target level's Global File Index
// by rescanning targetDir instead of trusting whatever index artifacts are
// already there (spec.md §6's `--force`).
type Driver struct {
	ForceRebuildIndex bool
}

// New creates a Driver.
func New() *Driver {
	return &Driver{}
}

// CreateSeeds enumerates every 3-card cap set of the 81-card deck
// (0 ≤ i < j < k < 72, bounded so at least 9 more cards remain to reach a
// 12-card cap set) and writes them as a single archive at (0,0,3,0) inside
// outDir. Grounded on spec.md §4.6's seed-creation description and
// cross-checked against no_set_list.rs's invariants.
func (d *Driver) CreateSeeds(ctx context.Context, outDir string) error {
	var seeds []capset.Record
	for i := 0; i < 72; i++ {
		for j := i + 1; j < 72; j++ {
			for k := j + 1; k < 72; k++ {
				if card.IsSet(i, j, k) {
					continue
				}
				remaining := make([]int, 0, 78)
				forbidden := map[int]bool{
					card.Third(i, j): true,
					card.Third(i, k): true,
					card.Third(j, k): true,
				}
				for c := k + 1; c < card.Deck; c++ {
					if !forbidden[c] {
						remaining = append(remaining, c)
					}
				}
				rec, err := capset.FromSlices(3, k, []int{i, j, k}, remaining)
				if err != nil {
					return fmt.Errorf("expand: building seed (%d,%d,%d): %w", i, j, k, err)
				}
				if err := rec.Validate(); err != nil {
					return fmt.Errorf("expand: invalid seed (%d,%d,%d): %w", i, j, k, err)
				}
				seeds = append(seeds, rec)
			}
		}
	}

	if err := ensureDir(outDir); err != nil {
		return err
	}
	b, err := archive.Encode(seeds)
	if err != nil {
		return fmt.Errorf("expand: encoding seeds: %w", err)
	}
	name := nslpath.LevelArchiveName(0, 0, 3, 0)
	if err := archive.WriteAtomic(filepath.Join(outDir, name), b); err != nil {
		return err
	}

	idx := fileindex.New(3, outDir)
	idx.Register(fileindex.FileEntry{SourceBatch: 0, TargetBatch: 0, Filename: name, Count: uint64(len(seeds))})
	if err := idx.Flush(); err != nil {
		return err
	}
	klog.Infof("expand: created %d seed cap sets at %s", len(seeds), filepath.Join(outDir, name))
	return nil
}

// ProcessAll expands every batch found in sourceDir (holding sourceLevel
// archives) into targetDir, starting from batch 0.
func (d *Driver) ProcessAll(ctx context.Context, sourceDir, targetDir string, sourceLevel uint8, maxPerFile int) error {
	return d.ProcessFromBatch(ctx, sourceDir, targetDir, sourceLevel, 0, maxPerFile)
}

// ProcessFromBatch expands sourceDir's batches starting at startBatch,
// continuing until no more input batches are found.
func (d *Driver) ProcessFromBatch(ctx context.Context, sourceDir, targetDir string, sourceLevel uint8, startBatch uint32, maxPerFile int) error {
	st, err := newDriverState(sourceDir, targetDir, sourceLevel, startBatch, maxPerFile, d.ForceRebuildIndex)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("expand: cancelled: %w", err)
		}
		ok, err := st.processOneBatch(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		st.sourceBatch++
	}
	return nil
}

// ProcessSingleBatch expands exactly one input batch.
func (d *Driver) ProcessSingleBatch(ctx context.Context, sourceDir, targetDir string, sourceLevel uint8, batch uint32, maxPerFile int) error {
	st, err := newDriverState(sourceDir, targetDir, sourceLevel, batch, maxPerFile, d.ForceRebuildIndex)
	if err != nil {
		return err
	}
	ok, err := st.processOneBatch(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no input batch %06d for level %02d", nslpath.ErrMissingInput, batch, sourceLevel)
	}
	return nil
}

// driverState holds the mutable state of one expansion run: source level
// and batch cursor, continuous output counter, and the target Index. The
// per-batch accumulator and provenance lines are locals of
// processOneBatch. Grounded on list_of_nsl.rs's ListOfNSL fields.
type driverState struct {
	sourceLevel uint8
	targetLevel uint8
	sourceBatch uint32
	maxPerFile  int

	sourceDir string
	targetDir string

	outputBatch uint32
	idx         *fileindex.Index
}

func newDriverState(sourceDir, targetDir string, sourceLevel uint8, startBatch uint32, maxPerFile int, forceRebuildIndex bool) (*driverState, error) {
	targetLevel := sourceLevel + 1
	if err := ensureDir(targetDir); err != nil {
		return nil, err
	}

	nextBatch, err := nslpath.NextOutputBatch(targetDir, targetLevel, startBatch)
	if err != nil {
		return nil, fmt.Errorf("expand: determining next output batch: %w", err)
	}

	var idx *fileindex.Index
	if forceRebuildIndex {
		idx, err = fileindex.RebuildFromDirectory(targetLevel, targetDir)
	} else {
		idx, err = fileindex.LoadFromSources(targetLevel, targetDir)
	}
	if err != nil {
		return nil, fmt.Errorf("expand: loading index for level %02d: %w", targetLevel, err)
	}

	return &driverState{
		sourceLevel: sourceLevel,
		targetLevel: targetLevel,
		sourceBatch: startBatch,
		maxPerFile:  maxPerFile,
		sourceDir:   sourceDir,
		targetDir:   targetDir,
		outputBatch: nextBatch,
		idx:         idx,
	}, nil
}

// processOneBatch implements the five numbered steps of spec.md §4.6 for
// the driver's current source batch. Returns false (with no error) once
// no more input batches exist.
func (st *driverState) processOneBatch(ctx context.Context) (bool, error) {
	inputPath, err := nslpath.FindInput(st.sourceDir, st.sourceLevel, st.sourceBatch)
	if err != nil {
		return false, nil // no more input batches: normal termination
	}

	mapped, err := archive.ReadMemoryMapped(inputPath)
	if err != nil {
		return false, fmt.Errorf("expand: reading %s: %w", inputPath, err)
	}
	current, err := mapped.Deserialize()
	mapped.Close()
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", archive.ErrCorrupt, inputPath, err)
	}

	var accumulator []capset.Record
	var receipt []string

	flush := func() error {
		if len(accumulator) == 0 {
			return nil
		}
		b, err := archive.Encode(accumulator)
		if err != nil {
			return fmt.Errorf("expand: encoding output batch %06d: %w", st.outputBatch, err)
		}
		name := nslpath.LevelArchiveName(st.sourceLevel, st.sourceBatch, st.targetLevel, st.outputBatch)
		path := filepath.Join(st.targetDir, name)
		if err := archive.WriteAtomic(path, b); err != nil {
			return fmt.Errorf("expand: writing output batch %06d: %w", st.outputBatch, err)
		}
		receipt = append(receipt, fmt.Sprintf("   ... %d lists in %s", len(accumulator), name))

		st.idx.Register(fileindex.FileEntry{
			SourceBatch: st.sourceBatch,
			TargetBatch: st.outputBatch,
			Filename:    name,
			Count:       uint64(len(accumulator)),
		})
		if err := st.idx.Flush(); err != nil {
			return fmt.Errorf("expand: flushing index after output batch %06d: %w", st.outputBatch, err)
		}

		st.outputBatch++
		accumulator = accumulator[:0]
		return nil
	}

	for len(current) > 0 {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("expand: cancelled mid-batch: %w", err)
		}
		rec := current[0]
		current = current[1:]
		children, err := capset.Extend(&rec)
		if err != nil {
			return false, fmt.Errorf("expand: extending record: %w", err)
		}
		for _, child := range children {
			accumulator = append(accumulator, child)
			if st.maxPerFile > 0 && len(accumulator) >= st.maxPerFile {
				if err := flush(); err != nil {
					return false, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return false, err
	}

	if len(receipt) > 0 {
		receiptPath := filepath.Join(st.targetDir, nslpath.ReceiptName(st.targetLevel, st.sourceLevel, st.sourceBatch))
		if err := archive.WriteAtomic(receiptPath, []byte(strings.Join(receipt, "\n")+"\n")); err != nil {
			return false, fmt.Errorf("expand: writing receipt for source batch %06d: %w", st.sourceBatch, err)
		}
	}

	klog.Infof("expand: level %02d batch %06d -> level %02d (%d output archives so far)", st.sourceLevel, st.sourceBatch, st.targetLevel, st.outputBatch)
	return true, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("expand: creating directory %s: %w", dir, err)
	}
	return nil
}
