// Package compact implements the consolidation of many small target-level
// archives into fixed-size archives, reducing file count for efficient
// downstream passes.
//
// Grounded on original_source/src/compaction.rs's compact_size_files: the
// plan-build-from-state loop, the crash-safe ordering (new file
// registered and the index flushed before any source file is mutated),
// and the bounded filename-collision search.
package compact

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/archive"
	"github.com/tsouche/funny-set-exploration/capset"
	"github.com/tsouche/funny-set-exploration/continuity"
	"github.com/tsouche/funny-set-exploration/fileindex"
	"github.com/tsouche/funny-set-exploration/nslpath"
)

// maxIndexSearch bounds the filename-collision search of spec.md §4.7
// step 5.
const maxIndexSearch = 1000

// Options configures one compaction run.
type Options struct {
	Dir        string
	TargetSize uint8
	BatchSize  uint64
	MaxBatch   *uint32 // nil means unbounded
}

// Run repeatedly compacts Dir's non-compacted archives for TargetSize
// until fewer than two candidates remain (spec.md §4.7's "loop" step 9),
// or until a partial file is produced under a MaxBatch limit.
func Run(opts Options) (filesWritten int, err error) {
	for {
		wrote, done, err := runOneIteration(opts)
		if err != nil {
			return filesWritten, err
		}
		if wrote {
			filesWritten++
		}
		if done {
			return filesWritten, nil
		}
	}
}

type planEntry struct {
	fileindex.FileEntry
}

// runOneIteration performs one pass of the nine-step algorithm. done is
// true when compaction should stop (no more work, or a partial file was
// produced under a MaxBatch limit).
func runOneIteration(opts Options) (wrote bool, done bool, err error) {
	idx, err := fileindex.LoadFromSources(opts.TargetSize, opts.Dir)
	if err != nil {
		return false, true, fmt.Errorf("compact: loading index for level %02d: %w", opts.TargetSize, err)
	}

	// Step 1: enumerate non-compacted entries within MaxBatch, ordered by
	// (target_batch, source_batch).
	var plan []planEntry
	for _, e := range idx.Entries() {
		if e.Compacted {
			continue
		}
		if opts.MaxBatch != nil && e.TargetBatch > *opts.MaxBatch {
			continue
		}
		plan = append(plan, planEntry{e})
	}

	// Step 2: stop if fewer than two candidates remain.
	if len(plan) < 2 {
		klog.V(2).Infof("compact: %d non-compacted candidate(s) for level %02d, nothing to do", len(plan), opts.TargetSize)
		return false, true, nil
	}

	// Step 3: next compacted index = 1 + max target batch among compacted
	// entries.
	var nextCompactIdx uint32
	for _, e := range idx.Entries() {
		if e.Compacted && e.TargetBatch+1 > nextCompactIdx {
			nextCompactIdx = e.TargetBatch + 1
		}
	}

	sourceSize := opts.TargetSize - 1

	// Step 4: accumulate records in order, tracking per-source
	// contributions and fully-or-partially consumed sources.
	var buffer []capset.Record
	type contribution struct {
		sourceBatch uint32
		count       uint64
	}
	var contribs []contribution
	type touchedFile struct {
		entry     fileindex.FileEntry
		consumed  int
		total     int
	}
	var touched []touchedFile

	for _, p := range plan {
		if uint64(len(buffer)) >= opts.BatchSize {
			break
		}
		path := filepath.Join(opts.Dir, p.Filename)
		mapped, err := archive.ReadMemoryMapped(path)
		if err != nil {
			return false, true, fmt.Errorf("compact: reading %s: %w", path, err)
		}
		records, err := mapped.Deserialize()
		mapped.Close()
		if err != nil {
			return false, true, fmt.Errorf("%w: %s: %v", archive.ErrCorrupt, path, err)
		}

		total := len(records)
		consumed := 0
		for consumed < total && uint64(len(buffer)) < opts.BatchSize {
			spaceLeft := int(opts.BatchSize) - len(buffer)
			take := total - consumed
			if take > spaceLeft {
				take = spaceLeft
			}
			buffer = append(buffer, records[consumed:consumed+take]...)
			consumed += take

			found := false
			for i := range contribs {
				if contribs[i].sourceBatch == p.SourceBatch {
					contribs[i].count += uint64(take)
					found = true
					break
				}
			}
			if !found {
				contribs = append(contribs, contribution{sourceBatch: p.SourceBatch, count: uint64(take)})
			}
		}
		touched = append(touched, touchedFile{entry: p.FileEntry, consumed: consumed, total: total})
		if consumed > 0 {
			klog.V(2).Infof("compact: copied %d lists from %s", consumed, p.Filename)
		}
	}

	if len(buffer) == 0 {
		return false, true, nil
	}

	fromSrc := uint32(0)
	if len(contribs) > 0 {
		fromSrc = contribs[len(contribs)-1].sourceBatch
	}
	isFull := uint64(len(buffer)) >= opts.BatchSize

	// Step 5: choose an output filename, with a bounded collision search.
	finalIdx := nextCompactIdx
	outputName := compactedName(sourceSize, fromSrc, opts.TargetSize, finalIdx, isFull)
	for i := uint32(0); i < maxIndexSearch; i++ {
		if _, err := os.Stat(filepath.Join(opts.Dir, outputName)); os.IsNotExist(err) {
			break
		}
		finalIdx++
		outputName = compactedName(sourceSize, fromSrc, opts.TargetSize, finalIdx, isFull)
	}
	if _, err := os.Stat(filepath.Join(opts.Dir, outputName)); err == nil {
		return false, true, fmt.Errorf("compact: could not find an available output index after %d tries", maxIndexSearch)
	}

	outputPath := filepath.Join(opts.Dir, outputName)

	// Step 6: atomically write the compacted archive, then register it
	// in the Index. Step 7/8: flush before touching any source file.
	err = continuity.New().
		Thenf("write compacted archive", func() error {
			b, err := archive.Encode(buffer)
			if err != nil {
				return fmt.Errorf("compact: encoding compacted archive: %w", err)
			}
			return archive.WriteAtomic(outputPath, b)
		}).
		Thenf("register compacted archive", func() error {
			info, err := os.Stat(outputPath)
			if err != nil {
				return fmt.Errorf("compact: stat compacted archive: %w", err)
			}
			idx.Register(fileindex.FileEntry{
				SourceBatch: fromSrc,
				TargetBatch: finalIdx,
				Filename:    outputName,
				Count:       uint64(len(buffer)),
				Compacted:   isFull,
				SizeBytes:   uint64(info.Size()),
				ModTimeUnix: info.ModTime().Unix(),
			})
			return nil
		}).
		Thenf("flush index before mutating sources", func() error {
			return idx.Flush()
		}).
		Err()
	if err != nil {
		return false, true, err
	}
	klog.Infof("compact: wrote %s (%d lists, compacted=%v)", outputName, len(buffer), isFull)

	// Step 7 (continued): rewrite or remove each touched source, now that
	// the compacted file is durably registered.
	for _, t := range touched {
		path := filepath.Join(opts.Dir, t.entry.Filename)
		if t.consumed >= t.total {
			klog.V(2).Infof("compact: %s fully consumed, removing", t.entry.Filename)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return false, true, fmt.Errorf("compact: removing fully consumed %s: %w", path, err)
			}
			idx.Remove(t.entry.SourceBatch, t.entry.TargetBatch, t.entry.Filename)
			continue
		}

		klog.V(2).Infof("compact: %s partially consumed, rewriting %d remaining lists", t.entry.Filename, t.total-t.consumed)
		mapped, err := archive.ReadMemoryMapped(path)
		if err != nil {
			return false, true, fmt.Errorf("compact: re-reading %s for partial rewrite: %w", path, err)
		}
		records, err := mapped.Deserialize()
		mapped.Close()
		if err != nil {
			return false, true, fmt.Errorf("%w: %s: %v", archive.ErrCorrupt, path, err)
		}
		remaining := records[t.consumed:]
		b, err := archive.Encode(remaining)
		if err != nil {
			return false, true, fmt.Errorf("compact: encoding remaining tail of %s: %w", path, err)
		}
		if err := archive.WriteAtomic(path, b); err != nil {
			return false, true, fmt.Errorf("compact: rewriting tail of %s: %w", path, err)
		}
		if err := idx.UpdateCount(t.entry.SourceBatch, t.entry.TargetBatch, t.entry.Filename, uint64(len(remaining))); err != nil {
			return false, true, fmt.Errorf("compact: updating count for %s: %w", path, err)
		}
	}

	// Step 8: flush again, reflecting the source mutations.
	if err := idx.Flush(); err != nil {
		return false, true, fmt.Errorf("compact: final flush: %w", err)
	}

	// Step 9: stop if a partial file was produced under a MaxBatch limit.
	if !isFull && opts.MaxBatch != nil {
		return true, true, nil
	}
	return true, false, nil
}

func compactedName(sourceSize uint8, sourceBatch uint32, targetSize uint8, targetBatch uint32, full bool) string {
	if full {
		return nslpath.CompactedArchiveName(sourceSize, sourceBatch, targetSize, targetBatch)
	}
	return nslpath.LevelArchiveName(sourceSize, sourceBatch, targetSize, targetBatch)
}
