// Package nslpath implements the cap-set archive's filename and batch
// numbering scheme: composing canonical filenames, finding the input
// archive for a given target batch, and discovering the next free output
// batch number by scanning a directory.
//
// Grounded verbatim on original_source/src/filenames.rs's
// output_filename/find_input_filename/get_next_output_batch_from_files.
package nslpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ArchiveExt and IndexExt are the fixed suffixes for level archives and
// the binary global file index, respectively (Open Question (a) in
// DESIGN.md).
const (
	ArchiveExt = ".nslarch"
	IndexExt   = ".nslidx"
)

// ErrMissingInput is returned when no archive matches a requested source.
var ErrMissingInput = errors.New("nslpath: no matching input file")

// LevelArchiveName composes the canonical filename for a level-expansion
// output archive: nsl_{src:02}_batch_{srcbatch:06}_to_{tgt:02}_batch_{tgtbatch:06}.nslarch
func LevelArchiveName(sourceSize uint8, sourceBatch uint32, targetSize uint8, targetBatch uint32) string {
	return fmt.Sprintf("nsl_%02d_batch_%06d_to_%02d_batch_%06d%s", sourceSize, sourceBatch, targetSize, targetBatch, ArchiveExt)
}

// CompactedArchiveName composes the filename for a compacted archive, which
// carries the same scheme with a `_compacted` marker before the extension.
func CompactedArchiveName(sourceSize uint8, sourceBatch uint32, targetSize uint8, targetBatch uint32) string {
	return fmt.Sprintf("nsl_%02d_batch_%06d_to_%02d_batch_%06d_compacted%s", sourceSize, sourceBatch, targetSize, targetBatch, ArchiveExt)
}

// ReceiptName composes the filename of a provenance receipt: a small text
// file recording how many records a given (source level, source batch)
// produced into a target level.
func ReceiptName(targetSize uint8, sourceSize uint8, sourceBatch uint32) string {
	return fmt.Sprintf("nsl_%02d_intermediate_count_from_%02d_%06d.txt", targetSize, sourceSize, sourceBatch)
}

// GlobalIndexName, GlobalIndexJSONName, and GlobalIndexTXTName compose the
// filenames of a level's global file index in its binary, JSON, and
// human-readable text forms.
func GlobalIndexName(level uint8) string    { return fmt.Sprintf("nsl_%02d_global_info%s", level, IndexExt) }
func GlobalIndexJSONName(level uint8) string { return fmt.Sprintf("nsl_%02d_global_info.json", level) }
func GlobalIndexTXTName(level uint8) string  { return fmt.Sprintf("nsl_%02d_global_info.txt", level) }

// FindInput locates the archive within dir holding inputSize-card records
// whose target batch is targetBatch, returning its full path.
func FindInput(dir string, inputSize uint8, targetBatch uint32) (string, error) {
	pattern := fmt.Sprintf("_to_%02d_batch_%06d%s", inputSize, targetBatch, ArchiveExt)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("nslpath: reading directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "nsl_") && strings.HasSuffix(name, pattern) {
			return filepath.Join(dir, name), nil
		}
	}
	return "", fmt.Errorf("%w: no archive in %s matching %s", ErrMissingInput, dir, pattern)
}

var batchNamePattern = regexp.MustCompile(`^nsl_\d{2}_batch_(\d+)_to_(\d{2})_batch_(\d+)(?:_compacted)?` + regexp.QuoteMeta(ArchiveExt) + `$`)

// NextOutputBatch scans dir for existing archives targeting targetSize and
// returns the next unused batch number, considering only archives whose
// source batch is strictly less than restartBatch. Returns 0 if dir does
// not exist or no matching archive is found.
func NextOutputBatch(dir string, targetSize uint8, restartBatch uint32) (uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("nslpath: reading directory %s: %w", dir, err)
	}

	var maxTarget uint32
	found := false
	for _, entry := range entries {
		m := batchNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		sourceBatch, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		if uint32(sourceBatch) >= restartBatch {
			continue
		}
		tgtSize, err := strconv.ParseUint(m[2], 10, 8)
		if err != nil || uint8(tgtSize) != targetSize {
			continue
		}
		targetBatch, err := strconv.ParseUint(m[3], 10, 32)
		if err != nil {
			continue
		}
		if !found || uint32(targetBatch) > maxTarget {
			maxTarget = uint32(targetBatch)
			found = true
		}
	}
	if !found {
		return 0, nil
	}
	return maxTarget + 1, nil
}

// LastCompactedBatch scans dir for compacted archives of the given level
// and returns the highest target batch number found, or -1 if none exist.
func LastCompactedBatch(dir string, level uint8) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, fmt.Errorf("nslpath: reading directory %s: %w", dir, err)
	}
	suffix := fmt.Sprintf("_to_%02d_batch_", level)
	best := int64(-1)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "nsl_") || !strings.Contains(name, "_compacted") || !strings.HasSuffix(name, ArchiveExt) {
			continue
		}
		toPos := strings.Index(name, suffix)
		if toPos < 0 {
			continue
		}
		rest := name[toPos+len(suffix):]
		rest = strings.TrimSuffix(rest, "_compacted"+ArchiveExt)
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			continue
		}
		if n > best {
			best = n
		}
	}
	return best, nil
}
