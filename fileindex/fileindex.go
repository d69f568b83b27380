// Package fileindex implements the Global File Index: the authoritative,
// in-memory (and periodically flushed) record of every archive
// contributing to a target level. Grounded on
// original_source/src/file_info.rs's GlobalFileState/GlobalFileInfo:
// the binary-first load priority chain, the `.old` backup rotation on
// flush, and the human-readable JSON/TXT export shapes are all carried
// over.
package fileindex

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/archive"
	"github.com/tsouche/funny-set-exploration/continuity"
	"github.com/tsouche/funny-set-exploration/nslpath"
)

// ErrInconsistentIndex is returned when the index references a file that
// does not exist, or an on-disk file is unregistered.
var ErrInconsistentIndex = errors.New("fileindex: inconsistent index")

// FileEntry describes one archive contributing to a target level.
type FileEntry struct {
	SourceBatch uint32
	TargetBatch uint32
	Filename    string
	Count       uint64
	Compacted   bool
	SizeBytes   uint64
	ModTimeUnix int64
}

type entryKey struct {
	SourceBatch uint32
	TargetBatch uint32
	Filename    string
}

// Index is the Global File Index for one target level.
type Index struct {
	Level uint8
	Dir   string

	entries map[entryKey]FileEntry
}

// New creates an empty Index for the given level and directory.
func New(level uint8, dir string) *Index {
	return &Index{Level: level, Dir: dir, entries: make(map[entryKey]FileEntry)}
}

// Register adds or replaces an entry.
func (idx *Index) Register(e FileEntry) {
	if idx.entries == nil {
		idx.entries = make(map[entryKey]FileEntry)
	}
	idx.entries[entryKey{e.SourceBatch, e.TargetBatch, e.Filename}] = e
}

// Remove deletes the entry for (src, tgt, filename), if present.
func (idx *Index) Remove(sourceBatch, targetBatch uint32, filename string) {
	delete(idx.entries, entryKey{sourceBatch, targetBatch, filename})
}

// UpdateCount rewrites the record count of an existing entry.
func (idx *Index) UpdateCount(sourceBatch, targetBatch uint32, filename string, newCount uint64) error {
	key := entryKey{sourceBatch, targetBatch, filename}
	e, ok := idx.entries[key]
	if !ok {
		return fmt.Errorf("%w: no entry for %s", ErrInconsistentIndex, filename)
	}
	e.Count = newCount
	idx.entries[key] = e
	return nil
}

// Entries returns all entries sorted by (target batch, source batch,
// filename) — the Index's canonical ordering.
func (idx *Index) Entries() []FileEntry {
	out := make([]FileEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetBatch != out[j].TargetBatch {
			return out[i].TargetBatch < out[j].TargetBatch
		}
		if out[i].SourceBatch != out[j].SourceBatch {
			return out[i].SourceBatch < out[j].SourceBatch
		}
		return out[i].Filename < out[j].Filename
	})
	return out
}

// TotalCount returns the cumulative record count across all entries.
func (idx *Index) TotalCount() uint64 {
	var total uint64
	for _, e := range idx.entries {
		total += e.Count
	}
	return total
}

// cumulativeCounts recomputes, for each entry in canonical order, the
// running total of records up to and including that entry. Grounded on
// file_info.rs's recompute_cumulative.
func (idx *Index) cumulativeCounts() []uint64 {
	entries := idx.Entries()
	out := make([]uint64, len(entries))
	var running uint64
	for i, e := range entries {
		running += e.Count
		out[i] = running
	}
	return out
}

const indexMagic = "nslidx01"

// Flush writes the binary index to its canonical path, rotating any
// existing file to a `.old` backup first, then re-derives the JSON and
// TXT human-readable exports. Grounded on file_info.rs's GlobalFileState
// flush + export_human_readable.
func (idx *Index) Flush() error {
	path := filepath.Join(idx.Dir, nslpath.GlobalIndexName(idx.Level))
	backup := path + ".old"

	return continuity.New().
		Thenf("rotate previous binary to .old", func() error {
			if _, err := os.Stat(path); err == nil {
				if err := os.Rename(path, backup); err != nil {
					return fmt.Errorf("fileindex: backing up previous index: %w", err)
				}
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("fileindex: stat existing index: %w", err)
			}
			return nil
		}).
		Thenf("write binary index", func() error {
			b, err := idx.encodeBinary()
			if err != nil {
				return err
			}
			return archive.WriteAtomic(path, b)
		}).
		Thenf("export human-readable", func() error {
			return idx.ExportHumanReadable()
		}).
		Err()
}

func (idx *Index) encodeBinary() ([]byte, error) {
	entries := idx.Entries()
	var payload bytes.Buffer
	payload.WriteByte(idx.Level)
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(entries)))
	payload.Write(countBuf[:])
	for _, e := range entries {
		writeUint32(&payload, e.SourceBatch)
		writeUint32(&payload, e.TargetBatch)
		writeString(&payload, e.Filename)
		writeUint64(&payload, e.Count)
		if e.Compacted {
			payload.WriteByte(1)
		} else {
			payload.WriteByte(0)
		}
		writeUint64(&payload, e.SizeBytes)
		writeUint64(&payload, uint64(e.ModTimeUnix))
	}

	checksum := xxhash.Sum64(payload.Bytes())
	var out bytes.Buffer
	out.WriteString(indexMagic)
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], checksum)
	out.Write(sumBuf[:])
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

func decodeBinary(b []byte) (*Index, error) {
	if len(b) < len(indexMagic)+8+1+8 {
		return nil, fmt.Errorf("%w: index too short", ErrInconsistentIndex)
	}
	if string(b[:len(indexMagic)]) != indexMagic {
		return nil, fmt.Errorf("%w: bad index magic", ErrInconsistentIndex)
	}
	pos := len(indexMagic)
	checksum := binary.LittleEndian.Uint64(b[pos : pos+8])
	pos += 8
	payload := b[pos:]
	if xxhash.Sum64(payload) != checksum {
		return nil, fmt.Errorf("%w: index checksum mismatch", ErrInconsistentIndex)
	}

	r := bytes.NewReader(payload)
	level, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: read level: %v", ErrInconsistentIndex, err)
	}
	count, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read count: %v", ErrInconsistentIndex, err)
	}

	idx := New(level, "")
	for i := uint64(0); i < count; i++ {
		var e FileEntry
		if e.SourceBatch, err = readUint32(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInconsistentIndex, i, err)
		}
		if e.TargetBatch, err = readUint32(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInconsistentIndex, i, err)
		}
		if e.Filename, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInconsistentIndex, i, err)
		}
		if e.Count, err = readUint64(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInconsistentIndex, i, err)
		}
		compacted, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInconsistentIndex, i, err)
		}
		e.Compacted = compacted != 0
		if e.SizeBytes, err = readUint64(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInconsistentIndex, i, err)
		}
		modTime, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInconsistentIndex, i, err)
		}
		e.ModTimeUnix = int64(modTime)
		idx.Register(e)
	}
	return idx, nil
}

// jsonEntry mirrors FileEntry for JSON export.
type jsonEntry struct {
	SourceBatch   uint32 `json:"source_batch"`
	TargetBatch   uint32 `json:"target_batch"`
	Filename      string `json:"filename"`
	Count         uint64 `json:"count"`
	Cumulative    uint64 `json:"cumulative_count"`
	Compacted     bool   `json:"compacted"`
	SizeBytes     uint64 `json:"size_bytes,omitempty"`
	ModTimeUnix   int64  `json:"mod_time_unix,omitempty"`
}

// ExportHumanReadable re-derives the JSON and TXT sidecar files from the
// current in-memory state.
func (idx *Index) ExportHumanReadable() error {
	entries := idx.Entries()
	cumulative := idx.cumulativeCounts()

	jsonEntries := make([]jsonEntry, len(entries))
	for i, e := range entries {
		jsonEntries[i] = jsonEntry{
			SourceBatch: e.SourceBatch,
			TargetBatch: e.TargetBatch,
			Filename:    e.Filename,
			Count:       e.Count,
			Cumulative:  cumulative[i],
			Compacted:   e.Compacted,
			SizeBytes:   e.SizeBytes,
			ModTimeUnix: e.ModTimeUnix,
		}
	}
	b, err := json.MarshalIndent(jsonEntries, "", "  ")
	if err != nil {
		return fmt.Errorf("fileindex: marshal JSON export: %w", err)
	}
	jsonPath := filepath.Join(idx.Dir, nslpath.GlobalIndexJSONName(idx.Level))
	if err := archive.WriteAtomic(jsonPath, b); err != nil {
		return err
	}

	txtPath := filepath.Join(idx.Dir, nslpath.GlobalIndexTXTName(idx.Level))
	txt := renderHumanReadable(idx.Level, entries, cumulative)
	return archive.WriteAtomic(txtPath, []byte(txt))
}

func renderHumanReadable(level uint8, entries []FileEntry, cumulative []uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Global file index for level %02d\n", level)
	fmt.Fprintf(&b, "%d files, %s records total\n\n", len(entries), humanize.Comma(int64(totalOf(cumulative))))
	for i, e := range entries {
		compactedTag := ""
		if e.Compacted {
			compactedTag = " [compacted]"
		}
		fmt.Fprintf(&b, "   ... %s lists in %s (cumulative %s)%s\n",
			humanize.Comma(int64(e.Count)), e.Filename, humanize.Comma(int64(cumulative[i])), compactedTag)
	}
	return b.String()
}

func totalOf(cumulative []uint64) uint64 {
	if len(cumulative) == 0 {
		return 0
	}
	return cumulative[len(cumulative)-1]
}

// AuditIssue describes one inconsistency found between an Index and its
// directory's actual contents.
type AuditIssue struct {
	Kind     string // "missing_file", "unregistered_file", "corrupt_file", "count_mismatch"
	Filename string
	Detail   string
}

// Audit verifies that every registered entry's file exists and, when deep
// is true, that its on-disk record count matches the archive header; it
// also flags archive files present in Dir that are not registered.
// Grounded on spec.md §8's continuity/referential-integrity checks,
// implemented as `cmd-check.go`'s `check` mode.
func (idx *Index) Audit(deep bool) ([]AuditIssue, error) {
	var issues []AuditIssue
	registered := make(map[string]bool)

	for _, e := range idx.Entries() {
		registered[e.Filename] = true
		path := filepath.Join(idx.Dir, e.Filename)
		if _, err := os.Stat(path); err != nil {
			issues = append(issues, AuditIssue{Kind: "missing_file", Filename: e.Filename, Detail: err.Error()})
			continue
		}
		if !deep {
			continue
		}
		mapped, err := archive.ReadMemoryMapped(path)
		if err != nil {
			issues = append(issues, AuditIssue{Kind: "corrupt_file", Filename: e.Filename, Detail: err.Error()})
			continue
		}
		count := mapped.Len()
		mapped.Close()
		if uint64(count) != e.Count {
			issues = append(issues, AuditIssue{
				Kind:     "count_mismatch",
				Filename: e.Filename,
				Detail:   fmt.Sprintf("index says %d, archive has %d", e.Count, count),
			})
		}
	}

	if dirEntries, err := os.ReadDir(idx.Dir); err == nil {
		for _, entry := range dirEntries {
			name := entry.Name()
			if !strings.HasSuffix(name, nslpath.ArchiveExt) || registered[name] {
				continue
			}
			issues = append(issues, AuditIssue{Kind: "unregistered_file", Filename: name})
		}
	}

	if len(issues) > 0 {
		return issues, fmt.Errorf("%w: %d issue(s) found in level %02d", ErrInconsistentIndex, len(issues), idx.Level)
	}
	return nil, nil
}

// LoadFromSources implements the priority chain of spec.md §4.5: binary
// index → legacy JSON → legacy TXT → legacy per-input receipts → full
// directory scan via the archive codec. Grounded on file_info.rs's
// GlobalFileInfo::from_sources.
func LoadFromSources(level uint8, dir string) (*Index, error) {
	binPath := filepath.Join(dir, nslpath.GlobalIndexName(level))
	if b, err := os.ReadFile(binPath); err == nil {
		idx, err := decodeBinary(b)
		if err != nil {
			return nil, fmt.Errorf("fileindex: decoding binary index %s: %w", binPath, err)
		}
		idx.Dir = dir
		klog.V(2).Infof("fileindex: loaded binary index for level %02d (%d entries)", level, len(idx.entries))
		return idx, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("fileindex: reading binary index %s: %w", binPath, err)
	}

	jsonPath := filepath.Join(dir, nslpath.GlobalIndexJSONName(level))
	if b, err := os.ReadFile(jsonPath); err == nil {
		idx, err := fromJSON(level, dir, b)
		if err != nil {
			return nil, fmt.Errorf("fileindex: decoding JSON index %s: %w", jsonPath, err)
		}
		klog.V(2).Infof("fileindex: recovered level %02d index from legacy JSON (%d entries)", level, len(idx.entries))
		return idx, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("fileindex: reading JSON index %s: %w", jsonPath, err)
	}

	txtPath := filepath.Join(dir, nslpath.GlobalIndexTXTName(level))
	if b, err := os.ReadFile(txtPath); err == nil {
		idx, err := fromTXT(level, dir, b)
		if err != nil {
			return nil, fmt.Errorf("fileindex: decoding TXT index %s: %w", txtPath, err)
		}
		klog.V(2).Infof("fileindex: recovered level %02d index from legacy TXT (%d entries)", level, len(idx.entries))
		return idx, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("fileindex: reading TXT index %s: %w", txtPath, err)
	}

	if idx, ok, err := fromReceipts(level, dir); err != nil {
		return nil, err
	} else if ok {
		klog.V(2).Infof("fileindex: recovered level %02d index from legacy receipts (%d entries)", level, len(idx.entries))
		return idx, nil
	}

	klog.Warningf("fileindex: no index artifacts found for level %02d, rebuilding by scanning %s", level, dir)
	return fromDirectoryScan(level, dir)
}

// RebuildFromDirectory ignores any existing index artifacts and rebuilds
// the Index by scanning dir's archives directly, grounded on spec.md
// §6's `--force` flag ("regenerate counts/indexes from scratch").
func RebuildFromDirectory(level uint8, dir string) (*Index, error) {
	return fromDirectoryScan(level, dir)
}

func fromJSON(level uint8, dir string, b []byte) (*Index, error) {
	var entries []jsonEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	idx := New(level, dir)
	for _, e := range entries {
		idx.Register(FileEntry{
			SourceBatch: e.SourceBatch,
			TargetBatch: e.TargetBatch,
			Filename:    e.Filename,
			Count:       e.Count,
			Compacted:   e.Compacted,
			SizeBytes:   e.SizeBytes,
			ModTimeUnix: e.ModTimeUnix,
		})
	}
	return idx, nil
}

// legacyLinePattern matches renderHumanReadable's per-file lines.
var legacyLinePattern = regexp.MustCompile(`^   \.\.\. ([\d,]+) lists in (\S+)`)

func fromTXT(level uint8, dir string, b []byte) (*Index, error) {
	idx := New(level, dir)
	for _, line := range strings.Split(string(b), "\n") {
		m := legacyLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		count, err := strconv.ParseUint(strings.ReplaceAll(m[1], ",", ""), 10, 64)
		if err != nil {
			continue
		}
		filename := m[2]
		src, tgt, ok := parseBatchesFromFilename(filename)
		if !ok {
			continue
		}
		idx.Register(FileEntry{
			SourceBatch: src,
			TargetBatch: tgt,
			Filename:    filename,
			Count:       count,
			Compacted:   strings.Contains(filename, "_compacted"),
		})
	}
	return idx, nil
}

// receiptLinePattern matches a provenance receipt line:
// "   ... {count} lists in {filename}"
var receiptLinePattern = regexp.MustCompile(`^   \.\.\. (\d+) lists in (\S+)`)

func fromReceipts(level uint8, dir string) (*Index, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fileindex: reading directory %s: %w", dir, err)
	}
	idx := New(level, dir)
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, fmt.Sprintf("nsl_%02d_intermediate_count_from_", level)) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, false, fmt.Errorf("fileindex: reading receipt %s: %w", name, err)
		}
		for _, line := range strings.Split(string(b), "\n") {
			m := receiptLinePattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			found = true
			count, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				continue
			}
			filename := m[2]
			src, tgt, ok := parseBatchesFromFilename(filename)
			if !ok {
				continue
			}
			idx.Register(FileEntry{
				SourceBatch: src,
				TargetBatch: tgt,
				Filename:    filename,
				Count:       count,
				Compacted:   strings.Contains(filename, "_compacted"),
			})
		}
	}
	return idx, found, nil
}

var scanNamePattern = regexp.MustCompile(`^nsl_\d{2}_batch_(\d+)_to_\d{2}_batch_(\d+)(_compacted)?` + `\` + nslpath.ArchiveExt + `$`)

func fromDirectoryScan(level uint8, dir string) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return New(level, dir), nil
		}
		return nil, fmt.Errorf("fileindex: reading directory %s: %w", dir, err)
	}
	idx := New(level, dir)
	for _, entry := range entries {
		name := entry.Name()
		m := scanNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		src, _ := strconv.ParseUint(m[1], 10, 32)
		tgt, _ := strconv.ParseUint(m[2], 10, 32)
		full := filepath.Join(dir, name)
		mapped, err := archive.ReadMemoryMapped(full)
		if err != nil {
			return nil, fmt.Errorf("fileindex: counting records in %s during rebuild: %w", name, err)
		}
		count := mapped.Len()
		mapped.Close()
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("fileindex: stat %s: %w", name, err)
		}
		idx.Register(FileEntry{
			SourceBatch: uint32(src),
			TargetBatch: uint32(tgt),
			Filename:    name,
			Count:       uint64(count),
			Compacted:   m[3] != "",
			SizeBytes:   uint64(info.Size()),
			ModTimeUnix: info.ModTime().Unix(),
		})
	}
	return idx, nil
}

func parseBatchesFromFilename(name string) (sourceBatch, targetBatch uint32, ok bool) {
	m := scanNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	src, err1 := strconv.ParseUint(m[1], 10, 32)
	tgt, err2 := strconv.ParseUint(m[2], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(src), uint32(tgt), true
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}
