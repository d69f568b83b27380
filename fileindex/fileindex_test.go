package fileindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsouche/funny-set-exploration/archive"
	"github.com/tsouche/funny-set-exploration/capset"
)

func TestRegisterAndEntriesOrdering(t *testing.T) {
	idx := New(4, t.TempDir())
	idx.Register(FileEntry{SourceBatch: 1, TargetBatch: 1, Filename: "b", Count: 5})
	idx.Register(FileEntry{SourceBatch: 0, TargetBatch: 0, Filename: "a", Count: 3})

	entries := idx.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Filename)
	require.Equal(t, "b", entries[1].Filename)
	require.EqualValues(t, 8, idx.TotalCount())
}

func TestRemoveAndUpdateCount(t *testing.T) {
	idx := New(4, t.TempDir())
	idx.Register(FileEntry{SourceBatch: 0, TargetBatch: 0, Filename: "a", Count: 3})

	require.NoError(t, idx.UpdateCount(0, 0, "a", 9))
	require.EqualValues(t, 9, idx.TotalCount())

	idx.Remove(0, 0, "a")
	require.Empty(t, idx.Entries())

	require.Error(t, idx.UpdateCount(0, 0, "missing", 1))
}

func TestFlushAndLoadFromSourcesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := New(4, dir)
	idx.Register(FileEntry{SourceBatch: 0, TargetBatch: 0, Filename: "nsl_03_batch_000000_to_04_batch_000000.nslarch", Count: 10})
	idx.Register(FileEntry{SourceBatch: 1, TargetBatch: 1, Filename: "nsl_03_batch_000001_to_04_batch_000001.nslarch", Count: 20, Compacted: true})
	require.NoError(t, idx.Flush())

	loaded, err := LoadFromSources(4, dir)
	require.NoError(t, err)
	require.Len(t, loaded.Entries(), 2)
	require.EqualValues(t, 30, loaded.TotalCount())

	// Flushing again must rotate the previous binary to .old.
	idx.Register(FileEntry{SourceBatch: 2, TargetBatch: 2, Filename: "nsl_03_batch_000002_to_04_batch_000002.nslarch", Count: 5})
	require.NoError(t, idx.Flush())
	oldPath := filepath.Join(dir, "nsl_04_global_info.nslidx.old")
	_, err = os.Stat(oldPath)
	require.NoError(t, err, "expected a .old backup after the second flush")
}

func TestLoadFromSourcesFallsBackToJSON(t *testing.T) {
	dir := t.TempDir()
	idx := New(4, dir)
	idx.Register(FileEntry{SourceBatch: 0, TargetBatch: 0, Filename: "nsl_03_batch_000000_to_04_batch_000000.nslarch", Count: 7})
	require.NoError(t, idx.ExportHumanReadable())

	loaded, err := LoadFromSources(4, dir)
	require.NoError(t, err)
	require.Len(t, loaded.Entries(), 1)
	require.EqualValues(t, 7, loaded.TotalCount())
}

func TestLoadFromSourcesEmptyDirectory(t *testing.T) {
	idx, err := LoadFromSources(4, t.TempDir())
	require.NoError(t, err)
	require.Empty(t, idx.Entries())
}

func TestAuditDetectsMissingAndUnregisteredFiles(t *testing.T) {
	dir := t.TempDir()
	idx := New(4, dir)

	r, err := capset.FromSlices(4, 9, []int{0, 1, 5, 9}, []int{10, 11})
	require.NoError(t, err)
	b, err := archive.Encode([]capset.Record{r})
	require.NoError(t, err)

	present := "nsl_03_batch_000000_to_04_batch_000000.nslarch"
	require.NoError(t, archive.WriteAtomic(filepath.Join(dir, present), b))
	idx.Register(FileEntry{SourceBatch: 0, TargetBatch: 0, Filename: present, Count: 1})
	idx.Register(FileEntry{SourceBatch: 1, TargetBatch: 1, Filename: "nsl_03_batch_000001_to_04_batch_000001.nslarch", Count: 1})

	unregistered := "nsl_03_batch_000002_to_04_batch_000002.nslarch"
	require.NoError(t, archive.WriteAtomic(filepath.Join(dir, unregistered), b))

	issues, err := idx.Audit(false)
	require.ErrorIs(t, err, ErrInconsistentIndex)
	require.Len(t, issues, 2)

	var kinds []string
	for _, iss := range issues {
		kinds = append(kinds, iss.Kind)
	}
	require.Contains(t, kinds, "missing_file")
	require.Contains(t, kinds, "unregistered_file")
}

func TestAuditDeepDetectsCountMismatch(t *testing.T) {
	dir := t.TempDir()
	idx := New(4, dir)

	r, err := capset.FromSlices(4, 9, []int{0, 1, 5, 9}, []int{10, 11})
	require.NoError(t, err)
	b, err := archive.Encode([]capset.Record{r})
	require.NoError(t, err)

	name := "nsl_03_batch_000000_to_04_batch_000000.nslarch"
	require.NoError(t, archive.WriteAtomic(filepath.Join(dir, name), b))
	idx.Register(FileEntry{SourceBatch: 0, TargetBatch: 0, Filename: name, Count: 2})

	issues, err := idx.Audit(true)
	require.ErrorIs(t, err, ErrInconsistentIndex)
	require.Len(t, issues, 1)
	require.Equal(t, "count_mismatch", issues[0].Kind)
}
