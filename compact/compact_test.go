package compact

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsouche/funny-set-exploration/archive"
	"github.com/tsouche/funny-set-exploration/capset"
	"github.com/tsouche/funny-set-exploration/fileindex"
	"github.com/tsouche/funny-set-exploration/nslpath"
)

func writeArchive(t *testing.T, dir string, sourceBatch, targetBatch uint32, n int) fileindex.FileEntry {
	t.Helper()
	records := make([]capset.Record, 0, n)
	for i := 0; i < n; i++ {
		maxCard := 5 + i
		r, err := capset.FromSlices(3, maxCard, []int{0, 1, maxCard}, nil)
		require.NoError(t, err)
		records = append(records, r)
	}
	name := nslpath.LevelArchiveName(3, sourceBatch, 4, targetBatch)
	b, err := archive.Encode(records)
	require.NoError(t, err)
	require.NoError(t, archive.WriteAtomic(filepath.Join(dir, name), b))
	return fileindex.FileEntry{SourceBatch: sourceBatch, TargetBatch: targetBatch, Filename: name, Count: uint64(n)}
}

func TestRunMergesUntoBatchSize(t *testing.T) {
	dir := t.TempDir()
	idx := fileindex.New(4, dir)
	idx.Register(writeArchive(t, dir, 0, 0, 3))
	idx.Register(writeArchive(t, dir, 1, 1, 4))
	require.NoError(t, idx.Flush())

	written, err := Run(Options{Dir: dir, TargetSize: 4, BatchSize: 5})
	require.NoError(t, err)
	require.Equal(t, 1, written)

	reloaded, err := fileindex.LoadFromSources(4, dir)
	require.NoError(t, err)
	require.EqualValues(t, 7, reloaded.TotalCount(), "record conservation: total count must be unchanged by compaction")
}

func TestRunStopsWithFewerThanTwoCandidates(t *testing.T) {
	dir := t.TempDir()
	idx := fileindex.New(4, dir)
	idx.Register(writeArchive(t, dir, 0, 0, 3))
	require.NoError(t, idx.Flush())

	written, err := Run(Options{Dir: dir, TargetSize: 4, BatchSize: 100})
	require.NoError(t, err)
	require.Equal(t, 0, written, "a single candidate must not be compacted")
}

func TestRunIsIdempotentWhenNothingToDo(t *testing.T) {
	dir := t.TempDir()
	idx := fileindex.New(4, dir)
	require.NoError(t, idx.Flush())

	written, err := Run(Options{Dir: dir, TargetSize: 4, BatchSize: 100})
	require.NoError(t, err)
	require.Equal(t, 0, written)
}
