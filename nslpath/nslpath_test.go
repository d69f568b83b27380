package nslpath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelArchiveNameFormat(t *testing.T) {
	name := LevelArchiveName(3, 0, 4, 12)
	require.Equal(t, "nsl_03_batch_000000_to_04_batch_000012.nslarch", name)
}

func TestFindInput(t *testing.T) {
	dir := t.TempDir()
	wantName := LevelArchiveName(3, 2, 4, 7)
	require.NoError(t, os.WriteFile(filepath.Join(dir, wantName), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LevelArchiveName(3, 2, 4, 8)), []byte("x"), 0o644))

	got, err := FindInput(dir, 4, 7)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, wantName), got)
}

func TestFindInputMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := FindInput(dir, 4, 99)
	require.ErrorIs(t, err, ErrMissingInput)
}

func TestNextOutputBatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LevelArchiveName(3, 0, 4, 0)), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LevelArchiveName(3, 1, 4, 1)), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LevelArchiveName(3, 5, 4, 9)), []byte("x"), 0o644))

	next, err := NextOutputBatch(dir, 4, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), next, "batch from source 5 must be ignored since restartBatch=2")
}

func TestNextOutputBatchEmptyDir(t *testing.T) {
	next, err := NextOutputBatch(t.TempDir(), 4, 100)
	require.NoError(t, err)
	require.Equal(t, uint32(0), next)
}

func TestLastCompactedBatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CompactedArchiveName(4, 0, 4, 0)), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CompactedArchiveName(4, 0, 4, 1)), []byte("x"), 0o644))

	last, err := LastCompactedBatch(dir, 4)
	require.NoError(t, err)
	require.EqualValues(t, 1, last)
}

func TestLastCompactedBatchNone(t *testing.T) {
	last, err := LastCompactedBatch(t.TempDir(), 4)
	require.NoError(t, err)
	require.EqualValues(t, -1, last)
}
