package expand

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsouche/funny-set-exploration/archive"
	"github.com/tsouche/funny-set-exploration/fileindex"
	"github.com/tsouche/funny-set-exploration/nslpath"
)

func TestCreateSeedsCount(t *testing.T) {
	base := t.TempDir()
	level3 := filepath.Join(base, "3")
	d := New()
	require.NoError(t, d.CreateSeeds(context.Background(), level3))

	path := filepath.Join(level3, nslpath.LevelArchiveName(0, 0, 3, 0))
	mapped, err := archive.ReadMemoryMapped(path)
	require.NoError(t, err)
	defer mapped.Close()
	require.Equal(t, 58896, mapped.Len())

	idx, err := fileindex.LoadFromSources(3, level3)
	require.NoError(t, err)
	require.EqualValues(t, 58896, idx.TotalCount())
}

func TestProcessAllProducesNextLevel(t *testing.T) {
	base := t.TempDir()
	level3 := filepath.Join(base, "3")
	level4 := filepath.Join(base, "4")
	d := New()
	require.NoError(t, d.CreateSeeds(context.Background(), level3))
	require.NoError(t, d.ProcessAll(context.Background(), level3, level4, 3, 10000))

	idx, err := fileindex.LoadFromSources(4, level4)
	require.NoError(t, err)
	require.NotEmpty(t, idx.Entries())
	for _, e := range idx.Entries() {
		require.True(t, e.Count <= 10000)
	}
}

func TestProcessSingleBatchMissingInput(t *testing.T) {
	base := t.TempDir()
	d := New()
	err := d.ProcessSingleBatch(context.Background(), filepath.Join(base, "3"), filepath.Join(base, "4"), 3, 0, 10000)
	require.ErrorIs(t, err, nslpath.ErrMissingInput)
}
