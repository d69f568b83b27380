package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsouche/funny-set-exploration/capset"
)

func sampleRecords(t *testing.T) []capset.Record {
	t.Helper()
	r1, err := capset.FromSlices(3, 5, []int{0, 1, 5}, []int{8, 9})
	require.NoError(t, err)
	r2, err := capset.FromSlices(4, 9, []int{0, 1, 5, 9}, []int{10, 11})
	require.NoError(t, err)
	return []capset.Record{r1, r2}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := sampleRecords(t)
	b, err := Encode(records)
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, records, decoded)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	b, err := Encode(sampleRecords(t))
	require.NoError(t, err)
	corrupted := append([]byte(nil), b...)
	corrupted[0] ^= 0xFF
	_, err = Decode(corrupted)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeRejectsTruncation(t *testing.T) {
	b, err := Encode(sampleRecords(t))
	require.NoError(t, err)
	for cut := 0; cut < len(b); cut++ {
		_, err := Decode(b[:cut])
		require.Error(t, err, "expected decode to fail at truncation boundary %d", cut)
	}
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	b, err := Encode(sampleRecords(t))
	require.NoError(t, err)
	corrupted := append([]byte(nil), b...)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err = Decode(corrupted)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestWriteAtomicAndReadMemoryMapped(t *testing.T) {
	records := sampleRecords(t)
	b, err := Encode(records)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "batch.nslarch")
	require.NoError(t, WriteAtomic(path, b))

	mapped, err := ReadMemoryMapped(path)
	require.NoError(t, err)
	defer mapped.Close()

	require.Equal(t, len(records), mapped.Len())

	got, err := mapped.Deserialize()
	require.NoError(t, err)
	require.Equal(t, records, got)

	single, err := mapped.At(1)
	require.NoError(t, err)
	require.Equal(t, records[1], single)
}

func TestEncodeEmbedsDefaultMeta(t *testing.T) {
	b, err := Encode(sampleRecords(t))
	require.NoError(t, err)

	meta, err := DecodeMeta(b)
	require.NoError(t, err)

	createdBy, ok := meta.GetString(MetaKeyCreatedBy)
	require.True(t, ok)
	require.Equal(t, createdByTool, createdBy)

	schema, ok := meta.GetUint64(MetaKeySchema)
	require.True(t, ok)
	require.EqualValues(t, Version, schema)
}

func TestEncodeWithMetaRoundTrips(t *testing.T) {
	meta := DefaultMeta()
	require.NoError(t, meta.AddString([]byte("level"), "4"))

	b, err := EncodeWithMeta(sampleRecords(t), meta)
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, sampleRecords(t), decoded)

	gotMeta, err := DecodeMeta(b)
	require.NoError(t, err)
	level, ok := gotMeta.GetString([]byte("level"))
	require.True(t, ok)
	require.Equal(t, "4", level)
}

func TestWriteAtomicLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.nslarch")
	b, err := Encode(sampleRecords(t))
	require.NoError(t, err)
	require.NoError(t, WriteAtomic(path, b))

	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, path, entries[0])
}
