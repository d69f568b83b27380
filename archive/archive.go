// Package archive implements the on-disk format that holds one batch of
// capset.Record values: a self-describing binary encoding with a
// validation gate, an atomic-write helper for crash-safe persistence, and
// a memory-mapped reader that decodes records on demand.
//
// The header shape (8-byte magic, version byte, length-prefixed
// indexmeta.Meta block, little-endian payload length, record count,
// xxhash64 checksum) is grounded on compactindexsized/header.go's
// Header.Load/Bytes, which embeds a *indexmeta.Meta the same way. The
// atomic-write retry/backoff sequence is grounded on preindex.go's
// shard-finalization write path and on the legacy
// save_compacted_batch_atomic retry loop it was distilled from.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/exp/mmap"
	"k8s.io/klog/v2"

	"github.com/tsouche/funny-set-exploration/capset"
	"github.com/tsouche/funny-set-exploration/continuity"
	"github.com/tsouche/funny-set-exploration/indexmeta"
)

// Magic are the first eight bytes of every archive file.
var Magic = [8]byte{'n', 's', 'l', 'a', 'r', 'c', 'h', 'v'}

// Version is the current archive schema version.
const Version = uint8(1)

// ErrCorrupt is returned whenever an archive fails its validation gate:
// bad magic, unsupported version, truncated payload, or checksum mismatch.
var ErrCorrupt = errors.New("archive: corrupt or unrecognized data")

// Metadata keys written into every archive's embedded indexmeta.Meta
// block by DefaultMeta.
var (
	MetaKeyCreatedBy = []byte("created_by")
	MetaKeySchema    = []byte("schema")
)

// createdByTool identifies this codebase as the writer of an archive,
// the same way compactindexsized's writers stamp their tool name.
const createdByTool = "nslexpand"

// DefaultMeta returns the indexmeta.Meta block Encode embeds by default:
// the tool name and the archive schema version.
func DefaultMeta() indexmeta.Meta {
	var m indexmeta.Meta
	_ = m.AddString(MetaKeyCreatedBy, createdByTool)
	_ = m.AddUint64(MetaKeySchema, uint64(Version))
	return m
}

// Encode serializes records into the archive's binary form, embedding
// DefaultMeta as the header's metadata block.
func Encode(records []capset.Record) ([]byte, error) {
	meta := DefaultMeta()
	return EncodeWithMeta(records, meta)
}

// EncodeWithMeta serializes records with a caller-supplied metadata
// block, letting callers stamp extra provenance (e.g. a level or batch
// tag) alongside the records.
func EncodeWithMeta(records []capset.Record, meta indexmeta.Meta) ([]byte, error) {
	var payload bytes.Buffer
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("archive: refusing to encode invalid record %d: %w", i, err)
		}
		if err := encodeRecord(&payload, &r); err != nil {
			return nil, fmt.Errorf("archive: encoding record %d: %w", i, err)
		}
	}

	metaBytes, err := meta.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("archive: encoding metadata: %w", err)
	}

	checksum := xxhash.Sum64(payload.Bytes())

	var out bytes.Buffer
	out.Write(Magic[:])
	out.WriteByte(Version)
	var metaLenBuf [4]byte
	binary.LittleEndian.PutUint32(metaLenBuf[:], uint32(len(metaBytes)))
	out.Write(metaLenBuf[:])
	out.Write(metaBytes)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(payload.Len()))
	out.Write(lenBuf[:])
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(records)))
	out.Write(countBuf[:])
	var sumBuf [8]byte
	binary.LittleEndian.PutUint64(sumBuf[:], checksum)
	out.Write(sumBuf[:])
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

func encodeRecord(buf *bytes.Buffer, r *capset.Record) error {
	if int(r.PrefixLen) > capset.MaxPrefix || int(r.RemLen) > capset.MaxRemaining {
		return fmt.Errorf("%w: record exceeds fixed capacity", capset.ErrCapacityExceeded)
	}
	buf.WriteByte(r.Size)
	buf.WriteByte(r.PrefixLen)
	for _, c := range r.PrefixSlice() {
		buf.WriteByte(byte(int8(c)))
	}
	buf.WriteByte(r.RemLen)
	for _, c := range r.RemainingSlice() {
		buf.WriteByte(byte(int8(c)))
	}
	return nil
}

// Decode parses an archive's bytes back into its records, validating the
// header and the checksum before trusting the payload.
func Decode(b []byte) ([]capset.Record, error) {
	_, payload, count, err := parseHeader(b)
	if err != nil {
		return nil, err
	}
	records := make([]capset.Record, 0, count)
	r := bytes.NewReader(payload)
	for i := uint64(0); i < count; i++ {
		rec, err := decodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, i, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("%w: record %d failed validation: %v", ErrCorrupt, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeMeta returns the indexmeta.Meta block embedded in an archive's
// header without decoding any records.
func DecodeMeta(b []byte) (indexmeta.Meta, error) {
	meta, _, _, err := parseHeader(b)
	return meta, err
}

// parseHeader validates the magic, version, metadata block, declared
// payload length, and checksum of an archive buffer, returning its
// decoded metadata, its record payload, and its declared record count.
// Grounded on compactindexsized/header.go's Header.Load gate ordering.
func parseHeader(b []byte) (indexmeta.Meta, []byte, uint64, error) {
	var meta indexmeta.Meta
	if len(b) < 8+1+4 {
		return meta, nil, 0, fmt.Errorf("%w: too short for a header (%d bytes)", ErrCorrupt, len(b))
	}
	if !bytes.Equal(b[:8], Magic[:]) {
		return meta, nil, 0, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if b[8] != Version {
		return meta, nil, 0, fmt.Errorf("%w: unsupported version %d, want %d", ErrCorrupt, b[8], Version)
	}
	metaLen := binary.LittleEndian.Uint32(b[9:13])
	rest := b[13:]
	if uint32(len(rest)) < metaLen {
		return meta, nil, 0, fmt.Errorf("%w: truncated metadata block", ErrCorrupt)
	}
	if metaLen > 0 {
		if err := meta.UnmarshalBinary(rest[:metaLen]); err != nil {
			return meta, nil, 0, fmt.Errorf("%w: decoding metadata: %v", ErrCorrupt, err)
		}
	}
	rest = rest[metaLen:]
	if len(rest) < 4+8+8 {
		return meta, nil, 0, fmt.Errorf("%w: truncated header tail", ErrCorrupt)
	}
	payloadLen := binary.LittleEndian.Uint32(rest[0:4])
	count := binary.LittleEndian.Uint64(rest[4:12])
	checksum := binary.LittleEndian.Uint64(rest[12:20])
	payload := rest[20:]
	if uint32(len(payload)) != payloadLen {
		return meta, nil, 0, fmt.Errorf("%w: declared payload length %d does not match actual %d", ErrCorrupt, payloadLen, len(payload))
	}
	if xxhash.Sum64(payload) != checksum {
		return meta, nil, 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return meta, payload, count, nil
}

func decodeRecord(r *bytes.Reader) (capset.Record, error) {
	var rec capset.Record
	size, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("read size: %w", err)
	}
	rec.Size = size

	prefixLen, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("read prefix len: %w", err)
	}
	if int(prefixLen) > capset.MaxPrefix {
		return rec, fmt.Errorf("prefix len %d exceeds max %d", prefixLen, capset.MaxPrefix)
	}
	rec.PrefixLen = prefixLen
	for i := uint8(0); i < prefixLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return rec, fmt.Errorf("read prefix[%d]: %w", i, err)
		}
		rec.Prefix[i] = int(int8(b))
	}
	if prefixLen > 0 {
		rec.MaxCard = rec.Prefix[prefixLen-1]
	}

	remLen, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("read remaining len: %w", err)
	}
	if int(remLen) > capset.MaxRemaining {
		return rec, fmt.Errorf("remaining len %d exceeds max %d", remLen, capset.MaxRemaining)
	}
	rec.RemLen = remLen
	for i := uint8(0); i < remLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return rec, fmt.Errorf("read remaining[%d]: %w", i, err)
		}
		rec.Remaining[i] = int(int8(b))
	}
	return rec, nil
}

const (
	writeRetries   = 5
	writeBackoffMs = 200
)

// WriteAtomic writes b to path via a sibling temp file, fsync, and
// os.Rename, retrying the rename a fixed number of times before falling
// back to a direct (non-atomic) write. Grounded on preindex.go's
// shard-finalization path and the Rust original's retry-with-backoff
// atomic writer.
func WriteAtomic(path string, b []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())

	err := continuity.New().
		Thenf("write temp file", func() error {
			f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("create temp file %s: %w", tmp, err)
			}
			defer f.Close()
			if _, err := f.Write(b); err != nil {
				return fmt.Errorf("write temp file %s: %w", tmp, err)
			}
			return f.Sync()
		}).
		Err()
	if err != nil {
		return err
	}

	var renameErr error
	for attempt := 1; attempt <= writeRetries; attempt++ {
		renameErr = os.Rename(tmp, path)
		if renameErr == nil {
			return nil
		}
		klog.Warningf("archive: rename attempt %d/%d for %s failed: %v", attempt, writeRetries, path, renameErr)
		time.Sleep(time.Duration(writeBackoffMs*attempt) * time.Millisecond)
	}

	klog.Errorf("archive: giving up on atomic rename for %s after %d attempts, falling back to direct write: %v", path, writeRetries, renameErr)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("archive: fallback direct write to %s failed: %w", path, err)
	}
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		klog.Warningf("archive: failed to remove stale temp file %s: %v", tmp, err)
	}
	return nil
}

// MappedArchive is a memory-mapped, validated archive ready for random
// access without decoding the whole file up front.
type MappedArchive struct {
	reader  *mmap.ReaderAt
	meta    indexmeta.Meta
	payload []byte
	count   int
	offsets []int // lazily computed byte offset of each record within payload
}

// ReadMemoryMapped opens path through a memory mapping, copies the
// mapped bytes into one in-memory buffer, validates its header and
// checksum, and returns a MappedArchive over that buffer. Access is not
// zero-copy: the whole file is copied once, and records are then decoded
// one at a time by At. Grounded on storage.go's openMMapFile and
// bucketteer.OpenMMAP.
func ReadMemoryMapped(path string) (*MappedArchive, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: mmap open %s: %w", path, err)
	}
	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil {
		r.Close()
		return nil, fmt.Errorf("archive: mmap read %s: %w", path, err)
	}
	meta, payload, count, err := parseHeader(buf)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &MappedArchive{reader: r, meta: meta, payload: payload, count: int(count)}, nil
}

// Meta returns the metadata block embedded in the archive's header.
func (m *MappedArchive) Meta() indexmeta.Meta {
	return m.meta
}

// Close releases the memory mapping.
func (m *MappedArchive) Close() error {
	return m.reader.Close()
}

// Len returns the number of records in the archive.
func (m *MappedArchive) Len() int {
	m.indexOffsets()
	return m.count
}

// At decodes and returns the record at position i without decoding the
// rest of the archive.
func (m *MappedArchive) At(i int) (capset.Record, error) {
	m.indexOffsets()
	if i < 0 || i >= len(m.offsets) {
		return capset.Record{}, fmt.Errorf("archive: index %d out of range [0,%d)", i, len(m.offsets))
	}
	r := bytes.NewReader(m.payload[m.offsets[i]:])
	rec, err := decodeRecord(r)
	if err != nil {
		return capset.Record{}, fmt.Errorf("%w: record %d: %v", ErrCorrupt, i, err)
	}
	return rec, nil
}

// Deserialize decodes every record in the archive.
func (m *MappedArchive) Deserialize() ([]capset.Record, error) {
	n := m.Len()
	out := make([]capset.Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := m.At(i)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// indexOffsets performs the one-time scan that records each record's
// starting byte offset within the payload, so At() need not rescan.
func (m *MappedArchive) indexOffsets() {
	if m.offsets != nil {
		return
	}
	offsets := make([]int, 0, m.count)
	pos := 0
	for i := 0; i < m.count; i++ {
		offsets = append(offsets, pos)
		prefixLen := int(m.payload[pos+1])
		pos += 2 + prefixLen
		remLen := int(m.payload[pos])
		pos += 1 + remLen
	}
	m.offsets = offsets
}
