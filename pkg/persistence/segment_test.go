package persistence

import (
	"fmt"
	"os"
	"testing"

	"mergedb/pkg/compression"
	"mergedb/pkg/dberrors"
	"mergedb/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(key string, seq types.SeqN, kind types.Kind, value string) types.Record {
	return types.Record{Key: []byte(key), SeqN: seq, Kind: kind, Value: []byte(value)}
}

// buildRecords returns n keys with three versions each, sorted.
func buildRecords(n int) []types.Record {
	var out []types.Record
	seq := types.SeqN(3 * n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		out = append(out,
			rec(key, seq, types.KindMerge, fmt.Sprintf("m%d", i)),
			rec(key, seq-1, types.KindMerge, fmt.Sprintf("n%d", i)),
			rec(key, seq-2, types.KindPut, fmt.Sprintf("base-%d", i)),
		)
		seq -= 3
	}
	return out
}

func writeSegment(t *testing.T, dir string, id uint64, records []types.Record, opts WriterOptions) Meta {
	t.Helper()

	w, err := NewWriter(dir, id, 0, opts)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Add(r))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return meta
}

func collect(t *testing.T, s *Segment, key string) []types.Record {
	t.Helper()

	var out []types.Record
	require.NoError(t, s.Get([]byte(key), func(r types.Record) bool {
		out = append(out, r)
		return true
	}))
	return out
}

func TestSegment_RoundTrip(t *testing.T) {
	for _, c := range []compression.Codec{compression.None, compression.Snappy, compression.Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			dir := t.TempDir()
			records := buildRecords(500)
			meta := writeSegment(t, dir, 7, records, WriterOptions{
				BlockSize:    256,
				Compression:  c,
				ExpectedKeys: 500,
			})

			assert.Equal(t, uint64(7), meta.ID)
			assert.Equal(t, uint64(len(records)), meta.Count)
			assert.Equal(t, []byte("key-00000"), meta.MinKey)
			assert.Equal(t, []byte("key-00499"), meta.MaxKey)
			assert.Equal(t, types.SeqN(1), meta.MinSeq)
			assert.Equal(t, types.SeqN(1500), meta.MaxSeq)

			s, err := Open(dir, meta, NewBlockCache(16))
			require.NoError(t, err)
			s.Ref()
			defer s.Unref()

			assert.Greater(t, len(s.index), 1)

			got := collect(t, s, "key-00123")
			require.Len(t, got, 3)
			assert.Equal(t, types.KindMerge, got[0].Kind)
			assert.Equal(t, "m123", string(got[0].Value))
			assert.Equal(t, "n123", string(got[1].Value))
			assert.Equal(t, types.KindPut, got[2].Kind)
			assert.Equal(t, "base-123", string(got[2].Value))

			assert.Empty(t, collect(t, s, "key-00123x"))
			assert.Empty(t, collect(t, s, "a"))
			assert.Empty(t, collect(t, s, "z"))

			it := s.NewIterator()
			var all []types.Record
			for it.First(); it.Valid(); it.Next() {
				all = append(all, it.Record())
			}
			require.NoError(t, it.Err())
			assert.Equal(t, records, all)
		})
	}
}

func TestSegment_GetStopsEarly(t *testing.T) {
	dir := t.TempDir()
	meta := writeSegment(t, dir, 1, buildRecords(10), WriterOptions{})

	s, err := Open(dir, meta, nil)
	require.NoError(t, err)
	s.Ref()
	defer s.Unref()

	calls := 0
	require.NoError(t, s.Get([]byte("key-00004"), func(types.Record) bool {
		calls++
		return false
	}))
	assert.Equal(t, 1, calls)
}

func TestSegment_BlockCache(t *testing.T) {
	dir := t.TempDir()
	meta := writeSegment(t, dir, 1, buildRecords(100), WriterOptions{BlockSize: 128})

	cache := NewBlockCache(4)
	s, err := Open(dir, meta, cache)
	require.NoError(t, err)
	s.Ref()
	defer s.Unref()

	collect(t, s, "key-00042")
	collect(t, s, "key-00042")
	hits, misses := cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)

	// iteration does not populate the cache
	it := s.NewIterator()
	for it.First(); it.Valid(); it.Next() {
	}
	assert.Equal(t, 1, cache.Len())
}

func TestWriter_OutOfOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1, 0, WriterOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Add(rec("b", 5, types.KindPut, "x")))
	assert.ErrorIs(t, w.Add(rec("a", 6, types.KindPut, "x")), ErrOutOfOrder)
	assert.ErrorIs(t, w.Add(rec("b", 6, types.KindPut, "x")), ErrOutOfOrder)
	require.NoError(t, w.Add(rec("b", 4, types.KindMerge, "y")))

	require.NoError(t, w.Abort())
	_, err = os.Stat(SegmentPath(dir, 1))
	assert.True(t, os.IsNotExist(err))
}

func TestSegment_Corruption(t *testing.T) {
	dir := t.TempDir()
	meta := writeSegment(t, dir, 3, buildRecords(20), WriterOptions{Compression: compression.None})

	path := SegmentPath(dir, 3)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	s, err := Open(dir, meta, nil)
	require.NoError(t, err)
	s.Ref()
	defer s.Unref()

	err = s.Get([]byte("key-00000"), func(types.Record) bool { return true })
	assert.ErrorIs(t, err, dberrors.ErrCorruption)

	require.NoError(t, os.WriteFile(path, data[:20], 0600))
	_, err = Open(dir, meta, nil)
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestSegment_ObsoleteRemovedOnLastUnref(t *testing.T) {
	dir := t.TempDir()
	meta := writeSegment(t, dir, 9, buildRecords(5), WriterOptions{})

	s, err := Open(dir, meta, nil)
	require.NoError(t, err)
	s.Ref()
	s.Ref()
	s.MarkObsolete()

	require.NoError(t, s.Unref())
	_, err = os.Stat(SegmentPath(dir, 9))
	require.NoError(t, err, "file must survive while referenced")
	assert.Len(t, collect(t, s, "key-00001"), 3)

	require.NoError(t, s.Unref())
	_, err = os.Stat(SegmentPath(dir, 9))
	assert.True(t, os.IsNotExist(err))
}

func TestMeta_Overlaps(t *testing.T) {
	m := Meta{MinKey: []byte("c"), MaxKey: []byte("f")}

	assert.True(t, m.Overlaps(nil, nil))
	assert.True(t, m.Overlaps([]byte("a"), []byte("c")))
	assert.True(t, m.Overlaps([]byte("f"), nil))
	assert.True(t, m.Overlaps([]byte("d"), []byte("e")))
	assert.False(t, m.Overlaps([]byte("g"), nil))
	assert.False(t, m.Overlaps(nil, []byte("b")))
}
