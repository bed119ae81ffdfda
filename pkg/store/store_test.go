package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mergedb/pkg/config"
	"mergedb/pkg/dberrors"
	"mergedb/pkg/memtable"
	"mergedb/pkg/merge"
	"mergedb/pkg/persistence"
	"mergedb/pkg/types"
	"mergedb/pkg/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

// testConfig keeps background compaction out of the way unless a test asks
// for it.
func testConfig(t testing.TB) config.Config {
	cfg := config.Default()
	cfg.Persistence.RootPath = t.TempDir()
	cfg.WAL.Sync = false
	cfg.Memtable.FlushThresholdBytes = 4 << 10
	cfg.Persistence.SSTable.BlockSize = 512
	cfg.Compaction.L0Trigger = 1000
	cfg.Compaction.BaseLevelBytes = 1 << 40
	cfg.FlushRetryInterval = 10 * time.Millisecond
	return cfg
}

func openStore(t testing.TB, cfg config.Config, op merge.Operator) *Store {
	t.Helper()

	s, err := Open(cfg, op, WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustGet(t testing.TB, s *Store, key string) string {
	t.Helper()

	value, found, err := s.GetString(key)
	require.NoError(t, err)
	require.True(t, found, "key %q not found", key)
	return value
}

func assertMissing(t testing.TB, s *Store, key string) {
	t.Helper()

	_, found, err := s.GetString(key)
	require.NoError(t, err)
	assert.False(t, found, "key %q should not exist", key)
}

// levelRecords reads every record stored in one level.
func levelRecords(t testing.TB, s *Store, level int) []types.Record {
	t.Helper()

	v, err := s.acquireView()
	require.NoError(t, err)
	defer s.releaseView(v)

	var out []types.Record
	for _, seg := range v.ver.overlapping(level, nil, nil) {
		it := seg.NewIterator()
		for it.First(); it.Valid(); it.Next() {
			rec := it.Record()
			out = append(out, types.Record{
				Key:   []byte(string(rec.Key)),
				Value: []byte(string(rec.Value)),
				SeqN:  rec.SeqN,
				Kind:  rec.Kind,
			})
		}
		require.NoError(t, it.Err())
	}
	return out
}

func TestStore_PutString_GetString(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))

	require.NoError(t, s.PutString("key1", "value1"))
	assert.Equal(t, "value1", mustGet(t, s, "key1"))

	require.NoError(t, s.PutString("key1", "value2"))
	assert.Equal(t, "value2", mustGet(t, s, "key1"))

	assertMissing(t, s, "key2")
}

func TestStore_DeleteString(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))

	require.NoError(t, s.PutString("key1", "value1"))
	require.NoError(t, s.DeleteString("key1"))
	assertMissing(t, s, "key1")

	// deleting a missing key is fine
	require.NoError(t, s.DeleteString("nope"))
	assertMissing(t, s, "nope")
}

func TestStore_MergeChains(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))

	t.Run("without base", func(t *testing.T) {
		require.NoError(t, s.MergeString("a", "1"))
		require.NoError(t, s.MergeString("a", "2"))
		assert.Equal(t, "1,2", mustGet(t, s, "a"))
	})

	t.Run("on top of put", func(t *testing.T) {
		require.NoError(t, s.PutString("b", "base"))
		require.NoError(t, s.MergeString("b", "x"))
		assert.Equal(t, "base,x", mustGet(t, s, "b"))
	})

	t.Run("after delete", func(t *testing.T) {
		require.NoError(t, s.MergeString("c", "old"))
		require.NoError(t, s.DeleteString("c"))
		require.NoError(t, s.MergeString("c", "new"))
		assert.Equal(t, "new", mustGet(t, s, "c"))
	})

	t.Run("put shadows merges", func(t *testing.T) {
		require.NoError(t, s.MergeString("d", "1"))
		require.NoError(t, s.PutString("d", "reset"))
		assert.Equal(t, "reset", mustGet(t, s, "d"))
	})

	t.Run("empty operand", func(t *testing.T) {
		require.NoError(t, s.MergeString("e", ""))
		assert.Equal(t, "", mustGet(t, s, "e"))
	})
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))

	require.NoError(t, s.PutString("k", "value"))
	v, _, err := s.Get([]byte("k"))
	require.NoError(t, err)
	v[0] = 'X'

	assert.Equal(t, "value", mustGet(t, s, "k"))
}

func TestStore_InvalidArguments(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg, merge.NewStringAppend(','))

	assert.ErrorIs(t, s.Put(nil, []byte("v")), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, s.Merge([]byte{}, []byte("v")), dberrors.ErrInvalidArgument)
	_, _, err := s.Get(nil)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	big := strings.Repeat("x", cfg.Memtable.FlushThresholdBytes)
	err = s.PutString("big", big)
	assert.ErrorIs(t, err, memtable.ErrTooLargeEntry)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, err = Open(cfg, nil)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestStore_Closed(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.PutString("k", "v"), dberrors.ErrClosed)
	_, _, err := s.GetString("k")
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, s.Flush(context.Background()), dberrors.ErrClosed)
}

func TestStore_SequenceNumbersIncrease(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.MergeString("k", "v"))
	}
	assert.Equal(t, types.SeqN(5), s.Stats().LastSeqN)
}

func TestStore_FlushKeepsData(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))
	ctx := context.Background()

	require.NoError(t, s.MergeString("k", "a"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.MergeString("k", "b"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.MergeString("k", "c"))

	assert.Equal(t, "a,b,c", mustGet(t, s, "k"))

	stats := s.Stats()
	assert.Equal(t, 2, stats.SegmentsByLevel[0])
	assert.Equal(t, uint64(2), stats.Flushes)
	assert.Zero(t, stats.SealedMemtables)

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 3, s.Stats().SegmentsByLevel[0])

	// flushing an empty memtable is a no-op
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 3, s.Stats().SegmentsByLevel[0])
	assert.Equal(t, "a,b,c", mustGet(t, s, "k"))
}

func TestStore_AutomaticFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memtable.FlushThresholdBytes = 256
	s := openStore(t, cfg, merge.NewStringAppend(','))

	var want []string
	for i := 0; i < 200; i++ {
		w := strings.Repeat(string(rune('a'+i%26)), 8)
		require.NoError(t, s.MergeString("list", w))
		want = append(want, w)
	}
	require.NoError(t, s.Flush(context.Background()))

	assert.Greater(t, s.Stats().SegmentsByLevel[0], 1)
	assert.Equal(t, strings.Join(want, ","), mustGet(t, s, "list"))
}

func TestStore_ReopenRecoversWAL(t *testing.T) {
	cfg := testConfig(t)

	s, err := Open(cfg, merge.NewStringAppend(','), WithLogger(discard))
	require.NoError(t, err)
	require.NoError(t, s.MergeString("k", "1"))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.MergeString("k", "2"))
	require.NoError(t, s.PutString("p", "v"))
	require.NoError(t, s.DeleteString("p"))
	lastSeq := s.Stats().LastSeqN
	require.NoError(t, s.Close())

	s = openStore(t, cfg, merge.NewStringAppend(','))
	assert.Equal(t, "1,2", mustGet(t, s, "k"))
	assertMissing(t, s, "p")
	assert.Equal(t, lastSeq, s.Stats().LastSeqN)

	// recovered records were flushed and their WAL files removed
	walFiles, err := os.ReadDir(filepath.Join(cfg.Persistence.RootPath, walDirName))
	require.NoError(t, err)
	assert.Len(t, walFiles, 1)

	require.NoError(t, s.MergeString("k", "3"))
	assert.Greater(t, s.Stats().LastSeqN, lastSeq)
	assert.Equal(t, "1,2,3", mustGet(t, s, "k"))
}

func TestStore_OperatorMismatch(t *testing.T) {
	cfg := testConfig(t)

	s, err := Open(cfg, merge.NewStringAppend(','), WithLogger(discard))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(cfg, merge.UInt64Add{}, WithLogger(discard))
	assert.ErrorIs(t, err, ErrOperatorMismatch)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestStore_MergeFailure(t *testing.T) {
	s := openStore(t, testConfig(t), merge.UInt64Add{})

	require.NoError(t, s.Merge([]byte("n"), merge.EncodeUint64(2)))
	require.NoError(t, s.Merge([]byte("n"), merge.EncodeUint64(40)))
	v, found, err := s.Get([]byte("n"))
	require.NoError(t, err)
	require.True(t, found)
	n, err := merge.DecodeUint64(v)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	require.NoError(t, s.Merge([]byte("n"), []byte("bad")))
	_, _, err = s.Get([]byte("n"))
	assert.ErrorIs(t, err, dberrors.ErrMergeFailed)
	assert.Equal(t, uint64(1), s.Stats().MergeFailures)
}

type failingJournal struct {
	iJournal
	fail bool
}

func (f *failingJournal) Append(e wal.Entry) error {
	if f.fail {
		return errors.New("no space left on device")
	}
	return f.iJournal.Append(e)
}

func TestStore_WALFailureLeavesMemtableUntouched(t *testing.T) {
	s := openStore(t, testConfig(t), merge.NewStringAppend(','))
	require.NoError(t, s.MergeString("k", "a"))

	fj := &failingJournal{iJournal: s.jr, fail: true}
	s.writeMu.Lock()
	s.jr = fj
	before := s.mem.Len()
	s.writeMu.Unlock()

	err := s.MergeString("k", "b")
	assert.ErrorIs(t, err, dberrors.ErrIO)

	s.writeMu.Lock()
	assert.Equal(t, before, s.mem.Len())
	fj.fail = false
	s.writeMu.Unlock()

	assert.Equal(t, "a", mustGet(t, s, "k"))

	// the failed write consumed a sequence number that is never reused
	require.NoError(t, s.MergeString("k", "c"))
	assert.Equal(t, types.SeqN(3), s.Stats().LastSeqN)
	assert.Equal(t, "a,c", mustGet(t, s, "k"))
}

func TestStore_FlushFailureIsRetried(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg, merge.NewStringAppend(','))
	ctx := context.Background()

	// a directory in place of the next segment file makes the first flush fail
	require.NoError(t, os.Mkdir(persistence.SegmentPath(cfg.Persistence.RootPath, 1), 0750))

	require.NoError(t, s.MergeString("k", "a"))
	require.NoError(t, s.MergeString("k", "b"))
	if err := s.Flush(ctx); err != nil {
		require.NoError(t, s.Flush(ctx))
	}

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.FlushErrors, uint64(1))
	assert.Equal(t, 1, stats.SegmentsByLevel[0])
	assert.Equal(t, "a,b", mustGet(t, s, "k"))
}

func TestStore_FlushContextCancelled(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushRetryInterval = time.Hour
	s := openStore(t, cfg, merge.NewStringAppend(','))

	require.NoError(t, os.Mkdir(persistence.SegmentPath(cfg.Persistence.RootPath, 1), 0750))
	require.NoError(t, s.MergeString("k", "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Flush(ctx)
	require.Error(t, err)

	// the sealed memtable is still readable
	assert.Equal(t, "a", mustGet(t, s, "k"))
	assert.Equal(t, 1, s.Stats().SealedMemtables)
}

func TestStore_FlushInterruptedByCloseIsQuiet(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig(t)
	s, err := Open(cfg, merge.NewStringAppend(','), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	s.onFlushError(struct{}{}, errors.New("disk full"))
	s.mu.Lock()
	gen := s.flushErrGen
	s.mu.Unlock()
	assert.Equal(t, uint64(1), gen)
	assert.Contains(t, logs.String(), "memtable flush failed")

	require.NoError(t, s.Close())
	logs.Reset()

	s.onFlushError(struct{}{}, fmt.Errorf("failed to write segment: %w", context.Canceled))
	s.onFlushError(struct{}{}, dberrors.ErrClosed)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, gen, s.flushErrGen)
	assert.NotContains(t, logs.String(), "memtable flush failed")
}
