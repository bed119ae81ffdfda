package memtable

import (
	"fmt"
	"sync"
	"testing"

	"mergedb/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(key string, seq types.SeqN, kind types.Kind, value string) types.Record {
	return types.Record{Key: []byte(key), SeqN: seq, Kind: kind, Value: []byte(value)}
}

func chainOf(mt *Memtable, key string) []types.Record {
	var out []types.Record
	mt.Get([]byte(key), func(r types.Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

func TestMemtable_GetNewestFirst(t *testing.T) {
	mt := New(1, 1<<20)

	require.NoError(t, mt.Insert(rec("a", 1, types.KindPut, "base")))
	require.NoError(t, mt.Insert(rec("b", 2, types.KindMerge, "y")))
	require.NoError(t, mt.Insert(rec("a", 3, types.KindMerge, "x")))
	require.NoError(t, mt.Insert(rec("a", 4, types.KindMerge, "t")))

	got := chainOf(mt, "a")
	require.Len(t, got, 3)
	assert.Equal(t, types.SeqN(4), got[0].SeqN)
	assert.Equal(t, types.SeqN(3), got[1].SeqN)
	assert.Equal(t, types.KindPut, got[2].Kind)

	assert.Empty(t, chainOf(mt, "zzz"))
	assert.Equal(t, 4, mt.Len())
	assert.Equal(t, types.SeqN(1), mt.MinSeq())
	assert.Equal(t, types.SeqN(4), mt.MaxSeq())
}

func TestMemtable_GetStopsEarly(t *testing.T) {
	mt := New(1, 1<<20)
	for i := 1; i <= 5; i++ {
		require.NoError(t, mt.Insert(rec("k", types.SeqN(i), types.KindMerge, "v")))
	}

	seen := 0
	mt.Get([]byte("k"), func(types.Record) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestMemtable_Sorted(t *testing.T) {
	mt := New(1, 1<<20)
	require.NoError(t, mt.Insert(rec("c", 1, types.KindMerge, "asdasd")))
	require.NoError(t, mt.Insert(rec("a", 2, types.KindMerge, "x")))
	require.NoError(t, mt.Insert(rec("b", 3, types.KindMerge, "y")))
	require.NoError(t, mt.Insert(rec("a", 4, types.KindMerge, "t")))
	require.NoError(t, mt.Insert(rec("a", 5, types.KindDelete, "")))

	got := mt.Sorted()
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Negative(t, types.Compare(got[i-1], got[i]), "records out of order at %d", i)
	}
	assert.Equal(t, "a", string(got[0].Key))
	assert.Equal(t, types.KindDelete, got[0].Kind)
	assert.Equal(t, "c", string(got[4].Key))
}

func TestMemtable_Threshold(t *testing.T) {
	mt := New(1, 64)

	big := rec("k", 1, types.KindPut, string(make([]byte, 100)))
	require.ErrorIs(t, mt.Insert(big), ErrTooLargeEntry)
	assert.True(t, mt.Empty())

	small := rec("k", 1, types.KindPut, "0123456789")
	assert.True(t, mt.Fits(small.Size()))
	require.NoError(t, mt.Insert(small))
	require.NoError(t, mt.Insert(rec("k", 2, types.KindPut, "0123456789")))
	assert.False(t, mt.Fits(small.Size()*2))
}

func TestMemtable_ConcurrentReaders(t *testing.T) {
	mt := New(1, 1<<30)

	const n = 2000
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// chains must always be strictly descending and complete
				var prev types.SeqN
				mt.Get([]byte("hot"), func(r types.Record) bool {
					if prev != 0 && r.SeqN >= prev {
						t.Errorf("chain out of order: %d after %d", r.SeqN, prev)
					}
					if string(r.Value) != fmt.Sprint(r.SeqN) {
						t.Errorf("partial record: %q for seq %d", r.Value, r.SeqN)
					}
					prev = r.SeqN
					return true
				})
			}
		}()
	}

	for i := 1; i <= n; i++ {
		require.NoError(t, mt.Insert(rec("hot", types.SeqN(i), types.KindMerge, fmt.Sprint(i))))
	}
	close(stop)
	wg.Wait()

	assert.Len(t, chainOf(mt, "hot"), n)
}
