package memtable

import (
	"bytes"
	"errors"
	"sync/atomic"

	"mergedb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

// node is one version of a key. Chains are newest first and only ever grow
// at the head, so a reader that loaded a head sees a complete, immutable list.
type node struct {
	rec  types.Record
	next *node
}

type chain struct {
	head atomic.Pointer[node]
}

type concurrentSet = skipmap.FuncMap[[]byte, *chain]

// Memtable is the in-memory write buffer. It accepts one writer at a time and
// any number of concurrent readers.
type Memtable struct {
	// number of the WAL file holding the same records
	logNum    uint64
	threshold uint64

	size   atomic.Uint64
	count  atomic.Int64
	minSeq atomic.Uint64
	maxSeq atomic.Uint64

	data *concurrentSet
}

func New(logNum uint64, flushThresholdBytes uint64) *Memtable {
	return &Memtable{
		logNum:    logNum,
		threshold: flushThresholdBytes,
		data: skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (mt *Memtable) LogNum() uint64 {
	return mt.logNum
}

// ApproximateSize is the accumulated size of inserted records.
func (mt *Memtable) ApproximateSize() uint64 {
	return mt.size.Load()
}

func (mt *Memtable) Len() int {
	return int(mt.count.Load())
}

func (mt *Memtable) Empty() bool {
	return mt.count.Load() == 0
}

// MaxSeq is the newest sequence number inserted, 0 when empty.
func (mt *Memtable) MaxSeq() types.SeqN {
	return mt.maxSeq.Load()
}

func (mt *Memtable) MinSeq() types.SeqN {
	return mt.minSeq.Load()
}

// Fits reports whether a record of entSize bytes can be added without
// crossing the flush threshold. An empty table accepts any admissible entry.
func (mt *Memtable) Fits(entSize uint64) bool {
	if mt.Empty() {
		return true
	}
	return mt.size.Load()+entSize <= mt.threshold
}

// Insert adds rec. Callers serialize inserts; rec.SeqN must be larger than
// every sequence number inserted before.
func (mt *Memtable) Insert(rec types.Record) error {
	entSize := rec.Size()
	if entSize > mt.threshold {
		return ErrTooLargeEntry
	}

	c, ok := mt.data.Load(rec.Key)
	if !ok {
		c, _ = mt.data.LoadOrStore(rec.Key, &chain{})
	}

	n := &node{rec: rec, next: c.head.Load()}
	c.head.Store(n)

	mt.size.Add(entSize)
	if mt.count.Add(1) == 1 {
		mt.minSeq.Store(rec.SeqN)
	}
	mt.maxSeq.Store(rec.SeqN)

	return nil
}

// Get calls fn with the records of key, newest first, until fn returns false.
func (mt *Memtable) Get(key []byte, fn func(types.Record) bool) {
	c, ok := mt.data.Load(key)
	if !ok {
		return
	}

	for n := c.head.Load(); n != nil; n = n.next {
		if !fn(n.rec) {
			return
		}
	}
}

// Sorted returns every record ordered by key ascending, sequence descending.
func (mt *Memtable) Sorted() []types.Record {
	result := make([]types.Record, 0, mt.Len())
	mt.data.Range(func(_ []byte, c *chain) bool {
		for n := c.head.Load(); n != nil; n = n.next {
			result = append(result, n.rec)
		}
		return true
	})

	return result
}
