package iterator

import "mergedb/pkg/types"

// Iterator iterates over a sequence of records ordered by key ascending,
// sequence descending.
type Iterator interface {
	// First moves to the first record.
	First()
	// Next advances to the next record.
	Next()
	// Valid reports whether the iterator points to a record.
	Valid() bool
	// Record returns the current record.
	Record() types.Record
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// sliceIter walks an in-memory sorted slice.
type sliceIter struct {
	recs []types.Record
	pos  int
}

// FromSlice wraps records that are already sorted.
func FromSlice(recs []types.Record) Iterator {
	return &sliceIter{recs: recs, pos: len(recs)}
}

func (it *sliceIter) First()               { it.pos = 0 }
func (it *sliceIter) Next()                { it.pos++ }
func (it *sliceIter) Valid() bool          { return it.pos < len(it.recs) }
func (it *sliceIter) Record() types.Record { return it.recs[it.pos] }
func (it *sliceIter) Err() error           { return nil }
func (it *sliceIter) Close() error         { return nil }
