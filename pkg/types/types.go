package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number. It totally orders every
// record written by one engine instance.
type SeqN = uint64

// Kind is the operation a record carries.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindMerge
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindMerge:
		return "merge"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindPut && k <= KindDelete
}

// Record is a single versioned write. Records are never mutated once created.
type Record struct {
	Key   Key
	Value Value
	SeqN  SeqN
	Kind  Kind
}

// Size is the approximate in-memory footprint used for flush accounting.
func (r Record) Size() uint64 {
	const trailerSize = 8
	return uint64(len(r.Key)) + uint64(len(r.Value)) + trailerSize
}

// Trailer packs the sequence number and kind as seq<<8 | kind.
func (r Record) Trailer() uint64 {
	return r.SeqN<<8 | uint64(r.Kind)
}

// SplitTrailer reverses Record.Trailer.
func SplitTrailer(t uint64) (SeqN, Kind) {
	return t >> 8, Kind(t & 0xff)
}

// Compare orders records by key ascending, then sequence descending.
func Compare(a, b Record) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.SeqN > b.SeqN:
		return -1
	case a.SeqN < b.SeqN:
		return 1
	}
	return 0
}
