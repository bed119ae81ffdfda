// Package merge defines the merge operator contract used by the store and a
// few ready-made operators.
//
// A merge operator folds a chain of operands into a value. The store calls
// FullMerge when it knows the complete history of a key (a base value, a
// tombstone, or the end of all data) and PartialMerge during compaction to
// shrink chains early. For every operator the following must hold for any
// base b and operands o1..on:
//
//	FullMerge(b, [o1 .. oi, oj .. on]) == FullMerge(b, [o1 .. PartialMerge(oi, oj) .. on])
//
// The store never verifies this at runtime.
package merge

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOperator  = errors.New("unknown merge operator")
	ErrMalformedOperand = errors.New("malformed operand")
)

// Operator combines merge operands.
type Operator interface {
	// Name identifies the operator. It is persisted with the database and must
	// not change between restarts.
	Name() string

	// FullMerge applies operands, ordered oldest to newest, on top of existing.
	// hasExisting is false when the key had no value or was deleted.
	FullMerge(key, existing []byte, hasExisting bool, operands [][]byte) ([]byte, error)

	// PartialMerge combines two adjacent operands, left applied before right,
	// into one. Returning false is always allowed.
	PartialMerge(key, left, right []byte) ([]byte, bool)
}

const (
	NameStringAppend = "stringappend"
	NameUInt64Add    = "uint64add"
	NameOverwrite    = "overwrite"
)

// Lookup returns the operator registered under name. delim is only used by
// the string append operator and must be at most one byte; an empty delim
// selects ','.
func Lookup(name, delim string) (Operator, error) {
	switch name {
	case NameStringAppend:
		if len(delim) > 1 {
			return nil, fmt.Errorf("delimiter %q must be a single byte", delim)
		}
		d := byte(',')
		if len(delim) == 1 {
			d = delim[0]
		}
		return NewStringAppend(d), nil
	case NameUInt64Add:
		return UInt64Add{}, nil
	case NameOverwrite:
		return Overwrite{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
	}
}

// Reduce folds operands pairwise from the left with PartialMerge, keeping an
// operand separate whenever the operator declines. The result applies the same
// changes as the input in the same order.
func Reduce(op Operator, key []byte, operands [][]byte) [][]byte {
	out, _ := ReduceGroups(op, key, operands)
	return out
}

// ReduceGroups is Reduce that also returns, for every output operand, the
// index of the newest input operand folded into it.
func ReduceGroups(op Operator, key []byte, operands [][]byte) ([][]byte, []int) {
	last := make([]int, 0, len(operands))
	if len(operands) < 2 {
		for i := range operands {
			last = append(last, i)
		}
		return operands, last
	}

	out := make([][]byte, 0, len(operands))
	acc := operands[0]
	for i, next := range operands[1:] {
		if merged, ok := op.PartialMerge(key, acc, next); ok {
			acc = merged
			continue
		}
		out = append(out, acc)
		last = append(last, i)
		acc = next
	}

	return append(out, acc), append(last, len(operands)-1)
}
