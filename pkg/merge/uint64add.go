package merge

import (
	"encoding/binary"
	"fmt"
)

// UInt64Add keeps a little-endian uint64 counter per key. Sums wrap around.
type UInt64Add struct{}

func (UInt64Add) Name() string {
	return NameUInt64Add
}

func (UInt64Add) FullMerge(_, existing []byte, hasExisting bool, operands [][]byte) ([]byte, error) {
	var sum uint64
	if hasExisting {
		v, err := decodeUint64(existing)
		if err != nil {
			return nil, fmt.Errorf("existing value: %w", err)
		}
		sum = v
	}

	for i, op := range operands {
		v, err := decodeUint64(op)
		if err != nil {
			return nil, fmt.Errorf("operand %d: %w", i, err)
		}
		sum += v
	}

	return EncodeUint64(sum), nil
}

func (UInt64Add) PartialMerge(_, left, right []byte) ([]byte, bool) {
	l, err := decodeUint64(left)
	if err != nil {
		return nil, false
	}
	r, err := decodeUint64(right)
	if err != nil {
		return nil, false
	}
	return EncodeUint64(l + r), true
}

// EncodeUint64 builds an operand for UInt64Add.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 reads a value produced by UInt64Add.
func DecodeUint64(b []byte) (uint64, error) {
	return decodeUint64(b)
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: want 8 bytes, got %d", ErrMalformedOperand, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}
