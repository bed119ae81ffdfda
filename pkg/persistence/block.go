package persistence

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"mergedb/pkg/compression"
	"mergedb/pkg/dberrors"
	"mergedb/pkg/types"
)

const blockTrailerSize = 4 // crc32

// appendRecord encodes rec as trailer | key length | key | value length | value.
func appendRecord(dst []byte, rec types.Record) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, rec.Trailer())
	dst = binary.AppendUvarint(dst, uint64(len(rec.Key)))
	dst = append(dst, rec.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(rec.Value)))
	return append(dst, rec.Value...)
}

// decodeRecord reads one record from b and returns the bytes consumed. The
// record aliases b.
func decodeRecord(b []byte) (types.Record, int, error) {
	var rec types.Record
	corrupt := fmt.Errorf("%w: malformed record", dberrors.ErrCorruption)

	if len(b) < 8 {
		return rec, 0, corrupt
	}
	rec.SeqN, rec.Kind = types.SplitTrailer(binary.LittleEndian.Uint64(b))
	if !rec.Kind.Valid() {
		return rec, 0, fmt.Errorf("%w: unknown record kind %d", dberrors.ErrCorruption, rec.Kind)
	}
	off := 8

	keyLen, n := binary.Uvarint(b[off:])
	if n <= 0 || uint64(len(b)-off-n) < keyLen {
		return rec, 0, corrupt
	}
	off += n
	rec.Key = b[off : off+int(keyLen) : off+int(keyLen)]
	off += int(keyLen)

	valueLen, n := binary.Uvarint(b[off:])
	if n <= 0 || uint64(len(b)-off-n) < valueLen {
		return rec, 0, corrupt
	}
	off += n
	rec.Value = b[off : off+int(valueLen) : off+int(valueLen)]
	off += int(valueLen)

	return rec, off, nil
}

// sealBlock compresses raw and appends codec byte and checksum.
func sealBlock(raw []byte, c compression.Codec) ([]byte, error) {
	out := make([]byte, 1, 1+len(raw)+blockTrailerSize)
	out[0] = byte(c)
	out, err := c.Encode(out, raw)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

// openBlock verifies and decompresses a block produced by sealBlock.
func openBlock(b []byte) ([]byte, error) {
	if len(b) < 1+blockTrailerSize {
		return nil, fmt.Errorf("%w: short block", dberrors.ErrCorruption)
	}

	body := b[:len(b)-blockTrailerSize]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(b[len(body):]) {
		return nil, fmt.Errorf("%w: block checksum mismatch", dberrors.ErrCorruption)
	}

	raw, err := compression.Codec(body[0]).Decode(body[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrCorruption, err)
	}
	return raw, nil
}
