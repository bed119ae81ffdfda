package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mergedb/pkg/compression"
	"mergedb/pkg/types"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	footerSize  = 40
	footerMagic = uint64(0x6d657267_65646231) // "mergedb1"

	DefaultBlockSize   = 4096
	DefaultBloomFPRate = 0.01
)

var (
	ErrOutOfOrder = errors.New("records added out of order")
)

// Meta describes a finished segment. It is what the manifest stores.
type Meta struct {
	ID     uint64     `json:"id"`
	Level  int        `json:"level"`
	MinKey []byte     `json:"min_key"`
	MaxKey []byte     `json:"max_key"`
	MinSeq types.SeqN `json:"min_seq"`
	MaxSeq types.SeqN `json:"max_seq"`
	Count  uint64     `json:"count"`
	Size   int64      `json:"size"`
}

// Overlaps reports whether the segment's key range intersects [start, end].
// A nil bound is unbounded.
func (m Meta) Overlaps(start, end []byte) bool {
	if end != nil && bytes.Compare(m.MinKey, end) > 0 {
		return false
	}
	if start != nil && bytes.Compare(m.MaxKey, start) < 0 {
		return false
	}
	return true
}

type WriterOptions struct {
	BlockSize   int
	Compression compression.Codec
	// ExpectedKeys sizes the bloom filter.
	ExpectedKeys uint
	BloomFPRate  float64
}

type indexEntry struct {
	lastKey []byte
	offset  uint64
	length  uint64
}

// Writer builds a segment file from records added in key ascending, sequence
// descending order.
type Writer struct {
	path   string
	opts   WriterOptions
	file   *os.File
	w      *bufio.Writer
	offset uint64

	block   []byte
	lastKey []byte
	index   []indexEntry
	bf      *bloom.BloomFilter
	meta    Meta
	prev    types.Record
}

// SegmentPath is where segment id lives inside dir.
func SegmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", id))
}

func NewWriter(dir string, id uint64, level int, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = DefaultBloomFPRate
	}
	if opts.ExpectedKeys == 0 {
		opts.ExpectedKeys = 1
	}

	path := SegmentPath(dir, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	return &Writer{
		path: path,
		opts: opts,
		file: file,
		w:    bufio.NewWriter(file),
		bf:   bloom.NewWithEstimates(opts.ExpectedKeys, opts.BloomFPRate),
		meta: Meta{ID: id, Level: level},
	}, nil
}

// Add appends rec. Records must arrive in key ascending, sequence descending order.
func (w *Writer) Add(rec types.Record) error {
	if w.meta.Count > 0 && types.Compare(w.prev, rec) >= 0 {
		return fmt.Errorf("%w: %q@%d after %q@%d", ErrOutOfOrder, rec.Key, rec.SeqN, w.prev.Key, w.prev.SeqN)
	}

	newKey := w.meta.Count == 0 || !bytes.Equal(w.lastKey, rec.Key)
	if newKey {
		// blocks are only cut between keys
		if len(w.block) >= w.opts.BlockSize {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
		w.bf.Add(rec.Key)
		w.lastKey = append(w.lastKey[:0], rec.Key...)
	}

	w.block = appendRecord(w.block, rec)

	if w.meta.Count == 0 {
		w.meta.MinKey = bytes.Clone(rec.Key)
		w.meta.MinSeq = rec.SeqN
	}
	w.meta.MaxKey = append(w.meta.MaxKey[:0], rec.Key...)
	w.meta.MinSeq = min(w.meta.MinSeq, rec.SeqN)
	w.meta.MaxSeq = max(w.meta.MaxSeq, rec.SeqN)
	w.meta.Count++
	w.prev = types.Record{Key: w.lastKey, SeqN: rec.SeqN}

	return nil
}

// EstimatedSize is the number of bytes written so far plus the pending block.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(len(w.block))
}

func (w *Writer) Count() uint64 {
	return w.meta.Count
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}

	sealed, err := sealBlock(w.block, w.opts.Compression)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(sealed); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}

	w.index = append(w.index, indexEntry{
		lastKey: bytes.Clone(w.lastKey),
		offset:  w.offset,
		length:  uint64(len(sealed)),
	})
	w.offset += uint64(len(sealed))
	w.block = w.block[:0]

	return nil
}

// Finish writes the index, bloom filter and footer, syncs and closes the file.
func (w *Writer) Finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	var indexData []byte
	indexData = binary.AppendUvarint(indexData, uint64(len(w.index)))
	for _, e := range w.index {
		indexData = binary.AppendUvarint(indexData, uint64(len(e.lastKey)))
		indexData = append(indexData, e.lastKey...)
		indexData = binary.AppendUvarint(indexData, e.offset)
		indexData = binary.AppendUvarint(indexData, e.length)
	}
	indexOffset := w.offset
	if _, err := w.w.Write(indexData); err != nil {
		return Meta{}, fmt.Errorf("failed to write index: %w", err)
	}
	w.offset += uint64(len(indexData))

	bloomData, err := w.bf.MarshalBinary()
	if err != nil {
		return Meta{}, fmt.Errorf("failed to encode bloom filter: %w", err)
	}
	bloomOffset := w.offset
	if _, err := w.w.Write(bloomData); err != nil {
		return Meta{}, fmt.Errorf("failed to write bloom filter: %w", err)
	}
	w.offset += uint64(len(bloomData))

	footer := make([]byte, 0, footerSize)
	footer = binary.LittleEndian.AppendUint64(footer, indexOffset)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(len(indexData)))
	footer = binary.LittleEndian.AppendUint64(footer, bloomOffset)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(len(bloomData)))
	footer = binary.LittleEndian.AppendUint64(footer, footerMagic)
	if _, err := w.w.Write(footer); err != nil {
		return Meta{}, fmt.Errorf("failed to write footer: %w", err)
	}
	w.offset += footerSize

	if err := w.w.Flush(); err != nil {
		return Meta{}, fmt.Errorf("failed to flush segment: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Meta{}, fmt.Errorf("failed to sync segment: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return Meta{}, fmt.Errorf("failed to close segment: %w", err)
	}
	w.file = nil

	w.meta.Size = int64(w.offset)
	return w.meta, nil
}

// Abort discards a partially written segment.
func (w *Writer) Abort() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove aborted segment: %w", err)
	}
	return nil
}
