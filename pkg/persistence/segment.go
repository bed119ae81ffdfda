package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"mergedb/pkg/dberrors"
	"mergedb/pkg/iterator"
	"mergedb/pkg/types"

	"github.com/bits-and-blooms/bloom/v3"
)

// Segment is an open, immutable segment file. It is reference counted by the
// versions that contain it; the file is closed when the last reference goes
// away and removed too if the segment was marked obsolete.
type Segment struct {
	meta  Meta
	path  string
	file  *os.File
	index []indexEntry
	bloom *bloom.BloomFilter
	cache *BlockCache

	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open opens the segment described by meta inside dir.
func Open(dir string, meta Meta, cache *BlockCache) (*Segment, error) {
	path := SegmentPath(dir, meta.ID)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open segment file: %w", dberrors.ErrIO, err)
	}

	s := &Segment{
		meta:  meta,
		path:  path,
		file:  file,
		cache: cache,
	}
	if err := s.load(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("segment %d: %w", meta.ID, err)
	}

	return s, nil
}

func (s *Segment) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}
	if info.Size() < footerSize {
		return fmt.Errorf("%w: file too small", dberrors.ErrCorruption)
	}

	footer := make([]byte, footerSize)
	if _, err := s.file.ReadAt(footer, info.Size()-footerSize); err != nil {
		return fmt.Errorf("%w: failed to read footer: %w", dberrors.ErrIO, err)
	}
	if binary.LittleEndian.Uint64(footer[32:]) != footerMagic {
		return fmt.Errorf("%w: bad magic", dberrors.ErrCorruption)
	}
	indexOffset := binary.LittleEndian.Uint64(footer[0:])
	indexLen := binary.LittleEndian.Uint64(footer[8:])
	bloomOffset := binary.LittleEndian.Uint64(footer[16:])
	bloomLen := binary.LittleEndian.Uint64(footer[24:])
	if indexOffset+indexLen > uint64(info.Size()) || bloomOffset+bloomLen > uint64(info.Size()) {
		return fmt.Errorf("%w: footer points past end of file", dberrors.ErrCorruption)
	}

	indexData := make([]byte, indexLen)
	if _, err := s.file.ReadAt(indexData, int64(indexOffset)); err != nil {
		return fmt.Errorf("%w: failed to read index: %w", dberrors.ErrIO, err)
	}
	if s.index, err = decodeIndex(indexData); err != nil {
		return err
	}

	bloomData := make([]byte, bloomLen)
	if _, err := s.file.ReadAt(bloomData, int64(bloomOffset)); err != nil {
		return fmt.Errorf("%w: failed to read bloom filter: %w", dberrors.ErrIO, err)
	}
	s.bloom = &bloom.BloomFilter{}
	if err := s.bloom.UnmarshalBinary(bloomData); err != nil {
		return fmt.Errorf("%w: bloom filter: %w", dberrors.ErrCorruption, err)
	}

	return nil
}

func decodeIndex(b []byte) ([]indexEntry, error) {
	corrupt := fmt.Errorf("%w: malformed index", dberrors.ErrCorruption)

	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, corrupt
	}
	b = b[n:]

	entries := make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		keyLen, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < keyLen {
			return nil, corrupt
		}
		b = b[n:]
		key := b[:keyLen:keyLen]
		b = b[keyLen:]

		offset, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, corrupt
		}
		b = b[n:]
		length, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, corrupt
		}
		b = b[n:]

		entries = append(entries, indexEntry{lastKey: key, offset: offset, length: length})
	}

	return entries, nil
}

func (s *Segment) Meta() Meta {
	return s.meta
}

func (s *Segment) ID() uint64 {
	return s.meta.ID
}

// MayContain checks the key range and the bloom filter.
func (s *Segment) MayContain(key []byte) bool {
	if bytes.Compare(key, s.meta.MinKey) < 0 || bytes.Compare(key, s.meta.MaxKey) > 0 {
		return false
	}
	return s.bloom.Test(key)
}

func (s *Segment) readBlock(i int, fillCache bool) ([]byte, error) {
	key := blockKey{segment: s.meta.ID, block: i}
	if b, ok := s.cache.Get(key); ok {
		return b, nil
	}

	e := s.index[i]
	buf := make([]byte, e.length)
	if _, err := s.file.ReadAt(buf, int64(e.offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: block %d truncated", dberrors.ErrCorruption, i)
		}
		return nil, fmt.Errorf("%w: failed to read block %d: %w", dberrors.ErrIO, i, err)
	}

	raw, err := openBlock(buf)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", i, err)
	}
	if fillCache {
		s.cache.Set(key, raw)
	}

	return raw, nil
}

// Get calls fn with the records of key, newest first, until fn returns false.
func (s *Segment) Get(key []byte, fn func(types.Record) bool) error {
	if !s.MayContain(key) {
		return nil
	}

	// all versions of a key live in the first block whose last key is >= key
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].lastKey, key) >= 0
	})
	if i == len(s.index) {
		return nil
	}

	block, err := s.readBlock(i, true)
	if err != nil {
		return fmt.Errorf("segment %d: %w", s.meta.ID, err)
	}

	for len(block) > 0 {
		rec, n, err := decodeRecord(block)
		if err != nil {
			return fmt.Errorf("segment %d: %w", s.meta.ID, err)
		}
		block = block[n:]

		switch c := bytes.Compare(rec.Key, key); {
		case c < 0:
			continue
		case c > 0:
			return nil
		}
		if !fn(rec) {
			return nil
		}
	}

	return nil
}

// NewIterator returns a sequential iterator that bypasses the block cache.
func (s *Segment) NewIterator() iterator.Iterator {
	return &segmentIter{s: s}
}

// Ref takes a reference on the segment.
func (s *Segment) Ref() {
	s.refs.Add(1)
}

// Unref drops a reference and releases the file once none remain.
func (s *Segment) Unref() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		panic(fmt.Sprintf("segment %d: negative reference count", s.meta.ID))
	}
	return s.release()
}

// Refs is the current number of references.
func (s *Segment) Refs() int32 {
	return s.refs.Load()
}

// MarkObsolete schedules the file for deletion when it is released.
func (s *Segment) MarkObsolete() {
	s.obsolete.Store(true)
}

func (s *Segment) release() error {
	s.cache.EvictSegment(s.meta.ID)
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment %d: %w", s.meta.ID, err)
	}
	if s.obsolete.Load() {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove segment %d: %w", s.meta.ID, err)
		}
	}
	return nil
}

type segmentIter struct {
	s     *Segment
	block int
	buf   []byte
	rec   types.Record
	valid bool
	err   error
}

func (it *segmentIter) First() {
	it.block = -1
	it.buf = nil
	it.err = nil
	it.Next()
}

func (it *segmentIter) Next() {
	it.valid = false
	for len(it.buf) == 0 {
		it.block++
		if it.block >= len(it.s.index) {
			return
		}
		b, err := it.s.readBlock(it.block, false)
		if err != nil {
			it.err = fmt.Errorf("segment %d: %w", it.s.meta.ID, err)
			return
		}
		it.buf = b
	}

	rec, n, err := decodeRecord(it.buf)
	if err != nil {
		it.err = fmt.Errorf("segment %d: %w", it.s.meta.ID, err)
		return
	}
	it.buf = it.buf[n:]
	it.rec = rec
	it.valid = true
}

func (it *segmentIter) Valid() bool          { return it.valid && it.err == nil }
func (it *segmentIter) Record() types.Record { return it.rec }
func (it *segmentIter) Err() error           { return it.err }
func (it *segmentIter) Close() error         { return nil }
