package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mergedb/pkg/clock"
	"mergedb/pkg/compression"
	"mergedb/pkg/config"
	"mergedb/pkg/dberrors"
	"mergedb/pkg/listener"
	"mergedb/pkg/memtable"
	"mergedb/pkg/merge"
	"mergedb/pkg/metrics"
	"mergedb/pkg/persistence"
	"mergedb/pkg/types"
	"mergedb/pkg/wal"
)

const walDirName = "wal"

type iJournal interface {
	Append(e wal.Entry) error
	Rotate() (uint64, error)
	Remove(num uint64) error
	Replay(files []uint64, start types.SeqN, callback func(wal.Entry) error) error
	Stale() []uint64
	Current() uint64
	Close() error
}

type iClock interface {
	Val() types.SeqN
	Next() types.SeqN
	Advance(t types.SeqN)
}

// view is what a reader sees: the active memtable, sealed memtables and the
// segment set. Views are immutable and reference counted.
type view struct {
	mem *memtable.Memtable
	// sealed memtables, newest first
	imm []*memtable.Memtable
	ver *version

	refs atomic.Int32
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

type Store struct {
	cfg     config.DB
	op      merge.Operator
	logger  *slog.Logger
	metrics *metrics.Metrics
	dir     string

	jr       iJournal
	seqN     iClock
	manifest *persistence.Manifest
	cache    *persistence.BlockCache
	wopts    persistence.WriterOptions

	// writeMu serializes writers and memtable sealing
	writeMu sync.Mutex
	mem     *memtable.Memtable

	// mu guards the published view and flush bookkeeping
	mu          sync.Mutex
	cur         *view
	flushDone   chan struct{}
	flushErr    error
	flushErrGen uint64
	retry       *time.Timer

	// editMu serializes version edits
	editMu sync.Mutex
	// compactMu allows one compaction at a time and guards cursors
	compactMu sync.Mutex
	cursors   [][]byte

	flushCh   chan struct{}
	compactCh chan struct{}
	jobs      []listener.Job

	closed atomic.Bool
}

// Open opens or creates the database rooted at cfg.Persistence.RootPath and
// recovers any writes that did not reach a segment.
func Open(cfg config.Config, op merge.Operator, opts ...Option) (*Store, error) {
	if op == nil {
		return nil, ErrNilOperator
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}
	codec, err := compression.Parse(cfg.Persistence.SSTable.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	dir := cfg.Persistence.RootPath
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %w", dberrors.ErrIO, err)
	}

	s := &Store{
		cfg:      cfg.DB,
		op:       op,
		logger:   slog.Default(),
		metrics:  metrics.New(),
		dir:      dir,
		manifest: persistence.NewManifest(dir),
		cache:    persistence.NewBlockCache(cfg.Persistence.Cache.Capacity),
		wopts: persistence.WriterOptions{
			BlockSize:   cfg.Persistence.SSTable.BlockSize,
			Compression: codec,
			BloomFPRate: cfg.Persistence.BloomFilter.FPRate,
		},
		flushDone: make(chan struct{}),
		cursors:   make([][]byte, cfg.Compaction.MaxLevels),
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("db", dir)

	journal, err := wal.Open(filepath.Join(dir, walDirName), cfg.WAL.Sync, s.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}
	s.jr = journal
	s.seqN = clock.NewAtomic(0)

	if err := s.recover(context.Background()); err != nil {
		s.mu.Lock()
		prev := s.cur
		s.cur = nil
		s.mu.Unlock()
		if prev != nil {
			s.releaseView(prev)
		}
		return nil, errors.Join(err, s.jr.Close())
	}

	flusher := listener.New(s.flushCh, s.flushPending, s.onFlushError)
	compactor := listener.New(s.compactCh, s.compactPending, s.onCompactionError)
	s.jobs = []listener.Job{flusher, compactor}
	for _, job := range s.jobs {
		job.Start(context.Background())
	}
	s.scheduleCompaction()

	s.logger.Info("store opened",
		"db_id", s.manifest.DBID(),
		"operator", op.Name(),
		"last_seq", s.seqN.Val(),
	)

	return s, nil
}

func (s *Store) Put(key, value []byte) error {
	return s.write(types.KindPut, key, value)
}

// Merge records operand for key without reading the current value.
func (s *Store) Merge(key, operand []byte) error {
	return s.write(types.KindMerge, key, operand)
}

func (s *Store) Delete(key []byte) error {
	return s.write(types.KindDelete, key, nil)
}

func (s *Store) PutString(key, value string) error {
	return s.Put([]byte(key), []byte(value))
}

func (s *Store) MergeString(key, operand string) error {
	return s.Merge([]byte(key), []byte(operand))
}

func (s *Store) DeleteString(key string) error {
	return s.Delete([]byte(key))
}

func (s *Store) write(kind types.Kind, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	rec := types.Record{
		Key:   bytes.Clone(key),
		Value: bytes.Clone(value),
		Kind:  kind,
	}
	if rec.Size() > uint64(s.cfg.Memtable.FlushThresholdBytes) {
		return fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, memtable.ErrTooLargeEntry)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if !s.mem.Fits(rec.Size()) {
		if err := s.sealLocked(); err != nil {
			return err
		}
	}

	rec.SeqN = s.seqN.Next()
	err := s.jr.Append(wal.Entry{
		SeqNum: rec.SeqN,
		Kind:   rec.Kind,
		Key:    rec.Key,
		Value:  rec.Value,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}
	if err := s.mem.Insert(rec); err != nil {
		return err
	}

	switch kind {
	case types.KindPut:
		s.metrics.RecordPut()
	case types.KindMerge:
		s.metrics.RecordMerge()
	case types.KindDelete:
		s.metrics.RecordDelete()
	}

	return nil
}

// sealLocked turns the active memtable into the newest sealed one and starts
// a fresh memtable backed by a new WAL file. The caller holds writeMu.
func (s *Store) sealLocked() error {
	logNum, err := s.jr.Rotate()
	if err != nil {
		return fmt.Errorf("%w: failed to rotate WAL: %w", dberrors.ErrIO, err)
	}

	sealed := s.mem
	s.mem = memtable.New(logNum, uint64(s.cfg.Memtable.FlushThresholdBytes))

	s.mu.Lock()
	next := &view{
		mem: s.mem,
		imm: append([]*memtable.Memtable{sealed}, s.cur.imm...),
		ver: s.cur.ver,
	}
	next.ver.ref()
	prev := s.swapLocked(next)
	s.mu.Unlock()

	s.releaseView(prev)
	s.scheduleFlush()

	s.logger.Debug("memtable sealed",
		"wal", sealed.LogNum(),
		"records", sealed.Len(),
		"bytes", sealed.ApproximateSize(),
	)

	return nil
}

// swapLocked publishes next and returns the previous view, which the caller
// must release after unlocking mu.
func (s *Store) swapLocked(next *view) *view {
	next.refs.Store(1)
	prev := s.cur
	s.cur = next
	return prev
}

func (s *Store) acquireView() (*view, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil {
		return nil, dberrors.ErrClosed
	}
	s.cur.refs.Add(1)
	return s.cur, nil
}

func (s *Store) releaseView(v *view) {
	if v.refs.Add(-1) == 0 {
		v.ver.unref()
	}
}

// resolver collects the history of one key, newest first, until a record
// that ends the chain.
type resolver struct {
	operands [][]byte
	base     []byte
	hasBase  bool
	done     bool
}

func (r *resolver) add(rec types.Record) bool {
	switch rec.Kind {
	case types.KindMerge:
		r.operands = append(r.operands, rec.Value)
		return true
	case types.KindPut:
		r.base, r.hasBase = rec.Value, true
	}
	r.done = true
	return false
}

// Get returns the current value of key. found is false when the key has no
// value; that is not an error.
func (s *Store) Get(key []byte) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}

	v, err := s.acquireView()
	if err != nil {
		return nil, false, err
	}
	defer s.releaseView(v)

	var r resolver
	v.mem.Get(key, r.add)
	for _, mt := range v.imm {
		if r.done {
			break
		}
		mt.Get(key, r.add)
	}
	if !r.done {
		if err := v.ver.get(key, r.add); err != nil {
			return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
		}
	}

	value, found, err = s.fold(key, &r)
	if err == nil {
		s.metrics.RecordGet(found)
	}
	return value, found, err
}

func (s *Store) fold(key []byte, r *resolver) ([]byte, bool, error) {
	if len(r.operands) == 0 {
		if !r.hasBase {
			return nil, false, nil
		}
		return bytes.Clone(r.base), true, nil
	}

	slices.Reverse(r.operands)
	value, err := s.op.FullMerge(key, r.base, r.hasBase, r.operands)
	s.metrics.RecordFullMerge(err)
	if err != nil {
		return nil, false, fmt.Errorf("%w: key %q: %w", dberrors.ErrMergeFailed, key, err)
	}

	return bytes.Clone(value), true, nil
}

func (s *Store) GetString(key string) (string, bool, error) {
	value, found, err := s.Get([]byte(key))
	if err != nil || !found {
		return "", found, err
	}
	return string(value), true, nil
}

// Stats returns engine counters together with the current shape of the tree.
func (s *Store) Stats() metrics.Snapshot {
	snap := s.metrics.Snapshot()
	snap.LastSeqN = s.seqN.Val()
	snap.CacheHits, snap.CacheMisses = s.cache.Stats()

	v, err := s.acquireView()
	if err != nil {
		return snap
	}
	defer s.releaseView(v)

	snap.SealedMemtables = len(v.imm)
	for level := 0; level < len(v.ver.levels); level++ {
		snap.SegmentsByLevel = append(snap.SegmentsByLevel, v.ver.count(level))
		snap.BytesByLevel = append(snap.BytesByLevel, v.ver.levelSize(level))
	}

	return snap
}

// Close stops background work and releases files. Memtables that were not
// flushed stay in the WAL and are recovered by the next Open.
func (s *Store) Close() error {
	s.writeMu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.writeMu.Unlock()
		return nil
	}
	s.writeMu.Unlock()

	s.mu.Lock()
	if s.retry != nil {
		s.retry.Stop()
	}
	s.mu.Unlock()

	for _, job := range s.jobs {
		job.Stop()
	}

	err := s.jr.Close()

	s.mu.Lock()
	prev := s.cur
	s.cur = nil
	close(s.flushDone)
	s.flushDone = make(chan struct{})
	s.mu.Unlock()
	s.releaseView(prev)

	s.logger.Info("store closed")
	return err
}
