package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"mergedb/pkg/dberrors"
	"mergedb/pkg/memtable"
	"mergedb/pkg/persistence"
)

func (s *Store) scheduleFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Flush seals the active memtable if it holds data and waits until every
// memtable sealed so far is written to a segment.
func (s *Store) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return dberrors.ErrClosed
	}
	if !s.mem.Empty() {
		if err := s.sealLocked(); err != nil {
			s.writeMu.Unlock()
			return err
		}
	}
	s.writeMu.Unlock()

	s.mu.Lock()
	if s.cur == nil {
		s.mu.Unlock()
		return dberrors.ErrClosed
	}
	targets := slices.Clone(s.cur.imm)
	gen := s.flushErrGen
	s.mu.Unlock()

	return s.waitFlushed(ctx, targets, gen)
}

func (s *Store) waitFlushed(ctx context.Context, targets []*memtable.Memtable, gen uint64) error {
	for {
		s.mu.Lock()
		if s.cur == nil {
			s.mu.Unlock()
			return dberrors.ErrClosed
		}
		pending := slices.ContainsFunc(s.cur.imm, func(mt *memtable.Memtable) bool {
			return slices.Contains(targets, mt)
		})
		done, errGen, flushErr := s.flushDone, s.flushErrGen, s.flushErr
		s.mu.Unlock()

		if !pending {
			return nil
		}
		if errGen > gen {
			return fmt.Errorf("flush failed: %w", flushErr)
		}

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyFlushLocked wakes Flush waiters. The caller holds mu.
func (s *Store) notifyFlushLocked(err error) {
	if err != nil {
		s.flushErr = err
		s.flushErrGen++
	}
	close(s.flushDone)
	s.flushDone = make(chan struct{})
}

// flushPending writes sealed memtables oldest first until none are left.
func (s *Store) flushPending(ctx context.Context, _ struct{}) error {
	for {
		s.mu.Lock()
		if s.cur == nil || len(s.cur.imm) == 0 {
			s.mu.Unlock()
			return nil
		}
		oldest := s.cur.imm[len(s.cur.imm)-1]
		s.mu.Unlock()

		if err := s.flushMemtable(ctx, oldest); err != nil {
			return err
		}
	}
}

func (s *Store) onFlushError(_ struct{}, err error) {
	// Close cancels the job; the memtable stays in the WAL for the next Open
	if s.closed.Load() && (errors.Is(err, context.Canceled) || errors.Is(err, dberrors.ErrClosed)) {
		s.logger.Debug("memtable flush interrupted by close", "error", err)
		return
	}
	s.logger.Error("memtable flush failed", "error", err, "retry_in", s.cfg.FlushRetryInterval)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil {
		s.notifyFlushLocked(err)
	}
	if s.closed.Load() {
		return
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(s.cfg.FlushRetryInterval, s.scheduleFlush)
}

// flushMemtable writes mt into a new L0 segment and installs it. mt stays
// readable from the view until the segment is visible.
func (s *Store) flushMemtable(ctx context.Context, mt *memtable.Memtable) error {
	started := time.Now()

	var added []*persistence.Segment
	if !mt.Empty() {
		seg, err := s.writeL0(ctx, mt)
		if err != nil {
			s.metrics.RecordFlush(0, err)
			return err
		}
		added = append(added, seg)
	}

	edit := persistence.VersionEdit{PersistentID: mt.MaxSeq()}
	for _, seg := range added {
		edit.Added = append(edit.Added, seg.Meta())
	}

	s.editMu.Lock()
	if err := s.manifest.Apply(edit); err != nil {
		s.editMu.Unlock()
		discardSegments(added)
		s.metrics.RecordFlush(0, err)
		return fmt.Errorf("failed to record flush: %w", err)
	}

	s.mu.Lock()
	if s.cur == nil {
		s.mu.Unlock()
		s.editMu.Unlock()
		releaseSegments(added)
		return dberrors.ErrClosed
	}
	next := &view{
		mem: s.cur.mem,
		imm: slices.DeleteFunc(slices.Clone(s.cur.imm), func(m *memtable.Memtable) bool { return m == mt }),
		ver: s.cur.ver.apply(added, nil),
	}
	prev := s.swapLocked(next)
	s.notifyFlushLocked(nil)
	needCompaction := s.needsCompaction(next.ver)
	s.mu.Unlock()
	s.editMu.Unlock()

	s.releaseView(prev)

	if mt.LogNum() != 0 {
		if err := s.jr.Remove(mt.LogNum()); err != nil {
			s.logger.Warn("failed to remove flushed WAL file", "wal", mt.LogNum(), "error", err)
		}
	}

	var size int64
	for _, seg := range added {
		size += seg.Meta().Size
	}
	s.metrics.RecordFlush(size, nil)
	s.logger.Info("memtable flushed",
		"records", mt.Len(),
		"bytes", size,
		"persistent_seq", mt.MaxSeq(),
		"duration", time.Since(started),
	)

	if needCompaction {
		s.scheduleCompaction()
	}

	return nil
}

func (s *Store) writeL0(ctx context.Context, mt *memtable.Memtable) (*persistence.Segment, error) {
	records := mt.Sorted()

	opts := s.wopts
	opts.ExpectedKeys = uint(len(records))

	id := s.manifest.GetNextTableID()
	w, err := persistence.NewWriter(s.dir, id, 0, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}

	for i, rec := range records {
		if i%1024 == 0 && ctx.Err() != nil {
			_ = w.Abort()
			return nil, ctx.Err()
		}
		if err := w.Add(rec); err != nil {
			_ = w.Abort()
			return nil, fmt.Errorf("failed to write segment %d: %w", id, err)
		}
	}

	meta, err := w.Finish()
	if err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}

	seg, err := persistence.Open(s.dir, meta, s.cache)
	if err != nil {
		_ = w.Abort()
		return nil, err
	}

	return seg, nil
}

// releaseSegments closes segments that no version references.
func releaseSegments(segs []*persistence.Segment) {
	for _, seg := range segs {
		seg.Ref()
		_ = seg.Unref()
	}
}

// discardSegments closes and deletes segments that never became visible.
func discardSegments(segs []*persistence.Segment) {
	for _, seg := range segs {
		seg.MarkObsolete()
	}
	releaseSegments(segs)
}
