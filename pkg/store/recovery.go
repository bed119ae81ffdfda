package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mergedb/pkg/dberrors"
	"mergedb/pkg/memtable"
	"mergedb/pkg/persistence"
	"mergedb/pkg/types"
	"mergedb/pkg/wal"
)

// recover rebuilds the in-memory state from the manifest, segment files and
// WAL files left by a previous process.
func (s *Store) recover(ctx context.Context) error {
	exists, err := s.manifest.Load()
	if err != nil {
		return err
	}
	if !exists {
		if err := s.manifest.Create(s.op.Name()); err != nil {
			return err
		}
		s.logger.Info("created new database", "db_id", s.manifest.DBID())
	} else if name := s.manifest.Operator(); name != s.op.Name() {
		return fmt.Errorf("%w: database uses %q, got %q", ErrOperatorMismatch, name, s.op.Name())
	}

	segs, err := s.openSegments()
	if err != nil {
		return err
	}

	base := newVersion(s.cfg.Compaction.MaxLevels, s.logger)
	ver := base.apply(segs, nil)
	base.unref()

	var maxSeq types.SeqN
	for _, seg := range segs {
		maxSeq = max(maxSeq, seg.Meta().MaxSeq)
	}
	s.seqN.Advance(max(maxSeq, s.manifest.PersistentID()))

	s.mem = memtable.New(s.jr.Current(), uint64(s.cfg.Memtable.FlushThresholdBytes))
	s.cur = &view{mem: s.mem, ver: ver}
	s.cur.refs.Store(1)

	return s.replayWAL(ctx)
}

func (s *Store) openSegments() ([]*persistence.Segment, error) {
	live := make(map[uint64]struct{})
	var segs []*persistence.Segment

	for level, metas := range s.manifest.GetAllTables() {
		if level < 0 || level >= s.cfg.Compaction.MaxLevels {
			releaseSegments(segs)
			return nil, fmt.Errorf("%w: segment level %d beyond max_levels %d",
				dberrors.ErrInvalidArgument, level, s.cfg.Compaction.MaxLevels)
		}
		for _, m := range metas {
			seg, err := persistence.Open(s.dir, m, s.cache)
			if err != nil {
				releaseSegments(segs)
				return nil, err
			}
			segs = append(segs, seg)
			live[m.ID] = struct{}{}
		}
	}

	if err := s.removeOrphans(live); err != nil {
		releaseSegments(segs)
		return nil, err
	}

	return segs, nil
}

// removeOrphans deletes segment files the manifest does not know about. They
// are outputs of a flush or compaction that crashed before being recorded.
func (s *Store) removeOrphans(live map[uint64]struct{}) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: failed to list data directory: %w", dberrors.ErrIO, err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sst") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
		if err != nil {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}

		s.logger.Warn("removing orphaned segment", "file", name)
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return fmt.Errorf("%w: failed to remove orphaned segment: %w", dberrors.ErrIO, err)
		}
	}

	return nil
}

// replayWAL loads records newer than the last flush from the WAL files of the
// previous process, writes them to segments and removes the files.
func (s *Store) replayWAL(ctx context.Context) error {
	stale := s.jr.Stale()
	if len(stale) == 0 {
		return nil
	}

	threshold := uint64(s.cfg.Memtable.FlushThresholdBytes)
	mt := memtable.New(0, math.MaxUint64)
	replayed := 0

	err := s.jr.Replay(stale, s.manifest.PersistentID()+1, func(e wal.Entry) error {
		s.seqN.Advance(e.SeqNum)
		err := mt.Insert(types.Record{
			Key:   e.Key,
			Value: e.Value,
			SeqN:  e.SeqNum,
			Kind:  e.Kind,
		})
		if err != nil {
			return err
		}
		replayed++

		if mt.ApproximateSize() >= threshold {
			if err := s.flushMemtable(ctx, mt); err != nil {
				return err
			}
			mt = memtable.New(0, math.MaxUint64)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	if !mt.Empty() {
		if err := s.flushMemtable(ctx, mt); err != nil {
			return fmt.Errorf("failed to flush recovered records: %w", err)
		}
	}

	for _, num := range stale {
		if err := s.jr.Remove(num); err != nil {
			return fmt.Errorf("%w: %w", dberrors.ErrIO, err)
		}
	}

	s.logger.Info("recovered from WAL", "files", len(stale), "records", replayed, "last_seq", s.seqN.Val())
	return nil
}
