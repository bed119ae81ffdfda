package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"mergedb/pkg/dberrors"
	"mergedb/pkg/iterator"
	"mergedb/pkg/merge"
	"mergedb/pkg/persistence"
	"mergedb/pkg/types"

	"github.com/google/uuid"
)

var (
	errCompactionConflict = errors.New("compaction inputs are no longer live")
)

type compaction struct {
	id     string
	level  int
	target int
	// inputs from level first, then the overlapping segments of target
	inputs     []*persistence.Segment
	bottommost bool
}

func (s *Store) scheduleCompaction() {
	select {
	case s.compactCh <- struct{}{}:
	default:
	}
}

func (s *Store) maxLevelBytes(level int) int64 {
	size := s.cfg.Compaction.BaseLevelBytes
	for i := 1; i < level; i++ {
		size *= int64(s.cfg.Compaction.SizeMultiplier)
	}
	return size
}

func (s *Store) needsCompaction(v *version) bool {
	if v.count(0) >= s.cfg.Compaction.L0Trigger {
		return true
	}
	for level := 1; level < len(v.levels)-1; level++ {
		if v.levelSize(level) > s.maxLevelBytes(level) {
			return true
		}
	}
	return false
}

// pickCompaction chooses the next compaction under the leveled policy, or nil.
// The caller holds compactMu.
func (s *Store) pickCompaction(v *version) *compaction {
	if v.count(0) >= s.cfg.Compaction.L0Trigger {
		return s.newCompaction(v, 0, v.l0)
	}

	for level := 1; level < len(v.levels)-1; level++ {
		if v.levelSize(level) <= s.maxLevelBytes(level) {
			continue
		}
		return s.newCompaction(v, level, []*persistence.Segment{s.nextInLevel(v, level)})
	}

	return nil
}

// nextInLevel picks segments of a level round robin by key.
func (s *Store) nextInLevel(v *version, level int) *persistence.Segment {
	var seg *persistence.Segment
	if cursor := s.cursors[level]; cursor != nil {
		v.levels[level].AscendGreaterOrEqual(levelItem{minKey: cursor}, func(it levelItem) bool {
			if bytes.Compare(it.minKey, cursor) > 0 {
				seg = it.seg
				return false
			}
			return true
		})
	}
	if seg == nil {
		it, _ := v.levels[level].Min()
		seg = it.seg
	}
	s.cursors[level] = bytes.Clone(seg.Meta().MaxKey)
	return seg
}

func keyRange(segs []*persistence.Segment) (start, end []byte) {
	for i, seg := range segs {
		m := seg.Meta()
		if i == 0 || bytes.Compare(m.MinKey, start) < 0 {
			start = m.MinKey
		}
		if i == 0 || bytes.Compare(m.MaxKey, end) > 0 {
			end = m.MaxKey
		}
	}
	return start, end
}

func (s *Store) newCompaction(v *version, level int, inputs []*persistence.Segment) *compaction {
	c := &compaction{
		id:         uuid.NewString(),
		level:      level,
		target:     level + 1,
		bottommost: true,
	}

	start, end := keyRange(inputs)
	overlap := v.overlapping(c.target, start, end)
	c.inputs = append(append(c.inputs, inputs...), overlap...)

	start, end = keyRange(c.inputs)
	for deeper := c.target + 1; deeper < len(v.levels); deeper++ {
		if len(v.overlapping(deeper, start, end)) > 0 {
			c.bottommost = false
			break
		}
	}

	return c
}

// compactPending runs picked compactions until the tree is in shape.
func (s *Store) compactPending(ctx context.Context, _ struct{}) error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	for ctx.Err() == nil {
		v, err := s.acquireView()
		if err != nil {
			return nil
		}

		c := s.pickCompaction(v.ver)
		if c == nil {
			s.releaseView(v)
			return nil
		}
		err = s.runCompaction(ctx, c)
		s.releaseView(v)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) onCompactionError(_ struct{}, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, dberrors.ErrClosed) {
		return
	}
	s.logger.Error("compaction failed", "error", err)
}

// CompactRange flushes memtables and then compacts every level overlapping
// [start, end] down to the deepest populated level. Nil bounds are open.
func (s *Store) CompactRange(ctx context.Context, start, end []byte) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	for level := 0; ; level++ {
		v, err := s.acquireView()
		if err != nil {
			return err
		}

		deepest := v.ver.deepest()
		if deepest < 0 || level >= max(deepest, 1) || level >= len(v.ver.levels)-1 {
			s.releaseView(v)
			return nil
		}

		var inputs []*persistence.Segment
		if level == 0 {
			// L0 segments overlap each other, so they move down together
			if len(v.ver.overlapping(0, start, end)) > 0 {
				inputs = v.ver.l0
			}
		} else {
			inputs = v.ver.overlapping(level, start, end)
		}

		if len(inputs) > 0 {
			err = s.runCompaction(ctx, s.newCompaction(v.ver, level, inputs))
		}
		s.releaseView(v)
		if err != nil {
			return err
		}
	}
}

// runCompaction merges the inputs into new segments at the target level and
// installs them. The caller holds compactMu and a view containing the inputs.
func (s *Store) runCompaction(ctx context.Context, c *compaction) error {
	started := time.Now()
	log := s.logger.With("compaction", c.id)
	log.Info("compaction started",
		"level", c.level,
		"target", c.target,
		"inputs", len(c.inputs),
		"bottommost", c.bottommost,
	)

	metas, err := s.writeCompaction(ctx, c)
	if err != nil {
		s.metrics.RecordCompaction(0, err)
		return fmt.Errorf("compaction %s: %w", c.id, err)
	}
	if err := s.installCompaction(c, metas); err != nil {
		s.metrics.RecordCompaction(0, err)
		return fmt.Errorf("compaction %s: %w", c.id, err)
	}

	var in, out int64
	for _, seg := range c.inputs {
		in += seg.Meta().Size
	}
	for _, m := range metas {
		out += m.Size
	}
	s.metrics.RecordCompaction(out, nil)
	log.Info("compaction finished",
		"outputs", len(metas),
		"bytes_in", in,
		"bytes_out", out,
		"duration", time.Since(started),
	)

	return nil
}

func (s *Store) writeCompaction(ctx context.Context, c *compaction) ([]persistence.Meta, error) {
	iters := make([]iterator.Iterator, 0, len(c.inputs))
	var expected uint
	for _, seg := range c.inputs {
		iters = append(iters, seg.NewIterator())
		expected += uint(seg.Meta().Count)
	}
	it := iterator.NewMerging(iters...)
	defer it.Close()

	opts := s.wopts
	opts.ExpectedKeys = expected
	out := &outputs{
		s:      s,
		level:  c.target,
		target: s.cfg.Persistence.SSTable.TargetSize,
		opts:   opts,
	}

	var (
		group []types.Record
		n     int
	)
	for it.First(); it.Valid(); it.Next() {
		rec := it.Record()
		if len(group) > 0 && !bytes.Equal(group[0].Key, rec.Key) {
			if err := out.add(s.collapse(c, group)); err != nil {
				out.abort()
				return nil, err
			}
			group = group[:0]
		}
		group = append(group, rec)

		if n++; n%1024 == 0 && ctx.Err() != nil {
			out.abort()
			return nil, ctx.Err()
		}
	}
	if err := it.Err(); err != nil {
		out.abort()
		return nil, err
	}
	if err := out.add(s.collapse(c, group)); err != nil {
		out.abort()
		return nil, err
	}

	return out.finish()
}

// collapse rewrites the records of one key, newest first. Records below the
// newest Put or Delete are dropped, merge chains are folded as far as the
// compaction's position in the tree allows.
func (s *Store) collapse(c *compaction, recs []types.Record) []types.Record {
	if len(recs) == 0 {
		return nil
	}
	key := recs[0].Key

	i := 0
	for i < len(recs) && recs[i].Kind == types.KindMerge {
		i++
	}
	chain := recs[:i]

	if i < len(recs) {
		base := recs[i]
		if len(chain) == 0 {
			if base.Kind == types.KindDelete && c.bottommost {
				return nil
			}
			return recs[:1]
		}
		return s.fullMerge(key, chain, base.Value, base.Kind == types.KindPut, recs[:i+1])
	}

	if c.bottommost {
		return s.fullMerge(key, chain, nil, false, chain)
	}
	return s.partialMerge(key, chain)
}

// fullMerge folds chain onto the base into one Put carrying the newest
// operand's sequence number. On failure raw is kept as is.
func (s *Store) fullMerge(key []byte, chain []types.Record, base []byte, hasBase bool, raw []types.Record) []types.Record {
	operands := make([][]byte, len(chain))
	for j, rec := range chain {
		operands[len(chain)-1-j] = rec.Value
	}

	value, err := s.op.FullMerge(key, base, hasBase, operands)
	s.metrics.RecordFullMerge(err)
	if err != nil {
		s.logger.Warn("merge failed during compaction, keeping operands",
			"key", key,
			"operands", len(chain),
			"error", err,
		)
		return raw
	}

	return []types.Record{{Key: key, Value: value, SeqN: chain[0].SeqN, Kind: types.KindPut}}
}

// partialMerge combines adjacent operands of a chain whose base lives in a
// deeper level. Each result keeps the sequence number of the newest operand
// it absorbed.
func (s *Store) partialMerge(key []byte, chain []types.Record) []types.Record {
	if len(chain) < 2 {
		return chain
	}

	operands := make([][]byte, len(chain))
	for j, rec := range chain {
		operands[len(chain)-1-j] = rec.Value
	}

	reduced, last := merge.ReduceGroups(s.op, key, operands)
	s.metrics.RecordPartialMerges(len(operands)-len(reduced), len(reduced)-1)

	out := make([]types.Record, len(reduced))
	for j := range reduced {
		// operands are oldest first, chain is newest first
		newest := chain[len(chain)-1-last[j]]
		out[len(reduced)-1-j] = types.Record{Key: key, Value: reduced[j], SeqN: newest.SeqN, Kind: types.KindMerge}
	}
	return out
}

func (s *Store) installCompaction(c *compaction, metas []persistence.Meta) error {
	segs := make([]*persistence.Segment, 0, len(metas))
	for _, m := range metas {
		seg, err := persistence.Open(s.dir, m, s.cache)
		if err != nil {
			discardSegments(segs)
			removeSegmentFiles(s.dir, metas[len(segs):])
			return err
		}
		segs = append(segs, seg)
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	s.mu.Lock()
	live := s.cur != nil && s.cur.ver.contains(c.inputs)
	s.mu.Unlock()
	if !live {
		discardSegments(segs)
		return errCompactionConflict
	}

	edit := persistence.VersionEdit{Added: metas}
	deleted := make([]persistence.Meta, 0, len(c.inputs))
	for _, seg := range c.inputs {
		deleted = append(deleted, seg.Meta())
		edit.Deleted = append(edit.Deleted, seg.ID())
	}
	if err := s.manifest.Apply(edit); err != nil {
		discardSegments(segs)
		return fmt.Errorf("failed to record compaction: %w", err)
	}
	for _, seg := range c.inputs {
		seg.MarkObsolete()
	}

	s.mu.Lock()
	next := &view{
		mem: s.cur.mem,
		imm: s.cur.imm,
		ver: s.cur.ver.apply(segs, deleted),
	}
	prev := s.swapLocked(next)
	s.mu.Unlock()

	s.releaseView(prev)
	return nil
}

// outputs writes compaction results, cutting a new segment once the current
// one reaches the target size. A key never spans two outputs.
type outputs struct {
	s      *Store
	level  int
	target int64
	opts   persistence.WriterOptions

	w     *persistence.Writer
	metas []persistence.Meta
}

func (o *outputs) add(recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	if o.w == nil {
		id := o.s.manifest.GetNextTableID()
		w, err := persistence.NewWriter(o.s.dir, id, o.level, o.opts)
		if err != nil {
			return fmt.Errorf("%w: %w", dberrors.ErrIO, err)
		}
		o.w = w
	}

	for _, rec := range recs {
		if err := o.w.Add(rec); err != nil {
			return err
		}
	}

	if o.w.EstimatedSize() >= o.target {
		return o.cut()
	}
	return nil
}

func (o *outputs) cut() error {
	w := o.w
	o.w = nil

	meta, err := w.Finish()
	if err != nil {
		_ = w.Abort()
		return fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}
	o.metas = append(o.metas, meta)
	return nil
}

func (o *outputs) finish() ([]persistence.Meta, error) {
	if o.w != nil {
		if err := o.cut(); err != nil {
			o.abort()
			return nil, err
		}
	}
	return o.metas, nil
}

func (o *outputs) abort() {
	if o.w != nil {
		_ = o.w.Abort()
		o.w = nil
	}
	removeSegmentFiles(o.s.dir, o.metas)
	o.metas = nil
}

func removeSegmentFiles(dir string, metas []persistence.Meta) {
	for _, m := range metas {
		_ = os.Remove(persistence.SegmentPath(dir, m.ID))
	}
}
