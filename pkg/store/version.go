package store

import (
	"bytes"
	"cmp"
	"log/slog"
	"slices"
	"sync/atomic"

	"mergedb/pkg/persistence"
	"mergedb/pkg/types"

	"github.com/google/btree"
)

const btreeDegree = 8

type levelItem struct {
	minKey []byte
	seg    *persistence.Segment
}

func levelLess(a, b levelItem) bool {
	return bytes.Compare(a.minKey, b.minKey) < 0
}

// version is an immutable segment set. Each version holds one reference on
// every segment it contains and drops them when it is released.
type version struct {
	// newest first
	l0 []*persistence.Segment
	// levels[0] is unused, deeper levels hold disjoint segments ordered by min key
	levels []*btree.BTreeG[levelItem]

	refs   atomic.Int32
	logger *slog.Logger
}

func newVersion(maxLevels int, logger *slog.Logger) *version {
	v := &version{
		levels: make([]*btree.BTreeG[levelItem], maxLevels),
		logger: logger,
	}
	for i := 1; i < maxLevels; i++ {
		v.levels[i] = btree.NewG(btreeDegree, levelLess)
	}
	v.refs.Store(1)
	return v
}

func (v *version) ref() {
	v.refs.Add(1)
}

func (v *version) unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, seg := range v.segments() {
		if err := seg.Unref(); err != nil {
			v.logger.Warn("failed to release segment", "segment", seg.ID(), "error", err)
		}
	}
}

// apply returns a new version with deleted removed and added inserted.
func (v *version) apply(added []*persistence.Segment, deleted []persistence.Meta) *version {
	next := &version{
		l0:     slices.Clone(v.l0),
		levels: make([]*btree.BTreeG[levelItem], len(v.levels)),
		logger: v.logger,
	}
	for i := 1; i < len(v.levels); i++ {
		next.levels[i] = v.levels[i].Clone()
	}
	next.refs.Store(1)

	for _, m := range deleted {
		if m.Level == 0 {
			next.l0 = slices.DeleteFunc(next.l0, func(s *persistence.Segment) bool { return s.ID() == m.ID })
			continue
		}
		next.levels[m.Level].Delete(levelItem{minKey: m.MinKey})
	}
	for _, seg := range added {
		m := seg.Meta()
		if m.Level == 0 {
			next.l0 = append(next.l0, seg)
			continue
		}
		next.levels[m.Level].ReplaceOrInsert(levelItem{minKey: m.MinKey, seg: seg})
	}
	slices.SortFunc(next.l0, func(a, b *persistence.Segment) int {
		return cmp.Compare(b.ID(), a.ID())
	})

	for _, seg := range next.segments() {
		seg.Ref()
	}

	return next
}

// segments lists every segment, L0 first.
func (v *version) segments() []*persistence.Segment {
	out := slices.Clone(v.l0)
	for i := 1; i < len(v.levels); i++ {
		v.levels[i].Ascend(func(it levelItem) bool {
			out = append(out, it.seg)
			return true
		})
	}
	return out
}

// get calls fn with the records of key stored in segments, newest first,
// until fn returns false.
func (v *version) get(key []byte, fn func(types.Record) bool) error {
	stopped := false
	visit := func(r types.Record) bool {
		if !fn(r) {
			stopped = true
			return false
		}
		return true
	}

	for _, seg := range v.l0 {
		if err := seg.Get(key, visit); err != nil || stopped {
			return err
		}
	}
	for level := 1; level < len(v.levels); level++ {
		seg := v.find(level, key)
		if seg == nil {
			continue
		}
		if err := seg.Get(key, visit); err != nil || stopped {
			return err
		}
	}

	return nil
}

// find returns the only segment of level that may hold key.
func (v *version) find(level int, key []byte) *persistence.Segment {
	var seg *persistence.Segment
	v.levels[level].DescendLessOrEqual(levelItem{minKey: key}, func(it levelItem) bool {
		seg = it.seg
		return false
	})
	if seg == nil || bytes.Compare(key, seg.Meta().MaxKey) > 0 {
		return nil
	}
	return seg
}

// overlapping returns the segments of level intersecting [start, end].
func (v *version) overlapping(level int, start, end []byte) []*persistence.Segment {
	var out []*persistence.Segment
	if level == 0 {
		for _, seg := range v.l0 {
			if seg.Meta().Overlaps(start, end) {
				out = append(out, seg)
			}
		}
		return out
	}

	v.levels[level].Ascend(func(it levelItem) bool {
		if end != nil && bytes.Compare(it.minKey, end) > 0 {
			return false
		}
		if it.seg.Meta().Overlaps(start, end) {
			out = append(out, it.seg)
		}
		return true
	})
	return out
}

func (v *version) count(level int) int {
	if level == 0 {
		return len(v.l0)
	}
	return v.levels[level].Len()
}

func (v *version) levelSize(level int) int64 {
	var size int64
	if level == 0 {
		for _, seg := range v.l0 {
			size += seg.Meta().Size
		}
		return size
	}
	v.levels[level].Ascend(func(it levelItem) bool {
		size += it.seg.Meta().Size
		return true
	})
	return size
}

// deepest is the deepest level holding segments, -1 when there are none.
func (v *version) deepest() int {
	for level := len(v.levels) - 1; level >= 1; level-- {
		if v.levels[level].Len() > 0 {
			return level
		}
	}
	if len(v.l0) > 0 {
		return 0
	}
	return -1
}

// contains reports whether every segment is still part of v.
func (v *version) contains(segs []*persistence.Segment) bool {
	for _, seg := range segs {
		m := seg.Meta()
		if m.Level == 0 {
			if !slices.Contains(v.l0, seg) {
				return false
			}
			continue
		}
		it, ok := v.levels[m.Level].Get(levelItem{minKey: m.MinKey})
		if !ok || it.seg != seg {
			return false
		}
	}
	return true
}
