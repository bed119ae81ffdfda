package iterator

import (
	"container/heap"
	"errors"

	"mergedb/pkg/types"
)

// Merging performs a k-way merge of sorted inputs. Sequence numbers are unique
// across inputs, so the output is a single strictly ordered stream.
type Merging struct {
	inputs []Iterator
	h      iterHeap
	err    error
}

func NewMerging(inputs ...Iterator) *Merging {
	return &Merging{inputs: inputs}
}

func (m *Merging) First() {
	m.h = m.h[:0]
	for _, in := range m.inputs {
		in.First()
		m.push(in)
	}
	heap.Init(&m.h)
}

func (m *Merging) push(in Iterator) {
	if in.Valid() {
		m.h = append(m.h, in)
		return
	}
	if err := in.Err(); err != nil && m.err == nil {
		m.err = err
	}
}

func (m *Merging) Next() {
	if len(m.h) == 0 {
		return
	}

	top := m.h[0]
	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.Err(); err != nil && m.err == nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

// Valid is false once inputs are exhausted or any input failed.
func (m *Merging) Valid() bool {
	return m.err == nil && len(m.h) > 0
}

func (m *Merging) Record() types.Record {
	return m.h[0].Record()
}

func (m *Merging) Err() error {
	return m.err
}

func (m *Merging) Close() error {
	var errs []error
	for _, in := range m.inputs {
		errs = append(errs, in.Close())
	}
	return errors.Join(errs...)
}

type iterHeap []Iterator

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	return types.Compare(h[i].Record(), h[j].Record()) < 0
}
func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x any)   { *h = append(*h, x.(Iterator)) }
func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
