package iterator

import (
	"container/heap"

	"github.com/hashicorp/go-multierror"

	"xpdb/pkg/types"
)

// Merging performs an N-way merge of sorted children. Entries with equal
// key and sequence number are ordered by child position, earlier first.
type Merging struct {
	children []Iterator
	h        mergeHeap
	err      error
}

func NewMerging(children ...Iterator) *Merging {
	m := &Merging{children: children}
	m.h.children = children
	return m
}

func (m *Merging) First() {
	for _, c := range m.children {
		c.First()
	}
	m.rebuild()
}

func (m *Merging) Seek(target types.Key) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.rebuild()
}

func (m *Merging) Next() {
	if len(m.h.idx) == 0 {
		return
	}
	top := m.h.idx[0]
	m.children[top].Next()
	if m.children[top].Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := m.children[top].Err(); err != nil && m.err == nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

func (m *Merging) Valid() bool {
	return m.err == nil && len(m.h.idx) > 0
}

func (m *Merging) Entry() types.Entry {
	return m.children[m.h.idx[0]].Entry()
}

func (m *Merging) Err() error {
	return m.err
}

func (m *Merging) Close() error {
	var result *multierror.Error
	for _, c := range m.children {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Merging) rebuild() {
	m.err = nil
	m.h.idx = m.h.idx[:0]
	for i, c := range m.children {
		if c.Valid() {
			m.h.idx = append(m.h.idx, i)
			continue
		}
		if err := c.Err(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
}

type mergeHeap struct {
	children []Iterator
	idx      []int
}

func (h *mergeHeap) Len() int { return len(h.idx) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.idx[i], h.idx[j]
	if c := types.CompareEntries(h.children[a].Entry(), h.children[b].Entry()); c != 0 {
		return c < 0
	}
	return a < b
}

func (h *mergeHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *mergeHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *mergeHeap) Pop() any {
	n := len(h.idx)
	x := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return x
}
