package iterator

import (
	"container/heap"
	"errors"
)

// mergingIter yields the union of its children in cmp order. Children that
// hold equal keys are emitted in child order, so callers pass the newest
// source first.
type mergingIter struct {
	cmp      Compare
	children []Iterator
	h        childHeap
	err      error
}

// NewMerging merges children into one ordered stream. The merging iterator
// owns the children and closes them on Close.
func NewMerging(cmp Compare, children ...Iterator) Iterator {
	m := &mergingIter{cmp: cmp, children: children}
	m.h.cmp = cmp
	return m
}

type childHeap struct {
	cmp   Compare
	items []heapItem
}

type heapItem struct {
	it    Iterator
	index int
}

func (h *childHeap) Len() int { return len(h.items) }

func (h *childHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := h.cmp(a.it.Key(), b.it.Key()); c != 0 {
		return c < 0
	}
	return a.index < b.index
}

func (h *childHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *childHeap) Push(x any) { h.items = append(h.items, x.(heapItem)) }

func (h *childHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

func (m *mergingIter) rebuild() {
	m.h.items = m.h.items[:0]
	m.err = nil
	for i, c := range m.children {
		if c.Valid() {
			m.h.items = append(m.h.items, heapItem{it: c, index: i})
		} else if err := c.Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
}

func (m *mergingIter) Seek(target []byte) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.rebuild()
}

func (m *mergingIter) First() {
	for _, c := range m.children {
		c.First()
	}
	m.rebuild()
}

func (m *mergingIter) Next() {
	if !m.Valid() {
		return
	}
	top := m.h.items[0].it
	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.Error(); err != nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

func (m *mergingIter) Valid() bool {
	return m.err == nil && len(m.h.items) > 0
}

func (m *mergingIter) Key() []byte   { return m.h.items[0].it.Key() }
func (m *mergingIter) Value() []byte { return m.h.items[0].it.Value() }
func (m *mergingIter) Error() error  { return m.err }

func (m *mergingIter) Close() error {
	var errs []error
	for _, c := range m.children {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.h.items = nil
	return errors.Join(errs...)
}
