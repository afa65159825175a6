package iterator

import "sort"

// KV is one entry of a slice iterator.
type KV struct {
	Key   []byte
	Value []byte
}

type sliceIter struct {
	cmp Compare
	kvs []KV
	pos int
}

// NewSlice iterates kvs, which must already be sorted by cmp.
func NewSlice(cmp Compare, kvs []KV) Iterator {
	return &sliceIter{cmp: cmp, kvs: kvs, pos: len(kvs)}
}

func (s *sliceIter) Seek(target []byte) {
	s.pos = sort.Search(len(s.kvs), func(i int) bool {
		return s.cmp(s.kvs[i].Key, target) >= 0
	})
}

func (s *sliceIter) First() { s.pos = 0 }

func (s *sliceIter) Next() {
	if s.pos < len(s.kvs) {
		s.pos++
	}
}

func (s *sliceIter) Valid() bool   { return s.pos < len(s.kvs) }
func (s *sliceIter) Key() []byte   { return s.kvs[s.pos].Key }
func (s *sliceIter) Value() []byte { return s.kvs[s.pos].Value }
func (s *sliceIter) Error() error  { return nil }
func (s *sliceIter) Close() error  { return nil }
