package snapshot

import (
	"container/list"
	"sync"

	"embeddb/pkg/types"
)

// Snapshot provides a consistent view of the database at a given sequence.
type Snapshot struct {
	seq  types.SeqNum
	list *List
	elem *list.Element
}

// Sequence returns the read sequence number.
func (s *Snapshot) Sequence() types.SeqNum {
	return s.seq
}

// Close releases the snapshot. Closing twice is a no-op.
func (s *Snapshot) Close() error {
	s.list.release(s)
	return nil
}

// List tracks live snapshots in creation order. Sequence numbers never
// decrease, so the front of the list is the oldest.
type List struct {
	mu    sync.Mutex
	items *list.List
}

func NewList() *List {
	return &List{items: list.New()}
}

// New registers a snapshot pinned at seq.
func (l *List) New(seq types.SeqNum) *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &Snapshot{seq: seq, list: l}
	s.elem = l.items.PushBack(s)
	return s
}

func (l *List) release(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.elem == nil {
		return
	}
	l.items.Remove(s.elem)
	s.elem = nil
}

// Oldest returns the sequence of the oldest live snapshot, or def when there
// are none.
func (l *List) Oldest(def types.SeqNum) types.SeqNum {
	l.mu.Lock()
	defer l.mu.Unlock()

	if front := l.items.Front(); front != nil {
		return front.Value.(*Snapshot).seq
	}
	return def
}

// Len returns the number of live snapshots.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items.Len()
}

// Owns reports whether s was created by l and is still live.
func (l *List) Owns(s *Snapshot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return s != nil && s.list == l && s.elem != nil
}
