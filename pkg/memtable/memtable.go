package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/iterator"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

// entryOverhead approximates the per-entry bookkeeping cost.
const entryOverhead = 32

// Item is one version of a user key.
type Item struct {
	Seq   types.SeqNum
	Kind  types.Kind
	Value []byte
}

// chain holds every version of a user key, newest first. Only the writer
// replaces the slice; readers load it atomically.
type chain struct {
	items atomic.Pointer[[]Item]
}

type concurrentSet = skipmap.FuncMap[[]byte, *chain]

// Memtable is the in-memory write buffer. It accepts a single writer and any
// number of concurrent readers. Entries are never removed.
type Memtable struct {
	set       *concurrentSet
	logNumber types.FileNum

	size    atomic.Int64
	count   atomic.Int64
	lastSeq atomic.Uint64
	frozen  atomic.Bool
}

// New creates an empty memtable whose contents are logged to the WAL segment
// logNumber.
func New(logNumber types.FileNum) *Memtable {
	return &Memtable{
		set: skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		logNumber: logNumber,
	}
}

// Add records a new version of ukey. Callers must serialize Add and must add
// sequence numbers in increasing order.
func (mt *Memtable) Add(seq types.SeqNum, kind types.Kind, ukey, value []byte) error {
	if mt.frozen.Load() {
		return dberrors.InvalidArgumentf("memtable: add to frozen memtable")
	}
	if !kind.Valid() {
		return dberrors.InvalidArgumentf("memtable: bad kind %d", kind)
	}

	item := Item{Seq: seq, Kind: kind}
	if kind == types.KindValue {
		item.Value = keys.Clone(value)
		if item.Value == nil {
			item.Value = []byte{}
		}
	}

	if ch, ok := mt.set.Load(ukey); ok {
		old := *ch.items.Load()
		next := make([]Item, 0, len(old)+1)
		next = append(next, item)
		next = append(next, old...)
		ch.items.Store(&next)
	} else {
		ch := &chain{}
		ch.items.Store(&[]Item{item})
		mt.set.Store(keys.Clone(ukey), ch)
	}

	mt.size.Add(int64(len(ukey) + len(value) + keys.TrailerLen + entryOverhead))
	mt.count.Add(1)
	mt.lastSeq.Store(uint64(seq))
	return nil
}

// Get returns the newest version of ukey visible at seq. found is false when
// the memtable holds no visible version; deleted reports a tombstone, which
// hides every older layer.
func (mt *Memtable) Get(ukey []byte, seq types.SeqNum) (value []byte, found, deleted bool) {
	ch, ok := mt.set.Load(ukey)
	if !ok {
		return nil, false, false
	}
	for _, item := range *ch.items.Load() {
		if item.Seq > seq {
			continue
		}
		if item.Kind == types.KindDeletion {
			return nil, true, true
		}
		return item.Value, true, false
	}
	return nil, false, false
}

// NewIterator returns an iterator over a point-in-time view of the memtable,
// yielding internal keys in order.
func (mt *Memtable) NewIterator() iterator.Iterator {
	kvs := make([]iterator.KV, 0, mt.count.Load())
	mt.set.Range(func(ukey []byte, ch *chain) bool {
		for _, item := range *ch.items.Load() {
			kvs = append(kvs, iterator.KV{
				Key:   keys.Make(ukey, item.Seq, item.Kind),
				Value: item.Value,
			})
		}
		return true
	})
	return iterator.NewSlice(keys.Compare, kvs)
}

// ApproximateSize returns the memory used by entries, in bytes.
func (mt *Memtable) ApproximateSize() int64 {
	return mt.size.Load()
}

// Count returns the number of entries added.
func (mt *Memtable) Count() int64 {
	return mt.count.Load()
}

// LastSequence returns the sequence number of the newest entry.
func (mt *Memtable) LastSequence() types.SeqNum {
	return types.SeqNum(mt.lastSeq.Load())
}

func (mt *Memtable) Empty() bool {
	return mt.count.Load() == 0
}

// Freeze makes the memtable read-only.
func (mt *Memtable) Freeze() {
	mt.frozen.Store(true)
}

func (mt *Memtable) Frozen() bool {
	return mt.frozen.Load()
}

// LogNumber returns the WAL segment holding this memtable's entries.
func (mt *Memtable) LogNumber() types.FileNum {
	return mt.logNumber
}
