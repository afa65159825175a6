// Package batch implements the write batch: a group of mutations applied
// atomically and logged as one WAL record.
//
//	seq (u64 LE) | count (u32 LE) | record...
//	record: kind (1) | varint klen | key [| varint vlen | value]
//
// The value part is present for KindValue only.
package batch

import (
	"encoding/binary"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/types"
)

// HeaderLen is the size of the sequence and count prefix.
const HeaderLen = 12

// Batch groups multiple mutations atomically. The zero value is an empty
// batch ready to use.
type Batch struct {
	data []byte
}

// New returns an empty batch.
func New() *Batch {
	return &Batch{data: make([]byte, HeaderLen)}
}

func (b *Batch) init() {
	if len(b.data) < HeaderLen {
		b.data = make([]byte, HeaderLen, 64)
	}
}

// Put records a write of value under key.
func (b *Batch) Put(key types.Key, value types.Value) {
	b.init()
	b.data = append(b.data, byte(types.KindValue))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	b.data = binary.AppendUvarint(b.data, uint64(len(value)))
	b.data = append(b.data, value...)
	b.setCount(b.Count() + 1)
}

// Delete records a tombstone for key.
func (b *Batch) Delete(key types.Key) {
	b.init()
	b.data = append(b.data, byte(types.KindDeletion))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	b.setCount(b.Count() + 1)
}

// Clear drops all mutations.
func (b *Batch) Clear() {
	b.init()
	b.data = b.data[:HeaderLen]
	clear(b.data)
}

// Count returns the number of mutations in the batch.
func (b *Batch) Count() int {
	if len(b.data) < HeaderLen {
		return 0
	}
	return int(binary.LittleEndian.Uint32(b.data[8:12]))
}

func (b *Batch) setCount(n int) {
	binary.LittleEndian.PutUint32(b.data[8:12], uint32(n))
}

// Sequence returns the sequence number of the first mutation.
func (b *Batch) Sequence() types.SeqNum {
	if len(b.data) < HeaderLen {
		return 0
	}
	return types.SeqNum(binary.LittleEndian.Uint64(b.data[:8]))
}

// SetSequence assigns the sequence number of the first mutation. Mutation i
// gets Sequence()+i.
func (b *Batch) SetSequence(seq types.SeqNum) {
	b.init()
	binary.LittleEndian.PutUint64(b.data[:8], uint64(seq))
}

// Contents returns the encoded batch. The slice aliases the batch.
func (b *Batch) Contents() []byte {
	b.init()
	return b.data
}

// Size returns the encoded size in bytes.
func (b *Batch) Size() int {
	return max(len(b.data), HeaderLen)
}

// Empty reports whether the batch has no mutations.
func (b *Batch) Empty() bool {
	return b.Count() == 0
}

// SetContents replaces the batch with an encoded batch read from a log. The
// encoding is validated up front.
func (b *Batch) SetContents(data []byte) error {
	if len(data) < HeaderLen {
		return dberrors.Corruptionf("batch too short: %d bytes", len(data))
	}
	candidate := &Batch{data: data}
	if err := candidate.Iterate(func(types.Kind, []byte, []byte) error {
		return nil
	}); err != nil {
		return err
	}
	b.data = append(b.data[:0], data...)
	return nil
}

// Append adds the mutations of other after those of b.
func (b *Batch) Append(other *Batch) {
	b.init()
	if other.Count() == 0 {
		return
	}
	b.data = append(b.data, other.data[HeaderLen:]...)
	b.setCount(b.Count() + other.Count())
}

// Iterate calls fn for every mutation in order. value is nil for deletions.
// It reports corruption when the encoding does not match the stored count.
func (b *Batch) Iterate(fn func(kind types.Kind, key, value []byte) error) error {
	if len(b.data) < HeaderLen {
		return nil
	}
	rest := b.data[HeaderLen:]
	found := 0
	for len(rest) > 0 {
		kind := types.Kind(rest[0])
		rest = rest[1:]

		key, n, err := readLenPrefixed(rest)
		if err != nil {
			return err
		}
		rest = rest[n:]

		var value []byte
		switch kind {
		case types.KindValue:
			if value, n, err = readLenPrefixed(rest); err != nil {
				return err
			}
			rest = rest[n:]
		case types.KindDeletion:
		default:
			return dberrors.Corruptionf("batch: unknown kind %d", kind)
		}

		found++
		if err := fn(kind, key, value); err != nil {
			return err
		}
	}
	if found != b.Count() {
		return dberrors.Corruptionf("batch: count %d but found %d records", b.Count(), found)
	}
	return nil
}

func readLenPrefixed(src []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(src)
	if n <= 0 || l > uint64(len(src)-n) {
		return nil, 0, dberrors.Corruptionf("batch: bad length prefix")
	}
	end := n + int(l)
	return src[n:end:end], end, nil
}
