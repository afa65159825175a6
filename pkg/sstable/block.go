package sstable

import (
	"encoding/binary"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/iterator"
)

// blockWriter prefix-compresses sorted entries. Every restartInterval-th key is
// stored in full and its offset recorded in the restart array:
//
//	entry:   varint shared | varint unshared | varint vlen | key[shared:] | value
//	trailer: u32 restart offsets... | u32 restart count
type blockWriter struct {
	restartInterval int

	buf      []byte
	restarts []uint32
	counter  int
	entries  int
	lastKey  []byte
}

func newBlockWriter(restartInterval int) *blockWriter {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &blockWriter{
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

func (w *blockWriter) add(key, value []byte) {
	shared := 0
	if w.counter < w.restartInterval {
		shared = sharedPrefixLen(w.lastKey, key)
	} else {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
		w.counter = 0
	}

	w.buf = binary.AppendUvarint(w.buf, uint64(shared))
	w.buf = binary.AppendUvarint(w.buf, uint64(len(key)-shared))
	w.buf = binary.AppendUvarint(w.buf, uint64(len(value)))
	w.buf = append(w.buf, key[shared:]...)
	w.buf = append(w.buf, value...)

	w.lastKey = append(w.lastKey[:0], key...)
	w.counter++
	w.entries++
}

// finish appends the restart array. The returned slice is owned by the writer
// until reset.
func (w *blockWriter) finish() []byte {
	for _, r := range w.restarts {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, r)
	}
	return binary.LittleEndian.AppendUint32(w.buf, uint32(len(w.restarts)))
}

func (w *blockWriter) reset() {
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:1]
	w.counter = 0
	w.entries = 0
	w.lastKey = w.lastKey[:0]
}

func (w *blockWriter) empty() bool {
	return w.entries == 0
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*len(w.restarts) + 4
}

func sharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// block is a decoded, immutable block payload.
type block struct {
	data        []byte
	restartsOff int
	numRestarts int
}

func newBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, dberrors.Corruptionf("block too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	maxRestarts := (len(data) - 4) / 4
	if n == 0 || n > maxRestarts {
		return nil, dberrors.Corruptionf("block has bad restart count %d", n)
	}
	return &block{
		data:        data,
		restartsOff: len(data) - 4 - 4*n,
		numRestarts: n,
	}, nil
}

func (b *block) restart(i int) int {
	return int(binary.LittleEndian.Uint32(b.data[b.restartsOff+4*i:]))
}

type blockIter struct {
	b   *block
	cmp iterator.Compare

	offset     int
	nextOffset int
	key        []byte
	value      []byte
	valid      bool
	err        error
}

func newBlockIter(b *block, cmp iterator.Compare) *blockIter {
	return &blockIter{b: b, cmp: cmp}
}

// decodeEntry parses the entry header at off.
func (it *blockIter) decodeEntry(off int) (shared, unshared, vlen, n int, ok bool) {
	data := it.b.data[:it.b.restartsOff]
	if off >= len(data) {
		return 0, 0, 0, 0, false
	}
	p := off
	var vals [3]uint64
	for i := range vals {
		v, m := binary.Uvarint(data[p:])
		if m <= 0 {
			return 0, 0, 0, 0, false
		}
		vals[i] = v
		p += m
	}
	rest := uint64(len(data) - p)
	if vals[1] > rest || vals[2] > rest-vals[1] {
		return 0, 0, 0, 0, false
	}
	return int(vals[0]), int(vals[1]), int(vals[2]), p - off, true
}

func (it *blockIter) corrupt(off int) {
	it.valid = false
	it.err = dberrors.Corruptionf("bad block entry at offset %d", off)
}

func (it *blockIter) seekToRestart(i int) {
	it.key = it.key[:0]
	it.nextOffset = it.b.restart(i)
}

func (it *blockIter) parseNext() {
	off := it.nextOffset
	if off >= it.b.restartsOff {
		it.valid = false
		return
	}
	shared, unshared, vlen, n, ok := it.decodeEntry(off)
	if !ok || shared > len(it.key) {
		it.corrupt(off)
		return
	}
	p := off + n
	it.key = append(it.key[:shared], it.b.data[p:p+unshared]...)
	p += unshared
	it.value = it.b.data[p : p+vlen : p+vlen]
	it.offset = off
	it.nextOffset = p + vlen
	it.valid = true
}

func (it *blockIter) First() {
	it.err = nil
	it.seekToRestart(0)
	it.parseNext()
}

// Seek binary-searches the restart points for the last restart key < target,
// then scans forward.
func (it *blockIter) Seek(target []byte) {
	it.err = nil
	left, right := 0, it.b.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		off := it.b.restart(mid)
		shared, unshared, _, n, ok := it.decodeEntry(off)
		if !ok || shared != 0 {
			it.corrupt(off)
			return
		}
		key := it.b.data[off+n : off+n+unshared]
		if it.cmp(key, target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	it.seekToRestart(left)
	for it.parseNext(); it.valid; it.parseNext() {
		if it.cmp(it.key, target) >= 0 {
			return
		}
	}
}

func (it *blockIter) Next() {
	if !it.valid {
		return
	}
	it.parseNext()
}

func (it *blockIter) Valid() bool   { return it.valid && it.err == nil }
func (it *blockIter) Key() []byte   { return it.key }
func (it *blockIter) Value() []byte { return it.value }
func (it *blockIter) Error() error  { return it.err }
func (it *blockIter) Close() error  { return nil }
