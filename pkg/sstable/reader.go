package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"embeddb/pkg/compression"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/iterator"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

// ReadableFile is the subset of *os.File a Reader needs.
type ReadableFile interface {
	io.ReaderAt
	io.Closer
}

type indexEntry struct {
	lastKey []byte
	handle  BlockHandle
}

// Reader serves point lookups and scans over one table file. It is safe for
// concurrent use.
type Reader struct {
	file    ReadableFile
	size    uint64
	fileNum types.FileNum
	opts    ReaderOptions

	index  []indexEntry
	filter *filterReader
}

// Open reads the footer, index and filter of a table. Footer or index
// corruption fails Open.
func Open(f ReadableFile, size int64, fileNum types.FileNum, opts ReaderOptions) (*Reader, error) {
	if size < FooterLen {
		return nil, dberrors.Corruptionf("table %d: file too short (%d bytes)", fileNum, size)
	}
	r := &Reader{file: f, size: uint64(size), fileNum: fileNum, opts: opts}

	buf := make([]byte, FooterLen)
	if _, err := f.ReadAt(buf, size-FooterLen); err != nil {
		return nil, fmt.Errorf("table %d: read footer: %w", fileNum, err)
	}
	ft, err := decodeFooter(buf)
	if err != nil {
		return nil, fmt.Errorf("table %d: %w", fileNum, err)
	}

	indexData, err := r.readBlock(ft.index)
	if err != nil {
		return nil, fmt.Errorf("table %d: index block: %w", fileNum, err)
	}
	if r.index, err = decodeIndex(indexData); err != nil {
		return nil, fmt.Errorf("table %d: %w", fileNum, err)
	}

	if ft.filter.Size > 0 {
		filterData, err := r.readBlock(ft.filter)
		if err != nil {
			return nil, fmt.Errorf("table %d: filter block: %w", fileNum, err)
		}
		r.filter = newFilterReader(filterData)
	}
	return r, nil
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	b, err := newBlock(data)
	if err != nil {
		return nil, err
	}
	var entries []indexEntry
	it := newBlockIter(b, keys.Compare)
	for it.First(); it.Valid(); it.Next() {
		h, _, err := DecodeBlockHandle(it.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, indexEntry{lastKey: keys.Clone(it.Key()), handle: h})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// readBlock loads, verifies and decompresses the block at h.
func (r *Reader) readBlock(h BlockHandle) ([]byte, error) {
	if h.Offset > r.size || r.size-h.Offset < blockTrailerLen || h.Size > r.size-h.Offset-blockTrailerLen {
		return nil, dberrors.Corruptionf("block handle %d+%d past end of file", h.Offset, h.Size)
	}
	buf := make([]byte, h.Size+blockTrailerLen)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("read block at %d: %w", h.Offset, err)
	}

	payload := buf[:h.Size]
	ctype := buf[h.Size]
	want := binary.LittleEndian.Uint32(buf[h.Size+1:])
	if got := blockChecksum(payload, ctype); got != want {
		return nil, dberrors.Corruptionf("block at %d: checksum mismatch (%#x != %#x)", h.Offset, got, want)
	}
	if compression.Type(ctype) == compression.None {
		return payload, nil
	}
	return compression.Decode(compression.Type(ctype), payload)
}

func (r *Reader) dataBlock(h BlockHandle) (*block, error) {
	key := CacheKey{FileNum: r.fileNum, Offset: h.Offset}
	if r.opts.Cache != nil {
		if data, ok := r.opts.Cache.Get(key); ok {
			return newBlock(data)
		}
	}
	data, err := r.readBlock(h)
	if err != nil {
		return nil, err
	}
	b, err := newBlock(data)
	if err != nil {
		return nil, err
	}
	if r.opts.Cache != nil {
		r.opts.Cache.Set(key, data)
	}
	return b, nil
}

// Get returns the first entry at or after searchKey if it has the same user
// key. It returns ErrNotFound when the table holds no such entry.
func (r *Reader) Get(searchKey []byte) (ikey, value []byte, err error) {
	i := sort.Search(len(r.index), func(i int) bool {
		return keys.Compare(r.index[i].lastKey, searchKey) >= 0
	})
	if i == len(r.index) {
		return nil, nil, dberrors.ErrNotFound
	}
	ukey := keys.UserKey(searchKey)
	if !r.filter.mayContain(i, ukey) {
		return nil, nil, dberrors.ErrNotFound
	}

	b, err := r.dataBlock(r.index[i].handle)
	if err != nil {
		return nil, nil, fmt.Errorf("table %d: %w", r.fileNum, err)
	}
	it := newBlockIter(b, keys.Compare)
	it.Seek(searchKey)
	if err := it.Error(); err != nil {
		return nil, nil, fmt.Errorf("table %d: %w", r.fileNum, err)
	}
	if !it.Valid() || keys.CompareUser(keys.UserKey(it.Key()), ukey) != 0 {
		return nil, nil, dberrors.ErrNotFound
	}
	return it.Key(), it.Value(), nil
}

// NewIterator returns an iterator over the table's internal keys.
func (r *Reader) NewIterator() iterator.Iterator {
	return &tableIter{r: r, blockIdx: len(r.index)}
}

// NumBlocks returns the number of data blocks.
func (r *Reader) NumBlocks() int {
	return len(r.index)
}

// FileNum returns the table's file number.
func (r *Reader) FileNum() types.FileNum {
	return r.fileNum
}

// VerifyChecksums reads every data block and checks its checksum.
func (r *Reader) VerifyChecksums() error {
	for _, e := range r.index {
		data, err := r.readBlock(e.handle)
		if err != nil {
			return fmt.Errorf("table %d: %w", r.fileNum, err)
		}
		if _, err := newBlock(data); err != nil {
			return fmt.Errorf("table %d: %w", r.fileNum, err)
		}
	}
	return nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// tableIter walks the index and opens one data block at a time.
type tableIter struct {
	r        *Reader
	blockIdx int
	data     *blockIter
	err      error
}

func (t *tableIter) load() bool {
	t.data = nil
	if t.blockIdx >= len(t.r.index) {
		return false
	}
	b, err := t.r.dataBlock(t.r.index[t.blockIdx].handle)
	if err != nil {
		t.err = fmt.Errorf("table %d: %w", t.r.fileNum, err)
		return false
	}
	t.data = newBlockIter(b, keys.Compare)
	return true
}

func (t *tableIter) skipExhausted() {
	for t.data != nil && !t.data.Valid() {
		if err := t.data.Error(); err != nil {
			t.err = fmt.Errorf("table %d: %w", t.r.fileNum, err)
			t.data = nil
			return
		}
		t.blockIdx++
		if !t.load() {
			return
		}
		t.data.First()
	}
}

func (t *tableIter) First() {
	t.err = nil
	t.blockIdx = 0
	if t.load() {
		t.data.First()
		t.skipExhausted()
	}
}

func (t *tableIter) Seek(target []byte) {
	t.err = nil
	t.blockIdx = sort.Search(len(t.r.index), func(i int) bool {
		return keys.Compare(t.r.index[i].lastKey, target) >= 0
	})
	if t.load() {
		t.data.Seek(target)
		t.skipExhausted()
	}
}

func (t *tableIter) Next() {
	if !t.Valid() {
		return
	}
	t.data.Next()
	t.skipExhausted()
}

func (t *tableIter) Valid() bool {
	return t.err == nil && t.data != nil && t.data.Valid()
}

func (t *tableIter) Key() []byte   { return t.data.Key() }
func (t *tableIter) Value() []byte { return t.data.Value() }
func (t *tableIter) Error() error  { return t.err }

func (t *tableIter) Close() error {
	t.data = nil
	return nil
}
