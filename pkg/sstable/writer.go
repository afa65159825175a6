package sstable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"embeddb/pkg/compression"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

var errAbandoned = errors.New("sstable: writer abandoned")

// Metadata describes a finished table.
type Metadata struct {
	Smallest    []byte
	Largest     []byte
	SmallestSeq types.SeqNum
	LargestSeq  types.SeqNum
	NumEntries  uint64
	Size        uint64
}

// offsetWriter wraps an io.Writer and counts bytes written
type offsetWriter struct {
	w      io.Writer
	offset uint64
}

func (ow *offsetWriter) Write(p []byte) (int, error) {
	n, err := ow.w.Write(p)
	ow.offset += uint64(n)
	return n, err
}

// Writer builds a table from entries added in strictly increasing
// internal-key order.
type Writer struct {
	out  *offsetWriter
	bw   *bufio.Writer
	opts WriterOptions

	data   *blockWriter
	index  *blockWriter
	filter *filterWriter

	meta     Metadata
	lastKey  []byte
	scratch  []byte
	finished bool
	err      error
}

// NewWriter returns a builder writing to w. The caller owns w and is
// responsible for syncing and closing it after Finish.
func NewWriter(w io.Writer, opts WriterOptions) *Writer {
	opts = opts.withDefaults()
	out := &offsetWriter{w: w}
	tw := &Writer{
		out:   out,
		bw:    bufio.NewWriterSize(out, 64<<10),
		opts:  opts,
		data:  newBlockWriter(opts.RestartInterval),
		index: newBlockWriter(1),
	}
	if opts.BitsPerKey > 0 {
		tw.filter = newFilterWriter(opts.BitsPerKey)
	}
	return tw
}

// Add appends an entry. A key that does not sort strictly after the previous
// one poisons the writer.
func (w *Writer) Add(ikey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	pk, err := keys.Parse(ikey)
	if err != nil {
		w.err = dberrors.InvalidArgumentf("sstable add: %v", err)
		return w.err
	}
	if w.meta.NumEntries > 0 && keys.Compare(ikey, w.lastKey) <= 0 {
		w.err = dberrors.InvalidArgumentf("sstable add: key %s is not after %s",
			pk, mustParse(w.lastKey))
		return w.err
	}

	if w.filter != nil {
		w.filter.addKey(pk.UserKey)
	}
	w.data.add(ikey, value)

	if w.meta.NumEntries == 0 {
		w.meta.Smallest = keys.Clone(ikey)
		w.meta.SmallestSeq, w.meta.LargestSeq = pk.Seq, pk.Seq
	}
	w.meta.SmallestSeq = min(w.meta.SmallestSeq, pk.Seq)
	w.meta.LargestSeq = max(w.meta.LargestSeq, pk.Seq)
	w.meta.NumEntries++
	w.lastKey = append(w.lastKey[:0], ikey...)

	if w.data.estimatedSize() >= w.opts.BlockSize {
		return w.flushDataBlock()
	}
	return nil
}

func mustParse(ikey []byte) keys.ParsedKey {
	pk, _ := keys.Parse(ikey)
	return pk
}

func (w *Writer) flushDataBlock() error {
	if w.data.empty() {
		return nil
	}
	h, err := w.writeBlock(w.data.finish(), w.opts.Compression)
	if err != nil {
		w.err = err
		return err
	}
	w.index.add(w.lastKey, h.AppendTo(w.scratch[:0]))
	if w.filter != nil {
		w.filter.finishBlock()
	}
	w.data.reset()
	return nil
}

// writeBlock stores raw, compressed when that saves at least 12.5%.
func (w *Writer) writeBlock(raw []byte, ctype compression.Type) (BlockHandle, error) {
	payload := raw
	if ctype != compression.None {
		enc, err := compression.Encode(ctype, nil, raw)
		if err == nil && len(enc) < len(raw)-len(raw)/8 {
			payload = enc
		} else {
			ctype = compression.None
		}
	}

	h := BlockHandle{Offset: w.offset(), Size: uint64(len(payload))}
	var trailer [blockTrailerLen]byte
	trailer[0] = byte(ctype)
	binary.LittleEndian.PutUint32(trailer[1:], blockChecksum(payload, byte(ctype)))

	if _, err := w.bw.Write(payload); err != nil {
		return BlockHandle{}, fmt.Errorf("write block: %w", err)
	}
	if _, err := w.bw.Write(trailer[:]); err != nil {
		return BlockHandle{}, fmt.Errorf("write block trailer: %w", err)
	}
	return h, nil
}

func (w *Writer) offset() uint64 {
	return w.out.offset + uint64(w.bw.Buffered())
}

// EstimatedSize is the file size if the table were finished now.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset() + uint64(w.data.estimatedSize())
}

// NumEntries returns the number of entries added so far.
func (w *Writer) NumEntries() uint64 {
	return w.meta.NumEntries
}

// Finish writes the filter, index and footer and flushes buffered data.
func (w *Writer) Finish() (Metadata, error) {
	if w.err != nil {
		return Metadata{}, w.err
	}
	if w.finished {
		return Metadata{}, dberrors.InvalidArgumentf("sstable: writer already finished")
	}
	w.finished = true

	if err := w.flushDataBlock(); err != nil {
		return Metadata{}, err
	}

	var f footer
	var err error
	if w.filter != nil {
		if f.filter, err = w.writeBlock(w.filter.finish(), compression.None); err != nil {
			w.err = err
			return Metadata{}, err
		}
	}
	if f.index, err = w.writeBlock(w.index.finish(), w.opts.Compression); err != nil {
		w.err = err
		return Metadata{}, err
	}
	if _, err := w.bw.Write(f.encode()); err != nil {
		w.err = fmt.Errorf("write footer: %w", err)
		return Metadata{}, w.err
	}
	if err := w.bw.Flush(); err != nil {
		w.err = fmt.Errorf("flush table: %w", err)
		return Metadata{}, w.err
	}

	w.meta.Largest = keys.Clone(w.lastKey)
	w.meta.Size = w.out.offset
	return w.meta, nil
}

// Abandon discards the table. The caller removes the file.
func (w *Writer) Abandon() {
	w.finished = true
	if w.err == nil {
		w.err = errAbandoned
	}
}
