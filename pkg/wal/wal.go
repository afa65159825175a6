// Package wal implements the record log used for write-ahead log segments and
// MANIFEST files. The log is a sequence of 32 KiB blocks; each record is split
// into fragments that never cross a block boundary:
//
//	| crc32c (4) | length (2) | type (1) | payload |
//
// The checksum covers the type byte and the payload.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const (
	BlockSize  = 32 << 10
	HeaderSize = 7
)

type recordType byte

const (
	typeZero   recordType = 0
	typeFull   recordType = 1
	typeFirst  recordType = 2
	typeMiddle recordType = 3
	typeLast   recordType = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var errClosed = errors.New("wal: writer closed")

func checksum(t recordType, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, []byte{byte(t)})
	return crc32.Update(crc, crcTable, payload)
}

// File is the destination of a Writer. *os.File satisfies it.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Writer appends records to a log file.
type Writer struct {
	file   File
	writer *bufio.Writer

	blockOffset int
	size        int64
	header      [HeaderSize]byte
}

// Create creates (truncating) the log file at path.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return NewWriter(f), nil
}

// NewWriter writes records to f starting at a block boundary.
func NewWriter(f File) *Writer {
	return &Writer{
		file:   f,
		writer: bufio.NewWriterSize(f, BlockSize),
	}
}

// AddRecord frames payload and hands it to the operating system. It does not
// sync: call Sync for durability.
func (w *Writer) AddRecord(payload []byte) error {
	if w.writer == nil {
		return errClosed
	}

	first := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				if _, err := w.writer.Write(make([]byte, leftover)); err != nil {
					return fmt.Errorf("failed to pad log block: %w", err)
				}
				w.size += int64(leftover)
			}
			w.blockOffset = 0
			leftover = BlockSize
		}

		n := min(len(payload), leftover-HeaderSize)
		last := n == len(payload)

		var t recordType
		switch {
		case first && last:
			t = typeFull
		case first:
			t = typeFirst
		case last:
			t = typeLast
		default:
			t = typeMiddle
		}

		if err := w.emit(t, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
		first = false
		if last {
			break
		}
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	return nil
}

func (w *Writer) emit(t recordType, fragment []byte) error {
	binary.LittleEndian.PutUint32(w.header[0:4], checksum(t, fragment))
	binary.LittleEndian.PutUint16(w.header[4:6], uint16(len(fragment)))
	w.header[6] = byte(t)

	if _, err := w.writer.Write(w.header[:]); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}
	if _, err := w.writer.Write(fragment); err != nil {
		return fmt.Errorf("failed to write log payload: %w", err)
	}
	w.blockOffset += HeaderSize + len(fragment)
	w.size += int64(HeaderSize + len(fragment))
	return nil
}

// Sync forces written records to stable storage.
func (w *Writer) Sync() error {
	if w.writer == nil {
		return errClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.size
}

func (w *Writer) Close() error {
	if w.writer == nil {
		return nil
	}
	flushErr := w.writer.Flush()
	w.writer = nil

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush log on close: %w", flushErr)
	}
	return nil
}
