package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Reader reads records written by Writer. A torn or corrupt tail ends the
// log: everything from the first bad fragment on is dropped and counted.
type Reader struct {
	r      io.Reader
	name   string
	logger *slog.Logger

	buf     [BlockSize]byte
	data    []byte
	eof     bool
	record  []byte
	dropped int64
	done    bool
}

// NewReader reads records from r. name only labels log messages.
func NewReader(r io.Reader, name string) *Reader {
	return &Reader{
		r:      r,
		name:   name,
		logger: slog.Default().With("log", name),
	}
}

// Next returns the next complete record, or io.EOF at the end of the log.
// The returned slice is valid until the following call.
func (r *Reader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	r.record = r.record[:0]
	inRecord := false

	for {
		t, fragment, err := r.readFragment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if inRecord {
					r.drop(int64(len(r.record)), "record truncated at end of log")
				}
				r.done = true
				return nil, io.EOF
			}
			return nil, err
		}

		switch t {
		case typeFull:
			if inRecord {
				r.drop(int64(len(r.record)), "partial record without end")
			}
			return fragment, nil
		case typeFirst:
			if inRecord {
				r.drop(int64(len(r.record)), "partial record without end")
			}
			r.record = append(r.record[:0], fragment...)
			inRecord = true
		case typeMiddle, typeLast:
			if !inRecord {
				r.stop(int64(len(fragment)), "fragment without a record start")
				return nil, io.EOF
			}
			r.record = append(r.record, fragment...)
			if t == typeLast {
				return r.record, nil
			}
		default:
			r.stop(int64(len(fragment)), fmt.Sprintf("unknown record type %d", t))
			return nil, io.EOF
		}
	}
}

// readFragment returns io.EOF at the physical end of the log and at the
// first corrupt fragment.
func (r *Reader) readFragment() (recordType, []byte, error) {
	for {
		if len(r.data) < HeaderSize {
			if r.eof {
				if len(r.data) > 0 {
					r.stop(int64(len(r.data)), "truncated record header")
				}
				return 0, nil, io.EOF
			}
			if err := r.readBlock(); err != nil {
				return 0, nil, err
			}
			continue
		}

		header := r.data[:HeaderSize]
		length := int(binary.LittleEndian.Uint16(header[4:6]))
		t := recordType(header[6])

		if t == typeZero && length == 0 {
			// block padding or preallocated space
			if r.eof {
				r.data = nil
				return 0, nil, io.EOF
			}
			r.data = nil
			continue
		}
		if HeaderSize+length > len(r.data) {
			r.stop(int64(len(r.data)), "record length overruns block")
			return 0, nil, io.EOF
		}

		fragment := r.data[HeaderSize : HeaderSize+length]
		if want := binary.LittleEndian.Uint32(header[0:4]); checksum(t, fragment) != want {
			r.stop(int64(len(r.data)), "checksum mismatch")
			return 0, nil, io.EOF
		}
		r.data = r.data[HeaderSize+length:]
		return t, fragment, nil
	}
}

func (r *Reader) readBlock() error {
	n, err := io.ReadFull(r.r, r.buf[:])
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.eof = true
	default:
		return fmt.Errorf("failed to read log %s: %w", r.name, err)
	}
	r.data = r.buf[:n]
	return nil
}

func (r *Reader) drop(n int64, reason string) {
	r.dropped += n
	r.logger.Warn("dropping log bytes", "bytes", n, "reason", reason)
}

// stop ends the log at the current position.
func (r *Reader) stop(n int64, reason string) {
	r.drop(n, reason)
	r.done = true
	r.data = nil
}

// Dropped returns the number of bytes skipped because of corruption.
func (r *Reader) Dropped() int64 {
	return r.dropped
}

// Replay calls fn for every intact record of the log at path and returns the
// number of dropped bytes.
func Replay(path string, fn func(record []byte) error) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close log read file", "error", cerr)
		}
	}()

	r := NewReader(file, path)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.Dropped(), nil
		}
		if err != nil {
			return r.Dropped(), err
		}
		if err := fn(rec); err != nil {
			return r.Dropped(), fmt.Errorf("log replay callback failed: %w", err)
		}
	}
}
