package compaction

import (
	"fmt"
	"log/slog"
	"os"

	"embeddb/pkg/filename"
	"embeddb/pkg/sstable"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
)

// TableFile is a table being written.
type TableFile struct {
	num  types.FileNum
	path string
	f    *os.File
	w    *sstable.Writer
}

// CreateTable opens table num in dir for writing.
func CreateTable(dir string, num types.FileNum, opts sstable.WriterOptions) (*TableFile, error) {
	path := filename.Path(dir, filename.Table(num))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &TableFile{num: num, path: path, f: f, w: sstable.NewWriter(f, opts)}, nil
}

func (t *TableFile) Add(ikey, value []byte) error {
	return t.w.Add(ikey, value)
}

func (t *TableFile) EstimatedSize() uint64 {
	return t.w.EstimatedSize()
}

// Finish completes the table, syncs and closes the file.
func (t *TableFile) Finish() (*version.FileMetadata, error) {
	meta, err := t.w.Finish()
	if err != nil {
		t.Abandon()
		return nil, err
	}
	if err := t.f.Sync(); err != nil {
		t.Abandon()
		return nil, fmt.Errorf("failed to sync table: %w", err)
	}
	if err := t.f.Close(); err != nil {
		os.Remove(t.path)
		return nil, fmt.Errorf("failed to close table: %w", err)
	}
	return &version.FileMetadata{
		Num:         t.num,
		Size:        meta.Size,
		Smallest:    meta.Smallest,
		Largest:     meta.Largest,
		SmallestSeq: meta.SmallestSeq,
		LargestSeq:  meta.LargestSeq,
	}, nil
}

// Abandon closes and removes the partial file.
func (t *TableFile) Abandon() {
	t.w.Abandon()
	if err := t.f.Close(); err != nil {
		slog.Warn("failed to close abandoned table", "file", t.path, "error", err)
	}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove abandoned table", "file", t.path, "error", err)
	}
}

// Source yields internal keys in order, as memtable and table iterators do.
type Source interface {
	First()
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
}

// BuildTable writes every entry of src to table num. It returns nil metadata
// and creates no file when src is empty.
func BuildTable(dir string, num types.FileNum, src Source, opts sstable.WriterOptions) (*version.FileMetadata, error) {
	src.First()
	if !src.Valid() {
		return nil, src.Error()
	}

	t, err := CreateTable(dir, num, opts)
	if err != nil {
		return nil, err
	}
	for ; src.Valid(); src.Next() {
		if err := t.Add(src.Key(), src.Value()); err != nil {
			t.Abandon()
			return nil, err
		}
	}
	if err := src.Error(); err != nil {
		t.Abandon()
		return nil, err
	}
	return t.Finish()
}
