package db

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"embeddb/pkg/compaction"
	"embeddb/pkg/config"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/filename"
	"embeddb/pkg/sstable"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
	"embeddb/pkg/wal"
)

var errNoSpace = errors.New("no space left on device")

// flakyFile fails every write and sync while fail is set.
type flakyFile struct {
	*os.File
	fail *atomic.Bool
}

func (f flakyFile) Write(p []byte) (int, error) {
	if f.fail.Load() {
		return 0, errNoSpace
	}
	return f.File.Write(p)
}

func (f flakyFile) Sync() error {
	if f.fail.Load() {
		return errNoSpace
	}
	return f.File.Sync()
}

func openWithFiles(t *testing.T, dir string, opts config.DB, files fileOps) *DB {
	t.Helper()
	d, err := openDB(dir, opts, files)
	require.NoError(t, err)
	return d
}

func compactions(d *DB) float64 {
	var n float64
	for level := 0; level < version.NumLevels; level++ {
		n += d.Metrics().Counter("embeddb_compactions_total", map[string]string{"level": strconv.Itoa(level)})
	}
	return n
}

func TestGet_CorruptBlockWithDefaultOptions(t *testing.T) {
	dir := t.TempDir()
	opts := config.DefaultDB("")
	opts.SSTable.Compression = "none"
	require.False(t, opts.SSTable.VerifyChecksums)

	d := openTest(t, dir, opts)
	put(t, d, "key", "AAAAAAAAAAAAAAAA")
	require.NoError(t, d.Flush())
	require.NoError(t, d.Close())

	tables := filesOfType(t, dir, filename.TypeTable)
	require.Len(t, tables, 1)
	path := filepath.Join(dir, tables[0])
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	i := bytes.Index(data, []byte("AAAAAAAAAAAAAAAA"))
	require.GreaterOrEqual(t, i, 0)
	data[i] = 'Z'
	require.NoError(t, os.WriteFile(path, data, 0o644))

	d = openTest(t, dir, opts)
	defer d.Close()

	_, err = d.Get([]byte("key"), ReadOptions{})
	require.ErrorIs(t, err, dberrors.ErrCorruption)

	it, err := d.NewIterator(ReadOptions{})
	require.NoError(t, err)
	it.First()
	require.False(t, it.Valid())
	require.ErrorIs(t, it.Error(), dberrors.ErrCorruption)
	require.NoError(t, it.Close())
}

func TestFlush_RetriesThenDegrades(t *testing.T) {
	opts := testOptions()
	opts.Background.MaxRetries = 2

	var calls atomic.Int32
	files := defaultFileOps()
	files.buildTable = func(string, types.FileNum, compaction.Source, sstable.WriterOptions) (*version.FileMetadata, error) {
		calls.Add(1)
		return nil, errNoSpace
	}
	d := openWithFiles(t, t.TempDir(), opts, files)
	defer d.Close()

	put(t, d, "k", "v")
	err := d.Flush()
	require.ErrorIs(t, err, dberrors.ErrReadOnly)
	require.ErrorIs(t, err, errNoSpace)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, float64(2), d.Metrics().Counter("embeddb_background_retries_total", map[string]string{"job": "flush"}))

	err = d.Put([]byte("k2"), []byte("v2"), WriteOptions{})
	require.ErrorIs(t, err, dberrors.ErrReadOnly)
	require.ErrorIs(t, err, errNoSpace)
	require.Contains(t, d.Stats().Degraded, errNoSpace.Error())

	// the frozen memtable still serves reads
	require.Equal(t, "v", mustGet(t, d, "k", ReadOptions{}))
}

func TestFlush_NoRetriesConfigured(t *testing.T) {
	opts := testOptions()
	opts.Background.MaxRetries = 0

	var calls atomic.Int32
	files := defaultFileOps()
	files.buildTable = func(string, types.FileNum, compaction.Source, sstable.WriterOptions) (*version.FileMetadata, error) {
		calls.Add(1)
		return nil, errNoSpace
	}
	d := openWithFiles(t, t.TempDir(), opts, files)
	defer d.Close()

	put(t, d, "k", "v")
	require.ErrorIs(t, d.Flush(), dberrors.ErrReadOnly)
	require.Equal(t, int32(1), calls.Load())
}

func TestWrite_WALFailureDegrades(t *testing.T) {
	var fail atomic.Bool
	files := defaultFileOps()
	files.createLog = func(path string) (wal.File, error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return flakyFile{File: f, fail: &fail}, nil
	}
	d := openWithFiles(t, t.TempDir(), testOptions(), files)

	require.NoError(t, d.Put([]byte("k1"), []byte("v1"), WriteOptions{Sync: true}))

	fail.Store(true)
	err := d.Put([]byte("k2"), []byte("v2"), WriteOptions{Sync: true})
	require.ErrorIs(t, err, errNoSpace)

	err = d.Put([]byte("k3"), []byte("v3"), WriteOptions{})
	require.ErrorIs(t, err, dberrors.ErrReadOnly)
	require.ErrorIs(t, err, errNoSpace)

	require.Equal(t, "v1", mustGet(t, d, "k1", ReadOptions{}))
	requireNotFound(t, d, "k2", ReadOptions{})
	requireNotFound(t, d, "k3", ReadOptions{})

	require.ErrorIs(t, d.Close(), errNoSpace)
}

func TestCompaction_RetriesWithoutFailingWrites(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	files := defaultFileOps()
	files.createTable = func(dir string, num types.FileNum, opts sstable.WriterOptions) (*compaction.TableFile, error) {
		if failures.Add(-1) >= 0 {
			return nil, errNoSpace
		}
		return compaction.CreateTable(dir, num, opts)
	}
	d := openWithFiles(t, t.TempDir(), testOptions(), files)
	defer d.Close()

	model := make(map[string]string)
	for i := 0; i < 3000; i++ {
		k := fmt.Sprintf("k%04d", i%300)
		v := fmt.Sprintf("v%05d-%040d", i, i)
		put(t, d, k, v)
		model[k] = v
	}

	require.Eventually(t, func() bool {
		retries := d.Metrics().Counter("embeddb_background_retries_total", map[string]string{"job": "compaction"})
		return retries >= 2 && compactions(d) > 0
	}, 10*time.Second, 10*time.Millisecond)

	require.Empty(t, d.Stats().Degraded)
	put(t, d, "after", "compaction")
	for k, v := range model {
		require.Equal(t, v, mustGet(t, d, k, ReadOptions{}))
	}
}
