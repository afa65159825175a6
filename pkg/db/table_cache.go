package db

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"embeddb/pkg/filename"
	"embeddb/pkg/iterator"
	"embeddb/pkg/metrics"
	"embeddb/pkg/sstable"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
)

// tableCache keeps one open reader per live table. Readers share the block
// cache.
type tableCache struct {
	dir     string
	opts    sstable.ReaderOptions
	logger  *slog.Logger
	metrics metrics.Collector

	mu      sync.Mutex
	readers map[types.FileNum]*sstable.Reader
}

func newTableCache(dir string, opts sstable.ReaderOptions, logger *slog.Logger, m metrics.Collector) *tableCache {
	return &tableCache{
		dir:     dir,
		opts:    opts,
		logger:  logger,
		metrics: m,
		readers: make(map[types.FileNum]*sstable.Reader),
	}
}

func (tc *tableCache) reader(f *version.FileMetadata) (*sstable.Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if r, ok := tc.readers[f.Num]; ok {
		return r, nil
	}

	file, err := os.Open(filename.Path(tc.dir, filename.Table(f.Num)))
	if err != nil {
		return nil, fmt.Errorf("open table %d: %w", f.Num, err)
	}
	r, err := sstable.Open(file, int64(f.Size), f.Num, tc.opts)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open table %d: %w", f.Num, err)
	}
	tc.readers[f.Num] = r
	tc.metrics.IncCounter("embeddb_table_opens_total", nil, 1)
	tc.metrics.SetGauge("embeddb_open_tables", nil, float64(len(tc.readers)))
	return r, nil
}

// Get implements version.TableGetter.
func (tc *tableCache) Get(f *version.FileMetadata, searchKey []byte) ([]byte, []byte, error) {
	r, err := tc.reader(f)
	if err != nil {
		return nil, nil, err
	}
	return r.Get(searchKey)
}

// NewIterator implements compaction.Tables. The caller must hold a reference
// on a version containing f for as long as the iterator is used.
func (tc *tableCache) NewIterator(f *version.FileMetadata) (iterator.Iterator, error) {
	r, err := tc.reader(f)
	if err != nil {
		return nil, err
	}
	return r.NewIterator(), nil
}

// verify opens f and, when full is set, checks every block checksum.
func (tc *tableCache) verify(f *version.FileMetadata, full bool) error {
	r, err := tc.reader(f)
	if err != nil {
		return err
	}
	if full {
		return r.VerifyChecksums()
	}
	return nil
}

// evict closes the reader of a deleted table and drops its cached blocks.
func (tc *tableCache) evict(num types.FileNum) {
	tc.mu.Lock()
	r, ok := tc.readers[num]
	delete(tc.readers, num)
	tc.metrics.SetGauge("embeddb_open_tables", nil, float64(len(tc.readers)))
	tc.mu.Unlock()

	if ok {
		if err := r.Close(); err != nil {
			tc.logger.Warn("failed to close table", "file", num, "error", err)
		}
	}
	if tc.opts.Cache != nil {
		tc.opts.Cache.EvictIf(func(k sstable.CacheKey) bool { return k.FileNum == num })
	}
}

func (tc *tableCache) close() {
	tc.mu.Lock()
	readers := tc.readers
	tc.readers = make(map[types.FileNum]*sstable.Reader)
	tc.mu.Unlock()

	for num, r := range readers {
		if err := r.Close(); err != nil {
			tc.logger.Warn("failed to close table", "file", num, "error", err)
		}
	}
}
