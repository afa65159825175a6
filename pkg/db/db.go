package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/retry"
	"golang.org/x/sync/errgroup"

	"embeddb/pkg/batch"
	"embeddb/pkg/cache"
	"embeddb/pkg/clock"
	"embeddb/pkg/compaction"
	"embeddb/pkg/compression"
	"embeddb/pkg/config"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/filename"
	"embeddb/pkg/listener"
	"embeddb/pkg/memtable"
	"embeddb/pkg/metrics"
	"embeddb/pkg/snapshot"
	"embeddb/pkg/sstable"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
	"embeddb/pkg/wal"
)

// DB is an embedded, ordered key-value store.
type DB struct {
	dir     string
	opts    config.DB
	logger  *slog.Logger
	metrics *metrics.Registry

	lock       io.Closer
	vs         *version.Set
	tables     *tableCache
	blockCache *sstable.BlockCache
	snapshots  *snapshot.List
	writerOpts sstable.WriterOptions

	// seq is the last sequence visible to readers.
	seq *clock.SeqClock

	flushPolicy   retry.Policy
	compactPolicy retry.Policy

	// writeMu serializes writers and memtable rotation.
	writeMu sync.Mutex

	// compactMu serializes compactions, manual or not.
	compactMu sync.Mutex
	// installMu orders the level choice of a flush against compaction picks.
	installMu sync.Mutex

	mu             sync.Mutex
	cond           *sync.Cond
	mem            *memtable.Memtable
	imm            []*memtable.Memtable // oldest first
	log            *wal.Writer
	pendingOutputs map[types.FileNum]struct{}
	compacting     bool
	bgErr          error
	closed         bool

	files fileOps

	flushCh   chan struct{}
	compactCh chan struct{}
	flusher   *listener.Listener[struct{}]
	compactor *listener.Listener[struct{}]
}

// fileOps creates the files the database writes. Tests replace them to inject
// I/O failures.
type fileOps struct {
	createLog   func(path string) (wal.File, error)
	buildTable  func(dir string, num types.FileNum, src compaction.Source, opts sstable.WriterOptions) (*version.FileMetadata, error)
	createTable func(dir string, num types.FileNum, opts sstable.WriterOptions) (*compaction.TableFile, error)
}

func defaultFileOps() fileOps {
	return fileOps{
		createLog: func(path string) (wal.File, error) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
		buildTable:  compaction.BuildTable,
		createTable: compaction.CreateTable,
	}
}

// Open opens the database in dir, creating it when opts allow, and recovers
// any writes still in the WAL.
func Open(dir string, opts config.DB) (*DB, error) {
	return openDB(dir, opts, defaultFileOps())
}

func openDB(dir string, opts config.DB, files fileOps) (*DB, error) {
	opts.Path = dir
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ctype, err := compression.ParseType(opts.SSTable.Compression)
	if err != nil {
		return nil, err
	}

	if opts.CreateIfMissing {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	lock, err := lockFile(filename.Path(dir, filename.Lock))
	if err != nil {
		return nil, err
	}

	d := &DB{
		dir:            dir,
		opts:           opts,
		logger:         slog.Default().With("db", dir),
		metrics:        metrics.NewRegistry(),
		lock:           lock,
		files:          files,
		blockCache:     cache.NewLRU[sstable.CacheKey, []byte](opts.Cache.Capacity),
		snapshots:      snapshot.NewList(),
		pendingOutputs: make(map[types.FileNum]struct{}),
		flushCh:        make(chan struct{}, 1),
		compactCh:      make(chan struct{}, 1),
		writerOpts: sstable.WriterOptions{
			BlockSize:       opts.SSTable.BlockSize,
			RestartInterval: opts.SSTable.RestartInterval,
			Compression:     ctype,
			BitsPerKey:      opts.BloomFilter.BitsPerKey,
		},
	}
	d.cond = sync.NewCond(&d.mu)
	backoff := retry.Backoff(opts.Background.RetryInitial, opts.Background.RetryMax, opts.Background.RetryFactor)
	d.flushPolicy = retry.MaxTries(backoff, opts.Background.MaxRetries+1)
	d.compactPolicy = backoff
	d.tables = newTableCache(dir, sstable.ReaderOptions{Cache: d.blockCache}, d.logger, d.metrics)
	d.vs = version.NewSet(dir, version.Options{
		Logger:                   d.logger,
		MaxManifestFileSize:      opts.Manifest.MaxFileSize,
		L0CompactionTrigger:      opts.Compaction.L0CompactionTrigger,
		MaxBytesForLevelBase:     opts.Compaction.MaxBytesForLevel,
		LevelMultiplier:          opts.Compaction.LevelMultiplier,
		TargetFileSize:           opts.SSTable.TargetFileSize,
		TargetFileSizeMultiplier: opts.SSTable.TargetFileSizeMultiplier,
		MaxOverlappingFiles:      opts.Compaction.MaxOverlappingFiles,
		MaxMemCompactLevel:       opts.Compaction.MaxMemCompactLevel,
		OnObsolete:               d.onObsolete,
	})

	if err := d.open(); err != nil {
		d.vs.Close()
		d.tables.close()
		if d.log != nil {
			d.log.Close()
		}
		lock.Close()
		return nil, err
	}

	d.flusher = listener.New("flush", d.flushCh, d.flushPending, d.onBackgroundError)
	d.compactor = listener.New("compaction", d.compactCh, d.compactPending, d.onBackgroundError)
	for _, job := range d.workers() {
		job.Start(context.Background())
	}
	d.maybeScheduleCompaction()

	return d, nil
}

func (d *DB) open() error {
	_, err := os.Stat(filename.Path(d.dir, filename.Current))
	switch {
	case errors.Is(err, os.ErrNotExist):
		if !d.opts.CreateIfMissing {
			return dberrors.InvalidArgumentf("%s does not exist (create_if_missing is false)", d.dir)
		}
		if err := d.create(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("stat CURRENT: %w", err)
	case d.opts.ErrorIfExists:
		return dberrors.InvalidArgumentf("%s exists (error_if_exists is true)", d.dir)
	}

	if err := d.vs.Recover(); err != nil {
		return err
	}

	var edit version.Edit
	maxSeq, err := d.replayLogs(&edit)
	if err != nil {
		return err
	}
	if maxSeq > d.vs.LastSequence() {
		d.vs.SetLastSequence(maxSeq)
	}

	logNum := d.vs.NewFileNumber()
	d.log, err = d.createLog(logNum)
	if err != nil {
		return err
	}
	d.mem = memtable.New(logNum)
	edit.SetLogNumber(logNum)
	edit.SetPrevLogNumber(0)
	if err := d.vs.LogAndApply(&edit); err != nil {
		return err
	}
	d.seq = clock.NewSeqClock(d.vs.LastSequence())

	d.deleteObsoleteFiles(true)
	if err := d.verifyTables(); err != nil {
		return err
	}

	files, bytes := d.vs.LevelSummary()
	d.logger.Info("database opened",
		"last_seq", d.seq.Val(), "log", logNum,
		"manifest", d.vs.ManifestFileNumber(), "files", files, "bytes", bytes)
	return nil
}

// create initializes an empty database directory.
func (d *DB) create() error {
	if err := version.Create(d.dir); err != nil {
		return err
	}
	id := uuid.New().String() + "\n"
	if err := os.WriteFile(filename.Path(d.dir, filename.Identity), []byte(id), 0o644); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	d.logger.Info("created database", "identity", id[:len(id)-1])
	return nil
}

// replayLogs applies every WAL segment not yet covered by a table and writes
// the recovered entries to level-0 tables recorded in edit. It returns the
// highest sequence found.
func (d *DB) replayLogs(edit *version.Edit) (types.SeqNum, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("list db dir: %w", err)
	}
	minLog, prevLog := d.vs.LogNumber(), d.vs.PrevLogNumber()
	var logs []types.FileNum
	for _, e := range entries {
		typ, num, ok := filename.Parse(e.Name())
		if ok && typ == filename.TypeLog && (num >= minLog || num == prevLog) {
			logs = append(logs, num)
		}
	}
	slices.Sort(logs)

	var maxSeq types.SeqNum
	for _, num := range logs {
		d.vs.MarkFileNumberUsed(num)

		mem := memtable.New(num)
		var b batch.Batch
		dropped, err := wal.Replay(filename.Path(d.dir, filename.Log(num)), func(rec []byte) error {
			if err := b.SetContents(rec); err != nil {
				return err
			}
			if err := applyBatch(mem, &b); err != nil {
				return err
			}
			if last := b.Sequence() + types.SeqNum(b.Count()) - 1; last > maxSeq {
				maxSeq = last
			}
			if mem.ApproximateSize() >= d.opts.Memtable.WriteBufferSize {
				if err := d.writeLevel0(edit, mem); err != nil {
					return err
				}
				mem = memtable.New(num)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("replay %s: %w", filename.Log(num), err)
		}
		if dropped > 0 {
			d.logger.Warn("dropped torn WAL tail", "log", filename.Log(num), "bytes", dropped)
		}
		if err := d.writeLevel0(edit, mem); err != nil {
			return 0, err
		}
		d.logger.Info("replayed WAL", "log", filename.Log(num), "last_seq", maxSeq)
	}
	return maxSeq, nil
}

// writeLevel0 writes mem to a new level-0 table during recovery.
func (d *DB) writeLevel0(edit *version.Edit, mem *memtable.Memtable) error {
	if mem.Empty() {
		return nil
	}
	num := d.vs.NewFileNumber()
	meta, err := d.files.buildTable(d.dir, num, mem.NewIterator(), d.writerOpts)
	if err != nil {
		return err
	}
	if meta != nil {
		edit.AddFile(0, meta)
		d.logger.Info("recovered table", "file", num, "entries", mem.Count(), "bytes", meta.Size)
	}
	return nil
}

// verifyTables opens every live table in parallel. With verify_checksums set
// every block is read back too.
func (d *DB) verifyTables() error {
	v := d.vs.Current()
	defer v.Unref()

	var g errgroup.Group
	g.SetLimit(4)
	for _, f := range v.AllFiles() {
		f := f
		g.Go(func() error {
			return d.tables.verify(f, d.opts.SSTable.VerifyChecksums)
		})
	}
	return g.Wait()
}

func (d *DB) createLog(num types.FileNum) (*wal.Writer, error) {
	f, err := d.files.createLog(filename.Path(d.dir, filename.Log(num)))
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return wal.NewWriter(f), nil
}

func applyBatch(mem *memtable.Memtable, b *batch.Batch) error {
	seq := b.Sequence()
	return b.Iterate(func(kind types.Kind, key, value []byte) error {
		err := mem.Add(seq, kind, key, value)
		seq++
		return err
	})
}

// onObsolete runs when no version references f anymore.
func (d *DB) onObsolete(f *version.FileMetadata) {
	d.tables.evict(f.Num)
	path := filename.Path(d.dir, filename.Table(f.Num))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to delete obsolete table", "file", f.Num, "error", err)
		return
	}
	d.logger.Debug("deleted obsolete table", "file", f.Num)
}

// deleteObsoleteFiles removes WAL segments and manifests that recovery no
// longer needs. Tables are only swept when withTables is set, at open;
// afterwards they are deleted as soon as they become unreferenced.
func (d *DB) deleteObsoleteFiles(withTables bool) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("failed to list db dir", "error", err)
		return
	}

	logNum, prevLog := d.vs.LogNumber(), d.vs.PrevLogNumber()
	manifestNum := d.vs.ManifestFileNumber()
	live := d.vs.LiveFiles()
	d.mu.Lock()
	for num := range d.pendingOutputs {
		live[num] = struct{}{}
	}
	d.mu.Unlock()

	for _, e := range entries {
		typ, num, ok := filename.Parse(e.Name())
		if !ok {
			continue
		}
		keep := true
		switch typ {
		case filename.TypeLog:
			keep = num >= logNum || num == prevLog
		case filename.TypeManifest:
			keep = num >= manifestNum
		case filename.TypeTable:
			if withTables {
				_, keep = live[num]
			}
		case filename.TypeTemp:
			keep = !withTables
		}
		if keep {
			continue
		}
		if err := os.Remove(filename.Path(d.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("failed to delete obsolete file", "file", e.Name(), "error", err)
			continue
		}
		d.logger.Debug("deleted obsolete file", "file", e.Name(), "type", typ)
	}
}

// newOutput allocates a table number that obsolete file collection leaves
// alone until releaseOutput.
func (d *DB) newOutput() types.FileNum {
	num := d.vs.NewFileNumber()
	d.mu.Lock()
	d.pendingOutputs[num] = struct{}{}
	d.mu.Unlock()
	return num
}

func (d *DB) releaseOutputs(nums ...types.FileNum) {
	d.mu.Lock()
	for _, n := range nums {
		delete(d.pendingOutputs, n)
	}
	d.mu.Unlock()
}

// degrade makes every later write fail with ErrReadOnly wrapping cause.
func (d *DB) degrade(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bgErr != nil {
		return
	}
	d.bgErr = dberrors.Degraded(cause)
	d.metrics.SetGauge("embeddb_degraded", nil, 1)
	d.logger.Error("database degraded to read-only", "error", cause)
	d.cond.Broadcast()
}

func (d *DB) onBackgroundError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	d.logger.Error("background work failed", "error", err)
}

// retryBackground runs fn until it succeeds, the policy gives up, ctx ends
// or the database degrades.
func (d *DB) retryBackground(ctx context.Context, job string, policy retry.Policy, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.mu.Lock()
		bgErr := d.bgErr
		d.mu.Unlock()
		if bgErr != nil {
			return err
		}
		if dberrors.IsCorruption(err) {
			return err
		}

		d.logger.Warn("background job failed", "job", job, "attempt", attempt+1, "error", err)
		if werr := retry.Wait(ctx, policy, attempt+1); werr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: giving up after %d attempts: %w", job, attempt+1, err)
		}
		d.metrics.IncCounter("embeddb_background_retries_total", map[string]string{"job": job}, 1)
	}
}

func (d *DB) workers() []listener.Job {
	return []listener.Job{d.flusher, d.compactor}
}

func trigger(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *DB) maybeScheduleFlush() {
	trigger(d.flushCh)
}

func (d *DB) maybeScheduleCompaction() {
	if !d.opts.Compaction.Disabled {
		trigger(d.compactCh)
	}
}

// Close stops background work and releases the database. Writes that are
// only in the memtable stay recoverable from the WAL.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return dberrors.ErrClosed
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	start := time.Now()
	for _, job := range d.workers() {
		job.Stop()
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var errs []error
	d.mu.Lock()
	log := d.log
	d.mu.Unlock()
	if err := log.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync WAL: %w", err))
	}
	if err := log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close WAL: %w", err))
	}
	if err := d.vs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close manifest: %w", err))
	}
	d.tables.close()
	if err := d.lock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}

	d.logger.Info("database closed", "took", time.Since(start))
	return errors.Join(errs...)
}

// Metrics returns the database's metric registry.
func (d *DB) Metrics() *metrics.Registry {
	return d.metrics
}
