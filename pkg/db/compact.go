package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"embeddb/pkg/compaction"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
)

// compactPending runs automatic compactions until no level needs one.
func (d *DB) compactPending(ctx context.Context, _ struct{}) error {
	for !d.opts.Compaction.Disabled {
		var did bool
		err := d.retryBackground(ctx, "compaction", d.compactPolicy, func(ctx context.Context) error {
			var err error
			did, err = d.compactOnce(ctx, func() *compaction.Compaction {
				return compaction.Pick(d.vs)
			})
			return err
		})
		if err != nil || !did {
			return err
		}
	}
	return nil
}

// CompactRange flushes the memtable and then compacts every level's files
// overlapping [start, end] into the next level. Nil bounds are open.
func (d *DB) CompactRange(ctx context.Context, start, end []byte) error {
	if err := d.Flush(); err != nil {
		return err
	}
	for level := 0; level < version.NumLevels-1; level++ {
		if err := d.checkOpen(); err != nil {
			return err
		}
		_, err := d.compactOnce(ctx, func() *compaction.Compaction {
			return compaction.PickRange(d.vs, level, start, end)
		})
		if err != nil {
			return fmt.Errorf("compact level %d: %w", level, err)
		}
	}
	return nil
}

// compactOnce runs the compaction returned by pick, if any, and reports
// whether there was one.
func (d *DB) compactOnce(ctx context.Context, pick func() *compaction.Compaction) (bool, error) {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()

	d.installMu.Lock()
	c := pick()
	if c != nil {
		d.mu.Lock()
		d.compacting = true
		d.mu.Unlock()
	}
	d.installMu.Unlock()
	if c == nil {
		return false, nil
	}

	defer func() {
		c.Release()
		d.mu.Lock()
		d.compacting = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}()
	return true, d.runCompaction(ctx, c)
}

func (d *DB) runCompaction(ctx context.Context, c *compaction.Compaction) error {
	start := time.Now()

	var outputs []types.FileNum
	defer func() { d.releaseOutputs(outputs...) }()
	runner := &compaction.Runner{
		Dir:        d.dir,
		Tables:     d.tables,
		WriterOpts: d.writerOpts,
		NewOutput: func() types.FileNum {
			n := d.newOutput()
			outputs = append(outputs, n)
			return n
		},
		CreateTable: d.files.createTable,
		Logger:      d.logger,
	}

	smallestSnapshot := d.snapshots.Oldest(d.seq.Val())
	d.logger.Info("compacting", "inputs", c.String(), "manual", c.Manual, "smallest_snapshot", smallestSnapshot)
	res, err := runner.Run(ctx, c, smallestSnapshot)
	if err != nil {
		return err
	}
	if err := d.vs.LogAndApply(res.Edit); err != nil {
		if !dberrors.IsCorruption(err) {
			d.degrade(fmt.Errorf("persist compaction: %w", err))
		}
		for _, f := range res.Outputs {
			d.onObsolete(f)
		}
		return err
	}
	d.deleteObsoleteFiles(false)

	labels := map[string]string{"level": strconv.Itoa(c.Level)}
	d.metrics.IncCounter("embeddb_compactions_total", labels, 1)
	d.metrics.IncCounter("embeddb_compaction_dropped_total", labels, float64(res.Dropped))
	d.metrics.IncCounter("embeddb_compaction_read_bytes_total", labels, float64(res.BytesRead))
	d.metrics.IncCounter("embeddb_compaction_write_bytes_total", labels, float64(res.BytesWritten))
	d.metrics.ObserveHistogram("embeddb_compaction_seconds", labels, time.Since(start).Seconds())
	d.logger.Info("compaction finished",
		"level", c.Level, "trivial_move", res.TrivialMove,
		"outputs", len(res.Outputs), "entries_in", res.EntriesIn, "entries_out", res.EntriesOut,
		"dropped", res.Dropped, "bytes_read", res.BytesRead, "bytes_written", res.BytesWritten,
		"took", time.Since(start))
	return nil
}
