package db

import (
	"context"
	"fmt"
	"time"

	"embeddb/pkg/memtable"
	"embeddb/pkg/version"
)

// flushPending writes immutable memtables to tables, oldest first. A flush
// that keeps failing degrades the database.
func (d *DB) flushPending(ctx context.Context, _ struct{}) error {
	for {
		d.mu.Lock()
		if len(d.imm) == 0 || d.bgErr != nil {
			d.mu.Unlock()
			return nil
		}
		mem := d.imm[0]
		d.mu.Unlock()

		err := d.retryBackground(ctx, "flush", d.flushPolicy, func(context.Context) error {
			return d.flushMemtable(mem)
		})
		if err != nil {
			if ctx.Err() == nil {
				d.degrade(fmt.Errorf("flush: %w", err))
			}
			return err
		}
		d.maybeScheduleCompaction()
	}
}

func (d *DB) flushMemtable(mem *memtable.Memtable) error {
	start := time.Now()
	num := d.newOutput()
	defer d.releaseOutputs(num)

	meta, err := d.files.buildTable(d.dir, num, mem.NewIterator(), d.writerOpts)
	if err != nil {
		return fmt.Errorf("build table %d: %w", num, err)
	}

	d.installMu.Lock()
	var edit version.Edit
	level := 0
	if meta != nil {
		d.mu.Lock()
		busy := d.compacting
		d.mu.Unlock()
		// a running compaction may be writing into deeper levels
		if !busy {
			v := d.vs.Current()
			level = d.vs.PickLevelForMemtableOutput(v, meta.SmallestUser(), meta.LargestUser())
			v.Unref()
		}
		edit.AddFile(level, meta)
	}

	d.mu.Lock()
	nextLog := d.mem.LogNumber()
	if len(d.imm) > 1 {
		nextLog = d.imm[1].LogNumber()
	}
	d.mu.Unlock()
	edit.SetLogNumber(nextLog)
	edit.SetPrevLogNumber(0)
	if seq := mem.LastSequence(); seq > d.vs.LastSequence() {
		d.vs.SetLastSequence(seq)
	}

	err = d.vs.LogAndApply(&edit)
	d.installMu.Unlock()
	if err != nil {
		d.degrade(fmt.Errorf("persist flush: %w", err))
		return err
	}

	d.mu.Lock()
	if len(d.imm) > 0 && d.imm[0] == mem {
		d.imm = d.imm[1:]
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	d.deleteObsoleteFiles(false)

	d.metrics.IncCounter("embeddb_flushes_total", nil, 1)
	d.metrics.ObserveHistogram("embeddb_flush_seconds", nil, time.Since(start).Seconds())
	if meta == nil {
		d.logger.Info("flushed empty memtable", "log", mem.LogNumber())
		return nil
	}
	d.metrics.IncCounter("embeddb_flush_bytes_total", nil, float64(meta.Size))
	d.logger.Info("flushed memtable",
		"file", num, "level", level, "entries", mem.Count(), "bytes", meta.Size,
		"took", time.Since(start))
	return nil
}
