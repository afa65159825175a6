package db

import (
	"fmt"
	"slices"
	"time"

	"embeddb/pkg/batch"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/memtable"
	"embeddb/pkg/types"
)

// Put sets key to value.
func (d *DB) Put(key, value []byte, opts WriteOptions) error {
	var b batch.Batch
	b.Put(key, value)
	return d.Write(&b, opts)
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(key []byte, opts WriteOptions) error {
	var b batch.Batch
	b.Delete(key)
	return d.Write(&b, opts)
}

// Write applies b atomically. The batch gets consecutive sequence numbers,
// is appended to the WAL and then applied to the memtable; readers see it
// only once the whole batch is in.
func (d *DB) Write(b *batch.Batch, opts WriteOptions) error {
	if b == nil || b.Empty() {
		return nil
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := d.makeRoomForWrite(false); err != nil {
		return err
	}

	start := time.Now()
	first := d.seq.Val() + 1
	last := first + types.SeqNum(b.Count()) - 1
	if last > types.MaxSeqNum {
		return dberrors.InvalidArgumentf("sequence space exhausted")
	}
	b.SetSequence(first)

	d.mu.Lock()
	mem, log := d.mem, d.log
	d.mu.Unlock()

	if !opts.DisableWAL {
		if err := log.AddRecord(b.Contents()); err != nil {
			d.degrade(fmt.Errorf("append WAL: %w", err))
			return err
		}
		if opts.Sync || d.opts.WAL.SyncWrites {
			if err := log.Sync(); err != nil {
				d.degrade(fmt.Errorf("sync WAL: %w", err))
				return err
			}
		}
	}
	if err := applyBatch(mem, b); err != nil {
		// the WAL already holds the batch, so memory and log disagree
		d.degrade(fmt.Errorf("apply batch: %w", err))
		return err
	}
	d.seq.Set(last)

	d.metrics.IncCounter("embeddb_writes_total", nil, float64(b.Count()))
	d.metrics.IncCounter("embeddb_write_bytes_total", nil, float64(b.Size()))
	d.metrics.ObserveHistogram("embeddb_write_seconds", nil, time.Since(start).Seconds())
	return nil
}

// makeRoomForWrite makes sure the memtable can take a write, rotating it
// when full and stalling while flushes or level-0 compaction lag behind.
// force rotates a non-empty memtable regardless of its size. Callers hold
// writeMu.
func (d *DB) makeRoomForWrite(force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stalled := time.Time{}
	defer func() {
		if !stalled.IsZero() {
			d.metrics.ObserveHistogram("embeddb_write_stall_seconds", nil, time.Since(stalled).Seconds())
		}
	}()
	stall := func(reason string) {
		if stalled.IsZero() {
			stalled = time.Now()
			d.logger.Info("stalling writes", "reason", reason)
		}
		d.cond.Wait()
	}

	for {
		switch {
		case d.closed:
			return dberrors.ErrClosed
		case d.bgErr != nil:
			return d.bgErr
		case !force && d.mem.ApproximateSize() < d.opts.Memtable.WriteBufferSize:
			return nil
		case force && d.mem.Empty():
			return nil
		case len(d.imm) >= d.opts.Memtable.MaxImmTables:
			d.maybeScheduleFlush()
			stall("too many immutable memtables")
		case !d.opts.Compaction.Disabled && d.level0Files() >= d.opts.Compaction.L0StopWritesTrigger:
			d.maybeScheduleCompaction()
			stall("too many level-0 files")
		default:
			if err := d.rotateMemtable(); err != nil {
				return err
			}
			force = false
		}
	}
}

func (d *DB) level0Files() int {
	v := d.vs.Current()
	defer v.Unref()
	return v.NumFiles(0)
}

// rotateMemtable freezes the memtable and starts a new WAL segment for its
// successor. Callers hold d.mu and writeMu.
func (d *DB) rotateMemtable() error {
	num := d.vs.NewFileNumber()
	log, err := d.createLog(num)
	if err != nil {
		d.bgErr = dberrors.Degraded(fmt.Errorf("create WAL: %w", err))
		d.logger.Error("database degraded to read-only", "error", err)
		d.cond.Broadcast()
		return d.bgErr
	}

	old := d.log
	if err := old.Sync(); err != nil {
		d.logger.Warn("failed to sync WAL before rotation", "error", err)
	}
	if err := old.Close(); err != nil {
		d.logger.Warn("failed to close WAL", "error", err)
	}

	d.mem.Freeze()
	d.imm = append(d.imm, d.mem)
	d.mem = memtable.New(num)
	d.log = log
	d.logger.Debug("rotated memtable", "log", num, "immutable", len(d.imm))
	d.maybeScheduleFlush()
	return nil
}

// Flush writes the current memtable to a table and waits until it and every
// older memtable are durable in the version.
func (d *DB) Flush() error {
	d.writeMu.Lock()
	d.mu.Lock()
	var target *memtable.Memtable
	if !d.mem.Empty() {
		target = d.mem
	} else if n := len(d.imm); n > 0 {
		target = d.imm[n-1]
	}
	d.mu.Unlock()
	err := d.makeRoomForWrite(true)
	d.writeMu.Unlock()
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for slices.Contains(d.imm, target) {
		switch {
		case d.closed:
			return dberrors.ErrClosed
		case d.bgErr != nil:
			return d.bgErr
		}
		d.maybeScheduleFlush()
		d.cond.Wait()
	}
	return nil
}
