package db

import (
	"bytes"
	"errors"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/iterator"
	"embeddb/pkg/keys"
	"embeddb/pkg/memtable"
	"embeddb/pkg/snapshot"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
)

// readState is what a reader needs from the shared state, captured under
// one short lock. The caller must Unref v.
type readState struct {
	mem *memtable.Memtable
	imm []*memtable.Memtable
	v   *version.Version
}

func (d *DB) acquireReadState() (readState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return readState{}, dberrors.ErrClosed
	}
	return readState{
		mem: d.mem,
		imm: append([]*memtable.Memtable(nil), d.imm...),
		v:   d.vs.Current(),
	}, nil
}

func (d *DB) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return dberrors.ErrClosed
	case d.bgErr != nil:
		return d.bgErr
	}
	return nil
}

// readSeq resolves the sequence bound of a read.
func (d *DB) readSeq(opts ReadOptions) (types.SeqNum, error) {
	if opts.Snapshot == nil {
		return d.seq.Val(), nil
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, dberrors.InvalidArgumentf("snapshot used against a closed database")
	}
	if !d.snapshots.Owns(opts.Snapshot) {
		return 0, dberrors.InvalidArgumentf("snapshot is released or belongs to another database")
	}
	return opts.Snapshot.Sequence(), nil
}

// Get returns the value of key, or ErrNotFound. The returned slice is owned
// by the caller.
func (d *DB) Get(key []byte, opts ReadOptions) ([]byte, error) {
	seq, err := d.readSeq(opts)
	if err != nil {
		return nil, err
	}
	rs, err := d.acquireReadState()
	if err != nil {
		return nil, err
	}
	defer rs.v.Unref()

	d.metrics.IncCounter("embeddb_reads_total", nil, 1)

	if value, found, deleted := rs.mem.Get(key, seq); found {
		return visible(value, deleted)
	}
	for i := len(rs.imm) - 1; i >= 0; i-- {
		if value, found, deleted := rs.imm[i].Get(key, seq); found {
			return visible(value, deleted)
		}
	}

	value, deleted, err := rs.v.Get(d.tables, key, seq)
	if err != nil {
		if !errors.Is(err, dberrors.ErrNotFound) {
			d.logger.Error("table read failed", "key", key, "error", err)
		}
		return nil, err
	}
	return visible(value, deleted)
}

func visible(value []byte, deleted bool) ([]byte, error) {
	if deleted {
		return nil, dberrors.ErrNotFound
	}
	return bytes.Clone(value), nil
}

// NewIterator returns an iterator over user keys as of the read's sequence
// bound. It keeps the files it reads alive until Close.
func (d *DB) NewIterator(opts ReadOptions) (iterator.Iterator, error) {
	seq, err := d.readSeq(opts)
	if err != nil {
		return nil, err
	}
	rs, err := d.acquireReadState()
	if err != nil {
		return nil, err
	}

	children := []iterator.Iterator{rs.mem.NewIterator()}
	for i := len(rs.imm) - 1; i >= 0; i-- {
		children = append(children, rs.imm[i].NewIterator())
	}
	l0 := rs.v.Files(0)
	for i := len(l0) - 1; i >= 0; i-- {
		it, err := d.tables.NewIterator(l0[i])
		if err != nil {
			return closeAll(children, rs.v, err)
		}
		children = append(children, it)
	}
	for level := 1; level < version.NumLevels; level++ {
		for _, f := range rs.v.Files(level) {
			it, err := d.tables.NewIterator(f)
			if err != nil {
				return closeAll(children, rs.v, err)
			}
			children = append(children, it)
		}
	}

	return newDBIter(iterator.NewMerging(keys.Compare, children...), seq, rs.v), nil
}

func closeAll(its []iterator.Iterator, v *version.Version, err error) (iterator.Iterator, error) {
	for _, it := range its {
		it.Close()
	}
	v.Unref()
	return nil, err
}

// NewSnapshot pins the current sequence. Reads with the snapshot ignore
// every later write until it is closed.
func (d *DB) NewSnapshot() (*snapshot.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, dberrors.ErrClosed
	}
	return d.snapshots.New(d.seq.Val()), nil
}
