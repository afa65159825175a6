package db

import (
	"embeddb/pkg/snapshot"
)

// ReadOptions define per-read behavior.
type ReadOptions struct {
	// Snapshot bounds the read; nil reads the latest committed state.
	Snapshot *snapshot.Snapshot
}

// WriteOptions define per-write behavior.
type WriteOptions struct {
	// Sync forces the WAL to stable storage before the write returns.
	Sync bool
	// DisableWAL skips the log. The write is lost on a crash before the
	// memtable holding it is flushed.
	DisableWAL bool
}
