package sstable

import (
	"embeddb/pkg/cache"
	"embeddb/pkg/compression"
	"embeddb/pkg/types"
)

const (
	DefaultBlockSize       = 4 << 10
	DefaultRestartInterval = 16
	DefaultBitsPerKey      = 10
)

// WriterOptions tune the table builder.
type WriterOptions struct {
	BlockSize       int
	RestartInterval int
	Compression     compression.Type
	// BitsPerKey of zero disables the filter block.
	BitsPerKey int
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = DefaultRestartInterval
	}
	return o
}

// CacheKey addresses one decoded block in a shared block cache.
type CacheKey struct {
	FileNum types.FileNum
	Offset  uint64
}

// BlockCache is shared by every open table.
type BlockCache = cache.LRU[CacheKey, []byte]

// ReaderOptions tune the table reader.
type ReaderOptions struct {
	Cache *BlockCache
}
