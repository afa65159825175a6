package db

import (
	"bytes"

	"embeddb/pkg/iterator"
)

// SearchOptions bound a range search.
type SearchOptions struct {
	ReadOptions
	// Limit of zero means no limit.
	Limit int
}

// SearchResult is one key/value pair found by SearchRange.
type SearchResult struct {
	Key   []byte
	Value []byte
}

// SearchCallback receives results in key order. Returning an error stops the
// search.
type SearchCallback func(SearchResult) error

// SearchEngine is anything that can open a user-key iterator.
type SearchEngine interface {
	NewIterator(opts ReadOptions) (iterator.Iterator, error)
}

// SearchRange calls callback for every key in [start, end]. Nil bounds are
// open.
func SearchRange(engine SearchEngine, start, end []byte, opts SearchOptions, callback SearchCallback) error {
	iter, err := engine.NewIterator(opts.ReadOptions)
	if err != nil {
		return err
	}
	defer iter.Close()

	if start != nil {
		iter.Seek(start)
	} else {
		iter.First()
	}

	count := 0
	for ; iter.Valid() && (opts.Limit == 0 || count < opts.Limit); iter.Next() {
		key := iter.Key()
		if end != nil && bytes.Compare(key, end) > 0 {
			break
		}

		result := SearchResult{
			Key:   key,
			Value: iter.Value(),
		}
		if err := callback(result); err != nil {
			return err
		}
		count++
	}

	return iter.Error()
}
