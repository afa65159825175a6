package iterator

// Iterator is a forward cursor over a sorted sequence of key-value pairs.
// Engine-internal iterators yield internal keys; the database iterator yields
// user keys. Key and Value are only valid until the next positioning call.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target []byte)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() []byte
	// Value returns the current value.
	Value() []byte
	// Error returns the first error hit while positioning. An iterator with an
	// error is never valid.
	Error() error
	// Close releases resources.
	Close() error
}

// Compare orders the keys an iterator yields.
type Compare func(a, b []byte) int

type emptyIter struct {
	err error
}

// Empty returns an iterator with no entries that reports err.
func Empty(err error) Iterator {
	return &emptyIter{err: err}
}

func (e *emptyIter) Seek([]byte)   {}
func (e *emptyIter) First()        {}
func (e *emptyIter) Next()         {}
func (e *emptyIter) Valid() bool   { return false }
func (e *emptyIter) Key() []byte   { return nil }
func (e *emptyIter) Value() []byte { return nil }
func (e *emptyIter) Error() error  { return e.err }
func (e *emptyIter) Close() error  { return nil }
