package db

import (
	"bytes"
	"errors"

	"embeddb/pkg/iterator"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
)

// dbIter turns a merged stream of internal keys into user keys: it hides
// entries newer than seq, older versions of a key and deleted keys.
type dbIter struct {
	it  iterator.Iterator
	seq types.SeqNum
	v   *version.Version

	key, value []byte
	valid      bool
	err        error
}

func newDBIter(it iterator.Iterator, seq types.SeqNum, v *version.Version) *dbIter {
	return &dbIter{it: it, seq: seq, v: v}
}

func (i *dbIter) First() {
	i.it.First()
	i.findNextUserEntry(false, nil)
}

// Seek moves to the first user key >= target.
func (i *dbIter) Seek(target []byte) {
	i.it.Seek(keys.SearchKey(target, i.seq))
	i.findNextUserEntry(false, nil)
}

func (i *dbIter) Next() {
	if !i.valid {
		return
	}
	skip := i.key
	i.it.Next()
	i.findNextUserEntry(true, skip)
}

// findNextUserEntry stops at the newest visible version of the next user key
// that is not deleted. With skipping set every key <= skip is passed over.
func (i *dbIter) findNextUserEntry(skipping bool, skip []byte) {
	for ; i.it.Valid(); i.it.Next() {
		pk, err := keys.Parse(i.it.Key())
		if err != nil {
			i.err = err
			break
		}
		if pk.Seq > i.seq {
			continue
		}
		if skipping && bytes.Compare(pk.UserKey, skip) <= 0 {
			continue
		}
		switch pk.Kind {
		case types.KindDeletion:
			skip = append(skip[:0:0], pk.UserKey...)
			skipping = true
		case types.KindValue:
			i.key = append(i.key[:0:0], pk.UserKey...)
			i.value = append(i.value[:0:0], i.it.Value()...)
			i.valid = true
			return
		}
	}
	i.valid = false
	if i.err == nil {
		i.err = i.it.Error()
	}
}

func (i *dbIter) Valid() bool   { return i.valid }
func (i *dbIter) Key() []byte   { return i.key }
func (i *dbIter) Value() []byte { return i.value }
func (i *dbIter) Error() error  { return i.err }

func (i *dbIter) Close() error {
	if i.v == nil {
		return nil
	}
	err := i.it.Close()
	i.v.Unref()
	i.v = nil
	i.valid = false
	return errors.Join(err, i.err)
}
