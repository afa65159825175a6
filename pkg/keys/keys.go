// Package keys implements the internal key codec. An internal key is the user
// key followed by an 8-byte little-endian trailer packing the sequence number
// (high 56 bits) and the entry kind (low 8 bits):
//
//	| user key ... | seq<<8 | kind (uint64 LE) |
//
// Internal keys sort by ascending user key and then by descending trailer, so
// the newest version of a user key always comes first.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/types"
)

// TrailerLen is the number of bytes appended to every user key.
const TrailerLen = 8

// Trailer packs a sequence number and kind.
type Trailer uint64

func MakeTrailer(seq types.SeqNum, kind types.Kind) Trailer {
	return Trailer(uint64(seq)<<8 | uint64(kind))
}

func (t Trailer) SeqNum() types.SeqNum {
	return types.SeqNum(t >> 8)
}

func (t Trailer) Kind() types.Kind {
	return types.Kind(t & 0xff)
}

// ParsedKey is a decoded internal key. UserKey aliases the encoded buffer.
type ParsedKey struct {
	UserKey []byte
	Seq     types.SeqNum
	Kind    types.Kind
}

func (p ParsedKey) String() string {
	return fmt.Sprintf("%q#%d,%s", p.UserKey, p.Seq, p.Kind)
}

// Make encodes an internal key into a freshly allocated buffer.
func Make(userKey []byte, seq types.SeqNum, kind types.Kind) []byte {
	return Append(make([]byte, 0, len(userKey)+TrailerLen), userKey, seq, kind)
}

// Append encodes an internal key onto dst.
func Append(dst, userKey []byte, seq types.SeqNum, kind types.Kind) []byte {
	dst = append(dst, userKey...)
	return binary.LittleEndian.AppendUint64(dst, uint64(MakeTrailer(seq, kind)))
}

// SearchKey builds the key positioned immediately before every entry for
// userKey that is visible at seq.
func SearchKey(userKey []byte, seq types.SeqNum) []byte {
	return Make(userKey, seq, types.KindSeek)
}

// Parse decodes ikey. Keys that are too short or carry an unknown kind are
// reported as corruption.
func Parse(ikey []byte) (ParsedKey, error) {
	if len(ikey) < TrailerLen {
		return ParsedKey{}, dberrors.Corruptionf("internal key too short: %d bytes", len(ikey))
	}
	t := trailer(ikey)
	if !t.Kind().Valid() {
		return ParsedKey{}, dberrors.Corruptionf("internal key has unknown kind %d", t.Kind())
	}

	return ParsedKey{
		UserKey: ikey[:len(ikey)-TrailerLen],
		Seq:     t.SeqNum(),
		Kind:    t.Kind(),
	}, nil
}

// UserKey returns the user key part of ikey. ikey must be at least
// TrailerLen bytes long.
func UserKey(ikey []byte) []byte {
	return ikey[:len(ikey)-TrailerLen]
}

// TrailerOf returns the trailer of ikey.
func TrailerOf(ikey []byte) Trailer {
	return trailer(ikey)
}

func trailer(ikey []byte) Trailer {
	return Trailer(binary.LittleEndian.Uint64(ikey[len(ikey)-TrailerLen:]))
}

// Compare orders internal keys: user key ascending, trailer descending.
func Compare(a, b []byte) int {
	if c := bytes.Compare(UserKey(a), UserKey(b)); c != 0 {
		return c
	}
	ta, tb := trailer(a), trailer(b)
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	default:
		return 0
	}
}

// CompareUser orders plain user keys.
func CompareUser(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Clone returns a copy of b that does not alias the original buffer.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
