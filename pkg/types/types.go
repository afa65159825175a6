package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqNum is a monotonically increasing sequence used for MVCC and WAL ordering.
// Only the low 56 bits are usable: the sequence shares a 64-bit trailer with
// the entry kind inside every internal key.
type SeqNum uint64

// MaxSeqNum is the largest sequence number that fits into a key trailer.
const MaxSeqNum SeqNum = 1<<56 - 1

// Kind tells whether an entry carries a value or deletes its key.
type Kind uint8

const (
	KindDeletion Kind = 0
	KindValue    Kind = 1

	// KindSeek sorts before every real kind for an equal (user key, seq)
	// pair, so a search key built with it lands on the newest visible entry.
	KindSeek Kind = 0xff
)

func (k Kind) Valid() bool {
	return k == KindDeletion || k == KindValue
}

func (k Kind) String() string {
	switch k {
	case KindDeletion:
		return "DEL"
	case KindValue:
		return "SET"
	case KindSeek:
		return "SEEK"
	default:
		return "UNKNOWN"
	}
}

// FileNum identifies a log, table or manifest file inside a database directory.
type FileNum uint64
