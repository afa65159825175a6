package version

import (
	"fmt"

	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

// NumLevels is the depth of the level tree.
const NumLevels = 7

// FileMetadata describes one table file. It is shared by every Version that
// lists the file; refs counts those Versions.
type FileMetadata struct {
	Num         types.FileNum
	Size        uint64
	Smallest    []byte
	Largest     []byte
	SmallestSeq types.SeqNum
	LargestSeq  types.SeqNum

	// guarded by Set.mu
	refs int
}

func (f *FileMetadata) SmallestUser() []byte { return keys.UserKey(f.Smallest) }
func (f *FileMetadata) LargestUser() []byte  { return keys.UserKey(f.Largest) }

// ContainsUser reports whether ukey falls inside the file's user-key range.
func (f *FileMetadata) ContainsUser(ukey []byte) bool {
	return keys.CompareUser(ukey, f.SmallestUser()) >= 0 &&
		keys.CompareUser(ukey, f.LargestUser()) <= 0
}

// OverlapsUser reports whether [start, end] intersects the file. A nil bound
// is unbounded.
func (f *FileMetadata) OverlapsUser(start, end []byte) bool {
	if start != nil && keys.CompareUser(f.LargestUser(), start) < 0 {
		return false
	}
	if end != nil && keys.CompareUser(f.SmallestUser(), end) > 0 {
		return false
	}
	return true
}

func (f *FileMetadata) String() string {
	return fmt.Sprintf("%06d:%d[%s..%s]", f.Num, f.Size, mustParse(f.Smallest), mustParse(f.Largest))
}

func mustParse(ikey []byte) string {
	pk, err := keys.Parse(ikey)
	if err != nil {
		return fmt.Sprintf("%x", ikey)
	}
	return pk.String()
}

// TotalSize sums file sizes.
func TotalSize(files []*FileMetadata) uint64 {
	var n uint64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// UserRange returns the smallest and largest user keys covered by files.
func UserRange(files []*FileMetadata) (smallest, largest []byte) {
	for i, f := range files {
		if i == 0 || keys.CompareUser(f.SmallestUser(), smallest) < 0 {
			smallest = f.SmallestUser()
		}
		if i == 0 || keys.CompareUser(f.LargestUser(), largest) > 0 {
			largest = f.LargestUser()
		}
	}
	return smallest, largest
}
