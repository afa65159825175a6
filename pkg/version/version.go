package version

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

// TableGetter looks a search key up in one table file. It returns
// dberrors.ErrNotFound when the file holds no entry for the search key's user
// key at or below its sequence.
type TableGetter interface {
	Get(f *FileMetadata, searchKey []byte) (ikey, value []byte, err error)
}

// Version is an immutable set of table files organized by level. Level 0 is
// ordered by file number (oldest first) and may overlap; deeper levels are
// ordered by key and never overlap.
type Version struct {
	set   *Set
	files [NumLevels][]*FileMetadata
	refs  atomic.Int32

	// filled in when the version is installed
	compactionScore float64
	compactionLevel int
	fileToCompact   *FileMetadata
	fileToCompactLv int
}

// Ref pins the version and, through it, its files.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases a reference. The last one releases the version's files.
func (v *Version) Unref() {
	if n := v.refs.Add(-1); n == 0 && v.set != nil {
		v.set.release(v)
	} else if n < 0 {
		panic("version: negative reference count")
	}
}

// Files returns the files of a level. The slice must not be modified.
func (v *Version) Files(level int) []*FileMetadata {
	return v.files[level]
}

func (v *Version) NumFiles(level int) int {
	return len(v.files[level])
}

func (v *Version) LevelSize(level int) uint64 {
	return TotalSize(v.files[level])
}

// CompactionScore returns the highest level score and its level. A score of
// at least 1 means the level needs compaction.
func (v *Version) CompactionScore() (float64, int) {
	return v.compactionScore, v.compactionLevel
}

// FileToCompact returns a file whose key range overlaps too many files in the
// next level, if any.
func (v *Version) FileToCompact() (*FileMetadata, int) {
	return v.fileToCompact, v.fileToCompactLv
}

// Apply returns a new Version equal to v with edit applied. v is unchanged.
func (v *Version) Apply(edit *Edit) (*Version, error) {
	nv := &Version{set: v.set}
	for level := 0; level < NumLevels; level++ {
		kept := make([]*FileMetadata, 0, len(v.files[level]))
		for _, f := range v.files[level] {
			if _, gone := edit.DeletedFiles[DeletedFile{Level: level, Num: f.Num}]; !gone {
				kept = append(kept, f)
			}
		}
		if len(v.files[level])-len(kept) != countDeleted(edit, level) {
			return nil, dberrors.Corruptionf("version edit deletes a file missing from level %d", level)
		}
		nv.files[level] = kept
	}

	for _, nf := range edit.NewFiles {
		f := nf.Meta
		if len(f.Smallest) < keys.TrailerLen || len(f.Largest) < keys.TrailerLen {
			return nil, dberrors.Corruptionf("file %d has malformed bounds", f.Num)
		}
		if keys.Compare(f.Smallest, f.Largest) > 0 {
			return nil, dberrors.Corruptionf("file %d has smallest key after largest key", f.Num)
		}
		nv.files[nf.Level] = append(nv.files[nf.Level], f)
	}

	slices.SortFunc(nv.files[0], func(a, b *FileMetadata) int {
		return compareNum(a.Num, b.Num)
	})
	for level := 1; level < NumLevels; level++ {
		files := nv.files[level]
		slices.SortFunc(files, func(a, b *FileMetadata) int {
			return keys.Compare(a.Smallest, b.Smallest)
		})
		for i := 1; i < len(files); i++ {
			if keys.CompareUser(files[i-1].LargestUser(), files[i].SmallestUser()) >= 0 {
				return nil, dberrors.Corruptionf("level %d: files %d and %d overlap",
					level, files[i-1].Num, files[i].Num)
			}
		}
	}
	return nv, nil
}

func countDeleted(edit *Edit, level int) int {
	n := 0
	for df := range edit.DeletedFiles {
		if df.Level == level {
			n++
		}
	}
	return n
}

func compareNum(a, b types.FileNum) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Get searches the version's files for ukey at seq: level 0 newest file
// first, then one candidate file per deeper level. It returns ErrNotFound
// when no file holds a visible entry; deleted reports a tombstone.
func (v *Version) Get(tg TableGetter, ukey []byte, seq types.SeqNum) (value []byte, deleted bool, err error) {
	searchKey := keys.SearchKey(ukey, seq)

	probe := func(f *FileMetadata) (bool, error) {
		ikey, val, err := tg.Get(f, searchKey)
		if errors.Is(err, dberrors.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		pk, err := keys.Parse(ikey)
		if err != nil {
			return false, err
		}
		if pk.Kind == types.KindDeletion {
			deleted = true
		} else {
			value = val
		}
		return true, nil
	}

	l0 := v.files[0]
	for i := len(l0) - 1; i >= 0; i-- {
		if !l0[i].ContainsUser(ukey) {
			continue
		}
		if found, err := probe(l0[i]); err != nil || found {
			return value, deleted, err
		}
	}

	for level := 1; level < NumLevels; level++ {
		files := v.files[level]
		i := sort.Search(len(files), func(i int) bool {
			return keys.Compare(files[i].Largest, searchKey) >= 0
		})
		if i == len(files) || keys.CompareUser(ukey, files[i].SmallestUser()) < 0 {
			continue
		}
		if found, err := probe(files[i]); err != nil || found {
			return value, deleted, err
		}
	}
	return nil, false, dberrors.ErrNotFound
}

// Overlaps reports whether any file in level intersects [smallest, largest].
func (v *Version) Overlaps(level int, smallest, largest []byte) bool {
	if level == 0 {
		for _, f := range v.files[0] {
			if f.OverlapsUser(smallest, largest) {
				return true
			}
		}
		return false
	}
	files := v.files[level]
	i := v.firstNotBefore(level, smallest)
	return i < len(files) && (largest == nil || keys.CompareUser(files[i].SmallestUser(), largest) <= 0)
}

// firstNotBefore returns the index of the first file in a sorted level whose
// largest user key is >= ukey.
func (v *Version) firstNotBefore(level int, ukey []byte) int {
	files := v.files[level]
	if ukey == nil {
		return 0
	}
	return sort.Search(len(files), func(i int) bool {
		return keys.CompareUser(files[i].LargestUser(), ukey) >= 0
	})
}

// OverlappingInputs returns the files of level intersecting [begin, end]; nil
// bounds are open. For level 0 the range grows until it covers every file it
// touches, since level-0 files overlap each other.
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*FileMetadata {
	if level > 0 {
		var out []*FileMetadata
		for i := v.firstNotBefore(level, begin); i < len(v.files[level]); i++ {
			f := v.files[level][i]
			if end != nil && keys.CompareUser(f.SmallestUser(), end) > 0 {
				break
			}
			out = append(out, f)
		}
		return out
	}

	for {
		var out []*FileMetadata
		restart := false
		for _, f := range v.files[0] {
			if !f.OverlapsUser(begin, end) {
				continue
			}
			out = append(out, f)
			if begin != nil && keys.CompareUser(f.SmallestUser(), begin) < 0 {
				begin, restart = f.SmallestUser(), true
			}
			if end != nil && keys.CompareUser(f.LargestUser(), end) > 0 {
				end, restart = f.LargestUser(), true
			}
		}
		if !restart {
			return out
		}
	}
}

// IsBaseLevelForKey reports whether no level deeper than level can hold ukey.
func (v *Version) IsBaseLevelForKey(level int, ukey []byte) bool {
	for lv := level + 1; lv < NumLevels; lv++ {
		files := v.files[lv]
		i := v.firstNotBefore(lv, ukey)
		if i < len(files) && files[i].ContainsUser(ukey) {
			return false
		}
	}
	return true
}

// AllFiles returns every file of every level.
func (v *Version) AllFiles() []*FileMetadata {
	var out []*FileMetadata
	for level := range v.files {
		out = append(out, v.files[level]...)
	}
	return out
}

func (v *Version) String() string {
	var sb strings.Builder
	for level, files := range v.files {
		if len(files) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "L%d:", level)
		for _, f := range files {
			sb.WriteString(" ")
			sb.WriteString(f.String())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
