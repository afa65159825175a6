package version

import (
	"testing"

	"github.com/stretchr/testify/require"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

func file(num types.FileNum, smallest, largest string, seq types.SeqNum) *FileMetadata {
	return &FileMetadata{
		Num:         num,
		Size:        100,
		Smallest:    keys.Make([]byte(smallest), seq, types.KindValue),
		Largest:     keys.Make([]byte(largest), seq, types.KindValue),
		SmallestSeq: seq,
		LargestSeq:  seq,
	}
}

func TestEdit_EncodeDecode(t *testing.T) {
	var e Edit
	e.SetComparator(ComparatorName)
	e.SetLogNumber(4)
	e.SetPrevLogNumber(3)
	e.SetNextFileNumber(9)
	e.SetLastSequence(1234)
	e.SetCompactPointer(2, keys.Make([]byte("m"), 7, types.KindValue))
	e.DeleteFile(1, 5)
	e.AddFile(2, file(8, "a", "k", 20))

	var got Edit
	require.NoError(t, got.Decode(e.Encode()))
	require.Equal(t, e.Comparator, got.Comparator)
	require.Equal(t, types.FileNum(4), got.LogNumber)
	require.Equal(t, types.FileNum(3), got.PrevLogNumber)
	require.Equal(t, types.FileNum(9), got.NextFileNumber)
	require.Equal(t, types.SeqNum(1234), got.LastSequence)
	require.Equal(t, e.CompactPointers, got.CompactPointers)
	require.Equal(t, e.DeletedFiles, got.DeletedFiles)
	require.Len(t, got.NewFiles, 1)
	require.Equal(t, 2, got.NewFiles[0].Level)
	require.Equal(t, *e.NewFiles[0].Meta, *got.NewFiles[0].Meta)
}

func TestEdit_DecodeLegacyNewFile(t *testing.T) {
	f := file(3, "a", "b", 0)
	var rec []byte
	rec = append(rec, byte(tagNewFile), 0, 3, 100)
	rec = append(rec, byte(len(f.Smallest)))
	rec = append(rec, f.Smallest...)
	rec = append(rec, byte(len(f.Largest)))
	rec = append(rec, f.Largest...)

	var e Edit
	require.NoError(t, e.Decode(rec))
	require.Len(t, e.NewFiles, 1)
	require.Equal(t, types.FileNum(3), e.NewFiles[0].Meta.Num)
	require.Equal(t, uint64(100), e.NewFiles[0].Meta.Size)
}

func TestEdit_DecodeCorruption(t *testing.T) {
	var e Edit
	require.ErrorIs(t, e.Decode([]byte{42, 1}), dberrors.ErrCorruption)
	require.ErrorIs(t, e.Decode([]byte{byte(tagLogNumber)}), dberrors.ErrCorruption)
	require.ErrorIs(t, e.Decode([]byte{byte(tagDeletedFile), 9, 1}), dberrors.ErrCorruption)
	require.ErrorIs(t, e.Decode([]byte{byte(tagDeletedFile), 1, 1, byte(tagDeletedFile), 1, 1}),
		dberrors.ErrCorruption)

	var twice Edit
	twice.AddFile(1, file(7, "a", "b", 1))
	twice.AddFile(2, file(7, "c", "d", 1))
	require.ErrorIs(t, e.Decode(twice.Encode()), dberrors.ErrCorruption)
}

func TestApply(t *testing.T) {
	base := &Version{}

	var e1 Edit
	e1.AddFile(0, file(5, "c", "f", 5))
	e1.AddFile(0, file(3, "a", "z", 3))
	e1.AddFile(1, file(4, "m", "p", 1))
	e1.AddFile(1, file(2, "a", "d", 1))
	v1, err := base.Apply(&e1)
	require.NoError(t, err)

	require.Equal(t, 0, base.NumFiles(0))
	require.Equal(t, []types.FileNum{3, 5}, nums(v1.Files(0)))
	require.Equal(t, []types.FileNum{2, 4}, nums(v1.Files(1)))

	var e2 Edit
	e2.DeleteFile(1, 2)
	e2.AddFile(1, file(6, "b", "e", 1))
	v2, err := v1.Apply(&e2)
	require.NoError(t, err)
	require.Equal(t, []types.FileNum{6, 4}, nums(v2.Files(1)))

	var overlap Edit
	overlap.AddFile(1, file(7, "n", "q", 1))
	_, err = v2.Apply(&overlap)
	require.ErrorIs(t, err, dberrors.ErrCorruption)

	var missing Edit
	missing.DeleteFile(3, 99)
	_, err = v2.Apply(&missing)
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}

func nums(files []*FileMetadata) []types.FileNum {
	var out []types.FileNum
	for _, f := range files {
		out = append(out, f.Num)
	}
	return out
}

type fakeTables map[types.FileNum][]entry

type entry struct {
	ikey  []byte
	value string
}

func (ft fakeTables) Get(f *FileMetadata, searchKey []byte) ([]byte, []byte, error) {
	for _, e := range ft[f.Num] {
		if keys.Compare(e.ikey, searchKey) >= 0 {
			if keys.CompareUser(keys.UserKey(e.ikey), keys.UserKey(searchKey)) == 0 {
				return e.ikey, []byte(e.value), nil
			}
			break
		}
	}
	return nil, nil, dberrors.ErrNotFound
}

func TestVersion_Get(t *testing.T) {
	tables := fakeTables{
		1: {{keys.Make([]byte("a"), 1, types.KindValue), "a1"}, {keys.Make([]byte("b"), 2, types.KindValue), "b2"}},
		2: {{keys.Make([]byte("b"), 5, types.KindDeletion), ""}},
		3: {{keys.Make([]byte("a"), 8, types.KindValue), "a8"}},
	}

	var e Edit
	e.AddFile(2, file(1, "a", "b", 1))
	e.AddFile(0, file(2, "b", "b", 5))
	e.AddFile(0, file(3, "a", "a", 8))
	v, err := (&Version{}).Apply(&e)
	require.NoError(t, err)

	val, deleted, err := v.Get(tables, []byte("a"), 10)
	require.NoError(t, err)
	require.False(t, deleted)
	require.Equal(t, "a8", string(val))

	val, _, err = v.Get(tables, []byte("a"), 7)
	require.NoError(t, err)
	require.Equal(t, "a1", string(val))

	_, deleted, err = v.Get(tables, []byte("b"), 10)
	require.NoError(t, err)
	require.True(t, deleted)

	val, deleted, err = v.Get(tables, []byte("b"), 4)
	require.NoError(t, err)
	require.False(t, deleted)
	require.Equal(t, "b2", string(val))

	_, _, err = v.Get(tables, []byte("c"), 10)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestOverlappingInputs(t *testing.T) {
	var e Edit
	e.AddFile(0, file(1, "a", "c", 1))
	e.AddFile(0, file(2, "b", "f", 2))
	e.AddFile(0, file(3, "e", "g", 3))
	e.AddFile(0, file(4, "x", "z", 4))
	e.AddFile(1, file(5, "a", "b", 1))
	e.AddFile(1, file(6, "d", "h", 1))
	e.AddFile(1, file(7, "m", "n", 1))
	v, err := (&Version{}).Apply(&e)
	require.NoError(t, err)

	// touching [a,a] pulls in the whole chain a..g on level 0
	require.Equal(t, []types.FileNum{1, 2, 3}, nums(v.OverlappingInputs(0, []byte("a"), []byte("a"))))
	require.Equal(t, []types.FileNum{6}, nums(v.OverlappingInputs(1, []byte("c"), []byte("e"))))
	require.Equal(t, []types.FileNum{5, 6, 7}, nums(v.OverlappingInputs(1, nil, nil)))
	require.Empty(t, v.OverlappingInputs(1, []byte("i"), []byte("l")))

	require.True(t, v.Overlaps(1, []byte("c"), []byte("d")))
	require.False(t, v.Overlaps(1, []byte("o"), []byte("w")))
	require.True(t, v.Overlaps(0, []byte("y"), []byte("y")))

	require.False(t, v.IsBaseLevelForKey(0, []byte("m")))
	require.True(t, v.IsBaseLevelForKey(0, []byte("k")))
	require.True(t, v.IsBaseLevelForKey(1, []byte("m")))
}
