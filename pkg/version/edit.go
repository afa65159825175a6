package version

import (
	"encoding/binary"
	"fmt"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/types"
)

// ComparatorName is recorded in every manifest and checked on recovery.
const ComparatorName = "embeddb.BytewiseComparator"

type tag uint64

const (
	tagComparator     tag = 1
	tagLogNumber      tag = 2
	tagNextFileNumber tag = 3
	tagLastSequence   tag = 4
	tagCompactPointer tag = 5
	tagDeletedFile    tag = 6
	tagNewFile        tag = 7
	tagPrevLogNumber  tag = 9
	tagNewFile2       tag = 100
)

type DeletedFile struct {
	Level int
	Num   types.FileNum
}

type NewFile struct {
	Level int
	Meta  *FileMetadata
}

type CompactPointer struct {
	Level int
	Key   []byte
}

// Edit is an atomic delta between two Versions. Unset scalar fields are left
// unchanged when the edit is applied.
type Edit struct {
	Comparator     string
	LogNumber      types.FileNum
	PrevLogNumber  types.FileNum
	NextFileNumber types.FileNum
	LastSequence   types.SeqNum

	HasComparator     bool
	HasLogNumber      bool
	HasPrevLogNumber  bool
	HasNextFileNumber bool
	HasLastSequence   bool

	CompactPointers []CompactPointer
	DeletedFiles    map[DeletedFile]struct{}
	NewFiles        []NewFile
}

func (e *Edit) SetComparator(name string) {
	e.Comparator, e.HasComparator = name, true
}

func (e *Edit) SetLogNumber(n types.FileNum) {
	e.LogNumber, e.HasLogNumber = n, true
}

func (e *Edit) SetPrevLogNumber(n types.FileNum) {
	e.PrevLogNumber, e.HasPrevLogNumber = n, true
}

func (e *Edit) SetNextFileNumber(n types.FileNum) {
	e.NextFileNumber, e.HasNextFileNumber = n, true
}

func (e *Edit) SetLastSequence(seq types.SeqNum) {
	e.LastSequence, e.HasLastSequence = seq, true
}

func (e *Edit) SetCompactPointer(level int, ikey []byte) {
	e.CompactPointers = append(e.CompactPointers, CompactPointer{Level: level, Key: append([]byte(nil), ikey...)})
}

func (e *Edit) AddFile(level int, f *FileMetadata) {
	e.NewFiles = append(e.NewFiles, NewFile{Level: level, Meta: f})
}

func (e *Edit) DeleteFile(level int, num types.FileNum) {
	if e.DeletedFiles == nil {
		e.DeletedFiles = make(map[DeletedFile]struct{})
	}
	e.DeletedFiles[DeletedFile{Level: level, Num: num}] = struct{}{}
}

// Encode serializes the edit. New files are always written with their
// sequence range.
func (e *Edit) Encode() []byte {
	var buf []byte
	putUvarint := func(v uint64) { buf = binary.AppendUvarint(buf, v) }
	putBytes := func(b []byte) {
		putUvarint(uint64(len(b)))
		buf = append(buf, b...)
	}

	if e.HasComparator {
		putUvarint(uint64(tagComparator))
		putBytes([]byte(e.Comparator))
	}
	if e.HasLogNumber {
		putUvarint(uint64(tagLogNumber))
		putUvarint(uint64(e.LogNumber))
	}
	if e.HasPrevLogNumber {
		putUvarint(uint64(tagPrevLogNumber))
		putUvarint(uint64(e.PrevLogNumber))
	}
	if e.HasNextFileNumber {
		putUvarint(uint64(tagNextFileNumber))
		putUvarint(uint64(e.NextFileNumber))
	}
	if e.HasLastSequence {
		putUvarint(uint64(tagLastSequence))
		putUvarint(uint64(e.LastSequence))
	}
	for _, cp := range e.CompactPointers {
		putUvarint(uint64(tagCompactPointer))
		putUvarint(uint64(cp.Level))
		putBytes(cp.Key)
	}
	for df := range e.DeletedFiles {
		putUvarint(uint64(tagDeletedFile))
		putUvarint(uint64(df.Level))
		putUvarint(uint64(df.Num))
	}
	for _, nf := range e.NewFiles {
		f := nf.Meta
		putUvarint(uint64(tagNewFile2))
		putUvarint(uint64(nf.Level))
		putUvarint(uint64(f.Num))
		putUvarint(f.Size)
		putBytes(f.Smallest)
		putBytes(f.Largest)
		putUvarint(uint64(f.SmallestSeq))
		putUvarint(uint64(f.LargestSeq))
	}
	return buf
}

type editDecoder struct {
	src []byte
	err error
}

func (d *editDecoder) uvarint(field string) uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.src)
	if n <= 0 {
		d.err = dberrors.Corruptionf("version edit: bad %s", field)
		return 0
	}
	d.src = d.src[n:]
	return v
}

func (d *editDecoder) bytes(field string) []byte {
	l := d.uvarint(field + " length")
	if d.err != nil {
		return nil
	}
	if l > uint64(len(d.src)) {
		d.err = dberrors.Corruptionf("version edit: %s overruns record", field)
		return nil
	}
	b := append([]byte(nil), d.src[:l]...)
	d.src = d.src[l:]
	return b
}

func (d *editDecoder) level() int {
	l := d.uvarint("level")
	if d.err == nil && l >= NumLevels {
		d.err = dberrors.Corruptionf("version edit: level %d out of range", l)
	}
	return int(l)
}

// Decode replaces e with the edit encoded in src.
func (e *Edit) Decode(src []byte) error {
	*e = Edit{}
	d := &editDecoder{src: src}
	added := make(map[types.FileNum]struct{})

	for len(d.src) > 0 && d.err == nil {
		switch t := tag(d.uvarint("tag")); t {
		case tagComparator:
			e.SetComparator(string(d.bytes("comparator")))
		case tagLogNumber:
			e.SetLogNumber(types.FileNum(d.uvarint("log number")))
		case tagPrevLogNumber:
			e.SetPrevLogNumber(types.FileNum(d.uvarint("prev log number")))
		case tagNextFileNumber:
			e.SetNextFileNumber(types.FileNum(d.uvarint("next file number")))
		case tagLastSequence:
			e.SetLastSequence(types.SeqNum(d.uvarint("last sequence")))
		case tagCompactPointer:
			level := d.level()
			key := d.bytes("compact pointer")
			if d.err == nil {
				e.CompactPointers = append(e.CompactPointers, CompactPointer{Level: level, Key: key})
			}
		case tagDeletedFile:
			level := d.level()
			num := types.FileNum(d.uvarint("deleted file"))
			if d.err != nil {
				break
			}
			if _, dup := e.DeletedFiles[DeletedFile{level, num}]; dup {
				return dberrors.Corruptionf("version edit: file %d deleted twice", num)
			}
			e.DeleteFile(level, num)
		case tagNewFile, tagNewFile2:
			level := d.level()
			f := &FileMetadata{
				Num:  types.FileNum(d.uvarint("file number")),
				Size: d.uvarint("file size"),
			}
			f.Smallest = d.bytes("smallest key")
			f.Largest = d.bytes("largest key")
			if t == tagNewFile2 {
				f.SmallestSeq = types.SeqNum(d.uvarint("smallest seq"))
				f.LargestSeq = types.SeqNum(d.uvarint("largest seq"))
			}
			if d.err != nil {
				break
			}
			if _, dup := added[f.Num]; dup {
				return dberrors.Corruptionf("version edit: file %d added twice", f.Num)
			}
			added[f.Num] = struct{}{}
			e.AddFile(level, f)
		default:
			if d.err == nil {
				return dberrors.Corruptionf("version edit: unknown tag %d", t)
			}
		}
	}
	return d.err
}

func (e *Edit) String() string {
	return fmt.Sprintf("edit{log=%d prev=%d next=%d last=%d added=%d deleted=%d}",
		e.LogNumber, e.PrevLogNumber, e.NextFileNumber, e.LastSequence, len(e.NewFiles), len(e.DeletedFiles))
}
