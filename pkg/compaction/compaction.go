package compaction

import (
	"fmt"

	"embeddb/pkg/keys"
	"embeddb/pkg/version"
)

// Compaction describes one merge of Inputs[0] (from Level) with the
// overlapping Inputs[1] (from Level+1).
type Compaction struct {
	Level        int
	Inputs       [2][]*version.FileMetadata
	Grandparents []*version.FileMetadata
	Edit         *version.Edit
	// Manual compactions come from CompactRange.
	Manual bool

	v                 *version.Version
	maxOutputFileSize uint64
	maxGrandparent    uint64

	grandparentIdx  int
	seenKey         bool
	overlappedBytes uint64
}

// Pick chooses the next compaction for the set's current version, or returns
// nil when no level needs one. Size-triggered compactions come first, then
// files that overlap too much of the next level.
func Pick(s *version.Set) *Compaction {
	v := s.Current()

	var (
		level  int
		inputs []*version.FileMetadata
	)
	if score, lv := v.CompactionScore(); score >= 1 {
		level = lv
		if level == 0 {
			inputs = append(inputs, v.Files(0)...)
		} else {
			inputs = []*version.FileMetadata{pickRoundRobin(v.Files(level), s.CompactPointer(level))}
		}
	} else if f, lv := v.FileToCompact(); f != nil {
		level = lv
		inputs = []*version.FileMetadata{f}
	} else {
		v.Unref()
		return nil
	}

	return newCompaction(s, v, level, inputs, false)
}

// pickRoundRobin returns the first file after the compact pointer, wrapping
// around to the start of the level.
func pickRoundRobin(files []*version.FileMetadata, pointer []byte) *version.FileMetadata {
	if pointer != nil {
		for _, f := range files {
			if keys.Compare(f.Largest, pointer) > 0 {
				return f
			}
		}
	}
	return files[0]
}

// PickRange returns a compaction of every file in level intersecting
// [begin, end], or nil if there is none. Nil bounds are open.
func PickRange(s *version.Set, level int, begin, end []byte) *Compaction {
	v := s.Current()
	inputs := v.OverlappingInputs(level, begin, end)
	if len(inputs) == 0 {
		v.Unref()
		return nil
	}
	return newCompaction(s, v, level, inputs, true)
}

// newCompaction takes ownership of the reference on v.
func newCompaction(s *version.Set, v *version.Version, level int, inputs []*version.FileMetadata, manual bool) *Compaction {
	opts := s.Options()
	c := &Compaction{
		Level:             level,
		Edit:              &version.Edit{},
		Manual:            manual,
		v:                 v,
		maxOutputFileSize: opts.TargetFileSizeFor(level + 1),
		maxGrandparent:    opts.MaxGrandparentOverlap(level),
	}
	c.Inputs[0] = inputs

	smallest, largest := version.UserRange(inputs)
	if level == 0 {
		// level-0 inputs may pull in more level-0 files through overlap
		c.Inputs[0] = v.OverlappingInputs(0, smallest, largest)
		smallest, largest = version.UserRange(c.Inputs[0])
	}
	if level+1 < version.NumLevels {
		c.Inputs[1] = v.OverlappingInputs(level+1, smallest, largest)
	}
	allSmallest, allLargest := version.UserRange(append(append([]*version.FileMetadata(nil), c.Inputs[0]...), c.Inputs[1]...))
	if level+2 < version.NumLevels {
		c.Grandparents = v.OverlappingInputs(level+2, allSmallest, allLargest)
	}

	var largestIkey []byte
	for _, f := range c.Inputs[0] {
		if largestIkey == nil || keys.Compare(f.Largest, largestIkey) > 0 {
			largestIkey = f.Largest
		}
	}
	c.Edit.SetCompactPointer(level, largestIkey)
	return c
}

// Version returns the version the compaction was picked from.
func (c *Compaction) Version() *version.Version {
	return c.v
}

// Release drops the compaction's version reference.
func (c *Compaction) Release() {
	if c.v != nil {
		c.v.Unref()
		c.v = nil
	}
}

// IsTrivialMove reports whether the single input file can be moved to the next
// level without rewriting it.
func (c *Compaction) IsTrivialMove() bool {
	return !c.Manual &&
		len(c.Inputs[0]) == 1 &&
		len(c.Inputs[1]) == 0 &&
		version.TotalSize(c.Grandparents) <= c.maxGrandparent
}

// AddInputDeletions records the removal of every input file in the edit.
func (c *Compaction) AddInputDeletions() {
	for which, files := range c.Inputs {
		for _, f := range files {
			c.Edit.DeleteFile(c.Level+which, f.Num)
		}
	}
}

// IsBaseLevelForKey reports whether no level below the output level can hold
// ukey, so a tombstone for it is no longer needed.
func (c *Compaction) IsBaseLevelForKey(ukey []byte) bool {
	return c.v.IsBaseLevelForKey(c.Level+1, ukey)
}

// ShouldStopBefore reports whether the current output should end before ikey
// to bound its overlap with the grandparent level.
func (c *Compaction) ShouldStopBefore(ikey []byte) bool {
	for c.grandparentIdx < len(c.Grandparents) &&
		keys.Compare(ikey, c.Grandparents[c.grandparentIdx].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.Grandparents[c.grandparentIdx].Size
		}
		c.grandparentIdx++
	}
	c.seenKey = true

	if c.overlappedBytes > c.maxGrandparent {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// MaxOutputFileSize is the size at which outputs are split.
func (c *Compaction) MaxOutputFileSize() uint64 {
	return c.maxOutputFileSize
}

func (c *Compaction) String() string {
	return fmt.Sprintf("L%d(%d files, %d bytes) + L%d(%d files, %d bytes)",
		c.Level, len(c.Inputs[0]), version.TotalSize(c.Inputs[0]),
		c.Level+1, len(c.Inputs[1]), version.TotalSize(c.Inputs[1]))
}
