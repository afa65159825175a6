package version

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/filename"
	"embeddb/pkg/types"
	"embeddb/pkg/wal"
)

// Options configure a Set.
type Options struct {
	Logger *slog.Logger

	// MaxManifestFileSize triggers a manifest rewrite once exceeded.
	MaxManifestFileSize int64

	L0CompactionTrigger      int
	MaxBytesForLevelBase     int64
	LevelMultiplier          int
	TargetFileSize           int64
	TargetFileSizeMultiplier int
	MaxOverlappingFiles      int
	MaxMemCompactLevel       int

	// OnObsolete is called, without locks held, for every file no Version
	// references anymore.
	OnObsolete func(*FileMetadata)
}

// MaxBytesForLevel is the size budget of a level >= 1.
func (o *Options) MaxBytesForLevel(level int) uint64 {
	n := uint64(o.MaxBytesForLevelBase)
	for l := 1; l < level; l++ {
		n *= uint64(o.LevelMultiplier)
	}
	return n
}

// TargetFileSizeFor is the output file size of compactions into level.
func (o *Options) TargetFileSizeFor(level int) uint64 {
	n := uint64(o.TargetFileSize)
	for l := 1; l < level; l++ {
		n *= uint64(o.TargetFileSizeMultiplier)
	}
	return n
}

// MaxGrandparentOverlap bounds how much of level+2 one output file may span.
func (o *Options) MaxGrandparentOverlap(level int) uint64 {
	return 10 * o.TargetFileSizeFor(level)
}

// Set owns the current Version, the manifest and the file-number counters.
// LogAndApply calls are serialized; Current may be called concurrently.
type Set struct {
	dir    string
	opts   Options
	logger *slog.Logger

	logMu sync.Mutex // serializes manifest writes

	mu              sync.Mutex
	current         *Version
	live            map[types.FileNum]*FileMetadata
	nextFileNum     types.FileNum
	lastSeq         types.SeqNum
	logNum          types.FileNum
	prevLogNum      types.FileNum
	manifestNum     types.FileNum
	compactPointers [NumLevels][]byte

	manifest *wal.Writer
}

// NewSet returns a Set with an empty current version. Call Create or Recover
// before use.
func NewSet(dir string, opts Options) *Set {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnObsolete == nil {
		opts.OnObsolete = func(*FileMetadata) {}
	}
	s := &Set{
		dir:         dir,
		opts:        opts,
		logger:      opts.Logger,
		live:        make(map[types.FileNum]*FileMetadata),
		nextFileNum: 2,
	}
	s.install(&Version{set: s})
	return s
}

func (s *Set) Options() *Options {
	return &s.opts
}

// Create writes MANIFEST-000001 for an empty database and points CURRENT at it.
func Create(dir string) error {
	var edit Edit
	edit.SetComparator(ComparatorName)
	edit.SetLogNumber(0)
	edit.SetNextFileNumber(2)
	edit.SetLastSequence(0)

	path := filename.Path(dir, filename.Manifest(1))
	w, err := wal.Create(path)
	if err != nil {
		return err
	}
	if err := w.AddRecord(edit.Encode()); err != nil {
		w.Close()
		os.Remove(path)
		return err
	}
	if err := w.Sync(); err != nil {
		w.Close()
		os.Remove(path)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return err
	}
	if err := filename.SetCurrent(dir, 1); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// Recover rebuilds the current version from the manifest named by CURRENT.
// The old manifest is not reused: the next LogAndApply starts a new one.
func (s *Set) Recover() error {
	name, err := filename.ReadCurrent(s.dir)
	if err != nil {
		return fmt.Errorf("read CURRENT: %w", err)
	}
	_, manifestNum, _ := filename.Parse(name)

	v := &Version{set: s}
	var (
		logNum, prevLogNum, nextFileNum types.FileNum
		lastSeq                         types.SeqNum
		haveLog, haveNext, haveLast     bool
		pointers                        [NumLevels][]byte
	)

	dropped, err := wal.Replay(filename.Path(s.dir, name), func(rec []byte) error {
		var edit Edit
		if err := edit.Decode(rec); err != nil {
			return err
		}
		if edit.HasComparator && edit.Comparator != ComparatorName {
			return dberrors.InvalidArgumentf("database uses comparator %q, want %q", edit.Comparator, ComparatorName)
		}
		nv, err := v.Apply(&edit)
		if err != nil {
			return err
		}
		v = nv

		if edit.HasLogNumber {
			logNum, haveLog = edit.LogNumber, true
		}
		if edit.HasPrevLogNumber {
			prevLogNum = edit.PrevLogNumber
		}
		if edit.HasNextFileNumber {
			nextFileNum, haveNext = edit.NextFileNumber, true
		}
		if edit.HasLastSequence {
			lastSeq, haveLast = edit.LastSequence, true
		}
		for _, cp := range edit.CompactPointers {
			pointers[cp.Level] = cp.Key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", name, err)
	}
	if dropped > 0 {
		s.logger.Warn("manifest has a torn tail", "manifest", name, "dropped_bytes", dropped)
	}

	switch {
	case !haveNext:
		return dberrors.Corruptionf("%s: no next file number", name)
	case !haveLog:
		return dberrors.Corruptionf("%s: no log number", name)
	case !haveLast:
		return dberrors.Corruptionf("%s: no last sequence", name)
	}

	s.mu.Lock()
	s.nextFileNum = nextFileNum
	s.markUsedLocked(manifestNum)
	s.markUsedLocked(logNum)
	s.markUsedLocked(prevLogNum)
	for _, f := range v.AllFiles() {
		s.markUsedLocked(f.Num)
	}
	s.lastSeq = lastSeq
	s.logNum = logNum
	s.prevLogNum = prevLogNum
	s.manifestNum = manifestNum
	s.compactPointers = pointers
	s.mu.Unlock()

	s.finalize(v)
	s.installAndRelease(v)

	s.logger.Info("recovered version",
		"manifest", name, "log_number", logNum, "next_file", nextFileNum,
		"last_seq", lastSeq, "files", len(v.AllFiles()))
	return nil
}

// LogAndApply fills in the edit's counters, persists it to the manifest and
// installs the resulting version. A failure leaves the current version
// unchanged and must be treated as fatal for writes.
func (s *Set) LogAndApply(edit *Edit) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	s.mu.Lock()
	if !edit.HasLogNumber {
		edit.SetLogNumber(s.logNum)
	}
	if !edit.HasPrevLogNumber {
		edit.SetPrevLogNumber(s.prevLogNum)
	}
	base := s.current
	base.Ref()
	rewrite := s.manifest == nil || s.manifest.Size() >= s.opts.MaxManifestFileSize
	var manifestNum types.FileNum
	if rewrite {
		manifestNum = s.nextFileNum
		s.nextFileNum++
	}
	edit.SetNextFileNumber(s.nextFileNum)
	edit.SetLastSequence(s.lastSeq)
	s.mu.Unlock()
	defer base.Unref()

	v, err := base.Apply(edit)
	if err != nil {
		return err
	}
	s.finalize(v)

	if rewrite {
		if err := s.writeManifest(manifestNum, v, edit); err != nil {
			return err
		}
	} else {
		if err := s.manifest.AddRecord(edit.Encode()); err != nil {
			return fmt.Errorf("append manifest: %w", err)
		}
		if err := s.manifest.Sync(); err != nil {
			return fmt.Errorf("sync manifest: %w", err)
		}
	}

	s.mu.Lock()
	s.logNum = edit.LogNumber
	s.prevLogNum = edit.PrevLogNumber
	for _, cp := range edit.CompactPointers {
		s.compactPointers[cp.Level] = cp.Key
	}
	s.mu.Unlock()

	s.installAndRelease(v)
	return nil
}

// writeManifest starts MANIFEST-num with a snapshot of v and switches CURRENT
// to it.
func (s *Set) writeManifest(num types.FileNum, v *Version, edit *Edit) error {
	path := filename.Path(s.dir, filename.Manifest(num))
	w, err := wal.Create(path)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		w.Close()
		os.Remove(path)
		return err
	}

	var snap Edit
	snap.SetComparator(ComparatorName)
	snap.SetLogNumber(edit.LogNumber)
	snap.SetPrevLogNumber(edit.PrevLogNumber)
	snap.SetNextFileNumber(edit.NextFileNumber)
	snap.SetLastSequence(edit.LastSequence)
	s.mu.Lock()
	pointers := s.compactPointers
	s.mu.Unlock()
	for _, cp := range edit.CompactPointers {
		pointers[cp.Level] = cp.Key
	}
	for level, key := range pointers {
		if key != nil {
			snap.SetCompactPointer(level, key)
		}
	}
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			snap.AddFile(level, f)
		}
	}

	if err := w.AddRecord(snap.Encode()); err != nil {
		return fail(fmt.Errorf("write manifest snapshot: %w", err))
	}
	if err := w.Sync(); err != nil {
		return fail(fmt.Errorf("sync manifest: %w", err))
	}
	if err := filename.SetCurrent(s.dir, num); err != nil {
		return fail(err)
	}

	old := s.manifest
	s.mu.Lock()
	s.manifest = w
	s.manifestNum = num
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("failed to close old manifest", "error", err)
		}
	}
	s.logger.Debug("started new manifest", "manifest", filename.Manifest(num), "files", len(snap.NewFiles))
	return nil
}

// finalize computes compaction scores for v.
func (s *Set) finalize(v *Version) {
	bestLevel, bestScore := -1, -1.0
	for level := 0; level < NumLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(v.files[0])) / float64(max(s.opts.L0CompactionTrigger, 1))
		} else {
			score = float64(v.LevelSize(level)) / float64(max(s.opts.MaxBytesForLevel(level), 1))
		}
		if score > bestScore {
			bestLevel, bestScore = level, score
		}
	}
	v.compactionLevel, v.compactionScore = bestLevel, bestScore

	v.fileToCompact = nil
	if s.opts.MaxOverlappingFiles <= 0 {
		return
	}
	for level := 1; level < NumLevels-1; level++ {
		for _, f := range v.files[level] {
			n := len(v.OverlappingInputs(level+1, f.SmallestUser(), f.LargestUser()))
			if n > s.opts.MaxOverlappingFiles {
				v.fileToCompact, v.fileToCompactLv = f, level
				return
			}
		}
	}
}

// install makes v current, referencing its files.
func (s *Set) install(v *Version) *Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range v.AllFiles() {
		if f.refs == 0 {
			s.live[f.Num] = f
		}
		f.refs++
	}
	v.Ref()
	old := s.current
	s.current = v
	return old
}

func (s *Set) installAndRelease(v *Version) {
	if old := s.install(v); old != nil {
		old.Unref()
	}
}

// release drops the file references of an unreferenced version.
func (s *Set) release(v *Version) {
	var obsolete []*FileMetadata

	s.mu.Lock()
	for _, f := range v.AllFiles() {
		f.refs--
		if f.refs == 0 {
			delete(s.live, f.Num)
			obsolete = append(obsolete, f)
		}
	}
	s.mu.Unlock()

	for _, f := range obsolete {
		s.opts.OnObsolete(f)
	}
}

// Current returns the current version with a reference the caller must
// release with Unref.
func (s *Set) Current() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Ref()
	return s.current
}

// LiveFiles returns the numbers of every table referenced by a live version.
func (s *Set) LiveFiles() map[types.FileNum]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.FileNum]struct{}, len(s.live))
	for n := range s.live {
		out[n] = struct{}{}
	}
	return out
}

// NewFileNumber allocates a file number.
func (s *Set) NewFileNumber() types.FileNum {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nextFileNum
	s.nextFileNum++
	return n
}

// MarkFileNumberUsed makes sure n is never allocated again.
func (s *Set) MarkFileNumberUsed(n types.FileNum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markUsedLocked(n)
}

func (s *Set) markUsedLocked(n types.FileNum) {
	if s.nextFileNum <= n {
		s.nextFileNum = n + 1
	}
}

func (s *Set) LastSequence() types.SeqNum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// SetLastSequence records the last sequence persisted in the WAL. It must
// never move backwards.
func (s *Set) SetLastSequence(seq types.SeqNum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.lastSeq {
		panic(fmt.Sprintf("version: last sequence moved back from %d to %d", s.lastSeq, seq))
	}
	s.lastSeq = seq
}

func (s *Set) LogNumber() types.FileNum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logNum
}

func (s *Set) PrevLogNumber() types.FileNum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevLogNum
}

func (s *Set) ManifestFileNumber() types.FileNum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifestNum
}

// CompactPointer returns the key after which the next compaction of level
// starts, or nil.
func (s *Set) CompactPointer(level int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactPointers[level]
}

// PickLevelForMemtableOutput chooses the level of a flushed table covering
// [smallest, largest]. A table that overlaps nothing is pushed down, at most
// to MaxMemCompactLevel, as long as it would not overlap the next level or
// too much of the one after.
func (s *Set) PickLevelForMemtableOutput(v *Version, smallest, largest []byte) int {
	level := 0
	if v.Overlaps(0, smallest, largest) {
		return 0
	}
	for level < s.opts.MaxMemCompactLevel {
		if v.Overlaps(level+1, smallest, largest) {
			break
		}
		if level+2 < NumLevels {
			overlap := TotalSize(v.OverlappingInputs(level+2, smallest, largest))
			if overlap > s.opts.MaxGrandparentOverlap(level) {
				break
			}
		}
		level++
	}
	return level
}

// LevelSummary returns the file count and byte size of every level.
func (s *Set) LevelSummary() (files [NumLevels]int, bytes [NumLevels]uint64) {
	v := s.Current()
	defer v.Unref()
	for level := 0; level < NumLevels; level++ {
		files[level] = v.NumFiles(level)
		bytes[level] = v.LevelSize(level)
	}
	return files, bytes
}

// Close closes the manifest.
func (s *Set) Close() error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	s.mu.Lock()
	m := s.manifest
	s.manifest = nil
	s.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}
