package compaction

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"embeddb/pkg/compression"
	"embeddb/pkg/filename"
	"embeddb/pkg/iterator"
	"embeddb/pkg/keys"
	"embeddb/pkg/sstable"
	"embeddb/pkg/types"
	"embeddb/pkg/version"
)

type rec struct {
	key   string
	seq   types.SeqNum
	kind  types.Kind
	value string
}

func set(key string, seq types.SeqNum, value string) rec {
	return rec{key: key, seq: seq, kind: types.KindValue, value: value}
}

func del(key string, seq types.SeqNum) rec {
	return rec{key: key, seq: seq, kind: types.KindDeletion}
}

type dirTables struct{ dir string }

type readerIter struct {
	iterator.Iterator
	r *sstable.Reader
}

func (it *readerIter) Close() error {
	err := it.Iterator.Close()
	if cerr := it.r.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d dirTables) open(num types.FileNum) (*sstable.Reader, error) {
	f, err := os.Open(filename.Path(d.dir, filename.Table(num)))
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := sstable.Open(f, st.Size(), num, sstable.ReaderOptions{})
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (d dirTables) NewIterator(f *version.FileMetadata) (iterator.Iterator, error) {
	r, err := d.open(f.Num)
	if err != nil {
		return nil, err
	}
	return &readerIter{Iterator: r.NewIterator(), r: r}, nil
}

type env struct {
	t      *testing.T
	dir    string
	set    *version.Set
	runner *Runner
}

func newEnv(t *testing.T, opts version.Options) *env {
	dir := t.TempDir()
	require.NoError(t, version.Create(dir))
	s := version.NewSet(dir, opts)
	require.NoError(t, s.Recover())
	t.Cleanup(func() { s.Close() })

	return &env{
		t:   t,
		dir: dir,
		set: s,
		runner: &Runner{
			Dir:        dir,
			Tables:     dirTables{dir: dir},
			WriterOpts: sstable.WriterOptions{Compression: compression.None},
			NewOutput:  s.NewFileNumber,
		},
	}
}

func testOptions() version.Options {
	return version.Options{
		MaxManifestFileSize:      1 << 20,
		L0CompactionTrigger:      4,
		MaxBytesForLevelBase:     1 << 20,
		LevelMultiplier:          10,
		TargetFileSize:           1 << 20,
		TargetFileSizeMultiplier: 1,
		MaxMemCompactLevel:       2,
	}
}

// addTable writes recs (in internal key order) as a table at level.
func (e *env) addTable(level int, recs ...rec) *version.FileMetadata {
	kvs := make([]iterator.KV, 0, len(recs))
	var maxSeq types.SeqNum
	for _, r := range recs {
		kvs = append(kvs, iterator.KV{Key: keys.Make([]byte(r.key), r.seq, r.kind), Value: []byte(r.value)})
		maxSeq = max(maxSeq, r.seq)
	}
	meta, err := BuildTable(e.dir, e.set.NewFileNumber(), iterator.NewSlice(keys.Compare, kvs), e.runner.WriterOpts)
	require.NoError(e.t, err)
	require.NotNil(e.t, meta)

	var edit version.Edit
	edit.AddFile(level, meta)
	if maxSeq > e.set.LastSequence() {
		e.set.SetLastSequence(maxSeq)
	}
	require.NoError(e.t, e.set.LogAndApply(&edit))
	return meta
}

// contents lists every entry stored at level in key order.
func (e *env) contents(level int) []rec {
	v := e.set.Current()
	defer v.Unref()

	var out []rec
	for _, f := range v.Files(level) {
		it, err := e.runner.Tables.NewIterator(f)
		require.NoError(e.t, err)
		for it.First(); it.Valid(); it.Next() {
			pk, err := keys.Parse(it.Key())
			require.NoError(e.t, err)
			out = append(out, rec{key: string(pk.UserKey), seq: pk.Seq, kind: pk.Kind, value: string(it.Value())})
		}
		require.NoError(e.t, it.Error())
		require.NoError(e.t, it.Close())
	}
	return out
}

func (e *env) run(c *Compaction, smallestSnapshot types.SeqNum) *Result {
	require.NotNil(e.t, c)
	defer c.Release()
	res, err := e.runner.Run(context.Background(), c, smallestSnapshot)
	require.NoError(e.t, err)
	require.NoError(e.t, e.set.LogAndApply(res.Edit))
	return res
}

func TestBuildTable_Empty(t *testing.T) {
	dir := t.TempDir()
	meta, err := BuildTable(dir, 7, iterator.NewSlice(keys.Compare, nil), sstable.WriterOptions{})
	require.NoError(t, err)
	require.Nil(t, meta)
	_, err = os.Stat(filename.Path(dir, filename.Table(7)))
	require.True(t, os.IsNotExist(err))
}

func TestRun_DropsShadowedAndDeleted(t *testing.T) {
	e := newEnv(t, testOptions())
	e.addTable(0, set("a", 1, "a1"), set("b", 2, "b1"), set("c", 3, "c1"))
	e.addTable(0, set("a", 4, "a2"), del("b", 5))

	res := e.run(PickRange(e.set, 0, nil, nil), e.set.LastSequence())
	require.False(t, res.TrivialMove)
	require.EqualValues(t, 5, res.EntriesIn)
	require.EqualValues(t, 2, res.EntriesOut)
	require.EqualValues(t, 3, res.Dropped)

	require.Empty(t, e.contents(0))
	require.Equal(t, []rec{set("a", 4, "a2"), set("c", 3, "c1")}, e.contents(1))
}

func TestRun_SnapshotKeepsHistory(t *testing.T) {
	e := newEnv(t, testOptions())
	e.addTable(0, set("a", 1, "a1"), set("b", 2, "b1"), set("c", 3, "c1"))
	e.addTable(0, set("a", 4, "a2"), del("b", 5))

	res := e.run(PickRange(e.set, 0, nil, nil), 3)
	require.EqualValues(t, 0, res.Dropped)
	require.Equal(t, []rec{
		set("a", 4, "a2"), set("a", 1, "a1"),
		del("b", 5), set("b", 2, "b1"),
		set("c", 3, "c1"),
	}, e.contents(1))
}

func TestRun_KeepsTombstoneAboveOlderData(t *testing.T) {
	e := newEnv(t, testOptions())
	e.addTable(2, set("k", 1, "old"))
	e.addTable(0, del("k", 2), set("z", 3, "z"))

	e.run(PickRange(e.set, 0, nil, nil), e.set.LastSequence())
	// level 2 still holds k, so the tombstone must survive in level 1
	require.Equal(t, []rec{del("k", 2), set("z", 3, "z")}, e.contents(1))
	require.Equal(t, []rec{set("k", 1, "old")}, e.contents(2))
}

func TestRun_MergesWithNextLevel(t *testing.T) {
	e := newEnv(t, testOptions())
	e.addTable(1, set("b", 1, "b1"), set("d", 2, "d1"))
	e.addTable(0, set("a", 3, "a1"), set("d", 4, "d2"))

	c := PickRange(e.set, 0, nil, nil)
	require.Len(t, c.Inputs[1], 1)
	e.run(c, e.set.LastSequence())

	require.Equal(t, []rec{set("a", 3, "a1"), set("b", 1, "b1"), set("d", 4, "d2")}, e.contents(1))
}

func TestRun_SplitsOutputsAtUserKeys(t *testing.T) {
	opts := testOptions()
	opts.TargetFileSize = 1
	e := newEnv(t, opts)
	e.addTable(0, set("a", 1, "a1"), set("b", 2, "b1"))
	e.addTable(0, set("a", 3, "a2"), set("b", 4, "b2"), set("c", 5, "c1"))

	res := e.run(PickRange(e.set, 0, nil, nil), 1)
	// every version of a user key lands in the same output
	require.Len(t, res.Outputs, 3)
	for _, f := range res.Outputs {
		require.Equal(t, f.SmallestUser(), f.LargestUser())
	}
	require.Equal(t, []rec{
		set("a", 3, "a2"), set("a", 1, "a1"),
		set("b", 4, "b2"), set("b", 2, "b1"),
		set("c", 5, "c1"),
	}, e.contents(1))
}

func TestPick_TrivialMove(t *testing.T) {
	opts := testOptions()
	opts.L0CompactionTrigger = 1
	e := newEnv(t, opts)
	meta := e.addTable(0, set("a", 1, "a1"))

	c := Pick(e.set)
	require.NotNil(t, c)
	require.Equal(t, 0, c.Level)
	require.True(t, c.IsTrivialMove())

	res := e.run(c, e.set.LastSequence())
	require.True(t, res.TrivialMove)

	v := e.set.Current()
	defer v.Unref()
	require.Equal(t, 0, v.NumFiles(0))
	require.Equal(t, meta.Num, v.Files(1)[0].Num)
}

func TestPick_NothingToDo(t *testing.T) {
	e := newEnv(t, testOptions())
	require.Nil(t, Pick(e.set))
	require.Nil(t, PickRange(e.set, 1, nil, nil))
}

func TestRun_CanceledRemovesOutputs(t *testing.T) {
	e := newEnv(t, testOptions())
	e.addTable(0, set("a", 1, "a1"))
	e.addTable(0, set("b", 2, "b1"))

	c := PickRange(e.set, 0, nil, nil)
	defer c.Release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.runner.Run(ctx, c, 2)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(e.dir)
	require.NoError(t, err)
	var tables int
	for _, de := range entries {
		if typ, _, ok := filename.Parse(de.Name()); ok && typ == filename.TypeTable {
			tables++
		}
	}
	require.Equal(t, 2, tables)
}

func TestShouldStopBefore(t *testing.T) {
	c := &Compaction{
		Grandparents: []*version.FileMetadata{
			{Num: 1, Size: 60, Largest: keys.Make([]byte("c"), 1, types.KindValue)},
			{Num: 2, Size: 60, Largest: keys.Make([]byte("f"), 1, types.KindValue)},
			{Num: 3, Size: 60, Largest: keys.Make([]byte("k"), 1, types.KindValue)},
		},
		maxGrandparent: 100,
	}
	require.False(t, c.ShouldStopBefore(keys.Make([]byte("a"), 1, types.KindValue)))
	require.False(t, c.ShouldStopBefore(keys.Make([]byte("d"), 1, types.KindValue)))
	// passing the second grandparent pushes overlap over the limit
	require.True(t, c.ShouldStopBefore(keys.Make([]byte("g"), 1, types.KindValue)))
	require.False(t, c.ShouldStopBefore(keys.Make([]byte("h"), 1, types.KindValue)))
}
