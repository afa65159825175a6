package sstable

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"embeddb/pkg/cache"
	"embeddb/pkg/compression"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

type entry struct {
	ikey  []byte
	value []byte
}

func writeTable(t *testing.T, entries []entry, opts WriterOptions) (string, Metadata) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "000001.sst")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := NewWriter(f, opts)
	for _, e := range entries {
		require.NoError(t, w.Add(e.ikey, e.value))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	return path, meta
}

func openTable(t *testing.T, path string, opts ReaderOptions) *Reader {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	st, err := f.Stat()
	require.NoError(t, err)

	r, err := Open(f, st.Size(), 1, opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTable_RoundTripRandom(t *testing.T) {
	var kv map[string]string
	fuzz.New().NilChance(0).NumElements(200, 500).Fuzz(&kv)

	userKeys := make([]string, 0, len(kv))
	for k := range kv {
		userKeys = append(userKeys, k)
	}
	sort.Strings(userKeys)

	entries := make([]entry, 0, len(userKeys))
	for i, k := range userKeys {
		entries = append(entries, entry{
			ikey:  keys.Make([]byte(k), types.SeqNum(i+1), types.KindValue),
			value: []byte(kv[k]),
		})
	}

	for _, ct := range []compression.Type{compression.None, compression.Snappy, compression.Zstd} {
		t.Run(ct.String(), func(t *testing.T) {
			path, meta := writeTable(t, entries, WriterOptions{
				BlockSize:   512,
				Compression: ct,
				BitsPerKey:  10,
			})
			require.Equal(t, uint64(len(entries)), meta.NumEntries)
			if len(entries) > 0 {
				require.Equal(t, entries[0].ikey, meta.Smallest)
				require.Equal(t, entries[len(entries)-1].ikey, meta.Largest)
			}

			r := openTable(t, path, ReaderOptions{Cache: cache.NewLRU[CacheKey, []byte](64)})
			for i, k := range userKeys {
				ikey, value, err := r.Get(keys.SearchKey([]byte(k), types.MaxSeqNum))
				require.NoError(t, err, "key %q", k)
				require.Equal(t, kv[k], string(value))
				pk, err := keys.Parse(ikey)
				require.NoError(t, err)
				require.Equal(t, types.SeqNum(i+1), pk.Seq)
			}
			require.NoError(t, r.VerifyChecksums())

			it := r.NewIterator()
			defer it.Close()
			n := 0
			var prev []byte
			for it.First(); it.Valid(); it.Next() {
				if prev != nil {
					require.Negative(t, keys.Compare(prev, it.Key()))
				}
				prev = keys.Clone(it.Key())
				n++
			}
			require.NoError(t, it.Error())
			require.Equal(t, len(entries), n)
		})
	}
}

func TestTable_GetVersions(t *testing.T) {
	entries := []entry{
		{keys.Make([]byte("a"), 9, types.KindDeletion), nil},
		{keys.Make([]byte("a"), 5, types.KindValue), []byte("a5")},
		{keys.Make([]byte("a"), 2, types.KindValue), []byte("a2")},
		{keys.Make([]byte("c"), 3, types.KindValue), []byte("c3")},
	}
	path, meta := writeTable(t, entries, WriterOptions{BlockSize: 16, BitsPerKey: 10})
	require.Equal(t, types.SeqNum(2), meta.SmallestSeq)
	require.Equal(t, types.SeqNum(9), meta.LargestSeq)

	r := openTable(t, path, ReaderOptions{})
	require.Greater(t, r.NumBlocks(), 1)

	ikey, _, err := r.Get(keys.SearchKey([]byte("a"), 10))
	require.NoError(t, err)
	require.Equal(t, types.KindDeletion, keys.TrailerOf(ikey).Kind())

	_, v, err := r.Get(keys.SearchKey([]byte("a"), 6))
	require.NoError(t, err)
	require.Equal(t, "a5", string(v))

	_, v, err = r.Get(keys.SearchKey([]byte("a"), 4))
	require.NoError(t, err)
	require.Equal(t, "a2", string(v))

	_, _, err = r.Get(keys.SearchKey([]byte("a"), 1))
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	_, _, err = r.Get(keys.SearchKey([]byte("b"), 10))
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	_, _, err = r.Get(keys.SearchKey([]byte("d"), 10))
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	it := r.NewIterator()
	it.Seek(keys.SearchKey([]byte("b"), types.MaxSeqNum))
	require.True(t, it.Valid())
	require.Equal(t, "c", string(keys.UserKey(it.Key())))
	it.Next()
	require.False(t, it.Valid())
}

func TestWriter_OutOfOrder(t *testing.T) {
	w := NewWriter(discard{}, WriterOptions{})
	require.NoError(t, w.Add(keys.Make([]byte("b"), 1, types.KindValue), nil))

	err := w.Add(keys.Make([]byte("a"), 2, types.KindValue), nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	// the writer stays poisoned
	err = w.Add(keys.Make([]byte("c"), 3, types.KindValue), nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	_, err = w.Finish()
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	w = NewWriter(discard{}, WriterOptions{})
	k := keys.Make([]byte("a"), 1, types.KindValue)
	require.NoError(t, w.Add(k, nil))
	require.ErrorIs(t, w.Add(k, nil), dberrors.ErrInvalidArgument)
}

func TestOpen_BadFooter(t *testing.T) {
	path, _ := writeTable(t, []entry{
		{keys.Make([]byte("k"), 1, types.KindValue), []byte("v")},
	}, WriterOptions{})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = Open(f, int64(len(data)), 1, ReaderOptions{})
	require.ErrorIs(t, err, dberrors.ErrCorruption)

	_, err = Open(f, 10, 1, ReaderOptions{})
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestReader_CorruptDataBlockFailsSingleRead(t *testing.T) {
	var entries []entry
	for i := 0; i < 200; i++ {
		entries = append(entries, entry{
			keys.Make([]byte(fmt.Sprintf("k%03d", i)), types.SeqNum(i+1), types.KindValue),
			[]byte(fmt.Sprintf("value-%03d", i)),
		})
	}
	path, _ := writeTable(t, entries, WriterOptions{BlockSize: 256, Compression: compression.None})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// first data block starts at offset 0
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r := openTable(t, path, ReaderOptions{})

	_, _, err = r.Get(keys.SearchKey([]byte("k000"), types.MaxSeqNum))
	require.ErrorIs(t, err, dberrors.ErrCorruption)

	_, v, err := r.Get(keys.SearchKey([]byte("k199"), types.MaxSeqNum))
	require.NoError(t, err)
	require.Equal(t, "value-199", string(v))

	require.ErrorIs(t, r.VerifyChecksums(), dberrors.ErrCorruption)
}

func TestReader_BlockHandleOutOfRange(t *testing.T) {
	path, _ := writeTable(t, []entry{
		{keys.Make([]byte("k"), 1, types.KindValue), []byte("v")},
	}, WriterOptions{})
	r := openTable(t, path, ReaderOptions{})

	for _, h := range []BlockHandle{
		{Offset: 0, Size: math.MaxUint64},
		{Offset: 0, Size: math.MaxUint64 - blockTrailerLen + 1},
		{Offset: 1, Size: r.size},
		{Offset: r.size - 2, Size: 0},
		{Offset: r.size + 1, Size: 1},
	} {
		require.NotPanics(t, func() {
			_, err := r.readBlock(h)
			require.ErrorIs(t, err, dberrors.ErrCorruption, "handle %+v", h)
		})
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
