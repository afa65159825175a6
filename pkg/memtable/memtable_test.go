package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"embeddb/pkg/dberrors"
	"embeddb/pkg/keys"
	"embeddb/pkg/types"
)

func TestMemtable_GetVisibility(t *testing.T) {
	mt := New(3)
	require.True(t, mt.Empty())
	require.NoError(t, mt.Add(1, types.KindValue, []byte("a"), []byte("1")))
	require.NoError(t, mt.Add(2, types.KindValue, []byte("b"), []byte("2")))
	require.NoError(t, mt.Add(3, types.KindValue, []byte("a"), []byte("3")))
	require.NoError(t, mt.Add(4, types.KindDeletion, []byte("b"), nil))

	v, found, deleted := mt.Get([]byte("a"), 10)
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, "3", string(v))

	v, found, _ = mt.Get([]byte("a"), 2)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	_, found, deleted = mt.Get([]byte("b"), 4)
	require.True(t, found)
	require.True(t, deleted)

	v, found, deleted = mt.Get([]byte("b"), 3)
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, "2", string(v))

	_, found, _ = mt.Get([]byte("a"), 0)
	require.False(t, found)
	_, found, _ = mt.Get([]byte("zz"), 10)
	require.False(t, found)

	require.Equal(t, int64(4), mt.Count())
	require.Equal(t, types.SeqNum(4), mt.LastSequence())
	require.Equal(t, types.FileNum(3), mt.LogNumber())
	require.Positive(t, mt.ApproximateSize())
}

func TestMemtable_IteratorOrder(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Add(1, types.KindValue, []byte("b"), []byte("b1")))
	require.NoError(t, mt.Add(2, types.KindValue, []byte("a"), []byte("a2")))
	require.NoError(t, mt.Add(3, types.KindDeletion, []byte("b"), nil))
	require.NoError(t, mt.Add(4, types.KindValue, []byte("a"), []byte("a4")))

	it := mt.NewIterator()
	defer it.Close()

	var got []string
	for it.First(); it.Valid(); it.Next() {
		pk, err := keys.Parse(it.Key())
		require.NoError(t, err)
		got = append(got, pk.String()+"="+string(it.Value()))
	}
	require.Equal(t, []string{
		`"a"#4,SET=a4`, `"a"#2,SET=a2`, `"b"#3,DEL=`, `"b"#1,SET=b1`,
	}, got)

	it.Seek(keys.SearchKey([]byte("a"), 3))
	require.True(t, it.Valid())
	require.Equal(t, "a2", string(it.Value()))
}

func TestMemtable_Freeze(t *testing.T) {
	mt := New(1)
	mt.Freeze()
	require.True(t, mt.Frozen())
	err := mt.Add(1, types.KindValue, []byte("a"), nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestMemtable_ConcurrentReaders(t *testing.T) {
	mt := New(1)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				it := mt.NewIterator()
				var prev []byte
				for it.First(); it.Valid(); it.Next() {
					if prev != nil && keys.Compare(prev, it.Key()) >= 0 {
						t.Errorf("iterator out of order")
						return
					}
					prev = it.Key()
				}
				_, _, _ = mt.Get([]byte("key-5"), types.MaxSeqNum)
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i%50))
		require.NoError(t, mt.Add(types.SeqNum(i+1), types.KindValue, key, key))
	}
	close(done)
	wg.Wait()
}
