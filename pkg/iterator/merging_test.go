package iterator

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func kvs(pairs ...string) []KV {
	out := make([]KV, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, KV{Key: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return out
}

func collect(it Iterator) []string {
	var out []string
	for ; it.Valid(); it.Next() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
	}
	return out
}

func TestMerging_Order(t *testing.T) {
	it := NewMerging(bytes.Compare,
		NewSlice(bytes.Compare, kvs("b", "new", "d", "1")),
		NewSlice(bytes.Compare, kvs("a", "1", "b", "old", "e", "1")),
		NewSlice(bytes.Compare, nil),
	)
	defer it.Close()

	it.First()
	require.Equal(t, []string{"a=1", "b=new", "b=old", "d=1", "e=1"}, collect(it))

	it.Seek([]byte("c"))
	require.Equal(t, []string{"d=1", "e=1"}, collect(it))

	it.Seek([]byte("z"))
	require.False(t, it.Valid())
	require.NoError(t, it.Error())
}

func TestMerging_ChildError(t *testing.T) {
	boom := errors.New("boom")
	it := NewMerging(bytes.Compare,
		NewSlice(bytes.Compare, kvs("a", "1")),
		Empty(boom),
	)
	it.First()
	require.False(t, it.Valid())
	require.ErrorIs(t, it.Error(), boom)
}

func TestSlice_Seek(t *testing.T) {
	it := NewSlice(bytes.Compare, kvs("a", "1", "c", "3"))
	require.False(t, it.Valid())

	it.Seek([]byte("b"))
	require.True(t, it.Valid())
	require.Equal(t, "c", string(it.Key()))
	it.Next()
	require.False(t, it.Valid())
	it.Next()
	require.False(t, it.Valid())
}
