package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"embeddb/pkg/types"
)

func TestList(t *testing.T) {
	l := NewList()
	require.Equal(t, types.SeqNum(99), l.Oldest(99))

	s1 := l.New(5)
	s2 := l.New(8)
	require.Equal(t, 2, l.Len())
	require.Equal(t, types.SeqNum(5), l.Oldest(99))
	require.True(t, l.Owns(s1))

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	require.False(t, l.Owns(s1))
	require.Equal(t, 1, l.Len())
	require.Equal(t, types.SeqNum(8), l.Oldest(99))
	require.Equal(t, types.SeqNum(5), s1.Sequence())

	require.NoError(t, s2.Close())
	require.Equal(t, types.SeqNum(99), l.Oldest(99))
	require.False(t, NewList().Owns(s2))
}
