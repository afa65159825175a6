package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, records [][]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "000003.log")
	w, err := Create(path)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, w.AddRecord(rec))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	return path
}

func replayAll(t *testing.T, path string) ([][]byte, int64) {
	t.Helper()

	var got [][]byte
	dropped, err := Replay(path, func(rec []byte) error {
		got = append(got, append([]byte(nil), rec...))
		return nil
	})
	require.NoError(t, err)
	return got, dropped
}

func TestRoundTrip_Fragmented(t *testing.T) {
	records := [][]byte{
		[]byte("small"),
		{},
		bytes.Repeat([]byte("x"), BlockSize-HeaderSize),   // exactly one block
		bytes.Repeat([]byte("y"), 3*BlockSize+123),        // first/middle/last
		bytes.Repeat([]byte("z"), BlockSize-2*HeaderSize), // leaves a header-sized hole
		[]byte("after padding"),
	}
	path := writeLog(t, records)

	got, dropped := replayAll(t, path)
	require.Zero(t, dropped)
	require.Len(t, got, len(records))
	for i := range records {
		require.True(t, bytes.Equal(records[i], got[i]), "record %d differs", i)
	}
}

func TestWriter_Size(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.AddRecord([]byte("abc")))
	require.Equal(t, int64(HeaderSize+3), w.Size())
	require.NoError(t, w.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, w.Size(), st.Size())

	require.ErrorIs(t, w.AddRecord([]byte("x")), errClosed)
}

func TestReader_TruncatedTail(t *testing.T) {
	var records [][]byte
	for i := 0; i < 10; i++ {
		records = append(records, []byte(fmt.Sprintf("record-%02d", i)))
	}
	path := writeLog(t, records)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// cut the last record in half
	recLen := HeaderSize + len(records[0])
	for cut := 1; cut < recLen; cut++ {
		require.NoError(t, os.WriteFile(path, data[:len(data)-cut], 0o644))
		got, dropped := replayAll(t, path)
		require.Len(t, got, 9, "cut=%d", cut)
		require.Positive(t, dropped)
	}
}

func TestReader_ChecksumMismatchEndsLog(t *testing.T) {
	path := writeLog(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip a payload byte of the second record
	data[HeaderSize+3+HeaderSize] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, dropped := replayAll(t, path)
	require.Equal(t, [][]byte{[]byte("one")}, got)
	require.Positive(t, dropped)
}

func TestReader_TruncatedFragmentedRecord(t *testing.T) {
	big := bytes.Repeat([]byte("q"), 2*BlockSize)
	path := writeLog(t, [][]byte{[]byte("head"), big})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:BlockSize+100], 0o644))

	got, dropped := replayAll(t, path)
	require.Equal(t, [][]byte{[]byte("head")}, got)
	require.Positive(t, dropped)
}

func TestReplay_CallbackError(t *testing.T) {
	path := writeLog(t, [][]byte{[]byte("a")})
	_, err := Replay(path, func([]byte) error { return fmt.Errorf("stop") })
	require.ErrorContains(t, err, "stop")
}
