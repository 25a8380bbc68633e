package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/types"
)

func put(key, value string) types.Entry {
	return types.Entry{Key: []byte(key), Value: []byte(value), Kind: types.KindValue}
}

func del(key string) types.Entry {
	return types.Entry{Key: []byte(key), Kind: types.KindTombstone}
}

func collect(t *testing.T, path string) []types.Entry {
	t.Helper()
	var out []types.Entry
	for e, err := range Replay(path) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func writeRecords(t *testing.T, dir string, num uint64, recs ...Record) string {
	t.Helper()
	w, err := Create(dir, num)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())
	return w.Path()
}

func TestWAL_AppendReplay(t *testing.T) {
	dir := t.TempDir()
	path := writeRecords(t, dir, 7,
		Record{SeqN: 1, Entries: []types.Entry{put("a", "1")}},
		Record{SeqN: 2, Entries: []types.Entry{put("b", ""), del("a"), put("c", "3")}},
	)
	assert.Equal(t, filepath.Join(dir, "000007.log"), path)

	got := collect(t, path)
	require.Len(t, got, 4)

	assert.Equal(t, "a", string(got[0].Key))
	assert.Equal(t, uint64(1), got[0].SeqN)

	assert.Equal(t, "b", string(got[1].Key))
	assert.NotNil(t, got[1].Value, "empty value must stay distinct from a tombstone")
	assert.Empty(t, got[1].Value)
	assert.Equal(t, uint64(2), got[1].SeqN)

	assert.True(t, got[2].IsTombstone())
	assert.Equal(t, uint64(3), got[2].SeqN)
	assert.Equal(t, uint64(4), got[3].SeqN)

	// the sequence is restartable from the file start
	assert.Equal(t, got, collect(t, path))
}

func TestWAL_TornTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	var recs []Record
	for i := 0; i < 10; i++ {
		recs = append(recs, Record{SeqN: uint64(i + 1), Entries: []types.Entry{put(fmt.Sprintf("k%02d", i), "v")}})
	}
	path := writeRecords(t, dir, 1, recs...)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	got := collect(t, path)
	require.Len(t, got, 9)
	assert.Equal(t, "k08", string(got[8].Key))
}

func TestWAL_ChecksumMismatchStopsReplay(t *testing.T) {
	dir := t.TempDir()
	path := writeRecords(t, dir, 1,
		Record{SeqN: 1, Entries: []types.Entry{put("a", "first")}},
		Record{SeqN: 2, Entries: []types.Entry{put("b", "second")}},
		Record{SeqN: 3, Entries: []types.Entry{put("c", "third")}},
	)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip the last byte of the second record's value
	firstLen := headerSize + len(mustPayload(t, Record{SeqN: 1, Entries: []types.Entry{put("a", "first")}}))
	secondLen := headerSize + len(mustPayload(t, Record{SeqN: 2, Entries: []types.Entry{put("b", "second")}}))
	data[firstLen+secondLen-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	got := collect(t, path)
	require.Len(t, got, 1)
	assert.Equal(t, "a", string(got[0].Key))
}

func TestWAL_EmptyRecordRejected(t *testing.T) {
	w, err := Create(t.TempDir(), 1)
	require.NoError(t, err)
	defer w.Close()

	require.Error(t, w.Append(Record{SeqN: 1}))
	assert.Zero(t, w.Size())
}

func TestWAL_OversizedRecordLeavesWriterUsable(t *testing.T) {
	old := maxRecordSize
	maxRecordSize = 64
	t.Cleanup(func() { maxRecordSize = old })

	dir := t.TempDir()
	w, err := Create(dir, 1)
	require.NoError(t, err)

	big := Record{SeqN: 1, Entries: []types.Entry{put("big", string(make([]byte, 100)))}}
	err = w.Append(big)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	assert.Zero(t, w.Size())

	require.NoError(t, w.Append(Record{SeqN: 1, Entries: []types.Entry{put("small", "v")}}))
	require.NoError(t, w.Close())

	got := collect(t, filepath.Join(dir, FileName(1)))
	require.Len(t, got, 1)
	assert.Equal(t, "small", string(got[0].Key))
}

func TestWAL_CreateSyncsDirectory(t *testing.T) {
	old := syncDir
	t.Cleanup(func() { syncDir = old })

	dir := t.TempDir()
	var synced []string
	syncDir = func(d string) error {
		synced = append(synced, d)
		return old(d)
	}
	w, err := Create(dir, 3)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, []string{filepath.Clean(dir)}, synced)

	syncDir = func(string) error { return errors.New("sync failed") }
	_, err = Create(dir, 4)
	assert.Error(t, err)
}

func TestWAL_List(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 12, Record{SeqN: 1, Entries: []types.Entry{put("a", "1")}})
	writeRecords(t, dir, 3, Record{SeqN: 2, Entries: []types.Entry{put("a", "1")}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST"), nil, 0600))

	nums, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 12}, nums)
}

func mustPayload(t *testing.T, rec Record) []byte {
	t.Helper()
	p, err := encodePayload(nil, rec)
	require.NoError(t, err)
	return p
}
