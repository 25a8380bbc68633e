package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpdb/pkg/types"
)

func entry(key, value string, seq types.SeqN) types.Entry {
	return types.Entry{Key: []byte(key), Value: []byte(value), SeqN: seq, Kind: types.KindValue}
}

func tombstone(key string, seq types.SeqN) types.Entry {
	return types.Entry{Key: []byte(key), SeqN: seq, Kind: types.KindTombstone}
}

func TestMemtable_PutGet(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Put(entry("a", "1", 1)))
	require.NoError(t, mt.Put(entry("a", "2", 2)))
	require.NoError(t, mt.Put(entry("b", "x", 3)))

	e, ok := mt.Get([]byte("a"), types.MaxSeqN)
	require.True(t, ok)
	assert.Equal(t, "2", string(e.Value))

	_, ok = mt.Get([]byte("missing"), types.MaxSeqN)
	assert.False(t, ok)

	require.NoError(t, mt.Put(tombstone("a", 4)))
	e, ok = mt.Get([]byte("a"), types.MaxSeqN)
	require.True(t, ok)
	assert.True(t, e.IsTombstone())

	assert.Equal(t, 4, mt.Len())
	assert.Equal(t, types.SeqN(4), mt.MaxSeqN())
}

func TestMemtable_SnapshotVisibility(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Put(entry("k", "old", 10)))
	require.NoError(t, mt.Put(entry("k", "new", 20)))

	e, ok := mt.Get([]byte("k"), 15)
	require.True(t, ok)
	assert.Equal(t, "old", string(e.Value))

	_, ok = mt.Get([]byte("k"), 5)
	assert.False(t, ok)
}

func TestMemtable_IteratorOrderAndSnapshot(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Put(entry("c", "3", 1)))
	require.NoError(t, mt.Put(entry("a", "1", 2)))
	require.NoError(t, mt.Put(entry("b", "2", 3)))
	require.NoError(t, mt.Put(entry("a", "1b", 4)))

	it := mt.NewIterator(3)
	defer it.Close()

	var keys, values []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Entry().Key))
		values = append(values, string(it.Entry().Value))
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, []string{"1", "2", "3"}, values)

	it.Seek([]byte("b"))
	require.True(t, it.Valid())
	assert.Equal(t, "b", string(it.Entry().Key))

	it.Seek([]byte("bb"))
	require.True(t, it.Valid())
	assert.Equal(t, "c", string(it.Entry().Key))

	it.Seek([]byte("d"))
	assert.False(t, it.Valid())
}

func TestMemtable_Frozen(t *testing.T) {
	mt := New(9)
	require.NoError(t, mt.Put(entry("a", "1", 1)))
	mt.Freeze()

	assert.True(t, mt.Frozen())
	assert.ErrorIs(t, mt.Put(entry("b", "2", 2)), ErrFrozen)
	assert.Equal(t, uint64(9), mt.ID())
}

func TestMemtable_SizeAccounting(t *testing.T) {
	mt := New(1)
	assert.True(t, mt.Empty())

	e := entry("key", "value", 1)
	require.NoError(t, mt.Put(e))
	assert.Equal(t, EntrySize(e), mt.ApproximateSize())
	assert.Equal(t, int64(3+5+seqNSize+mdSize), mt.ApproximateSize())
}

func TestMemtable_ConcurrentReadersSingleWriter(t *testing.T) {
	mt := New(1)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = mt.Put(entry(fmt.Sprintf("k%05d", i), "v", types.SeqN(i+1)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it := mt.NewIterator(types.MaxSeqN)
			defer it.Close()
			var prev []byte
			for it.First(); it.Valid(); it.Next() {
				if prev != nil {
					assert.Less(t, string(prev), string(it.Entry().Key))
				}
				prev = it.Entry().Key
			}
		}()
	}
	wg.Wait()

	_, ok := mt.Get([]byte(fmt.Sprintf("k%05d", n-1)), types.MaxSeqN)
	assert.True(t, ok)
}
