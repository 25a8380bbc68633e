package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpdb/pkg/store"
)

func openDB(t *testing.T) DB {
	t.Helper()
	d, err := Open(t.TempDir(), store.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	for i := 0; i < 20; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprintf("user:%02d", i)), []byte(fmt.Sprintf("u%d", i))))
	}
	require.NoError(t, d.Put([]byte("order:1"), []byte("o1")))
	require.NoError(t, d.Put([]byte("zzz"), []byte("last")))
	require.NoError(t, d.Delete([]byte("user:05")))
	return d
}

func keysOf(t *testing.T, r Reader, start, end []byte, opts SearchOptions) []string {
	t.Helper()
	var keys []string
	n, err := SearchRange(context.Background(), r, start, end, opts, func(res SearchResult) error {
		keys = append(keys, string(res.Key))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(keys), n)
	return keys
}

func TestSearchRange(t *testing.T) {
	d := openDB(t)

	t.Run("bounds", func(t *testing.T) {
		keys := keysOf(t, d, []byte("user:03"), []byte("user:07"), SearchOptions{})
		assert.Equal(t, []string{"user:03", "user:04", "user:06"}, keys)
	})

	t.Run("prefix", func(t *testing.T) {
		keys := keysOf(t, d, nil, nil, SearchOptions{Prefix: []byte("user:")})
		assert.Len(t, keys, 19)
		assert.Equal(t, "user:00", keys[0])
		assert.Equal(t, "user:19", keys[len(keys)-1])
	})

	t.Run("limit", func(t *testing.T) {
		keys := keysOf(t, d, nil, nil, SearchOptions{Limit: 2})
		assert.Equal(t, []string{"order:1", "user:00"}, keys)
	})

	t.Run("stop early", func(t *testing.T) {
		var seen int
		n, err := SearchRange(context.Background(), d, nil, nil, SearchOptions{}, func(SearchResult) error {
			seen++
			if seen == 3 {
				return ErrStopSearch
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("callback error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := SearchRange(context.Background(), d, nil, nil, SearchOptions{}, func(SearchResult) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		n, err := SearchRange(ctx, d, nil, nil, SearchOptions{}, func(SearchResult) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, n)
	})
}

func TestSearchRange_Snapshot(t *testing.T) {
	d := openDB(t)

	snap, err := d.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, d.Put([]byte("user:05"), []byte("back")))
	require.NoError(t, d.Delete([]byte("zzz")))

	old := keysOf(t, snap, []byte("user:04"), nil, SearchOptions{})
	assert.Equal(t, []string{"user:04", "user:06"}, old[:2])
	assert.Equal(t, "zzz", old[len(old)-1])

	cur := keysOf(t, d, []byte("user:04"), nil, SearchOptions{Limit: 2})
	assert.Equal(t, []string{"user:04", "user:05"}, cur)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("b"), prefixEnd([]byte("a")))
	assert.Equal(t, []byte{0x01}, prefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
