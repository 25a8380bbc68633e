package store

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"xpdb/pkg/config"
)

func testConfig() config.DB {
	cfg := config.DefaultDB()
	cfg.Memtable.FlushThresholdBytes = 4 << 10
	cfg.Memtable.MaxImmTables = 2
	cfg.Memtable.FlushChanBuffSize = 2
	cfg.Persistence.SSTable.BlockSize = 512
	cfg.Persistence.SSTable.TargetFileSize = 16 << 10
	cfg.Persistence.SSTable.LevelBaseBytes = 32 << 10
	cfg.Persistence.SSTable.L0Trigger = 2
	cfg.Persistence.Cache.CapacityBytes = 64 << 10
	return cfg
}

func openStore(t testing.TB, dir string, mutate ...func(*config.DB)) *Store {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := Open(dir, WithConfig(cfg), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	return s
}

// crash abandons the store the way a killed process would: background
// workers stop, files are closed, nothing is flushed.
func crash(t testing.TB, s *Store) {
	t.Helper()
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.inflight.Wait()

	s.flusher.Stop()
	s.compacter.Stop()

	s.writeMu.Lock()
	require.NoError(t, s.log.Close())
	s.writeMu.Unlock()
	require.NoError(t, s.set.Close())
}

func mustGet(t testing.TB, s interface {
	Get([]byte, ...ReadOption) ([]byte, bool, error)
}, key string) (string, bool) {
	t.Helper()
	v, ok, err := s.Get([]byte(key))
	require.NoError(t, err)
	return string(v), ok
}

func collect(t testing.TB, seq func(func(KV, error) bool)) map[string]string {
	t.Helper()
	out := make(map[string]string)
	var prev string
	for kv, err := range seq {
		require.NoError(t, err)
		if len(out) > 0 {
			require.Less(t, prev, string(kv.Key), "keys must ascend without duplicates")
		}
		prev = string(kv.Key)
		out[string(kv.Key)] = string(kv.Value)
	}
	return out
}
