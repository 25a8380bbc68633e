package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpdb/pkg/dberrors"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.NoError(t, DefaultDB().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: debug
  json: true
db:
  memtable:
    flush_threshold: 1024
  persistence:
    path: /var/lib/xpdb
    sstable:
      compression: zstd
      paranoid_checks: true
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, 1024, cfg.Memtable.FlushThresholdBytes)
	assert.Equal(t, "/var/lib/xpdb", cfg.Persistence.RootPath)
	assert.Equal(t, "zstd", cfg.Persistence.SSTable.Compression)
	assert.True(t, cfg.Persistence.SSTable.ParanoidChecks)

	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Memtable.MaxImmTables)
	assert.Equal(t, 4<<10, cfg.Persistence.SSTable.BlockSize)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"compression":  func(c *Config) { c.Persistence.SSTable.Compression = "lz4" },
		"fp rate":      func(c *Config) { c.Persistence.BloomFilter.FPRate = 1.5 },
		"threshold":    func(c *Config) { c.Memtable.FlushThresholdBytes = 0 },
		"max levels":   func(c *Config) { c.Persistence.SSTable.MaxLevels = 1 },
		"multiplier":   func(c *Config) { c.Persistence.SSTable.SizeMultiplier = 1 },
		"logger level": func(c *Config) { c.Logger.Level = "loud" },
		"cache size":   func(c *Config) { c.Persistence.Cache.CapacityBytes = -1 },
		"root path":    func(c *Config) { c.Persistence.RootPath = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), dberrors.ErrInvalidArgument)
		})
	}
}

func TestValidateDB_EngineOnly(t *testing.T) {
	db := DefaultDB()
	db.Persistence.RootPath = ""
	db.Persistence.SSTable.Compression = ""
	assert.NoError(t, db.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db: [unterminated"), 0600))
	_, err = Load(path)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}
