package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"xpdb/pkg/dberrors"
)

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	DB     `yaml:"db" validate:"required"`
}

type DB struct {
	Memtable    MemtableConfig    `yaml:"memtable" validate:"required"`
	Persistence PersistenceConfig `yaml:"persistence" validate:"required"`
}

type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold" validate:"required,min=1"`
	FlushChanBuffSize   int `yaml:"flush_chan_buff_size" validate:"required,min=1"`
	// MaxImmTables frozen memtables may wait for flush before writers stall.
	MaxImmTables int `yaml:"max_imm_tables" validate:"required,min=1"`
}

type PersistenceConfig struct {
	// RootPath is read by cmd/xpdb only; Store.Open takes its directory.
	RootPath    string            `yaml:"path"`
	SSTable     SSTableConfig     `yaml:"sstable" validate:"required"`
	Cache       CacheConfig       `yaml:"cache" validate:"required"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter" validate:"required"`
}

type SSTableConfig struct {
	BlockSize      int     `yaml:"block_size" validate:"required,min=64"`
	Compression    string  `yaml:"compression" validate:"omitempty,oneof=none snappy zstd"`
	TargetFileSize int64   `yaml:"target_file_size" validate:"required,min=1024"`
	L0Trigger      int     `yaml:"l0_trigger" validate:"required,min=1"`
	LevelBaseBytes int64   `yaml:"level_base_bytes" validate:"required,min=1"`
	SizeMultiplier float64 `yaml:"size_multiplier" validate:"required,gt=1"`
	MaxLevels      int     `yaml:"max_levels" validate:"required,min=2,max=16"`
	ParanoidChecks bool    `yaml:"paranoid_checks"`
}

type CacheConfig struct {
	// CapacityBytes bounds the decoded block cache. Zero disables it.
	CapacityBytes int64 `yaml:"capacity_bytes" validate:"min=0"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate" validate:"required,gt=0,lt=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		DB: DefaultDB(),
	}
}

// DefaultDB returns the engine defaults.
func DefaultDB() DB {
	return DB{
		Memtable: MemtableConfig{
			FlushThresholdBytes: 4 << 20,
			FlushChanBuffSize:   4,
			MaxImmTables:        4,
		},
		Persistence: PersistenceConfig{
			RootPath: "./data",
			SSTable: SSTableConfig{
				BlockSize:      4 << 10,
				Compression:    "snappy",
				TargetFileSize: 2 << 20,
				L0Trigger:      4,
				LevelBaseBytes: 10 << 20,
				SizeMultiplier: 10,
				MaxLevels:      7,
			},
			Cache: CacheConfig{
				CapacityBytes: 8 << 20,
			},
			BloomFilter: BloomFilterConfig{
				FPRate: 0.01,
			},
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config: %w", dberrors.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks a daemon config, which must also name the data directory.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}
	if c.Persistence.RootPath == "" {
		return fmt.Errorf("%w: persistence.path is required", dberrors.ErrInvalidArgument)
	}
	return nil
}

func (d DB) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}
	return nil
}
