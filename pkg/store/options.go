package store

import (
	"log/slog"

	"xpdb/pkg/config"
)

type Option func(*options)

type options struct {
	cfg    config.DB
	logger *slog.Logger
}

func defaultOptions() options {
	return options{
		cfg:    config.DefaultDB(),
		logger: slog.Default(),
	}
}

// WithConfig replaces the engine configuration. It is validated by Open.
func WithConfig(cfg config.DB) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type ReadOption func(*readOptions)

type readOptions struct {
	def []byte
}

// WithDefault makes Get return v instead of nil when the key is absent.
// The found result stays false.
func WithDefault(v []byte) ReadOption {
	return func(o *readOptions) { o.def = v }
}

// IterOptions bounds an iterator to [LowerBound, UpperBound). Nil bounds
// are open.
type IterOptions struct {
	LowerBound []byte
	UpperBound []byte
}
