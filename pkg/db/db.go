package db

import (
	"context"

	"xpdb/pkg/store"
)

// Reader is the read side shared by the store and its snapshots.
type Reader interface {
	Get(key []byte, opts ...store.ReadOption) ([]byte, bool, error)
	NewIterator(opts *store.IterOptions) (*store.Iterator, error)
}

// DB is the public key-value API.
type DB interface {
	Reader

	Put(key, value []byte) error
	Delete(key []byte) error
	Write(b *store.Batch) error

	Snapshot() (*store.Snapshot, error)
	Stats() (store.Stats, error)

	// Maintenance
	Flush() error
	Compact(ctx context.Context) error
	Close() error
}

var (
	_ DB     = (*store.Store)(nil)
	_ Reader = (*store.Snapshot)(nil)
)

// Open opens the store in dir as a DB.
func Open(dir string, opts ...store.Option) (DB, error) {
	s, err := store.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}
