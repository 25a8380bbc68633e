package store

import (
	"iter"
	"sync"

	"xpdb/pkg/types"
)

// Snapshot is a frozen, read-only view of the store. Writes, flushes and
// compactions after it was taken are invisible to it. A Snapshot pins
// memory and table files until Release.
type Snapshot struct {
	s  *Store
	rs *readState

	mu       sync.Mutex
	refs     int
	released bool
}

// Snapshot captures the current state of the store.
func (s *Store) Snapshot() (*Snapshot, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()

	return &Snapshot{s: s, rs: s.capture(), refs: 1}, nil
}

// SeqN is the last sequence number visible to the snapshot.
func (sn *Snapshot) SeqN() types.SeqN {
	return sn.rs.seq
}

func (sn *Snapshot) acquire() error {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.released {
		return ErrClosed
	}
	sn.refs++
	return nil
}

func (sn *Snapshot) unref() error {
	sn.mu.Lock()
	sn.refs--
	last := sn.refs == 0
	sn.mu.Unlock()
	if last {
		return sn.rs.release()
	}
	return nil
}

func (sn *Snapshot) Get(key []byte, opts ...ReadOption) ([]byte, bool, error) {
	if err := sn.s.enter(); err != nil {
		return nil, false, err
	}
	defer sn.s.leave()
	if err := sn.acquire(); err != nil {
		return nil, false, err
	}
	defer func() {
		if err := sn.unref(); err != nil {
			sn.s.logger.Warn("failed to release snapshot", "error", err)
		}
	}()
	return sn.rs.lookup(key, opts)
}

// NewIterator iterates the snapshot. The iterator keeps the snapshot's
// files alive even if the snapshot is released first.
func (sn *Snapshot) NewIterator(opts *IterOptions) (*Iterator, error) {
	if err := sn.s.enter(); err != nil {
		return nil, err
	}
	defer sn.s.leave()
	if err := sn.acquire(); err != nil {
		return nil, err
	}
	return newIterator(sn.rs, opts, sn.unref), nil
}

// Scan lazily yields the snapshot's live entries in [lower, upper).
func (sn *Snapshot) Scan(lower, upper []byte) iter.Seq2[KV, error] {
	return scan(func() (*Iterator, error) {
		return sn.NewIterator(&IterOptions{LowerBound: lower, UpperBound: upper})
	})
}

// Release drops the snapshot. Iterators opened from it stay usable until
// closed. Releasing twice is a no-op.
func (sn *Snapshot) Release() error {
	sn.mu.Lock()
	if sn.released {
		sn.mu.Unlock()
		return nil
	}
	sn.released = true
	sn.mu.Unlock()
	return sn.unref()
}
