package store

import (
	"fmt"

	"xpdb/pkg/iterator"
	"xpdb/pkg/memtable"
	"xpdb/pkg/types"
	"xpdb/pkg/version"
)

// readState is a consistent view of the store: everything published up to
// seq, found in mem, imm and the tables of v.
type readState struct {
	seq types.SeqN
	mem *memtable.Memtable
	imm []*memtable.Memtable // newest first
	v   *version.Version
}

// capture pins the current view. The caller must release it.
func (s *Store) capture() *readState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	rs := &readState{
		seq: s.seq.Val(),
		mem: s.mem,
		imm: make([]*memtable.Memtable, 0, len(s.imm)),
		v:   s.set.Current(),
	}
	for i := len(s.imm) - 1; i >= 0; i-- {
		rs.imm = append(rs.imm, s.imm[i])
	}
	return rs
}

func (rs *readState) release() error {
	return rs.v.Unref()
}

// get returns the newest entry for key visible at rs.seq, tombstones
// included.
func (rs *readState) get(key []byte) (types.Entry, bool, error) {
	if e, ok := rs.mem.Get(key, rs.seq); ok {
		return e, true, nil
	}
	for _, mt := range rs.imm {
		if e, ok := mt.Get(key, rs.seq); ok {
			return e, true, nil
		}
	}
	e, ok, err := rs.v.Get(key)
	if err != nil {
		return types.Entry{}, false, err
	}
	if ok && e.SeqN > rs.seq {
		// cannot happen for flushed data; treat as invisible
		return types.Entry{}, false, nil
	}
	return e, ok, nil
}

func (rs *readState) lookup(key []byte, opts []ReadOption) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}

	e, ok, err := rs.get(key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	if !ok || e.IsTombstone() {
		return o.def, false, nil
	}
	return append([]byte{}, e.Value...), true, nil
}

// iterators returns the children for a merging iterator, newest source
// first.
func (rs *readState) iterators(lower, upper []byte) []iterator.Iterator {
	its := []iterator.Iterator{rs.mem.NewIterator(rs.seq)}
	for _, mt := range rs.imm {
		its = append(its, mt.NewIterator(rs.seq))
	}
	return append(its, rs.v.Iterators(lower, upper)...)
}

// Get returns a copy of the value stored under key. On a miss found is
// false and the value is nil, or the WithDefault value.
func (s *Store) Get(key []byte, opts ...ReadOption) ([]byte, bool, error) {
	if err := s.enter(); err != nil {
		return nil, false, err
	}
	defer s.leave()

	rs := s.capture()
	defer func() {
		if err := rs.release(); err != nil {
			s.logger.Warn("failed to release read state", "error", err)
		}
	}()
	return rs.lookup(key, opts)
}
