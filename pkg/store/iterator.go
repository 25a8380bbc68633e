package store

import (
	"iter"

	"github.com/hashicorp/go-multierror"

	"xpdb/pkg/iterator"
	"xpdb/pkg/types"
)

// KV is one live key and its value.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterator walks live keys in ascending order over a fixed snapshot,
// skipping deleted keys and older versions. Key and Value are only valid
// until the next move; copy them to keep them.
type Iterator struct {
	merged  iterator.Iterator
	seq     types.SeqN
	lower   []byte
	upper   []byte
	cur     types.Entry
	valid   bool
	release func() error
	closed  bool
}

func newIterator(rs *readState, opts *IterOptions, release func() error) *Iterator {
	it := &Iterator{seq: rs.seq, release: release}
	if opts != nil {
		it.lower = append([]byte(nil), opts.LowerBound...)
		it.upper = append([]byte(nil), opts.UpperBound...)
		if len(it.lower) == 0 {
			it.lower = nil
		}
		if len(it.upper) == 0 {
			it.upper = nil
		}
	}
	it.merged = iterator.NewMerging(rs.iterators(it.lower, it.upper)...)
	return it
}

// First moves to the first live key at or after the lower bound.
func (it *Iterator) First() bool {
	if it.lower != nil {
		it.merged.Seek(it.lower)
	} else {
		it.merged.First()
	}
	return it.settle(nil)
}

// Seek moves to the first live key >= key, clamped to the bounds.
func (it *Iterator) Seek(key []byte) bool {
	if it.lower != nil && types.Compare(key, it.lower) < 0 {
		key = it.lower
	}
	it.merged.Seek(key)
	return it.settle(nil)
}

// Next moves to the following live key.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	prev := append([]byte{}, it.cur.Key...)
	it.merged.Next()
	return it.settle(prev)
}

// settle skips entries invisible at the snapshot, shadowed versions of the
// previous key and tombstones.
func (it *Iterator) settle(prev []byte) bool {
	it.valid = false
	for ; it.merged.Valid(); it.merged.Next() {
		e := it.merged.Entry()
		if it.upper != nil && types.Compare(e.Key, it.upper) >= 0 {
			return false
		}
		if e.SeqN > it.seq {
			continue
		}
		if prev != nil && types.Compare(e.Key, prev) == 0 {
			continue
		}
		// first visible entry of a key is its newest version
		prev = append(prev[:0], e.Key...)
		if e.IsTombstone() {
			continue
		}
		it.cur = e
		it.valid = true
		return true
	}
	return false
}

func (it *Iterator) Valid() bool {
	return it.valid
}

func (it *Iterator) Key() []byte {
	return it.cur.Key
}

func (it *Iterator) Value() []byte {
	return it.cur.Value
}

func (it *Iterator) Err() error {
	return it.merged.Err()
}

// Close releases the snapshot pinned by the iterator.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false

	var result *multierror.Error
	if err := it.merged.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := it.release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// NewIterator returns an iterator over a snapshot taken now.
func (s *Store) NewIterator(opts *IterOptions) (*Iterator, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()

	rs := s.capture()
	return newIterator(rs, opts, rs.release), nil
}

// Scan lazily yields the live entries in [lower, upper). Every run of the
// sequence reads its own fresh snapshot.
func (s *Store) Scan(lower, upper []byte) iter.Seq2[KV, error] {
	return scan(func() (*Iterator, error) {
		return s.NewIterator(&IterOptions{LowerBound: lower, UpperBound: upper})
	})
}

// Entries yields every live key and value in ascending key order.
func (s *Store) Entries() iter.Seq2[KV, error] {
	return s.Scan(nil, nil)
}

// Keys yields every live key in ascending order.
func (s *Store) Keys() iter.Seq2[[]byte, error] {
	return project(s.Entries(), func(kv KV) []byte { return kv.Key })
}

// Values yields the value of every live key in ascending key order.
func (s *Store) Values() iter.Seq2[[]byte, error] {
	return project(s.Entries(), func(kv KV) []byte { return kv.Value })
}

func scan(open func() (*Iterator, error)) iter.Seq2[KV, error] {
	return func(yield func(KV, error) bool) {
		it, err := open()
		if err != nil {
			yield(KV{}, err)
			return
		}
		defer it.Close()

		for ok := it.First(); ok; ok = it.Next() {
			kv := KV{
				Key:   append([]byte{}, it.Key()...),
				Value: append([]byte{}, it.Value()...),
			}
			if !yield(kv, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(KV{}, err)
		}
	}
}

func project[T any](seq iter.Seq2[KV, error], fn func(KV) T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for kv, err := range seq {
			var zero T
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(fn(kv), nil) {
				return
			}
		}
	}
}
