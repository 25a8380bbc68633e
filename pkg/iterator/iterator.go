package iterator

import "xpdb/pkg/types"

// Iterator iterates over a sorted sequence of entries ordered by key
// ascending and, for equal keys, sequence number descending.
type Iterator interface {
	// First moves to the smallest entry.
	First()
	// Seek moves the iterator to the first entry with key >= target.
	Seek(target types.Key)
	// Next advances to the next entry.
	Next()
	// Valid reports whether the iterator points to an entry.
	Valid() bool
	// Entry returns the current entry. Only meaningful while Valid.
	Entry() types.Entry
	// Err returns the first error hit while iterating.
	Err() error
	// Close releases resources.
	Close() error
}

// Empty returns an iterator over nothing, optionally carrying an error.
func Empty(err error) Iterator {
	return &emptyIterator{err: err}
}

type emptyIterator struct {
	err error
}

func (e *emptyIterator) First()             {}
func (e *emptyIterator) Seek(types.Key)     {}
func (e *emptyIterator) Next()              {}
func (e *emptyIterator) Valid() bool        { return false }
func (e *emptyIterator) Entry() types.Entry { return types.Entry{} }
func (e *emptyIterator) Err() error         { return e.err }
func (e *emptyIterator) Close() error       { return nil }

// FromSlice iterates over already sorted entries.
func FromSlice(entries []types.Entry) Iterator {
	return &sliceIterator{entries: entries, pos: len(entries)}
}

type sliceIterator struct {
	entries []types.Entry
	pos     int
}

func (s *sliceIterator) First() { s.pos = 0 }

func (s *sliceIterator) Seek(target types.Key) {
	s.pos = 0
	for s.pos < len(s.entries) && types.Compare(s.entries[s.pos].Key, target) < 0 {
		s.pos++
	}
}

func (s *sliceIterator) Next() {
	if s.pos < len(s.entries) {
		s.pos++
	}
}

func (s *sliceIterator) Valid() bool        { return s.pos < len(s.entries) }
func (s *sliceIterator) Entry() types.Entry { return s.entries[s.pos] }
func (s *sliceIterator) Err() error         { return nil }
func (s *sliceIterator) Close() error       { return nil }
