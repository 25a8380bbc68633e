package db

import (
	"bytes"
	"context"
	"errors"

	"xpdb/pkg/store"
)

// ErrStopSearch may be returned by a SearchCallback to end the search early
// without an error.
var ErrStopSearch = errors.New("stop search")

// SearchResult is one key and value visited by SearchRange. Both slices are
// copies owned by the callback.
type SearchResult struct {
	Key   []byte
	Value []byte
}

// SearchCallback is called once per result in ascending key order.
type SearchCallback func(SearchResult) error

// SearchOptions narrow a range search.
type SearchOptions struct {
	// Prefix keeps only keys starting with it.
	Prefix []byte
	// Limit caps the number of results; 0 means no limit.
	Limit int
}

// SearchRange visits live keys in [start, end) from r. Nil bounds are open.
// The context is checked between results.
func SearchRange(ctx context.Context, r Reader, start, end []byte, opts SearchOptions, callback SearchCallback) (int, error) {
	if len(opts.Prefix) > 0 {
		if start == nil || bytes.Compare(start, opts.Prefix) < 0 {
			start = opts.Prefix
		}
		if pe := prefixEnd(opts.Prefix); pe != nil && (end == nil || bytes.Compare(pe, end) < 0) {
			end = pe
		}
	}

	it, err := r.NewIterator(&store.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	count := 0
	for ok := it.First(); ok; ok = it.Next() {
		if opts.Limit > 0 && count >= opts.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		res := SearchResult{
			Key:   bytes.Clone(it.Key()),
			Value: bytes.Clone(it.Value()),
		}
		if err := callback(res); err != nil {
			if errors.Is(err, ErrStopSearch) {
				return count + 1, nil
			}
			return count, err
		}
		count++
	}
	if err := it.Err(); err != nil {
		return count, err
	}
	return count, it.Close()
}

// prefixEnd returns the smallest key greater than every key with prefix p,
// or nil if there is none.
func prefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
