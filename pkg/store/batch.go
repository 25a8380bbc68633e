package store

import (
	"fmt"

	"xpdb/pkg/memtable"
	"xpdb/pkg/types"
)

// Batch collects mutations applied atomically by Store.Write: all of them
// become visible together and survive a crash together, or none does.
// Later mutations of the same key within a batch win.
type Batch struct {
	entries []types.Entry
	size    int64
	err     error
}

func NewBatch() *Batch {
	return &Batch{}
}

// Put stores a copy of key and value. A nil value deletes key.
func (b *Batch) Put(key, value []byte) {
	if value == nil {
		b.Delete(key)
		return
	}
	b.add(types.Entry{Key: key, Value: value, Kind: types.KindValue})
}

func (b *Batch) Delete(key []byte) {
	b.add(types.Entry{Key: key, Kind: types.KindTombstone})
}

func (b *Batch) add(e types.Entry) {
	if len(e.Key) == 0 {
		if b.err == nil {
			b.err = fmt.Errorf("%w: empty key in batch", ErrInvalidArgument)
		}
		return
	}
	e.Key = append([]byte{}, e.Key...)
	if e.Kind == types.KindValue {
		e.Value = append([]byte{}, e.Value...)
	}
	b.entries = append(b.entries, e)
	b.size += memtable.EntrySize(e)
}

// Len is the number of mutations in the batch.
func (b *Batch) Len() int {
	return len(b.entries)
}
