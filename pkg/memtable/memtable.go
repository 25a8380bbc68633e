package memtable

import (
	"bytes"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"xpdb/pkg/iterator"
	"xpdb/pkg/types"
)

var (
	ErrFrozen = errors.New("memtable is frozen")
)

const (
	seqNSize = 8
	mdSize   = 8
)

// chain holds every version of a key written to this table, newest first.
// A chain is never mutated in place; writers replace it.
type chain struct {
	versions []types.Entry
}

func (c *chain) at(seq types.SeqN) (types.Entry, bool) {
	for _, e := range c.versions {
		if e.SeqN <= seq {
			return e, true
		}
	}
	return types.Entry{}, false
}

type concurrentMap = skipmap.FuncMap[[]byte, *chain]

// Memtable is the in-memory write buffer. Reads are lock-free and may run
// concurrently with the single writer. Older versions of a key stay
// reachable so that snapshots taken before an overwrite keep their view.
type Memtable struct {
	id     uint64
	table  *concurrentMap
	size   atomic.Int64
	count  atomic.Int64
	maxSeq atomic.Uint64
	frozen atomic.Bool
}

// New creates an empty memtable backed by the WAL with file number id.
func New(id uint64) *Memtable {
	return &Memtable{
		id: id,
		table: skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Put records e. Calls must be serialized by the caller.
func (mt *Memtable) Put(e types.Entry) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}

	next := &chain{}
	if old, ok := mt.table.Load(e.Key); ok {
		next.versions = make([]types.Entry, 0, len(old.versions)+1)
		next.versions = append(next.versions, e)
		next.versions = append(next.versions, old.versions...)
	} else {
		next.versions = []types.Entry{e}
	}
	mt.table.Store(e.Key, next)

	mt.size.Add(EntrySize(e))
	mt.count.Add(1)
	if e.SeqN > mt.maxSeq.Load() {
		mt.maxSeq.Store(e.SeqN)
	}
	return nil
}

// Get returns the newest version of key visible at seq. Tombstones are
// returned too; the caller decides what a deletion means.
func (mt *Memtable) Get(key []byte, seq types.SeqN) (types.Entry, bool) {
	c, ok := mt.table.Load(key)
	if !ok {
		return types.Entry{}, false
	}
	return c.at(seq)
}

// NewIterator returns an ascending iterator yielding, per key, the newest
// version visible at seq.
func (mt *Memtable) NewIterator(seq types.SeqN) iterator.Iterator {
	return &memIterator{mt: mt, seq: seq}
}

func (mt *Memtable) visible(seq types.SeqN) iter.Seq[types.Entry] {
	return func(yield func(types.Entry) bool) {
		mt.table.Range(func(_ []byte, c *chain) bool {
			e, ok := c.at(seq)
			if !ok {
				return true
			}
			return yield(e)
		})
	}
}

// EntrySize is the approximate memory footprint accounted for e.
func EntrySize(e types.Entry) int64 {
	return int64(len(e.Key) + len(e.Value) + seqNSize + mdSize)
}

func (mt *Memtable) ApproximateSize() int64 {
	return mt.size.Load()
}

// Len is the number of records written, counting overwrites.
func (mt *Memtable) Len() int {
	return int(mt.count.Load())
}

func (mt *Memtable) Empty() bool {
	return mt.count.Load() == 0
}

// Freeze makes the table read-only. It is called once the table is handed
// over to the flusher.
func (mt *Memtable) Freeze() {
	mt.frozen.Store(true)
}

func (mt *Memtable) Frozen() bool {
	return mt.frozen.Load()
}

// ID is the file number of the WAL that backs this table.
func (mt *Memtable) ID() uint64 {
	return mt.id
}

func (mt *Memtable) MaxSeqN() types.SeqN {
	return mt.maxSeq.Load()
}

type memIterator struct {
	mt  *Memtable
	seq types.SeqN

	next  func() (types.Entry, bool)
	stop  func()
	cur   types.Entry
	valid bool
}

func (it *memIterator) reset() {
	if it.stop != nil {
		it.stop()
	}
	it.next, it.stop = iter.Pull(it.mt.visible(it.seq))
}

func (it *memIterator) advance() {
	if it.next == nil {
		it.valid = false
		return
	}
	it.cur, it.valid = it.next()
}

func (it *memIterator) First() {
	it.reset()
	it.advance()
}

// Seek walks from the start; skipmap offers no positioned lookup, and a
// memtable is bounded by the flush threshold.
func (it *memIterator) Seek(target types.Key) {
	it.reset()
	for it.advance(); it.valid && bytes.Compare(it.cur.Key, target) < 0; it.advance() {
	}
}

func (it *memIterator) Next() {
	if it.valid {
		it.advance()
	}
}

func (it *memIterator) Valid() bool        { return it.valid }
func (it *memIterator) Entry() types.Entry { return it.cur }
func (it *memIterator) Err() error         { return nil }

func (it *memIterator) Close() error {
	if it.stop != nil {
		it.stop()
		it.stop = nil
		it.next = nil
	}
	it.valid = false
	return nil
}
