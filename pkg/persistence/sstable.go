package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/iterator"
	"xpdb/pkg/types"
)

// OpenOptions controls how a table is opened.
type OpenOptions struct {
	Cache *BlockCache
	// ParanoidChecks verifies the checksum of every data block on open.
	ParanoidChecks bool
}

// SSTable is an immutable sorted table file. Reads go through ReadAt and
// never take a lock, so one SSTable serves any number of readers.
//
// Lifetime is reference counted: the creator holds the first reference and
// every Version listing the table holds another. When the count drops to
// zero the file is closed, and removed if it was marked obsolete.
type SSTable struct {
	id      uint64
	path    string
	file    *os.File
	index   []indexEntry
	filter  *BloomFilter
	summary Summary
	cache   *BlockCache

	refs     atomic.Int32
	obsolete atomic.Bool
}

// TablePath returns the path of table num inside dir.
func TablePath(dir string, num uint64) string {
	return filepath.Join(dir, FileName(num))
}

// Open opens the table file at path. Any structural or checksum failure is
// reported as dberrors.ErrCorruption.
func Open(path string, id uint64, opts OpenOptions) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.IO(fmt.Errorf("failed to open SSTable file: %w", err))
	}

	t := &SSTable{id: id, path: path, file: file, cache: opts.Cache}
	t.refs.Store(1)
	if err := t.load(opts.ParanoidChecks); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close sstable file after load error", "path", path, "error", cerr)
		}
		return nil, fmt.Errorf("failed to load SSTable %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

func (t *SSTable) load(paranoid bool) error {
	info, err := t.file.Stat()
	if err != nil {
		return dberrors.IO(fmt.Errorf("failed to stat: %w", err))
	}
	size := info.Size()
	if size < footerSize {
		return dberrors.Corruptf("file too small: %d bytes", size)
	}

	buf := make([]byte, footerSize)
	if _, err := t.file.ReadAt(buf, size-footerSize); err != nil {
		return dberrors.IO(fmt.Errorf("failed to read footer: %w", err))
	}
	ft, err := decodeFooter(buf)
	if err != nil {
		return err
	}

	limit := uint64(size - footerSize)
	for _, h := range []blockHandle{ft.index, ft.filter, ft.props} {
		if h.offset+h.length+blockTrailerSize > limit {
			return dberrors.Corruptf("block handle out of range")
		}
	}

	raw, err := t.readRaw(ft.index)
	if err != nil {
		return err
	}
	if t.index, err = decodeIndex(raw); err != nil {
		return err
	}
	if raw, err = t.readRaw(ft.filter); err != nil {
		return err
	}
	if t.filter, err = decodeBloomFilter(raw); err != nil {
		return err
	}
	if raw, err = t.readRaw(ft.props); err != nil {
		return err
	}
	if t.summary, err = decodeSummary(raw); err != nil {
		return err
	}
	t.summary.ID = t.id
	t.summary.Size = size

	if uint64(len(t.index)) != t.summary.Blocks {
		return dberrors.Corruptf("index lists %d blocks, props %d", len(t.index), t.summary.Blocks)
	}
	for _, ie := range t.index {
		if ie.handle.offset+ie.handle.length+blockTrailerSize > ft.index.offset {
			return dberrors.Corruptf("data block handle out of range")
		}
	}

	if paranoid {
		var entries uint64
		for i := range t.index {
			data, err := t.readRaw(t.index[i].handle)
			if err != nil {
				return err
			}
			var bi blockIter
			bi.reset(data)
			for bi.first(); bi.ok; bi.advance() {
				entries++
			}
			if bi.err != nil {
				return bi.err
			}
		}
		if entries != t.summary.Entries {
			return dberrors.Corruptf("table holds %d entries, props %d", entries, t.summary.Entries)
		}
	}
	return nil
}

// readRaw reads, verifies and decompresses one block, bypassing the cache.
func (t *SSTable) readRaw(h blockHandle) ([]byte, error) {
	buf := make([]byte, h.length+blockTrailerSize)
	if _, err := t.file.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, dberrors.IO(fmt.Errorf("failed to read block at %d: %w", h.offset, err))
	}
	data, trailer := buf[:h.length], buf[h.length:]
	if blockChecksum(data, trailer[0]) != binary.LittleEndian.Uint64(trailer[1:]) {
		return nil, dberrors.Corruptf("block checksum mismatch at offset %d", h.offset)
	}
	return decompress(Compression(trailer[0]), data)
}

func (t *SSTable) readBlock(i int) ([]byte, error) {
	h := t.index[i].handle
	if data, ok := t.cache.Get(t.id, h.offset); ok {
		return data, nil
	}
	data, err := t.readRaw(h)
	if err != nil {
		return nil, err
	}
	t.cache.Set(t.id, h.offset, data)
	return data, nil
}

// blockFor returns the index of the block that may hold the first entry
// with key >= target.
func (t *SSTable) blockFor(target types.Key) int {
	i := sort.Search(len(t.index), func(i int) bool {
		return types.Compare(t.index[i].firstKey, target) >= 0
	})
	if i > 0 {
		i--
	}
	return i
}

// Get returns the newest entry for key, which may be a tombstone.
func (t *SSTable) Get(key types.Key) (types.Entry, bool, error) {
	if !t.Overlaps(key, key) || !t.filter.MayContain(key) {
		return types.Entry{}, false, nil
	}

	var bi blockIter
	for b := t.blockFor(key); b < len(t.index); b++ {
		if types.Compare(t.index[b].firstKey, key) > 0 {
			break
		}
		data, err := t.readBlock(b)
		if err != nil {
			return types.Entry{}, false, err
		}
		bi.reset(data)
		bi.seek(key)
		if bi.err != nil {
			return types.Entry{}, false, bi.err
		}
		if bi.ok {
			// first entry >= key is the newest version of key, if any
			if types.Compare(bi.cur.Key, key) != 0 {
				return types.Entry{}, false, nil
			}
			return bi.cur, true, nil
		}
	}
	return types.Entry{}, false, nil
}

// MayContain consults the bloom filter and the key range.
func (t *SSTable) MayContain(key types.Key) bool {
	return t.Overlaps(key, key) && t.filter.MayContain(key)
}

// Overlaps reports whether [lower, upper] intersects the table key range.
// A nil bound is unbounded.
func (t *SSTable) Overlaps(lower, upper types.Key) bool {
	if upper != nil && types.Compare(upper, t.summary.MinKey) < 0 {
		return false
	}
	if lower != nil && types.Compare(lower, t.summary.MaxKey) > 0 {
		return false
	}
	return true
}

func (t *SSTable) ID() uint64       { return t.id }
func (t *SSTable) Path() string     { return t.path }
func (t *SSTable) Size() int64      { return t.summary.Size }
func (t *SSTable) Summary() Summary { return t.summary }
func (t *SSTable) MinKey() []byte   { return t.summary.MinKey }
func (t *SSTable) MaxKey() []byte   { return t.summary.MaxKey }

// Ref takes an additional reference.
func (t *SSTable) Ref() {
	t.refs.Add(1)
}

// Unref drops a reference, closing the file and removing it if obsolete
// when the last one goes away.
func (t *SSTable) Unref() error {
	n := t.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("SSTable %d: negative refcount", t.id)
	}

	var errs []error
	if err := t.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close SSTable: %w", err))
	}
	if t.obsolete.Load() {
		if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove obsolete SSTable: %w", err))
		} else {
			slog.Debug("removed obsolete sstable", "id", t.id)
		}
	}
	return dberrors.IO(errors.Join(errs...))
}

// MarkObsolete schedules the file for removal once unreferenced.
func (t *SSTable) MarkObsolete() {
	t.obsolete.Store(true)
}

// NewIterator returns an iterator over every entry. The caller must hold a
// reference for the lifetime of the iterator.
func (t *SSTable) NewIterator() iterator.Iterator {
	return &tableIterator{t: t, block: len(t.index)}
}

type tableIterator struct {
	t     *SSTable
	block int
	bi    blockIter
	err   error
}

func (it *tableIterator) load(b int) bool {
	it.block = b
	if b >= len(it.t.index) {
		return false
	}
	data, err := it.t.readBlock(b)
	if err != nil {
		it.err = err
		it.block = len(it.t.index)
		return false
	}
	it.bi.reset(data)
	return true
}

// settle moves forward across block boundaries until positioned on an
// entry or exhausted.
func (it *tableIterator) settle() {
	for !it.bi.ok {
		if it.bi.err != nil {
			it.err = it.bi.err
			it.block = len(it.t.index)
			return
		}
		if !it.load(it.block + 1) {
			return
		}
		it.bi.first()
	}
}

func (it *tableIterator) First() {
	it.err = nil
	it.bi = blockIter{}
	if !it.load(0) {
		return
	}
	it.bi.first()
	it.settle()
}

func (it *tableIterator) Seek(target types.Key) {
	it.err = nil
	it.bi = blockIter{}
	if !it.load(it.t.blockFor(target)) {
		return
	}
	it.bi.seek(target)
	it.settle()
}

func (it *tableIterator) Next() {
	if !it.Valid() {
		return
	}
	it.bi.advance()
	it.settle()
}

func (it *tableIterator) Valid() bool {
	return it.err == nil && it.block < len(it.t.index) && it.bi.ok
}

func (it *tableIterator) Entry() types.Entry {
	return it.bi.cur
}

func (it *tableIterator) Err() error {
	return it.err
}

func (it *tableIterator) Close() error {
	return nil
}
