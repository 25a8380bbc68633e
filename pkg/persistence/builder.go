package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/iterator"
	"xpdb/pkg/types"
)

// BuilderOptions controls the shape of the tables a Builder writes.
type BuilderOptions struct {
	BlockSize   int
	Compression Compression
	BloomFPRate float64
}

func (o BuilderOptions) withDefaults() BuilderOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = 4 * 1024
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
	return o
}

// Builder streams sorted entries into a new table file. Entries must arrive
// in CompareEntries order. The file only becomes valid after Finish.
type Builder struct {
	opts   BuilderOptions
	id     uint64
	path   string
	file   *os.File
	writer *bufio.Writer
	offset uint64

	block      []byte
	blockFirst []byte
	index      []indexEntry
	hashes     []uint64

	summary Summary
	last    types.Entry
	hasLast bool
	err     error
}

// NewBuilder creates the file at path. The caller owns the file until
// Finish or Abandon.
func NewBuilder(path string, id uint64, opts BuilderOptions) (*Builder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, dberrors.IO(fmt.Errorf("failed to create SSTable file: %w", err))
	}
	return &Builder{
		opts:    opts.withDefaults(),
		id:      id,
		path:    path,
		file:    file,
		writer:  bufio.NewWriterSize(file, 256*1024),
		summary: Summary{ID: id},
	}, nil
}

// Add appends one entry.
func (b *Builder) Add(e types.Entry) error {
	if b.err != nil {
		return b.err
	}
	if b.hasLast && types.CompareEntries(b.last, e) >= 0 {
		b.err = fmt.Errorf("%w: entries out of order at key %q", dberrors.ErrInvalidArgument, e.Key)
		return b.err
	}

	sameKey := b.hasLast && types.Compare(b.last.Key, e.Key) == 0
	if !sameKey {
		b.hashes = append(b.hashes, BloomHash(e.Key))
	}

	if len(b.block) == 0 {
		b.blockFirst = append(b.blockFirst[:0], e.Key...)
	}
	b.block = appendEntry(b.block, e)

	if b.summary.Entries == 0 {
		b.summary.MinKey = append([]byte{}, e.Key...)
		b.summary.MinSeqN = e.SeqN
	}
	b.summary.MaxKey = append(b.summary.MaxKey[:0], e.Key...)
	b.summary.Entries++
	b.summary.MinSeqN = min(b.summary.MinSeqN, e.SeqN)
	b.summary.MaxSeqN = max(b.summary.MaxSeqN, e.SeqN)

	// own a copy: e may alias a block or memtable buffer
	b.last = types.Entry{Key: append(b.last.Key[:0], e.Key...), SeqN: e.SeqN, Kind: e.Kind}
	b.hasLast = true

	if len(b.block) >= b.opts.BlockSize {
		if err := b.flushBlock(); err != nil {
			b.err = err
			return err
		}
	}
	return nil
}

// Entries is the number of entries added so far.
func (b *Builder) Entries() uint64 {
	return b.summary.Entries
}

// EstimatedSize approximates the final file size.
func (b *Builder) EstimatedSize() int64 {
	return int64(b.offset) + int64(len(b.block))
}

func (b *Builder) flushBlock() error {
	if len(b.block) == 0 {
		return nil
	}
	h, err := b.writeBlock(b.block, b.opts.Compression)
	if err != nil {
		return err
	}
	b.index = append(b.index, indexEntry{firstKey: append([]byte{}, b.blockFirst...), handle: h})
	b.summary.Blocks++
	b.block = b.block[:0]
	return nil
}

func (b *Builder) writeBlock(raw []byte, c Compression) (blockHandle, error) {
	data, used, err := compress(c, raw)
	if err != nil {
		return blockHandle{}, err
	}

	var trailer [blockTrailerSize]byte
	trailer[0] = byte(used)
	binary.LittleEndian.PutUint64(trailer[1:], blockChecksum(data, byte(used)))

	if _, err := b.writer.Write(data); err != nil {
		return blockHandle{}, dberrors.IO(fmt.Errorf("failed to write block: %w", err))
	}
	if _, err := b.writer.Write(trailer[:]); err != nil {
		return blockHandle{}, dberrors.IO(fmt.Errorf("failed to write block trailer: %w", err))
	}

	h := blockHandle{offset: b.offset, length: uint64(len(data))}
	b.offset += uint64(len(data)) + blockTrailerSize
	return h, nil
}

// Finish writes the index, filter, props and footer, syncs and closes the
// file. An empty builder is an error: tables always hold at least one entry.
func (b *Builder) Finish() (Summary, error) {
	if b.err != nil {
		return Summary{}, b.err
	}
	if b.summary.Entries == 0 {
		return Summary{}, fmt.Errorf("%w: empty table", dberrors.ErrInvalidArgument)
	}
	if err := b.flushBlock(); err != nil {
		return Summary{}, err
	}

	var (
		ft  footer
		err error
	)
	if ft.index, err = b.writeBlock(encodeIndex(b.index), NoCompression); err != nil {
		return Summary{}, err
	}
	filter := NewBloomFilter(b.hashes, b.opts.BloomFPRate)
	if ft.filter, err = b.writeBlock(filter.encode(), NoCompression); err != nil {
		return Summary{}, err
	}
	if ft.props, err = b.writeBlock(b.summary.encode(), NoCompression); err != nil {
		return Summary{}, err
	}
	if _, err := b.writer.Write(ft.encode()); err != nil {
		return Summary{}, dberrors.IO(fmt.Errorf("failed to write footer: %w", err))
	}
	b.offset += footerSize

	if err := b.writer.Flush(); err != nil {
		return Summary{}, dberrors.IO(fmt.Errorf("failed to flush SSTable: %w", err))
	}
	if err := b.file.Sync(); err != nil {
		return Summary{}, dberrors.IO(fmt.Errorf("failed to sync SSTable: %w", err))
	}
	if err := b.file.Close(); err != nil {
		return Summary{}, dberrors.IO(fmt.Errorf("failed to close SSTable: %w", err))
	}
	b.file = nil

	b.summary.Size = int64(b.offset)
	return b.summary, nil
}

// Abandon closes and removes a partially written file.
func (b *Builder) Abandon() error {
	var errs []error
	if b.file != nil {
		errs = append(errs, b.file.Close())
		b.file = nil
	}
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Path returns the file being written.
func (b *Builder) Path() string {
	return b.path
}

// Build writes every entry of it into a new table at path.
func Build(path string, id uint64, it iterator.Iterator, opts BuilderOptions) (Summary, error) {
	b, err := NewBuilder(path, id, opts)
	if err != nil {
		return Summary{}, err
	}

	fail := func(err error) (Summary, error) {
		if aerr := b.Abandon(); aerr != nil {
			slog.Warn("failed to remove partial SSTable", "path", path, "error", aerr)
		}
		return Summary{}, err
	}

	for it.First(); it.Valid(); it.Next() {
		if err := b.Add(it.Entry()); err != nil {
			return fail(err)
		}
	}
	if err := it.Err(); err != nil {
		return fail(err)
	}

	summary, err := b.Finish()
	if err != nil {
		return fail(err)
	}
	return summary, nil
}
