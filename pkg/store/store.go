package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"xpdb/pkg/clock"
	"xpdb/pkg/compaction"
	"xpdb/pkg/config"
	"xpdb/pkg/dberrors"
	"xpdb/pkg/listener"
	"xpdb/pkg/memtable"
	"xpdb/pkg/persistence"
	"xpdb/pkg/types"
	"xpdb/pkg/version"
	"xpdb/pkg/wal"
)

type iClock interface {
	Val() types.SeqN
	Set(t types.SeqN)
}

// Store is an embedded LSM key-value store rooted at one directory.
//
// Writes are serialized by writeMu: each one is appended to the WAL, applied
// to the active memtable and only then published by advancing seq. Readers
// capture {seq, memtables, Version} under stateMu and read without locks.
type Store struct {
	dir    string
	cfg    config.DB
	logger *slog.Logger

	set       *version.Set
	cache     *persistence.BlockCache
	compactor *compaction.Compactor
	builder   persistence.BuilderOptions
	seq       iClock

	writeMu sync.Mutex
	log     *wal.Writer

	// stateMu guards mem, imm and bgErr; cond signals imm shrinking.
	stateMu sync.Mutex
	cond    *sync.Cond
	mem     *memtable.Memtable
	imm     []*memtable.Memtable // oldest first
	bgErr   error

	flushCh   chan *memtable.Memtable
	compactCh chan struct{}
	flusher   *listener.Listener[*memtable.Memtable]
	compacter *listener.Listener[struct{}]

	// closeMu and inflight drain public calls on Close.
	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	flushes atomic.Uint64
}

// Open opens or creates the store in dir, recovering any writes left in
// WAL files by a previous run.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidPath)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	compression, err := persistence.ParseCompression(o.cfg.Persistence.SSTable.Compression)
	if err != nil {
		return nil, err
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dberrors.IO(fmt.Errorf("failed to create data dir: %w", err))
	}

	logger := o.logger.With("component", "store", "dir", dir)
	sst := o.cfg.Persistence.SSTable
	cache := persistence.NewBlockCache(o.cfg.Persistence.Cache.CapacityBytes)
	tableOpts := persistence.OpenOptions{Cache: cache, ParanoidChecks: sst.ParanoidChecks}
	builder := persistence.BuilderOptions{
		BlockSize:   sst.BlockSize,
		Compression: compression,
		BloomFPRate: o.cfg.Persistence.BloomFilter.FPRate,
	}

	set, err := version.Open(dir, version.Options{
		MaxLevels: sst.MaxLevels,
		Table:     tableOpts,
		Logger:    o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open version set: %w", err)
	}

	s := &Store{
		dir:     dir,
		cfg:     o.cfg,
		logger:  logger,
		set:     set,
		cache:   cache,
		builder: builder,
		compactor: compaction.New(set, compaction.Options{
			L0Trigger:      sst.L0Trigger,
			LevelBaseBytes: sst.LevelBaseBytes,
			SizeMultiplier: sst.SizeMultiplier,
			TargetFileSize: sst.TargetFileSize,
			Builder:        builder,
			Table:          tableOpts,
			Logger:         o.logger,
		}),
		flushCh:   make(chan *memtable.Memtable, max(o.cfg.Memtable.FlushChanBuffSize, o.cfg.Memtable.MaxImmTables)),
		compactCh: make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.stateMu)

	if err := s.recover(); err != nil {
		if cerr := set.Close(); cerr != nil {
			logger.Warn("failed to close version set", "error", cerr)
		}
		return nil, err
	}

	s.flusher = listener.New(s.flushCh, s.flush,
		listener.WithErrorHandler(func(err error) { s.logger.Error("flush failed", "error", err) }))
	s.compacter = listener.New(s.compactCh, s.maybeCompact,
		listener.WithErrorHandler(func(err error) { s.logger.Error("compaction failed", "error", err) }))

	ctx := context.Background()
	s.flusher.Start(ctx)
	s.compacter.Start(ctx)
	listener.Notify(s.compactCh)

	logger.Info("store opened", "db_id", set.DBID(), "seq", s.seq.Val(), "log", s.mem.ID())
	return s, nil
}

// recover replays WAL files not yet covered by tables, writes what they
// held to level 0 and starts a fresh WAL.
func (s *Store) recover() error {
	logs, err := wal.List(s.dir)
	if err != nil {
		return dberrors.IO(err)
	}

	lastSeq := s.set.LastSequence()
	recovered := memtable.New(0)

replay:
	for _, num := range logs {
		if num < s.set.LogNumber() {
			continue
		}
		n, truncated, err := replayLog(filepath.Join(s.dir, wal.FileName(num)), recovered)
		if err != nil {
			return err
		}
		s.logger.Info("replayed WAL", "log", num, "entries", n)
		if truncated {
			s.logger.Warn("WAL ends in a torn or corrupted record, later logs are ignored", "log", num)
			break replay
		}
	}
	lastSeq = max(lastSeq, recovered.MaxSeqN())

	edit := &version.Edit{LastSequence: lastSeq}
	var table *persistence.SSTable
	if !recovered.Empty() {
		table, err = s.buildTable(recovered)
		if err != nil {
			return fmt.Errorf("failed to flush recovered memtable: %w", err)
		}
		defer table.Unref()
		edit.AddTable(0, table)
	}

	num := s.set.NewFileNumber()
	w, err := wal.Create(s.dir, num)
	if err != nil {
		if table != nil {
			table.MarkObsolete()
		}
		return dberrors.IO(err)
	}
	edit.LogNumber = num
	if err := s.set.Apply(edit); err != nil {
		if table != nil {
			table.MarkObsolete()
		}
		return errors.Join(err, w.Close())
	}

	for _, old := range logs {
		if err := os.Remove(filepath.Join(s.dir, wal.FileName(old))); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove old WAL", "log", old, "error", err)
		}
	}

	s.seq = clock.NewAtomic(lastSeq)
	s.log = w
	s.mem = memtable.New(num)
	return nil
}

func replayLog(path string, mt *memtable.Memtable) (n int, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, dberrors.IO(fmt.Errorf("failed to open WAL: %w", err))
	}
	defer f.Close()

	r := wal.NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, r.Truncated(), nil
		}
		if err != nil {
			return n, false, dberrors.IO(err)
		}
		for _, e := range rec.Entries {
			if err := mt.Put(e); err != nil {
				return n, false, err
			}
			n++
		}
	}
}

// buildTable writes the newest version of every key in mt into a new level
// 0 table. The caller owns the returned reference.
func (s *Store) buildTable(mt *memtable.Memtable) (*persistence.SSTable, error) {
	id := s.set.NewFileNumber()
	path := persistence.TablePath(s.dir, id)

	it := mt.NewIterator(types.MaxSeqN)
	defer it.Close()
	if _, err := persistence.Build(path, id, it, s.builder); err != nil {
		return nil, err
	}
	table, err := persistence.Open(path, id, persistence.OpenOptions{Cache: s.cache})
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return table, nil
}

func (s *Store) enter() error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.inflight.Add(1)
	return nil
}

func (s *Store) leave() {
	s.inflight.Done()
}

func (s *Store) backgroundErr() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.bgErr
}

func (s *Store) setBackgroundErr(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.bgErr == nil {
		s.bgErr = err
	}
	s.cond.Broadcast()
}

// waitFlushed blocks until every frozen memtable is on disk.
func (s *Store) waitFlushed() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for len(s.imm) > 0 && s.bgErr == nil {
		s.cond.Wait()
	}
	return s.bgErr
}

// Flush writes the active memtable to level 0 and waits until no frozen
// memtable is pending.
func (s *Store) Flush() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	s.writeMu.Lock()
	err := s.backgroundErr()
	if err == nil && !s.mem.Empty() {
		err = s.rotate()
	}
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	return s.waitFlushed()
}

// Compact flushes and then pushes every level into the next one, leaving
// all data in the deepest level with every resolvable tombstone removed.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.compactor.CompactAll(ctx)
}

func (s *Store) maybeCompact(ctx context.Context, _ struct{}) error {
	_, err := s.compactor.MaybeCompact(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops accepting calls, waits for in-flight ones, flushes the active
// memtable and releases every resource. Calling Close again returns
// ErrClosed.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.closeMu.Unlock()
	s.inflight.Wait()

	var result *multierror.Error

	s.writeMu.Lock()
	if s.backgroundErr() == nil && !s.mem.Empty() {
		if err := s.rotate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to flush on close: %w", err))
		}
	}
	if err := s.waitFlushed(); err != nil {
		result = multierror.Append(result, fmt.Errorf("background error: %w", err))
	}

	s.flusher.Stop()
	s.compacter.Stop()

	if err := s.log.Close(); err != nil {
		result = multierror.Append(result, dberrors.IO(err))
	}
	s.writeMu.Unlock()

	if err := s.set.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	s.logger.Info("store closed")
	return result.ErrorOrNil()
}
