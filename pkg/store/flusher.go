package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"xpdb/pkg/listener"
	"xpdb/pkg/memtable"
	"xpdb/pkg/version"
	"xpdb/pkg/wal"
)

// flush persists the oldest frozen memtable as a level 0 table, records it
// in the manifest together with the WAL it no longer needs, and removes
// that WAL. Any failure is sticky: the memtable stays queued and writes
// start failing, since its data only lives in memory and the WAL.
func (s *Store) flush(_ context.Context, mt *memtable.Memtable) error {
	if err := s.flushMemtable(mt); err != nil {
		s.setBackgroundErr(err)
		return err
	}
	return nil
}

func (s *Store) flushMemtable(mt *memtable.Memtable) error {
	started := time.Now()

	s.stateMu.Lock()
	if len(s.imm) == 0 || s.imm[0] != mt {
		s.stateMu.Unlock()
		return fmt.Errorf("flush out of order: memtable %d", mt.ID())
	}
	// WALs from the next memtable on are still needed
	nextLog := s.mem.ID()
	if len(s.imm) > 1 {
		nextLog = s.imm[1].ID()
	}
	s.stateMu.Unlock()

	edit := &version.Edit{LogNumber: nextLog, LastSequence: mt.MaxSeqN()}
	if !mt.Empty() {
		table, err := s.buildTable(mt)
		if err != nil {
			return fmt.Errorf("failed to write memtable %d: %w", mt.ID(), err)
		}
		defer table.Unref()
		edit.AddTable(0, table)

		if err := s.set.Apply(edit); err != nil {
			if !errors.Is(err, version.ErrManifestNotSynced) {
				table.MarkObsolete()
			}
			return fmt.Errorf("failed to install flushed table: %w", err)
		}
	} else if err := s.set.Apply(edit); err != nil {
		return fmt.Errorf("failed to advance log number: %w", err)
	}

	path := filepath.Join(s.dir, wal.FileName(mt.ID()))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove flushed WAL", "log", mt.ID(), "error", err)
	}

	s.flushes.Add(1)
	s.stateMu.Lock()
	s.imm = s.imm[1:]
	s.cond.Broadcast()
	s.stateMu.Unlock()

	s.logger.Debug("memtable flushed",
		"log", mt.ID(),
		"entries", mt.Len(),
		"bytes", mt.ApproximateSize(),
		"duration", time.Since(started),
	)
	listener.Notify(s.compactCh)
	return nil
}
