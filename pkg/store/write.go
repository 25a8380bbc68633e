package store

import (
	"errors"
	"fmt"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/memtable"
	"xpdb/pkg/types"
	"xpdb/pkg/wal"
)

// maxBatchBytes caps the accounted size of one batch so it always fits a
// single WAL record.
var maxBatchBytes int64 = 1 << 29

// Put stores value under key. A nil value deletes the key; an empty
// non-nil value is stored as such.
func (s *Store) Put(key, value []byte) error {
	b := Batch{}
	b.Put(key, value)
	return s.Write(&b)
}

// Delete removes key. Deleting an absent key succeeds.
func (s *Store) Delete(key []byte) error {
	b := Batch{}
	b.Delete(key)
	return s.Write(&b)
}

// Write applies every mutation of b atomically.
func (s *Store) Write(b *Batch) error {
	if b == nil {
		return fmt.Errorf("%w: nil batch", ErrInvalidArgument)
	}
	if b.err != nil {
		return b.err
	}
	if len(b.entries) == 0 {
		return nil
	}
	if b.size > maxBatchBytes {
		return fmt.Errorf("%w: batch of %d bytes exceeds %d", ErrInvalidArgument, b.size, maxBatchBytes)
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backgroundErr(); err != nil {
		return err
	}
	if !s.mem.Empty() && s.mem.ApproximateSize()+b.size > int64(s.cfg.Memtable.FlushThresholdBytes) {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	first := s.seq.Val() + 1
	for i := range b.entries {
		b.entries[i].SeqN = first + types.SeqN(i)
	}
	if err := s.log.Append(wal.Record{SeqN: first, Entries: b.entries}); err != nil {
		if errors.Is(err, dberrors.ErrInvalidArgument) {
			// rejected before anything was written
			return err
		}
		// the log may now hold a partial record; nothing more can be
		// appended behind it safely
		err = dberrors.IO(fmt.Errorf("failed to append to WAL: %w", err))
		s.setBackgroundErr(err)
		return err
	}
	for _, e := range b.entries {
		if err := s.mem.Put(e); err != nil {
			err = fmt.Errorf("failed to apply to memtable: %w", err)
			s.setBackgroundErr(err)
			return err
		}
	}
	s.seq.Set(first + types.SeqN(len(b.entries)) - 1)
	return nil
}

// rotate freezes the active memtable, hands it to the flush worker and
// starts a new memtable on a new WAL. It stalls while too many frozen
// memtables are pending. writeMu must be held.
func (s *Store) rotate() error {
	s.stateMu.Lock()
	for len(s.imm) >= s.cfg.Memtable.MaxImmTables && s.bgErr == nil {
		s.logger.Debug("write stall: waiting for flush", "pending", len(s.imm))
		s.cond.Wait()
	}
	err := s.bgErr
	s.stateMu.Unlock()
	if err != nil {
		return err
	}

	num := s.set.NewFileNumber()
	w, err := wal.Create(s.dir, num)
	if err != nil {
		return dberrors.IO(err)
	}

	old, oldLog := s.mem, s.log
	old.Freeze()

	s.stateMu.Lock()
	s.imm = append(s.imm, old)
	s.mem = memtable.New(num)
	s.stateMu.Unlock()

	s.log = w
	if err := oldLog.Close(); err != nil {
		s.logger.Warn("failed to close rotated WAL", "log", oldLog.Num(), "error", err)
	}

	s.flushCh <- old
	return nil
}
