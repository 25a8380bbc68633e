package store

import (
	"xpdb/pkg/compaction"
)

// LevelStats describes one level of the table tree.
type LevelStats struct {
	Level int
	Files int
	Bytes int64
	Score float64
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	DBID         string
	SeqN         uint64
	MemtableSize int64
	Immutable    int
	Flushes      uint64
	Compaction   compaction.Stats
	Levels       []LevelStats

	BlockCacheBytes  int64
	BlockCacheHits   uint64
	BlockCacheMisses uint64
}

func (s *Store) Stats() (Stats, error) {
	if err := s.enter(); err != nil {
		return Stats{}, err
	}
	defer s.leave()

	rs := s.capture()
	defer func() {
		if err := rs.release(); err != nil {
			s.logger.Warn("failed to release read state", "error", err)
		}
	}()

	st := Stats{
		DBID:         s.set.DBID(),
		SeqN:         rs.seq,
		MemtableSize: rs.mem.ApproximateSize(),
		Immutable:    len(rs.imm),
		Flushes:      s.flushes.Load(),
		Compaction:   s.compactor.Stats(),
	}
	st.BlockCacheBytes, st.BlockCacheHits, st.BlockCacheMisses = s.cache.Usage()

	picker := s.compactor.Picker()
	for level := 0; level < rs.v.NumLevels(); level++ {
		st.Levels = append(st.Levels, LevelStats{
			Level: level,
			Files: rs.v.NumFiles(level),
			Bytes: rs.v.LevelSize(level),
			Score: picker.Score(rs.v, level),
		})
	}
	return st, nil
}
