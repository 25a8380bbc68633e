package version

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/persistence"
	"xpdb/pkg/types"
	"xpdb/pkg/wal"
)

// ErrManifestNotSynced reports a manifest that replaced the previous one but
// whose directory entry may not be durable. The Set keeps the new Version
// installed and refuses further edits; tables it references must be kept.
var ErrManifestNotSynced = errors.New("manifest rename not synced")

// Options configures a Set.
type Options struct {
	MaxLevels int
	Table     persistence.OpenOptions
	Logger    *slog.Logger
}

// Set owns the manifest and the current Version.
type Set struct {
	dir    string
	opts   Options
	logger *slog.Logger

	// mu serializes Apply and Close.
	mu sync.Mutex
	// err is sticky once a manifest could not be made durable.
	err error

	// curMu guards data and current. Writers also hold mu, so Apply reads
	// both without it.
	curMu   sync.RWMutex
	data    ManifestData
	current *Version

	nextFile atomic.Uint64
}

// Open loads the manifest in dir, or creates a fresh one, and opens every
// table it lists. A table failing its integrity check fails Open. Table and
// temp files the manifest does not know about are removed.
func Open(dir string, opts Options) (*Set, error) {
	if opts.MaxLevels <= 0 {
		opts.MaxLevels = 7
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "version")

	data, found, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	if !found {
		data = ManifestData{
			Version:        manifestFormat,
			DBID:           uuid.NewString(),
			NextFileNumber: 1,
		}
		logger.Info("creating new manifest", "db_id", data.DBID)
	}
	for len(data.Levels) < opts.MaxLevels {
		data.Levels = append(data.Levels, nil)
	}

	s := &Set{dir: dir, opts: opts, logger: logger, data: data}

	levels, err := s.openTables()
	if err != nil {
		return nil, err
	}
	for level, tables := range levels {
		sortLevel(level, tables)
		if level > 0 {
			if err := checkDisjoint(level, tables); err != nil {
				releaseAll(levels)
				return nil, dberrors.Corruptf("manifest: %v", err)
			}
		}
	}

	maxSeen, err := s.collectGarbage()
	if err != nil {
		releaseAll(levels)
		return nil, err
	}
	s.nextFile.Store(max(s.data.NextFileNumber, maxSeen+1))

	// the Version takes its own reference; drop the ones from Open
	s.current = newVersion(levels)
	releaseAll(levels)

	if !found {
		s.data.NextFileNumber = s.nextFile.Load()
		if err := saveManifest(dir, s.data); err != nil {
			_ = s.current.Unref()
			return nil, fmt.Errorf("failed to create manifest: %w", err)
		}
	}
	return s, nil
}

func (s *Set) openTables() ([][]*persistence.SSTable, error) {
	levels := make([][]*persistence.SSTable, len(s.data.Levels))
	for level, infos := range s.data.Levels {
		for _, info := range infos {
			t, err := persistence.Open(persistence.TablePath(s.dir, info.ID), info.ID, s.opts.Table)
			if err != nil {
				releaseAll(levels)
				return nil, fmt.Errorf("failed to open table %d at level %d: %w", info.ID, level, err)
			}
			levels[level] = append(levels[level], t)
		}
	}
	return levels, nil
}

// collectGarbage removes unreferenced table and temp files and returns the
// largest file number seen in the directory.
func (s *Set) collectGarbage() (uint64, error) {
	live := make(map[uint64]struct{})
	for _, infos := range s.data.Levels {
		for _, info := range infos {
			live[info.ID] = struct{}{}
		}
	}

	des, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, dberrors.IO(fmt.Errorf("failed to list data dir: %w", err))
	}

	var maxSeen uint64
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if num, ok := wal.ParseFileName(name); ok {
			maxSeen = max(maxSeen, num)
			continue
		}

		orphan := strings.HasSuffix(name, tmpSuffix)
		if num, ok := persistence.ParseFileName(name); ok {
			maxSeen = max(maxSeen, num)
			_, known := live[num]
			orphan = !known
		}
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove orphan file", "file", name, "error", err)
			continue
		}
		s.logger.Info("removed orphan file", "file", name)
	}
	return maxSeen, nil
}

// Current returns the current Version with a reference the caller must
// release.
func (s *Set) Current() *Version {
	s.curMu.RLock()
	defer s.curMu.RUnlock()
	s.current.Ref()
	return s.current
}

// NewFileNumber allocates a file number for a WAL or table.
func (s *Set) NewFileNumber() uint64 {
	return s.nextFile.Add(1) - 1
}

func (s *Set) LogNumber() uint64 {
	s.curMu.RLock()
	defer s.curMu.RUnlock()
	return s.data.LogNumber
}

func (s *Set) LastSequence() types.SeqN {
	s.curMu.RLock()
	defer s.curMu.RUnlock()
	return s.data.LastSequence
}

func (s *Set) DBID() string {
	s.curMu.RLock()
	defer s.curMu.RUnlock()
	return s.data.DBID
}

func (s *Set) Dir() string {
	return s.dir
}

// Apply builds the successor of the current Version, persists the manifest
// and installs it. On error the current Version and manifest are unchanged,
// except for ErrManifestNotSynced. Removed tables are deleted once no
// Version references them. Readers calling Current are not blocked by the
// manifest I/O.
func (s *Set) Apply(edit *Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return dberrors.ErrClosed
	}
	if s.err != nil {
		return s.err
	}

	levels := make([][]*persistence.SSTable, len(s.current.levels))
	var removed []*persistence.SSTable
	for level, tables := range s.current.levels {
		levels[level] = append([]*persistence.SSTable(nil), tables...)
	}

	for _, d := range edit.deleted {
		if d.level < 0 || d.level >= len(levels) {
			return fmt.Errorf("%w: edit deletes from level %d", dberrors.ErrInvalidArgument, d.level)
		}
		idx := -1
		for i, t := range levels[d.level] {
			if t.ID() == d.id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: table %d not at level %d", dberrors.ErrInvalidArgument, d.id, d.level)
		}
		removed = append(removed, levels[d.level][idx])
		levels[d.level] = append(levels[d.level][:idx:idx], levels[d.level][idx+1:]...)
	}
	for _, a := range edit.added {
		if a.level < 0 || a.level >= len(levels) {
			return fmt.Errorf("%w: edit adds to level %d", dberrors.ErrInvalidArgument, a.level)
		}
		levels[a.level] = append(levels[a.level], a.table)
	}
	for level, tables := range levels {
		sortLevel(level, tables)
		if level > 0 {
			if err := checkDisjoint(level, tables); err != nil {
				return fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
			}
		}
	}

	data := s.data
	if edit.LogNumber != 0 {
		data.LogNumber = edit.LogNumber
	}
	data.LastSequence = max(data.LastSequence, edit.LastSequence)
	data.NextFileNumber = s.nextFile.Load()
	data.Levels = make([][]TableInfo, len(levels))
	for level, tables := range levels {
		for _, t := range tables {
			data.Levels[level] = append(data.Levels[level], tableInfo(level, t))
		}
	}

	saveErr := saveManifest(s.dir, data)
	if saveErr != nil && !errors.Is(saveErr, ErrManifestNotSynced) {
		return fmt.Errorf("failed to save manifest: %w", saveErr)
	}

	// either manifest may be the one found after a crash, so removed
	// tables stay on disk unless the new one is durable
	if saveErr == nil {
		for _, t := range removed {
			t.MarkObsolete()
		}
	}
	next := newVersion(levels)
	s.curMu.Lock()
	prev := s.current
	s.current = next
	s.data = data
	s.curMu.Unlock()

	if err := prev.Unref(); err != nil {
		s.logger.Warn("failed to release previous version", "error", err)
	}
	if saveErr != nil {
		s.err = saveErr
		s.logger.Error("manifest installed but not synced", "error", saveErr)
		return saveErr
	}
	return nil
}

// Close releases the current Version. Versions pinned by readers keep their
// tables open until released.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curMu.Lock()
	cur := s.current
	s.current = nil
	s.curMu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Unref()
}

func tableInfo(level int, t *persistence.SSTable) TableInfo {
	sum := t.Summary()
	return TableInfo{
		ID:      t.ID(),
		Level:   level,
		Size:    sum.Size,
		Entries: sum.Entries,
		MinKey:  sum.MinKey,
		MaxKey:  sum.MaxKey,
		MinSeqN: sum.MinSeqN,
		MaxSeqN: sum.MaxSeqN,
	}
}

func releaseAll(levels [][]*persistence.SSTable) {
	var result *multierror.Error
	for _, tables := range levels {
		for _, t := range tables {
			if err := t.Unref(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		slog.Warn("failed to release tables", "error", err)
	}
}
