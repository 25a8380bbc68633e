package version

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"xpdb/pkg/iterator"
	"xpdb/pkg/persistence"
	"xpdb/pkg/types"
)

// Version is an immutable view of the table set. Level 0 is ordered newest
// first and its tables may overlap; every deeper level is sorted by key and
// its tables are disjoint.
//
// A Version holds one reference on each of its tables and is itself
// reference counted, so a reader that pinned it keeps every file it needs
// alive while compactions install successors.
type Version struct {
	levels [][]*persistence.SSTable
	refs   atomic.Int32
}

func newVersion(levels [][]*persistence.SSTable) *Version {
	v := &Version{levels: levels}
	v.refs.Store(1)
	for _, tables := range levels {
		for _, t := range tables {
			t.Ref()
		}
	}
	return v
}

func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases the Version. The last release drops the table references.
func (v *Version) Unref() error {
	n := v.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("version: negative refcount")
	}

	var result *multierror.Error
	for _, tables := range v.levels {
		for _, t := range tables {
			if err := t.Unref(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// NumLevels is the number of levels, including empty ones.
func (v *Version) NumLevels() int {
	return len(v.levels)
}

// Files returns the tables of level. The slice must not be modified.
func (v *Version) Files(level int) []*persistence.SSTable {
	if level < 0 || level >= len(v.levels) {
		return nil
	}
	return v.levels[level]
}

func (v *Version) NumFiles(level int) int {
	return len(v.Files(level))
}

func (v *Version) LevelSize(level int) int64 {
	var size int64
	for _, t := range v.Files(level) {
		size += t.Size()
	}
	return size
}

// Overlapping returns the tables of level whose key range intersects
// [lower, upper]. Nil bounds are unbounded.
func (v *Version) Overlapping(level int, lower, upper types.Key) []*persistence.SSTable {
	var out []*persistence.SSTable
	for _, t := range v.Files(level) {
		if t.Overlaps(lower, upper) {
			out = append(out, t)
		}
	}
	return out
}

// Get returns the newest entry for key across all tables, which may be a
// tombstone. Shallower levels always hold newer data than deeper ones.
func (v *Version) Get(key types.Key) (types.Entry, bool, error) {
	var (
		best  types.Entry
		found bool
	)
	for _, t := range v.Files(0) {
		if !t.MayContain(key) {
			continue
		}
		e, ok, err := t.Get(key)
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to read table %d: %w", t.ID(), err)
		}
		if ok && (!found || e.SeqN > best.SeqN) {
			best, found = e, true
		}
	}
	if found {
		return best, true, nil
	}

	for level := 1; level < len(v.levels); level++ {
		t := v.findTable(level, key)
		if t == nil || !t.MayContain(key) {
			continue
		}
		e, ok, err := t.Get(key)
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to read table %d: %w", t.ID(), err)
		}
		if ok {
			return e, true, nil
		}
	}
	return types.Entry{}, false, nil
}

// findTable returns the only table of a sorted level that may hold key.
func (v *Version) findTable(level int, key types.Key) *persistence.SSTable {
	tables := v.levels[level]
	i := sort.Search(len(tables), func(i int) bool {
		return types.Compare(tables[i].MaxKey(), key) >= 0
	})
	if i == len(tables) || types.Compare(tables[i].MinKey(), key) > 0 {
		return nil
	}
	return tables[i]
}

// Iterators returns one iterator per level 0 table, newest first, followed
// by one concatenating iterator per non-empty deeper level. Tables that
// cannot intersect [lower, upper] are skipped.
func (v *Version) Iterators(lower, upper types.Key) []iterator.Iterator {
	var its []iterator.Iterator
	for _, t := range v.Overlapping(0, lower, upper) {
		its = append(its, t.NewIterator())
	}
	for level := 1; level < len(v.levels); level++ {
		tables := v.Overlapping(level, lower, upper)
		if len(tables) == 0 {
			continue
		}
		children := make([]iterator.Iterator, 0, len(tables))
		maxKeys := make([]types.Key, 0, len(tables))
		for _, t := range tables {
			children = append(children, t.NewIterator())
			maxKeys = append(maxKeys, t.MaxKey())
		}
		its = append(its, iterator.NewLevelConcat(maxKeys, children))
	}
	return its
}

func sortLevel(level int, tables []*persistence.SSTable) {
	if level == 0 {
		sort.Slice(tables, func(i, j int) bool { return tables[i].ID() > tables[j].ID() })
		return
	}
	sort.Slice(tables, func(i, j int) bool {
		return types.Compare(tables[i].MinKey(), tables[j].MinKey()) < 0
	})
}

func checkDisjoint(level int, tables []*persistence.SSTable) error {
	for i := 1; i < len(tables); i++ {
		if types.Compare(tables[i-1].MaxKey(), tables[i].MinKey()) >= 0 {
			return fmt.Errorf("level %d: tables %d and %d overlap", level, tables[i-1].ID(), tables[i].ID())
		}
	}
	return nil
}
