package version

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/iterator"
	"xpdb/pkg/persistence"
	"xpdb/pkg/types"
)

func openSet(t *testing.T, dir string) *Set {
	t.Helper()
	s, err := Open(dir, Options{MaxLevels: 4})
	require.NoError(t, err)
	return s
}

// makeTable builds and opens a table holding keys [from, to) at seq base.
func makeTable(t *testing.T, s *Set, from, to int, seq types.SeqN) *persistence.SSTable {
	t.Helper()
	var entries []types.Entry
	for i := from; i < to; i++ {
		entries = append(entries, types.Entry{
			Key:   []byte(fmt.Sprintf("k%04d", i)),
			Value: []byte(fmt.Sprintf("v%d@%d", i, seq)),
			SeqN:  seq,
			Kind:  types.KindValue,
		})
	}
	id := s.NewFileNumber()
	path := persistence.TablePath(s.Dir(), id)
	_, err := persistence.Build(path, id, iterator.FromSlice(entries), persistence.BuilderOptions{})
	require.NoError(t, err)
	table, err := persistence.Open(path, id, persistence.OpenOptions{})
	require.NoError(t, err)
	return table
}

func apply(t *testing.T, s *Set, edit *Edit) {
	t.Helper()
	require.NoError(t, s.Apply(edit))
	for _, table := range edit.Added() {
		require.NoError(t, table.Unref())
	}
}

func TestSet_FreshManifest(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir)
	defer s.Close()

	assert.NotEmpty(t, s.DBID())
	assert.FileExists(t, filepath.Join(dir, ManifestName))

	v := s.Current()
	defer v.Unref()
	assert.Equal(t, 4, v.NumLevels())
	for level := 0; level < v.NumLevels(); level++ {
		assert.Zero(t, v.NumFiles(level))
	}
}

func TestSet_ApplyAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir)
	dbID := s.DBID()

	edit := &Edit{LogNumber: 9, LastSequence: 42}
	edit.AddTable(0, makeTable(t, s, 0, 10, 1))
	edit.AddTable(1, makeTable(t, s, 20, 30, 1))
	edit.AddTable(1, makeTable(t, s, 10, 15, 1))
	apply(t, s, edit)
	require.NoError(t, s.Close())

	s = openSet(t, dir)
	defer s.Close()
	assert.Equal(t, dbID, s.DBID())
	assert.Equal(t, uint64(9), s.LogNumber())
	assert.Equal(t, types.SeqN(42), s.LastSequence())
	assert.Greater(t, s.NewFileNumber(), uint64(3))

	v := s.Current()
	defer v.Unref()
	assert.Equal(t, 1, v.NumFiles(0))
	require.Equal(t, 2, v.NumFiles(1))
	assert.Equal(t, "k0010", string(v.Files(1)[0].MinKey()), "sorted by key")

	e, ok, err := v.Get([]byte("k0022"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v22@1", string(e.Value))

	_, ok, err = v.Get([]byte("k0017"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSet_ShallowerLevelWins(t *testing.T) {
	s := openSet(t, t.TempDir())
	defer s.Close()

	edit := &Edit{}
	edit.AddTable(1, makeTable(t, s, 0, 10, 1))
	edit.AddTable(0, makeTable(t, s, 5, 6, 7))
	apply(t, s, edit)

	v := s.Current()
	defer v.Unref()
	e, ok, err := v.Get([]byte("k0005"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v5@7", string(e.Value))

	assert.Len(t, v.Iterators(nil, nil), 2)
	assert.Len(t, v.Iterators([]byte("k0007"), nil), 1)
}

func TestSet_RejectsOverlapInSortedLevel(t *testing.T) {
	s := openSet(t, t.TempDir())
	defer s.Close()

	a := makeTable(t, s, 0, 10, 1)
	b := makeTable(t, s, 5, 15, 1)
	defer a.Unref()
	defer b.Unref()

	edit := &Edit{}
	edit.AddTable(2, a)
	edit.AddTable(2, b)
	assert.ErrorIs(t, s.Apply(edit), dberrors.ErrInvalidArgument)

	v := s.Current()
	defer v.Unref()
	assert.Zero(t, v.NumFiles(2))
}

func TestSet_DeleteUnknownTable(t *testing.T) {
	s := openSet(t, t.TempDir())
	defer s.Close()

	edit := &Edit{}
	edit.DeleteTable(1, 99)
	assert.ErrorIs(t, s.Apply(edit), dberrors.ErrInvalidArgument)
}

func TestSet_ObsoleteFileOutlivesPinnedVersion(t *testing.T) {
	s := openSet(t, t.TempDir())
	defer s.Close()

	table := makeTable(t, s, 0, 10, 1)
	path := table.Path()
	edit := &Edit{}
	edit.AddTable(0, table)
	apply(t, s, edit)

	pinned := s.Current()

	edit = &Edit{}
	edit.DeleteTable(0, table.ID())
	require.NoError(t, s.Apply(edit))

	assert.FileExists(t, path)
	e, ok, err := pinned.Get([]byte("k0003"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v3@1", string(e.Value))

	require.NoError(t, pinned.Unref())
	assert.NoFileExists(t, path)
}

func stubSyncDir(t *testing.T, fn func(string) error) {
	t.Helper()
	old := syncDir
	syncDir = fn
	t.Cleanup(func() { syncDir = old })
}

func TestSet_CurrentNotBlockedByManifestWrite(t *testing.T) {
	s := openSet(t, t.TempDir())
	defer s.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	stubSyncDir(t, func(string) error {
		close(entered)
		<-release
		return nil
	})

	edit := &Edit{LogNumber: 5}
	edit.AddTable(0, makeTable(t, s, 0, 10, 1))
	applied := make(chan error, 1)
	go func() { applied <- s.Apply(edit) }()
	<-entered

	got := make(chan int, 1)
	go func() {
		v := s.Current()
		defer v.Unref()
		_ = s.LogNumber()
		got <- v.NumFiles(0)
	}()
	select {
	case n := <-got:
		assert.Zero(t, n, "the edit is not visible before the manifest is saved")
	case <-time.After(time.Second):
		t.Fatal("Current blocked while the manifest was being written")
	}

	close(release)
	require.NoError(t, <-applied)
	for _, table := range edit.Added() {
		require.NoError(t, table.Unref())
	}
	v := s.Current()
	defer v.Unref()
	assert.Equal(t, 1, v.NumFiles(0))
	assert.Equal(t, uint64(5), s.LogNumber())
}

func TestSet_UnsyncedManifestKeepsTables(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir)

	old := makeTable(t, s, 0, 10, 1)
	oldPath := old.Path()
	edit := &Edit{}
	edit.AddTable(0, old)
	apply(t, s, edit)

	stubSyncDir(t, func(string) error { return errors.New("sync failed") })

	merged := makeTable(t, s, 0, 10, 2)
	edit = &Edit{}
	edit.DeleteTable(0, old.ID())
	edit.AddTable(1, merged)
	err := s.Apply(edit)
	require.ErrorIs(t, err, ErrManifestNotSynced)
	assert.ErrorIs(t, err, dberrors.ErrIO)
	require.NoError(t, merged.Unref())

	v := s.Current()
	assert.Zero(t, v.NumFiles(0))
	assert.Equal(t, 1, v.NumFiles(1))
	require.NoError(t, v.Unref())
	assert.FileExists(t, oldPath, "the previous manifest may still reference it")
	assert.FileExists(t, merged.Path())

	assert.ErrorIs(t, s.Apply(&Edit{LogNumber: 7}), ErrManifestNotSynced)

	syncDir = func(string) error { return nil }
	require.NoError(t, s.Close())

	s = openSet(t, dir)
	defer s.Close()
	v = s.Current()
	defer v.Unref()
	e, ok, err := v.Get([]byte("k0004"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v4@2", string(e.Value))
	assert.NoFileExists(t, oldPath)
}

func TestSet_OrphansCollectedAndNumbersNotReused(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir)
	orphan := makeTable(t, s, 0, 3, 1)
	orphanPath := orphan.Path()
	require.NoError(t, orphan.Unref())
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000050.log"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName+".tmp"), []byte("{"), 0600))

	s = openSet(t, dir)
	defer s.Close()
	assert.NoFileExists(t, orphanPath)
	assert.NoFileExists(t, filepath.Join(dir, ManifestName+".tmp"))
	assert.FileExists(t, filepath.Join(dir, "000050.log"), "WAL files are left to recovery")
	assert.Equal(t, uint64(51), s.NewFileNumber())
}

func TestSet_CorruptTableFailsOpen(t *testing.T) {
	dir := t.TempDir()
	s := openSet(t, dir)
	table := makeTable(t, s, 0, 10, 1)
	path := table.Path()
	edit := &Edit{}
	edit.AddTable(0, table)
	apply(t, s, edit)
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-1))

	_, err = Open(dir, Options{MaxLevels: 4})
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestSet_CorruptManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte("not json"), 0600))

	_, err := Open(dir, Options{})
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
}
