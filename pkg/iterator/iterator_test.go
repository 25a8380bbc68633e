package iterator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xpdb/pkg/types"
)

func put(key string, seq types.SeqN) types.Entry {
	return types.Entry{Key: []byte(key), Value: []byte(key), SeqN: seq, Kind: types.KindValue}
}

type keySeq struct {
	key string
	seq types.SeqN
}

func drain(t *testing.T, it Iterator) []keySeq {
	t.Helper()
	var out []keySeq
	for ; it.Valid(); it.Next() {
		e := it.Entry()
		out = append(out, keySeq{string(e.Key), e.SeqN})
	}
	require.NoError(t, it.Err())
	return out
}

// failing reports an error as soon as it is positioned.
type failing struct{ err error }

func (f *failing) First()             {}
func (f *failing) Seek(types.Key)     {}
func (f *failing) Next()              {}
func (f *failing) Valid() bool        { return false }
func (f *failing) Entry() types.Entry { return types.Entry{} }
func (f *failing) Err() error         { return f.err }
func (f *failing) Close() error       { return f.err }

func TestMerging(t *testing.T) {
	newer := FromSlice([]types.Entry{put("a", 5), put("c", 7)})
	older := FromSlice([]types.Entry{put("a", 1), put("b", 2), put("d", 3)})
	m := NewMerging(newer, older)

	m.First()
	assert.Equal(t, []keySeq{{"a", 5}, {"a", 1}, {"b", 2}, {"c", 7}, {"d", 3}}, drain(t, m))

	m.Seek([]byte("b"))
	assert.Equal(t, []keySeq{{"b", 2}, {"c", 7}, {"d", 3}}, drain(t, m))

	m.Seek([]byte("e"))
	assert.False(t, m.Valid())
	assert.NoError(t, m.Close())
}

func TestMerging_EqualSeqPrefersEarlierChild(t *testing.T) {
	first := FromSlice([]types.Entry{{Key: []byte("k"), Value: []byte("first"), SeqN: 3}})
	second := FromSlice([]types.Entry{{Key: []byte("k"), Value: []byte("second"), SeqN: 3}})
	m := NewMerging(first, second)

	m.First()
	require.True(t, m.Valid())
	assert.Equal(t, "first", string(m.Entry().Value))
}

func TestMerging_ChildError(t *testing.T) {
	boom := errors.New("boom")
	m := NewMerging(FromSlice([]types.Entry{put("a", 1)}), &failing{err: boom})

	m.First()
	assert.False(t, m.Valid())
	assert.ErrorIs(t, m.Err(), boom)
	assert.ErrorIs(t, m.Close(), boom)
}

func TestConcat(t *testing.T) {
	c := NewConcat(
		FromSlice([]types.Entry{put("a", 1), put("b", 2)}),
		FromSlice(nil),
		FromSlice([]types.Entry{put("m", 3), put("n", 4)}),
	)
	assert.False(t, c.Valid())

	c.First()
	assert.Equal(t, []keySeq{{"a", 1}, {"b", 2}, {"m", 3}, {"n", 4}}, drain(t, c))

	c.Seek([]byte("c"))
	assert.Equal(t, []keySeq{{"m", 3}, {"n", 4}}, drain(t, c))

	c.Seek([]byte("z"))
	assert.False(t, c.Valid())
}

// seekCounter counts how often a child is positioned by Seek.
type seekCounter struct {
	Iterator
	seeks int
}

func (s *seekCounter) Seek(target types.Key) {
	s.seeks++
	s.Iterator.Seek(target)
}

func TestLevelConcat_SeekSkipsEarlierChildren(t *testing.T) {
	children := []*seekCounter{
		{Iterator: FromSlice([]types.Entry{put("a", 1), put("b", 2)})},
		{Iterator: FromSlice([]types.Entry{put("f", 3), put("g", 4)})},
		{Iterator: FromSlice([]types.Entry{put("m", 5), put("n", 6)})},
	}
	its := make([]Iterator, len(children))
	for i, c := range children {
		its[i] = c
	}
	c := NewLevelConcat([]types.Key{[]byte("b"), []byte("g"), []byte("n")}, its)

	c.Seek([]byte("h"))
	assert.Equal(t, []keySeq{{"m", 5}, {"n", 6}}, drain(t, c))
	assert.Zero(t, children[0].seeks)
	assert.Zero(t, children[1].seeks)
	assert.Equal(t, 1, children[2].seeks)

	c.Seek([]byte("g"))
	assert.Equal(t, []keySeq{{"g", 4}, {"m", 5}, {"n", 6}}, drain(t, c))
	assert.Zero(t, children[0].seeks)

	c.Seek([]byte("z"))
	assert.False(t, c.Valid())
	require.NoError(t, c.Err())

	c.First()
	assert.Len(t, drain(t, c), 6)
}

func TestConcat_ChildError(t *testing.T) {
	boom := errors.New("boom")
	c := NewConcat(FromSlice([]types.Entry{put("a", 1)}), &failing{err: boom})

	c.First()
	require.True(t, c.Valid())
	c.Next()
	assert.False(t, c.Valid())
	assert.ErrorIs(t, c.Err(), boom)
}

func TestEmpty(t *testing.T) {
	it := Empty(nil)
	it.First()
	assert.False(t, it.Valid())
	assert.NoError(t, it.Err())

	boom := errors.New("boom")
	assert.ErrorIs(t, Empty(boom).Err(), boom)
}
