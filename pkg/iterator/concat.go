package iterator

import (
	"sort"

	"github.com/hashicorp/go-multierror"

	"xpdb/pkg/types"
)

// Concat chains children whose key ranges are disjoint and already in
// ascending order, such as the segments of one level >= 1. Only the current
// child is positioned at any time.
type Concat struct {
	children []Iterator
	// maxKeys[i] is the largest key of children[i], if known.
	maxKeys []types.Key
	cur     int
	err     error
}

func NewConcat(children ...Iterator) *Concat {
	return &Concat{children: children, cur: len(children)}
}

// NewLevelConcat is NewConcat with the largest key of every child, letting
// Seek skip straight to the only child that can hold the target.
func NewLevelConcat(maxKeys []types.Key, children []Iterator) *Concat {
	c := NewConcat(children...)
	if len(maxKeys) == len(children) {
		c.maxKeys = maxKeys
	}
	return c
}

func (c *Concat) First() {
	c.err = nil
	c.cur = 0
	if c.cur < len(c.children) {
		c.children[c.cur].First()
	}
	c.skipExhausted()
}

func (c *Concat) Seek(target types.Key) {
	c.err = nil
	c.cur = 0
	if c.maxKeys != nil {
		c.cur = sort.Search(len(c.maxKeys), func(i int) bool {
			return types.Compare(c.maxKeys[i], target) >= 0
		})
	}
	for ; c.cur < len(c.children); c.cur++ {
		child := c.children[c.cur]
		child.Seek(target)
		if child.Valid() {
			return
		}
		if err := child.Err(); err != nil {
			c.err = err
			return
		}
	}
}

func (c *Concat) Next() {
	if !c.Valid() {
		return
	}
	c.children[c.cur].Next()
	c.skipExhausted()
}

// skipExhausted moves to the next child that has entries.
func (c *Concat) skipExhausted() {
	for c.cur < len(c.children) {
		child := c.children[c.cur]
		if child.Valid() {
			return
		}
		if err := child.Err(); err != nil {
			c.err = err
			return
		}
		c.cur++
		if c.cur < len(c.children) {
			c.children[c.cur].First()
		}
	}
}

func (c *Concat) Valid() bool {
	return c.err == nil && c.cur < len(c.children) && c.children[c.cur].Valid()
}

func (c *Concat) Entry() types.Entry {
	return c.children[c.cur].Entry()
}

func (c *Concat) Err() error {
	return c.err
}

func (c *Concat) Close() error {
	var result *multierror.Error
	for _, child := range c.children {
		if err := child.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
