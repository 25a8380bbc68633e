package persistence

import (
	"sync"
	"sync/atomic"
)

type cacheKey struct {
	table  uint64
	offset uint64
}

type cacheItem struct {
	key   cacheKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// BlockCache is an LRU cache of decoded data blocks bounded by total bytes.
// It is shared by every open table; table numbers are never reused so
// entries of deleted tables simply age out.
type BlockCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	items    map[cacheKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewBlockCache creates a cache holding up to capacity bytes. A non-positive
// capacity disables caching.
func NewBlockCache(capacity int64) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[cacheKey]*cacheItem),
	}
}

func (bc *BlockCache) Get(table, offset uint64) ([]byte, bool) {
	if bc == nil {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[cacheKey{table, offset}]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) Set(table, offset uint64, value []byte) {
	if bc == nil || bc.capacity <= 0 || int64(len(value)) > bc.capacity {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	key := cacheKey{table, offset}
	if item, found := bc.items[key]; found {
		bc.used += int64(len(value) - len(item.value))
		item.value = value
		bc.moveToHead(item)
	} else {
		item := &cacheItem{key: key, value: value}
		bc.addToHead(item)
		bc.items[key] = item
		bc.used += int64(len(value))
	}

	for bc.used > bc.capacity && bc.tail != nil {
		bc.evictLRU()
	}
}

// Usage returns the cached bytes and the hit/miss counters.
func (bc *BlockCache) Usage() (used int64, hits, misses uint64) {
	if bc == nil {
		return 0, 0, 0
	}
	bc.mu.Lock()
	used = bc.used
	bc.mu.Unlock()
	return used, bc.hits.Load(), bc.misses.Load()
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	item := bc.tail
	bc.unlink(item)
	delete(bc.items, item.key)
	bc.used -= int64(len(item.value))
}
