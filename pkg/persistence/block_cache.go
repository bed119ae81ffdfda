package persistence

import (
	"sync"
	"sync/atomic"
)

type blockKey struct {
	segment uint64
	block   int
}

// BlockCache is an LRU of decompressed data blocks shared by all segments.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheItem struct {
	key   blockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates a cache holding up to capacity blocks. A capacity of
// zero or less disables caching.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[blockKey]*cacheItem),
	}
}

func (bc *BlockCache) Get(key blockKey) ([]byte, bool) {
	if bc == nil || bc.capacity <= 0 {
		return nil, false
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)

	return item.value, true
}

func (bc *BlockCache) Set(key blockKey, value []byte) {
	if bc == nil || bc.capacity <= 0 {
		return
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{
		key:   key,
		value: value,
	}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// EvictSegment drops every cached block of a segment. Segment ids are never
// reused, so this only frees memory early.
func (bc *BlockCache) EvictSegment(id uint64) {
	if bc == nil || bc.capacity <= 0 {
		return
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.segment == id {
			bc.unlink(item)
			delete(bc.items, key)
		}
	}
}

// Len is the number of cached blocks.
func (bc *BlockCache) Len() int {
	if bc == nil {
		return 0
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

// Stats returns hit and miss counters.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return bc.hits.Load(), bc.misses.Load()
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
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
	if bc.tail == nil {
		return
	}

	tail := bc.tail
	bc.unlink(tail)
	delete(bc.items, tail.key)
}
