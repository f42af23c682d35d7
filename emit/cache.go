/*
Copyright © 2026 Quasar Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package emit

import (
	"container/list"
	"sync"
	"time"
)

// CacheKey identifies one transpile call by content+options fingerprint
// rather than the teacher's path+mtime+size triple, since emit inputs
// come from fetched module bytes, not always a file on disk.
type CacheKey struct {
	Fingerprint string
}

// CacheEntry is one cached transpile output.
type CacheEntry struct {
	Code       []byte
	SourceMap  []byte
	AccessTime time.Time
	size       int64
}

type lruEntry struct {
	key CacheKey
}

// Cache is a thread-safe LRU cache of transpile results, grounded on
// serve/middleware/transform/cache.go's container/list-backed design.
type Cache struct {
	mu sync.RWMutex

	entries map[CacheKey]*CacheEntry
	lru     *list.List
	lruMap  map[CacheKey]*list.Element

	hits   int64
	misses int64

	maxSize int64
	curSize int64
}

// NewCache creates an empty Cache bounded to maxSizeBytes.
func NewCache(maxSizeBytes int64) *Cache {
	return &Cache{
		entries: make(map[CacheKey]*CacheEntry),
		lru:     list.New(),
		lruMap:  make(map[CacheKey]*list.Element),
		maxSize: maxSizeBytes,
	}
}

// Get returns a cached entry and marks it most-recently-used.
func (c *Cache) Get(key CacheKey) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	if !found {
		c.misses++
		return nil, false
	}
	entry.AccessTime = time.Now()
	if elem, ok := c.lruMap[key]; ok {
		c.lru.MoveToFront(elem)
	}
	c.hits++
	return entry, true
}

// Set inserts or updates a cache entry, evicting least-recently-used
// entries until the cache is back under maxSize.
func (c *Cache) Set(key CacheKey, code, sourceMap []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(code) + len(sourceMap))

	if existing, ok := c.entries[key]; ok {
		c.curSize -= existing.size
		existing.Code = code
		existing.SourceMap = sourceMap
		existing.AccessTime = time.Now()
		existing.size = size
		c.curSize += size
		if elem, ok := c.lruMap[key]; ok {
			c.lru.MoveToFront(elem)
		}
		c.evictIfNeeded()
		return
	}

	entry := &CacheEntry{Code: code, SourceMap: sourceMap, AccessTime: time.Now(), size: size}
	c.entries[key] = entry
	elem := c.lru.PushFront(lruEntry{key: key})
	c.lruMap[key] = elem
	c.curSize += size

	c.evictIfNeeded()
}

func (c *Cache) evictIfNeeded() {
	if c.maxSize <= 0 {
		return
	}
	for c.curSize > c.maxSize {
		back := c.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(lruEntry).key
		if entry, ok := c.entries[key]; ok {
			c.curSize -= entry.size
			delete(c.entries, key)
		}
		delete(c.lruMap, key)
		c.lru.Remove(back)
	}
}

// Stats reports hit/miss counters, used by diagnostics in the same shape
// the teacher's transform cache exposes to its CLI status output.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Clear empties the cache, discarding every cached transpile output. The
// loader calls this once its in-flight loads tracker has been idle for
// idleCleanupDelay (spec.md §4.7, invariant B5): with no load in flight,
// the parsed-source cache no longer needs to be held.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[CacheKey]*CacheEntry)
	c.lru = list.New()
	c.lruMap = make(map[CacheKey]*list.Element)
	c.curSize = 0
}
