package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/gloos/chunkcache/pkg/types"
)

// MemoryCache is the bounded in-process tier: a hash map paired with a
// doubly linked list ordered by recency (front = most recently used).
// Capacity is enforced on both estimated byte size and entry count; the
// least recently used entries are evicted first. All operations are
// synchronous and never block on I/O.
type MemoryCache struct {
	mu          sync.RWMutex
	maxSize     int64
	maxEntries  int
	defaultTTL  time.Duration
	currentSize int64
	items       map[string]*memoryItem
	evictList   *list.List

	hits      uint64
	misses    uint64
	evictions uint64

	// onEvict is invoked after the lock is released with the keys removed
	// by capacity eviction, so handlers may safely call back into the
	// cache.
	onEvict func(keys []string)
}

type memoryItem struct {
	entry   *Entry
	element *list.Element
}

// listKey is the value stored in eviction-list elements.
type listKey struct {
	key string
}

// NewMemoryCache creates a memory tier with the given capacity limits.
// A defaultTTL of zero disables expiry for entries set without a TTL.
func NewMemoryCache(maxSize int64, maxEntries int, defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		maxSize:    maxSize,
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		items:      make(map[string]*memoryItem),
		evictList:  list.New(),
	}
}

// Get retrieves a live entry and refreshes its recency. An entry whose TTL
// has passed is removed and reported as a miss.
func (c *MemoryCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, false
	}

	now := time.Now()
	if item.entry.Expired(now) {
		c.removeItem(key, false)
		c.misses++
		return nil, false
	}

	item.entry.AccessCount++
	item.entry.LastAccessed = now
	c.evictList.MoveToFront(item.element)

	c.hits++
	return item.entry, true
}

// SetEvictionHandler registers a handler called with the keys removed by
// capacity eviction. Must be set before the cache is shared.
func (c *MemoryCache) SetEvictionHandler(fn func(keys []string)) {
	c.onEvict = fn
}

// Set stores a value, evicting least-recently-used entries until both the
// size and count limits are satisfied. It returns false without inserting
// when eviction empties the list and the value still does not fit; callers
// are expected to fall back to the durable tier.
func (c *MemoryCache) Set(key string, value any, ttl time.Duration) bool {
	c.mu.Lock()
	ok, evicted := c.setLocked(key, value, ttl)
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return ok
}

func (c *MemoryCache) setLocked(key string, value any, ttl time.Duration) (bool, []string) {
	size := EstimateSize(value)

	// Re-setting a key debits the old entry before the fresh insert.
	if _, exists := c.items[key]; exists {
		c.removeItem(key, false)
	}

	var evicted []string
	for c.currentSize+size > c.maxSize || len(c.items) >= c.maxEntries {
		if c.evictList.Len() == 0 {
			return false, evicted
		}
		evicted = append(evicted, c.evictOldest())
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	entry := &Entry{
		Key:          key,
		Value:        value,
		Timestamp:    now,
		LastAccessed: now,
		Size:         size,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	element := c.evictList.PushFront(&listKey{key: key})
	c.items[key] = &memoryItem{entry: entry, element: element}
	c.currentSize += size

	return true, evicted
}

// Delete removes an entry and reports whether it existed.
func (c *MemoryCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		return false
	}
	c.removeItem(key, false)
	return true
}

// Has reports whether a live entry exists without refreshing its recency.
func (c *MemoryCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return false
	}
	if item.entry.Expired(time.Now()) {
		c.removeItem(key, false)
		return false
	}
	return true
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*memoryItem)
	c.evictList.Init()
	c.currentSize = 0
}

// Len returns the number of entries currently held.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Size returns the estimated total byte size of held entries.
func (c *MemoryCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSize
}

// Keys returns all keys ordered most-recently-used first.
func (c *MemoryCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, c.evictList.Len())
	for element := c.evictList.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*listKey).key)
	}
	return keys
}

// EntriesWithPrefix returns the live entries whose key starts with prefix,
// without refreshing recency.
func (c *MemoryCache) EntriesWithPrefix(prefix string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var entries []*Entry
	for key, item := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix && !item.entry.Expired(now) {
			entries = append(entries, item.entry)
		}
	}
	return entries
}

// Stats returns tier statistics.
func (c *MemoryCache) Stats() types.TierStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := types.TierStats{
		Entries:   len(c.items),
		Size:      c.currentSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	total := c.hits + c.misses
	if total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.maxSize > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.maxSize)
	}
	return stats
}

// CleanupExpired sweeps out every expired entry and returns the count removed.
func (c *MemoryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, item := range c.items {
		if item.entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeItem(key, false)
	}
	return len(expired)
}

// EvictLRU removes up to n entries in least-recently-used order and
// returns how many were removed. Used for targeted pressure relief.
func (c *MemoryCache) EvictLRU(n int) int {
	c.mu.Lock()
	var evicted []string
	for len(evicted) < n && c.evictList.Len() > 0 {
		evicted = append(evicted, c.evictOldest())
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return len(evicted)
}

// UpdateConfig changes the capacity limits, evicting down when the new
// limits are smaller than the current contents.
func (c *MemoryCache) UpdateConfig(maxSize int64, maxEntries int) {
	c.mu.Lock()
	c.maxSize = maxSize
	c.maxEntries = maxEntries

	var evicted []string
	for (c.currentSize > c.maxSize || len(c.items) > c.maxEntries) && c.evictList.Len() > 0 {
		evicted = append(evicted, c.evictOldest())
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

// removeItem must be called with the lock held. Pairs map and list
// mutation so the two structures never diverge.
func (c *MemoryCache) removeItem(key string, evicted bool) {
	item, exists := c.items[key]
	if !exists {
		return
	}

	c.evictList.Remove(item.element)
	delete(c.items, key)
	c.currentSize -= item.entry.Size
	if evicted {
		c.evictions++
	}
}

func (c *MemoryCache) evictOldest() string {
	element := c.evictList.Back()
	if element == nil {
		return ""
	}
	key := element.Value.(*listKey).key
	c.removeItem(key, true)
	return key
}

func (c *MemoryCache) notifyEvicted(keys []string) {
	if c.onEvict == nil || len(keys) == 0 {
		return
	}
	c.onEvict(keys)
}
