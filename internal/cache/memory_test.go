package cache

import (
	"fmt"
	"testing"
	"time"
)

// TestMemoryCacheSetGet tests basic set/get round trips
func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache(1024*1024, 100, 0)

	if ok := c.Set("k1", []byte("hello"), 0); !ok {
		t.Fatal("expected set to succeed")
	}

	entry, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit for k1")
	}
	if string(entry.Value.([]byte)) != "hello" {
		t.Errorf("expected value hello, got %v", entry.Value)
	}
	if entry.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", entry.AccessCount)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

// TestMemoryCacheHasReflectsLiveness verifies Has tracks the most recent
// operation on a key exactly
func TestMemoryCacheHasReflectsLiveness(t *testing.T) {
	c := NewMemoryCache(1024, 10, 0)

	if c.Has("k") {
		t.Error("Has before set should be false")
	}
	c.Set("k", "v", 0)
	if !c.Has("k") {
		t.Error("Has after set should be true")
	}
	c.Delete("k")
	if c.Has("k") {
		t.Error("Has after delete should be false")
	}
}

// TestMemoryCacheLRUEviction tests the canonical recency scenario: with
// room for two entries, accessing a refreshes it so c evicts b
func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemoryCache(1024*1024, 2, 0)

	c.Set("a", "va", 0)
	c.Set("b", "vb", 0)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	c.Set("c", "vc", 0)

	if c.Has("b") {
		t.Error("expected b to be evicted")
	}
	if !c.Has("a") {
		t.Error("expected a to survive")
	}
	if !c.Has("c") {
		t.Error("expected c to be present")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

// TestMemoryCacheSizeEviction tests byte-size based eviction from the tail
func TestMemoryCacheSizeEviction(t *testing.T) {
	c := NewMemoryCache(100, 100, 0)

	c.Set("a", make([]byte, 40), 0)
	c.Set("b", make([]byte, 40), 0)
	// 40 more bytes cannot fit beside 80; the oldest entry goes.
	if ok := c.Set("c", make([]byte, 40), 0); !ok {
		t.Fatal("expected set to succeed after evicting")
	}

	if c.Has("a") {
		t.Error("expected a (least recently used) to be evicted")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Error("expected b and c to remain")
	}
	if c.Size() != 80 {
		t.Errorf("expected size 80, got %d", c.Size())
	}
}

// TestMemoryCacheSetTooLarge tests that an oversized value fails without
// inserting once eviction empties the cache
func TestMemoryCacheSetTooLarge(t *testing.T) {
	c := NewMemoryCache(50, 100, 0)
	c.Set("a", make([]byte, 20), 0)

	if ok := c.Set("big", make([]byte, 200), 0); ok {
		t.Fatal("expected oversized set to fail")
	}
	if c.Has("big") {
		t.Error("failed set must not insert")
	}
}

// TestMemoryCacheResetKey tests that re-setting a key debits the old size
func TestMemoryCacheResetKey(t *testing.T) {
	c := NewMemoryCache(1024, 10, 0)

	c.Set("k", make([]byte, 100), 0)
	c.Set("k", make([]byte, 10), 0)

	if c.Size() != 10 {
		t.Errorf("expected size 10 after re-set, got %d", c.Size())
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
}

// TestMemoryCacheTTLExpiry tests lazy expiry on get
func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache(1024, 10, 0)

	c.Set("k", "v", 50*time.Millisecond)
	if !c.Has("k") {
		t.Fatal("expected entry before expiry")
	}

	time.Sleep(80 * time.Millisecond)

	sizeBefore := c.Len()
	if _, ok := c.Get("k"); ok {
		t.Error("expected expired entry to be a miss")
	}
	if c.Len() != sizeBefore-1 {
		t.Errorf("expected expired get to remove the entry, len %d", c.Len())
	}
}

// TestMemoryCacheDefaultTTL tests that entries set without a TTL inherit
// the configured default
func TestMemoryCacheDefaultTTL(t *testing.T) {
	c := NewMemoryCache(1024, 10, 30*time.Millisecond)

	c.Set("k", "v", 0)
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expected entry to expire via default TTL")
	}
}

// TestMemoryCacheCleanupExpired tests the periodic sweep
func TestMemoryCacheCleanupExpired(t *testing.T) {
	c := NewMemoryCache(1024*1024, 100, 0)

	c.Set("short1", "v", 20*time.Millisecond)
	c.Set("short2", "v", 20*time.Millisecond)
	c.Set("long", "v", time.Hour)

	time.Sleep(50 * time.Millisecond)

	removed := c.CleanupExpired()
	if removed != 2 {
		t.Errorf("expected 2 expired entries removed, got %d", removed)
	}
	if !c.Has("long") {
		t.Error("expected unexpired entry to survive the sweep")
	}
}

// TestMemoryCacheKeysOrder tests most-recent-first ordering
func TestMemoryCacheKeysOrder(t *testing.T) {
	c := NewMemoryCache(1024*1024, 100, 0)

	c.Set("a", "v", 0)
	c.Set("b", "v", 0)
	c.Set("c", "v", 0)
	c.Get("a")

	keys := c.Keys()
	want := []string{"a", "c", "b"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

// TestMemoryCacheEvictLRU tests targeted tail-first eviction
func TestMemoryCacheEvictLRU(t *testing.T) {
	c := NewMemoryCache(1024*1024, 100, 0)
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", 0)
	}

	removed := c.EvictLRU(3)
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}
	// k0..k2 were least recently used.
	for i := 0; i < 3; i++ {
		if c.Has(fmt.Sprintf("k%d", i)) {
			t.Errorf("expected k%d to be evicted", i)
		}
	}
	if c.Len() != 7 {
		t.Errorf("expected 7 entries, got %d", c.Len())
	}
}

// TestMemoryCacheUpdateConfig tests shrinking limits evicts down
func TestMemoryCacheUpdateConfig(t *testing.T) {
	c := NewMemoryCache(1024*1024, 100, 0)
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", 0)
	}

	c.UpdateConfig(1024*1024, 4)
	if c.Len() != 4 {
		t.Errorf("expected 4 entries after shrink, got %d", c.Len())
	}
	// Survivors are the most recently used.
	for i := 6; i < 10; i++ {
		if !c.Has(fmt.Sprintf("k%d", i)) {
			t.Errorf("expected k%d to survive", i)
		}
	}
}

// TestMemoryCacheEvictionHandler tests that evicted keys are reported
// outside the lock
func TestMemoryCacheEvictionHandler(t *testing.T) {
	c := NewMemoryCache(1024*1024, 2, 0)

	var evicted []string
	c.SetEvictionHandler(func(keys []string) {
		evicted = append(evicted, keys...)
		// Re-entrancy must be safe.
		c.Len()
	})

	c.Set("a", "v", 0)
	c.Set("b", "v", 0)
	c.Set("c", "v", 0)

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("expected [a] evicted, got %v", evicted)
	}
}

// TestMemoryCacheStats tests counter bookkeeping
func TestMemoryCacheStats(t *testing.T) {
	c := NewMemoryCache(1000, 100, 0)

	c.Set("a", make([]byte, 100), 0)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Utilization != 0.1 {
		t.Errorf("expected utilization 0.1, got %f", stats.Utilization)
	}
}

// TestMemoryCacheClear tests full reset
func TestMemoryCacheClear(t *testing.T) {
	c := NewMemoryCache(1024, 10, 0)
	c.Set("a", "v", 0)
	c.Set("b", "v", 0)

	c.Clear()
	if c.Len() != 0 || c.Size() != 0 {
		t.Errorf("expected empty cache, len=%d size=%d", c.Len(), c.Size())
	}
}
