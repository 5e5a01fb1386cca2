package cache

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gloos/chunkcache/internal/config"
	"github.com/gloos/chunkcache/pkg/types"
)

func newTestConfig(t *testing.T, persistent bool) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Cache.PersistentCache = persistent
	cfg.Cache.CleanupInterval = time.Hour
	cfg.Store.Path = filepath.Join(t.TempDir(), "cache.db")
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Configuration) *Manager {
	t.Helper()
	m, err := NewManager(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func chunkMeta(fileID string, index int) types.ChunkMeta {
	return types.ChunkMeta{
		ChunkID:    fmt.Sprintf("%s_%d", fileID, index),
		FileID:     fileID,
		ChunkIndex: index,
		ChunkSize:  8,
		StartByte:  int64(index) * 8,
		EndByte:    int64(index)*8 + 7,
	}
}

func TestManagerChunkRoundTrip(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	payload := []byte("chunk-00")
	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), payload))

	got, ok := m.GetCachedChunk(ctx, "f1", 0)
	require.True(t, ok)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, "f1_0", got.Meta.ChunkID)
	assert.Equal(t, types.UploadPending, got.Status)

	_, ok = m.GetCachedChunk(ctx, "f1", 99)
	assert.False(t, ok)
}

func TestManagerDurableHitPromotes(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("payload")))

	// Drop the memory copy so the next read must go to the durable tier.
	m.memCache.Delete(ChunkKey("f1", 0))

	got, ok := m.GetCachedChunk(ctx, "f1", 0)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got.Payload)

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.Overall.PersistentHits)

	// The hit was promoted; the follow-up read is a memory hit.
	_, ok = m.GetCachedChunk(ctx, "f1", 0)
	require.True(t, ok)
	stats = m.GetStats()
	assert.Equal(t, uint64(1), stats.Overall.MemoryHits)
	assert.Equal(t, uint64(1), stats.Overall.PersistentHits)
}

func TestManagerChunkSurvivesRestart(t *testing.T) {
	cfg := newTestConfig(t, true)
	ctx := context.Background()

	m, err := NewManager(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 2), []byte("survivor")))
	require.NoError(t, m.Close())

	// A fresh manager over the same database sees the chunk.
	m2 := newTestManager(t, cfg)
	got, ok := m2.GetCachedChunk(ctx, "f1", 2)
	require.True(t, ok)
	assert.Equal(t, []byte("survivor"), got.Payload)
	assert.Equal(t, 2, got.Meta.ChunkIndex)
}

func TestManagerMemoryOnlyFullCacheNoError(t *testing.T) {
	cfg := newTestConfig(t, false)
	cfg.Cache.MaxMemorySize = 64
	m := newTestManager(t, cfg)
	ctx := context.Background()

	// Larger than the whole memory tier: the set cannot land anywhere,
	// but with persistence disabled that is a quiet degradation.
	err := m.CacheChunk(ctx, chunkMeta("f1", 0), make([]byte, 1024))
	assert.NoError(t, err)

	_, ok := m.GetCachedChunk(ctx, "f1", 0)
	assert.False(t, ok)
	assert.Nil(t, m.store)
}

func TestManagerProgressDurableFirst(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	progress := &types.FileProgress{
		FileID:   "f1",
		FileName: "photo.raw",
		FileSize: 4096,
		Progress: types.UploadProgress{
			TotalChunks:     4,
			CompletedChunks: 1,
			BytesUploaded:   1024,
			TotalBytes:      4096,
		},
		ChunkStates: map[string]types.ChunkState{
			"f1_0": {ChunkID: "f1_0", Status: types.UploadCompleted},
		},
	}
	require.NoError(t, m.CacheFileProgress(ctx, progress))

	// The durable row exists independently of the memory mirror.
	record, found, err := m.store.Get(ctx, ProgressKey("f1"))
	require.NoError(t, err)
	require.True(t, found)

	var stored types.FileProgress
	require.NoError(t, record.DecodeJSON(&stored))
	assert.Equal(t, 1, stored.Progress.CompletedChunks)

	got, ok := m.GetCachedFileProgress(ctx, "f1")
	require.True(t, ok)
	assert.Equal(t, "photo.raw", got.FileName)
	assert.Equal(t, types.UploadCompleted, got.ChunkStates["f1_0"].Status)
}

func TestManagerProgressValidation(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, false))

	bad := &types.FileProgress{
		FileID: "f1",
		Progress: types.UploadProgress{
			TotalChunks:     2,
			CompletedChunks: 2,
			FailedChunks:    1,
		},
	}
	err := m.CacheFileProgress(context.Background(), bad)
	assert.Error(t, err)

	_, ok := m.GetCachedFileProgress(context.Background(), "f1")
	assert.False(t, ok)
}

func TestManagerChunksForFileUnion(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", i), []byte{byte(i)}))
	}
	require.NoError(t, m.CacheChunk(ctx, chunkMeta("other", 0), []byte("x")))

	// Evict one chunk from memory; it is still reachable durably, so the
	// union must contain all three exactly once, ordered by index.
	m.memCache.Delete(ChunkKey("f1", 1))

	chunks := m.GetCachedChunksForFile(ctx, "f1")
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Meta.ChunkIndex)
		assert.Equal(t, "f1", chunk.Meta.FileID)
	}
}

func TestManagerDeleteChunk(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	var mu sync.Mutex
	var deletes []Event
	m.AddListener(func(e Event) {
		if e.Type == EventDelete {
			mu.Lock()
			deletes = append(deletes, e)
			mu.Unlock()
		}
	})

	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("uploaded")))
	require.NoError(t, m.DeleteChunk(ctx, "f1", 0))

	_, ok := m.GetCachedChunk(ctx, "f1", 0)
	assert.False(t, ok)
	exists, err := m.store.Exists(ctx, ChunkKey("f1", 0))
	require.NoError(t, err)
	assert.False(t, exists)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deletes, 1)
	meta, ok := deletes[0].Meta.(DeleteMeta)
	require.True(t, ok)
	assert.Equal(t, DomainChunk, meta.Domain)
	assert.Equal(t, "f1", meta.FileID)

	// Deleting an absent chunk is a no-op, not an error.
	require.NoError(t, m.DeleteChunk(ctx, "f1", 42))
}

func TestManagerChunksForFileSkipsCorruptRecords(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("good")))

	// Write a durable row whose metadata sidecar cannot decode into a
	// chunk payload. It must be skipped, not abort the listing.
	require.NoError(t, m.store.Set(ctx, ChunkKey("f1", 1), []byte("bad"), SetOptions{
		Domain: DomainChunk,
		FileID: "f1",
		Meta:   "not a chunk descriptor",
	}))
	m.memCache.Clear()

	chunks := m.GetCachedChunksForFile(ctx, "f1")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Meta.ChunkIndex)
}

func TestManagerClearFileCache(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("a")))
	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 1), []byte("b")))
	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f2", 0), []byte("c")))
	require.NoError(t, m.CacheFileProgress(ctx, &types.FileProgress{FileID: "f1"}))

	require.NoError(t, m.ClearFileCache(ctx, "f1"))

	_, ok := m.GetCachedChunk(ctx, "f1", 0)
	assert.False(t, ok)
	_, ok = m.GetCachedFileProgress(ctx, "f1")
	assert.False(t, ok)
	assert.Empty(t, m.GetCachedChunksForFile(ctx, "f1"))

	// Other files are untouched.
	_, ok = m.GetCachedChunk(ctx, "f2", 0)
	assert.True(t, ok)
}

func TestManagerEvents(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, false))
	ctx := context.Background()

	var mu sync.Mutex
	var events []Event
	id := m.AddListener(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("v")))
	m.GetCachedChunk(ctx, "f1", 0)
	m.GetCachedChunk(ctx, "f1", 1)

	mu.Lock()
	require.Len(t, events, 3)
	assert.Equal(t, EventSet, events[0].Type)
	assert.Equal(t, EventHit, events[1].Type)
	assert.Equal(t, EventMiss, events[2].Type)

	hit, ok := events[1].Meta.(HitMeta)
	require.True(t, ok)
	assert.Equal(t, TierMemory, hit.Source)
	assert.Equal(t, "f1", hit.FileID)

	miss, ok := events[2].Meta.(MissMeta)
	require.True(t, ok)
	assert.Equal(t, []Tier{TierMemory}, miss.Searched)
	mu.Unlock()

	m.RemoveListener(id)
	m.GetCachedChunk(ctx, "f1", 0)
	mu.Lock()
	assert.Len(t, events, 3)
	mu.Unlock()
}

func TestManagerListenerPanicIsolated(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, false))
	ctx := context.Background()

	m.AddListener(func(Event) { panic("subscriber bug") })

	var delivered int
	m.AddListener(func(Event) { delivered++ })

	// A panicking listener must not break the operation or starve the
	// listeners registered after it.
	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("v")))
	_, ok := m.GetCachedChunk(ctx, "f1", 0)
	assert.True(t, ok)
	assert.Equal(t, 2, delivered)
}

func TestManagerCapacityEvictionEvents(t *testing.T) {
	cfg := newTestConfig(t, false)
	cfg.Cache.MaxMemoryEntries = 2
	m := newTestManager(t, cfg)
	ctx := context.Background()

	var mu sync.Mutex
	var evicted []string
	m.AddListener(func(e Event) {
		if e.Type != EventEvict {
			return
		}
		meta, ok := e.Meta.(EvictMeta)
		if !ok || meta.Reason != "capacity" {
			return
		}
		mu.Lock()
		evicted = append(evicted, e.Key)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", i), []byte("v")))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, evicted, 1)
	assert.Equal(t, ChunkKey("f1", 0), evicted[0])
}

func TestManagerRelievePressure(t *testing.T) {
	cfg := newTestConfig(t, false)
	m := newTestManager(t, cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", i), []byte("v")))
	}

	var mu sync.Mutex
	var pressureEvents []EvictMeta
	m.AddListener(func(e Event) {
		if meta, ok := e.Meta.(EvictMeta); ok && meta.Reason == "memory_pressure" {
			mu.Lock()
			pressureEvents = append(pressureEvents, meta)
			mu.Unlock()
		}
	})

	m.relievePressure()

	// 30% of 10 entries.
	assert.Equal(t, 7, m.memCache.Len())
	mu.Lock()
	require.Len(t, pressureEvents, 1)
	assert.Equal(t, 3, pressureEvents[0].Count)
	mu.Unlock()
}

func TestManagerStatsRollUp(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("v")))
	m.GetCachedChunk(ctx, "f1", 0) // memory hit
	m.memCache.Delete(ChunkKey("f1", 0))
	m.GetCachedChunk(ctx, "f1", 0) // durable hit, promoted
	m.GetCachedChunk(ctx, "f1", 5) // miss

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.Overall.MemoryHits)
	assert.Equal(t, uint64(1), stats.Overall.PersistentHits)
	assert.Equal(t, uint64(1), stats.Overall.Misses)
	assert.Equal(t, uint64(3), stats.Overall.TotalRequests)
	assert.InDelta(t, 2.0/3.0, stats.Overall.HitRatio, 1e-9)
	assert.InDelta(t, 0.5, stats.Persistent.HitRate, 1e-9)
}

func TestManagerCleanupSweepsBothTiers(t *testing.T) {
	cfg := newTestConfig(t, true)
	cfg.Cache.DefaultTTL = 30 * time.Millisecond
	m := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, m.CacheChunk(ctx, chunkMeta("f1", 0), []byte("v")))
	time.Sleep(60 * time.Millisecond)

	m.Cleanup(ctx)

	assert.Equal(t, 0, m.memCache.Len())
	count, err := m.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// sliceSource feeds a fixed set of chunks, then io.EOF.
type sliceSource struct {
	metas    []types.ChunkMeta
	payloads [][]byte
	next     int
}

func (s *sliceSource) NextChunk(context.Context) (types.ChunkMeta, []byte, error) {
	if s.next >= len(s.metas) {
		return types.ChunkMeta{}, nil, io.EOF
	}
	i := s.next
	s.next++
	return s.metas[i], s.payloads[i], nil
}

type captureSink struct {
	restored *types.FileProgress
	err      error
}

func (c *captureSink) RestoreProgress(_ context.Context, p *types.FileProgress) error {
	if c.err != nil {
		return c.err
	}
	c.restored = p
	return nil
}

func TestManagerCacheFromSource(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, false))
	ctx := context.Background()

	source := &sliceSource{
		metas:    []types.ChunkMeta{chunkMeta("f1", 0), chunkMeta("f1", 1)},
		payloads: [][]byte{[]byte("a"), []byte("b")},
	}

	cached, err := m.CacheFromSource(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, 2, cached)
	assert.Len(t, m.GetCachedChunksForFile(ctx, "f1"), 2)
}

func TestManagerRestoreUpload(t *testing.T) {
	m := newTestManager(t, newTestConfig(t, true))
	ctx := context.Background()

	sink := &captureSink{}
	restored, err := m.RestoreUpload(ctx, "f1", sink)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Nil(t, sink.restored)

	progress := &types.FileProgress{
		FileID:   "f1",
		Progress: types.UploadProgress{TotalChunks: 4, CompletedChunks: 2, BytesUploaded: 2048, TotalBytes: 4096},
	}
	require.NoError(t, m.CacheFileProgress(ctx, progress))

	restored, err = m.RestoreUpload(ctx, "f1", sink)
	require.NoError(t, err)
	assert.True(t, restored)
	require.NotNil(t, sink.restored)
	assert.Equal(t, 2, sink.restored.Progress.CompletedChunks)

	failing := &captureSink{err: fmt.Errorf("sink unavailable")}
	restored, err = m.RestoreUpload(ctx, "f1", failing)
	assert.Error(t, err)
	assert.False(t, restored)
}

func TestManagerCloseIdempotent(t *testing.T) {
	m, err := NewManager(newTestConfig(t, true), nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
