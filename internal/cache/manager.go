package cache

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gloos/chunkcache/internal/config"
	"github.com/gloos/chunkcache/internal/memory"
	cerrors "github.com/gloos/chunkcache/pkg/errors"
	"github.com/gloos/chunkcache/pkg/retry"
	"github.com/gloos/chunkcache/pkg/types"
)

// Pressure-relief eviction removes roughly this share of memory-tier
// entries, capped, when the memory manager reports pressure. This is a
// targeted reduction distinct from the periodic TTL sweep.
const (
	pressureEvictFraction = 0.30
	pressureEvictCap      = 50
)

// Manager presents one coherent API over the memory and durable tiers for
// the two cache domains: chunk payloads and per-file progress state. It is
// the only sanctioned entry point for upload and progress-tracking code.
type Manager struct {
	memCache *MemoryCache
	store    *SQLiteStore // nil when persistence is disabled
	cfg      config.CacheConfig
	logger   zerolog.Logger
	retryer  *retry.Retryer

	listenerMu sync.RWMutex
	listeners  []registeredListener
	nextID     int

	statsMu        sync.Mutex
	memoryHits     uint64
	persistentHits uint64
	totalMisses    uint64
	errorCount     uint64
	persistentSets uint64

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type registeredListener struct {
	id int
	fn Listener
}

// NewManager wires the two tiers together. When memMgr is non-nil the
// manager registers a cleanup callback so memory pressure triggers a
// targeted LRU eviction. The periodic cleanup sweep starts immediately.
func NewManager(cfg *config.Configuration, memMgr *memory.Manager, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeConfigValidation, "invalid cache configuration", err)
	}

	m := &Manager{
		memCache: NewMemoryCache(cfg.Cache.MaxMemorySize, cfg.Cache.MaxMemoryEntries, cfg.Cache.DefaultTTL),
		cfg:      cfg.Cache,
		logger:   logger.With().Str("component", "cache-manager").Logger(),
		stopCh:   make(chan struct{}),
	}

	m.memCache.SetEvictionHandler(func(keys []string) {
		metricEvictions.WithLabelValues("capacity").Add(float64(len(keys)))
		now := time.Now()
		for _, key := range keys {
			m.emit(Event{
				Type: EventEvict,
				Key:  key,
				Time: now,
				Meta: EvictMeta{Reason: "capacity", ChunkID: key, Count: 1},
			})
		}
	})

	if cfg.Cache.PersistentCache {
		m.store = NewSQLiteStore(cfg.Store, logger)
		m.retryer = retry.New(retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			Jitter:       true,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
					Msg("retrying durable progress write")
			},
		})
	}

	if memMgr != nil {
		memMgr.RegisterCleanupCallback(m.relievePressure)
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m, nil
}

// CacheChunk stores a chunk payload. The memory tier is always attempted;
// the durable tier receives the entry when persistence is enabled or when
// the memory tier is full. A full memory tier with persistence disabled is
// an expected condition, not an error.
func (m *Manager) CacheChunk(ctx context.Context, meta types.ChunkMeta, payload []byte) error {
	key := ChunkKey(meta.FileID, meta.ChunkIndex)
	value := &ChunkPayload{
		Meta:    meta,
		Payload: payload,
		Status:  types.UploadPending,
	}

	memOK := m.memCache.Set(key, value, 0)
	if !memOK {
		m.logger.Debug().Str("key", key).Msg("memory tier full, chunk not cached in memory")
	}

	var tiers []Tier
	if memOK {
		tiers = append(tiers, TierMemory)
	}

	if m.store != nil {
		err := m.store.Set(ctx, key, payload, SetOptions{
			TTL:    m.cfg.DefaultTTL,
			Domain: DomainChunk,
			FileID: meta.FileID,
			Meta:   value,
		})
		if err != nil {
			m.recordError("cache_chunk", key, err)
			if !memOK {
				return cerrors.Wrap(cerrors.ErrCodeStoreWrite, "both cache tiers failed to store chunk", err).WithKey(key)
			}
			return err
		}
		m.statsMu.Lock()
		m.persistentSets++
		m.statsMu.Unlock()
		tiers = append(tiers, TierPersistent)
	}

	metricSets.WithLabelValues(string(DomainChunk)).Inc()
	m.publishGauges()
	m.emit(Event{
		Type: EventSet,
		Key:  key,
		Time: time.Now(),
		Meta: SetMeta{Size: int64(len(payload)), Domain: DomainChunk, FileID: meta.FileID, Tiers: tiers},
	})
	return nil
}

// GetCachedChunk retrieves a chunk payload by its owning file and index.
// A durable-tier hit is promoted back into memory before being returned.
// Every failure on the read path degrades to a miss; a cold cache is a
// safe, slower fallback, never a hard dependency.
func (m *Manager) GetCachedChunk(ctx context.Context, fileID string, chunkIndex int) (*ChunkPayload, bool) {
	key := ChunkKey(fileID, chunkIndex)
	start := time.Now()

	if entry, ok := m.memCache.Get(key); ok {
		if payload, ok := entry.Value.(*ChunkPayload); ok {
			m.statsMu.Lock()
			m.memoryHits++
			m.statsMu.Unlock()
			metricHits.WithLabelValues(string(TierMemory)).Inc()
			m.emit(Event{
				Type: EventHit,
				Key:  key,
				Time: time.Now(),
				Meta: HitMeta{Source: TierMemory, Domain: DomainChunk, FileID: fileID, Latency: time.Since(start)},
			})
			return payload, true
		}
		// Wrong value shape for the domain; treat as corrupt and drop.
		m.memCache.Delete(key)
	}

	searched := []Tier{TierMemory}
	if m.store != nil {
		searched = append(searched, TierPersistent)
		record, found, err := m.store.Get(ctx, key)
		if err != nil {
			m.recordError("get_chunk", key, err)
			return nil, false
		}
		if found {
			payload, err := decodeChunkRecord(record)
			if err != nil {
				m.recordError("get_chunk", key, err)
				return nil, false
			}
			// Promote so the next access is a memory hit.
			m.memCache.Set(key, payload, time.Until(record.ExpiresAt))
			m.statsMu.Lock()
			m.persistentHits++
			m.statsMu.Unlock()
			metricHits.WithLabelValues(string(TierPersistent)).Inc()
			m.emit(Event{
				Type: EventHit,
				Key:  key,
				Time: time.Now(),
				Meta: HitMeta{Source: TierPersistent, Domain: DomainChunk, FileID: fileID, Latency: time.Since(start)},
			})
			return payload, true
		}
	}

	m.statsMu.Lock()
	m.totalMisses++
	m.statsMu.Unlock()
	metricMisses.Inc()
	m.emit(Event{
		Type: EventMiss,
		Key:  key,
		Time: time.Now(),
		Meta: MissMeta{Searched: searched, Domain: DomainChunk, FileID: fileID, Latency: time.Since(start)},
	})
	return nil, false
}

// CacheFileProgress persists per-file progress state. The durable tier is
// written first when enabled, because progress must survive a process
// restart to support resumable uploads; memory is only the fast mirror for
// the current session.
func (m *Manager) CacheFileProgress(ctx context.Context, progress *types.FileProgress) error {
	if err := progress.Validate(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeValidationFailed, "invalid file progress", err)
	}

	key := ProgressKey(progress.FileID)
	var storeErr error
	tiers := make([]Tier, 0, 2)

	if m.store != nil {
		// Progress is the resume state; a transient store failure is
		// worth a few retries before giving up on durability.
		storeErr = m.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return m.store.Set(ctx, key, progress, SetOptions{
				TTL:    m.cfg.DefaultTTL,
				Domain: DomainProgress,
				FileID: progress.FileID,
			})
		})
		if storeErr != nil {
			m.recordError("cache_progress", key, storeErr)
		} else {
			m.statsMu.Lock()
			m.persistentSets++
			m.statsMu.Unlock()
			tiers = append(tiers, TierPersistent)
		}
	}

	if m.memCache.Set(key, progress, 0) {
		tiers = append(tiers, TierMemory)
	}

	metricSets.WithLabelValues(string(DomainProgress)).Inc()
	m.publishGauges()
	m.emit(Event{
		Type: EventSet,
		Key:  key,
		Time: time.Now(),
		Meta: SetMeta{Size: EstimateSize(progress), Domain: DomainProgress, FileID: progress.FileID, Tiers: tiers},
	})
	return storeErr
}

// GetCachedFileProgress retrieves progress state, memory first, promoting
// a durable hit into memory.
func (m *Manager) GetCachedFileProgress(ctx context.Context, fileID string) (*types.FileProgress, bool) {
	key := ProgressKey(fileID)
	start := time.Now()

	if entry, ok := m.memCache.Get(key); ok {
		if progress, ok := entry.Value.(*types.FileProgress); ok {
			m.statsMu.Lock()
			m.memoryHits++
			m.statsMu.Unlock()
			metricHits.WithLabelValues(string(TierMemory)).Inc()
			m.emit(Event{
				Type: EventHit,
				Key:  key,
				Time: time.Now(),
				Meta: HitMeta{Source: TierMemory, Domain: DomainProgress, FileID: fileID, Latency: time.Since(start)},
			})
			return progress, true
		}
		m.memCache.Delete(key)
	}

	searched := []Tier{TierMemory}
	if m.store != nil {
		searched = append(searched, TierPersistent)
		record, found, err := m.store.Get(ctx, key)
		if err != nil {
			m.recordError("get_progress", key, err)
			return nil, false
		}
		if found {
			var progress types.FileProgress
			if err := record.DecodeJSON(&progress); err != nil {
				m.recordError("get_progress", key, err)
				return nil, false
			}
			m.memCache.Set(key, &progress, time.Until(record.ExpiresAt))
			m.statsMu.Lock()
			m.persistentHits++
			m.statsMu.Unlock()
			metricHits.WithLabelValues(string(TierPersistent)).Inc()
			m.emit(Event{
				Type: EventHit,
				Key:  key,
				Time: time.Now(),
				Meta: HitMeta{Source: TierPersistent, Domain: DomainProgress, FileID: fileID, Latency: time.Since(start)},
			})
			return &progress, true
		}
	}

	m.statsMu.Lock()
	m.totalMisses++
	m.statsMu.Unlock()
	metricMisses.Inc()
	m.emit(Event{
		Type: EventMiss,
		Key:  key,
		Time: time.Now(),
		Meta: MissMeta{Searched: searched, Domain: DomainProgress, FileID: fileID, Latency: time.Since(start)},
	})
	return nil, false
}

// GetCachedChunksForFile unions the memory and durable tiers for one file,
// de-duplicating by chunk ID (memory wins) and returning the result
// ordered by chunk index ascending.
func (m *Manager) GetCachedChunksForFile(ctx context.Context, fileID string) []*ChunkPayload {
	seen := make(map[string]bool)
	var chunks []*ChunkPayload

	prefix := "chunk_" + fileID + "_"
	for _, entry := range m.memCache.EntriesWithPrefix(prefix) {
		payload, ok := entry.Value.(*ChunkPayload)
		if !ok || payload.Meta.FileID != fileID || seen[payload.Meta.ChunkID] {
			continue
		}
		seen[payload.Meta.ChunkID] = true
		chunks = append(chunks, payload)
	}

	if m.store != nil {
		records, err := m.store.GetByFileID(ctx, fileID)
		if err != nil {
			m.recordError("get_chunks_for_file", fileID, err)
		}
		for _, record := range records {
			if record.Domain != DomainChunk {
				continue
			}
			payload, err := decodeChunkRecord(record)
			if err != nil {
				m.logger.Warn().Err(err).Str("key", record.Key).Msg("skipping undecodable chunk record")
				continue
			}
			if seen[payload.Meta.ChunkID] {
				continue
			}
			seen[payload.Meta.ChunkID] = true
			chunks = append(chunks, payload)
		}
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Meta.ChunkIndex < chunks[j].Meta.ChunkIndex
	})
	return chunks
}

// CacheFromSource drains a chunk source into the cache until it reports
// io.EOF, returning the number of chunks cached. A failed individual set
// stops the drain so the caller can decide whether to resume or abort.
func (m *Manager) CacheFromSource(ctx context.Context, source types.ChunkSource) (int, error) {
	cached := 0
	for {
		meta, payload, err := source.NextChunk(ctx)
		if err != nil {
			if cerrors.Is(err, io.EOF) {
				return cached, nil
			}
			return cached, err
		}
		if err := m.CacheChunk(ctx, meta, payload); err != nil {
			return cached, err
		}
		cached++
	}
}

// RestoreUpload replays cached progress for a file into the sink so an
// interrupted upload can resume. Returns false when no progress is cached.
func (m *Manager) RestoreUpload(ctx context.Context, fileID string, sink types.ProgressSink) (bool, error) {
	progress, ok := m.GetCachedFileProgress(ctx, fileID)
	if !ok {
		return false, nil
	}
	if err := sink.RestoreProgress(ctx, progress); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteChunk removes one chunk payload from both tiers, typically after
// the chunk has been uploaded and its bytes are no longer needed locally.
func (m *Manager) DeleteChunk(ctx context.Context, fileID string, chunkIndex int) error {
	key := ChunkKey(fileID, chunkIndex)
	m.memCache.Delete(key)

	if m.store != nil {
		if _, err := m.store.Delete(ctx, key); err != nil {
			m.recordError("delete_chunk", key, err)
			return err
		}
	}

	m.publishGauges()
	m.emit(Event{
		Type: EventDelete,
		Key:  key,
		Time: time.Now(),
		Meta: DeleteMeta{Domain: DomainChunk, FileID: fileID},
	})
	return nil
}

// ClearFileCache removes every chunk and the progress entry for a file
// across both tiers. This is the unit of cleanup when an upload is
// cancelled or finalized.
func (m *Manager) ClearFileCache(ctx context.Context, fileID string) error {
	prefix := "chunk_" + fileID + "_"
	for _, key := range m.memCache.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.memCache.Delete(key)
		}
	}
	m.memCache.Delete(ProgressKey(fileID))

	if m.store != nil {
		if _, err := m.store.DeleteByFileID(ctx, fileID); err != nil {
			m.recordError("clear_file_cache", fileID, err)
			return err
		}
	}

	m.publishGauges()
	m.emit(Event{
		Type: EventClear,
		Key:  fileID,
		Time: time.Now(),
		Meta: ClearMeta{Scope: "file", FileID: fileID},
	})
	return nil
}

// Cleanup sweeps expired entries out of both tiers. Failures are logged,
// never propagated; cleanup is best-effort.
func (m *Manager) Cleanup(ctx context.Context) {
	removed := m.memCache.CleanupExpired()
	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Msg("memory tier expiry sweep")
	}

	if m.store != nil {
		storeRemoved, err := m.store.CleanupExpired(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("durable tier expiry sweep failed")
		} else if storeRemoved > 0 {
			m.logger.Debug().Int("removed", storeRemoved).Msg("durable tier expiry sweep")
		}
	}
	m.publishGauges()
}

// GetStats combines per-tier counters into the aggregate stats shape. The
// persistent-tier numbers are hits and misses observed by the manager, not
// a live store size; a live size would need an async store call that this
// synchronous contract does not allow.
func (m *Manager) GetStats() types.CacheStats {
	m.statsMu.Lock()
	memoryHits := m.memoryHits
	persistentHits := m.persistentHits
	misses := m.totalMisses
	errs := m.errorCount
	persistentSets := m.persistentSets
	m.statsMu.Unlock()

	stats := types.CacheStats{
		Memory: m.memCache.Stats(),
		Persistent: types.TierStats{
			Entries: int(persistentSets),
			Hits:    persistentHits,
			Misses:  misses,
		},
		Overall: types.OverallStats{
			MemoryHits:     memoryHits,
			PersistentHits: persistentHits,
			Misses:         misses,
			Errors:         errs,
		},
	}

	persistentTotal := persistentHits + misses
	if persistentTotal > 0 {
		stats.Persistent.HitRate = float64(persistentHits) / float64(persistentTotal)
	}

	stats.Overall.TotalRequests = memoryHits + persistentHits + misses
	if stats.Overall.TotalRequests > 0 {
		stats.Overall.HitRatio = float64(memoryHits+persistentHits) / float64(stats.Overall.TotalRequests)
	}
	return stats
}

// AddListener registers an event subscriber and returns its id.
func (m *Manager) AddListener(fn Listener) int {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	m.nextID++
	m.listeners = append(m.listeners, registeredListener{id: m.nextID, fn: fn})
	return m.nextID
}

// RemoveListener deregisters a subscriber by id.
func (m *Manager) RemoveListener(id int) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close cancels the periodic cleanup, closes the durable store, and drops
// all listeners. The manager must not be used after Close.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		if m.store != nil {
			err = m.store.Close()
		}

		m.listenerMu.Lock()
		m.listeners = nil
		m.listenerMu.Unlock()
	})
	return err
}

// relievePressure is the cleanup callback registered with the memory
// manager: it evicts roughly 30% of memory-tier entries (capped at 50) in
// least-recently-used order.
func (m *Manager) relievePressure() {
	target := int(float64(m.memCache.Len()) * pressureEvictFraction)
	if target > pressureEvictCap {
		target = pressureEvictCap
	}
	if target == 0 {
		return
	}

	evicted := m.memCache.EvictLRU(target)
	m.publishGauges()
	m.logger.Info().Int("evicted", evicted).Msg("evicted memory-tier entries under memory pressure")
	m.emit(Event{
		Type: EventEvict,
		Time: time.Now(),
		Meta: EvictMeta{Reason: "memory_pressure", Count: evicted},
	})
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Cleanup(context.Background())
		}
	}
}

// emit delivers an event synchronously to every listener. A panicking
// listener is recovered and logged so one faulty subscriber cannot break
// the cache.
func (m *Manager) emit(event Event) {
	m.listenerMu.RLock()
	listeners := make([]registeredListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("event", string(event.Type)).
						Msg("cache event listener panicked")
				}
			}()
			l.fn(event)
		}()
	}
}

func (m *Manager) recordError(op, key string, err error) {
	m.statsMu.Lock()
	m.errorCount++
	m.statsMu.Unlock()

	metricErrors.WithLabelValues(op).Inc()
	m.logger.Warn().Err(err).Str("operation", op).Str("key", key).Msg("cache operation failed")
	m.emit(Event{
		Type: EventError,
		Key:  key,
		Time: time.Now(),
		Meta: ErrorMeta{Op: op, Err: err},
	})
}

func (m *Manager) publishGauges() {
	metricMemorySize.Set(float64(m.memCache.Size()))
	metricMemoryEntries.Set(float64(m.memCache.Len()))
}

func decodeChunkRecord(record *Record) (*ChunkPayload, error) {
	var payload ChunkPayload
	if err := record.DecodeMeta(&payload); err != nil {
		return nil, err
	}
	data, err := record.Bytes()
	if err != nil {
		return nil, err
	}
	payload.Payload = data
	return &payload, nil
}
