package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gloos/chunkcache/pkg/types"
)

// PressureLevel classifies how close the process is to its memory ceiling.
type PressureLevel int

const (
	PressureLow      PressureLevel = iota // < 50% used
	PressureMedium                        // < 70% used
	PressureHigh                          // < 90% used
	PressureCritical                      // >= 90% used
)

// String returns the string representation of a pressure level.
func (p PressureLevel) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RecommendedChunkSize returns the chunk size advised at this pressure
// level: large slices while memory is plentiful, small ones near the
// ceiling.
func (p PressureLevel) RecommendedChunkSize() int64 {
	switch p {
	case PressureLow:
		return 10 * 1024 * 1024
	case PressureMedium:
		return 5 * 1024 * 1024
	case PressureHigh:
		return 2 * 1024 * 1024
	default:
		return 1 * 1024 * 1024
	}
}

// Stats is a point-in-time view of process memory pressure.
type Stats struct {
	UsedBytes            uint64        `json:"used_bytes"`
	LimitBytes           uint64        `json:"limit_bytes"`
	UsedPercent          float64       `json:"used_percent"`
	Pressure             PressureLevel `json:"pressure"`
	RecommendedChunkSize int64         `json:"recommended_chunk_size"`
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	CallbacksRun   int           `json:"callbacks_run"`
	BuffersCleared bool          `json:"buffers_cleared"`
	FreedBytes     int64         `json:"freed_bytes"`
	Pressure       PressureLevel `json:"pressure"`
}

// OperationReport summarizes one monitored unit of chunk processing.
type OperationReport struct {
	Name        string        `json:"name"`
	Duration    time.Duration `json:"duration"`
	MemoryDelta int64         `json:"memory_delta"`
	Pressure    PressureLevel `json:"pressure"`
}

// Config configures the memory manager.
type Config struct {
	// Probe supplies heap introspection; RuntimeProbe when nil.
	Probe types.MemoryProbe

	// GC is the optional garbage-collection hint capability.
	GC types.GCHinter

	// MaxPooledBuffers caps the reusable buffer pool (default 20).
	MaxPooledBuffers int

	// PressureCheckInterval rate-limits pressure probes (default 2s).
	PressureCheckInterval time.Duration

	Logger zerolog.Logger
}

// Manager tracks process memory pressure, advises chunk sizing, owns the
// reusable buffer pool, and runs a cleanup-callback registry invoked under
// pressure. Construct one per composition root and inject it; there is no
// package-level instance, so tests get isolated managers.
type Manager struct {
	probe  types.MemoryProbe
	gc     types.GCHinter
	pool   *BufferPool
	logger zerolog.Logger

	checkInterval time.Duration

	mu            sync.Mutex
	callbacks     []func()
	lastCheck     time.Time
	lastPressure  PressureLevel
	cleanupQueued bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewManager creates a memory manager.
func NewManager(cfg Config) *Manager {
	if cfg.Probe == nil {
		cfg.Probe = RuntimeProbe{}
	}
	if cfg.PressureCheckInterval <= 0 {
		cfg.PressureCheckInterval = 2 * time.Second
	}

	return &Manager{
		probe:         cfg.Probe,
		gc:            cfg.GC,
		pool:          NewBufferPool(cfg.MaxPooledBuffers),
		logger:        cfg.Logger.With().Str("component", "memory-manager").Logger(),
		checkInterval: cfg.PressureCheckInterval,
	}
}

// GetMemoryStats reads the current heap state and classifies pressure.
// When the platform exposes no heap ceiling, a conservative fixed estimate
// of 1000MB available is assumed, which classifies as low pressure.
func (m *Manager) GetMemoryStats() Stats {
	used, limit, ok := m.probe.HeapStats()
	if !ok || limit == 0 {
		return Stats{
			UsedBytes:            used,
			LimitBytes:           used + fallbackAvailableBytes,
			UsedPercent:          float64(used) / float64(used+fallbackAvailableBytes) * 100,
			Pressure:             PressureLow,
			RecommendedChunkSize: PressureLow.RecommendedChunkSize(),
		}
	}

	usedPercent := float64(used) / float64(limit) * 100
	pressure := classifyPressure(usedPercent)
	return Stats{
		UsedBytes:            used,
		LimitBytes:           limit,
		UsedPercent:          usedPercent,
		Pressure:             pressure,
		RecommendedChunkSize: pressure.RecommendedChunkSize(),
	}
}

// OptimizeChunkSize clamps a requested chunk size to the current
// memory-pressure recommendation.
func (m *Manager) OptimizeChunkSize(requested int64) int64 {
	recommended := m.GetMemoryStats().RecommendedChunkSize
	if requested <= 0 || requested > recommended {
		return recommended
	}
	return requested
}

// AcquireBuffer returns a byte buffer of the given length from the pool.
func (m *Manager) AcquireBuffer(size int) []byte {
	return m.pool.Acquire(size)
}

// ReleaseBuffer returns a buffer to the pool for reuse.
func (m *Manager) ReleaseBuffer(buf []byte) {
	m.pool.Release(buf)
}

// RegisterCleanupCallback adds a callback run on every cleanup pass. The
// cache manager registers its pressure-eviction hook here.
func (m *Manager) RegisterCleanupCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// PerformCleanup runs every registered cleanup callback, clears the buffer
// pool when pressure is high or critical, requests a GC hint when the
// platform provides one, and reports freed memory and resulting pressure.
// A panicking callback is isolated and logged.
func (m *Manager) PerformCleanup() CleanupReport {
	before := m.GetMemoryStats()

	m.mu.Lock()
	callbacks := make([]func(), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cleanupQueued = false
	m.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Msg("cleanup callback panicked")
				}
			}()
			fn()
		}()
	}

	report := CleanupReport{CallbacksRun: len(callbacks)}
	if before.Pressure >= PressureHigh {
		m.pool.Clear()
		report.BuffersCleared = true
	}
	if m.gc != nil {
		m.gc.HintGC()
	}

	after := m.GetMemoryStats()
	report.FreedBytes = int64(before.UsedBytes) - int64(after.UsedBytes)
	report.Pressure = after.Pressure

	m.logger.Info().
		Int("callbacks", report.CallbacksRun).
		Int64("freed_bytes", report.FreedBytes).
		Str("pressure", report.Pressure.String()).
		Msg("memory cleanup completed")
	return report
}

// ShouldCleanup reports whether a cleanup pass is warranted. Pressure
// probes are rate-limited to one per check interval; between probes the
// answer is always false.
func (m *Manager) ShouldCleanup() bool {
	m.mu.Lock()
	now := time.Now()
	if now.Sub(m.lastCheck) < m.checkInterval {
		m.mu.Unlock()
		return false
	}
	m.lastCheck = now
	m.mu.Unlock()

	stats := m.GetMemoryStats()

	m.mu.Lock()
	m.lastPressure = stats.Pressure
	m.mu.Unlock()

	return stats.Pressure >= PressureHigh
}

// MonitorChunkProcessing wraps a unit of chunk work, measuring its
// duration and heap delta. A cleanup is scheduled when pressure is high or
// critical after the operation, including when it fails, so an error does
// not leak the memory it allocated.
func (m *Manager) MonitorChunkProcessing(ctx context.Context, name string, fn func(context.Context) error) (OperationReport, error) {
	before := m.GetMemoryStats()
	start := time.Now()

	err := fn(ctx)

	after := m.GetMemoryStats()
	report := OperationReport{
		Name:        name,
		Duration:    time.Since(start),
		MemoryDelta: int64(after.UsedBytes) - int64(before.UsedBytes),
		Pressure:    after.Pressure,
	}

	if after.Pressure >= PressureHigh {
		m.scheduleCleanup()
	}

	if err != nil {
		return report, fmt.Errorf("chunk processing %s: %w", name, err)
	}
	return report, nil
}

// Start launches the periodic pressure check that triggers cleanup passes
// and trims the buffer pool. Mirrors Stop.
func (m *Manager) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("memory manager already running")
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.monitorLoop(ctx)

	m.logger.Info().Dur("interval", m.checkInterval).Msg("memory manager started")
	return nil
}

// Stop halts the periodic pressure check.
func (m *Manager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.active, 1, 0) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

// PoolLen returns the number of pooled buffers, exposed for tests and
// diagnostics.
func (m *Manager) PoolLen() int {
	return m.pool.Len()
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.ShouldCleanup() {
				m.PerformCleanup()
			}
			m.pool.Trim()
		}
	}
}

// scheduleCleanup queues at most one asynchronous cleanup pass.
func (m *Manager) scheduleCleanup() {
	m.mu.Lock()
	if m.cleanupQueued {
		m.mu.Unlock()
		return
	}
	m.cleanupQueued = true
	m.mu.Unlock()

	go m.PerformCleanup()
}

func classifyPressure(usedPercent float64) PressureLevel {
	switch {
	case usedPercent < 50:
		return PressureLow
	case usedPercent < 70:
		return PressureMedium
	case usedPercent < 90:
		return PressureHigh
	default:
		return PressureCritical
	}
}
