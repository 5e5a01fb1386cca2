package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gloos/chunkcache/internal/cache"
	"github.com/gloos/chunkcache/internal/config"
	"github.com/gloos/chunkcache/pkg/types"
)

// History and snapshot bounds.
const (
	maxEventHistory = 1000
	maxSnapshots    = 24
	topN            = 5
)

// Trend thresholds, in percentage points, applied between the two most
// recent snapshots.
const (
	hitTrendThreshold    = 5.0
	memoryTrendThreshold = 5.0
	errorTrendThreshold  = 1.0
)

// Trend classifies the direction of a metric between snapshots.
type Trend string

const (
	TrendImproving  Trend = "improving"
	TrendDeclining  Trend = "declining"
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
)

// Metrics is a derived performance snapshot of the cache.
type Metrics struct {
	HitRate          float64       `json:"hit_rate"`
	AvgResponseTime  time.Duration `json:"avg_response_time"`
	MemoryEfficiency float64       `json:"memory_efficiency"`
	EvictionRate     float64       `json:"eviction_rate"`
	ErrorRate        float64       `json:"error_rate"`
	HitRateTrend     Trend         `json:"hit_rate_trend"`
	ErrorRateTrend   Trend         `json:"error_rate_trend"`
	MemoryTrend      Trend         `json:"memory_trend"`
}

// Snapshot captures the cache state at one point in time. One is taken
// each hour; the most recent 24 are retained.
type Snapshot struct {
	Time        time.Time `json:"time"`
	HitRate     float64   `json:"hit_rate"`
	ErrorRate   float64   `json:"error_rate"`
	MemoryBytes int64     `json:"memory_bytes"`
	Entries     int       `json:"entries"`
}

// KeyCount pairs an identifier with an occurrence count for rankings.
type KeyCount struct {
	Key   string `json:"key"`
	Count uint64 `json:"count"`
}

// HourCount pairs an hour of day with its request count.
type HourCount struct {
	Hour  int    `json:"hour"`
	Count uint64 `json:"count"`
}

// Recommendation suggests a configuration change with its expected effect.
type Recommendation struct {
	Parameter           string  `json:"parameter"`
	Current             float64 `json:"current"`
	Recommended         float64 `json:"recommended"`
	ExpectedImprovement string  `json:"expected_improvement"`
}

// Insights is the ranked summary produced by GenerateInsights.
type Insights struct {
	TopFiles         []KeyCount       `json:"top_files"`
	TopEvictedChunks []KeyCount       `json:"top_evicted_chunks"`
	PeakHours        []HourCount      `json:"peak_hours"`
	HealthScore      int              `json:"health_score"`
	Recommendations  []Recommendation `json:"recommendations"`
}

// Collector is a pure cache-event listener that derives rolling
// performance metrics, trends, a health score and tuning recommendations.
// It never mutates the cache.
type Collector struct {
	provider types.StatsProvider
	cfg      config.CacheConfig
	logger   zerolog.Logger

	mu                sync.Mutex
	counts            map[cache.EventType]uint64
	totalResponseTime time.Duration
	latencySamples    uint64
	fileAccess        map[string]uint64
	chunkEvictions    map[string]uint64
	hourCounts        [24]uint64
	history           []cache.Event
	snapshots         []Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector reading live stats from provider and
// current tunables from cfg. Register OnEvent with the cache manager.
func NewCollector(provider types.StatsProvider, cfg config.CacheConfig, logger zerolog.Logger) *Collector {
	return &Collector{
		provider:       provider,
		cfg:            cfg,
		logger:         logger.With().Str("component", "cache-analytics").Logger(),
		counts:         make(map[cache.EventType]uint64),
		fileAccess:     make(map[string]uint64),
		chunkEvictions: make(map[string]uint64),
	}
}

// OnEvent records one cache event. Safe for use as a manager listener.
func (c *Collector) OnEvent(event cache.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[event.Type]++

	c.history = append(c.history, event)
	if len(c.history) > maxEventHistory {
		c.history = c.history[1:]
	}

	switch meta := event.Meta.(type) {
	case cache.HitMeta:
		c.totalResponseTime += meta.Latency
		c.latencySamples++
		c.hourCounts[event.Time.Hour()]++
		if meta.FileID != "" {
			c.fileAccess[meta.FileID]++
		}
	case cache.MissMeta:
		c.totalResponseTime += meta.Latency
		c.latencySamples++
		c.hourCounts[event.Time.Hour()]++
		if meta.FileID != "" {
			c.fileAccess[meta.FileID]++
		}
	case cache.EvictMeta:
		if meta.ChunkID != "" {
			c.chunkEvictions[meta.ChunkID]++
		}
	}
}

// Start launches the hourly snapshot ticker. Mirrors Stop.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.TakeSnapshot()
			}
		}
	}()
}

// Stop halts the snapshot ticker.
func (c *Collector) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.stopCh = nil
}

// TakeSnapshot records the current cache state into the bounded snapshot
// history.
func (c *Collector) TakeSnapshot() Snapshot {
	stats := c.provider.GetStats()
	metrics := c.CurrentMetrics()

	snapshot := Snapshot{
		Time:        time.Now(),
		HitRate:     metrics.HitRate,
		ErrorRate:   metrics.ErrorRate,
		MemoryBytes: stats.Memory.Size,
		Entries:     stats.Memory.Entries,
	}

	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshot)
	if len(c.snapshots) > maxSnapshots {
		c.snapshots = c.snapshots[1:]
	}
	c.mu.Unlock()

	return snapshot
}

// CurrentMetrics derives the rolling performance metrics.
func (c *Collector) CurrentMetrics() Metrics {
	stats := c.provider.GetStats()

	c.mu.Lock()
	defer c.mu.Unlock()

	metrics := Metrics{
		HitRate:        stats.Overall.HitRatio,
		HitRateTrend:   TrendStable,
		ErrorRateTrend: TrendStable,
		MemoryTrend:    TrendStable,
	}

	if c.latencySamples > 0 {
		metrics.AvgResponseTime = c.totalResponseTime / time.Duration(c.latencySamples)
	}

	// Entries per byte, scaled by 1e6. The scaling makes tiny entries
	// inflate the number; retained as-is because the score thresholds
	// and dashboards are calibrated against it.
	if stats.Memory.Size > 0 {
		metrics.MemoryEfficiency = float64(stats.Memory.Entries) / float64(stats.Memory.Size) * 1e6
	}

	if stats.Overall.TotalRequests > 0 {
		total := float64(stats.Overall.TotalRequests)
		metrics.EvictionRate = float64(stats.Memory.Evictions) / total
		metrics.ErrorRate = float64(stats.Overall.Errors) / total
	}

	if len(c.snapshots) >= 2 {
		prev := c.snapshots[len(c.snapshots)-2]
		last := c.snapshots[len(c.snapshots)-1]

		metrics.HitRateTrend = classifyDelta((last.HitRate-prev.HitRate)*100, hitTrendThreshold, TrendImproving, TrendDeclining)
		// A falling error rate is the improvement.
		metrics.ErrorRateTrend = classifyDelta((prev.ErrorRate-last.ErrorRate)*100, errorTrendThreshold, TrendImproving, TrendDeclining)

		if prev.MemoryBytes > 0 {
			deltaPct := (float64(last.MemoryBytes) - float64(prev.MemoryBytes)) / float64(prev.MemoryBytes) * 100
			metrics.MemoryTrend = classifyDelta(deltaPct, memoryTrendThreshold, TrendIncreasing, TrendDecreasing)
		}
	}

	return metrics
}

// GenerateInsights ranks access patterns and produces the health score and
// tuning recommendations.
func (c *Collector) GenerateInsights() Insights {
	metrics := c.CurrentMetrics()

	c.mu.Lock()
	topFiles := topKeyCounts(c.fileAccess, topN)
	topEvicted := topKeyCounts(c.chunkEvictions, topN)
	peakHours := topHours(c.hourCounts, topN)
	c.mu.Unlock()

	return Insights{
		TopFiles:         topFiles,
		TopEvictedChunks: topEvicted,
		PeakHours:        peakHours,
		HealthScore:      HealthScore(metrics),
		Recommendations:  c.recommendations(metrics),
	}
}

// HealthScore summarizes cache effectiveness as a 0-100 heuristic. It
// starts at 100, applies fixed penalties for poor hit, error, eviction and
// memory-efficiency readings, adds small bonuses for improving trends, and
// clamps to [0,100].
func HealthScore(m Metrics) int {
	score := 100

	switch {
	case m.HitRate < 0.5:
		score -= 20
	case m.HitRate < 0.7:
		score -= 10
	}

	switch {
	case m.ErrorRate > 0.05:
		score -= 15
	case m.ErrorRate > 0.02:
		score -= 5
	}

	switch {
	case m.EvictionRate > 0.3:
		score -= 15
	case m.EvictionRate > 0.1:
		score -= 5
	}

	switch {
	case m.MemoryEfficiency < 30:
		score -= 10
	case m.MemoryEfficiency < 50:
		score -= 5
	}

	if m.HitRateTrend == TrendImproving {
		score += 5
	}
	if m.ErrorRateTrend == TrendImproving {
		score += 5
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (c *Collector) recommendations(m Metrics) []Recommendation {
	var recs []Recommendation

	if m.EvictionRate > 0.2 {
		current := float64(c.cfg.MaxMemorySize)
		recs = append(recs, Recommendation{
			Parameter:           "max_memory_size",
			Current:             current,
			Recommended:         current * 1.5,
			ExpectedImprovement: "fewer evictions and a higher memory-tier hit rate",
		})
	}
	if m.HitRate < 0.6 {
		current := c.cfg.DefaultTTL.Seconds()
		recs = append(recs, Recommendation{
			Parameter:           "default_ttl",
			Current:             current,
			Recommended:         current * 2,
			ExpectedImprovement: "entries survive longer, raising the hit rate for repeat access",
		})
	}
	if m.ErrorRate > 0.02 {
		current := c.cfg.CleanupInterval.Seconds()
		recs = append(recs, Recommendation{
			Parameter:           "cleanup_interval",
			Current:             current,
			Recommended:         current / 2,
			ExpectedImprovement: "stale entries are removed sooner, reducing read-path errors",
		})
	}

	return recs
}

// classifyDelta maps a percentage-point delta to a trend: above the
// threshold is positive, below the negated threshold is negative,
// in between is stable.
func classifyDelta(deltaPct, threshold float64, positive, negative Trend) Trend {
	switch {
	case deltaPct > threshold:
		return positive
	case deltaPct < -threshold:
		return negative
	default:
		return TrendStable
	}
}

func topKeyCounts(counts map[string]uint64, n int) []KeyCount {
	ranked := make([]KeyCount, 0, len(counts))
	for key, count := range counts {
		ranked = append(ranked, KeyCount{Key: key, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Key < ranked[j].Key
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func topHours(counts [24]uint64, n int) []HourCount {
	ranked := make([]HourCount, 0, 24)
	for hour, count := range counts {
		if count > 0 {
			ranked = append(ranked, HourCount{Hour: hour, Count: count})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Hour < ranked[j].Hour
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
