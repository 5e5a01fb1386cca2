package cache

import "time"

// EventType identifies the kind of cache event.
type EventType string

const (
	EventHit    EventType = "cache_hit"
	EventMiss   EventType = "cache_miss"
	EventSet    EventType = "cache_set"
	EventDelete EventType = "cache_delete"
	EventEvict  EventType = "cache_evict"
	EventClear  EventType = "cache_clear"
	EventError  EventType = "cache_error"
)

// Tier names a cache storage tier in event metadata.
type Tier string

const (
	TierMemory     Tier = "memory"
	TierPersistent Tier = "persistent"
)

// EventMeta is the tagged metadata payload of an event. Each event kind
// carries its own strongly-typed metadata rather than an open map.
type EventMeta interface {
	eventMeta()
}

// HitMeta accompanies EventHit.
type HitMeta struct {
	Source  Tier
	Domain  Domain
	FileID  string
	Latency time.Duration
}

// MissMeta accompanies EventMiss and lists which tiers were searched.
type MissMeta struct {
	Searched []Tier
	Domain   Domain
	FileID   string
	Latency  time.Duration
}

// SetMeta accompanies EventSet.
type SetMeta struct {
	Size   int64
	Domain Domain
	FileID string
	Tiers  []Tier
}

// DeleteMeta accompanies EventDelete.
type DeleteMeta struct {
	Domain Domain
	FileID string
}

// EvictMeta accompanies EventEvict.
type EvictMeta struct {
	Reason  string
	ChunkID string
	Count   int
}

// ClearMeta accompanies EventClear.
type ClearMeta struct {
	Scope  string
	FileID string
}

// ErrorMeta accompanies EventError.
type ErrorMeta struct {
	Op  string
	Err error
}

func (HitMeta) eventMeta()    {}
func (MissMeta) eventMeta()   {}
func (SetMeta) eventMeta()    {}
func (DeleteMeta) eventMeta() {}
func (EvictMeta) eventMeta()  {}
func (ClearMeta) eventMeta()  {}
func (ErrorMeta) eventMeta()  {}

// Event is an immutable record of one cache operation, delivered
// synchronously to every registered listener at emission time.
type Event struct {
	Type EventType
	Key  string
	Time time.Time
	Meta EventMeta
}

// Listener receives cache events. A listener that panics is isolated and
// logged by the manager; it never breaks the cache or other listeners.
type Listener func(Event)
