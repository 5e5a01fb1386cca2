package types

import "context"

// ChunkSource is the narrow view of the upload collaborator the cache
// consumes: it hands over chunk descriptors and binary payloads, nothing
// more. Transport and retry live on the other side of this interface.
type ChunkSource interface {
	NextChunk(ctx context.Context) (ChunkMeta, []byte, error)
}

// ProgressSink receives restored progress state when an upload resumes.
type ProgressSink interface {
	RestoreProgress(ctx context.Context, progress *FileProgress) error
}

// StatsProvider exposes a point-in-time view of cache statistics. The
// cache manager implements it; the analytics collector consumes it.
type StatsProvider interface {
	GetStats() CacheStats
}

// MemoryProbe abstracts platform heap introspection so pressure logic is
// testable without a real heap. Implementations report bytes in use and
// the ceiling the process should stay under; ok is false when the
// platform offers no introspection and callers should fall back to a
// conservative estimate.
type MemoryProbe interface {
	HeapStats() (used, limit uint64, ok bool)
}

// GCHinter is an optional capability for requesting a garbage collection
// hint after cleanup. Platforms without a usable hint simply do not
// implement it.
type GCHinter interface {
	HintGC()
}
