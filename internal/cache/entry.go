package cache

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/gloos/chunkcache/pkg/types"
)

// Domain identifies which cache namespace an entry belongs to.
type Domain string

const (
	DomainChunk    Domain = "chunk"
	DomainProgress Domain = "progress"
)

// ChunkKey builds the canonical cache key for a chunk payload.
func ChunkKey(fileID string, chunkIndex int) string {
	return fmt.Sprintf("chunk_%s_%d", fileID, chunkIndex)
}

// ProgressKey builds the canonical cache key for per-file progress state.
func ProgressKey(fileID string) string {
	return "progress_" + fileID
}

// Entry is a single memory-tier cache entry. Size is a best-effort byte
// estimate used only for capacity accounting, never for correctness.
type Entry struct {
	Key          string
	Value        any
	Timestamp    time.Time
	ExpiresAt    time.Time // zero means no expiry
	AccessCount  int64
	LastAccessed time.Time
	Size         int64
	Metadata     map[string]string
}

// Expired reports whether the entry's TTL has passed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// ChunkPayload is the value stored for the chunk domain: the binary slice
// plus the upload bookkeeping that travels with it.
type ChunkPayload struct {
	Meta       types.ChunkMeta    `json:"meta"`
	Payload    []byte             `json:"-"`
	Status     types.UploadStatus `json:"status"`
	UploadPath string             `json:"upload_path,omitempty"`
	RetryCount int                `json:"retry_count"`
}

const (
	primitiveSize    = 64
	fallbackSize     = 1024
	serializedFactor = 2
)

// EstimateSize computes the capacity-accounting size of a value. Binary
// values count their raw length, text counts UTF-16 code units times two,
// structured values count serialized length times two, primitives a fixed
// 64 bytes. Values that cannot be serialized fall back to 1024 bytes.
func EstimateSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(val))
	case *ChunkPayload:
		if val == nil {
			return 0
		}
		return int64(len(val.Payload)) + primitiveSize
	case string:
		return int64(len(utf16.Encode([]rune(val)))) * 2
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return primitiveSize
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fallbackSize
		}
		return int64(len(data)) * serializedFactor
	}
}
