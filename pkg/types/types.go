package types

import (
	"fmt"
	"time"
)

// ChunkMeta describes one contiguous byte-range slice of a file as produced
// by the chunk-splitting collaborator. The cache never computes byte ranges
// or checksums itself; it only stores what it is handed.
type ChunkMeta struct {
	ChunkID    string `json:"chunk_id"`
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int64  `json:"chunk_size"`
	Checksum   string `json:"checksum"`
	StartByte  int64  `json:"start_byte"`
	EndByte    int64  `json:"end_byte"`
}

// UploadStatus represents the upload lifecycle state of a single chunk.
type UploadStatus int

const (
	UploadPending UploadStatus = iota
	UploadInProgress
	UploadCompleted
	UploadFailed
)

// String returns the string representation of an upload status.
func (s UploadStatus) String() string {
	switch s {
	case UploadPending:
		return "pending"
	case UploadInProgress:
		return "uploading"
	case UploadCompleted:
		return "completed"
	case UploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkState tracks per-chunk upload progress inside a FileProgress record.
type ChunkState struct {
	ChunkID    string       `json:"chunk_id"`
	ChunkIndex int          `json:"chunk_index"`
	Status     UploadStatus `json:"status"`
	RetryCount int          `json:"retry_count"`
	UploadPath string       `json:"upload_path,omitempty"`
}

// UploadProgress aggregates chunk-level completion counts for a file.
type UploadProgress struct {
	TotalChunks     int       `json:"total_chunks"`
	CompletedChunks int       `json:"completed_chunks"`
	FailedChunks    int       `json:"failed_chunks"`
	BytesUploaded   int64     `json:"bytes_uploaded"`
	TotalBytes      int64     `json:"total_bytes"`
	StartTime       time.Time `json:"start_time"`
	LastUpdateTime  time.Time `json:"last_update_time"`
}

// FileProgress is the durable per-file resume state. It survives process
// restarts so an interrupted upload can continue where it left off.
type FileProgress struct {
	FileID       string                `json:"file_id"`
	FileName     string                `json:"file_name"`
	FileSize     int64                 `json:"file_size"`
	FileChecksum string                `json:"file_checksum"`
	LastModified time.Time             `json:"last_modified"`
	ChunkStates  map[string]ChunkState `json:"chunk_states"`
	Progress     UploadProgress        `json:"upload_progress"`
	ResumeToken  string                `json:"resume_token,omitempty"`
}

// Validate checks the internal consistency of a progress record.
func (p *FileProgress) Validate() error {
	if p.FileID == "" {
		return fmt.Errorf("file progress missing file_id")
	}
	if p.Progress.CompletedChunks+p.Progress.FailedChunks > p.Progress.TotalChunks {
		return fmt.Errorf("completed (%d) + failed (%d) chunks exceed total (%d)",
			p.Progress.CompletedChunks, p.Progress.FailedChunks, p.Progress.TotalChunks)
	}
	if p.Progress.BytesUploaded > p.Progress.TotalBytes {
		return fmt.Errorf("bytes uploaded (%d) exceeds total bytes (%d)",
			p.Progress.BytesUploaded, p.Progress.TotalBytes)
	}
	return nil
}

// TierStats represents cache performance statistics for a single tier.
type TierStats struct {
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// OverallStats is the cross-tier roll-up as observed by the cache manager.
// Persistent-tier numbers here are manager-side counters, not a live store
// size; the synchronous stats contract does not allow an extra store query.
type OverallStats struct {
	TotalRequests  uint64  `json:"total_requests"`
	MemoryHits     uint64  `json:"memory_hits"`
	PersistentHits uint64  `json:"persistent_hits"`
	Misses         uint64  `json:"misses"`
	Errors         uint64  `json:"errors"`
	HitRatio       float64 `json:"hit_ratio"`
}

// CacheStats combines per-tier statistics with the overall roll-up.
type CacheStats struct {
	Memory     TierStats    `json:"memory"`
	Persistent TierStats    `json:"persistent"`
	Overall    OverallStats `json:"overall"`
}
