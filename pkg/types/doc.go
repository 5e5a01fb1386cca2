/*
Package types defines the shared data shapes and interfaces used across the
chunkcache module.

The types here are deliberately free of behavior beyond simple validation:
they are the contract between the cache subsystem and its collaborators
(the chunk splitter, the upload transport, the progress tracker), all of
which live outside this module.

# Core Types

  - ChunkMeta: descriptor for one byte-range slice of a file
  - ChunkState / UploadProgress / FileProgress: durable resume state
  - TierStats / OverallStats / CacheStats: cache performance counters

# Interfaces

  - ChunkSource / ProgressSink: collaborator boundaries
  - StatsProvider: manager-to-analytics stats handoff
  - MemoryProbe / GCHinter: optional platform memory capabilities
*/
package types
