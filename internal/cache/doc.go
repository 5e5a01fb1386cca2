/*
Package cache implements the two-tier chunk/progress cache at the core of
chunkcache: a bounded in-memory LRU tier in front of a durable SQLite
tier, orchestrated by a Manager that is the only entry point for upload
and progress-tracking code.

# Architecture

	┌─────────────────────────────────────────────┐
	│        Upload / Progress Collaborators       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Manager                      │  ← this package
	│   two domains: chunk payloads, progress      │
	│   stats · events · periodic cleanup          │
	└─────────────────────────────────────────────┘
	        │                          │
	┌───────────────┐        ┌───────────────────┐
	│  MemoryCache  │        │    SQLiteStore     │
	│  LRU + TTL    │        │  file_id/expiry    │
	│  size+count   │        │  secondary indexes │
	│  bounded      │        │  gzip payloads     │
	└───────────────┘        └───────────────────┘

# Tier Policy

Chunk payloads go to the memory tier first and to the durable tier when
persistence is enabled or memory is full. Progress state goes to the
durable tier first, because it must survive a restart to resume an
interrupted upload, and is mirrored into memory for the current session.
Durable hits are promoted back into memory so the next access is fast.

# Failure Semantics

A full memory tier is an expected condition signaled by a boolean, never
an error. Read-path failures of any kind degrade to a cache miss: a cold
cache is a safe, slower fallback, never a crash. Only durable-tier write
failures propagate to callers. Event listeners and cleanup are isolated
from the cache's own correctness.
*/
package cache
