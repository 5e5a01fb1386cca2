// Package analytics observes cache events and derives rolling performance
// metrics, hourly snapshots with trend classification, a 0-100 health
// score, and configuration recommendations. It is a pure observer: it
// subscribes to the cache manager's event bus and never mutates the cache.
package analytics
