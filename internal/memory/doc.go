// Package memory tracks process memory pressure and adapts chunk
// processing to it: pressure-classified chunk-size recommendations, a
// bounded reusable buffer pool, and a cleanup-callback registry invoked
// when pressure is high.
package memory
