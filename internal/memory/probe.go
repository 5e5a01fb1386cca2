package memory

import (
	"math"
	"runtime"
	"runtime/debug"
)

// Conservative estimate used when the platform exposes no heap ceiling:
// assume 1000MB is available.
const fallbackAvailableBytes = 1000 * 1024 * 1024

// RuntimeProbe reads heap usage from the Go runtime. It only reports a
// limit when one has been set via debug.SetMemoryLimit; otherwise the
// process has no introspectable ceiling and callers fall back to a
// conservative estimate.
type RuntimeProbe struct{}

// HeapStats implements types.MemoryProbe.
func (RuntimeProbe) HeapStats() (used, limit uint64, ok bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	current := debug.SetMemoryLimit(-1)
	if current <= 0 || current == math.MaxInt64 {
		return ms.HeapAlloc, 0, false
	}
	return ms.HeapAlloc, uint64(current), true
}

// RuntimeGC requests a garbage collection pass and returns freed spans to
// the OS. Wired as the optional GC hint capability.
type RuntimeGC struct{}

// HintGC implements types.GCHinter.
func (RuntimeGC) HintGC() {
	runtime.GC()
	debug.FreeOSMemory()
}
