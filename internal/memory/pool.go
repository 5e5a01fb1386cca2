package memory

import "sync"

// Pool watermarks: the pool holds at most maxBuffers buffers and a
// periodic trim drops it back to trimWatermark of capacity.
const (
	defaultMaxBuffers = 20
	trimWatermark     = 0.8
)

// BufferPool reuses byte buffers across repeated chunk processing to
// reduce allocation churn. A buffer is reused when its capacity is at
// least the requested size and at most twice it; the scan is linear,
// which is fine for a pool this small.
type BufferPool struct {
	mu         sync.Mutex
	buffers    [][]byte
	maxBuffers int

	reuses uint64
	allocs uint64
}

// NewBufferPool creates a pool capped at maxBuffers (20 when <= 0).
func NewBufferPool(maxBuffers int) *BufferPool {
	if maxBuffers <= 0 {
		maxBuffers = defaultMaxBuffers
	}
	return &BufferPool{maxBuffers: maxBuffers}
}

// Acquire returns a buffer of the requested length, reusing a pooled
// buffer when one of a suitable capacity is available.
func (p *BufferPool) Acquire(size int) []byte {
	if size <= 0 {
		return nil
	}

	p.mu.Lock()
	for i, buf := range p.buffers {
		c := cap(buf)
		if c >= size && c <= 2*size {
			p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
			p.reuses++
			p.mu.Unlock()
			return buf[:size]
		}
	}
	p.allocs++
	p.mu.Unlock()

	return make([]byte, size)
}

// Release returns a buffer to the pool. Buffers beyond the cap are dropped
// for the garbage collector to reclaim.
func (p *BufferPool) Release(buf []byte) {
	if cap(buf) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) >= p.maxBuffers {
		return
	}
	p.buffers = append(p.buffers, buf[:cap(buf)])
}

// Trim drops buffers until the pool is at its watermark. Called
// periodically so an idle pool does not pin memory at full capacity.
func (p *BufferPool) Trim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := int(float64(p.maxBuffers) * trimWatermark)
	if len(p.buffers) <= keep {
		return 0
	}
	dropped := len(p.buffers) - keep
	p.buffers = p.buffers[:keep]
	return dropped
}

// Clear drops every pooled buffer.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers = nil
}

// Len returns the number of pooled buffers.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Stats returns reuse and allocation counts.
func (p *BufferPool) Stats() (reuses, allocs uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reuses, p.allocs
}
