package chunkpipe

import "sync"

// BufferPool hands out reusable chunk buffers bucketed to the nearest
// power of two at or above 1 MiB, so the pipeline doesn't allocate fresh
// ~1 MiB slices per chunk under steady load. Buffers must be returned on
// every exit path, including errors, via a Handle whose Release is safe to
// call multiple times.
type BufferPool struct {
	mu      sync.Mutex
	buckets map[int]*sync.Pool
}

const minBucket = 1 << 20 // 1 MiB

// NewBufferPool creates an empty pool; buckets are created lazily per size.
func NewBufferPool() *BufferPool {
	return &BufferPool{buckets: make(map[int]*sync.Pool)}
}

func bucketSize(n int) int {
	size := minBucket
	for size < n {
		size <<= 1
	}
	return size
}

// Handle is a borrowed buffer. Buf is sized exactly to the caller's
// request; cap(Buf) may be larger (the pooled bucket size).
type Handle struct {
	pool   *BufferPool
	bucket int
	full   []byte
	Buf    []byte
}

// Get borrows a buffer of at least n bytes.
func (p *BufferPool) Get(n int) *Handle {
	bucket := bucketSize(n)

	p.mu.Lock()
	sp, ok := p.buckets[bucket]
	if !ok {
		bucketCopy := bucket
		sp = &sync.Pool{New: func() any { return make([]byte, bucketCopy) }}
		p.buckets[bucket] = sp
	}
	p.mu.Unlock()

	full := sp.Get().([]byte)
	return &Handle{pool: p, bucket: bucket, full: full, Buf: full[:n]}
}

// Release returns the buffer to its bucket. Safe to call more than once;
// only the first call has an effect.
func (h *Handle) Release() {
	if h == nil || h.full == nil {
		return
	}
	h.pool.mu.Lock()
	sp := h.pool.buckets[h.bucket]
	h.pool.mu.Unlock()
	sp.Put(h.full)
	h.full = nil
	h.Buf = nil
}
