package tensor

import (
	"math/bits"
	"sync"
)

const maxBuckets = 48

// Pool hands out float32 buffers grouped in power-of-two capacity buckets.
// It is safe for concurrent use.
type Pool struct {
	buckets [maxBuckets]sync.Pool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

var defaultPool = NewPool()

// DefaultPool returns the process-wide pool used by New, Like and From.
func DefaultPool() *Pool {
	return defaultPool
}

func bucketFor(n int) int {
	return bits.Len(uint(n - 1))
}

// bucketBytes is the size in bytes of a bucket b buffer.
func bucketBytes(b int) int {
	return 4 << b
}

// Get returns a buffer of length n. The contents are stale unless zero is set.
func (p *Pool) Get(n int, zero bool) []float32 {
	b := bucketFor(n)
	poolOutstandingBytes.Add(float64(bucketBytes(b)))
	if v := p.buckets[b].Get(); v != nil {
		poolHits.Inc()
		buf := (*v.(*[]float32))[:n]
		if zero {
			clear(buf)
		}
		return buf
	}
	poolMisses.Inc()
	return make([]float32, n, 1<<b)
}

// Put returns a buffer obtained from Get. Buffers with a foreign capacity are dropped.
func (p *Pool) Put(buf []float32) {
	c := cap(buf)
	if c == 0 {
		return
	}
	b := bucketFor(c)
	if 1<<b != c {
		return
	}
	poolOutstandingBytes.Sub(float64(bucketBytes(b)))
	buf = buf[:c]
	p.buckets[b].Put(&buf)
}
