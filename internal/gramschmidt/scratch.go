package gramschmidt

import (
	"sync"
)

// ScratchAllocator hands out transient float64 buffers for the duration of
// one call. Every buffer obtained from Get must be returned with Put.
type ScratchAllocator interface {
	Get(n int) ([]float64, error)
	Put(buf []float64)
}

// ScratchPool provides pooled coefficient buffers.
// Buffers are zeroed on Get.
type ScratchPool struct {
	pool sync.Pool
}

// Pool is the process-wide scratch pool used by the default Orthonormalizer.
var Pool = &ScratchPool{}

// Get returns a zeroed buffer of length n.
func (p *ScratchPool) Get(n int) ([]float64, error) {
	if n < 0 {
		return nil, ErrResourceExhausted
	}
	if v := p.pool.Get(); v != nil {
		buf := *(v.(*[]float64))
		if cap(buf) >= n {
			buf = buf[:n]
			for i := range buf {
				buf[i] = 0
			}
			return buf, nil
		}
	}
	return make([]float64, n), nil
}

// Put returns a buffer to the pool.
func (p *ScratchPool) Put(buf []float64) {
	if buf == nil {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
