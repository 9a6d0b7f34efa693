package cache

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BasisCache caches orthonormal bases keyed by their input.
type BasisCache interface {
	// Get retrieves a basis from the cache.
	Get(key uint64) ([]float64, bool)
	// Put stores a basis in the cache.
	Put(key uint64, basis []float64)
	// Size returns the number of items in the cache.
	Size() int
}

// Key hashes everything that determines the kernel's output: the shape,
// the degeneracy threshold and the raw input vectors.
func Key(dim, num int, epsilon float64, vecs []float64) uint64 {
	d := xxhash.New()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(dim))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(num))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(epsilon))
	_, _ = d.Write(buf[:])
	for _, v := range vecs {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// MapCache is a simple in-memory implementation of BasisCache.
// When maxEntries is positive the oldest entry is evicted first.
type MapCache struct {
	data       map[uint64][]float64
	order      []uint64
	maxEntries int
	mu         sync.RWMutex
}

func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[uint64][]float64),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key uint64) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		dst := make([]float64, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key uint64, basis []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		c.order = append(c.order, key)
	}

	// Store copy
	dst := make([]float64, len(basis))
	copy(dst, basis)
	c.data[key] = dst

	for c.maxEntries > 0 && len(c.order) > c.maxEntries {
		delete(c.data, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
