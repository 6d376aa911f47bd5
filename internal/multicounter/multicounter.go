// Package multicounter provides an integer counter keyed by an arbitrary
// comparable identifier.
//
// Updates to a key are serialized through a fixed table of lock stripes
// selected by hashing the key. Two equal keys always map to the same stripe,
// regardless of how the key value was produced.
package multicounter

import (
	"hash/maphash"
	"sync"
)

const stripeCount = 64

// Counter is a thread-safe map of counters. Entries are pruned when they
// return to zero. The zero value is not usable; call New.
type Counter[K comparable] struct {
	seed    maphash.Seed
	stripes [stripeCount]sync.Mutex

	mu     sync.RWMutex
	values map[K]int64
}

// New returns an empty Counter.
func New[K comparable]() *Counter[K] {
	return &Counter[K]{
		seed:   maphash.MakeSeed(),
		values: make(map[K]int64),
	}
}

// IncrementAndGet adds one to k and returns the new value.
// An absent key becomes 1.
func (c *Counter[K]) IncrementAndGet(k K) int64 {
	return c.AddAndGet(k, 1)
}

// DecrementAndGet subtracts one from k and returns the new value.
// An absent key becomes -1, which records an arrival that preceded its
// expectation.
func (c *Counter[K]) DecrementAndGet(k K) int64 {
	return c.AddAndGet(k, -1)
}

// AddAndGet adds delta to k and returns the new value. A result of zero
// removes k.
func (c *Counter[K]) AddAndGet(k K, delta int64) int64 {
	stripe := c.stripe(k)
	stripe.Lock()
	defer stripe.Unlock()

	c.mu.RLock()
	current := c.values[k]
	c.mu.RUnlock()

	next := current + delta

	c.mu.Lock()
	if next == 0 {
		delete(c.values, k)
	} else {
		c.values[k] = next
	}
	c.mu.Unlock()
	return next
}

// Get returns the value of k, or 0 when k is absent.
func (c *Counter[K]) Get(k K) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[k]
}

// Keys returns a snapshot of the keys currently holding a non-zero value.
func (c *Counter[K]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of every non-zero entry.
func (c *Counter[K]) Snapshot() map[K]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[K]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Len returns the number of non-zero entries.
func (c *Counter[K]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

func (c *Counter[K]) stripe(k K) *sync.Mutex {
	return &c.stripes[maphash.Comparable(c.seed, k)%stripeCount]
}
