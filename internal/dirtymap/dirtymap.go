// Package dirtymap provides a fast hash map keyed by 64-bit page number,
// used by a write transaction to track pages it has copied-on-write.
package dirtymap

import "unsafe"

// Map is an open-addressed hash map from a 64-bit page number to an
// unsafe.Pointer (a *page, in practice). Fibonacci hashing keeps
// sequential page numbers, the common case during a bulk insert, well
// distributed across buckets.
type Map struct {
	buckets []bucket
	count   int
	mask    uint64
}

type bucket struct {
	key   uint64
	value unsafe.Pointer
	used  bool
}

// fibHash64 is 2^64 divided by the golden ratio, rounded to the nearest
// odd integer.
const fibHash64 = 11400714819323198485

func (m *Map) hash(key uint64) uint64 { return key * fibHash64 }

// Get returns the value stored for key, or nil if key is absent.
func (m *Map) Get(key uint64) unsafe.Pointer {
	if len(m.buckets) == 0 {
		return nil
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return nil
		}
		if b.key == key {
			return b.value
		}
		idx = (idx + 1) & m.mask
	}
}

// Set stores value under key, overwriting any previous value.
func (m *Map) Set(key uint64, value unsafe.Pointer) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket, 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

func (m *Map) grow() {
	old := m.buckets
	m.buckets = make([]bucket, len(old)*2)
	m.mask = uint64(len(m.buckets) - 1)
	m.count = 0
	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].value)
		}
	}
}

// ForEach calls fn once per stored key-value pair, in no particular order.
func (m *Map) ForEach(fn func(key uint64, value unsafe.Pointer)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Clear empties the map, keeping the backing array for reuse across
// transactions.
func (m *Map) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of stored entries.
func (m *Map) Len() int { return m.count }
