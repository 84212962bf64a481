// Package fastmap provides a hash map for page-number keys.
// Uses fibonacci hashing for better distribution of sequential keys.
package fastmap

// Map is a hash map from uint32 to V using open addressing with linear
// probing. Deletion shifts entries back instead of leaving tombstones, so
// lookups stay short in maps that churn, like a transaction's dirty pages.
type Map[V any] struct {
	buckets []bucket[V]
	count   int
	mask    uint32
}

type bucket[V any] struct {
	key   uint32
	value V
	used  bool // key 0 is valid
}

// Fibonacci hash constant: 2^32 / golden ratio
const fibHash32 = 2654435769

func (m *Map[V]) slot(key uint32) uint32 {
	return (key * fibHash32) & m.mask
}

// find returns the bucket index holding key, or -1.
func (m *Map[V]) find(key uint32) int {
	if len(m.buckets) == 0 {
		return -1
	}
	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			return -1
		}
		if b.key == key {
			return int(idx)
		}
		idx = (idx + 1) & m.mask
	}
}

// Get returns the value for key and whether it was present.
func (m *Map[V]) Get(key uint32) (V, bool) {
	if i := m.find(key); i >= 0 {
		return m.buckets[i].value, true
	}
	var zero V
	return zero, false
}

// Has reports whether key is present.
func (m *Map[V]) Has(key uint32) bool {
	return m.find(key) >= 0
}

// Set stores a key-value pair.
func (m *Map[V]) Set(key uint32, value V) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket[V], 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.slot(key)
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

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key uint32) bool {
	i := m.find(key)
	if i < 0 {
		return false
	}
	hole := uint32(i)
	j := hole
	for {
		j = (j + 1) & m.mask
		b := &m.buckets[j]
		if !b.used {
			break
		}
		home := m.slot(b.key)
		// Entries whose home lies cyclically in (hole, j] stay put.
		if hole <= j {
			if hole < home && home <= j {
				continue
			}
		} else if hole < home || home <= j {
			continue
		}
		m.buckets[hole] = *b
		hole = j
	}
	m.buckets[hole] = bucket[V]{}
	m.count--
	return true
}

// grow doubles the table size
func (m *Map[V]) grow() {
	old := m.buckets
	m.buckets = make([]bucket[V], len(old)*2)
	m.mask = uint32(len(m.buckets) - 1)
	m.count = 0

	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].value)
		}
	}
}

// ForEach calls fn for every entry in unspecified order.
func (m *Map[V]) ForEach(fn func(uint32, V)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Keys returns all keys in unspecified order.
func (m *Map[V]) Keys() []uint32 {
	keys := make([]uint32, 0, m.count)
	for i := range m.buckets {
		if m.buckets[i].used {
			keys = append(keys, m.buckets[i].key)
		}
	}
	return keys
}

// Clear removes all entries but keeps the backing array.
func (m *Map[V]) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.count
}
