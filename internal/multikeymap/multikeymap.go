// Package multikeymap provides a registry that maps a set of keys to a
// single value, where the whole record can be removed through any one of
// its keys. The connection layer uses it to track open channels by every
// identity that can outlive them, so cleanup works from either direction
// of failure.
package multikeymap

// Map associates a set of keys of type K with one value of type V.
// Records live in an arena keyed by a synthetic id; a side index maps
// each external key to its owning record. Map is not safe for concurrent
// use; callers are expected to confine it to a single goroutine.
type Map[K comparable, V any] struct {
	records map[uint64]record[K, V]
	index   map[K]uint64
	nextID  uint64
}

type record[K comparable, V any] struct {
	keys  []K
	value V
}

// New creates an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		records: make(map[uint64]record[K, V]),
		index:   make(map[K]uint64),
	}
}

// Put registers value under every key in keys as one record. keys must be
// non-empty and none of them may already be present; violating either is a
// caller contract error and panics.
func (m *Map[K, V]) Put(keys []K, value V) {
	if len(keys) == 0 {
		panic("multikeymap: Put with no keys")
	}
	for _, k := range keys {
		if _, exists := m.index[k]; exists {
			panic("multikeymap: Put with duplicate key")
		}
	}

	id := m.nextID
	m.nextID++

	stored := make([]K, len(keys))
	copy(stored, keys)
	m.records[id] = record[K, V]{keys: stored, value: value}
	for _, k := range stored {
		m.index[k] = id
	}
}

// Pop removes the record owning key, whichever of its keys is given, and
// returns its value. All of the record's keys are dropped from the index
// in the same step. An unknown key returns the zero value and false,
// leaving the map unchanged.
func (m *Map[K, V]) Pop(key K) (V, bool) {
	id, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}

	rec := m.records[id]
	for _, k := range rec.keys {
		delete(m.index, k)
	}
	delete(m.records, id)

	return rec.value, true
}

// Len returns the number of records currently registered.
func (m *Map[K, V]) Len() int {
	return len(m.records)
}
