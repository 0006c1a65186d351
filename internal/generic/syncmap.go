package generic

import "sync"

// SyncMap is a generic wrapper around sync.Map that allows you to specify the
// key and value types to avoid type assertions and casting.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Delete deletes the value for a key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// Load returns the value stored in the map for a key, or the zero value if
// no value is present. The ok result indicates whether value was found.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	if v, ok := m.m.Load(key); ok {
		return v.(V), true
	}

	var zero V

	return zero, false
}

// LoadOrStore returns the existing value for the key if present. Otherwise, it
// stores and returns the given value. The loaded result is true if the value was
// loaded, false if stored.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	if v, loaded := m.m.LoadOrStore(key, value); loaded {
		return v.(V), true
	}

	return value, false
}
