package store

import "sync"

// Volatile is an in-memory Store. It empties when the process dies, which
// is not a weakness but the point: its absence after a boot is the restart
// signal.
type Volatile struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewVolatile creates an empty volatile namespace.
func NewVolatile() *Volatile {
	return &Volatile{values: make(map[string][]byte)}
}

// Get returns the stored values for the keys that exist.
func (v *Volatile) Get(keys []string) (map[string][]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string][]byte)
	for _, k := range keys {
		if val, ok := v.values[k]; ok {
			cp := make([]byte, len(val))
			copy(cp, val)
			out[k] = cp
		}
	}
	return out, nil
}

// Set stores the given values.
func (v *Volatile) Set(values map[string][]byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for k, val := range values {
		cp := make([]byte, len(val))
		copy(cp, val)
		v.values[k] = cp
	}
	return nil
}

// Remove deletes the given keys.
func (v *Volatile) Remove(keys []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, k := range keys {
		delete(v.values, k)
	}
	return nil
}

// Keys lists every stored key.
func (v *Volatile) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys, nil
}
