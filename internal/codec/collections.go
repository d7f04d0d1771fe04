package codec

import "reflect"

// Set is an insertion-ordered collection of unique values. It mirrors the
// set shape peers put on the wire, where element order is preserved.
type Set struct {
	values []any
}

// NewSet creates a set seeded with the given values.
func NewSet(values ...any) *Set {
	s := &Set{}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts a value if an equal one is not already present.
func (s *Set) Add(v any) {
	if !s.Has(v) {
		s.values = append(s.values, v)
	}
}

// Has reports whether an equal value is present.
func (s *Set) Has(v any) bool {
	for _, existing := range s.values {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

// Values returns the members in insertion order.
func (s *Set) Values() []any {
	return s.values
}

// Len returns the member count.
func (s *Set) Len() int {
	return len(s.values)
}

// Map is an insertion-ordered map whose keys may be any value, matching the
// map shape peers put on the wire. Native Go maps with string keys travel as
// plain objects; this type exists for everything else.
type Map struct {
	entries [][2]any
}

// NewMap creates an empty ordered map.
func NewMap() *Map {
	return &Map{}
}

// Set inserts or replaces the value for an equal key.
func (m *Map) Set(key, value any) {
	for i, e := range m.entries {
		if reflect.DeepEqual(e[0], key) {
			m.entries[i][1] = value
			return
		}
	}
	m.entries = append(m.entries, [2]any{key, value})
}

// Get returns the value for an equal key.
func (m *Map) Get(key any) (any, bool) {
	for _, e := range m.entries {
		if reflect.DeepEqual(e[0], key) {
			return e[1], true
		}
	}
	return nil, false
}

// Entries returns key/value pairs in insertion order.
func (m *Map) Entries() [][2]any {
	return m.entries
}

// Len returns the entry count.
func (m *Map) Len() int {
	return len(m.entries)
}
