// Package metadata holds the header names meshflow puts on the wire and the
// helpers that carry them between messages and contexts.
package metadata

// Metadata represents the headers carried alongside an event or task.
type Metadata map[string]string

// Clone returns a shallow copy; the result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Merge returns a copy with entries layered on top.
func (m Metadata) Merge(entries Metadata) Metadata {
	cloned := m.Clone()
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get tolerates a nil receiver.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
