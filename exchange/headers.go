package exchange

import (
	"maps"
	"slices"
	"strings"
)

// Headers is the protocol header bag: header name to one or more values.
// Names are kept exactly as received; lookups are exact.
type Headers map[string][]string

// Get returns the first value for name.
func (h Headers) Get(name string) string {
	if v := h[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set replaces the values for name.
func (h Headers) Set(name string, values ...string) {
	h[name] = values
}

// Add appends a value for name.
func (h Headers) Add(name, value string) {
	h[name] = append(h[name], value)
}

// Del removes name.
func (h Headers) Del(name string) { delete(h, name) }

// Joined returns all values for name joined with sep.
func (h Headers) Joined(name, sep string) string {
	return strings.Join(h[name], sep)
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	c := make(Headers, len(h))
	for k, v := range h {
		c[k] = slices.Clone(v)
	}
	return c
}

// Names returns the header names in sorted order.
func (h Headers) Names() []string {
	return slices.Sorted(maps.Keys(h))
}
