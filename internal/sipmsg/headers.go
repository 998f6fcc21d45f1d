package sipmsg

import "strings"

// Header is one name/value pair as it should be emitted on the wire. Name
// preserves the case it was set or parsed with; lookups are
// case-insensitive per RFC 3261 §7.3.1.
type Header struct {
	Name  string
	Value string
}

// Headers is a case-preserving, case-insensitive-lookup ordered header
// map. Multiple headers of the same name are distinct entries in
// insertion order; Get returns the first.
type Headers struct {
	entries []Header
	index   map[string][]int // lowercased name -> indices into entries
}

// NewHeaders returns an empty header map.
func NewHeaders() *Headers {
	return &Headers{index: make(map[string][]int)}
}

func key(name string) string {
	return strings.ToLower(name)
}

// Add appends a header, preserving any existing header of the same name
// (used when parsing a message that legitimately repeats a header, e.g.
// multiple Via lines).
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, Header{Name: name, Value: value})
	k := key(name)
	h.index[k] = append(h.index[k], len(h.entries)-1)
}

// Set replaces all existing headers of this name with a single entry. If
// none existed, it behaves like Add.
func (h *Headers) Set(name, value string) {
	k := key(name)
	if idxs, ok := h.index[k]; ok && len(idxs) > 0 {
		h.entries[idxs[0]] = Header{Name: name, Value: value}
		if len(idxs) > 1 {
			// Drop the rest; Set collapses to exactly one value.
			for _, i := range idxs[1:] {
				h.entries[i].Name = ""
			}
			h.index[k] = idxs[:1]
			h.compact()
		}
		return
	}
	h.Add(name, value)
}

// compact removes tombstoned entries (Name == "") left behind by Set
// collapsing duplicates, and rebuilds the index.
func (h *Headers) compact() {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Name != "" {
			kept = append(kept, e)
		}
	}
	h.entries = kept
	h.index = make(map[string][]int)
	for i, e := range h.entries {
		k := key(e.Name)
		h.index[k] = append(h.index[k], i)
	}
}

// Get returns the first header value matching name (case-insensitive),
// and whether one was found.
func (h *Headers) Get(name string) (string, bool) {
	idxs, ok := h.index[key(name)]
	if !ok || len(idxs) == 0 {
		return "", false
	}
	return h.entries[idxs[0]].Value, true
}

// Value is a convenience wrapper over Get that returns "" when absent.
func (h *Headers) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

// All returns every value stored under name, in insertion order.
func (h *Headers) All(name string) []string {
	idxs := h.index[key(name)]
	vals := make([]string, len(idxs))
	for i, idx := range idxs {
		vals[i] = h.entries[idx].Value
	}
	return vals
}

// Has reports whether a header with this name is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Remove deletes every header matching name.
func (h *Headers) Remove(name string) {
	k := key(name)
	if _, ok := h.index[k]; !ok {
		return
	}
	for _, i := range h.index[k] {
		h.entries[i].Name = ""
	}
	h.compact()
}

// Entries returns the headers in wire order.
func (h *Headers) Entries() []Header {
	return h.entries
}

// Equal compares two header sets ignoring name case and order, but not
// value content or repeat count — used by the codec round-trip property
// test.
func (h *Headers) Equal(other *Headers) bool {
	if len(h.entries) != len(other.entries) {
		return false
	}
	toMap := func(hs *Headers) map[string][]string {
		m := make(map[string][]string)
		for _, e := range hs.entries {
			k := key(e.Name)
			m[k] = append(m[k], e.Value)
		}
		return m
	}
	a, b := toMap(h), toMap(other)
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
