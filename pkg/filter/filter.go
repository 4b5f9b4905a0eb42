// Package filter builds and parses the small subset of LDAP-style search
// filters (RFC 4515) which the index understands for range scans, e.g.:
//
//	(&(_key>=/poseidon/stor/manta_gc/mako/1.stor)(_key<=/poseidon/stor/manta_gc/mako/3.stor/~~~))
//
// Only conjunction, equality and the two ordering comparisons are supported.
// Values are compared as strings, lexicographically.
package filter

import (
	"fmt"
	"strings"
)

// Filter is a parsed search filter.
type Filter interface {
	// String renders the filter in its wire form. Parse(f.String()) must
	// return an equivalent filter.
	String() string

	// Matches returns true if the given attributes satisfy the filter. A
	// missing attribute never matches a comparison.
	Matches(attrs map[string]string) bool
}

// And matches when every sub-filter matches. An empty And matches anything.
type And []Filter

func (a And) String() string {
	var sb strings.Builder
	sb.WriteString("(&")
	for _, f := range a {
		sb.WriteString(f.String())
	}
	sb.WriteString(")")
	return sb.String()
}

func (a And) Matches(attrs map[string]string) bool {
	for _, f := range a {
		if !f.Matches(attrs) {
			return false
		}
	}
	return true
}

// Equal matches when the attribute is exactly Value.
type Equal struct {
	Attribute string
	Value     string
}

func (e Equal) String() string {
	return fmt.Sprintf("(%s=%s)", e.Attribute, Escape(e.Value))
}

func (e Equal) Matches(attrs map[string]string) bool {
	v, ok := attrs[e.Attribute]
	return ok && v == e.Value
}

// GreaterOrEqual matches when the attribute sorts at or after Value.
type GreaterOrEqual struct {
	Attribute string
	Value     string
}

func (g GreaterOrEqual) String() string {
	return fmt.Sprintf("(%s>=%s)", g.Attribute, Escape(g.Value))
}

func (g GreaterOrEqual) Matches(attrs map[string]string) bool {
	v, ok := attrs[g.Attribute]
	return ok && v >= g.Value
}

// LessOrEqual matches when the attribute sorts at or before Value.
type LessOrEqual struct {
	Attribute string
	Value     string
}

func (l LessOrEqual) String() string {
	return fmt.Sprintf("(%s<=%s)", l.Attribute, Escape(l.Value))
}

func (l LessOrEqual) Matches(attrs map[string]string) bool {
	v, ok := attrs[l.Attribute]
	return ok && v <= l.Value
}

// Between returns the filter selecting attr in [lo, hi], inclusive at both
// ends.
func Between(attr, lo, hi string) And {
	return And{
		GreaterOrEqual{Attribute: attr, Value: lo},
		LessOrEqual{Attribute: attr, Value: hi},
	}
}
