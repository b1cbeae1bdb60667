// Package wellknown renders /.well-known/core responses in CoRE Link
// Format (RFC 6690), with Uri-Query filtering and EDHOC well-known
// synthesis when that support is compiled in (RFC 9668).
package wellknown

import (
	"sort"
	"strings"
)

// Attribute is a single link-format parameter. A Value of "" renders as
// a valueless attribute (no trailing "="), e.g. ";ed-r" rather than
// ";ed-r=".
type Attribute struct {
	Key   string
	Value string
}

// Link is one registered resource as it appears in a /.well-known/core
// response.
type Link struct {
	Path  string
	Attrs []Attribute
}

// edhocPath is the fixed well-known location of the EDHOC resource (RFC
// 9668 §3.3).
const edhocPath = "/.well-known/edhoc"

// Format renders links as a CoRE Link Format document (RFC 6690 §2):
// comma-separated `<path>;attr;attr=value` entries.
func Format(links []Link) string {
	var b strings.Builder
	for i, l := range links {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('<')
		b.WriteString(l.Path)
		b.WriteByte('>')
		for _, a := range l.Attrs {
			b.WriteByte(';')
			b.WriteString(a.Key)
			if a.Value != "" {
				b.WriteByte('=')
				b.WriteString(a.Value)
			}
		}
	}
	return b.String()
}

// attr looks up the first attribute named key, if any.
func (l Link) attr(key string) (string, bool) {
	for _, a := range l.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Matches reports whether l satisfies a single Uri-Query filter term,
// e.g. "rt=sensor" (exact attribute-value match) or "ed-r" (a valueless
// attribute must be present, any value).
func (l Link) Matches(term string) bool {
	key, value, hasValue := strings.Cut(term, "=")
	got, ok := l.attr(key)
	if !ok {
		return false
	}
	if !hasValue {
		return true
	}
	return got == value
}

// Filter returns the subset of links matching every query term (Uri-Query
// options are ANDed together, per common CoRE Link Format server
// practice).
func Filter(links []Link, queries []string) []Link {
	if len(queries) == 0 {
		return links
	}
	out := links[:0:0]
	for _, l := range links {
		match := true
		for _, q := range queries {
			if !l.Matches(q) {
				match = false
				break
			}
		}
		if match {
			out = append(out, l)
		}
	}
	return out
}

// EnsureEDHOC returns links with an EDHOC advertisement appended if one
// is not already present, so that </.well-known/edhoc>;rt=core.edhoc;
// ed-r[;ed-comb-req] appears exactly once (RFC 9668 §3.3). combReq
// controls whether ed-comb-req is advertised.
func EnsureEDHOC(links []Link, combReq bool) []Link {
	for _, l := range links {
		if l.Path == edhocPath {
			return links
		}
	}
	attrs := []Attribute{{Key: "rt", Value: "core.edhoc"}, {Key: "ed-r"}}
	if combReq {
		attrs = append(attrs, Attribute{Key: "ed-comb-req"})
	}
	return append(links, Link{Path: edhocPath, Attrs: attrs})
}

// Sorted returns links ordered by path, for deterministic output; the
// registry itself makes no ordering guarantee.
func Sorted(links []Link) []Link {
	out := append([]Link(nil), links...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
