// Package service implements request routing and the client-side
// outstanding-request table: the glue that wires the codec, matching,
// reliability, block, observe, echo and OSCORE pieces behind a single
// request dispatch surface and a single "send and wait" client surface.
package service

import (
	"strings"

	"github.com/meshlink/coapcore"
)

// Handler processes a request for a registered resource and produces a
// response. Handlers run outside the service mutex; they may block on
// send but must not re-enter the service.
type Handler func(req *coap.Message, peer coap.Peer) (*coap.Message, error)

// route is one registered resource: a path pattern, optionally ending
// in a "*" wildcard segment that matches any remaining segments, and
// its handler.
type route struct {
	segments []string
	wildcard bool
	handler  Handler
}

// Router dispatches inbound requests to registered resources using
// longest-match path comparison; a registered path ending in "*"
// matches any remaining segments beyond the fixed prefix.
type Router struct {
	routes []route
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Register adds a resource handler for path, e.g. "/sensors/temp" or a
// wildcard prefix "/sensors/*".
func (r *Router) Register(path string, h Handler) {
	segs := splitPath(path)
	wildcard := false
	if n := len(segs); n > 0 && segs[n-1] == "*" {
		wildcard = true
		segs = segs[:n-1]
	}
	r.routes = append(r.routes, route{segments: segs, wildcard: wildcard, handler: h})
}

// match reports whether reqSegs matches rt at all and the number of
// matched segments. A non-wildcard route only matches on exact length;
// a wildcard route matches any request whose segments have rt's fixed
// segments as a prefix.
func (rt route) match(reqSegs []string) (matched bool, length int) {
	if len(reqSegs) < len(rt.segments) {
		return false, 0
	}
	for i, seg := range rt.segments {
		if reqSegs[i] != seg {
			return false, 0
		}
	}
	if !rt.wildcard && len(reqSegs) != len(rt.segments) {
		return false, 0
	}
	return true, len(rt.segments)
}

// Resolve finds the handler for path using longest-match comparison:
// among all routes whose segments are a prefix of path (exact match for
// non-wildcard routes), the one with the most matched segments wins.
func (r *Router) Resolve(path string) (Handler, bool) {
	reqSegs := splitPath(path)
	var best Handler
	bestLen := -1
	found := false
	for _, rt := range r.routes {
		matched, length := rt.match(reqSegs)
		if !matched {
			continue
		}
		if length > bestLen {
			bestLen = length
			best = rt.handler
			found = true
		}
	}
	return best, found
}
