// Package observe implements the Observe engine (RFC 7641): a
// per-resource 24-bit age counter and observer list, and the modular
// comparison used to order notifications. The engine never dispatches
// to handlers; it only tracks state.
package observe

import (
	"sync"

	"github.com/meshlink/coapcore"
)

// MaxAge and FirstAge bound the 24-bit modular age counter (RFC 7641
// §4.2): age rolls over from MaxAge back to FirstAge, skipping 0 and 1
// which are reserved.
const (
	MaxAge   = 1<<24 - 1
	FirstAge = 2

	wrapThreshold = 1 << 23
)

// AgeIsNewer implements the RFC 7641 modular comparison: b is newer
// than a iff (a < b and b-a < 2^23) or (a > b and a-b > 2^23).
func AgeIsNewer(a, b uint32) bool {
	if a < b {
		return b-a < wrapThreshold
	}
	if a > b {
		return a-b > wrapThreshold
	}
	return false
}

// nextAge advances a 24-bit age counter, skipping 0 and 1 on rollover;
// it never returns 0 or 1.
func nextAge(a uint32) uint32 {
	if a >= MaxAge || a < FirstAge {
		return FirstAge
	}
	return a + 1
}

// Observer is a single registered subscription to a Resource: a peer
// address and the token the client used to register.
type Observer struct {
	Peer  coap.Peer
	Token coap.Token
}

// Resource is a path with an Observe age counter and observer list.
// Resources are statically
// registered and live for the process lifetime; registration and
// notification are serialized by the embedded mutex.
type Resource struct {
	Path string

	mu        sync.Mutex
	age       uint32
	observers []Observer
}

// NewResource creates a Resource whose age counter starts at FirstAge.
func NewResource(path string) *Resource {
	return &Resource{Path: path, age: FirstAge}
}

// Age returns the resource's current age counter.
func (r *Resource) Age() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.age
}

// Register adds an observer for (peer, token), following RFC 7641 §4.1:
// if an entry for the same (peer, token) already exists, it is not
// duplicated but left in place (reinforcing interest, not adding a
// second entry). Returns false if the table is full.
func (r *Resource) Register(maxObservers int, peer coap.Peer, token coap.Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.observers {
		if o.Peer == peer && o.Token.Equal(token) {
			return true
		}
	}
	if len(r.observers) >= maxObservers {
		return false
	}
	r.observers = append(r.observers, Observer{Peer: peer, Token: token})
	return true
}

// Deregister removes the observer matching (peer, token), if any. This
// is invoked on an explicit Observe=1 request, on an RST in reply to a
// notification (via the pending table, outside this package), or when
// the resource is unregistered.
func (r *Resource) Deregister(peer coap.Peer, token coap.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.observers[:0:0]
	for _, o := range r.observers {
		if !(o.Peer == peer && o.Token.Equal(token)) {
			out = append(out, o)
		}
	}
	r.observers = out
}

// Observers returns a snapshot of the current observer list.
func (r *Resource) Observers() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Observer(nil), r.observers...)
}

// Notify bumps the resource's age and invokes fn once per currently
// registered observer with the new age, serialized under the resource's
// mutex so that notifications from this resource are emitted in age
// order; interleaving across resources carries no guarantee. fn is
// responsible for actually constructing and
// sending the notification message; this engine only tracks state.
func (r *Resource) Notify(fn func(o Observer, age uint32)) {
	r.mu.Lock()
	r.age = nextAge(r.age)
	age := r.age
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	for _, o := range observers {
		fn(o, age)
	}
}

// Teardown clears every observer, as happens when the resource is
// unregistered.
func (r *Resource) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = nil
}
