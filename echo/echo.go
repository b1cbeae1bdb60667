// Package echo implements the server-side freshness challenge of RFC
// 9175 §2: a pseudorandom Echo value handed to a peer on an unsafe
// request, and a bounded, LRU-evicted cache used to verify that a
// retried request actually echoed it back within the configured
// freshness window. The cache structure mirrors the fixed-capacity,
// oldest-wins eviction used by the coap package's Dedup cache.
package echo

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/meshlink/coapcore"
)

// Generator produces pseudorandom Echo challenge values of a fixed
// length (RFC 9175 §2: 1..40 octets; 8 is the common default).
type Generator struct {
	length int
}

// NewGenerator creates a Generator producing values of length octets.
// length is clamped to the valid 1..40 range.
func NewGenerator(length int) *Generator {
	if length < 1 {
		length = 1
	}
	if length > 40 {
		length = 40
	}
	return &Generator{length: length}
}

// Next draws a fresh pseudorandom challenge value.
func (g *Generator) Next() ([]byte, error) {
	v := make([]byte, g.length)
	if _, err := rand.Read(v); err != nil {
		return nil, &coap.Error{Kind: coap.KindBadInput, Reason: "reading random Echo value", Err: err}
	}
	return v, nil
}

// ValidateLen rejects an Echo option value whose length falls outside
// RFC 9175 §2's 1..40 octet bound.
func ValidateLen(value []byte) error {
	if len(value) < 1 || len(value) > 40 {
		return &coap.Error{Kind: coap.KindBadInput, Reason: "Echo option length out of range 1..40"}
	}
	return nil
}

type entry struct {
	peer     coap.Peer
	value    string
	verified time.Time
	used     bool
}

// Cache is the server-side freshness cache keyed by (peer, value): a
// fixed-capacity table with oldest-wins eviction, matching the shape of
// the coap package's Dedup cache.
type Cache struct {
	mu       sync.Mutex
	entries  []entry
	lifetime time.Duration
}

// NewCache creates an Echo cache bounded to capacity entries, each
// considered fresh for lifetime after being recorded.
func NewCache(capacity int, lifetime time.Duration) *Cache {
	return &Cache{entries: make([]entry, capacity), lifetime: lifetime}
}

// Challenge issues a new Echo value for peer and records it as pending
// verification (not yet confirmed fresh) as of now. The caller sends
// this value back to the peer in a 4.01 Unauthorized response.
func (c *Cache) Challenge(peer coap.Peer, value []byte, now time.Time) {
	c.record(peer, value, now)
}

// record inserts or refreshes the (peer, value) entry, evicting the
// oldest entry when the table is full.
func (c *Cache) record(peer coap.Peer, value []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(value)
	for i := range c.entries {
		if c.entries[i].used && c.entries[i].peer == peer && c.entries[i].value == key {
			c.entries[i].verified = now
			return
		}
	}
	oldest := -1
	for i := range c.entries {
		if !c.entries[i].used {
			oldest = i
			break
		}
		if oldest == -1 || c.entries[i].verified.Before(c.entries[oldest].verified) {
			oldest = i
		}
	}
	if oldest == -1 {
		return
	}
	c.entries[oldest] = entry{peer: peer, value: key, verified: now, used: true}
}

// Verify reports whether peer has echoed back value within the
// freshness window as of now. A successful verification refreshes the
// entry's timestamp, so a subsequent identical verify within the window
// also succeeds; once now is past the
// recorded timestamp plus the lifetime, verification fails and the
// caller must issue a fresh challenge.
func (c *Cache) Verify(peer coap.Peer, value []byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(value)
	for i := range c.entries {
		if !c.entries[i].used || c.entries[i].peer != peer || c.entries[i].value != key {
			continue
		}
		if now.Sub(c.entries[i].verified) > c.lifetime {
			return false
		}
		c.entries[i].verified = now
		return true
	}
	return false
}

// Forget removes any cached entry for (peer, value), used when a peer
// is known to have rekeyed or reset and its prior Echo state is no
// longer meaningful.
func (c *Cache) Forget(peer coap.Peer, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(value)
	for i := range c.entries {
		if c.entries[i].used && c.entries[i].peer == peer && c.entries[i].value == key {
			c.entries[i] = entry{}
			return
		}
	}
}

// RequiresFreshness reports whether method is one of the unsafe methods
// (RFC 9175 §2) for which a server may demand an Echo challenge:
// POST, PUT, DELETE, PATCH, iPATCH.
func RequiresFreshness(code coap.Code) bool {
	switch code {
	case coap.POST, coap.PUT, coap.DELETE, coap.PATCH, coap.IPATCH:
		return true
	default:
		return false
	}
}

// ChallengeResponseType mirrors the request's message type into the
// 4.01 Unauthorized challenge response: CON requests get ACK, NON
// requests get NON.
func ChallengeResponseType(requestType coap.Type) coap.Type {
	if requestType == coap.Confirmable {
		return coap.Acknowledgement
	}
	return coap.NonConfirmable
}
