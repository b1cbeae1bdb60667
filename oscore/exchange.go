package oscore

import (
	"sync"
	"time"

	"github.com/meshlink/coapcore"
)

// Exchange is the request-side state kept so an OSCORE-protected
// response can be built using the same security-context material as the
// request that prompted it (RFC 8613 §8.3).
type Exchange struct {
	Peer      coap.Peer
	Token     coap.Token
	IsObserve bool
	recorded  time.Time
	used      bool
}

// ExchangeCache is a bounded, LRU-evicted table of Exchange entries
// keyed by (peer, token), following the same fixed-array shape as the
// coap package's Dedup cache. Non-Observe entries are meant to be
// removed by the caller once the response has been dispatched; Observe
// entries persist until the caller explicitly cancels them.
type ExchangeCache struct {
	mu       sync.Mutex
	entries  []Exchange
	lifetime time.Duration
}

// NewExchangeCache creates a cache bounded to capacity entries, each
// expiring after lifetime if never renewed.
func NewExchangeCache(capacity int, lifetime time.Duration) *ExchangeCache {
	return &ExchangeCache{entries: make([]Exchange, capacity), lifetime: lifetime}
}

// Put records or refreshes an exchange entry, evicting the oldest used
// (and not is_observe) slot when the table is full. An is_observe entry
// is never chosen for eviction by Put; the caller must Cancel it
// explicitly.
func (c *ExchangeCache) Put(peer coap.Peer, token coap.Token, isObserve bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)

	for i := range c.entries {
		if c.entries[i].used && c.entries[i].Peer == peer && c.entries[i].Token.Equal(token) {
			c.entries[i].IsObserve = isObserve
			c.entries[i].recorded = now
			return
		}
	}

	slot := -1
	for i := range c.entries {
		if !c.entries[i].used {
			slot = i
			break
		}
	}
	if slot == -1 {
		oldest := -1
		for i := range c.entries {
			if c.entries[i].IsObserve {
				continue
			}
			if oldest == -1 || c.entries[i].recorded.Before(c.entries[oldest].recorded) {
				oldest = i
			}
		}
		slot = oldest
	}
	if slot == -1 {
		return
	}
	c.entries[slot] = Exchange{Peer: peer, Token: append(coap.Token(nil), token...), IsObserve: isObserve, recorded: now, used: true}
}

// expireLocked clears entries whose lifetime has elapsed, except
// is_observe entries, which persist until explicitly cancelled. Must
// be called with mu held.
func (c *ExchangeCache) expireLocked(now time.Time) {
	for i := range c.entries {
		if c.entries[i].used && !c.entries[i].IsObserve && now.Sub(c.entries[i].recorded) > c.lifetime {
			c.entries[i] = Exchange{}
		}
	}
}

// Find looks up the exchange for (peer, token), clearing any expired
// entries it encounters along the way.
func (c *ExchangeCache) Find(peer coap.Peer, token coap.Token, now time.Time) (Exchange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	for i := range c.entries {
		if c.entries[i].used && c.entries[i].Peer == peer && c.entries[i].Token.Equal(token) {
			return c.entries[i], true
		}
	}
	return Exchange{}, false
}

// Remove deletes the entry for (peer, token), as happens after a
// non-Observe response has been dispatched.
func (c *ExchangeCache) Remove(peer coap.Peer, token coap.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].used && c.entries[i].Peer == peer && c.entries[i].Token.Equal(token) {
			c.entries[i] = Exchange{}
			return
		}
	}
}
