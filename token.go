package coap

import (
	"crypto/rand"
	"encoding/binary"

	"go.uber.org/atomic"
)

// TokenGenerator produces non-recyclable tokens (and, via the same
// sequence, Request-Tag values per RFC 9175 §4.2): a 32-bit per-session
// random prefix concatenated with a monotonic 32-bit counter starting
// at zero. Neither prefix nor counter are reused across calls within a
// session; Rekey draws a fresh prefix and resets the counter, the only
// operation that starts a new "session" for uniqueness purposes.
type TokenGenerator struct {
	prefix  atomic.Uint32
	counter atomic.Uint32
}

// NewTokenGenerator creates a generator seeded with a fresh random
// prefix.
func NewTokenGenerator() *TokenGenerator {
	g := &TokenGenerator{}
	g.Rekey()
	return g
}

// Reset reseeds the generator with the given prefix and resets the
// counter to zero, without drawing new randomness. Exposed mainly for
// deterministic tests.
func (g *TokenGenerator) Reset(prefix uint32) {
	g.prefix.Store(prefix)
	g.counter.Store(0)
}

// Rekey draws a fresh random 32-bit prefix and resets the counter to
// zero.
func (g *TokenGenerator) Rekey() {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable for a
		// freshness-sensitive generator; fall back to a non-zero
		// constant rather than silently reusing prefix 0 forever.
		binary.BigEndian.PutUint32(b[:], 0x5a5a5a5a)
	}
	g.prefix.Store(binary.BigEndian.Uint32(b[:]))
	g.counter.Store(0)
}

// Next returns the next 8-octet token: big-endian prefix || big-endian
// counter, after atomically incrementing the counter. Never recycles a
// value within a session.
func (g *TokenGenerator) Next() Token {
	seq := g.counter.Inc() - 1
	out := make(Token, 8)
	binary.BigEndian.PutUint32(out[0:4], g.prefix.Load())
	binary.BigEndian.PutUint32(out[4:8], seq)
	return out
}

// NextRequestTag returns the next Request-Tag value (RFC 9175 §4.2):
// the same generator, the same guarantee of never repeating within a
// session.
func (g *TokenGenerator) NextRequestTag() []byte {
	return []byte(g.Next())
}
