package oscore

import (
	"sync"

	"github.com/meshlink/coapcore"
)

// maxSenderSeq is the largest Partial IV expressible in the 5-octet
// field of the OSCORE option (RFC 8613 §7.2.1); a sender context that
// reaches it is exhausted and must be rekeyed out of band.
const maxSenderSeq = 1<<40 - 1

// Context is the security-context state this package needs from an
// OSCORE context (RFC 8613 §3.1). The cryptographic material is
// carried opaquely for the external Verifier's benefit; the core only
// reads the identifiers, drives the sender sequence number, and
// maintains the recipient replay window. The sequence number and
// replay window must be persisted across reboots by an external
// collaborator; the accessors below exist for exactly that.
type Context struct {
	SenderID    []byte
	RecipientID []byte
	KIDContext  []byte

	MasterSecret []byte
	MasterSalt   []byte

	// AlgAEAD/AlgHKDF are COSE algorithm identifiers, bound at context
	// derivation and opaque to this package.
	AlgAEAD int
	AlgHKDF int

	mu        sync.Mutex
	senderSeq uint64
	window    ReplayWindow
}

// NextSenderSeq hands out the next sender sequence number (the Partial
// IV of the next protected message) and advances the counter. A value
// is never handed out twice; once the 40-bit Partial IV space is
// exhausted every further call fails and the context must be rekeyed.
func (c *Context) NextSenderSeq() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.senderSeq > maxSenderSeq {
		return 0, &coap.Error{Kind: coap.KindNoMemory, Reason: "OSCORE sender sequence space exhausted"}
	}
	seq := c.senderSeq
	c.senderSeq++
	return seq, nil
}

// SenderSeq returns the next sequence number that NextSenderSeq would
// hand out, for persistence.
func (c *Context) SenderSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderSeq
}

// RestoreSenderSeq sets the sequence counter, as done when reloading a
// persisted context after reboot. Callers restoring from storage that
// may lag the last value actually used should add a safety margin
// before calling this (RFC 8613 appendix B.1.1).
func (c *Context) RestoreSenderSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senderSeq = seq
}

// ReceiveSeq runs the recipient replay check for an inbound Partial IV
// and, if it passes, marks the value as seen. A rejected value leaves
// the window untouched and returns a *VerifyError with FailureReplay,
// ready for the ResponseCode error mapping.
func (c *Context) ReceiveSeq(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.window.Check(seq) {
		return &VerifyError{Failure: FailureReplay, Reason: "partial IV outside replay window or already seen"}
	}
	c.window.Accept(seq)
	return nil
}

// WindowState returns the replay window's persistable state.
func (c *Context) WindowState() (highest uint64, bitmap uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.highest, c.window.bitmap
}

// RestoreWindow reloads a persisted replay window.
func (c *Context) RestoreWindow(highest, bitmap uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = ReplayWindow{highest: highest, bitmap: bitmap, primed: true}
}

// ReplayWindow is the sliding 64-bit anti-replay bitmap of RFC 8613
// §3.2.2 (the RFC 6479-style default). Bit i of bitmap records
// whether highest-i has been seen; bit 0 is highest itself.
type ReplayWindow struct {
	highest uint64
	bitmap  uint64
	// primed distinguishes an empty window from one whose highest-seen
	// value is genuinely 0.
	primed bool
}

// Check reports whether seq would be accepted: values above the
// highest-seen always pass, values inside the window pass when their
// bit is clear, and values that have slid out of the window fail
// closed.
func (w *ReplayWindow) Check(seq uint64) bool {
	if !w.primed || seq > w.highest {
		return true
	}
	offset := w.highest - seq
	if offset >= 64 {
		return false
	}
	return w.bitmap&(1<<offset) == 0
}

// Accept records seq as seen, sliding the window forward when seq
// advances the highest-seen value. Callers must have Checked first.
func (w *ReplayWindow) Accept(seq uint64) {
	if !w.primed {
		w.highest = seq
		w.bitmap = 1
		w.primed = true
		return
	}
	if seq > w.highest {
		shift := seq - w.highest
		if shift >= 64 {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highest = seq
		return
	}
	w.bitmap |= 1 << (w.highest - seq)
}

// Store holds security contexts keyed by the kid carried in the OSCORE
// option. Lookup misses become FailureContextNotFound, which the
// verify table maps to 4.01.
type Store struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

// NewStore creates an empty context store.
func NewStore() *Store {
	return &Store{contexts: make(map[string]*Context)}
}

// Add registers ctx under its recipient ID, which is the kid inbound
// messages will carry.
func (s *Store) Add(ctx *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[string(ctx.RecipientID)] = ctx
}

// Lookup resolves a kid to its security context.
func (s *Store) Lookup(kid []byte) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[string(kid)]
	if !ok {
		return nil, &VerifyError{Failure: FailureContextNotFound, Reason: "no security context for kid"}
	}
	return ctx, nil
}

// Remove drops the context registered for kid, as happens on rekey.
func (s *Store) Remove(kid []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, string(kid))
}
