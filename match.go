package coap

import (
	"math/rand"
	"sync"
	"time"
)

// Peer is the minimal addressing information the matching/dedup tables
// need; the transport supplies the concrete type (e.g. *net.UDPAddr)
// stringified here so the core never imports net.
type Peer string

// TxParams are the per-exchange retransmission parameters (RFC 7252
// §4.8). A zero-value TxParams on Pending means "use the engine's
// process-wide defaults".
type TxParams struct {
	AckTimeout       time.Duration
	AckRandomPercent int
	BackoffPercent   int
	MaxRetransmit    int
}

// Pending is an outstanding CON awaiting an ACK or RST.
type Pending struct {
	Packet    []byte
	Peer      Peer
	MessageID uint16
	Retries   int
	NextFire  time.Time
	Params    TxParams
	// timeout is the interval that produced NextFire; each retry
	// multiplies it by the backoff factor (RFC 7252 §4.2: the random
	// draw happens once, at timeout0, and carries through the doubling).
	timeout time.Duration
	used    bool
}

// Reply is an outstanding response expectation.
type Reply struct {
	MessageID uint16
	Token     Token
	Peer      Peer
	Handler   func(*Message, Peer)
	used      bool
}

// Pendings is a fixed-capacity table of outstanding CON transmissions,
// at most one entry per (peer, message ID). Fixed arrays with in-band
// used flags keep indexing deterministic and bounded.
type Pendings struct {
	mu      sync.Mutex
	entries []Pending
}

// NewPendings creates a table bounded to capacity entries.
func NewPendings(capacity int) *Pendings {
	return &Pendings{entries: make([]Pending, capacity)}
}

// Init installs a new pending entry for packet, keyed by (peer,
// messageID). It fails with ErrNoMemory if the table is full, and with
// ErrBadInput if an entry already exists for this (peer, messageID).
func (p *Pendings) Init(packet []byte, peer Peer, messageID uint16, params TxParams, now time.Time) (*Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].used && p.entries[i].Peer == peer && p.entries[i].MessageID == messageID {
			return nil, newErr(KindBadInput, "pending entry already exists for peer %s id %d", peer, messageID)
		}
	}
	for i := range p.entries {
		if !p.entries[i].used {
			t0 := firstTimeout(params)
			p.entries[i] = Pending{
				Packet:    packet,
				Peer:      peer,
				MessageID: messageID,
				Params:    params,
				NextFire:  now.Add(t0),
				timeout:   t0,
				used:      true,
			}
			return &p.entries[i], nil
		}
	}
	return nil, newErr(KindNoMemory, "pending table full")
}

// firstTimeout computes timeout0 = ACK_TIMEOUT * uniform(1.0,
// ACK_RANDOM_FACTOR), per RFC 7252 §4.2.
func firstTimeout(params TxParams) time.Duration {
	factor := 1.0
	if params.AckRandomPercent > 100 {
		span := float64(params.AckRandomPercent-100) / 100.0
		factor = 1.0 + rand.Float64()*span
	}
	return time.Duration(float64(params.AckTimeout) * factor)
}

// Clear removes the pending entry for (peer, messageID), if any.
func (p *Pendings) Clear(peer Peer, messageID uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].used && p.entries[i].Peer == peer && p.entries[i].MessageID == messageID {
			p.entries[i] = Pending{}
		}
	}
}

// RetryOutcome reports what happened to a pending entry during Cycle.
type RetryOutcome int

const (
	RetryNone RetryOutcome = iota
	RetryDue
	RetryExhausted
)

// Cycle scans the table for entries whose NextFire has passed. For each
// due entry, it either schedules the next retry (advancing Retries and
// NextFire per the RFC 7252 §4.2 backoff) or, if MaxRetransmit has been
// reached, clears the entry and reports RetryExhausted. fn is invoked
// once per due entry with its outcome; the pending's Packet/Peer are
// valid for resending only when the outcome is RetryDue.
func (p *Pendings) Cycle(now time.Time, fn func(entry Pending, outcome RetryOutcome)) {
	p.mu.Lock()
	var due []Pending
	var exhausted []Pending
	for i := range p.entries {
		e := &p.entries[i]
		if !e.used || now.Before(e.NextFire) {
			continue
		}
		if e.Retries >= maxRetransmit(e.Params) {
			exhausted = append(exhausted, *e)
			*e = Pending{}
			continue
		}
		e.Retries++
		e.timeout = e.timeout * time.Duration(backoffPercent(e.Params)) / 100
		e.NextFire = now.Add(e.timeout)
		due = append(due, *e)
	}
	p.mu.Unlock()

	for _, e := range due {
		fn(e, RetryDue)
	}
	for _, e := range exhausted {
		fn(e, RetryExhausted)
	}
}

func maxRetransmit(p TxParams) int {
	if p.MaxRetransmit == 0 {
		return 4
	}
	return p.MaxRetransmit
}

func backoffPercent(p TxParams) int {
	if p.BackoffPercent == 0 {
		return 200
	}
	return p.BackoffPercent
}

// Used returns the number of occupied slots, for the occupancy gauge.
func (p *Pendings) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.entries {
		if p.entries[i].used {
			n++
		}
	}
	return n
}

// ReceivedByID looks up the pending entry matching (peer, messageID),
// for ACK/RST handling (RFC 7252 §4.2).
func (p *Pendings) ReceivedByID(peer Peer, messageID uint16) (*Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].used && p.entries[i].Peer == peer && p.entries[i].MessageID == messageID {
			cp := p.entries[i]
			return &cp, true
		}
	}
	return nil, false
}

// Replies is a fixed-capacity table of outstanding response
// expectations.
type Replies struct {
	mu      sync.Mutex
	entries []Reply
}

// NewReplies creates a table bounded to capacity entries.
func NewReplies(capacity int) *Replies {
	return &Replies{entries: make([]Reply, capacity)}
}

// Register installs a reply entry for a request expecting a response.
func (r *Replies) Register(messageID uint16, token Token, peer Peer, handler func(*Message, Peer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if !r.entries[i].used {
			r.entries[i] = Reply{MessageID: messageID, Token: append(Token(nil), token...), Peer: peer, Handler: handler, used: true}
			return nil
		}
	}
	return newErr(KindNoMemory, "reply table full")
}

// Abandon removes the reply entry for (peer, token), if present.
func (r *Replies) Abandon(peer Peer, token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].used && r.entries[i].Peer == peer && r.entries[i].Token.Equal(token) {
			r.entries[i] = Reply{}
		}
	}
}

// ResponseReceived implements RFC 7252 §4.4/§5.3.2 response matching:
// a piggybacked ACK/RST matches by message ID and token; an empty
// (Code 0.00) ACK/RST matches by message ID alone, since RFC 7252
// mandates TKL=0 for empty messages regardless of the request's token;
// a separate response (CON or NON) matches solely on (peer, token),
// where an empty token matches only if the stored reply also has an
// empty token. The matched entry, if any, is removed from the table
// (single-shot delivery) unless keep is true (used for Observe
// notifications, which reuse the same reply entry across many
// responses).
func (r *Replies) ResponseReceived(m *Message, peer Peer, keep bool) (*Reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		e := &r.entries[i]
		if !e.used || e.Peer != peer {
			continue
		}
		matched := false
		switch m.Type {
		case Acknowledgement, Reset:
			if e.MessageID == m.ID && (m.IsEmpty() || e.Token.Equal(m.Token)) {
				matched = true
			}
		case Confirmable, NonConfirmable:
			if e.Token.Equal(m.Token) {
				matched = true
			}
		}
		if matched {
			cp := *e
			if !keep {
				*e = Reply{}
			}
			return &cp, true
		}
	}
	return nil, false
}

// dedupEntry is one slot of the recent-message-ID set kept per peer.
type dedupEntry struct {
	peer      Peer
	messageID uint16
	response  []byte
	seen      time.Time
	used      bool
}

// Dedup tracks recently received message IDs per peer so retransmitted
// duplicate requests can be answered with the cached response instead
// of re-processed (RFC 7252 §4.2 relaxed deduplication).
type Dedup struct {
	mu      sync.Mutex
	entries []dedupEntry
}

// NewDedup creates a dedup cache bounded to capacity entries.
func NewDedup(capacity int) *Dedup {
	return &Dedup{entries: make([]dedupEntry, capacity)}
}

// Seen records (peer, messageID) as processed, optionally caching the
// response that was sent for it so a retransmitted duplicate can be
// answered without reprocessing. It evicts the oldest entry when full.
func (d *Dedup) Seen(peer Peer, messageID uint16, response []byte, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if d.entries[i].used && d.entries[i].peer == peer && d.entries[i].messageID == messageID {
			d.entries[i].response = response
			d.entries[i].seen = now
			return
		}
	}
	oldest := -1
	for i := range d.entries {
		if !d.entries[i].used {
			oldest = i
			break
		}
		if oldest == -1 || d.entries[i].seen.Before(d.entries[oldest].seen) {
			oldest = i
		}
	}
	d.entries[oldest] = dedupEntry{peer: peer, messageID: messageID, response: response, seen: now, used: true}
}

// Check reports whether (peer, messageID) has already been seen, and if
// so, the cached response (nil if none was recorded).
func (d *Dedup) Check(peer Peer, messageID uint16) (response []byte, duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if d.entries[i].used && d.entries[i].peer == peer && d.entries[i].messageID == messageID {
			return d.entries[i].response, true
		}
	}
	return nil, false
}
