package coap

import "time"

// Clock is the time capability the reliability engine consumes; the
// engine never sleeps itself, so callers drive it from whatever timer
// facility they have (a ticker, an RTOS work queue, ...).
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is a Clock backed by the wall clock.
var SystemClock Clock = systemClock{}

// Sender transmits an already-encoded datagram to peer. It is the only
// suspension point the reliability engine itself introduces.
type Sender func(packet []byte, peer Peer) error

// Reliability drives CON retransmission per RFC 7252 §4.2: exponential
// backoff with jitter, bounded retries, reporting three outcomes to the
// caller (retry fired, max retries reached, ACK/RST received).
type Reliability struct {
	pendings *Pendings
	send     Sender
	clock    Clock
	params   TxParams
	log      Logger
	metrics  *Metrics
}

// NewReliability builds a reliability engine backed by a Pendings table
// sized from cfg, using send to retransmit and clock to drive timing.
// A nil clock defaults to SystemClock.
func NewReliability(cfg *Config, send Sender, clock Clock, log Logger, metrics *Metrics) *Reliability {
	if clock == nil {
		clock = SystemClock
	}
	return &Reliability{
		pendings: NewPendings(cfg.MaxPendings),
		send:     send,
		clock:    clock,
		params: TxParams{
			AckTimeout:       cfg.InitAckTimeout,
			AckRandomPercent: cfg.AckRandomPercent,
			BackoffPercent:   cfg.BackoffPercent,
			MaxRetransmit:    cfg.MaxRetransmit,
		},
		log:     log,
		metrics: metrics,
	}
}

// Pendings exposes the underlying table for matching inbound ACK/RST
// traffic against.
func (r *Reliability) Pendings() *Pendings { return r.pendings }

// Send transmits packet as a CON and registers it in the pending table.
// params, if the zero value, uses the engine's process-wide defaults.
func (r *Reliability) Send(packet []byte, peer Peer, messageID uint16, params TxParams) error {
	if params.AckTimeout == 0 {
		params = r.params
	}
	if err := r.send(packet, peer); err != nil {
		return err
	}
	_, err := r.pendings.Init(packet, peer, messageID, params, r.clock.Now())
	return err
}

// Outcome reports what the caller should do about one pending exchange
// after a Cycle pass.
type Outcome struct {
	Peer      Peer
	MessageID uint16
	Result    RetryOutcome
}

// Cycle advances every outstanding CON exchange: entries whose timer has
// fired are either retransmitted (outcome RetryDue, after which the
// caller is expected to have already had the packet resent via Sender)
// or, having exhausted MAX_RETRANSMIT, surfaced as RetryExhausted so the
// caller can report ErrTimedOut to whoever is waiting. Returns the list
// of outcomes observed in this pass.
func (r *Reliability) Cycle() []Outcome {
	var outcomes []Outcome
	r.pendings.Cycle(r.clock.Now(), func(entry Pending, outcome RetryOutcome) {
		switch outcome {
		case RetryDue:
			if err := r.send(entry.Packet, entry.Peer); err != nil {
				logf(r.log, "reliability: retransmit to %s failed: %s", entry.Peer, err)
			}
			r.metrics.IncRetransmissions()
		case RetryExhausted:
			r.metrics.IncRetransmitTimeouts()
		}
		outcomes = append(outcomes, Outcome{Peer: entry.Peer, MessageID: entry.MessageID, Result: outcome})
	})
	r.metrics.SetPendingOccupancy(r.pendings.Used())
	return outcomes
}

// Acknowledge reports an inbound ACK/RST for (peer, messageID),
// clearing the pending entry if one exists. It returns true if an entry
// was found and cleared.
func (r *Reliability) Acknowledge(peer Peer, messageID uint16) bool {
	_, ok := r.pendings.ReceivedByID(peer, messageID)
	if ok {
		r.pendings.Clear(peer, messageID)
	}
	return ok
}
