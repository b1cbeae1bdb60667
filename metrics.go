package coap

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the optional prometheus instrumentation for an engine.
// NewReliability, oscore.NewPipeline, service.NewClient and
// service.NewService accept a *Metrics as a trailing argument; a
// nil value disables instrumentation with no branching cost beyond a
// nil receiver check (every method below is nil-receiver safe).
type Metrics struct {
	Retransmissions    prometheus.Counter
	RetransmitTimeouts prometheus.Counter
	DedupHits          prometheus.Counter
	OSCOREFailures     *prometheus.CounterVec
	Notifications      prometheus.Counter
	PendingOccupancy   prometheus.Gauge
}

// NewMetrics builds and, if reg is non-nil, registers the counters and
// gauges used across this module family. Passing a nil Registerer
// yields usable-but-unregistered metrics, convenient for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_retransmissions_total",
			Help: "CON messages retransmitted.",
		}),
		RetransmitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_retransmit_timeouts_total",
			Help: "Pending CON exchanges that exhausted MAX_RETRANSMIT.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_dedup_hits_total",
			Help: "Inbound messages recognised as duplicates of an already-processed message ID.",
		}),
		OSCOREFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coap_oscore_failures_total",
			Help: "OSCORE verification failures, by cause.",
		}, []string{"cause"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_observe_notifications_total",
			Help: "Observe notifications emitted.",
		}),
		PendingOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coap_pending_occupancy",
			Help: "Current number of outstanding CON exchanges.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Retransmissions, m.RetransmitTimeouts, m.DedupHits, m.OSCOREFailures, m.Notifications, m.PendingOccupancy)
	}
	return m
}

// The Inc*/Set* helpers below are the nil-receiver-safe entry points
// engines use; sibling packages (service, oscore glue, cmd binaries)
// call them rather than touching the raw collectors, so a nil *Metrics
// stays safe everywhere.

func (m *Metrics) IncRetransmissions() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

func (m *Metrics) IncRetransmitTimeouts() {
	if m == nil {
		return
	}
	m.RetransmitTimeouts.Inc()
}

func (m *Metrics) IncDedupHits() {
	if m == nil {
		return
	}
	m.DedupHits.Inc()
}

func (m *Metrics) IncOSCOREFailure(cause string) {
	if m == nil {
		return
	}
	m.OSCOREFailures.WithLabelValues(cause).Inc()
}

func (m *Metrics) IncNotifications() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}

func (m *Metrics) SetPendingOccupancy(n int) {
	if m == nil {
		return
	}
	m.PendingOccupancy.Set(float64(n))
}
