// Package relaymetrics exposes the relay's Prometheus counters and wires
// them behind the internal/relay.PortObserver Record* hooks.
package relaymetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements the Record* methods of internal/relay.PortObserver.
// It is safe for concurrent use; prometheus counters already guard their
// own increments, so Recorder needs no locking of its own.
type Recorder struct {
	retries   *prometheus.CounterVec
	failovers prometheus.Counter
	locked    prometheus.Counter
	connects  prometheus.Counter
	entries   prometheus.Gauge
}

// NewRecorder registers its counters with reg. Passing a fresh
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) lets
// callers and tests run more than one Recorder in the same process.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnrelay",
			Subsystem: "relay",
			Name:      "allocate_retries_total",
			Help:      "Number of Allocate request retransmissions, labelled by attempt number.",
		}, []string{"attempt"}),
		failovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "turnrelay",
			Subsystem: "relay",
			Name:      "server_failovers_total",
			Help:      "Number of times an entry gave up on its current server/protocol and advanced to the next one.",
		}),
		locked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "turnrelay",
			Subsystem: "relay",
			Name:      "entries_locked_total",
			Help:      "Number of entries that transitioned into the locked (raw-send) state.",
		}),
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "turnrelay",
			Subsystem: "relay",
			Name:      "entries_connected_total",
			Help:      "Number of successful Allocate responses that produced a mapped external address.",
		}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnrelay",
			Subsystem: "relay",
			Name:      "entries_active",
			Help:      "Number of relay entries currently owned by the port.",
		}),
	}
}

// RecordRetry implements internal/relay.PortObserver.RecordRetry.
func (r *Recorder) RecordRetry(attempt int) {
	r.retries.WithLabelValues(attemptLabel(attempt)).Inc()
}

// RecordFailover implements internal/relay.PortObserver.RecordFailover.
func (r *Recorder) RecordFailover() { r.failovers.Inc() }

// RecordLocked implements internal/relay.PortObserver.RecordLocked.
func (r *Recorder) RecordLocked() { r.locked.Inc() }

// RecordConnect is called once per entry when it first obtains a mapped
// external address; not part of PortObserver, called directly by Port.
func (r *Recorder) RecordConnect() { r.connects.Inc() }

// SetActiveEntries reports the current entry count; called by Port
// whenever entries are added or removed.
func (r *Recorder) SetActiveEntries(n int) { r.entries.Set(float64(n)) }

// Handler returns an http.Handler suitable for mounting at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func attemptLabel(attempt int) string {
	switch {
	case attempt <= 0:
		return "0"
	case attempt >= 4:
		return "4+"
	default:
		return []string{"", "1", "2", "3"}[attempt]
	}
}
