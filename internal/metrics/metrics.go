// Package metrics exposes Prometheus collectors for the relay.
//
// Every component takes a *Metrics and calls its Observe methods. A nil
// *Metrics records nothing, so tests and tools can leave it out. The
// process registers one set with the default registry through Default and
// serves it on /metrics.
//
// Collectors, all under the "tchaka" namespace:
//
//	directory_participants       gauge    registered participants
//	directory_groups             gauge    groups after the last recompute
//	directory_recomputes_total   counter  full cluster recomputations
//	deliveries_total             counter  {kind, outcome}
//	fanout_duration_seconds      hist     {kind}
//	deletions_total              counter  {outcome}
//	purges_total                 counter  {reason}
//	gateway_connections          gauge    open websocket chats
//	gateway_frames_total         counter  {type}
//	gateway_handler_errors_total counter  {type}
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tchaka"

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeDenied    = "denied"
	OutcomeFailed    = "failed"
)

// Deletion outcomes.
const (
	OutcomeDeleted  = "deleted"
	OutcomeNotFound = "not_found"
)

// Metrics bundles every collector. A nil *Metrics is valid and records
// nothing, which keeps components usable without a registry.
type Metrics struct {
	Participants   prometheus.Gauge
	Groups         prometheus.Gauge
	Recomputes     prometheus.Counter
	Deliveries     *prometheus.CounterVec
	FanoutDuration *prometheus.HistogramVec
	Deletions      *prometheus.CounterVec
	Purges         *prometheus.CounterVec
	Connections    prometheus.Gauge
	Frames         *prometheus.CounterVec
	HandlerErrors  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_participants",
			Help:      "Number of registered participants.",
		}),
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_groups",
			Help:      "Number of location groups after the last recompute.",
		}),
		Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_recomputes_total",
			Help:      "Full cluster recomputations.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		FanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time to complete one fan-out batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		Deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletions_total",
			Help:      "Message deletion attempts by outcome.",
		}, []string{"outcome"}),
		Purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purges_total",
			Help:      "Completed purges by stop reason.",
		}, []string{"reason"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Open websocket chats.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_frames_total",
			Help:      "Inbound websocket frames by type.",
		}, []string{"type"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_handler_errors_total",
			Help:      "Inbound frames whose command failed for a reason other than bad input.",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Participants,
			m.Groups,
			m.Recomputes,
			m.Deliveries,
			m.FanoutDuration,
			m.Deletions,
			m.Purges,
			m.Connections,
			m.Frames,
			m.HandlerErrors,
		)
	}

	return m
}

var (
	defaultMetrics     *Metrics
	defaultMetricsLock sync.Mutex
)

// Default returns the process-wide collectors registered with the default
// Prometheus registry.
func Default() *Metrics {
	defaultMetricsLock.Lock()
	defer defaultMetricsLock.Unlock()

	if defaultMetrics == nil {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	}
	return defaultMetrics
}

// ObserveDirectory sets the directory gauges after a mutation and counts a
// recompute when recomputed is true.
func (m *Metrics) ObserveDirectory(participants, groups int, recomputed bool) {
	if m == nil {
		return
	}
	m.Participants.Set(float64(participants))
	m.Groups.Set(float64(groups))
	if recomputed {
		m.Recomputes.Inc()
	}
}

// ObserveDelivery counts one send attempt of a fan-out batch. kind is
// "message" or "join"; outcome is one of the Outcome delivery constants.
func (m *Metrics) ObserveDelivery(kind, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(kind, outcome).Inc()
}

// ObserveFanout records the duration of a fan-out batch that began at
// started. Call it once, after every send of the batch has returned.
func (m *Metrics) ObserveFanout(kind string, started time.Time) {
	if m == nil {
		return
	}
	m.FanoutDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// ObserveDeletion counts one purge deletion attempt by outcome.
func (m *Metrics) ObserveDeletion(outcome string) {
	if m == nil {
		return
	}
	m.Deletions.WithLabelValues(outcome).Inc()
}

// ObservePurge counts a finished purge by its stop reason.
func (m *Metrics) ObservePurge(reason string) {
	if m == nil {
		return
	}
	m.Purges.WithLabelValues(reason).Inc()
}

// ObserveConnection moves the open connection gauge by delta.
func (m *Metrics) ObserveConnection(delta int) {
	if m == nil {
		return
	}
	m.Connections.Add(float64(delta))
}

// ObserveFrame counts a decoded inbound frame by type.
func (m *Metrics) ObserveFrame(frameType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(frameType).Inc()
}

// ObserveHandlerError counts a command that failed for a reason other than
// invalid input.
func (m *Metrics) ObserveHandlerError(frameType string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(frameType).Inc()
}
