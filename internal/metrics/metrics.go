// Package metrics provides the relay's Prometheus counters (spec.md §4.9
// Observability: "only monotonic counters ... and the current room
// count; no participant-identifying metadata is emitted").
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ephemeralrooms"

// Metrics holds every counter and gauge the relay exposes at /metrics.
type Metrics struct {
	RoomsCreated   prometheus.Counter
	RoomsDestroyed *prometheus.CounterVec
	RoomsActive    prometheus.Gauge

	ConnectionsTotal *prometheus.CounterVec
	MessagesRelayed  prometheus.Counter

	RateLimitRejects *prometheus.CounterVec

	ReplayRejections       prometheus.Counter
	DecryptionFailures     prometheus.Counter
	HandshakeFailures      prometheus.Counter
	RekeyCompletions       prometheus.Counter
	RekeyParticipantDrops  prometheus.Counter

	InviteTokensIssued   prometheus.Counter
	InviteTokensConsumed prometheus.Counter
	InviteTokensRejected prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer exactly once.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance against a caller-
// supplied registry, so tests can use a private registry instead of the
// global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Total number of rooms created",
		}),
		RoomsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_destroyed_total",
			Help:      "Total number of rooms destroyed, by reason",
		}, []string{"reason"}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Current number of rooms in the registry",
		}),

		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted connections by role",
		}, []string{"role"}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total opaque message frames relayed",
		}),

		RateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejects_total",
			Help:      "Total requests rejected by a rate limiter, by surface",
		}, []string{"surface"}),

		ReplayRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejections_total",
			Help:      "Total frames rejected by the replay window (endpoint-reported)",
		}),
		DecryptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Help:      "Total frames that failed AEAD authentication (endpoint-reported)",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total join handshakes that failed",
		}),
		RekeyCompletions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekey_completions_total",
			Help:      "Total rekey epoch transitions completed",
		}),
		RekeyParticipantDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekey_participant_drops_total",
			Help:      "Total participants dropped for failing to confirm a rekey in time",
		}),

		InviteTokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_tokens_issued_total",
			Help:      "Total invite tokens issued",
		}),
		InviteTokensConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_tokens_consumed_total",
			Help:      "Total invite tokens consumed on join",
		}),
		InviteTokensRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_tokens_rejected_total",
			Help:      "Total invite token validation attempts rejected (expired, used, or unknown)",
		}),
	}
}

// RecordRoomCreated records a new room entering the registry.
func (m *Metrics) RecordRoomCreated() {
	m.RoomsCreated.Inc()
	m.RoomsActive.Inc()
}

// RecordRoomDestroyed records a room leaving the registry for reason.
func (m *Metrics) RecordRoomDestroyed(reason string) {
	m.RoomsDestroyed.WithLabelValues(reason).Inc()
	m.RoomsActive.Dec()
}

// RecordConnection records an accepted connection for role ("host" or
// "client").
func (m *Metrics) RecordConnection(role string) {
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordMessageRelayed records one opaque frame forwarded by the router.
func (m *Metrics) RecordMessageRelayed() {
	m.MessagesRelayed.Inc()
}

// RecordRateLimitReject records a rejection at surface ("connect",
// "message", or "invite_create").
func (m *Metrics) RecordRateLimitReject(surface string) {
	m.RateLimitRejects.WithLabelValues(surface).Inc()
}

// RecordInviteTokenIssued records a successful token mint.
func (m *Metrics) RecordInviteTokenIssued() {
	m.InviteTokensIssued.Inc()
}

// RecordInviteTokenConsumed records a successful single-use consumption.
func (m *Metrics) RecordInviteTokenConsumed() {
	m.InviteTokensConsumed.Inc()
}

// RecordInviteTokenRejected records a failed validation or consumption
// attempt (expired, already used, or unknown token).
func (m *Metrics) RecordInviteTokenRejected() {
	m.InviteTokensRejected.Inc()
}
