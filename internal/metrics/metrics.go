// Package metrics provides Prometheus collectors for the risk engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authrisk"

var (
	// HTTPRequestTotal counts requests by method, route pattern and status.
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, route, and status.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDurationSeconds is request latency by route.
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "route"},
	)

	// RiskScores is the distribution of audit record scores by event type.
	RiskScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Risk scores assigned to audit records.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
		[]string{"event_type"},
	)

	// SecurityEventsTotal counts escalations by severity.
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events raised by severity.",
		},
		[]string{"severity"},
	)

	// AuditWriteFailuresTotal counts swallowed audit persistence failures.
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit records that could not be persisted.",
		},
	)

	// AnalyzerDegradedTotal counts factor queries that fell back to a neutral value.
	AnalyzerDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_degraded_total",
			Help:      "Activity factor queries that failed and yielded a neutral value.",
		},
		[]string{"factor"},
	)

	// SessionOutcomesTotal counts session operations by operation and result.
	SessionOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Session operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// SessionWarningsTotal counts emitted warnings by kind.
	SessionWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_warnings_total",
			Help:      "Session warnings emitted by kind.",
		},
		[]string{"kind"},
	)

	// MFAVerificationsTotal counts challenge verifications by result.
	MFAVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_verifications_total",
			Help:      "MFA challenge verifications by result.",
		},
		[]string{"result"},
	)

	// MFADispatchFailuresTotal counts failed out-of-band deliveries by channel.
	MFADispatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_dispatch_failures_total",
			Help:      "Out-of-band code deliveries that failed.",
		},
		[]string{"channel"},
	)

	// AssessmentsTotal counts device risk assessments by recommendation.
	AssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Device risk assessments by recommendation.",
		},
		[]string{"recommendation"},
	)

	// FingerprintCacheHitsTotal counts known-fingerprint cache hits.
	FingerprintCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_cache_hits_total",
			Help:      "Known-fingerprint lookups served from the LRU cache.",
		},
	)

	// WebSocketConnectionsActive is the number of open warning streams.
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Number of active warning WebSocket connections.",
		},
	)
)
