package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded on license_gate_decisions_total.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

var (
	// License decisions
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_gate_decisions_total",
			Help: "License decisions by operation, outcome and denial reason",
		},
		[]string{"operation", "outcome", "reason"},
	)

	DecodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_gate_decode_failures_total",
			Help: "Tokens rejected before policy evaluation, by failure kind",
		},
		[]string{"kind"}, // empty, malformed, auth, version, schema
	)

	ReplayRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_gate_replay_rejections_total",
			Help: "Consume requests refused because the token was already spent",
		},
	)

	// HTTP surface
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_gate_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "license_gate_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordDecision records the outcome of a validate, consume or info call.
func RecordDecision(operation, outcome, reason string) {
	DecisionsTotal.WithLabelValues(operation, outcome, reason).Inc()
}

// RecordDecodeFailure records a token that never reached policy evaluation.
func RecordDecodeFailure(kind string) {
	DecodeFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordReplayRejection records a refused replay.
func RecordReplayRejection() {
	ReplayRejectionsTotal.Inc()
}

// RecordHTTPRequest records a served request.
func RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	method = methodLabel(method)
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// methodLabel folds non-standard methods into "other" to bound label values.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return method
	default:
		return "other"
	}
}
