// Package metrics publishes Prometheus metrics for proxy activity.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// KeyLookupOutcome captures the result of a JWKS key cache lookup.
type KeyLookupOutcome string

const (
	// KeyLookupHit indicates the signing key was served from cache.
	KeyLookupHit KeyLookupOutcome = "hit"
	// KeyLookupMiss indicates the key set had to be fetched.
	KeyLookupMiss KeyLookupOutcome = "miss"
	// KeyLookupError indicates the lookup failed.
	KeyLookupError KeyLookupOutcome = "error"
)

// Recorder publishes Prometheus metrics for pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	policyDecisions *prometheus.CounterVec
	suppressions    *prometheus.CounterVec
	keyLookups      *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhirgate",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total requests processed by the proxy pipeline.",
	}, []string{"method", "outcome", "status_code"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fhirgate",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed proxy requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method", "outcome"})

	policyDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhirgate",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Terminal decisions produced by the decision engine.",
	}, []string{"decision"})

	suppressions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhirgate",
		Subsystem: "policy",
		Name:      "suppressions_total",
		Help:      "Responses suppressed by the response transformer chain.",
	}, []string{"resource_type"})

	keyLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhirgate",
		Subsystem: "jwks",
		Name:      "key_lookups_total",
		Help:      "JWKS signing key cache lookups.",
	}, []string{"result"})

	reg.MustRegister(proxyRequests, proxyLatency, policyDecisions, suppressions, keyLookups)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		proxyRequests:   proxyRequests,
		proxyLatency:    proxyLatency,
		policyDecisions: policyDecisions,
		suppressions:    suppressions,
		keyLookups:      keyLookups,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed proxy
// request.
func (r *Recorder) ObserveRequest(method, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := normalizeLabel(method)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.proxyRequests.WithLabelValues(methodLabel, outcomeLabel, statusLabel).Inc()
	r.proxyLatency.WithLabelValues(methodLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveDecision records a terminal policy decision.
func (r *Recorder) ObserveDecision(decision string) {
	if r == nil {
		return
	}
	r.policyDecisions.WithLabelValues(normalizeLabel(decision)).Inc()
}

// ObserveSuppression records a response suppressed by the transformer chain.
func (r *Recorder) ObserveSuppression(resourceType string) {
	if r == nil {
		return
	}
	r.suppressions.WithLabelValues(normalizeLabel(resourceType)).Inc()
}

// ObserveKeyLookup records the result of a JWKS key cache lookup.
func (r *Recorder) ObserveKeyLookup(result KeyLookupOutcome) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(KeyLookupMiss)
	}
	r.keyLookups.WithLabelValues(label).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
