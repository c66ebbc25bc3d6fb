// Package metrics exposes pipeline and HTTP measurements through Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "laurels"

// Recorder owns a private registry so several instances can coexist in tests.
type Recorder struct {
	registry          *prometheus.Registry
	operationLatency  *prometheus.HistogramVec
	operationCounter  *prometheus.CounterVec
	computedResults   prometheus.Counter
	issuedCredentials prometheus.Counter
	verifications     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
}

// NewRecorder registers every collector, including Go runtime and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		operationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_operation_duration_seconds",
				Help:      "Duration of lock-and-compute and publish operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		operationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_operations_total",
				Help:      "Pipeline operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		computedResults: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "computed_results_total",
				Help:      "Computed result rows written by lock-and-compute.",
			},
		),
		issuedCredentials: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credentials_issued_total",
				Help:      "Credentials issued by publish.",
			},
		),
		verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_verifications_total",
				Help:      "Credential verifications by outcome.",
			},
			[]string{"outcome"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		httpLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveOperation records the latency and outcome of a pipeline operation.
func (r *Recorder) ObserveOperation(operation, outcome string, duration time.Duration) {
	r.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
	r.operationCounter.WithLabelValues(operation, outcome).Inc()
}

// AddComputedResults adds to the computed result counter.
func (r *Recorder) AddComputedResults(count int) {
	if count > 0 {
		r.computedResults.Add(float64(count))
	}
}

// AddIssuedCredentials adds to the issued credential counter.
func (r *Recorder) AddIssuedCredentials(count int) {
	if count > 0 {
		r.issuedCredentials.Add(float64(count))
	}
}

// ObserveVerification counts one verification outcome.
func (r *Recorder) ObserveVerification(outcome string) {
	r.verifications.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one served HTTP request. Unmatched routes share one label.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
