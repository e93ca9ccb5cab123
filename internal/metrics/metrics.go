// Package metrics exposes Loom's prometheus collectors. Each Metrics value
// owns its registry so tests and embedded uses do not collide on the global
// default registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the collectors. It implements llm.Recorder and
// orchestrator.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	backendCalls    *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	retries         prometheus.Counter
	layersTruncated *prometheus.CounterVec
	degraded        *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		backendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_backend_calls_total",
				Help: "Total number of backend adapter calls",
			},
			[]string{"backend", "op", "outcome"},
		),

		backendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_backend_latency_seconds",
				Help:    "Backend adapter call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"backend", "op"},
		),

		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_submissions_total",
				Help: "Total number of orchestrator submissions",
			},
			[]string{"routing_mode", "outcome"},
		),

		retries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_retries_total",
				Help: "Total number of generation retries",
			},
		),

		layersTruncated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_layers_truncated_total",
				Help: "Total number of context layers that lost content",
			},
			[]string{"layer"},
		),

		degraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_degraded_total",
				Help: "Total number of collaborator failures absorbed during context assembly",
			},
			[]string{"collaborator"},
		),
	}
}

// Registry returns the registry holding Loom's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveBackendCall records one adapter call.
func (m *Metrics) ObserveBackendCall(backend, op, outcome string, latency time.Duration) {
	m.backendCalls.WithLabelValues(backend, op, outcome).Inc()
	m.backendLatency.WithLabelValues(backend, op).Observe(latency.Seconds())
}

// ObserveSubmission records one Submit or Confirm outcome.
func (m *Metrics) ObserveSubmission(routingMode, outcome string) {
	m.submissions.WithLabelValues(routingMode, outcome).Inc()
}

// ObserveRetry records one generation retry.
func (m *Metrics) ObserveRetry() {
	m.retries.Inc()
}

// ObserveTruncation records one truncated layer.
func (m *Metrics) ObserveTruncation(layer string) {
	m.layersTruncated.WithLabelValues(layer).Inc()
}

// ObserveDegraded records one absorbed collaborator failure.
func (m *Metrics) ObserveDegraded(collaborator string) {
	m.degraded.WithLabelValues(collaborator).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
