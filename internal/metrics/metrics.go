// Package metrics carries the node's Prometheus instrumentation and the
// optional /metrics listener behind serve --metrics-addr.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srg/ebikelink/internal/groutine"
)

const namespace = "ebikelink"

// Metrics is the node-side instrument set, registered on its own registry so
// repeated construction in tests cannot collide. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	samplesPublished *prometheus.CounterVec
	publishErrors    *prometheus.CounterVec
	writesReceived   prometheus.Counter
	peersRejected    prometheus.Counter
	subscribers      prometheus.Gauge
}

// New builds and registers the instrument set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.samplesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_published_total",
		Help:      "Telemetry samples published to notify sessions, per characteristic.",
	}, []string{"field"})
	m.publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_errors_total",
		Help:      "Telemetry frames lost on a notify write, per characteristic.",
	}, []string{"field"})
	m.writesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "writes_received_total",
		Help:      "Display command writes received on the RX characteristic.",
	})
	m.peersRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_rejected_total",
		Help:      "Centrals dropped by the single-owner admission gate.",
	})
	m.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Live notify sessions across all characteristics.",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samplesPublished,
		m.publishErrors,
		m.writesReceived,
		m.peersRejected,
		m.subscribers,
	)
	return m
}

// SamplePublished counts one published sample for a characteristic.
func (m *Metrics) SamplePublished(field string) {
	if m == nil {
		return
	}
	m.samplesPublished.WithLabelValues(field).Inc()
}

// PublishError counts one frame lost on a failed notify write.
func (m *Metrics) PublishError(field string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(field).Inc()
}

// WriteReceived counts one RX command write.
func (m *Metrics) WriteReceived() {
	if m == nil {
		return
	}
	m.writesReceived.Inc()
}

// PeerRejected counts one central dropped by the admission gate.
func (m *Metrics) PeerRejected() {
	if m == nil {
		return
	}
	m.peersRejected.Inc()
}

// SubscriberAdded tracks a notify session coming up.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved tracks a notify session going away.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// Handler serves the exposition format for this instrument set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve blocks on an HTTP listener exposing /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	defer close(done)
	groutine.Go(ctx, "metrics-listener-shutdown", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		case <-done:
		}
	})

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}
