package metrics

import (
	"context"
	"net/http"
	"time"
)

// MetricsServer serves the Prometheus endpoint on its own listener, kept
// separate from the API server so scraping survives API drain.
type MetricsServer struct {
	srv       *http.Server
	collector *Collector
}

// New creates a metrics server exposing /metrics under the given namespace.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	return NewWithCollector(namespace, listenAddr, NewCollector(nil))
}

// NewWithCollector creates a metrics server around an existing collector,
// letting the API handlers and the exposition endpoint share counters.
func NewWithCollector(namespace, listenAddr string, collector *Collector) (*MetricsServer, error) {
	exporter := NewPrometheusExporter(collector, namespace)

	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		collector: collector,
	}, nil
}

// Collector returns the collector the rest of the service records into.
func (m *MetricsServer) Collector() *Collector { return m.collector }

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error { return m.srv.ListenAndServe() }

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error { return m.srv.Shutdown(ctx) }
