package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
)

// PrometheusExporter exports a Collector in Prometheus text format. The
// namespace is prepended to every metric name.
type PrometheusExporter struct {
	collector *Collector
	namespace string
}

// NewPrometheusExporter creates an exporter for the given collector.
func NewPrometheusExporter(c *Collector, namespace string) *PrometheusExporter {
	return &PrometheusExporter{collector: c, namespace: namespace}
}

// Handler returns an http.Handler serving the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		e.WriteMetrics(w)
	})
}

// WriteMetrics writes every metric in Prometheus text format.
func (e *PrometheusExporter) WriteMetrics(w io.Writer) {
	snap := e.collector.Snapshot()
	labels := formatLabels(snap.Labels)

	counters := []struct {
		name  string
		help  string
		value uint64
	}{
		{"attempts_initiated_total", "Recovery attempts started", snap.AttemptsInitiated},
		{"attempts_completed_total", "Recovery attempts finished with a reconstructed credential", snap.AttemptsCompleted},
		{"attempts_failed_total", "Recovery attempts that failed", snap.AttemptsFailed},
		{"attempts_cancelled_total", "Recovery attempts cancelled", snap.AttemptsCancelled},
		{"attempts_expired_total", "Recovery attempts expired", snap.AttemptsExpired},
		{"challenges_sent_total", "Temporal challenges delivered", snap.ChallengesSent},
		{"challenges_answered_total", "Temporal challenge responses scored", snap.ChallengesAnswered},
		{"challenges_correct_total", "Temporal challenge responses scored correct", snap.ChallengesCorrect},
		{"guardian_approvals_total", "Guardian approvals recorded", snap.GuardianApprovals},
		{"guardian_denials_total", "Guardian denials recorded", snap.GuardianDenials},
		{"honeypot_trips_total", "Decoy shard accesses", snap.HoneypotTrips},
		{"security_alerts_total", "Security alert audit events", snap.SecurityAlerts},
		{"rate_limited_total", "Requests rejected by the lockout guard", snap.RateLimitedReqs},
	}
	for _, c := range counters {
		e.writeHelp(w, c.name, c.help)
		e.writeType(w, c.name, "counter")
		e.writeMetric(w, c.name, labels, float64(c.value))
	}

	e.writeHelp(w, "uptime_seconds", "Time since the collector was created")
	e.writeType(w, "uptime_seconds", "gauge")
	e.writeMetric(w, "uptime_seconds", labels, snap.Uptime.Seconds())

	e.writeHistogram(w, "request_duration_milliseconds", "HTTP request duration in milliseconds", labels, snap.RequestLatency)
}

func (e *PrometheusExporter) writeHelp(w io.Writer, name, help string) {
	fmt.Fprintf(w, "# HELP %s_%s %s\n", e.namespace, name, help)
}

func (e *PrometheusExporter) writeType(w io.Writer, name, typ string) {
	fmt.Fprintf(w, "# TYPE %s_%s %s\n", e.namespace, name, typ)
}

func (e *PrometheusExporter) writeMetric(w io.Writer, name, labels string, value float64) {
	if labels != "" {
		fmt.Fprintf(w, "%s_%s{%s} %g\n", e.namespace, name, labels, value)
	} else {
		fmt.Fprintf(w, "%s_%s %g\n", e.namespace, name, value)
	}
}

func (e *PrometheusExporter) writeHistogram(w io.Writer, name, help, labels string, h HistogramSummary) {
	e.writeHelp(w, name, help)
	e.writeType(w, name, "histogram")

	fullName := e.namespace + "_" + name
	for _, b := range h.Buckets {
		le := fmt.Sprintf("%g", b.UpperBound)
		if math.IsInf(b.UpperBound, 1) {
			le = "+Inf"
		}
		if labels != "" {
			fmt.Fprintf(w, "%s_bucket{%s,le=%q} %d\n", fullName, labels, le, b.Count)
		} else {
			fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", fullName, le, b.Count)
		}
	}
	if labels != "" {
		fmt.Fprintf(w, "%s_sum{%s} %g\n", fullName, labels, h.Sum)
		fmt.Fprintf(w, "%s_count{%s} %d\n", fullName, labels, h.Count)
	} else {
		fmt.Fprintf(w, "%s_sum %g\n", fullName, h.Sum)
		fmt.Fprintf(w, "%s_count %d\n", fullName, h.Count)
	}
}

// formatLabels renders labels sorted by key, Prometheus-style.
func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}
