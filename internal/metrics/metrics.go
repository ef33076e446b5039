// Package metrics exposes the Prometheus registry for the cognitive
// engine runtime: session append latency, bridge fan-out latency,
// consolidation job duration, retention sweep counts, and retrieval
// latency, all under one namespaced registry.
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

const namespace = "cognizes"

var (
	// Registry holds every collector this repository registers.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	sessionAppendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "append_duration_seconds",
		Help:      "Duration of individual append_event attempts; each optimistic retry is observed separately.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"outcome"})

	sessionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "concurrency_conflicts_total",
		Help:      "Total number of ConcurrencyConflict errors observed by append_event.",
	})

	bridgeFanoutDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "fanout_duration_seconds",
		Help:      "Duration from NOTIFY receipt to subscriber enqueue.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"event_type"})

	bridgeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "dropped_events_total",
		Help:      "Notifications that mapped to no semantic event or a full subscriber queue.",
	}, []string{"reason"})

	consolidationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "consolidation",
		Name:      "job_duration_seconds",
		Help:      "Duration of consolidation jobs by job type and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"job_type", "status"})

	retentionSweepDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retention",
		Name:      "swept_memories_total",
		Help:      "Total memories deleted by the retention cleanup sweep.",
	})

	retrievalDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "stage_duration_seconds",
		Help:      "Duration of retrieval pipeline stages (coarse, rrf, rerank).",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"stage"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sessionAppendDuration,
		sessionConflicts,
		bridgeFanoutDuration,
		bridgeDropped,
		consolidationDuration,
		retentionSweepDeleted,
		retrievalDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler serves the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request count/duration/
// in-flight collection, skipping the metrics endpoint itself.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSessionAppend records one append_event attempt's duration and
// outcome ("ok", "conflict", or "error").
func RecordSessionAppend(outcome string, d time.Duration) {
	sessionAppendDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome == "conflict" {
		sessionConflicts.Inc()
	}
}

// RecordBridgeFanout records the latency from notification receipt to
// subscriber enqueue for one semantic event type.
func RecordBridgeFanout(eventType string, d time.Duration) {
	bridgeFanoutDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

// RecordBridgeDrop counts a notification that produced no semantic event
// or that could not be delivered (full queue), tagged by reason.
func RecordBridgeDrop(reason string) {
	bridgeDropped.WithLabelValues(reason).Inc()
}

// RecordConsolidationJob records a completed or failed consolidation job.
func RecordConsolidationJob(jobType, status string, d time.Duration) {
	consolidationDuration.WithLabelValues(jobType, status).Observe(d.Seconds())
}

// RecordRetentionSweep adds deletedCount to the sweep counter.
func RecordRetentionSweep(deletedCount int64) {
	retentionSweepDeleted.Add(float64(deletedCount))
}

// RecordRetrievalStage records the duration of one retrieval pipeline
// stage ("coarse", "rrf", "rerank").
func RecordRetrievalStage(stage string, d time.Duration) {
	retrievalDuration.WithLabelValues(stage).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-parameter segments under /sessions/ so
// high-cardinality ids don't explode the requests_total label set.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	parts := strings.Split(trimmed, "/")
	if parts[0] == "sessions" {
		if len(parts) == 1 || parts[1] == "list" {
			return "/" + strings.Join(parts, "/")
		}
		if len(parts) == 2 {
			return "/sessions/:id"
		}
		return "/sessions/:id/" + strings.Join(parts[2:], "/")
	}
	return "/" + parts[0]
}
