package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tontine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tontine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tontine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	ledgerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tontine",
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Ledger gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tontine",
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Duration of ledger gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"op"},
	)

	settlementOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tontine",
			Subsystem: "settlement",
			Name:      "outcomes_total",
			Help:      "Per-group outcomes of settlement passes.",
		},
		[]string{"status"},
	)

	settlementPasses = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tontine",
			Subsystem: "settlement",
			Name:      "pass_duration_seconds",
			Help:      "Duration of whole settlement passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	storeConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tontine",
			Subsystem: "store",
			Name:      "version_conflicts_total",
			Help:      "Optimistic version conflicts seen by the repository.",
		},
		[]string{"collection"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerCalls,
		ledgerDuration,
		settlementOutcomes,
		settlementPasses,
		storeConflicts,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Routes are labelled by their chi pattern so ids do not explode cardinality.
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

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordLedgerCall records one gateway call.
func RecordLedgerCall(op string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerCalls.WithLabelValues(op, result).Inc()
	ledgerDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSettlementOutcome counts one per-group outcome.
func RecordSettlementOutcome(status string) {
	settlementOutcomes.WithLabelValues(status).Inc()
}

// RecordSettlementPass records the duration of a whole pass.
func RecordSettlementPass(duration time.Duration) {
	settlementPasses.Observe(duration.Seconds())
}

// RecordConflict counts a version conflict on a collection.
func RecordConflict(collection string) {
	storeConflicts.WithLabelValues(collection).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
