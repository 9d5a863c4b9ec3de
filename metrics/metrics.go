// Package metrics exposes Prometheus collectors for the rewards engine on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rewards"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redemption",
			Name:      "attempts_total",
			Help:      "Redemption attempts by outcome (error kind or success/replayed).",
		},
		[]string{"outcome"},
	)

	redemptionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redemption",
			Name:      "duration_seconds",
			Help:      "Duration of redemption attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"outcome"},
	)

	pointsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_total",
			Help:      "Points appended to the ledger by transaction kind.",
		},
		[]string{"kind"},
	)

	earnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "earning",
			Name:      "requests_total",
			Help:      "Earning requests by outcome.",
		},
		[]string{"outcome"},
	)

	compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "compensations_total",
			Help:      "Compensating actions executed after a partial failure.",
		},
		[]string{"action"},
	)

	consistencyAlarms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "consistency_alarms_total",
			Help:      "Compensating actions that failed and may have left drift behind.",
		},
		[]string{"action"},
	)

	walletDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "drift_corrections_total",
			Help:      "Wallets whose cached balance disagreed with the ledger and was corrected.",
		},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "reconcile_runs_total",
			Help:      "Full reconciliation runs by result.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		redemptions,
		redemptionDuration,
		pointsMoved,
		earnings,
		compensations,
		consistencyAlarms,
		walletDrift,
		reconcileRuns,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Requests are labelled with the chi route pattern so path parameters do not
// explode label cardinality.
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordRedemption records one redemption attempt. outcome is "success",
// "replayed" or the error kind.
func RecordRedemption(outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	if duration <= 0 {
		duration = time.Microsecond
	}
	redemptions.WithLabelValues(outcome).Inc()
	redemptionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordEarning(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	earnings.WithLabelValues(outcome).Inc()
}

// RecordPoints adds amount to the points counter of kind ("EARNED", "SPENT").
func RecordPoints(kind string, amount int64) {
	if amount <= 0 {
		return
	}
	pointsMoved.WithLabelValues(kind).Add(float64(amount))
}

func RecordCompensation(action string) {
	compensations.WithLabelValues(action).Inc()
}

func RecordConsistencyAlarm(action string) {
	consistencyAlarms.WithLabelValues(action).Inc()
}

func RecordDriftCorrection() {
	walletDrift.Inc()
}

func RecordReconcileRun(success bool) {
	reconcileRuns.WithLabelValues(strconv.FormatBool(success)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
