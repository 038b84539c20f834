package obs

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check passed.",
	})

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_operations_total",
			Help: "Governance operations by outcome (ok or error kind).",
		},
		[]string{"op", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governance_operation_duration_seconds",
			Help:    "Governance operation latency including persistence.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_events_total",
			Help: "Committed governance events by type.",
		},
		[]string{"type"},
	)

	withdrawnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_withdrawn_amount_total",
		Help: "Sum of processed withdrawal amounts in minor units.",
	})
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			operationsTotal, operationDuration, eventsTotal, withdrawnTotal,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures in-flight requests, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses resource ids so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "identities", "quota":
		if len(parts) == 3 {
			return "/v1/" + parts[1] + "/:id"
		}
	case "actions":
		if len(parts) == 3 {
			return "/v1/actions/:id"
		}
		if len(parts) == 4 && (parts[3] == "approvals" || parts[3] == "details") {
			return "/v1/actions/:id/" + parts[3]
		}
	case "custody":
		if len(parts) == 4 && parts[3] == "balance" {
			return "/v1/custody/:id/balance"
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// GovernanceMetrics implements governance.Observer and governance.EventSink.
type GovernanceMetrics struct{}

var (
	_ governance.Observer  = GovernanceMetrics{}
	_ governance.EventSink = GovernanceMetrics{}
)

func (GovernanceMetrics) Observe(op string, err error, elapsed time.Duration) {
	operationsTotal.WithLabelValues(op, Outcome(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (GovernanceMetrics) Publish(_ context.Context, evt governance.Event) {
	eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	if evt.Type == governance.EventWithdrawalProcessed {
		withdrawnTotal.Add(float64(evt.Amount))
	}
}

// Outcome labels err as "ok", its governance kind, or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := governance.KindOf(err); k != governance.KindUnknown {
		return string(k)
	}
	return "error"
}
