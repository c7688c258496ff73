package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
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

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Decisions taken by each gate of the privileged-action pipeline.",
		},
		[]string{"gate", "outcome"},
	)

	rateLimitFailOpen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_fail_open_total",
			Help: "Rate-limit checks admitted because the cache was unavailable.",
		},
		[]string{"action"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})

	floodRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flood_rejections_total",
			Help: "Messages rejected by the flood guard or content heuristics.",
		},
		[]string{"reason"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the readiness probe last succeeded.",
	})

	initOnce sync.Once
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			gateDecisions, rateLimitFailOpen, auditWriteFailures, floodRejections, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveGate counts a pipeline decision, e.g. ("authorize", "denied").
func ObserveGate(gate, outcome string) {
	gateDecisions.WithLabelValues(gate, outcome).Inc()
}

// RateLimitFailedOpen counts a check admitted during a cache outage.
func RateLimitFailedOpen(action string) {
	rateLimitFailOpen.WithLabelValues(action).Inc()
}

// AuditWriteFailed counts an audit entry lost to a store error.
func AuditWriteFailed() {
	auditWriteFailures.Inc()
}

// FloodRejected counts a rejected message.
func FloodRejected(reason string) {
	floodRejections.WithLabelValues(reason).Inc()
}

// SetReady mirrors the readiness probe into the ready gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures RPS, latency and in-flight requests. Mounted inside the chi
// router so the matched route pattern is available as the path label.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// idSegments lists path segments whose successor is an identifier.
var idSegments = map[string]struct{}{
	"bans":     {},
	"timeouts": {},
	"rooms":    {},
}

// CanonicalPath replaces identifier segments with ":id" to keep label cardinality bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if _, ok := idSegments[parts[i-1]]; ok && parts[i] != "" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
