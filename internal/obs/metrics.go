package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP and authorization-core metrics.
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

	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Authentication attempts by credential mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auth_sessions_active",
		Help: "Sessions currently held by the in-process store.",
	})

	rateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_rate_limit_rejections_total",
		Help: "Requests rejected by the sliding-window rate limiter.",
	})

	csrfFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_csrf_failures_total",
		Help: "Mutations rejected by the CSRF guard.",
	})
)

// Init registers metrics with the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authAttemptsTotal, sessionsActive, rateLimitRejections, csrfFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthAttempt records an authentication outcome ("ok", "denied",
// "expired", "error") for the given mode ("token" or "session").
func ObserveAuthAttempt(mode, outcome string) {
	authAttemptsTotal.WithLabelValues(mode, outcome).Inc()
}

// SessionOpened / SessionClosed track the in-process session gauge.
func SessionOpened() { sessionsActive.Inc() }
func SessionClosed() { sessionsActive.Dec() }

// SessionsSwept subtracts sessions removed by a background sweep.
func SessionsSwept(n int) { sessionsActive.Sub(float64(n)) }

// RateLimitRejected counts a limiter rejection.
func RateLimitRejected() { rateLimitRejections.Inc() }

// CSRFRejected counts a failed anti-forgery validation.
func CSRFRejected() { csrfFailures.Inc() }

// Instrument wraps a handler with request counting and latency observation.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
