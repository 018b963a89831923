package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plantapi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "plantapi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "plantapi",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
	)

	inferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "plantapi",
			Subsystem: "model",
			Name:      "inference_duration_seconds",
			Help:      "Duration of a single forward pass",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plantapi",
			Subsystem: "model",
			Name:      "predictions_total",
			Help:      "Predictions by class index",
		},
		[]string{"class"},
	)

	predictErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plantapi",
			Subsystem: "model",
			Name:      "errors_total",
			Help:      "Failed predictions by stage",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight,
		inferenceDuration, predictionsTotal, predictErrors)
}

// MetricsMiddleware instruments requests for Prometheus. A request whose
// handler panics is counted as a 500 before the panic continues upward.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		httpInflight.Inc()
		panicked := true
		defer func() {
			httpInflight.Dec()

			// The route pattern is only known once chi has routed the request.
			path := routePattern(r)
			code := ww.Status()
			switch {
			case panicked && code == 0:
				code = http.StatusInternalServerError
			case code == 0:
				code = http.StatusOK
			}
			status := strconv.Itoa(code)
			httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
			httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(ww, r)
		panicked = false
	})
}

// routePattern returns the chi route pattern, or "unmatched" for
// requests no route handled. This avoids high-cardinality label values.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
