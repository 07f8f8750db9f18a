package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aep/strata/db"
	"github.com/aep/strata/engine"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Global registry so it can be accessed from middleware
var promRegistry *prometheus.Registry

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	storeCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_commit_duration_seconds",
			Help:    "Duration of write transactions, issue to durable commit",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 0.2, 0.5, 1, 1.5, 2},
		},
		[]string{"operation"},
	)

	storeCommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_commit_failures_total",
			Help: "Total number of failed write transactions",
		},
		[]string{"operation", "error_kind"},
	)

	watchSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watch_subscribers",
			Help: "Open watch streams",
		},
	)
)

func init() {
	promRegistry = prometheus.NewRegistry()

	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())

	promRegistry.MustRegister(httpRequestsTotal)
	promRegistry.MustRegister(httpRequestDuration)
	promRegistry.MustRegister(storeCommitDuration)
	promRegistry.MustRegister(storeCommitFailures)
	promRegistry.MustRegister(watchSubscribers)
}

// observeCommit records one write transaction's outcome.
func observeCommit(op string, start time.Time, err error) {
	storeCommitDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	kind := string(engine.KindEngine)
	var ee *engine.Error
	if errors.As(err, &ee) {
		kind = string(ee.Kind)
	}
	storeCommitFailures.WithLabelValues(op, kind).Inc()
}

// statsd serves the health and metrics side listener. Liveness rides a
// real engine round trip, so a wedged loop reports unhealthy.
func (s *server) statsd(addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := db.Databases(r.Context(), s.eng); err != nil {
			w.WriteHeader(503)
			return
		}
		w.Write([]byte("OK"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	healthServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	err := healthServer.ListenAndServe()
	panic(err)
}

// PrometheusMiddleware records HTTP request metrics. The path label is
// the route pattern, not the raw URL, so record keys cannot blow up
// the cardinality.
func PrometheusMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()

		err := next(c)

		duration := time.Since(start).Seconds()
		status := c.Response().Status
		method := c.Request().Method
		path := c.Path()

		httpRequestsTotal.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
		httpRequestDuration.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Observe(duration)

		return err
	}
}
