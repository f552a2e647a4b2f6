// Package metrics exposes jobservd's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatchedRuns counts runs handed to workers by the dispatcher.
	DispatchedRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobserv_dispatched_runs_total",
		Help: "Runs claimed by polling workers.",
	})

	// QueuedRuns tracks the QUEUED backlog per host tag, refreshed by the
	// surge monitor each tick.
	QueuedRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobserv_queued_runs",
		Help: "Queued runs per host tag.",
	}, []string{"host_tag"})

	// SurgeActive is 1 while a host tag has an active surge flag.
	SurgeActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobserv_surge_active",
		Help: "Whether a surge flag is active for a host tag.",
	}, []string{"host_tag"})

	// RunStatusTransitions counts run status changes by target status.
	RunStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobserv_run_status_transitions_total",
		Help: "Run status transitions by new status.",
	}, []string{"status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobserv_http_request_duration_seconds",
		Help:    "HTTP request latency by method and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "code"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request latency and status for every handled request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		httpDuration.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
