package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_http_requests_total",
			Help: "Control API requests by route and status class.",
		},
		[]string{"method", "route", "class"},
	)

	// Update streams stay open for a whole run and are left out.
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_http_request_duration_seconds",
			Help:    "Control API latency for non-streaming routes.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	sseClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_sse_clients",
			Help: "Number of connected update stream clients.",
		},
		[]string{"stream"},
	)

	sessionActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_session_actions_total",
			Help: "Operator actions on sessions by outcome.",
		},
		[]string{"action", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, sseClients, sessionActions)
}

// Session action names.
const (
	actionStart   = "start"
	actionResolve = "resolve"
	actionAbort   = "abort"
)

// recordAction counts an operator action by its response status.
func recordAction(action string, status int) {
	outcome := "ok"
	switch {
	case status == http.StatusNotFound:
		outcome = "not_found"
	case status == http.StatusConflict:
		outcome = "conflict"
	case status >= 500:
		outcome = "error"
	case status >= 400:
		outcome = "rejected"
	}
	sessionActions.WithLabelValues(action, outcome).Inc()
}

// countAction wraps an operator action handler with recordAction.
func countAction(action string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h(ww, r)
		recordAction(action, ww.Status())
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, statusClass(status)).Inc()
		if !isStreamRoute(route) {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func isStreamRoute(route string) bool {
	return strings.HasSuffix(route, "/updates")
}

// routePattern keeps label cardinality bounded by run and device ids.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
