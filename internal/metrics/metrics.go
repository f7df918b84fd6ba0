package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_outbound_messages_total",
			Help: "Outbound send attempts by provider, channel and result",
		},
		[]string{"provider", "channel", "result"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_webhook_events_total",
			Help: "Normalized webhook envelopes by provider, kind and result",
		},
		[]string{"provider", "kind", "result"},
	)

	StatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_status_updates_total",
			Help: "Delivery status updates by outcome (applied, conflict, pending, dropped)",
		},
		[]string{"outcome"},
	)

	CampaignRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_campaign_runs_total",
			Help: "Campaign executions by final status",
		},
		[]string{"status"},
	)

	AutomationSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_steps_total",
			Help: "Automation steps executed by action and result",
		},
		[]string{"action", "result"},
	)

	PendingStatusBuffer = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crm_pending_status_updates",
			Help: "Status updates waiting for their message to be acknowledged",
		},
	)
)

// Middleware records request counts and latency labelled by the matched chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
