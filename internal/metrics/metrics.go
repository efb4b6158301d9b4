// Package metrics exposes Prometheus metrics for the MTA
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tempmail"

var (
	// SMTPConnectionsTotal counts accepted SMTP connections by listener
	SMTPConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total number of accepted SMTP connections by listener",
		},
		[]string{"listener"},
	)

	// SMTPConnectionsActive tracks open SMTP sessions
	SMTPConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_active",
			Help:      "Number of active SMTP sessions",
		},
	)

	// SMTPConnectionsRejected counts connections refused by admission control
	SMTPConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_rejected_total",
			Help:      "Connections refused before the greeting by reason",
		},
		[]string{"reason"},
	)

	// SMTPCommandsTotal counts received commands by verb
	SMTPCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "commands_total",
			Help:      "SMTP commands received by verb",
		},
		[]string{"verb"},
	)

	// SMTPMessagesAccepted counts messages answered with 250 after DATA
	SMTPMessagesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "messages_accepted_total",
			Help:      "Messages accepted after DATA",
		},
	)

	// SMTPMessagesRejected counts messages not accepted after DATA by reason
	SMTPMessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "messages_rejected_total",
			Help:      "Messages rejected after DATA by reason",
		},
		[]string{"reason"},
	)

	// SMTPAuthAttempts counts AUTH exchanges by mechanism and result
	SMTPAuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "auth_attempts_total",
			Help:      "SMTP AUTH attempts by mechanism and result",
		},
		[]string{"mechanism", "result"},
	)

	// SMTPTLSUpgrades counts completed STARTTLS handshakes
	SMTPTLSUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "starttls_total",
			Help:      "STARTTLS upgrades by result",
		},
		[]string{"result"},
	)
)

var (
	// DeliveryAttempts counts outbound delivery attempts by result
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Outbound delivery attempts by result",
		},
		[]string{"result"},
	)

	// DeliveryDuration measures the outbound SMTP conversation
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Outbound delivery duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"result"},
	)

	// DNSResolutions counts exchanger resolutions by source (mx, a, fallback) and cache use
	DNSResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dns_resolutions_total",
			Help:      "Mail exchanger resolutions by source",
		},
		[]string{"source", "cached"},
	)
)

var (
	// HTTPRequestsTotal counts admin HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of admin HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures admin HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)
)

// ObserveDelivery records one finished delivery attempt
func ObserveDelivery(result string, d time.Duration) {
	DeliveryAttempts.WithLabelValues(result).Inc()
	DeliveryDuration.WithLabelValues(result).Observe(d.Seconds())
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware records admin HTTP metrics labelled by chi route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the chi route pattern, falling back to the URL path
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
