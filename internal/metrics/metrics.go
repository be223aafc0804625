// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream message results.
const (
	MessageApplied   = "applied"
	MessageMalformed = "malformed"
)

// Poll results.
const (
	PollOK    = "ok"
	PollError = "error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	streamMessagesTotal        *prometheus.CounterVec
	pollRequestsTotal          *prometheus.CounterVec
	transportFallbacksTotal    prometheus.Counter
	resultFetchesTotal         *prometheus.CounterVec
	relaySubscribers           prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		streamMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genprogress_stream_messages_total",
				Help: "Push channel messages received, labeled by result.",
			},
			[]string{"result"},
		)

		pollRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genprogress_poll_requests_total",
				Help: "Status polls issued, labeled by result.",
			},
			[]string{"result"},
		)

		transportFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "genprogress_transport_fallbacks_total",
				Help: "Times a push channel failed and tracking fell back to polling.",
			},
		)

		resultFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genprogress_result_fetches_total",
				Help: "Final result fetches issued during reconciliation, labeled by result.",
			},
			[]string{"result"},
		)

		relaySubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "genprogress_relay_subscribers",
				Help: "Number of open relay event streams.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genprogress_backend_rate_limit_delay_seconds",
				Help:    "Time backend requests waited on the rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveStreamMessage counts one push channel message.
func ObserveStreamMessage(result string) {
	Init()
	streamMessagesTotal.WithLabelValues(result).Inc()
}

// ObservePoll counts one status poll.
func ObservePoll(result string) {
	Init()
	pollRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveFallback counts a switch from push to polling.
func ObserveFallback() {
	Init()
	transportFallbacksTotal.Inc()
}

// ObserveResultFetch counts one result fetch.
func ObserveResultFetch(ok bool) {
	Init()
	label := PollOK
	if !ok {
		label = PollError
	}
	resultFetchesTotal.WithLabelValues(label).Inc()
}

// IncRelaySubscribers increments the relay subscriber gauge.
func IncRelaySubscribers() {
	Init()
	relaySubscribers.Inc()
}

// DecRelaySubscribers decrements the relay subscriber gauge.
func DecRelaySubscribers() {
	Init()
	relaySubscribers.Dec()
}

// ObserveRateLimitDelay records how long a backend request waited for a token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}
