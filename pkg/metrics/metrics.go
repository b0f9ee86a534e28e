package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"

	CallToken    = "token"
	CallUserinfo = "userinfo"
	CallWebhook  = "webhook"
)

type Metrics struct {
	flowStarts       prometheus.Counter
	callbacks        *prometheus.CounterVec
	profileFailures  prometheus.Counter
	relays           *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	requestDuration  *prometheus.HistogramVec
	activeRequests   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		flowStarts: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "oauthrelay_flow_starts_total",
			Help: "Total number of authorization flows started",
		}),
		callbacks: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthrelay_callbacks_total",
			Help: "Total number of provider callbacks labelled by result",
		}, []string{"result"}),
		profileFailures: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "oauthrelay_profile_fetch_failures_total",
			Help: "Total number of userinfo fetches that failed and were relayed as an error marker",
		}),
		relays: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthrelay_relay_total",
			Help: "Total number of webhook deliveries labelled by result",
		}, []string{"result"}),
		upstreamDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauthrelay_upstream_duration_seconds",
			Help:    "Duration of outbound calls labelled by call",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"call"}),
		requestDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauthrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests labelled by route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"route", "status"}),
		activeRequests: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "oauthrelay_http_active_requests",
			Help: "Current in-flight HTTP requests",
		}),
	}
}

func (m *Metrics) FlowStarted() {
	m.flowStarts.Inc()
}

// Callback counts a finished callback; result is ResultOK or an error code.
func (m *Metrics) Callback(result string) {
	m.callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) ProfileFetchFailed() {
	m.profileFailures.Inc()
}

func (m *Metrics) Relay(err error) {
	if err != nil {
		m.relays.WithLabelValues(ResultFailed).Inc()
		return
	}
	m.relays.WithLabelValues(ResultOK).Inc()
}

func (m *Metrics) ObserveUpstream(call string, start time.Time) {
	m.upstreamDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

type responseInterceptor struct {
	http.ResponseWriter
	status int
}

func (w *responseInterceptor) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware records request durations. route maps a request to a bounded
// label value.
func (m *Metrics) Middleware(route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		interceptor := &responseInterceptor{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(interceptor, r)
		m.requestDuration.WithLabelValues(route(r), strconv.Itoa(interceptor.status)).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
