package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/edgedav/pkg/metrics"
)

// webdavMetrics is the Prometheus implementation of metrics.WebDAVMetrics.
type webdavMetrics struct {
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	activeConnections      prometheus.Gauge

	requestsTotal    *prometheus.CounterVec
	requestsInFlight *prometheus.GaugeVec
	requestDuration  *prometheus.HistogramVec
	responseBytes    *prometheus.HistogramVec

	admissionWait prometheus.Histogram
	ticketsInUse  prometheus.Gauge
	rateLimited   prometheus.Counter
}

var _ metrics.WebDAVMetrics = (*webdavMetrics)(nil)

// NewWebDAVMetrics creates a Prometheus-backed WebDAVMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewWebDAVMetrics() metrics.WebDAVMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newWebDAVMetrics(metrics.GetRegistry())
}

func newWebDAVMetrics(reg prometheus.Registerer) *webdavMetrics {
	return &webdavMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgedav_webdav_connections_accepted_total",
				Help: "Total number of accepted WebDAV connections",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgedav_webdav_connections_closed_total",
				Help: "Total number of closed WebDAV connections",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgedav_webdav_connections_force_closed_total",
				Help: "Connections closed after the shutdown timeout",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "edgedav_webdav_active_connections",
				Help: "Current number of open WebDAV connections",
			},
		),
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgedav_webdav_requests_total",
				Help: "Total number of WebDAV requests by method and status",
			},
			[]string{"method", "status"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgedav_webdav_requests_in_flight",
				Help: "Requests currently inside the protocol handler",
			},
			[]string{"method"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "edgedav_webdav_request_duration_milliseconds",
				Help: "Duration of WebDAV requests in milliseconds",
				Buckets: []float64{
					1,      // 1ms - PROPFIND on a warm directory
					5,      // 5ms
					10,     // 10ms
					50,     // 50ms
					100,    // 100ms
					500,    // 500ms
					1000,   // 1s
					5000,   // 5s - multi-megabyte transfers
					30000,  // 30s
					120000, // 2m
				},
			},
			[]string{"method"},
		),
		responseBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "edgedav_webdav_response_bytes",
				Help: "Distribution of response body sizes",
				Buckets: []float64{
					512,      // 512B - status bodies
					4096,     // 4KB
					16384,    // 16KB - one allocation unit
					131072,   // 128KB
					1048576,  // 1MB
					10485760, // 10MB
				},
			},
			[]string{"method"},
		),
		admissionWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "edgedav_admission_wait_milliseconds",
				Help: "Time requests spent waiting for an admission ticket",
				Buckets: []float64{
					0.01, // uncontended
					1,
					10,
					100,
					1000,
					10000,
					60000,
				},
			},
		),
		ticketsInUse: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "edgedav_admission_tickets_in_use",
				Help: "Outstanding admission tickets",
			},
		),
		rateLimited: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "edgedav_webdav_rate_limited_total",
				Help: "Requests delayed by the request rate limiter",
			},
		),
	}
}

func (m *webdavMetrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
}

func (m *webdavMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
}

func (m *webdavMetrics) RecordConnectionForceClosed() {
	if m == nil {
		return
	}
	m.connectionsForceClosed.Inc()
}

func (m *webdavMetrics) SetActiveConnections(count int32) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
}

func (m *webdavMetrics) RecordRequestStart(method string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(method).Inc()
}

func (m *webdavMetrics) RecordRequestEnd(method string) {
	if m == nil {
		return
	}
	m.requestsInFlight.WithLabelValues(method).Dec()
}

func (m *webdavMetrics) RecordRequest(method string, status int, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(float64(duration.Microseconds()) / 1000.0)
	m.responseBytes.WithLabelValues(method).Observe(float64(bytes))
}

func (m *webdavMetrics) ObserveAdmissionWait(wait time.Duration) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(float64(wait.Microseconds()) / 1000.0)
}

func (m *webdavMetrics) SetTicketsInUse(n int64) {
	if m == nil {
		return
	}
	m.ticketsInUse.Set(float64(n))
}

func (m *webdavMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
