package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/edgedav/pkg/metrics"
)

// connectivityMetrics is the Prometheus implementation of
// metrics.ConnectivityMetrics.
type connectivityMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	streak      prometheus.Gauge

	mu      sync.Mutex
	current string
}

var _ metrics.ConnectivityMetrics = (*connectivityMetrics)(nil)

// NewConnectivityMetrics creates a Prometheus-backed ConnectivityMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewConnectivityMetrics() metrics.ConnectivityMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newConnectivityMetrics(metrics.GetRegistry())
}

func newConnectivityMetrics(reg prometheus.Registerer) *connectivityMetrics {
	return &connectivityMetrics{
		state: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgedav_connectivity_state",
				Help: "1 for the current connectivity state, 0 otherwise",
			},
			[]string{"state"},
		),
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgedav_connectivity_transitions_total",
				Help: "Connectivity state transitions",
			},
			[]string{"from", "to"},
		),
		failures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgedav_connectivity_failed_attempts_total",
				Help: "Failed association attempts by phase",
			},
			[]string{"phase"}, // "connect", "ip"
		),
		streak: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "edgedav_connectivity_consecutive_failures",
				Help: "Current run of consecutive failed attempts",
			},
		),
	}
}

func (m *connectivityMetrics) SetState(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" && m.current != state {
		m.state.WithLabelValues(m.current).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
	m.current = state
}

func (m *connectivityMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *connectivityMetrics) RecordFailure(phase string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(phase).Inc()
}

func (m *connectivityMetrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.streak.Set(float64(n))
}
