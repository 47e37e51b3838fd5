package config

import (
	"github.com/marmos91/edgedav/pkg/metrics"
	promMetrics "github.com/marmos91/edgedav/pkg/metrics/prometheus"
)

// MetricsResult contains the metrics collectors created from configuration.
type MetricsResult struct {
	// WebDAV is the collector for the file server (nil if disabled)
	WebDAV metrics.WebDAVMetrics

	// Connectivity is the collector for the link supervisor (nil if disabled)
	Connectivity metrics.ConnectivityMetrics
}

// InitializeMetrics creates the metrics collectors based on configuration.
//
// If metrics are enabled:
//   - Initializes the global Prometheus registry, which the status API
//     serves on /metrics
//   - Creates Prometheus-backed collectors for every component
//
// If metrics are disabled, the collectors are nil and components skip
// recording (zero overhead).
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		WebDAV:       promMetrics.NewWebDAVMetrics(),
		Connectivity: promMetrics.NewConnectivityMetrics(),
	}
}
