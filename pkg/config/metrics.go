package config

import (
	"github.com/marmos91/rollq/pkg/metrics"
	promqueue "github.com/marmos91/rollq/pkg/metrics/prometheus"
	"github.com/marmos91/rollq/pkg/queue"
)

// InitializeMetrics enables the metrics registry when configured and
// returns the queue instrumentation. It returns nil when metrics are
// disabled.
func InitializeMetrics(cfg *Config) queue.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	metrics.InitRegistry()
	return promqueue.NewQueueMetrics()
}
