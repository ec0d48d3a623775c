package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/marmos91/rollq/internal/api"
	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/pkg/config"
	"github.com/marmos91/rollq/pkg/metrics"
	"github.com/marmos91/rollq/pkg/queue"
)

var (
	pretouchStatus     bool
	pretouchStatusPort int
)

var pretouchCmd = &cobra.Command{
	Use:   "pretouch",
	Short: "Run the pretoucher for a queue",
	Long: `Run a pretoucher in the foreground until interrupted. Every
queue.pretouch.interval it grows the current segment and faults in the
pages just past the write position, so writers in other processes do not
pay for page faults or file growth. It also creates the next cycle's
segment once the cycle starts.

With the status server enabled, /health, /segments and /metrics are
served on status.port.

Examples:
  rollq pretouch --dir /var/lib/rollq/orders
  rollq pretouch --status --status-port 9191`,
	Args: cobra.NoArgs,
	RunE: runPretouch,
}

func init() {
	pretouchCmd.Flags().BoolVar(&pretouchStatus, "status", false, "Serve the HTTP status server (overrides status.enabled)")
	pretouchCmd.Flags().IntVar(&pretouchStatusPort, "status-port", 0, "Status server port (overrides status.port)")
}

// statusGatherer returns the metrics registry when metrics are enabled.
func statusGatherer() prometheus.Gatherer {
	if !metrics.IsEnabled() {
		return nil
	}
	return metrics.GetRegistry()
}

func statusServer(cfg *config.Config, q *queue.Queue) *api.Server {
	return api.NewServer(api.Config{
		Port:            cfg.Status.Port,
		ReadTimeout:     cfg.Status.ReadTimeout,
		WriteTimeout:    cfg.Status.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, q, statusGatherer())
}

func runPretouch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("status") {
		cfg.Status.Enabled = pretouchStatus
	}
	if pretouchStatusPort != 0 {
		cfg.Status.Port = pretouchStatusPort
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdownObservability, err := startObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownObservability()

	queueMetrics := config.InitializeMetrics(cfg)
	if queueMetrics == nil {
		logger.Info("Metrics collection disabled")
	}

	q, err := openQueue(ctx, cfg, false, queueMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("Queue close error", logger.Err(err))
		}
	}()

	p, err := q.Pretoucher()
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	var srv *api.Server
	if cfg.Status.Enabled {
		srv = statusServer(cfg, q)
		go func() { serverDone <- srv.Start(ctx) }()
		logger.Info("Status server enabled", "port", cfg.Status.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Pretoucher is running. Press Ctrl+C to stop.",
		logger.QueueDir(q.Dir()), logger.RollCycle(q.RollCycle().Name))

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case <-ctx.Done():
	case err := <-serverDone:
		if err != nil {
			logger.Error("Status server error", logger.Err(err))
			runErr = fmt.Errorf("status server: %w", err)
		}
	}
	cancel()

	if srv != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Status server shutdown error", logger.Err(err))
		}
		stopCancel()
	}

	p.Stop()
	stats := p.Stats()
	logger.Info("Pretoucher stopped",
		"passes", stats.Passes,
		logger.Pages(int(stats.Pages)),
		"errors", stats.Errors,
		logger.Cycle(stats.Cycle))
	return runErr
}
