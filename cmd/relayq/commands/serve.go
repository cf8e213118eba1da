package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/relayq/internal/api"
	"github.com/busybox42/relayq/internal/delivery"
	"github.com/busybox42/relayq/internal/dsn"
	"github.com/busybox42/relayq/internal/logging"
	"github.com/busybox42/relayq/internal/metrics"
	"github.com/busybox42/relayq/internal/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long:  "Restore the queue, run the delivery scheduler and serve the operational API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("hostname", "", "relay hostname (overrides config)")
	serveCmd.Flags().String("api-listen", "", "API listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		cfg.Server.Hostname = hostname
	}
	if listen, _ := cmd.Flags().GetString("api-listen"); listen != "" {
		cfg.Server.APIListen = listen
	}

	logCloser, err := logging.Setup(cfg.LoggingOptions())
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeCloser, err := queue.OpenStore(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	defer storeCloser.Close()

	rules, err := cfg.Rules()
	if err != nil {
		return fmt.Errorf("invalid delivery policy: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	}

	dcfg := cfg.DeliveryConfig()
	dispatcher := delivery.NewDispatcher(dcfg, delivery.NewDNSCache(dcfg, nil), m)
	scheduler := queue.NewScheduler(cfg.SchedulerConfig(), store, rules, dispatcher,
		dsn.NewGenerator(cfg.Server.Hostname), queue.WithMetrics(m))
	defer scheduler.Close()

	if err := scheduler.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	apiServer := api.NewServer(cfg.Server.APIListen, scheduler, m)
	if err := apiServer.Start(); err != nil {
		return err
	}

	slog.Info("Relay started",
		"hostname", cfg.Server.Hostname,
		"api", apiServer.Addr(),
		"queue_type", cfg.Queue.Type,
		"rules", rules.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-scheduler.Events():
				if ev.Kind == queue.EventPaused {
					slog.Warn("Delivery paused", "reason", ev.Reason)
				}
			}
		}
	})

	err = g.Wait()
	slog.Info("Shutting down")
	if stopErr := apiServer.Stop(); stopErr != nil {
		slog.Error("Error stopping API server", "error", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}
