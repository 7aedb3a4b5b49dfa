package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/retrovue-playoutd/internal/controlplane"
	"github.com/jmylchreest/retrovue-playoutd/internal/database"
	"github.com/jmylchreest/retrovue-playoutd/internal/engine"
	httptransport "github.com/jmylchreest/retrovue-playoutd/internal/http"
	"github.com/jmylchreest/retrovue-playoutd/internal/janitor"
	"github.com/jmylchreest/retrovue-playoutd/internal/metrics"
	"github.com/jmylchreest/retrovue-playoutd/internal/observability"
	"github.com/jmylchreest/retrovue-playoutd/internal/planregistry"
	"github.com/jmylchreest/retrovue-playoutd/internal/transport/httpapi"
	"github.com/jmylchreest/retrovue-playoutd/internal/version"
)

// serveCmd starts the playout daemon: control-plane HTTP API, metrics
// endpoint, and the janitor sweep, all sharing one process lifetime.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playout daemon",
	Long: `Start retrovue-playoutd's control plane, metrics endpoint, and
background maintenance sweep. Channels are created on demand via the
start_channel control-plane command; none run until requested.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	info := version.GetInfo()
	logger.Info("retrovue-playoutd starting",
		slog.String("version", info.Version),
		slog.String("commit", info.CommitSHA),
		slog.String("go", info.GoVersion),
	)

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	registry, err := planregistry.New(db)
	if err != nil {
		return fmt.Errorf("initializing plan registry: %w", err)
	}

	metricsRegistry := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(ctx, *cfg, logger)

	adapter := controlplane.New(registry, func(startCtx context.Context, channelID int32, path, assetID string, port int32, udsPath string) (*controlplane.Channel, error) {
		return eng.StartWithMetrics(startCtx, channelID, path, assetID, port, udsPath, metricsRegistry)
	}, logger)

	handler := httpapi.NewHandler(adapter, eng.SwapPlan)

	serverCfg := httptransport.ServerConfig{
		Host:            cfg.ControlPlane.Host,
		Port:            cfg.ControlPlane.Port,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: cfg.ControlPlane.ShutdownTimeout,
	}
	server := httptransport.NewServer(serverCfg, logger, info.Version)
	handler.Register(server.API())

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(metricsRegistry.Registerer(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Address(),
		Handler: metricsMux,
	}

	metricsRegistry.StartProcessSampler(ctx, time.Second)

	j := janitor.New(cfg.Janitor, logger)
	if err := j.Start(); err != nil {
		return fmt.Errorf("starting janitor: %w", err)
	}
	defer j.Stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("control-plane API listening", slog.String("address", cfg.ControlPlane.Address()))
		if err := server.ListenAndServe(ctx); err != nil {
			errCh <- fmt.Errorf("control-plane server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics endpoint listening", slog.String("address", cfg.Metrics.Address()), slog.String("path", cfg.Metrics.Path))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error, shutting down", slog.String("error", err.Error()))
	}

	cancel()

	for _, id := range eng.ActiveChannelIDs() {
		if err := adapter.StopChannel(id); err != nil {
			logger.Warn("error stopping channel during shutdown", slog.Int("channel_id", int(id)), slog.String("error", err.Error()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ControlPlane.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control-plane server shutdown error", slog.String("error", err.Error()))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.String("error", err.Error()))
	}

	if err := eng.Wait(); err != nil {
		logger.Warn("engine goroutines exited with error", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
	return nil
}
