// backtestd is the replay-engine dispatcher: a long-lived process that
// accepts LAUNCH_BACKTEST requests over a Unix domain control socket and
// spawns one session per backtest, each on its own IPC socket.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts dispatcher, waits for SIGINT/SIGTERM
//	internal/dispatcher        — control-plane: LAUNCH_BACKTEST, session registry, graceful shutdown
//	internal/session           — per-backtest session controller (account, book, pre-compute loop)
//	internal/feed              — paged depth/trade event source with slow-start windowing
//	internal/datastore/{mem,http}store — historical-data sources
//	internal/matching          — queue-position/crossed-book fill engine
//	internal/ledger            — balance/position accounting, stop-loss/take-profit, liquidation
//	internal/config            — YAML + BACKTEST_* env configuration
//	internal/metrics           — Prometheus counters/gauges
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/backtest/replay-engine/internal/config"
	"github.com/backtest/replay-engine/internal/dashboard"
	"github.com/backtest/replay-engine/internal/dispatcher"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BACKTEST_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := os.MkdirAll(cfg.Dispatcher.SocketDir, 0o755); err != nil {
		logger.Error("failed to create socket dir", "error", err, "dir", cfg.Dispatcher.SocketDir)
		os.Exit(1)
	}

	disp := dispatcher.New(*cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())

	var dashSrv *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashSrv = dashboard.NewServer(cfg.Dashboard, disp, logger)
		disp.SetDashboardHub(dashSrv.Hub())
		go func() {
			if err := dashSrv.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "port", cfg.Dashboard.Port)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	go func() {
		if err := disp.Serve(ctx); err != nil {
			logger.Error("dispatcher serve failed", "error", err)
			cancel()
		}
	}()

	logger.Info("replay-engine dispatcher started",
		"listen_addr", cfg.Dispatcher.ListenAddr,
		"socket_dir", cfg.Dispatcher.SocketDir,
		"datastore", cfg.Datastore.Kind,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if dashSrv != nil {
		if err := dashSrv.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	cancel()
	disp.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
