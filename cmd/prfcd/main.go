// Command prfcd runs the PRFC gateway: it loads a ControllerConfig,
// starts the control loop, and serves the operational HTTP surface,
// shutting down gracefully on SIGINT. Grounded on the teacher's
// cli/cmd/ariadne/main.go flag-parsing and double-signal shutdown
// pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/relaygrid/prfc/internal/breaker"
	"github.com/relaygrid/prfc/internal/config"
	"github.com/relaygrid/prfc/internal/controller"
	"github.com/relaygrid/prfc/internal/events"
	"github.com/relaygrid/prfc/internal/httpapi"
	"github.com/relaygrid/prfc/internal/logging"
	"github.com/relaygrid/prfc/internal/metrics"
)

func main() {
	var (
		configPath     string
		listenAddr     string
		metricsBackend string
		watchConfig    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a ControllerConfig file (YAML or JSON, required)")
	flag.StringVar(&listenAddr, "listen", "", "Override the config's listen_addr (e.g. :8080)")
	flag.StringVar(&metricsBackend, "metrics-backend", "", "Override the config's metrics_backend: prom|otel|noop")
	flag.BoolVar(&watchConfig, "watch-config", true, "Hot-reload the config file on change")
	flag.Parse()

	if configPath == "" {
		fmt.Println("usage: prfcd -config <path> [-listen :8080] [-metrics-backend prom|otel|noop]")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if metricsBackend != "" {
		cfg.MetricsBackend = metricsBackend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	metricsProvider, metricsHandler := buildMetricsProvider(metrics.Backend(cfg.MetricsBackend))

	bus := events.NewBus()
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	prober := controller.NewSimulatedProber(func() int64 { return time.Now().UnixMilli() })

	ctrl, err := controller.New(cfg, controller.Deps{
		Bus:      bus,
		Metrics:  metricsProvider,
		Log:      logger,
		Breakers: breakers,
		Prober:   prober,
	})
	if err != nil {
		log.Fatalf("build controller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "signal received; initiating graceful shutdown")
		cancel()
		<-sigCh
		logger.ErrorCtx(ctx, "second signal received; forcing exit")
		os.Exit(1)
	}()

	mgr := config.NewManager(cfg)
	if watchConfig {
		w, err := config.NewWatcher(configPath, mgr, logger)
		if err != nil {
			log.Fatalf("watch config: %v", err)
		}
		w.OnReload(func(newCfg config.ControllerConfig) {
			if err := ctrl.ApplyReload(newCfg); err != nil {
				logger.ErrorCtx(ctx, "reload rejected by controller", "error", err.Error())
			}
		})
		go w.Run(ctx)
	}

	server := httpapi.New(ctrl, metricsHandler)
	go func() {
		if err := httpapi.Serve(ctx, cfg.ListenAddr, server); err != nil {
			logger.ErrorCtx(ctx, "http surface stopped", "error", err.Error())
		}
	}()

	logger.InfoCtx(ctx, "prfcd started", "listen_addr", cfg.ListenAddr, "metrics_backend", cfg.MetricsBackend)
	if err := ctrl.Run(ctx); err != nil {
		logger.ErrorCtx(ctx, "controller stopped with error", "error", err.Error())
		os.Exit(1)
	}
}

// buildMetricsProvider constructs the configured backend and, for
// Prometheus, its scrape handler (spec §4.11 — ControllerConfig.MetricsBackend
// selects prom|otel|noop; only prom exposes a /metrics handler today).
func buildMetricsProvider(backend metrics.Backend) (metrics.Provider, http.Handler) {
	switch backend {
	case metrics.BackendProm:
		p := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
		return p, p.MetricsHandler()
	case metrics.BackendOTel:
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{}), nil
	default:
		return metrics.NewNoopProvider(), nil
	}
}
