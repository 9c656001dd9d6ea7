package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/common/config"
	logutil "github.com/pulsewatch/engine/internal/common/logger"
	"github.com/pulsewatch/engine/internal/common/metricsserver"
	"github.com/pulsewatch/engine/internal/engine/browser"
	"github.com/pulsewatch/engine/internal/engine/dispatch"
	"github.com/pulsewatch/engine/internal/engine/metrics"
	"github.com/pulsewatch/engine/internal/engine/probe"
	"github.com/pulsewatch/engine/internal/engine/scheduler"
	"github.com/pulsewatch/engine/internal/pushbus"
	"github.com/pulsewatch/engine/internal/registry"
	"github.com/pulsewatch/engine/internal/server"
	"github.com/pulsewatch/engine/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("c", "", "Path to engine configuration file")
	flag.Parse()

	initialLogger := logutil.NewDefault()

	cfg, err := config.Load(*configPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := logutil.New(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Monitor engine starting",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Port),
		zap.Duration("check_interval", cfg.CheckInterval.Std()))

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	m := metrics.New()
	metricsServer := metricsserver.Start(cfg.MetricsEnabled, cfg.MetricsListen, m, logger)

	browserCfg := browser.DefaultConfig()
	browserCfg.IdleShutdown = cfg.Browser.IdleShutdown.Std()
	browserCfg.NetworkIdleWait = cfg.Browser.NetworkIdleWait.Std()
	browserCfg.ScreenshotDir = cfg.Browser.ScreenshotDir
	sup := browser.NewSupervisor(browserCfg, logger)
	browserProber := browser.NewProber(sup, browserCfg, logger)
	httpProber := probe.NewHTTPProber(cfg.RequestTimeout.Std(), logger)

	hub := pushbus.NewHub(m, logger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	dispatcher := dispatch.New(st, httpProber, browserProber, hub, m, cfg.DispatchTimeout.Std(), logger)

	sched := scheduler.New(st, dispatcher, m, scheduler.Config{
		Tick:         cfg.CheckInterval.Std(),
		Staleness:    cfg.CheckInterval.Std(),
		Freshness:    cfg.FreshnessWindow.Std(),
		InitialDelay: cfg.InitialSweepDelay.Std(),
		DrainTimeout: shutdownTimeout,
	}, logger)
	sched.Start()

	reg := registry.New(st, dispatcher, hub, cfg.IsProduction(), cfg.CheckAllConcurrency, logger)

	apiServer := server.New(reg, sched, st, hub, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.ListenAddr()); err != nil {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("API server error", zap.Error(err))
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking requests first, then drain probes, then release the
	// browser, bus, and store.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", zap.Error(err))
	}
	sched.Stop()
	sup.Close()
	hubCancel()
	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}

	logger.Info("Monitor engine stopped")
}

// openStore picks Redis when DATABASE_URL is configured, else the
// in-memory store for development.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.NewRedisStore(cfg.DatabaseURL, logger)
	}
	logger.Warn("DATABASE_URL not set, using in-memory store")
	return store.NewMemoryStore(), nil
}
