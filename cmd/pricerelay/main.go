package main

import (
	"context"
	"flag"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/pricerelay/internal/auth"
	"github.com/adred-codev/pricerelay/internal/config"
	"github.com/adred-codev/pricerelay/internal/feed"
	"github.com/adred-codev/pricerelay/internal/gateway"
	"github.com/adred-codev/pricerelay/internal/limits"
	"github.com/adred-codev/pricerelay/internal/monitoring"
	"github.com/adred-codev/pricerelay/internal/relay"
	"github.com/adred-codev/pricerelay/internal/tap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// Startup logger, replaced once the configured one exists
	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: monitoring.LogLevelInfo, Format: monitoring.LogFormatJSON})
	boot.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("GOMAXPROCS set via automaxprocs")

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewRegistry()

	system, err := monitoring.NewSystemMonitor(metrics, logger)
	if err != nil {
		monitoring.LogError(logger, err, "System monitor unavailable", nil)
	} else {
		system.Start(ctx, cfg.MetricsInterval)
	}

	mgr, err := feed.NewManager(feed.Config{URL: cfg.FeedURL, Symbols: cfg.FeedSymbols}, logger,
		feed.WithMetrics(metrics),
		feed.WithOnError(func(err error) {
			logger.Warn().Err(err).Msg("Price feed stopped; it restarts on the next first subscriber")
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create price feed")
	}

	fanout, err := tap.FromConfig(cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect price mirrors")
	}

	hubOpts := []relay.Option{relay.WithMetrics(metrics)}
	if fanout.Len() > 0 {
		hubOpts = append(hubOpts, relay.WithMirror(fanout))
	}
	hub := relay.NewHub(mgr, relay.Config{
		BroadcastQueueSize: cfg.BroadcastQueueSize,
		SendQueueSize:      cfg.SendQueueSize,
	}, logger, hubOpts...)
	mgr.SetSink(hub)

	limiter := limits.NewUpgradeLimiter(limits.Config{
		IPBurst:     cfg.ConnIPBurst,
		IPRate:      cfg.ConnIPRate,
		GlobalBurst: cfg.ConnGlobalBurst,
		GlobalRate:  cfg.ConnGlobalRate,
	}, logger, metrics)

	validator := auth.NewValidator(cfg.TokenCookie, cfg.SessionVerifySecret)
	if !validator.Verifying() {
		logger.Warn().Msg("Session tokens are decoded without signature verification (SESSION_VERIFY_SECRET unset)")
	}

	server, err := gateway.NewServer(gateway.Deps{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Validator: validator,
		Hub:       hub,
		Feed:      mgr,
		Limiter:   limiter,
		System:    system,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create gateway")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			monitoring.LogError(logger, err, "HTTP server failed", nil)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Hub shutdown incomplete")
	}
	mgr.Stop()
	mgr.Wait()
	if err := fanout.Close(); err != nil {
		logger.Warn().Err(err).Msg("Price mirror close error")
	}
	limiter.Stop()
	if system != nil {
		system.Wait()
	}

	logger.Info().Msg("Shutdown complete")
}
