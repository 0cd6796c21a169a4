// Command relayload holds a configurable number of authenticated subscribers
// open against a relay and reports what they receive.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/pricerelay/internal/auth"
	"github.com/adred-codev/pricerelay/internal/loadgen"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func main() {
	var cfg loadgen.Config
	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:3000/ws"), "relay WebSocket URL")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:3000/health"), "relay health URL (empty to skip)")
	flag.StringVar(&cfg.CookieName, "cookie", getEnv("SESSION_TOKEN_COOKIE", "casdoor_token"), "session cookie name")
	flag.StringVar(&cfg.Token, "token", getEnv("SESSION_TOKEN", ""), "session token; minted from -subject when empty")
	flag.IntVar(&cfg.Connections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "subscribers to open")
	flag.Float64Var(&cfg.RampRate, "ramp-rate", float64(getEnvInt("RAMP_RATE", 100)), "connections per second during ramp-up")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "how long to hold the subscribers")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "report interval")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "per-connection dial timeout")
	subject := flag.String("subject", "loadgen", "subject claim for a minted token")
	secret := flag.String("sign-secret", getEnv("SESSION_VERIFY_SECRET", "loadgen"), "HMAC secret for a minted token")
	pretty := flag.Bool("pretty", true, "human-readable logs")
	flag.Parse()

	format := monitoring.LogFormatJSON
	if *pretty {
		format = monitoring.LogFormatPretty
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: monitoring.LogLevelInfo, Format: format})

	if cfg.Token == "" {
		token, err := auth.SignClaims(jwt.MapClaims{
			"sub":  *subject,
			"name": "Load Generator",
			"exp":  time.Now().Add(cfg.Duration + time.Hour).Unix(),
		}, *secret)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to mint session token")
		}
		cfg.Token = token
	}

	runner, err := loadgen.NewRunner(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("url", cfg.WSURL).
		Int("connections", cfg.Connections).
		Float64("ramp_rate", cfg.RampRate).
		Dur("duration", cfg.Duration).
		Msg("Starting load run")

	snap, err := runner.Run(ctx)
	if err != nil {
		monitoring.LogError(logger, err, "Load run failed", nil)
		stop()
		os.Exit(1)
	}
	if snap.Failed > 0 {
		logger.Warn().Int64("failed", snap.Failed).Msg("Some connections failed")
	}
}
