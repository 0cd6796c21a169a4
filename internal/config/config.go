package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration for the relay.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listener
	Addr        string `env:"RELAY_ADDR" envDefault:":3000"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
	StaticDir   string `env:"STATIC_DIR"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	// OAuth provider (Casdoor compatible)
	OAuthURL     string `env:"OAUTH_URL" envDefault:"http://localhost:8000"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI" envDefault:"http://localhost:3000/callback"`
	OAuthScope   string `env:"OAUTH_SCOPE" envDefault:"read"`

	// Session cookies
	TokenCookie         string        `env:"SESSION_TOKEN_COOKIE" envDefault:"casdoor_token"`
	UserCookie          string        `env:"SESSION_USER_COOKIE" envDefault:"user_info"`
	SessionMaxAge       time.Duration `env:"SESSION_MAX_AGE" envDefault:"24h"`
	SessionVerifySecret string        `env:"SESSION_VERIFY_SECRET"`

	// Upstream feed
	FeedURL     string   `env:"FEED_URL" envDefault:"wss://stream.binance.com:9443/ws"`
	FeedSymbols []string `env:"FEED_SYMBOLS" envSeparator:"," envDefault:"btcusdt,ethusdt,solusdt"`

	// Relay hub
	BroadcastQueueSize int `env:"RELAY_BROADCAST_QUEUE" envDefault:"1024"`
	SendQueueSize      int `env:"RELAY_SEND_QUEUE" envDefault:"256"`

	// Upgrade rate limiting
	ConnIPBurst     int     `env:"CONN_RATE_IP_BURST" envDefault:"10"`
	ConnIPRate      float64 `env:"CONN_RATE_IP" envDefault:"1.0"`
	ConnGlobalBurst int     `env:"CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnGlobalRate  float64 `env:"CONN_RATE_GLOBAL" envDefault:"50.0"`
	// Use the first X-Forwarded-For hop as the client IP. Enable only behind a
	// proxy that overwrites the header; otherwise clients pick their own bucket.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// Price mirrors (disabled when empty)
	TapNATSURL      string `env:"TAP_NATS_URL"`
	TapNATSSubject  string `env:"TAP_NATS_SUBJECT" envDefault:"relay.price"`
	TapKafkaBrokers string `env:"TAP_KAFKA_BROKERS"`
	TapKafkaTopic   string `env:"TAP_KAFKA_TOPIC" envDefault:"relay.prices"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	return Parse()
}

// Parse builds a Config from the current environment without touching .env files.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i, s := range cfg.FeedSymbols {
		cfg.FeedSymbols[i] = strings.ToLower(strings.TrimSpace(s))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if len(c.FeedSymbols) == 0 {
		return fmt.Errorf("FEED_SYMBOLS must name at least one instrument pair")
	}
	for _, s := range c.FeedSymbols {
		if s == "" {
			return fmt.Errorf("FEED_SYMBOLS contains an empty entry")
		}
	}
	if c.TokenCookie == "" || c.UserCookie == "" {
		return fmt.Errorf("SESSION_TOKEN_COOKIE and SESSION_USER_COOKIE are required")
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be > 0, got %s", c.SessionMaxAge)
	}

	if c.BroadcastQueueSize < 1 {
		return fmt.Errorf("RELAY_BROADCAST_QUEUE must be > 0, got %d", c.BroadcastQueueSize)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("RELAY_SEND_QUEUE must be > 0, got %d", c.SendQueueSize)
	}
	if c.ConnIPBurst < 1 || c.ConnGlobalBurst < 1 {
		return fmt.Errorf("connection rate bursts must be > 0")
	}
	if c.ConnIPRate <= 0 || c.ConnGlobalRate <= 0 {
		return fmt.Errorf("connection rates must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Production reports whether cookies should carry the Secure attribute.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// TLSEnabled reports whether the listener serves HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// KafkaBrokerList splits TAP_KAFKA_BROKERS into trimmed, non-empty entries.
func (c *Config) KafkaBrokerList() []string {
	result := []string{}
	for _, b := range strings.Split(c.TapKafkaBrokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs configuration using structured logging. Secrets are never logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("tls", c.TLSEnabled()).
		Str("static_dir", c.StaticDir).
		Str("frontend_url", c.FrontendURL).
		Str("oauth_url", c.OAuthURL).
		Str("redirect_uri", c.RedirectURI).
		Bool("session_verify", c.SessionVerifySecret != "").
		Str("feed_url", c.FeedURL).
		Strs("feed_symbols", c.FeedSymbols).
		Int("broadcast_queue", c.BroadcastQueueSize).
		Int("send_queue", c.SendQueueSize).
		Bool("trust_proxy_headers", c.TrustProxyHeaders).
		Bool("tap_nats", c.TapNATSURL != "").
		Bool("tap_kafka", c.TapKafkaBrokers != "").
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
