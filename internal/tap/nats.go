package tap

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pricerelay/internal/codec"
	"github.com/adred-codev/pricerelay/internal/feed"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

type NATSConfig struct {
	URL           string
	Subject       string // updates go to <Subject>.<symbol>
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSPublisher publishes each update on a per-symbol subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
	metrics *monitoring.Registry
}

func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger, metrics *monitoring.Registry) (*NATSPublisher, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats tap: subject is required")
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	p := &NATSPublisher{
		subject: cfg.Subject,
		logger:  logger.With().Str("component", "tap_nats").Logger(),
		metrics: metrics,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("pricerelay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(p.disconnectHandler),
		nats.ReconnectHandler(p.reconnectHandler),
		nats.ErrorHandler(p.errorHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn

	p.logger.Info().Str("url", conn.ConnectedUrl()).Str("subject", cfg.Subject).Msg("NATS mirror connected")
	return p, nil
}

func (p *NATSPublisher) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		p.logger.Warn().Err(err).Msg("Disconnected from NATS")
		return
	}
	p.logger.Info().Msg("Disconnected from NATS")
}

func (p *NATSPublisher) reconnectHandler(conn *nats.Conn) {
	p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
}

func (p *NATSPublisher) errorHandler(_ *nats.Conn, _ *nats.Subscription, err error) {
	if p.metrics != nil {
		p.metrics.Messages.MirrorErrors.WithLabelValues(p.Name()).Inc()
	}
	p.logger.Error().Err(err).Msg("NATS async error")
}

func (p *NATSPublisher) Name() string { return "nats" }

// Publish buffers the message in the NATS client; it does not wait for the server.
func (p *NATSPublisher) Publish(update feed.PriceUpdate, payload []byte) error {
	msg := &nats.Msg{
		Subject: SubjectFor(p.subject, update.Symbol),
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set("Content-Type", codec.ContentType)
	return p.conn.PublishMsg(msg)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// SubjectFor returns the subject an update for symbol is published on.
func SubjectFor(base, symbol string) string {
	return base + "." + symbol
}
