// Package tap mirrors relayed price updates to optional message buses.
//
// Mirrors are side channels: a failing bus is counted and logged but never slows or
// breaks delivery to WebSocket subscribers.
package tap

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pricerelay/internal/config"
	"github.com/adred-codev/pricerelay/internal/feed"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

// Publisher ships one encoded price update to an external sink.
// Publish must not block on network round trips.
type Publisher interface {
	Name() string
	Publish(update feed.PriceUpdate, payload []byte) error
	Close() error
}

// Fanout copies every update to each publisher.
type Fanout struct {
	publishers []Publisher
	logger     zerolog.Logger
	metrics    *monitoring.Registry
}

// NewFanout wraps the given publishers.
func NewFanout(logger zerolog.Logger, metrics *monitoring.Registry, publishers ...Publisher) *Fanout {
	return &Fanout{
		publishers: publishers,
		logger:     logger.With().Str("component", "tap").Logger(),
		metrics:    metrics,
	}
}

// FromConfig builds publishers for every configured bus. The result has no
// publishers when no bus is configured.
func FromConfig(cfg *config.Config, logger zerolog.Logger, metrics *monitoring.Registry) (*Fanout, error) {
	var pubs []Publisher

	if cfg.TapNATSURL != "" {
		p, err := NewNATSPublisher(NATSConfig{URL: cfg.TapNATSURL, Subject: cfg.TapNATSSubject}, logger, metrics)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}

	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		p, err := NewKafkaPublisher(KafkaConfig{Brokers: brokers, Topic: cfg.TapKafkaTopic}, logger, metrics)
		if err != nil {
			for _, prev := range pubs {
				prev.Close()
			}
			return nil, err
		}
		pubs = append(pubs, p)
	}

	return NewFanout(logger, metrics, pubs...), nil
}

// Len is the number of active publishers.
func (f *Fanout) Len() int {
	return len(f.publishers)
}

// Mirror publishes update to every sink. Errors are counted per sink.
func (f *Fanout) Mirror(update feed.PriceUpdate, payload []byte) {
	for _, p := range f.publishers {
		if err := p.Publish(update, payload); err != nil {
			f.recordError(p.Name(), err, update.Symbol)
		}
	}
}

func (f *Fanout) recordError(sink string, err error, symbol string) {
	if f.metrics != nil {
		f.metrics.Messages.MirrorErrors.WithLabelValues(sink).Inc()
	}
	f.logger.Warn().Err(err).Str("sink", sink).Str("symbol", symbol).Msg("Mirror publish failed")
}

// Close flushes and closes every publisher.
func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
