package tap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/pricerelay/internal/codec"
	"github.com/adred-codev/pricerelay/internal/feed"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Linger       time.Duration
	FlushTimeout time.Duration

	// MaxBufferedRecords caps records awaiting delivery; past it Publish drops.
	MaxBufferedRecords int
	DeliveryTimeout    time.Duration
}

// KafkaPublisher produces each update to a topic keyed by symbol, so every pair
// stays ordered within its partition.
type KafkaPublisher struct {
	client       *kgo.Client
	topic        string
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *monitoring.Registry
}

func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger, metrics *monitoring.Registry) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka tap: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka tap: topic is required")
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 5 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.MaxBufferedRecords <= 0 {
		cfg.MaxBufferedRecords = 10000
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.ClientID("pricerelay"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &KafkaPublisher{
		client:       client,
		topic:        cfg.Topic,
		flushTimeout: cfg.FlushTimeout,
		logger:       logger.With().Str("component", "tap_kafka").Logger(),
		metrics:      metrics,
	}
	p.logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka mirror configured")
	return p, nil
}

func (p *KafkaPublisher) Name() string { return "kafka" }

// Publish queues the record without blocking. When the buffer is full (broker
// down or slow) the record fails with kgo.ErrMaxBuffered; every failure is
// reported from the produce callback.
func (p *KafkaPublisher) Publish(update feed.PriceUpdate, payload []byte) error {
	p.client.TryProduce(context.Background(), Record(update, payload), p.onProduced)
	return nil
}

func (p *KafkaPublisher) onProduced(r *kgo.Record, err error) {
	if err == nil {
		return
	}
	if p.metrics != nil {
		p.metrics.Messages.MirrorErrors.WithLabelValues(p.Name()).Inc()
	}
	if errors.Is(err, kgo.ErrMaxBuffered) {
		p.logger.Debug().Str("key", string(r.Key)).Msg("Kafka buffer full, dropping record")
		return
	}
	p.logger.Warn().Err(err).Str("key", string(r.Key)).Msg("Kafka produce failed")
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.flushTimeout)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

// Record builds the Kafka record for one update.
func Record(update feed.PriceUpdate, payload []byte) *kgo.Record {
	return &kgo.Record{
		Key:   []byte(update.Symbol),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte(codec.ContentType)},
		},
		Timestamp: time.UnixMilli(update.TimestampMillis),
	}
}
