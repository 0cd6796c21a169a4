// Package relay fans upstream price updates out to authenticated subscribers and
// ties the upstream feed's lifetime to the subscriber count.
//
// One mutex guards both the subscriber set and the upstream handle, so the feed is
// running exactly when at least one subscriber is registered. Broadcasts encode once,
// snapshot the set under the lock and hand the payload to each subscriber's bounded
// queue after releasing it; a single broadcaster goroutine keeps emission order.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pricerelay/internal/auth"
	"github.com/adred-codev/pricerelay/internal/codec"
	"github.com/adred-codev/pricerelay/internal/feed"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

// ErrHubClosed is returned by Register after Shutdown.
var ErrHubClosed = errors.New("relay hub closed")

// Unregister reasons, used as metric labels.
const (
	ReasonClosed     = "closed"
	ReasonWriteError = "write_error"
	ReasonSlow       = "slow"
	ReasonShutdown   = "shutdown"
)

// Feed is the upstream lifecycle the hub drives. Both calls must return promptly;
// they run while the hub lock is held.
type Feed interface {
	Start()
	Stop()
}

// Mirror receives every broadcast update with its encoded payload. It must not block.
type Mirror interface {
	Mirror(update feed.PriceUpdate, payload []byte)
}

// Config sizes the hub's queues.
type Config struct {
	BroadcastQueueSize int
	SendQueueSize      int
}

// Option customizes a Hub.
type Option func(*Hub)

// WithMetrics records subscriber and delivery metrics.
func WithMetrics(m *monitoring.Registry) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithMirror copies every broadcast to m.
func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

// Hub tracks subscribers and drives the upstream feed.
type Hub struct {
	feed    Feed
	cfg     Config
	logger  zerolog.Logger
	metrics *monitoring.Registry
	mirror  Mirror

	mu          sync.Mutex
	subscribers map[uint64]*Subscriber
	upstream    Feed // non-nil iff len(subscribers) > 0
	closed      bool

	nextID         uint64
	broadcastQueue chan feed.PriceUpdate
	stop           chan struct{}
	wg             sync.WaitGroup
}

// NewHub creates a hub around f and starts its broadcaster.
func NewHub(f Feed, cfg Config, logger zerolog.Logger, opts ...Option) *Hub {
	if cfg.BroadcastQueueSize <= 0 {
		cfg.BroadcastQueueSize = 1024
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}

	h := &Hub{
		feed:           f,
		cfg:            cfg,
		logger:         logger.With().Str("component", "relay").Logger(),
		subscribers:    make(map[uint64]*Subscriber),
		broadcastQueue: make(chan feed.PriceUpdate, cfg.BroadcastQueueSize),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wg.Add(1)
	go h.broadcaster()
	return h
}

// Register adds a subscriber and starts the feed if it is the first one.
// The returned subscriber's writer runs until Unregister.
func (h *Hub) Register(identity auth.Identity, conn Conn) (*Subscriber, error) {
	sub := newSubscriber(atomic.AddUint64(&h.nextID, 1), identity, conn, h.cfg.SendQueueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subscribers[sub.ID] = sub
	if len(h.subscribers) == 1 {
		h.upstream = h.feed
		h.upstream.Start()
	}
	count := len(h.subscribers)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writeLoop(sub)

	if h.metrics != nil {
		h.metrics.Subscribers.Registered.Inc()
		h.metrics.Subscribers.Active.Set(float64(count))
	}
	h.logger.Info().
		Uint64("subscriber_id", sub.ID).
		Str("user_id", identity.SubjectID).
		Int("subscribers", count).
		Msg("Subscriber registered")
	return sub, nil
}

// Unregister removes sub, closes its transport and stops the feed if it was the
// last one. Calling it more than once is a no-op.
func (h *Hub) Unregister(sub *Subscriber) {
	h.unregister(sub, ReasonClosed)
}

func (h *Hub) unregister(sub *Subscriber, reason string) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub.ID)
	sub.close()
	if len(h.subscribers) == 0 && h.upstream != nil {
		h.upstream.Stop()
		h.upstream = nil
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	sub.conn.Close()

	if h.metrics != nil {
		h.metrics.Subscribers.Unregistered.WithLabelValues(reason).Inc()
		h.metrics.Subscribers.Active.Set(float64(count))
	}
	h.logger.Info().
		Uint64("subscriber_id", sub.ID).
		Str("reason", reason).
		Int("subscribers", count).
		Msg("Subscriber unregistered")
}

// HandlePrice queues an update for broadcast without blocking. It is the feed's
// sink; when the queue is full the update is dropped.
func (h *Hub) HandlePrice(update feed.PriceUpdate) {
	select {
	case h.broadcastQueue <- update:
	default:
		if h.metrics != nil {
			h.metrics.Messages.BroadcastDropped.Inc()
		}
		h.logger.Warn().Str("symbol", update.Symbol).Msg("Broadcast queue full, dropping update")
	}
}

// Broadcast encodes update once and queues it for every current subscriber.
// Subscribers whose queue is full are unregistered; the rest are unaffected.
func (h *Hub) Broadcast(update feed.PriceUpdate) {
	payload, err := codec.Marshal(codec.PriceChange{
		Symbol:    update.Symbol,
		Price:     update.Price,
		Timestamp: update.TimestampMillis,
	})
	if err != nil {
		if h.metrics != nil {
			h.metrics.Messages.EncodeErrors.Inc()
		}
		monitoring.LogError(h.logger, err, "Failed to encode price update", map[string]any{
			"symbol": update.Symbol,
		})
		return
	}

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	var slow []*Subscriber
	for _, sub := range subs {
		if !sub.enqueue(payload) {
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.logger.Warn().Uint64("subscriber_id", sub.ID).Msg("Send queue full, dropping subscriber")
		h.unregister(sub, ReasonSlow)
	}

	if h.metrics != nil {
		h.metrics.Messages.Broadcasts.Inc()
	}
	if h.mirror != nil {
		h.mirror.Mirror(update, payload)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Shutdown unregisters every subscriber, which stops the feed, then stops the
// broadcaster and waits for writers to exit or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.unregister(sub, ReasonShutdown)
	}
	close(h.stop)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) broadcaster() {
	defer h.wg.Done()
	defer monitoring.RecoverPanic(h.logger, "relay.broadcaster", nil)

	for {
		select {
		case update := <-h.broadcastQueue:
			h.Broadcast(update)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) writeLoop(sub *Subscriber) {
	defer h.wg.Done()
	defer monitoring.RecoverPanic(h.logger, "relay.writeLoop", map[string]any{"subscriber_id": sub.ID})

	for payload := range sub.send {
		if err := sub.conn.WriteMessage(payload); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				h.logger.Debug().Uint64("subscriber_id", sub.ID).Msg("Subscriber transport closed")
			} else {
				h.logger.Warn().Err(err).Uint64("subscriber_id", sub.ID).Msg("Subscriber write failed")
			}
			h.unregister(sub, ReasonWriteError)
			return
		}
		if h.metrics != nil {
			h.metrics.Messages.Delivered.Inc()
		}
	}
}
