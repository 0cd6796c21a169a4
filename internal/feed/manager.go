// Package feed owns the single connection to the external trade-price stream.
//
// A Manager moves Stopped -> Connecting -> Streaming on Start and back to Stopped on
// Stop or on any upstream failure. It never reconnects by itself; the relay calls
// Start again when the next subscriber arrives.
//
// Known limitation: reads from the upstream have no deadline, so a feed that goes
// silent without closing keeps the manager in Streaming.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pricerelay/internal/monitoring"
)

// ErrUpstreamUnavailable wraps dial failures and unexpected upstream closes.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Sink receives every parsed trade. It runs on the feed's read goroutine and must
// return quickly.
type Sink interface {
	HandlePrice(PriceUpdate)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(PriceUpdate)

func (f SinkFunc) HandlePrice(u PriceUpdate) { f(u) }

// Config describes the upstream stream.
type Config struct {
	URL              string   // base endpoint, e.g. wss://stream.binance.com:9443/ws
	Symbols          []string // fixed set of pairs
	HandshakeTimeout time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics records state and tick counters.
func WithMetrics(m *monitoring.Registry) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithOnError registers a hook for upstream failures. The error wraps ErrUpstreamUnavailable.
func WithOnError(fn func(error)) Option {
	return func(mgr *Manager) { mgr.onError = fn }
}

// WithOnStateChange registers a hook called on every transition, in order.
// It runs while the manager's lock is held and must not call back into the Manager.
func WithOnStateChange(fn func(State)) Option {
	return func(mgr *Manager) { mgr.onStateChange = fn }
}

// session is one Start..Stop lifetime. Goroutines hold their own session and
// compare it with the current one before mutating state.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	sink   Sink
}

// Manager drives the upstream connection lifecycle.
type Manager struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger

	metrics       *monitoring.Registry
	onError       func(error)
	onStateChange func(State)

	mu      sync.Mutex
	state   State
	session *session
	sink    Sink

	wg sync.WaitGroup
}

// NewManager validates cfg and returns a stopped manager.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	streamURL, err := StreamURL(cfg.URL, cfg.Symbols)
	if err != nil {
		return nil, err
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	m := &Manager{
		url: streamURL,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: timeout,
		},
		logger: logger.With().Str("component", "feed").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetSink sets where trades are delivered. It takes effect on the next Start.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// URL is the stream endpoint the manager dials.
func (m *Manager) URL() string {
	return m.url
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins connecting if the manager is Stopped; otherwise it does nothing.
// It returns immediately; the dial happens on a background goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Stopped {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{ctx: ctx, cancel: cancel, sink: m.sink}
	m.session = sess
	m.setStateLocked(Connecting)
	if m.metrics != nil {
		m.metrics.Feed.Starts.Inc()
	}

	m.wg.Add(1)
	go m.run(sess)
}

// Stop closes the upstream connection and returns to Stopped. Safe to call in any
// state and from any goroutine; it does not wait for the read loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.session
	if sess == nil {
		return
	}
	m.session = nil
	sess.cancel()
	if sess.conn != nil {
		sess.conn.Close()
	}
	m.setStateLocked(Stopped)
	m.logger.Info().Msg("Upstream feed stopped")
}

// Wait blocks until every session goroutine has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.metrics != nil {
		m.metrics.Feed.State.Set(float64(s))
	}
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

func (m *Manager) run(sess *session) {
	defer m.wg.Done()
	defer monitoring.RecoverPanic(m.logger, "feed.run", map[string]any{"url": m.url})

	m.logger.Info().Str("url", m.url).Msg("Connecting to upstream feed")

	conn, _, err := m.dialer.DialContext(sess.ctx, m.url, nil)
	if err != nil {
		if sess.ctx.Err() != nil {
			return
		}
		m.fail(sess, fmt.Errorf("%w: dial: %v", ErrUpstreamUnavailable, err))
		return
	}

	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		conn.Close()
		return
	}
	sess.conn = conn
	m.setStateLocked(Streaming)
	m.mu.Unlock()

	m.logger.Info().Msg("Upstream feed streaming")
	m.readLoop(sess, conn)
}

func (m *Manager) readLoop(sess *session, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			m.fail(sess, fmt.Errorf("%w: read: %v", ErrUpstreamUnavailable, err))
			return
		}

		update, err := ParseTrade(data)
		if err != nil {
			if m.metrics != nil {
				m.metrics.Feed.TicksMalformed.Inc()
			}
			m.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Skipping malformed upstream message")
			continue
		}

		if m.metrics != nil {
			m.metrics.Feed.TicksReceived.Inc()
		}
		if sess.sink != nil {
			sess.sink.HandlePrice(update)
		}
	}
}

// fail tears down sess if it is still current and reports err.
func (m *Manager) fail(sess *session, err error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	sess.cancel()
	if sess.conn != nil {
		sess.conn.Close()
	}
	m.setStateLocked(Stopped)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Feed.Failures.Inc()
	}
	monitoring.LogError(m.logger, err, "Upstream feed lost", map[string]any{"url": m.url})
	if m.onError != nil {
		m.onError(err)
	}
}
