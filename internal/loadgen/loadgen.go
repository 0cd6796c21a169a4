// Package loadgen drives sustained WebSocket load against a running relay: it ramps
// authenticated subscribers up at a fixed rate, holds them, decodes every price
// update they receive and reports counters while it runs.
package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/pricerelay/internal/codec"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

// Config controls a load run.
type Config struct {
	WSURL     string
	HealthURL string // optional

	// CookieName and Token form the session cookie sent with every upgrade.
	CookieName string
	Token      string

	Connections    int
	RampRate       float64 // connections per second
	Duration       time.Duration
	ReportInterval time.Duration
	DialTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.CookieName == "" {
		c.CookieName = "casdoor_token"
	}
	if c.RampRate <= 0 {
		c.RampRate = 100
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Snapshot is a point-in-time copy of the run counters.
type Snapshot struct {
	Active    int64
	Created   int64
	Failed    int64
	Messages  int64
	Malformed int64
	Errors    map[string]int64
	Phase     string
	Elapsed   time.Duration
}

// HealthStatus is the subset of the relay's /health body the runner reports.
type HealthStatus struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
	Feed        string `json:"feed"`
}

type Runner struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer
	client *http.Client

	active    atomic.Int64
	created   atomic.Int64
	failed    atomic.Int64
	messages  atomic.Int64
	malformed atomic.Int64
	dialErrs  sync.Map // error string -> *atomic.Int64

	phase     atomic.Value // string
	startedAt time.Time

	mu    sync.Mutex
	conns []*websocket.Conn
	wg    sync.WaitGroup
}

func NewRunner(cfg Config, logger zerolog.Logger) (*Runner, error) {
	cfg.applyDefaults()
	if cfg.WSURL == "" {
		return nil, errors.New("loadgen: WSURL is required")
	}
	if cfg.Connections < 1 {
		return nil, fmt.Errorf("loadgen: connections must be > 0, got %d", cfg.Connections)
	}

	r := &Runner{
		cfg:    cfg,
		logger: logger.With().Str("component", "loadgen").Logger(),
		client: &http.Client{Timeout: 5 * time.Second},
	}
	r.dialer = &websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		NetDialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	r.phase.Store("idle")
	return r, nil
}

// Run ramps, sustains for Duration (or until ctx is done) and closes every
// connection. The final counters are returned.
func (r *Runner) Run(ctx context.Context) (Snapshot, error) {
	r.startedAt = time.Now()

	if r.cfg.HealthURL != "" {
		h, err := r.CheckHealth(ctx)
		if err != nil {
			return r.Snapshot(), fmt.Errorf("initial health check: %w", err)
		}
		r.logger.Info().Str("status", h.Status).Str("feed", h.Feed).Int("subscribers", h.Subscribers).Msg("Relay healthy")
	}

	reportCtx, stopReports := context.WithCancel(ctx)
	defer stopReports()
	go r.reportLoop(reportCtx)

	r.phase.Store("ramping")
	if err := r.ramp(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.closeAll()
		return r.Snapshot(), err
	}

	r.phase.Store("sustaining")
	r.logger.Info().Int64("active", r.active.Load()).Dur("duration", r.cfg.Duration).Msg("Sustaining load")
	select {
	case <-time.After(r.cfg.Duration):
	case <-ctx.Done():
		r.logger.Warn().Msg("Sustain phase interrupted")
	}

	r.phase.Store("completed")
	r.closeAll()
	snap := r.Snapshot()
	r.logSnapshot(snap, "Final report")
	return snap, nil
}

func (r *Runner) ramp(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(r.cfg.RampRate), 1)
	var dials sync.WaitGroup
	defer dials.Wait()

	for i := 0; i < r.cfg.Connections; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		r.created.Add(1)
		dials.Add(1)
		go func(id int) {
			defer dials.Done()
			if err := r.connect(ctx, id); err != nil {
				r.failed.Add(1)
				r.countDialError(err)
			}
		}(i)
	}
	return nil
}

func (r *Runner) connect(ctx context.Context, id int) error {
	header := http.Header{}
	if r.cfg.Token != "" {
		header.Set("Cookie", (&http.Cookie{Name: r.cfg.CookieName, Value: r.cfg.Token}).String())
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("upgrade rejected: %s", resp.Status)
		}
		return err
	}

	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	r.active.Add(1)
	r.wg.Add(1)
	go r.readPump(id, conn)
	return nil
}

func (r *Runner) readPump(id int, conn *websocket.Conn) {
	defer r.wg.Done()
	defer r.active.Add(-1)
	defer monitoring.RecoverPanic(r.logger, "loadgen.readPump", map[string]any{"conn_id": id})

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug().Err(err).Int("conn_id", id).Msg("Connection dropped")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			r.malformed.Add(1)
			continue
		}
		if _, err := codec.DecodePriceChange(payload); err != nil {
			r.malformed.Add(1)
			continue
		}
		r.messages.Add(1)
	}
}

func (r *Runner) closeAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.Close()
	}
	r.wg.Wait()
}

func (r *Runner) countDialError(err error) {
	v, _ := r.dialErrs.LoadOrStore(err.Error(), new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// CheckHealth fetches and decodes the relay's /health body.
func (r *Runner) CheckHealth(ctx context.Context) (HealthStatus, error) {
	var h HealthStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthURL, nil)
	if err != nil {
		return h, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("health returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// Snapshot copies the current counters.
func (r *Runner) Snapshot() Snapshot {
	s := Snapshot{
		Active:    r.active.Load(),
		Created:   r.created.Load(),
		Failed:    r.failed.Load(),
		Messages:  r.messages.Load(),
		Malformed: r.malformed.Load(),
		Errors:    map[string]int64{},
		Phase:     r.phase.Load().(string),
	}
	if !r.startedAt.IsZero() {
		s.Elapsed = time.Since(r.startedAt)
	}
	r.dialErrs.Range(func(k, v any) bool {
		s.Errors[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return s
}

func (r *Runner) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logSnapshot(r.Snapshot(), "Load report")
			if r.cfg.HealthURL != "" {
				if h, err := r.CheckHealth(ctx); err != nil {
					r.logger.Warn().Err(err).Msg("Health check failed")
				} else {
					r.logger.Info().Str("feed", h.Feed).Int("subscribers", h.Subscribers).Msg("Relay health")
				}
			}
		}
	}
}

func (r *Runner) logSnapshot(s Snapshot, msg string) {
	ev := r.logger.Info().
		Str("phase", s.Phase).
		Dur("elapsed", s.Elapsed).
		Int64("active", s.Active).
		Int64("created", s.Created).
		Int64("failed", s.Failed).
		Int64("messages", s.Messages).
		Int64("malformed", s.Malformed)
	if len(s.Errors) > 0 {
		ev = ev.Interface("dial_errors", s.Errors)
	}
	ev.Msg(msg)
}
