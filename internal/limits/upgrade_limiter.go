// Package limits throttles WebSocket upgrade attempts.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/pricerelay/internal/monitoring"
)

// Rejection scopes, also used as metric labels.
const (
	ScopeGlobal = "global"
	ScopeIP     = "per_ip"
)

// UpgradeLimiter applies a global token bucket and one bucket per client IP.
// Idle per-IP buckets are evicted after IPTTL.
type UpgradeLimiter struct {
	global *rate.Limiter

	mu       sync.Mutex
	perIP    map[string]*ipBucket
	ipRate   rate.Limit
	ipBurst  int
	ipTTL    time.Duration
	now      func() time.Time
	metrics  *monitoring.Registry
	logger   zerolog.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds upgrade limits. Zero values take the defaults:
// 10 burst / 1 per second per IP, 300 burst / 50 per second globally, 5m idle TTL.
type Config struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

// NewUpgradeLimiter creates a limiter and starts its eviction loop.
func NewUpgradeLimiter(cfg Config, logger zerolog.Logger, metrics *monitoring.Registry) *UpgradeLimiter {
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate <= 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 50.0
	}

	l := &UpgradeLimiter{
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		perIP:   make(map[string]*ipBucket),
		ipRate:  rate.Limit(cfg.IPRate),
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		now:     time.Now,
		metrics: metrics,
		logger:  logger.With().Str("component", "upgrade_limiter").Logger(),
		stop:    make(chan struct{}),
	}

	go l.evictLoop(time.Minute)

	l.logger.Info().
		Int("ip_burst", cfg.IPBurst).
		Float64("ip_rate", cfg.IPRate).
		Int("global_burst", cfg.GlobalBurst).
		Float64("global_rate", cfg.GlobalRate).
		Msg("Upgrade limiter initialized")
	return l
}

// Allow reports whether an upgrade from ip may proceed. When it may not, scope
// says which bucket was empty.
func (l *UpgradeLimiter) Allow(ip string) (ok bool, scope string) {
	if !l.global.Allow() {
		l.reject(ip, ScopeGlobal)
		return false, ScopeGlobal
	}
	if !l.bucket(ip).Allow() {
		l.reject(ip, ScopeIP)
		return false, ScopeIP
	}
	return true, ""
}

func (l *UpgradeLimiter) reject(ip, scope string) {
	if l.metrics != nil {
		l.metrics.Gateway.RateLimited.WithLabelValues(scope).Inc()
	}
	l.logger.Debug().Str("ip", ip).Str("scope", scope).Msg("Upgrade rejected by rate limit")
}

func (l *UpgradeLimiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perIP[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = b
	}
	b.lastSeen = l.now()
	return b.limiter
}

// TrackedIPs is the number of per-IP buckets currently held.
func (l *UpgradeLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

func (l *UpgradeLimiter) evictLoop(every time.Duration) {
	defer monitoring.RecoverPanic(l.logger, "limits.evictLoop", nil)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *UpgradeLimiter) evictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for ip, b := range l.perIP {
		if now.Sub(b.lastSeen) > l.ipTTL {
			delete(l.perIP, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.perIP)).Msg("Evicted idle IP buckets")
	}
	return removed
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *UpgradeLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
