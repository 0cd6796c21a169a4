// Package gateway is the relay's HTTP surface: OAuth login glue, session endpoints,
// the authenticated WebSocket upgrade, health, metrics and static files, all on one
// listener.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/adred-codev/pricerelay/internal/auth"
	"github.com/adred-codev/pricerelay/internal/config"
	"github.com/adred-codev/pricerelay/internal/feed"
	"github.com/adred-codev/pricerelay/internal/limits"
	"github.com/adred-codev/pricerelay/internal/monitoring"
	"github.com/adred-codev/pricerelay/internal/relay"
)

// FeedStatus reports the upstream state for /health.
type FeedStatus interface {
	State() feed.State
}

// Deps are the collaborators the gateway serves. Limiter, System and HTTPClient
// are optional.
type Deps struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Metrics   *monitoring.Registry
	Validator *auth.Validator
	Hub       *relay.Hub
	Feed      FeedStatus
	Limiter   *limits.UpgradeLimiter
	System    *monitoring.SystemMonitor

	// HTTPClient is used for the OAuth code exchange.
	HTTPClient *http.Client
}

type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	metrics    *monitoring.Registry
	validator  *auth.Validator
	hub        *relay.Hub
	feed       FeedStatus
	limiter    *limits.UpgradeLimiter
	system     *monitoring.SystemMonitor
	oauth      *oauth2.Config
	httpClient *http.Client
	startedAt  time.Time

	httpServer *http.Server
}

func NewServer(d Deps) (*Server, error) {
	if d.Config == nil || d.Validator == nil || d.Hub == nil || d.Feed == nil {
		return nil, errors.New("gateway: config, validator, hub and feed are required")
	}
	if d.Metrics == nil {
		d.Metrics = monitoring.NewRegistry()
	}

	s := &Server{
		cfg:        d.Config,
		logger:     d.Logger.With().Str("component", "gateway").Logger(),
		metrics:    d.Metrics,
		validator:  d.Validator,
		hub:        d.Hub,
		feed:       d.Feed,
		limiter:    d.Limiter,
		system:     d.System,
		oauth:      newOAuthConfig(d.Config),
		httpClient: d.HTTPClient,
		startedAt:  time.Now(),
	}

	s.validator.OnReject = func(r *http.Request, err error) {
		s.rejectAuth(r, err)
	}

	s.httpServer = &http.Server{
		Addr:              d.Config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if d.Config.TLSEnabled() {
		s.httpServer.TLSConfig = newTLSConfig()
	}
	return s, nil
}

// Handler returns the full route table wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("GET /callback", s.handleCallback)
	mux.HandleFunc("GET /user-info", s.validator.Middleware(s.handleUserInfo))
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	if s.cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return s.corsMiddleware(mux)
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	var err error
	if s.cfg.TLSEnabled() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTPS server listening")
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight HTTP handlers.
// Upgraded connections are closed by the hub's own shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// newTLSConfig pins TLS 1.2 and AES-256 suites. Go has no RSA AES-256 CBC-SHA256
// suite, so the ECDHE AES-256 GCM suites stand in for it.
func newTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := strings.TrimRight(s.cfg.FrontendURL, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rejectAuth(r *http.Request, err error) {
	reason := auth.Reason(err)
	s.metrics.Gateway.AuthRejected.WithLabelValues(reason).Inc()
	s.logger.Info().
		Str("path", r.URL.Path).
		Str("client_ip", clientIP(r, s.cfg.TrustProxyHeaders)).
		Str("reason", reason).
		Msg("Request rejected: no valid session")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) uptime() string {
	return fmt.Sprintf("%.0fs", time.Since(s.startedAt).Seconds())
}
