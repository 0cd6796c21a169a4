package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/adred-codev/pricerelay/internal/config"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

// Provider paths, relative to OAUTH_URL (Casdoor layout).
const (
	authorizePath = "/login/oauth/authorize"
	tokenPath     = "/api/login/oauth/access_token"
)

func newOAuthConfig(cfg *config.Config) *oauth2.Config {
	base := strings.TrimRight(cfg.OAuthURL, "/")
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       []string{cfg.OAuthScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + authorizePath,
			TokenURL:  base + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// handleLogin returns the provider's authorize URL as {"url": ...}; the frontend
// navigates there itself.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := newState()
	if err != nil {
		monitoring.LogError(s.logger, err, "Failed to generate OAuth state", nil)
		writeError(w, http.StatusInternalServerError, "Authentication failed")
		return
	}
	// TODO: bind state to the browser (short-lived cookie) and check it in handleCallback.
	writeJSON(w, http.StatusOK, map[string]string{"url": s.oauth.AuthCodeURL(state)})
}

// handleCallback exchanges the authorization code, stores the session cookies and
// sends the browser back to the frontend.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		s.failCallback(w, "missing authorization code", nil)
		return
	}

	ctx := r.Context()
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		s.failCallback(w, "code exchange failed", err)
		return
	}

	id, err := s.validator.IdentityFromToken(token.AccessToken)
	if err != nil {
		s.failCallback(w, "access token rejected", err)
		return
	}
	s.logger.Debug().
		Str("user_id", id.SubjectID).
		Str("name", id.DisplayName).
		Str("surname", id.Surname).
		Str("group", id.Group).
		Msg("Decoded access token")

	userValue, err := id.CookieValue()
	if err != nil {
		s.failCallback(w, "encode user cookie", err)
		return
	}

	http.SetCookie(w, s.sessionCookie(s.cfg.TokenCookie, token.AccessToken))
	http.SetCookie(w, s.sessionCookie(s.cfg.UserCookie, userValue))

	s.logger.Info().Str("user_id", id.SubjectID).Msg("User logged in")
	http.Redirect(w, r, s.cfg.FrontendURL, http.StatusFound)
}

func (s *Server) failCallback(w http.ResponseWriter, msg string, err error) {
	s.metrics.Gateway.OAuthFailures.Inc()
	monitoring.LogError(s.logger, err, "OAuth callback failed", map[string]any{"stage": msg})
	writeError(w, http.StatusInternalServerError, "Authentication failed")
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
