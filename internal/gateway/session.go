package gateway

import (
	"net/http"

	"github.com/adred-codev/pricerelay/internal/auth"
	"github.com/adred-codev/pricerelay/internal/codec"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

const logoutMessage = "Logged out successfully"

func (s *Server) sessionCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) expiredCookie(name string) *http.Cookie {
	c := s.sessionCookie(name, "")
	c.MaxAge = -1
	return c
}

// handleUserInfo serves the caller's profile. It runs behind the validator's
// middleware; the user_info cookie wins when it parses.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	if c, err := r.Cookie(s.cfg.UserCookie); err == nil && c.Value != "" {
		if fromCookie, err := auth.ParseCookieValue(c.Value); err == nil {
			id = fromCookie
		} else {
			s.logger.Debug().Err(err).Msg("Ignoring unreadable user_info cookie")
		}
	}

	s.writeRecord(w, id.UserInfo())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, s.expiredCookie(s.cfg.TokenCookie))
	http.SetCookie(w, s.expiredCookie(s.cfg.UserCookie))
	s.writeRecord(w, codec.LogoutResponse{Message: logoutMessage})
}

func (s *Server) writeRecord(w http.ResponseWriter, msg codec.Message) {
	payload, err := codec.Marshal(msg)
	if err != nil {
		s.metrics.Messages.EncodeErrors.Inc()
		monitoring.LogError(s.logger, err, "Failed to encode response", map[string]any{"kind": msg.Kind().String()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
