package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/pricerelay/internal/auth"
	"github.com/adred-codev/pricerelay/internal/monitoring"
	"github.com/adred-codev/pricerelay/internal/relay"
)

const (
	writeWait = 10 * time.Second
	// Clients only send control frames; larger data frames are discarded unread.
	maxControlPayload = 125
)

// handleWebSocket authenticates, rate-limits and upgrades, then hands the
// connection to the hub until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.cfg.TrustProxyHeaders)

	id, err := s.validator.Validate(r)
	if err != nil {
		s.rejectAuth(r, err)
		http.Error(w, "Unauthorized: "+auth.Reason(err), http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		if ok, scope := s.limiter.Allow(ip); !ok {
			s.logger.Warn().Str("client_ip", ip).Str("scope", scope).Msg("Upgrade rejected: rate limit exceeded")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.Gateway.UpgradeErrors.Inc()
		s.logger.Warn().Err(err).Str("client_ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	conn := newWSConn(netConn)
	sub, err := s.hub.Register(id, conn)
	if err != nil {
		conn.writeControl(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	defer s.hub.Unregister(sub)
	defer monitoring.RecoverPanic(s.logger, "gateway.readLoop", map[string]any{"subscriber_id": sub.ID})

	s.logger.Debug().Str("client_ip", ip).Uint64("subscriber_id", sub.ID).Msg("WebSocket connected")
	s.readLoop(conn)
}

// readLoop answers pings and close frames and ignores client data. It returns
// when the client closes or the connection fails.
func (s *Server) readLoop(conn *wsConn) {
	reader := wsutil.NewReader(conn.conn, ws.StateServerSide)
	for {
		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			conn.writeControl(ws.OpClose, nil)
			return
		case ws.OpPing:
			if head.Length > maxControlPayload {
				return
			}
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			if err := conn.writeControl(ws.OpPong, payload); err != nil {
				return
			}
		default:
			if _, err := io.CopyN(io.Discard, reader, head.Length); err != nil {
				return
			}
		}
	}
}

// wsConn adapts an upgraded gobwas connection to relay.Conn. Writes from the hub's
// writer and control replies from the read loop are serialized.
type wsConn struct {
	conn net.Conn

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newWSConn(conn net.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// WriteMessage sends payload as one binary frame.
func (c *wsConn) WriteMessage(payload []byte) error {
	return c.write(ws.OpBinary, payload)
}

func (c *wsConn) writeControl(op ws.OpCode, payload []byte) error {
	return c.write(op, payload)
}

func (c *wsConn) write(op ws.OpCode, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return relay.ErrTransportClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(c.conn, op, payload); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %v", relay.ErrTransportClosed, err)
		}
		return err
	}
	return nil
}

// Close closes the underlying connection once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// clientIP extracts the client IP. The first X-Forwarded-For hop is used only
// when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); trustProxy && forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
