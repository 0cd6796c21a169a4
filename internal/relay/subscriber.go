package relay

import (
	"errors"
	"sync"

	"github.com/adred-codev/pricerelay/internal/auth"
)

// ErrTransportClosed marks writes to a connection the peer already closed.
// It is an expected disconnect, not a failure.
var ErrTransportClosed = errors.New("transport closed")

// Conn is the write side of a subscriber's transport.
type Conn interface {
	WriteMessage(payload []byte) error
	Close() error
}

// Subscriber is one registered connection. The hub owns it from Register until
// Unregister.
type Subscriber struct {
	ID       uint64
	Identity auth.Identity

	conn Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newSubscriber(id uint64, identity auth.Identity, conn Conn, queueSize int) *Subscriber {
	return &Subscriber{
		ID:       id,
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, queueSize),
	}
}

// enqueue hands payload to the writer without blocking. It reports false when
// the queue is full; a closed subscriber silently accepts nothing.
func (s *Subscriber) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// close marks the subscriber closed and ends its writer. It reports whether this
// call did the closing.
func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}
