package feed

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const waitTimeout = 2 * time.Second

// fakeUpstream is a trade stream served by httptest.
type fakeUpstream struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	paths chan string
}

func newFakeUpstream(t *testing.T, before func()) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		conns: make(chan *websocket.Conn, 8),
		paths: make(chan string, 8),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if before != nil {
			before()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.paths <- r.URL.Path
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) baseURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeUpstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("upstream never received a connection")
		return nil
	}
}

type recorder struct {
	states chan State
	errs   chan error
	prices chan PriceUpdate
}

func newRecorder() *recorder {
	return &recorder{
		states: make(chan State, 32),
		errs:   make(chan error, 8),
		prices: make(chan PriceUpdate, 32),
	}
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	select {
	case got := <-r.states:
		if got != want {
			t.Fatalf("state = %s, want %s", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for state %s", want)
	}
}

func newTestManager(t *testing.T, baseURL string, rec *recorder) *Manager {
	t.Helper()
	m, err := NewManager(Config{URL: baseURL, Symbols: []string{"btcusdt", "ethusdt"}}, zerolog.Nop(),
		WithOnStateChange(func(s State) { rec.states <- s }),
		WithOnError(func(err error) { rec.errs <- err }),
	)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.SetSink(SinkFunc(func(u PriceUpdate) { rec.prices <- u }))
	t.Cleanup(func() {
		m.Stop()
		m.Wait()
	})
	return m
}

func TestManager_StartStreamsTrades(t *testing.T) {
	up := newFakeUpstream(t, nil)
	rec := newRecorder()
	m := newTestManager(t, up.baseURL(), rec)

	if m.State() != Stopped {
		t.Fatalf("initial state = %s", m.State())
	}

	m.Start()
	rec.waitState(t, Connecting)
	conn := up.accept(t)
	rec.waitState(t, Streaming)

	if path := <-up.paths; path != "/ws/btcusdt@trade/ethusdt@trade" {
		t.Errorf("dialed path = %q", path)
	}

	messages := []string{
		`not json`,
		`{"e":"trade","s":"BTCUSDT","p":"abc","T":1700000000000}`,
		`{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":12345,"p":"42000.5","q":"0.1","T":1700000000000}`,
	}
	for _, msg := range messages {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("upstream write: %v", err)
		}
	}

	select {
	case got := <-rec.prices:
		want := PriceUpdate{Symbol: "btcusdt", Price: "42000.5", TimestampMillis: 1700000000000}
		if got != want {
			t.Errorf("update = %+v, want %+v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no price update delivered")
	}

	select {
	case extra := <-rec.prices:
		t.Errorf("malformed message produced update %+v", extra)
	default:
	}
	if m.State() != Streaming {
		t.Errorf("malformed ticks changed state to %s", m.State())
	}
}

func TestManager_StartWhileRunningIsNoop(t *testing.T) {
	up := newFakeUpstream(t, nil)
	rec := newRecorder()
	m := newTestManager(t, up.baseURL(), rec)

	m.Start()
	m.Start()
	rec.waitState(t, Connecting)
	up.accept(t)
	rec.waitState(t, Streaming)
	m.Start()

	select {
	case <-up.conns:
		t.Fatal("second Start opened another upstream connection")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case s := <-rec.states:
		t.Fatalf("unexpected transition to %s", s)
	default:
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	up := newFakeUpstream(t, nil)
	rec := newRecorder()
	m := newTestManager(t, up.baseURL(), rec)

	m.Stop()
	if m.State() != Stopped {
		t.Fatalf("Stop on stopped manager changed state to %s", m.State())
	}

	m.Start()
	rec.waitState(t, Connecting)
	conn := up.accept(t)
	rec.waitState(t, Streaming)

	m.Stop()
	rec.waitState(t, Stopped)
	m.Stop()
	m.Wait()

	if m.State() != Stopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
	select {
	case err := <-rec.errs:
		t.Errorf("Stop reported an upstream error: %v", err)
	default:
	}

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("upstream connection still open after Stop")
	}
}

func TestManager_UpstreamCloseStopsWithoutReconnect(t *testing.T) {
	up := newFakeUpstream(t, nil)
	rec := newRecorder()
	m := newTestManager(t, up.baseURL(), rec)

	m.Start()
	rec.waitState(t, Connecting)
	conn := up.accept(t)
	rec.waitState(t, Streaming)

	conn.Close()
	rec.waitState(t, Stopped)

	select {
	case err := <-rec.errs:
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("upstream close was not reported")
	}

	select {
	case <-up.conns:
		t.Fatal("manager reconnected on its own")
	case <-time.After(100 * time.Millisecond):
	}

	// The next Start is the retry.
	m.Start()
	rec.waitState(t, Connecting)
	up.accept(t)
	rec.waitState(t, Streaming)
}

func TestManager_DialFailure(t *testing.T) {
	up := newFakeUpstream(t, nil)
	base := up.baseURL()
	up.srv.Close()

	rec := newRecorder()
	m := newTestManager(t, base, rec)

	m.Start()
	rec.waitState(t, Connecting)
	rec.waitState(t, Stopped)

	select {
	case err := <-rec.errs:
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("dial failure was not reported")
	}
}

func TestManager_StopWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	up := newFakeUpstream(t, func() { <-release })
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	rec := newRecorder()
	m := newTestManager(t, up.baseURL(), rec)

	m.Start()
	rec.waitState(t, Connecting)
	m.Stop()
	rec.waitState(t, Stopped)

	once.Do(func() { close(release) })
	m.Wait()

	if m.State() != Stopped {
		t.Errorf("stale dial moved state to %s", m.State())
	}
	select {
	case s := <-rec.states:
		t.Errorf("unexpected transition to %s after Stop", s)
	default:
	}
	select {
	case err := <-rec.errs:
		t.Errorf("cancelled dial reported error: %v", err)
	default:
	}
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	if _, err := NewManager(Config{URL: "wss://example.test/ws"}, zerolog.Nop()); err == nil {
		t.Error("expected error without symbols")
	}
	if _, err := NewManager(Config{URL: "http://example.test", Symbols: []string{"btcusdt"}}, zerolog.Nop()); err == nil {
		t.Error("expected error for non-websocket scheme")
	}
}
