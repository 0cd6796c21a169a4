package monitoring

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: LogLevelWarn, Format: LogFormatJSON, Output: &buf})

	logger.Info().Msg("hidden")
	logger.Warn().Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, `"service":"pricerelay"`) {
		t.Errorf("warn line missing or unlabelled: %s", out)
	}
}

func TestLogError_IncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LogError(logger, errors.New("boom"), "encode failed", map[string]any{"symbol": "btcusdt"})

	out := buf.String()
	for _, want := range []string{"boom", "encode failed", "btcusdt"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestRecoverPanic_Swallows(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "worker", map[string]any{"id": 7})
		panic("kaboom")
	}()

	if !strings.Contains(buf.String(), "kaboom") {
		t.Errorf("panic value not logged: %s", buf.String())
	}
}

func TestRegistry_HandlerExposesRelayMetrics(t *testing.T) {
	r := NewRegistry()
	r.Subscribers.Active.Set(2)
	r.Feed.TicksReceived.Inc()
	r.Gateway.AuthRejected.WithLabelValues("unauthenticated").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{"relay_subscribers_active 2", "relay_feed_ticks_total 1", `relay_auth_rejected_total{reason="unauthenticated"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSystemMonitor_Sample(t *testing.T) {
	sm, err := NewSystemMonitor(NewRegistry(), zerolog.Nop())
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}

	stats := sm.Sample()
	if stats.Goroutines == 0 {
		t.Error("expected goroutine count")
	}
	if sm.Stats().Timestamp.IsZero() {
		t.Error("sample was not stored")
	}
}
