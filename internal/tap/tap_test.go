package tap

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pricerelay/internal/codec"
	"github.com/adred-codev/pricerelay/internal/config"
	"github.com/adred-codev/pricerelay/internal/feed"
	"github.com/adred-codev/pricerelay/internal/monitoring"
)

type fakePublisher struct {
	name       string
	publishErr error
	closeErr   error
	published  []feed.PriceUpdate
	closed     bool
}

func (p *fakePublisher) Name() string { return p.name }

func (p *fakePublisher) Publish(u feed.PriceUpdate, _ []byte) error {
	p.published = append(p.published, u)
	return p.publishErr
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return p.closeErr
}

func TestFanout_MirrorsToEveryPublisher(t *testing.T) {
	ok := &fakePublisher{name: "ok"}
	failing := &fakePublisher{name: "failing", publishErr: errors.New("bus down")}
	f := NewFanout(zerolog.Nop(), monitoring.NewRegistry(), failing, ok)

	update := feed.PriceUpdate{Symbol: "btcusdt", Price: "1", TimestampMillis: 1}
	f.Mirror(update, []byte{1})
	f.Mirror(update, []byte{2})

	if len(ok.published) != 2 {
		t.Errorf("healthy publisher got %d updates, want 2", len(ok.published))
	}
	if len(failing.published) != 2 {
		t.Errorf("failing publisher got %d attempts, want 2", len(failing.published))
	}
}

func TestFanout_CloseJoinsErrors(t *testing.T) {
	a := &fakePublisher{name: "a", closeErr: errors.New("flush timeout")}
	b := &fakePublisher{name: "b"}
	f := NewFanout(zerolog.Nop(), nil, a, b)

	err := f.Close()
	if err == nil || !strings.Contains(err.Error(), "a: flush timeout") {
		t.Errorf("Close() error = %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("not every publisher was closed")
	}
}

func TestFromConfig_NothingConfigured(t *testing.T) {
	f, err := FromConfig(&config.Config{}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("Len() = %d, want 0", f.Len())
	}
	f.Mirror(feed.PriceUpdate{Symbol: "x"}, nil)
	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewNATSPublisher_Unreachable(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{URL: "nats://127.0.0.1:1", Subject: "relay.price"}, zerolog.Nop(), nil)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if _, err := NewNATSPublisher(NATSConfig{URL: "nats://127.0.0.1:1"}, zerolog.Nop(), nil); err == nil {
		t.Error("expected error without subject")
	}
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, zerolog.Nop(), nil); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, zerolog.Nop(), nil); err == nil {
		t.Error("expected error without topic")
	}
}

// mirrorErrors scrapes the relay_mirror_errors_total value for sink.
func mirrorErrors(t *testing.T, metrics *monitoring.Registry, sink string) float64 {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	prefix := `relay_mirror_errors_total{sink="` + sink + `"} `
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if v, ok := strings.CutPrefix(line, prefix); ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				t.Fatalf("parse %q: %v", line, err)
			}
			return n
		}
	}
	return 0
}

func TestKafkaPublisher_BrokerDownDoesNotBlockMirror(t *testing.T) {
	metrics := monitoring.NewRegistry()
	p, err := NewKafkaPublisher(KafkaConfig{
		Brokers:            []string{"127.0.0.1:1"},
		Topic:              "relay.prices",
		MaxBufferedRecords: 10,
		FlushTimeout:       50 * time.Millisecond,
	}, zerolog.Nop(), metrics)
	if err != nil {
		t.Fatalf("NewKafkaPublisher() error = %v", err)
	}
	f := NewFanout(zerolog.Nop(), metrics, p)
	defer f.Close()

	const updates = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < updates; i++ {
			f.Mirror(feed.PriceUpdate{Symbol: "btcusdt", Price: "1", TimestampMillis: int64(i + 1)}, []byte{1})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Mirror blocked with the broker unreachable")
	}

	deadline := time.Now().Add(2 * time.Second)
	for mirrorErrors(t, metrics, "kafka") < updates-10 {
		if time.Now().After(deadline) {
			t.Fatalf("mirror errors = %v, want at least %d", mirrorErrors(t, metrics, "kafka"), updates-10)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecord(t *testing.T) {
	r := Record(feed.PriceUpdate{Symbol: "ethusdt", Price: "2250.1", TimestampMillis: 1700000000000}, []byte{0x0a})

	if string(r.Key) != "ethusdt" {
		t.Errorf("Key = %q", r.Key)
	}
	if !r.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Timestamp = %v", r.Timestamp)
	}
	if len(r.Headers) != 1 || string(r.Headers[0].Value) != codec.ContentType {
		t.Errorf("Headers = %+v", r.Headers)
	}
}

func TestSubjectFor(t *testing.T) {
	if got := SubjectFor("relay.price", "btcusdt"); got != "relay.price.btcusdt" {
		t.Errorf("SubjectFor() = %q", got)
	}
}
