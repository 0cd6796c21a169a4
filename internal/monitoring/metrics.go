package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the relay.
// Each Registry owns its own prometheus.Registry so several can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	Subscribers subscriberMetrics
	Feed        feedMetrics
	Messages    messageMetrics
	Gateway     gatewayMetrics
	Process     processMetrics
}

type subscriberMetrics struct {
	Active       prometheus.Gauge
	Registered   prometheus.Counter
	Unregistered *prometheus.CounterVec // reason
}

type feedMetrics struct {
	State          prometheus.Gauge // 0 stopped, 1 connecting, 2 streaming
	Starts         prometheus.Counter
	Failures       prometheus.Counter
	TicksReceived  prometheus.Counter
	TicksMalformed prometheus.Counter
}

type messageMetrics struct {
	Broadcasts       prometheus.Counter
	Delivered        prometheus.Counter
	BroadcastDropped prometheus.Counter
	EncodeErrors     prometheus.Counter
	MirrorErrors     *prometheus.CounterVec // sink
}

type gatewayMetrics struct {
	AuthRejected  *prometheus.CounterVec // reason
	RateLimited   *prometheus.CounterVec // scope
	UpgradeErrors prometheus.Counter
	OAuthFailures prometheus.Counter
}

type processMetrics struct {
	CPUPercent  prometheus.Gauge
	MemoryBytes prometheus.Gauge
}

// NewRegistry creates and registers all relay collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		Subscribers: subscriberMetrics{
			Active: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relay_subscribers_active",
				Help: "Number of registered relay subscribers",
			}),
			Registered: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_subscribers_registered_total",
				Help: "Total subscribers registered with the hub",
			}),
			Unregistered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_subscribers_unregistered_total",
				Help: "Total subscribers removed from the hub by reason",
			}, []string{"reason"}),
		},
		Feed: feedMetrics{
			State: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relay_feed_state",
				Help: "Upstream feed state (0 stopped, 1 connecting, 2 streaming)",
			}),
			Starts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_feed_starts_total",
				Help: "Total upstream feed start attempts",
			}),
			Failures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_feed_failures_total",
				Help: "Total upstream dial failures and unexpected closes",
			}),
			TicksReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_feed_ticks_total",
				Help: "Total trade ticks accepted from the upstream feed",
			}),
			TicksMalformed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_feed_ticks_malformed_total",
				Help: "Total upstream messages skipped as malformed",
			}),
		},
		Messages: messageMetrics{
			Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_broadcasts_total",
				Help: "Total price updates fanned out to subscribers",
			}),
			Delivered: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_messages_delivered_total",
				Help: "Total payloads written to subscriber transports",
			}),
			BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_broadcast_dropped_total",
				Help: "Total price updates dropped because the broadcast queue was full",
			}),
			EncodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_encode_errors_total",
				Help: "Total price updates that failed to encode",
			}),
			MirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_mirror_errors_total",
				Help: "Total mirror publish failures by sink",
			}, []string{"sink"}),
		},
		Gateway: gatewayMetrics{
			AuthRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_auth_rejected_total",
				Help: "Total requests rejected by the session validator by reason",
			}, []string{"reason"}),
			RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_upgrades_rate_limited_total",
				Help: "Total upgrade requests rejected by the connection rate limiter",
			}, []string{"scope"}),
			UpgradeErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_upgrade_errors_total",
				Help: "Total WebSocket handshake failures",
			}),
			OAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_oauth_failures_total",
				Help: "Total failed OAuth code exchanges",
			}),
		},
		Process: processMetrics{
			CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relay_process_cpu_percent",
				Help: "Process CPU usage percentage sampled by gopsutil",
			}),
			MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relay_process_rss_bytes",
				Help: "Process resident memory sampled by gopsutil",
			}),
		},
	}

	reg.MustRegister(
		r.Subscribers.Active, r.Subscribers.Registered, r.Subscribers.Unregistered,
		r.Feed.State, r.Feed.Starts, r.Feed.Failures, r.Feed.TicksReceived, r.Feed.TicksMalformed,
		r.Messages.Broadcasts, r.Messages.Delivered, r.Messages.BroadcastDropped,
		r.Messages.EncodeErrors, r.Messages.MirrorErrors,
		r.Gateway.AuthRejected, r.Gateway.RateLimited, r.Gateway.UpgradeErrors, r.Gateway.OAuthFailures,
		r.Process.CPUPercent, r.Process.MemoryBytes,
	)

	return r
}

// Handler returns an HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
