// Package metrics defines the prometheus collectors of the real-time layer.
//
// Every Collectors value owns its own registry so that hubs built in tests do
// not collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collabhub"

// Collectors groups the counters and gauges updated by the hub.
type Collectors struct {
	registry *prometheus.Registry

	OnlineUsers         prometheus.Gauge
	ActiveSessions      prometheus.Gauge
	EventsDelivered     *prometheus.CounterVec
	DeliveryFailures    prometheus.Counter
	DecodeFailures      prometheus.Counter
	AuthFailures        prometheus.Counter
	PersistenceFailures prometheus.Counter
	RateLimited         prometheus.Counter
	RelayErrors         prometheus.Counter
}

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Users currently holding a live connection.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "WebSocket sessions currently running.",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_delivered_total",
			Help: "Outbound events queued to a connection, by event type.",
		}, []string{"type"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failures_total",
			Help: "Writes to a resolved connection that failed and pruned it.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_failures_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total",
			Help: "Handshakes refused because the token did not verify.",
		}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persistence_failures_total",
			Help: "Chat messages dropped because the store rejected them.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_frames_total",
			Help: "Inbound frames discarded by the per-connection rate limit.",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_errors_total",
			Help: "Cross-process relay publish or decode failures.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.OnlineUsers,
		c.ActiveSessions,
		c.EventsDelivered,
		c.DeliveryFailures,
		c.DecodeFailures,
		c.AuthFailures,
		c.PersistenceFailures,
		c.RateLimited,
		c.RelayErrors,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
