// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesThrottled prometheus.Counter
	CommandsCreated   *prometheus.CounterVec
	CommandsOffline   prometheus.Counter
	ResultsReceived   *prometheus.CounterVec
	InflightTimeouts  prometheus.Counter
	MachinesConnected prometheus.Gauge
	InflightCommands  prometheus.Gauge
}

// New creates and registers the relay collectors on a private registry.
// remoteErrors reports the store layer's cumulative remote failure count
// and is sampled at scrape time; pass nil when there is no remote store.
func New(remoteErrors func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Inbound gateway messages accepted for processing.",
		}),
		MessagesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_duplicate_total",
			Help: "Inbound messages dropped by the idempotency store.",
		}),
		MessagesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_throttled_total",
			Help: "Inbound messages rejected by the per-sender rate limiter.",
		}),
		CommandsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_created_total",
			Help: "Commands created from inbound messages, by kind.",
		}, []string{"kind"}),
		CommandsOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_commands_machine_offline_total",
			Help: "Commands that failed immediately because the machine was offline or stale.",
		}),
		ResultsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_results_received_total",
			Help: "Agent results consumed, by status.",
		}, []string{"status"}),
		InflightTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_inflight_timeouts_total",
			Help: "Commands timed out by the inflight sweep.",
		}),
		MachinesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_machines_connected",
			Help: "Currently registered agent sessions.",
		}),
		InflightCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_commands",
			Help: "Dispatched commands with no terminal outcome yet.",
		}),
	}
	reg.MustRegister(
		m.MessagesReceived, m.MessagesDuplicate, m.MessagesThrottled,
		m.CommandsCreated, m.CommandsOffline, m.ResultsReceived,
		m.InflightTimeouts, m.MachinesConnected, m.InflightCommands,
	)
	if remoteErrors != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_store_remote_errors",
			Help: "Remote store operations that fell back to the in-memory path.",
		}, remoteErrors))
	}
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
