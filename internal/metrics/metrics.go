// Package metrics holds the Prometheus collectors of the lifecycle engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "greenops"

// Metrics is a set of collectors bound to one registry. Tests build their
// own with New so they never share state.
type Metrics struct {
	registry *prometheus.Registry

	HeartbeatsTotal      *prometheus.CounterVec
	HeartbeatsClamped    prometheus.Counter
	StatusTransitions    *prometheus.CounterVec
	EnergyKWhTotal       prometheus.Counter
	CommandsTotal        *prometheus.CounterVec
	SweepDuration        prometheus.Histogram
	SweepMachinesOffline prometheus.Counter
	SweepCommandsExpired prometheus.Counter
	RegistrationsTotal   *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HeartbeatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeats processed, by result.",
			},
			[]string{"result"},
		),
		HeartbeatsClamped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_clamped_total",
				Help:      "Heartbeats whose reported interval exceeded the clamp ceiling.",
			},
		),
		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Machine status changes.",
			},
			[]string{"from", "to"},
		),
		EnergyKWhTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idle_energy_kwh_total",
				Help:      "Idle energy accrued across all machines since process start.",
			},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Command lifecycle transitions, by resulting status.",
			},
			[]string{"status"},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of offline sweeps.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SweepMachinesOffline: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_machines_offline_total",
				Help:      "Machines marked offline by sweeps.",
			},
		),
		SweepCommandsExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_commands_expired_total",
				Help:      "Commands expired by sweeps.",
			},
		),
		RegistrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Agent registrations, by outcome.",
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Agent RPC and operator API latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"surface", "method", "code"},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
