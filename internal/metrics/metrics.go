// Package metrics declares the Prometheus metrics exported by tsn-server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcessesStarted counts subprocesses started, by role.
	ProcessesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsn_processes_started_total",
			Help: "Number of generator and capture subprocesses started.",
		},
		[]string{"role"},
	)
	// ProcessesStopped counts subprocess exits, by role and outcome
	// ("ok", "error" or "signal").
	ProcessesStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsn_processes_stopped_total",
			Help: "Number of subprocesses that exited, by outcome.",
		},
		[]string{"role", "outcome"},
	)
	// ForcedKills counts subprocesses killed after the grace period.
	ForcedKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsn_processes_killed_total",
			Help: "Number of subprocesses killed after the termination grace period.",
		},
		[]string{"role"},
	)
	// LiveProcesses is the number of live process records, by role.
	LiveProcesses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsn_processes_live",
			Help: "Number of live subprocess records.",
		},
		[]string{"role"},
	)
	// LinesDecoded counts protocol lines, by result ("ok" or "skipped").
	LinesDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsn_lines_decoded_total",
			Help: "Number of subprocess output lines decoded or skipped.",
		},
		[]string{"result"},
	)
	// EventsDropped counts stats events dropped because the consumer was
	// too slow.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tsn_events_dropped_total",
			Help: "Number of stats events dropped.",
		},
	)
	// EventClients is the number of connected event stream clients.
	EventClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsn_event_clients",
			Help: "Number of connected event stream clients.",
		},
	)
	// Estimates counts shaping estimates, by confidence.
	Estimates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsn_estimates_total",
			Help: "Number of per-class shaping estimates, by confidence.",
		},
		[]string{"confidence"},
	)
	// RequestsTotal counts API requests, by path and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsn_requests_total",
			Help: "Number of API requests, by path and result.",
		},
		[]string{"path", "status"},
	)
)
