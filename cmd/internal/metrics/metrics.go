// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsLive counts sessions currently held in memory by the registry.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_sessions_live",
		Help: "Sessions currently resident in the registry.",
	})

	// ConnectionsLive counts websocket connections currently bound.
	ConnectionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_live",
		Help: "WebSocket connections currently bound to sessions.",
	})

	// GenerationsInFlight counts turns holding a backend generation slot.
	GenerationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_generations_in_flight",
		Help: "Generation jobs currently running against the LLM backend.",
	})

	// GenerationQueueDepth counts turns queued for a generation slot.
	GenerationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_generation_queue_depth",
		Help: "Turns waiting in the FIFO queue for a generation slot.",
	})

	// TurnsTotal counts finished turns by outcome
	// (committed, cancelled, failed).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_turns_total",
		Help: "Finished turns by outcome.",
	}, []string{"outcome"})

	// StoreRetriesTotal counts background retries of durable commits.
	StoreRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_store_retries_total",
		Help: "Background retry attempts for durable turn commits.",
	})

	// SlowClientDropsTotal counts connections dropped for falling behind
	// increment delivery.
	SlowClientDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_slow_client_drops_total",
		Help: "Connections dropped because their send queue overflowed.",
	})
)

// Turn outcomes recorded on TurnsTotal.
const (
	OutcomeCommitted = "committed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)
