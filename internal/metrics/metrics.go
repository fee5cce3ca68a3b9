// Package metrics registers the Prometheus collectors exported by escrowd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Settlement operations
	GamesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_games_created_total",
			Help: "Total number of games created",
		},
	)

	BetsPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_bets_placed_total",
			Help: "Total number of bets accepted",
		},
		[]string{"side"}, // for, against
	)

	StakedVolume = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_staked_volume_total",
			Help: "Total token units transferred into game vaults",
		},
	)

	GamesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_games_resolved_total",
			Help: "Total number of games resolved",
		},
		[]string{"state"}, // for_wins, against_wins
	)

	Withdrawals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_withdrawals_total",
			Help: "Total number of successful withdrawals",
		},
	)

	PaidOutVolume = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_paid_out_volume_total",
			Help: "Total token units paid out of game vaults",
		},
	)

	VaultsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_vaults_closed_total",
			Help: "Total number of game vaults closed after the last withdrawal",
		},
	)

	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operation_errors_total",
			Help: "Total number of rejected or failed settlement operations",
		},
		[]string{"operation", "kind"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Duration of settlement operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// Background loops
	ResolverRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_resolver_runs_total",
			Help: "Total number of resolver sweeps",
		},
		[]string{"status"}, // ok, skipped, error
	)

	GamesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_games_archived_total",
			Help: "Total number of closed games exported to cold storage",
		},
	)

	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_http_requests_total",
			Help: "Total number of HTTP requests by route pattern and status",
		},
		[]string{"route", "status"},
	)

	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrow_ws_clients",
			Help: "Number of connected websocket clients",
		},
	)
)
