// Package metrics defines the Prometheus counters and gauges the monitor
// maintains. Exposition beyond these definitions and the scrape mount lives
// outside the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotsTotal counts accepted snapshots by producing pipeline.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctiond_snapshots_total",
		Help: "Snapshots merged into auction state, by source pipeline.",
	}, []string{"source"})

	// BidsTotal counts finished bid attempts by outcome.
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctiond_bids_total",
		Help: "Bid attempts by outcome.",
	}, []string{"outcome"})

	// BreakerTransitionsTotal counts circuit state changes.
	BreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctiond_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"to"})

	// PipelineSwitchesTotal counts per-auction pipeline switches.
	PipelineSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctiond_pipeline_switches_total",
		Help: "Update pipeline switches, by destination.",
	}, []string{"to"})

	// ConnectedClients tracks currently connected websocket clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctiond_connected_clients",
		Help: "Currently connected websocket clients.",
	})

	// MonitoredAuctions tracks the live table size.
	MonitoredAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctiond_monitored_auctions",
		Help: "Auctions currently in the live table.",
	})

	// StoreDegraded is 1 while the store runs on the memory fallback.
	StoreDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctiond_store_degraded",
		Help: "1 when the store is running on the in-memory fallback.",
	})
)
