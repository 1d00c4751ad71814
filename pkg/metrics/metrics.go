package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OperationsTotal counts engine operations by name and outcome.
var OperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kreel_operations_total",
		Help: "Engine operations processed, by operation and result",
	},
	[]string{"op", "result"},
)

// FillsTotal counts individual fills by counterparty kind.
var FillsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kreel_fills_total",
		Help: "Fills executed by the match engine",
	},
	[]string{"kind"},
)

// GlobalSettlements counts black swan events.
var GlobalSettlements = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "kreel_global_settlements_total",
		Help: "Global settlement (black swan) events",
	},
)

// FeedUpdates counts accepted feed publications per asset.
var FeedUpdates = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kreel_feed_updates_total",
		Help: "Accepted price feed publications",
	},
	[]string{"asset"},
)

// Market state gauges, refreshed after each applied operation.
var (
	OpenOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kreel_open_orders",
			Help: "Open limit orders per sell asset",
		},
		[]string{"asset"},
	)

	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kreel_open_positions",
			Help: "Open debt positions per stable asset",
		},
		[]string{"asset"},
	)

	SettlementFund = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kreel_settlement_fund",
			Help: "Seized collateral held for a settled asset",
		},
		[]string{"asset"},
	)

	CollateralFees = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kreel_collateral_fees",
			Help: "Accumulated margin call fees per stable asset",
		},
		[]string{"asset"},
	)
)

// MatchLatency records latency distribution of a full match pass.
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "kreel_match_pass_latency_seconds",
		Help:    "Latency in seconds for one engine operation incl. matching",
		Buckets: prometheus.DefBuckets,
	},
)

// Adapter health counters.
var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kreel_events_published_total",
			Help: "Events handed to stream backends, by sink and result",
		},
		[]string{"sink", "result"},
	)

	JournalWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kreel_journal_writes_total",
			Help: "Journal rows written, by table and result",
		},
		[]string{"table", "result"},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal, FillsTotal, GlobalSettlements, FeedUpdates)
	prometheus.MustRegister(OpenOrders, OpenPositions, SettlementFund, CollateralFees)
	prometheus.MustRegister(MatchLatency, EventsPublished, JournalWrites)
}
