package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lending ledger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	IngestParseErrors   *prometheus.CounterVec
	ApplyToPersist      prometheus.Histogram
	QueryFreshnessLag   *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Reserves ---
	ReserveUtilization   *prometheus.GaugeVec
	ReserveAvailable     *prometheus.GaugeVec
	ReserveTotalDebt     *prometheus.GaugeVec
	ReserveBorrowRate    *prometheus.GaugeVec
	ReserveLiquidityRate *prometheus.GaugeVec

	// --- Loans & Auctions ---
	LoanTransitions   *prometheus.CounterVec
	LoansOpen         prometheus.Gauge
	AuctionBids       *prometheus.CounterVec
	AuctionRedeems    *prometheus.CounterVec
	AuctionLiquidated *prometheus.CounterVec
	Buyouts           *prometheus.CounterVec
	HealthAlerts      *prometheus.CounterVec

	// --- Yield Vault ---
	HarvestGain       *prometheus.CounterVec
	HarvestLoss       *prometheus.CounterVec
	StrategyAdvances  *prometheus.CounterVec
	StrategyWithdraws *prometheus.CounterVec
	TreasuryFees      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, precondition)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ulend_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulend_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ulend_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ulend_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_ingest_parse_errors_total",
			Help: "Messages dropped because the payload failed to parse",
		}, []string{"event_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulend_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ulend_query_freshness_lag_seconds",
			Help:    "Core sequence minus projection sequence (in time)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}, []string{"endpoint"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ulend_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ulend_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ulend_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulend_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Reserves
		ReserveUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_reserve_utilization",
			Help: "Reserve utilization (0.0-1.0)",
		}, []string{"asset"}),

		ReserveAvailable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_reserve_available_liquidity",
			Help: "Idle reserve liquidity (wad, float approximation)",
		}, []string{"asset"}),

		ReserveTotalDebt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_reserve_total_debt",
			Help: "Outstanding variable debt (wad, float approximation)",
		}, []string{"asset"}),

		ReserveBorrowRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_reserve_borrow_rate",
			Help: "Current annual variable borrow rate (fraction)",
		}, []string{"asset"}),

		ReserveLiquidityRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ulend_reserve_liquidity_rate",
			Help: "Current annual liquidity rate (fraction)",
		}, []string{"asset"}),

		// Loans & Auctions
		LoanTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_loan_transitions_total",
			Help: "Loan state transitions",
		}, []string{"to_state"}),

		LoansOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ulend_loans_open",
			Help: "Loans currently Active or in Auction",
		}),

		AuctionBids: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_auction_bids_total",
			Help: "Auction bids accepted",
		}, []string{"asset"}),

		AuctionRedeems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_auction_redeems_total",
			Help: "Loans redeemed out of auction",
		}, []string{"asset"}),

		AuctionLiquidated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_auction_liquidated_total",
			Help: "Auctions settled by liquidation",
		}, []string{"asset"}),

		Buyouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_buyouts_total",
			Help: "Direct collateral buyouts",
		}, []string{"asset"}),

		HealthAlerts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_health_alerts_total",
			Help: "Loan health alerts emitted",
		}, []string{"collection"}),

		// Yield Vault
		HarvestGain: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_harvest_gain_total",
			Help: "Harvests reporting a gain",
		}, []string{"asset"}),

		HarvestLoss: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_harvest_loss_total",
			Help: "Harvests reporting a loss",
		}, []string{"asset"}),

		StrategyAdvances: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_strategy_advances_total",
			Help: "Cash advances to strategies",
		}, []string{"asset"}),

		StrategyWithdraws: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_strategy_withdraws_total",
			Help: "Cash pulled back from strategies",
		}, []string{"asset"}),

		TreasuryFees: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_treasury_fees_total",
			Help: "Treasury fee journals on harvest gains",
		}, []string{"asset"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulend_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ulend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulend_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ulend_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ulend_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ulend_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ulend_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ulend_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ulend_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
