package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for WingLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Pools & Policies ---
	PoolTVL         *prometheus.GaugeVec
	PoolUtilization *prometheus.GaugeVec
	PoliciesMinted  *prometheus.CounterVec
	PoliciesExpired *prometheus.CounterVec
	CrowdFundClosed *prometheus.CounterVec

	// --- Settlement ---
	Settlements        *prometheus.CounterVec
	PayoutsTotal       *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	AlertsRaised       *prometheus.CounterVec
	SweepRuns          prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionWatermark prometheus.Gauge

	// --- Ingestion & Feed ---
	IngestMessages  *prometheus.CounterVec
	IngestToApply   *prometheus.HistogramVec
	FeedPolls       *prometheus.CounterVec
	FeedFlights     *prometheus.GaugeVec
	FeedSubmissions *prometheus.CounterVec
	OutboundPublish *prometheus.CounterVec

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}
	ioBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_core_events_rejected_total",
			Help: "Commands rejected (duplicate, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wing_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "wing_core_sequence",
			Help: "Next global sequence number",
		}),

		PoolTVL: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wing_pool_tvl",
			Help: "Total value locked per pool, minor units",
		}, []string{"pool_id"}),

		PoolUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wing_pool_utilization_bps",
			Help: "Active coverage over tvl, basis points",
		}, []string{"pool_id"}),

		PoliciesMinted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_policies_minted_total",
			Help: "Policies purchased",
		}, []string{"pool_id"}),

		PoliciesExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_policies_expired_total",
			Help: "Policies released by the expiry sweep",
		}, []string{"pool_id"}),

		CrowdFundClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_crowdfund_closed_total",
			Help: "Crowd-fund pools reaching a terminal funding state",
		}, []string{"outcome"}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_settlements_total",
			Help: "Per-policy settlement outcomes",
		}, []string{"outcome"}),

		PayoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_payouts_total",
			Help: "Claim payouts, minor units",
		}, []string{"pool_id"}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wing_settlement_duration_seconds",
			Help:    "Time to settle one status report",
			Buckets: latencyBuckets,
		}),

		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_alerts_raised_total",
			Help: "Operator alerts raised during settlement",
		}, []string{"reason"}),

		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_expiry_sweep_runs_total",
			Help: "Expiry sweeps executed",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wing_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wing_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wing_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "wing_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wing_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: ioBuckets,
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wing_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wing_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "wing_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wing_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "wing_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "wing_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wing_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "wing_replay_duration_seconds",
			Help: "Total replay time",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wing_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		ProjectionWatermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "wing_projection_watermark",
			Help: "Last sequence applied to projections",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_ingest_messages_total",
			Help: "Inbound messages by kind and outcome",
		}, []string{"kind", "result"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wing_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ioBuckets,
		}, []string{"kind"}),

		FeedPolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_feed_polls_total",
			Help: "Flight feed refreshes by source",
		}, []string{"source"}),

		FeedFlights: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wing_feed_flights",
			Help: "Flights in the latest feed snapshot by status",
		}, []string{"status"}),

		FeedSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_feed_submissions_total",
			Help: "Feed statuses submitted to settlement",
		}, []string{"result"}),

		OutboundPublish: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_outbound_publish_total",
			Help: "Outbound NATS publishes by outcome",
		}, []string{"kind", "result"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wing_api_requests_total",
			Help: "API requests",
		}, []string{"transport", "method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wing_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: ioBuckets,
		}, []string{"transport", "method"}),
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
