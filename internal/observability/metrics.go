package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for InsuranceLedger.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CoreRollbacks      *prometheus.CounterVec

	// --- Insurance and flash loans ---
	FeesCollected *prometheus.CounterVec
	Claims        *prometheus.CounterVec
	FlashLoans    *prometheus.CounterVec
	TotalFunds    *prometheus.GaugeVec

	// --- Channels and backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency and ordering ---
	IdempotencyDuplicates   *prometheus.CounterVec
	IdempotencyLookupErrors *prometheus.CounterVec
	DedupLRUSize            prometheus.Gauge
	EventSequenceGap        *prometheus.CounterVec
	EventOutOfOrder         *prometheus.CounterVec

	// --- Ingestion and publishing ---
	IngestMessages  *prometheus.CounterVec
	IngestToApply   *prometheus.HistogramVec
	PublishedEvents *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Projection and query ---
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryErrors         *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ioBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	return &Metrics{
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_core_events_total",
			Help: "Events processed by the core, by outcome",
		}, []string{"type", "result"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_core_events_rejected_total",
			Help: "Events rejected before dispatch (duplicate, gap, out of order)",
		}, []string{"type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insurance_core_operation_duration_seconds",
			Help:    "Time to run one engine operation including commit",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_core_journals_total",
			Help: "Committed ledger journal entries",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insurance_core_sequence",
			Help: "Last committed core sequence",
		}),

		CoreRollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_rollbacks_total",
			Help: "Operations rolled back, by error kind",
		}, []string{"operation", "kind"}),

		FeesCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_fees_collected_total",
			Help: "Insurance fees collected on swaps",
		}, []string{"token"}),

		Claims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_claims_total",
			Help: "Insurance fee claims paid to liquidity providers",
		}, []string{"pool"}),

		FlashLoans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_flash_loans_total",
			Help: "Flash loans by outcome",
		}, []string{"token", "outcome"}),

		TotalFunds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insurance_total_funds",
			Help: "Ledger totalFunds per token (approximate, float64)",
		}, []string{"token"}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insurance_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insurance_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insurance_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "insurance_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "insurance_publish_drops_total",
			Help: "Outputs dropped because the publish channel was full",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "insurance_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_idempotency_duplicates_total",
			Help: "Duplicates caught, by tier (lru/postgres)",
		}, []string{"type", "tier"}),

		IdempotencyLookupErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_idempotency_lookup_errors_total",
			Help: "Postgres dedup lookups that failed and were treated as new",
		}, []string{"type"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insurance_dedup_lru_size",
			Help: "Current idempotency LRU occupancy",
		}),

		EventSequenceGap: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_ingest_messages_total",
			Help: "Host notifications received, by result",
		}, []string{"source", "result"}),

		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insurance_ingest_to_apply_seconds",
			Help:    "Receive to core commit latency",
			Buckets: ioBuckets,
		}, []string{"type"}),

		PublishedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_published_events_total",
			Help: "Engine events published to NATS",
		}, []string{"type"}),

		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "insurance_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "insurance_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insurance_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "insurance_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insurance_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "insurance_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insurance_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: ioBuckets,
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insurance_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insurance_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insurance_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: ioBuckets,
		}, []string{"method"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_query_errors_total",
			Help: "Query API errors, by gRPC code",
		}, []string{"method", "code"}),
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
