package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the credit ledger.
type Metrics struct {
	// --- Core Processing ---
	CoreOpsApplied   *prometheus.CounterVec
	CoreOpsRejected  *prometheus.CounterVec
	CoreOpDuration   *prometheus.HistogramVec
	CoreJournals     *prometheus.CounterVec
	CoreSequence     prometheus.Gauge
	CoreCompensation *prometheus.CounterVec

	// --- Vault ---
	VaultTotalDeposited prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	OutputDrops        *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Custody ---
	CustodyBreakerState *prometheus.GaugeVec
	CustodyTransfers    *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Projection ---
	ProjectionLastSequence prometheus.Gauge
	ProjectionErrors       prometheus.Counter

	// --- Transport ---
	NATSMessages    *prometheus.CounterVec
	PublishedEvents *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
	}

	return &Metrics{
		CoreOpsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_ops_applied_total",
			Help: "Operations successfully applied",
		}, []string{"op"}),

		CoreOpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_ops_rejected_total",
			Help: "Operations rejected by reason",
		}, []string{"op", "reason"}),

		CoreOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_core_op_duration_seconds",
			Help:    "Time to apply an operation including custody and commit",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_core_sequence",
			Help: "Next sequence to be assigned",
		}),

		CoreCompensation: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_compensations_total",
			Help: "Compensating custody transfers after a failed commit",
		}, []string{"op", "result"}),

		VaultTotalDeposited: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_vault_total_deposited",
			Help: "Collateral held by the vault",
		}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_size",
			Help: "Current number of items buffered in an output channel",
		}, []string{"channel"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_capacity",
			Help: "Capacity of an output channel",
		}, []string{"channel"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_utilization",
			Help: "Fill ratio of an output channel",
		}, []string{"channel"}),

		OutputDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_output_drops_total",
			Help: "Outputs dropped because a non-blocking channel was full",
		}, []string{"channel"}),

		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_idempotency_duplicates_total",
			Help: "Duplicate commands detected by tier",
		}, []string{"op", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_dedup_tier2_errors_total",
			Help: "Failed store lookups for idempotency keys",
		}),

		CustodyBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_custody_breaker_state",
			Help: "Custody circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),

		CustodyTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_custody_transfers_total",
			Help: "Custody transfers by direction and result",
		}, []string{"direction", "result"}),

		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_events_written_total",
			Help: "Envelopes written to the audit log",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_journals_written_total",
			Help: "Journal rows written to the audit log",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_persist_batch_size",
			Help:    "Envelopes per audit log flush",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_persist_batch_duration_seconds",
			Help:    "Time to flush one audit log batch",
			Buckets: latencyBuckets,
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_persist_errors_total",
			Help: "Audit log write failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_persist_last_sequence",
			Help: "Highest sequence flushed to the audit log",
		}),

		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ProjectionLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credit_projection_last_sequence",
			Help: "Projection watermark",
		}),

		ProjectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_projection_errors_total",
			Help: "Projection update failures",
		}),

		NATSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_nats_commands_total",
			Help: "Commands consumed from NATS by outcome",
		}, []string{"subject", "outcome"}),

		PublishedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_published_events_total",
			Help: "Events published to NATS by result",
		}, []string{"event_type", "result"}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_api_requests_total",
			Help: "API requests by transport, route and status",
		}, []string{"transport", "route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: latencyBuckets,
		}, []string{"transport", "route"}),
	}
}

// SetChannelMetrics updates channel size/capacity/utilization gauges.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
