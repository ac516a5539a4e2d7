package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ListingLedger.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreTransfers        *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	LiveListings         prometheus.Gauge

	// --- Ingestion ---
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec
	IngestToApply     *prometheus.HistogramVec

	// --- Channel & backpressure ---
	PersistBackpressure prometheus.Counter
	RelayNotifyDrops    prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistCommandsWritten  prometheus.Counter
	PersistTransfersWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistBatchDur         prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     prometheus.Gauge

	// --- Outbox relay ---
	OutboxPending       prometheus.Gauge
	RelayPublished      *prometheus.CounterVec
	RelayFailed         *prometheus.CounterVec
	RelayPublishLatency *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05,
	}

	ioBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	return &Metrics{
		// Core processing
		CoreCommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_core_commands_applied_total",
			Help: "Commands committed by the ledger",
		}, []string{"command_type"}),

		CoreCommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, precondition, unknown asset)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command including the store commit",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_core_transfers_total",
			Help: "Transfers recorded in settlements",
		}, []string{"transfer_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_core_sequence",
			Help: "Last committed ledger sequence",
		}),

		LiveListings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_live_listings",
			Help: "Listings currently stored",
		}),

		// Ingestion
		IngestReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_ingest_received_total",
			Help: "Commands received per source",
		}, []string{"source"}),

		IngestParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_ingest_parse_errors_total",
			Help: "Commands dropped because they could not be parsed",
		}, []string{"command_type"}),

		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_ingest_to_apply_seconds",
			Help:    "Receive to ledger commit",
			Buckets: ioBuckets,
		}, []string{"command_type"}),

		// Channel & backpressure
		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		RelayNotifyDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_relay_notify_drops_total",
			Help: "Relay wake-ups dropped because one was already pending",
		}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Persistence
		PersistCommandsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_commands_written_total",
			Help: "Command rows written to the event log",
		}),

		PersistTransfersWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_transfers_written_total",
			Help: "Transfer rows written to the event log",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_persist_batch_size",
			Help:    "Commands per event log batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_persist_errors_total",
			Help: "Event log write failures",
		}, []string{"operation"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_retries_total",
			Help: "Event log batch retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_persist_last_sequence",
			Help: "Highest sequence written to the event log",
		}),

		// Outbox relay
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_outbox_pending",
			Help: "Transfer instructions waiting in the outbox",
		}),

		RelayPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_relay_published_total",
			Help: "Transfer instructions delivered to the sink",
		}, []string{"sink"}),

		RelayFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_relay_failed_total",
			Help: "Transfer instruction deliveries that failed",
		}, []string{"sink"}),

		RelayPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_relay_publish_duration_seconds",
			Help:    "Sink publish latency",
			Buckets: ioBuckets,
		}, []string{"sink"}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: ioBuckets,
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}
