package relay

import (
	"ListingLedger/internal/ledger"
	"ListingLedger/internal/observability"
	"ListingLedger/internal/store"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Message is one outbound transfer instruction as handed to a sink.
type Message struct {
	Key     string // transfer id, stable across redeliveries
	Kind    string // transfer type, used as the subject/channel suffix
	Listing string // partition key; keeps a listing's instructions in order
	Payload []byte // ledger.Instruction JSON
}

// Sink delivers instructions to the transfer executor.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Config struct {
	Store     *store.Store
	Sink      Sink
	Notify    <-chan struct{}
	Interval  time.Duration
	BatchSize int
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Relay drains the outbox into a sink. Entries are acked only after the
// sink accepts them, so delivery is at-least-once; sinks dedup on the
// transfer id.
type Relay struct {
	store     *store.Store
	sink      Sink
	notify    <-chan struct{}
	interval  time.Duration
	batchSize int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func New(cfg Config) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	return &Relay{
		store:     cfg.Store,
		sink:      cfg.Sink,
		notify:    cfg.Notify,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Run drains on every tick and on every commit notification until ctx is
// cancelled. A failed publish leaves the entry in place for the next pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Str("sink", r.sink.Name()).
		Dur("interval", r.interval).
		Msg("outbox relay started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-r.notify:
		}

		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("sink", r.sink.Name()).Msg("outbox drain stopped early")
		}
	}
}

// Drain publishes pending entries in settlement order until the outbox is
// empty or a publish fails. It returns the number delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	delivered := 0
	defer r.updatePending()

	for {
		batch, err := r.nextBatch()
		if err != nil {
			return delivered, fmt.Errorf("scan outbox: %w", err)
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return delivered, err
			}
			if err := r.deliver(ctx, rec); err != nil {
				return delivered, err
			}
			delivered++
		}

		if len(batch) < r.batchSize {
			return delivered, nil
		}
	}
}

// The batch is copied out before publishing so acks never race the iterator.
func (r *Relay) nextBatch() ([]store.OutboxRecord, error) {
	batch := make([]store.OutboxRecord, 0, r.batchSize)
	err := r.store.ScanOutbox(r.batchSize, func(rec store.OutboxRecord) error {
		batch = append(batch, rec)
		return nil
	})
	return batch, err
}

func (r *Relay) deliver(ctx context.Context, rec store.OutboxRecord) error {
	in, err := ledger.DecodeInstruction(rec.Payload)
	if err != nil {
		// Nothing downstream could use it; keep it out of the way.
		r.logger.Error().Err(err).
			Uint64("sequence", rec.Sequence).
			Uint16("index", rec.Index).
			Msg("dropping undecodable outbox entry")
		r.metrics.RelayFailed.WithLabelValues(r.sink.Name()).Inc()
		return r.store.AckOutbox(rec.Sequence, rec.Index)
	}

	msg := Message{
		Key:     in.TransferID,
		Kind:    in.Type,
		Listing: in.Listing,
		Payload: rec.Payload,
	}

	start := time.Now()
	err = r.sink.Publish(ctx, msg)
	r.metrics.RelayPublishLatency.WithLabelValues(r.sink.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		r.metrics.RelayFailed.WithLabelValues(r.sink.Name()).Inc()
		if ferr := r.store.FailOutbox(rec, time.Now()); ferr != nil {
			r.logger.Error().Err(ferr).Uint64("sequence", rec.Sequence).Msg("record outbox failure")
		}
		return fmt.Errorf("publish transfer %s (seq=%d idx=%d, attempt %d): %w",
			in.TransferID, rec.Sequence, rec.Index, rec.Retries+1, err)
	}

	if err := r.store.AckOutbox(rec.Sequence, rec.Index); err != nil {
		return fmt.Errorf("ack outbox seq=%d idx=%d: %w", rec.Sequence, rec.Index, err)
	}
	r.metrics.RelayPublished.WithLabelValues(r.sink.Name()).Inc()

	r.logger.Debug().
		Str("transfer_id", in.TransferID).
		Str("type", in.Type).
		Uint64("amount", in.Amount).
		Uint64("sequence", rec.Sequence).
		Msg("transfer relayed")
	return nil
}

func (r *Relay) updatePending() {
	n, err := r.store.OutboxLen()
	if err != nil {
		return
	}
	r.metrics.OutboxPending.Set(float64(n))
}
