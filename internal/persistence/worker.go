package persistence

import (
	"ListingLedger/internal/core"
	"ListingLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the processor loop. The processor's send is
// blocking, so if this worker falls behind the loop stalls and no
// committed command is dropped.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// batch accumulates rows between flushes.
type batch struct {
	commands  []CommandRow
	transfers []TransferRow
}

func (b *batch) add(out core.CoreOutput) {
	cmd, transfers := RowsFromOutput(out)
	b.commands = append(b.commands, cmd)
	b.transfers = append(b.transfers, transfers...)
}

func (b *batch) reset() {
	b.commands = b.commands[:0]
	b.transfers = b.transfers[:0]
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		commands:  make([]CommandRow, 0, pw.batchSize),
		transfers: make([]TransferRow, 0, pw.batchSize*3),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: take whatever is already queued, then flush.
		drain:
			for {
				select {
				case out, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					b.add(out)
				default:
					break drain
				}
			}
			if len(b.commands) > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.logger.Error().Err(err).Int("commands", len(b.commands)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(b.commands) > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.logger.Error().Err(err).Int("commands", len(b.commands)).Msg("final flush failed")
					}
				}
				return nil
			}

			b.add(out)
			if len(b.commands) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(b.commands) > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. The worker never drops a batch on its own.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.metrics.PersistRetry.Inc()
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", len(b.commands)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				// Shutdown: one last attempt outside the cancelled context.
				if err := pw.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// flush writes commands and transfers in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, b.commands); err != nil {
		pw.metrics.PersistErrors.WithLabelValues("write_commands").Inc()
		return err
	}

	if err := pw.writer.WriteTransferBatch(ctx, tx, b.transfers); err != nil {
		pw.metrics.PersistErrors.WithLabelValues("write_transfers").Inc()
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		return err
	}

	pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	pw.metrics.PersistBatchSize.Observe(float64(len(b.commands)))
	pw.metrics.PersistCommandsWritten.Add(float64(len(b.commands)))
	pw.metrics.PersistTransfersWritten.Add(float64(len(b.transfers)))
	pw.metrics.PersistLastSequence.Set(float64(b.commands[len(b.commands)-1].Sequence))

	pw.logger.Debug().
		Int("commands", len(b.commands)).
		Int("transfers", len(b.transfers)).
		Dur("took", time.Since(start)).
		Msg("batch persisted")
	return nil
}
