package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/core"
	"github.com/UnlockdFinance/unlockd-ledger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the core's persist channel and batch-writes to Postgres.
// The core sends on this channel BLOCKING, so a worker that falls behind
// stalls the core instead of losing events — durability gates progress.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, w.batchSize)
	journalBatch := make([]JournalRow, 0, w.batchSize*4) // ~4 journals per event

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(eventBatch) > 0 {
				if err := w.flush(context.Background(), eventBatch, journalBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(eventBatch) > 0 {
					if err := w.flush(context.Background(), eventBatch, journalBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			ev, journals := RowsFromOutput(output)
			eventBatch = append(eventBatch, ev)
			journalBatch = append(journalBatch, journals...)

			if len(eventBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				if err := w.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				eventBatch = eventBatch[:0]
				journalBatch = journalBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// a batch: it retries until the write succeeds or the context is
// cancelled, and on cancellation attempts one final flush so shutdown does
// not lose the tail.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes events and journals in one transaction.
func (w *Worker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := w.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

// Writer exposes the underlying writer for startup tasks.
func (w *Worker) Writer() *EventLogWriter {
	return w.writer
}
