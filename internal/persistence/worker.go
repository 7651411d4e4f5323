package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ChitFund/internal/core"
	"ChitFund/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. The engine
// sends on that channel blocking, so if this worker falls behind the engine
// stalls rather than losing an event.
type Worker struct {
	writer       *Writer
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
}

// Run batches incoming records and flushes when the batch fills or the
// flush timeout expires. Cancelling ctx forces a prompt flush, but the
// worker keeps draining until the producer closes the input channel, so
// outputs buffered at shutdown are still written. A closed channel hands
// the worker its remaining buffered values before ok turns false, which is
// what makes close-then-wait a complete drain.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]Record, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	done := ctx.Done()
	flushCtx := ctx
	for {
		select {
		case <-done:
			// Writes after cancellation run against a fresh context so the
			// dying request context cannot abort them mid-drain.
			done = nil
			flushCtx = context.Background()
			if len(batch) > 0 {
				w.flushWithRetry(flushCtx, batch)
				batch = batch[:0]
			}

		case output, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					w.flushWithRetry(flushCtx, batch)
				}
				return nil
			}

			batch = append(batch, RecordFromOutput(output))
			if len(batch) >= w.batchSize {
				w.flushWithRetry(flushCtx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(flushCtx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. On cancellation one last attempt runs with a
// background context so the batch is not lost on shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, batch []Record) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Msg("flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("flush succeeded after retries")
			}
			return
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes one batch of records in a single transaction
func (w *Worker) flush(ctx context.Context, batch []Record) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	journals := make([]JournalRow, 0, len(batch))
	// Latest projection per key wins within the batch.
	funds := make(map[string]*FundRow)
	participants := make(map[string]*ParticipantRow)
	balances := make(map[string]BalanceRow)

	for _, rec := range batch {
		events = append(events, rec.Event)
		journals = append(journals, rec.Journals...)
		if rec.Fund != nil {
			funds[rec.Fund.Asset] = rec.Fund
		}
		if rec.Participant != nil {
			participants[rec.Participant.Owner] = rec.Participant
		}
		for _, b := range rec.Balances {
			if prev, ok := balances[b.Account]; !ok || prev.Sequence < b.Sequence {
				balances[b.Account] = b
			}
		}
	}

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.countError("write_events")
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		w.countError("write_journals")
		return fmt.Errorf("write journals: %w", err)
	}
	for _, f := range funds {
		if err := w.writer.UpsertFund(ctx, tx, f); err != nil {
			w.countError("upsert_fund")
			return fmt.Errorf("upsert fund %s: %w", f.Asset, err)
		}
	}
	for _, p := range participants {
		if err := w.writer.UpsertParticipant(ctx, tx, p); err != nil {
			w.countError("upsert_participant")
			return fmt.Errorf("upsert participant %s: %w", p.Owner, err)
		}
	}
	if len(balances) > 0 {
		rows := make([]BalanceRow, 0, len(balances))
		for _, b := range balances {
			rows = append(rows, b)
		}
		if err := w.writer.UpsertBalances(ctx, tx, rows); err != nil {
			w.countError("upsert_balances")
			return fmt.Errorf("upsert balances: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
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

func (w *Worker) countError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
