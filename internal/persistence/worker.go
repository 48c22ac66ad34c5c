package persistence

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const maxBackoff = 30 * time.Second

// PersistenceWorker drains the persist channel and batch-writes the audit
// log. The ledger sends to this channel with a blocking send, so when the
// worker falls behind commands stall instead of envelopes being lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	backoff      time.Duration
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
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		backoff:      100 * time.Millisecond,
		metrics:      metrics,
		logger:       logger,
	}
}

// pending accumulates the rows of consecutive outputs until the next flush.
type pending struct {
	events   []EventRow
	journals []JournalRow
}

func (p *pending) add(out core.CoreOutput) {
	row, journals := RowsFromOutput(out)
	p.events = append(p.events, row)
	p.journals = append(p.journals, journals...)
}

func (p *pending) reset() {
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

// Run flushes when batchSize envelopes are buffered or flushTimeout passes
// without one. It returns after a final flush once the input channel is
// closed or ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	buf := &pending{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(buf.events) > 0 {
				if err := pw.flush(context.WithoutCancel(ctx), buf.events, buf.journals); err != nil {
					pw.logger.Error().Err(err).Int("events", len(buf.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(buf.events) == 0 {
					return nil
				}
				if err := pw.flushWithRetry(ctx, buf.events, buf.journals); err != nil {
					pw.logger.Error().Err(err).Int("events", len(buf.events)).Msg("final flush failed")
					return err
				}
				return nil
			}
			buf.add(output)
			if len(buf.events) < pw.batchSize {
				continue
			}
			pw.flushPending(ctx, buf, "size")
			timer.Reset(pw.flushTimeout)

		case <-timer.C:
			if len(buf.events) > 0 {
				pw.flushPending(ctx, buf, "timeout")
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushPending writes buf and empties it. Rows that still fail after the
// retries end are dropped from the audit log; the store keeps the records.
func (pw *PersistenceWorker) flushPending(ctx context.Context, buf *pending, trigger string) {
	if err := pw.flushWithRetry(ctx, buf.events, buf.journals); err != nil {
		first, last := buf.events[0].Sequence, buf.events[len(buf.events)-1].Sequence
		pw.logger.Error().Err(err).
			Str("trigger", trigger).
			Int64("first_sequence", first).
			Int64("last_sequence", last).
			Msg("audit batch dropped")
		pw.countError("dropped")
	}
	buf.reset()
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt without the deadline.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := pw.backoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")

			select {
			case <-ctx.Done():
				if err := pw.flush(context.WithoutCancel(ctx), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		pw.logger.Debug().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes events and journals in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
