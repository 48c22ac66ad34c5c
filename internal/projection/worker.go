package projection

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/observability"
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ProjectionWorker keeps a Store current with the commands the ledger
// applies. The ledger hands outputs over without blocking, so sequences can
// be missed under load; those are counted and logged, and
// `creditledger projections rebuild` restores them from the audit log.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger

	applied int64
	missed  atomic.Int64
}

func NewProjectionWorker(store Store, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run resumes after the store's watermark and applies outputs until the
// input channel is closed or ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	wm, err := pw.store.Watermark(ctx)
	if err != nil {
		pw.logger.Warn().Err(err).Msg("projection watermark unavailable, starting from zero")
	}
	pw.applied = wm

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.handle(ctx, output)
		}
	}
}

// Missed returns how many sequences never reached the worker.
func (pw *ProjectionWorker) Missed() int64 {
	return pw.missed.Load()
}

func (pw *ProjectionWorker) handle(ctx context.Context, output core.CoreOutput) {
	seq := output.Envelope.Sequence

	u, err := UpdateFromOutput(output)
	if err == nil {
		err = pw.store.Apply(ctx, u)
	}
	if err != nil {
		pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
		if pw.metrics != nil {
			pw.metrics.ProjectionErrors.Inc()
		}
		return
	}

	if pw.applied > 0 && seq > pw.applied+1 {
		pw.missed.Add(seq - pw.applied - 1)
		pw.logger.Warn().
			Int64("from", pw.applied+1).
			Int64("to", seq-1).
			Msg("projection missed sequences, run projections rebuild to restore them")
	}
	if seq > pw.applied {
		pw.applied = seq
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionLastSequence.Set(float64(pw.applied))
	}
}
