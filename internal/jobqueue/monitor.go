package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// RunEnqueuer is the slice of the queue the sweep needs.
type RunEnqueuer interface {
	EnqueueRun(ctx context.Context, runID int64) error
}

// Sweep finds running runs whose heartbeat predates the cutoff, marks them
// stuck, and requeues them. A requeued run resumes from its last checkpoint,
// and the proposal-key guard absorbs any duplicate work the dead attempt had
// already done. Resume runs are parked instead of requeued. Returns the
// number of runs swept.
func Sweep(ctx context.Context, st store.Store, enq RunEnqueuer, cutoff time.Time, logger zerolog.Logger) (int, error) {
	stale, err := st.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	swept := 0
	for _, run := range stale {
		if err := st.MarkRunStuck(ctx, run.ID); err != nil {
			// The run finished or another sweeper got it first.
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return swept, err
		}
		if run.TriggerType == models.TriggerResume {
			// A resume run wraps a send. Retrying a send the queue lost track
			// of risks a duplicate outbound, so a stuck resume run waits for a
			// human instead of a requeue.
			if err := st.LogActivity(ctx, run.CaseID, "run_stuck",
				fmt.Sprintf("dispatch run %d stalled, needs manual review", run.ID)); err != nil {
				return swept, err
			}
			logger.Warn().
				Int64("run_id", run.ID).
				Int64("case_id", run.CaseID).
				Time("last_heartbeat", run.HeartbeatAt).
				Msg("Stalled dispatch run parked")
			swept++
			continue
		}
		if err := st.LogActivity(ctx, run.CaseID, "run_stuck",
			fmt.Sprintf("run %d stalled at stage %s, requeued", run.ID, run.Stage)); err != nil {
			return swept, err
		}
		if err := enq.EnqueueRun(ctx, run.ID); err != nil {
			return swept, fmt.Errorf("requeue run %d: %w", run.ID, err)
		}
		logger.Warn().
			Int64("run_id", run.ID).
			Int64("case_id", run.CaseID).
			Str("stage", string(run.Stage)).
			Time("last_heartbeat", run.HeartbeatAt).
			Msg("Stalled run requeued")
		swept++
	}
	return swept, nil
}
