package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// Reconciler recomputes a case's review flags from ground truth after a
// proposal leaves its active slot. Flags are derived state: if another active
// proposal remains they stay, otherwise they clear and the case status falls
// back to what the correspondence history says.
type Reconciler struct {
	store  store.Store
	logger zerolog.Logger
}

// NewReconciler constructs a reconciler.
func NewReconciler(st store.Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger}
}

// Reconcile refreshes the case's requires_human flag, pause reason, and
// status. Retries once on a lost optimistic update since the recomputation is
// cheap and idempotent.
func (r *Reconciler) Reconcile(ctx context.Context, caseID int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := r.reconcileOnce(ctx, caseID)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("reconcile case %d: too many concurrent updates", caseID)
}

func (r *Reconciler) reconcileOnce(ctx context.Context, caseID int64) error {
	c, err := r.store.GetCase(ctx, caseID)
	if err != nil {
		return fmt.Errorf("reconcile case %d: %w", caseID, err)
	}
	if c.Status.IsTerminal() {
		return nil
	}

	active, err := r.store.ActiveProposal(ctx, caseID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reconcile case %d: %w", caseID, err)
	}
	if active != nil {
		// Another active proposal still owns the flags.
		return nil
	}

	inbound, err := r.store.CountInbound(ctx, caseID)
	if err != nil {
		return fmt.Errorf("reconcile case %d: %w", caseID, err)
	}

	c.RequiresHuman = false
	c.PauseReason = nil
	if inbound > 0 {
		c.Status = models.CaseResponded
	} else {
		c.Status = models.CaseAwaitingResponse
	}

	if err := r.store.UpdateCase(ctx, c); err != nil {
		return err
	}

	r.logger.Info().
		Int64("case_id", caseID).
		Str("status", string(c.Status)).
		Msg("Reconciled case flags")
	return nil
}
