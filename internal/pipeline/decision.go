package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/drafter"
	"github.com/foiaflow/internal/safety"
	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// HumanDecision is the review vocabulary over a pending proposal.
type HumanDecision string

const (
	DecisionApprove  HumanDecision = "approve"
	DecisionAdjust   HumanDecision = "adjust"
	DecisionDismiss  HumanDecision = "dismiss"
	DecisionWithdraw HumanDecision = "withdraw"
)

// Valid reports membership in the decision vocabulary.
func (d HumanDecision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionAdjust, DecisionDismiss, DecisionWithdraw:
		return true
	}
	return false
}

// ErrInvalidDecision marks a request outside the decision vocabulary or an
// adjustment without instruction text.
var ErrInvalidDecision = errors.New("invalid decision")

// Enqueuer hands work to the durable job queue. An execution job carries the
// resume run that monitors it alongside the single-use key.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, runID int64) error
	EnqueueExecution(ctx context.Context, proposalID int64, executionKey string, runID int64) error
}

// DecisionHandler applies human decisions to pending proposals. Every path
// goes through the store's status guards, so a decision raced against another
// reviewer or against execution surfaces as ErrConflict instead of acting
// twice.
type DecisionHandler struct {
	store      store.Store
	drafter    *drafter.Drafter
	reviewer   *safety.Reviewer
	enqueuer   Enqueuer
	reconciler *Reconciler
	logger     zerolog.Logger
}

// NewDecisionHandler wires the decision paths.
func NewDecisionHandler(st store.Store, dr *drafter.Drafter, rev *safety.Reviewer, enq Enqueuer, logger zerolog.Logger) *DecisionHandler {
	return &DecisionHandler{
		store:      st,
		drafter:    dr,
		reviewer:   rev,
		enqueuer:   enq,
		reconciler: NewReconciler(st, logger),
		logger:     logger,
	}
}

// Handle applies one decision and returns the proposal that now holds the
// case's active slot (the replacement on ADJUST, the decided proposal
// otherwise).
func (h *DecisionHandler) Handle(ctx context.Context, proposalID int64, decision HumanDecision, instruction string) (*models.Proposal, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	p, err := h.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("proposal %d already %s: %w", p.ID, p.Status, store.ErrConflict)
	}

	logger := h.logger.With().Int64("proposal_id", p.ID).Int64("case_id", p.CaseID).Logger()

	switch decision {
	case DecisionApprove:
		return h.approve(ctx, p, logger)
	case DecisionAdjust:
		return h.adjust(ctx, p, instruction, logger)
	case DecisionDismiss:
		return h.dismiss(ctx, p, logger)
	case DecisionWithdraw:
		return h.withdraw(ctx, p, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
}

// approve mints the execution key and hands the proposal to the queue under
// a resume-typed run, which gives the dispatch the same heartbeat and
/// stuck-run coverage as any other trigger. The key is single-use: the
// executor clears it atomically when it claims the dispatch, so a
// redelivered job cannot send twice.
func (h *DecisionHandler) approve(ctx context.Context, p *models.Proposal, logger zerolog.Logger) (*models.Proposal, error) {
	run := &models.AgentRun{CaseID: p.CaseID, TriggerType: models.TriggerResume}
	if err := h.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create resume run for proposal %d: %w", p.ID, err)
	}

	executionKey := uuid.NewString()
	if err := h.store.ApproveProposal(ctx, p.ID, executionKey); err != nil {
		h.releaseRun(ctx, run.ID, err)
		return nil, err
	}
	if err := h.enqueuer.EnqueueExecution(ctx, p.ID, executionKey, run.ID); err != nil {
		h.releaseRun(ctx, run.ID, err)
		return nil, fmt.Errorf("enqueue execution for proposal %d: %w", p.ID, err)
	}
	if err := h.store.LogActivity(ctx, p.CaseID, "proposal_approved",
		fmt.Sprintf("%s proposal %d approved", p.ActionType, p.ID)); err != nil {
		return nil, err
	}
	logger.Info().Str("action", string(p.ActionType)).Msg("Proposal approved and queued for execution")
	return h.store.GetProposal(ctx, p.ID)
}

// releaseRun fails a resume run whose approval or enqueue fell through, so
// the case's active-run slot opens up again.
func (h *DecisionHandler) releaseRun(ctx context.Context, runID int64, cause error) {
	if err := h.store.FailRun(ctx, runID, cause.Error()); err != nil {
		h.logger.Warn().Err(err).Int64("run_id", runID).Msg("Could not release resume run")
	}
}

// adjust redrafts under the reviewer's instruction and swaps the proposals
/// atomically: the old revision is dismissed and the replacement takes the
// active slot with a bumped revision counter.
func (h *DecisionHandler) adjust(ctx context.Context, p *models.Proposal, instruction string, logger zerolog.Logger) (*models.Proposal, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("%w: adjust requires instruction text", ErrInvalidDecision)
	}

	c, err := h.store.GetCase(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	scope, err := h.store.ListScopeItems(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	constraints, err := h.store.ListConstraints(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	messages, err := h.store.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	// An adjusted draft stays under human control regardless of what the
	// original decision allowed.
	dec := models.Decision{
		ActionType:    p.ActionType,
		RequiresHuman: true,
		ResearchLevel: models.ResearchNone,
		Reasoning:     p.Reasoning,
	}
	draft, err := h.drafter.Draft(ctx, drafter.Input{
		Case:           c,
		Decision:       &dec,
		Classification: p.Classification,
		Messages:       messages,
		Scope:          scope,
		Constraints:    constraints,
		Instruction:    instruction,
		HasAttachment:  p.ActionType == models.ActionProvideID,
	})
	if err != nil {
		return nil, fmt.Errorf("redraft proposal %d: %w", p.ID, err)
	}

	review := h.reviewer.Review(safety.Input{
		Case:           c,
		Decision:       &dec,
		Classification: p.Classification,
		Draft:          draft,
		Scope:          scope,
		TargetChannel:  targetChannel(c),
	})

	status := models.ProposalPendingApproval
	if !review.Safe {
		status = models.ProposalBlocked
	}

	replacement := &models.Proposal{
		ProposalKey: store.ProposalKey(c.ID,
			fmt.Sprintf("adjust:%d:v%d", p.ID, p.Version), p.ActionType,
			draft.Subject, draft.Body),
		CaseID:         c.ID,
		RunID:          p.RunID,
		ActionType:     p.ActionType,
		Status:         status,
		DraftSubject:   draft.Subject,
		DraftBody:      draft.Body,
		Reasoning:      p.Reasoning,
		Warnings:       review.Warnings,
		Confidence:     p.Confidence,
		Classification: p.Classification,
		RequiresHuman:  true,
		PauseReason:    p.PauseReason,
	}
	if err := h.store.SupersedeProposal(ctx, p.ID, replacement); err != nil {
		return nil, err
	}
	if err := h.store.LogActivity(ctx, c.ID, "proposal_adjusted",
		fmt.Sprintf("proposal %d superseded by revision %d", p.ID, replacement.Version)); err != nil {
		return nil, err
	}
	logger.Info().Int64("replacement_id", replacement.ID).Int("revision", replacement.Version).Msg("Proposal adjusted")
	return replacement, nil
}

func (h *DecisionHandler) dismiss(ctx context.Context, p *models.Proposal, logger zerolog.Logger) (*models.Proposal, error) {
	if err := h.store.CloseProposal(ctx, p.ID, models.ProposalDismissed); err != nil {
		return nil, err
	}
	if err := h.reconciler.Reconcile(ctx, p.CaseID); err != nil {
		return nil, err
	}
	if err := h.store.LogActivity(ctx, p.CaseID, "proposal_dismissed",
		fmt.Sprintf("%s proposal %d dismissed", p.ActionType, p.ID)); err != nil {
		return nil, err
	}
	logger.Info().Msg("Proposal dismissed")
	return h.store.GetProposal(ctx, p.ID)
}

// withdraw closes both the proposal and the case. A portal case with a live
// submission also gets its portal request cancelled so the agency side stops
// too.
func (h *DecisionHandler) withdraw(ctx context.Context, p *models.Proposal, logger zerolog.Logger) (*models.Proposal, error) {
	if err := h.store.CloseProposal(ctx, p.ID, models.ProposalWithdrawn); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		c, err := h.store.GetCase(ctx, p.CaseID)
		if err != nil {
			return nil, err
		}
		if c.Status.IsTerminal() {
			break
		}
		if c.Channel == models.ChannelPortal && c.PortalURL != nil {
			if err := h.store.CancelPortalSubmission(ctx, c.ID, "withdrawn by requester"); err != nil {
				return nil, err
			}
			// Cancellation bumped the version; reload before the status write.
			continue
		}
		c.Status = models.CaseWithdrawn
		c.RequiresHuman = false
		c.PauseReason = nil
		err = h.store.UpdateCase(ctx, c)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	if err := h.store.LogActivity(ctx, p.CaseID, "case_withdrawn",
		fmt.Sprintf("case withdrawn while deciding proposal %d", p.ID)); err != nil {
		return nil, err
	}
	logger.Info().Msg("Case withdrawn")
	return h.store.GetProposal(ctx, p.ID)
}
