// Package pipeline coordinates the classify, decide, draft, review, and
// propose stages for one agent run, checkpointing after each stage so a
// resumed run re-enters where it stopped instead of restarting.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/capability"
	"github.com/foiaflow/internal/classifier"
	"github.com/foiaflow/internal/drafter"
	"github.com/foiaflow/internal/logging"
	"github.com/foiaflow/internal/policy"
	"github.com/foiaflow/internal/safety"
	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// Dispatcher executes an approved proposal. The implementation owns the
// execution claim, the send itself, the outbound message record, and the
// proposal's final status.
type Dispatcher interface {
	Dispatch(ctx context.Context, proposalID int64, executionKey string) error
}

// Coordinator runs the full pipeline for one agent run.
type Coordinator struct {
	store      store.Store
	classifier *classifier.Classifier
	decider    *policy.Decider
	drafter    *drafter.Drafter
	reviewer   *safety.Reviewer
	dispatcher Dispatcher
	reconciler *Reconciler

	heartbeatInterval time.Duration
	logger            zerolog.Logger
}

// NewCoordinator wires the pipeline stages together.
func NewCoordinator(
	st store.Store,
	cl *classifier.Classifier,
	dec *policy.Decider,
	dr *drafter.Drafter,
	rev *safety.Reviewer,
	disp Dispatcher,
	heartbeatInterval time.Duration,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		store:             st,
		classifier:        cl,
		decider:           dec,
		drafter:           dr,
		reviewer:          rev,
		dispatcher:        disp,
		reconciler:        NewReconciler(st, logger),
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// checkpoint is the stage output persisted on the run row. Field presence
// encodes progress: a resumed run skips every stage whose output is already
// here.
type checkpoint struct {
	Classification *models.Classification `json:"classification,omitempty"`
	Decision       *models.Decision       `json:"decision,omitempty"`
	Draft          *models.Draft          `json:"draft,omitempty"`
	Review         *models.Review         `json:"review,omitempty"`
	ProposalID     int64                  `json:"proposal_id,omitempty"`
}

// Execute drives the run through its remaining stages. Safe to call again on
// a redelivered job: completed runs return immediately and a partially
// finished run resumes from its checkpoint.
func (co *Coordinator) Execute(ctx context.Context, runID int64) error {
	run, err := co.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", runID, err)
	}
	logger := logging.ForRun(co.logger, run.CaseID, run.ID)

	if !run.Status.IsActive() && run.Status != models.RunStuck {
		logger.Info().Str("status", string(run.Status)).Msg("Run already settled, skipping")
		return nil
	}

	if err := co.store.MarkRunRunning(ctx, runID); err != nil {
		return fmt.Errorf("start run %d: %w", runID, err)
	}

	c, err := co.store.GetCase(ctx, run.CaseID)
	if err != nil {
		return fmt.Errorf("load case %d: %w", run.CaseID, err)
	}
	if c.Status.IsTerminal() {
		logger.Info().Str("case_status", string(c.Status)).Msg("Case is terminal, completing run with no action")
		return co.store.CompleteRun(ctx, runID)
	}

	stop := co.startHeartbeat(ctx, runID)
	defer stop()

	var cp checkpoint
	if len(run.Checkpoint) > 0 {
		if err := json.Unmarshal(run.Checkpoint, &cp); err != nil {
			// A corrupt checkpoint cannot be resumed; restart the pipeline.
			logger.Warn().Err(err).Msg("Discarding unreadable checkpoint")
			cp = checkpoint{}
		}
	}

	scope, err := co.store.ListScopeItems(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load scope for case %d: %w", c.ID, err)
	}
	constraints, err := co.store.ListConstraints(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load constraints for case %d: %w", c.ID, err)
	}

	// Stage: classify. Only inbound-triggered runs carry a message to read.
	if cp.Classification == nil && run.MessageID != nil {
		msg, err := co.store.GetMessage(ctx, *run.MessageID)
		if err != nil {
			return fmt.Errorf("load message %d: %w", *run.MessageID, err)
		}
		cls, err := co.classifier.Classify(ctx, classifier.Input{
			Case: c, Message: msg, Scope: scope, Constraints: constraints,
		})
		if err != nil {
			if errors.Is(err, capability.ErrSchemaInvalid) {
				return co.failClosed(ctx, run, c, logger, err)
			}
			return err
		}
		cp.Classification = cls
		if err := co.checkpointStage(ctx, runID, models.StageClassified, &cp); err != nil {
			return err
		}
	}

	// Stage: decide.
	if cp.Decision == nil {
		var dec models.Decision
		if cp.Classification != nil {
			dec, err = co.decider.Decide(policy.Input{
				Case: c, Classification: cp.Classification, Scope: scope, Constraints: constraints,
			})
			if err != nil {
				return err
			}
		} else {
			dec = followupDecision(c)
		}
		cp.Decision = &dec
		if err := co.checkpointStage(ctx, runID, models.StageDecided, &cp); err != nil {
			return err
		}
	}

	if cp.Decision.ActionType == models.ActionNone {
		if err := co.store.LogActivity(ctx, c.ID, "run_noop", "no action required"); err != nil {
			return err
		}
		if err := co.reconciler.Reconcile(ctx, c.ID); err != nil {
			return err
		}
		if err := co.checkpointStage(ctx, runID, models.StageDone, &cp); err != nil {
			return err
		}
		return co.store.CompleteRun(ctx, runID)
	}

	// Stage: draft.
	if cp.Draft == nil {
		draft, err := co.drafter.Draft(ctx, drafter.Input{
			Case:           c,
			Decision:       cp.Decision,
			Classification: cp.Classification,
			Messages:       co.recentMessages(ctx, c.ID),
			Scope:          scope,
			Constraints:    constraints,
			HasAttachment:  cp.Decision.ActionType == models.ActionProvideID,
		})
		if err != nil {
			if errors.Is(err, capability.ErrSchemaInvalid) {
				return co.failClosed(ctx, run, c, logger, err)
			}
			return err
		}
		cp.Draft = draft
		if err := co.checkpointStage(ctx, runID, models.StageDrafted, &cp); err != nil {
			return err
		}
	}

	// Stage: review. Deterministic, but checkpointed so the verdict that
	// shaped the proposal survives a resume.
	if cp.Review == nil {
		review := co.reviewer.Review(safety.Input{
			Case:           c,
			Decision:       cp.Decision,
			Classification: cp.Classification,
			Draft:          cp.Draft,
			Scope:          scope,
			TargetChannel:  targetChannel(c),
		})
		safety.Apply(cp.Decision, review)
		cp.Review = &review
		if err := co.checkpointStage(ctx, runID, models.StageReviewed, &cp); err != nil {
			return err
		}
	}

	// Stage: propose.
	if cp.ProposalID == 0 {
		proposal := co.buildProposal(run, c, &cp)
		if err := co.store.CreateProposal(ctx, proposal); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// A retried or concurrent run already holds the slot.
				logger.Info().Msg("Proposal slot already occupied, completing run")
				return co.store.CompleteRun(ctx, runID)
			}
			return fmt.Errorf("create proposal for case %d: %w", c.ID, err)
		}
		cp.ProposalID = proposal.ID
		if err := co.store.LogActivity(ctx, c.ID, "proposal_created",
			fmt.Sprintf("%s proposal %d (%s)", proposal.ActionType, proposal.ID, proposal.Status)); err != nil {
			return err
		}
		if err := co.checkpointStage(ctx, runID, models.StageProposed, &cp); err != nil {
			return err
		}
	}

	if cp.Decision.RequiresHuman || !cp.Decision.CanAutoExecute {
		if err := co.flagCase(ctx, c.ID, cp.Decision.PauseReason); err != nil {
			return err
		}
		if err := co.checkpointStage(ctx, runID, models.StageAwaitingHuman, &cp); err != nil {
			return err
		}
		logger.Info().Int64("proposal_id", cp.ProposalID).Msg("Proposal awaiting human decision")
		return co.store.CompleteRun(ctx, runID)
	}

	// Auto path: approve with a fresh execution key and dispatch in-line.
	executionKey := uuid.NewString()
	if err := co.store.ApproveProposal(ctx, cp.ProposalID, executionKey); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Info().Int64("proposal_id", cp.ProposalID).Msg("Proposal no longer approvable, completing run")
			return co.store.CompleteRun(ctx, runID)
		}
		return err
	}
	if err := co.checkpointStage(ctx, runID, models.StageExecuting, &cp); err != nil {
		return err
	}
	if err := co.dispatcher.Dispatch(ctx, cp.ProposalID, executionKey); err != nil {
		return co.failDispatch(ctx, run, c, logger, fmt.Errorf("dispatch proposal %d: %w", cp.ProposalID, err))
	}

	if err := co.checkpointStage(ctx, runID, models.StageDone, &cp); err != nil {
		return err
	}
	return co.store.CompleteRun(ctx, runID)
}

// followupDecision is the deterministic outcome for triggers that carry no
// inbound message (initial nudges and scheduled follow-ups).
func followupDecision(c *models.Case) models.Decision {
	return models.Decision{
		ActionType:     models.ActionSendFollowup,
		CanAutoExecute: c.AutopilotMode == models.ModeAuto,
		RequiresHuman:  c.AutopilotMode != models.ModeAuto,
		PauseReason:    manualPauseFor(c),
		Reasoning:      []string{"scheduled follow-up, no inbound message"},
		ResearchLevel:  models.ResearchNone,
	}
}

func manualPauseFor(c *models.Case) *models.PauseReason {
	if c.AutopilotMode == models.ModeAuto {
		return nil
	}
	r := models.PauseManualMode
	return &r
}

// targetChannel picks the channel the executor would dispatch on. A portal
// case with no usable portal URL falls back to email, which the safety
// reviewer then rejects rather than silently mis-routing.
func targetChannel(c *models.Case) models.SubmissionChannel {
	if c.Channel == models.ChannelPortal && c.PortalURL != nil {
		return models.ChannelPortal
	}
	return models.ChannelEmail
}

func (co *Coordinator) buildProposal(run *models.AgentRun, c *models.Case, cp *checkpoint) *models.Proposal {
	status := models.ProposalPendingApproval
	if cp.Review != nil && !cp.Review.Safe {
		status = models.ProposalBlocked
	}

	confidence := 1.0
	if cp.Classification != nil {
		confidence = cp.Classification.Confidence
	}

	var warnings []string
	if cp.Review != nil {
		warnings = cp.Review.Warnings
	}

	return &models.Proposal{
		ProposalKey: store.ProposalKey(c.ID, triggerKey(run), cp.Decision.ActionType,
			cp.Draft.Subject, cp.Draft.Body),
		CaseID:         c.ID,
		RunID:          run.ID,
		ActionType:     cp.Decision.ActionType,
		Status:         status,
		DraftSubject:   cp.Draft.Subject,
		DraftBody:      cp.Draft.Body,
		Reasoning:      cp.Decision.Reasoning,
		Warnings:       warnings,
		Confidence:     confidence,
		Classification: cp.Classification,
		CanAutoExecute: cp.Decision.CanAutoExecute,
		RequiresHuman:  cp.Decision.RequiresHuman,
		PauseReason:    cp.Decision.PauseReason,
		Version:        1,
	}
}

// triggerKey identifies the trigger for idempotency purposes. Inbound runs
// key on the message so a retried run collides with its first attempt;
// message-less triggers key on the run itself.
func triggerKey(run *models.AgentRun) string {
	if run.MessageID != nil {
		return fmt.Sprintf("%s:msg:%d", run.TriggerType, *run.MessageID)
	}
	return fmt.Sprintf("%s:run:%d", run.TriggerType, run.ID)
}

func (co *Coordinator) checkpointStage(ctx context.Context, runID int64, stage models.RunStage, cp *checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := co.store.CheckpointRun(ctx, runID, stage, raw); err != nil {
		return fmt.Errorf("checkpoint run %d at %s: %w", runID, stage, err)
	}
	return nil
}

// flagCase pins the case into the human-review state. Retries on a lost
// optimistic update since the mutation is idempotent.
func (co *Coordinator) flagCase(ctx context.Context, caseID int64, reason *models.PauseReason) error {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := co.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return nil
		}
		c.RequiresHuman = true
		c.PauseReason = reason
		c.Status = models.CaseNeedsHumanReview
		err = co.store.UpdateCase(ctx, c)
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("flag case %d: too many concurrent updates", caseID)
}

// failClosed fails the run and records why, touching nothing else. No
// proposal exists on this path and the case keeps its prior state, so the
// next valid trigger starts clean instead of inheriting a fabricated pause.
func (co *Coordinator) failClosed(ctx context.Context, run *models.AgentRun, c *models.Case, logger zerolog.Logger, cause error) error {
	logger.Error().Err(cause).Msg("Run failed closed")
	if err := co.store.FailRun(ctx, run.ID, cause.Error()); err != nil {
		return err
	}
	return co.store.LogActivity(ctx, c.ID, "run_failed", cause.Error())
}

/// failDispatch fails the run and routes the case to a human: the proposal
// was already approved and marked failed by the executor, so someone has to
// look at what happened before anything else is sent for this case.
func (co *Coordinator) failDispatch(ctx context.Context, run *models.AgentRun, c *models.Case, logger zerolog.Logger, cause error) error {
	if err := co.failClosed(ctx, run, c, logger, cause); err != nil {
		return err
	}
	return co.flagCase(ctx, c.ID, nil)
}

func (co *Coordinator) recentMessages(ctx context.Context, caseID int64) []models.Message {
	msgs, err := co.store.ListMessages(ctx, caseID)
	if err != nil {
		co.logger.Warn().Err(err).Int64("case_id", caseID).Msg("Could not load correspondence history")
		return nil
	}
	return msgs
}

func (co *Coordinator) startHeartbeat(ctx context.Context, runID int64) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(co.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := co.store.HeartbeatRun(hbCtx, runID); err != nil {
					co.logger.Warn().Err(err).Int64("run_id", runID).Msg("Heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
