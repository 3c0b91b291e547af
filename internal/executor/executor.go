package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// Executor dispatches approved proposals over their case's channel.
type Executor struct {
	store  store.Store
	email  EmailSender
	portal *PortalExecutor

	dispatchTimeout time.Duration
	logger          zerolog.Logger
}

// New constructs an executor.
func New(st store.Store, email EmailSender, portal *PortalExecutor, dispatchTimeout time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		store:           st,
		email:           email,
		portal:          portal,
		dispatchTimeout: dispatchTimeout,
		logger:          logger,
	}
}

// Dispatch sends one approved proposal. The execution claim is taken first
// and atomically consumes the key, so a redelivered job finds the claim gone
// and returns without sending. A claim that then fails to send marks the
// proposal failed rather than releasing it for another attempt: re-sending
// correspondence is worse than asking a human to retry.
func (e *Executor) Dispatch(ctx context.Context, proposalID int64, executionKey string) error {
	correlationID := uuid.NewString()
	logger := e.logger.With().
		Int64("proposal_id", proposalID).
		Str("correlation_id", correlationID).
		Logger()

	ctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()

	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("load proposal %d: %w", proposalID, err)
	}
	c, err := e.store.GetCase(ctx, p.CaseID)
	if err != nil {
		return fmt.Errorf("load case %d: %w", p.CaseID, err)
	}

	// A withdrawal that raced the approval wins: nothing is sent for a
	// terminal case or proposal.
	if c.Status.IsTerminal() || p.Status.IsTerminal() {
		logger.Info().
			Str("case_status", string(c.Status)).
			Str("proposal_status", string(p.Status)).
			Msg("Skipping dispatch for terminal state")
		return nil
	}

	if err := e.store.ClaimExecution(ctx, proposalID, executionKey); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Info().Msg("Execution already claimed, skipping")
			return nil
		}
		return err
	}

	if err := e.send(ctx, c, p, logger); err != nil {
		logger.Error().Err(err).Msg("Dispatch failed")
		if ferr := e.store.FinishExecution(ctx, proposalID, models.ProposalFailed, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}

	msg := &models.Message{
		CaseID:    c.ID,
		Direction: models.DirectionOutbound,
		Subject:   p.DraftSubject,
		Body:      p.DraftBody,
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("record outbound message for case %d: %w", c.ID, err)
	}
	if err := e.store.FinishExecution(ctx, proposalID, models.ProposalExecuted,
		fmt.Sprintf("sent via %s (%s)", dispatchChannel(c), correlationID)); err != nil {
		return err
	}
	if err := e.settleCase(ctx, c.ID); err != nil {
		return err
	}

	logger.Info().
		Str("action", string(p.ActionType)).
		Str("channel", string(dispatchChannel(c))).
		Msg("Proposal executed")
	return nil
}

func dispatchChannel(c *models.Case) models.SubmissionChannel {
	if c.Channel == models.ChannelPortal && c.PortalURL != nil {
		return models.ChannelPortal
	}
	return models.ChannelEmail
}

// send routes on the case's declared channel. A portal-only case never falls
// back to email: a missing portal URL fails fast as non-retryable instead.
func (e *Executor) send(ctx context.Context, c *models.Case, p *models.Proposal, logger zerolog.Logger) error {
	switch c.Channel {
	case models.ChannelPortal:
		if c.PortalURL == nil || *c.PortalURL == "" {
			return fmt.Errorf("case %d is portal-only with no portal url: %w", c.ID, ErrPortalNotAutomatable)
		}
		if e.portal == nil {
			return fmt.Errorf("no portal executor configured: %w", ErrPortalNotAutomatable)
		}
		return e.portal.Submit(ctx, c, p)
	default:
		if c.AgencyEmail == "" {
			return fmt.Errorf("case %d has no agency email", c.ID)
		}
		return e.email.Send(ctx, OutboundEmail{
			To:      c.AgencyEmail,
			Subject: p.DraftSubject,
			Body:    p.DraftBody,
		})
	}
}

// settleCase moves the case back to awaiting_response after a successful
// send and clears any review flags the proposal carried.
func (e *Executor) settleCase(ctx context.Context, caseID int64) error {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := e.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return nil
		}
		c.Status = models.CaseAwaitingResponse
		c.RequiresHuman = false
		c.PauseReason = nil
		err = e.store.UpdateCase(ctx, c)
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("settle case %d: too many concurrent updates", caseID)
}
