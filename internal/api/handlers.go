package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/pipeline"
	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// Handlers carries the dependencies behind the HTTP surface.
type Handlers struct {
	store     store.Store
	decisions *pipeline.DecisionHandler
	enqueuer  pipeline.Enqueuer
	tokens    *pipeline.TokenService
	logger    zerolog.Logger
}

// NewHandlers constructs the handler set.
func NewHandlers(st store.Store, decisions *pipeline.DecisionHandler, enqueuer pipeline.Enqueuer, tokens *pipeline.TokenService, logger zerolog.Logger) *Handlers {
	return &Handlers{store: st, decisions: decisions, enqueuer: enqueuer, tokens: tokens, logger: logger}
}

// TriggerRequest starts an agent run for a case.
type TriggerRequest struct {
	CaseID  int64  `json:"case_id"`
	Type    string `json:"type"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// TriggerResponse acknowledges an accepted trigger.
type TriggerResponse struct {
	RunID     int64  `json:"run_id"`
	MessageID *int64 `json:"message_id,omitempty"`
	Status    string `json:"status"`
}

// CreateTrigger accepts an inbound message or a scheduled nudge and queues
// the agent run. A case with an active run answers 409: the caller retries
// after the current run settles.
func (h *Handlers) CreateTrigger(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	trigger := models.TriggerType(req.Type)
	switch trigger {
	case models.TriggerInitial, models.TriggerInbound, models.TriggerFollowup:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown trigger type")
	}
	if trigger == models.TriggerInbound && strings.TrimSpace(req.Body) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "inbound trigger requires a message body")
	}

	ctx := c.Request().Context()
	kase, err := h.store.GetCase(ctx, req.CaseID)
	if err != nil {
		return h.mapStoreError(err)
	}
	if kase.Status.IsTerminal() {
		return echo.NewHTTPError(http.StatusConflict, "case is closed")
	}
	if _, err := h.store.ActiveProposal(ctx, kase.ID); err == nil {
		return echo.NewHTTPError(http.StatusConflict, "case has a proposal awaiting decision")
	} else if !errors.Is(err, store.ErrNotFound) {
		return h.mapStoreError(err)
	}
	// Checked before the message row is written, so a rejected duplicate
	// trigger leaves no state behind.
	if _, err := h.store.ActiveRun(ctx, kase.ID); err == nil {
		return echo.NewHTTPError(http.StatusConflict, "case has an active run")
	} else if !errors.Is(err, store.ErrNotFound) {
		return h.mapStoreError(err)
	}

	run := &models.AgentRun{CaseID: kase.ID, TriggerType: trigger}
	var messageID *int64
	if trigger == models.TriggerInbound {
		msg := &models.Message{
			CaseID:    kase.ID,
			Direction: models.DirectionInbound,
			Subject:   req.Subject,
			Body:      req.Body,
		}
		if err := h.store.CreateMessage(ctx, msg); err != nil {
			return h.mapStoreError(err)
		}
		messageID = &msg.ID
		run.MessageID = messageID
	}

	if err := h.store.CreateRun(ctx, run); err != nil {
		return h.mapStoreError(err)
	}
	if err := h.enqueuer.EnqueueRun(ctx, run.ID); err != nil {
		h.logger.Error().Err(err).Int64("run_id", run.ID).Msg("Failed to enqueue run")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not queue run")
	}

	return c.JSON(http.StatusAccepted, TriggerResponse{
		RunID:     run.ID,
		MessageID: messageID,
		Status:    string(run.Status),
	})
}

// DecisionRequest applies a human decision to a proposal. Token is optional;
// when present it must authorize this proposal (the path email links take).
type DecisionRequest struct {
	Decision    string `json:"decision"`
	Instruction string `json:"instruction,omitempty"`
	Token       string `json:"token,omitempty"`
}

// DecideProposal applies APPROVE, ADJUST, DISMISS, or WITHDRAW.
func (h *Handlers) DecideProposal(c echo.Context) error {
	proposalID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid proposal id")
	}

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Token != "" {
		tokenProposal, err := h.tokens.ValidateDecisionToken(req.Token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid decision token")
		}
		if tokenProposal != proposalID {
			return echo.NewHTTPError(http.StatusForbidden, "token does not authorize this proposal")
		}
	}

	decision := pipeline.HumanDecision(strings.ToLower(req.Decision))
	proposal, err := h.decisions.Handle(c.Request().Context(), proposalID, decision, req.Instruction)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidDecision) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return h.mapStoreError(err)
	}

	return c.JSON(http.StatusOK, proposal)
}

// ListPendingProposals returns the review queue.
func (h *Handlers) ListPendingProposals(c echo.Context) error {
	pending, err := h.store.ListPendingProposals(c.Request().Context())
	if err != nil {
		return h.mapStoreError(err)
	}
	if pending == nil {
		pending = []store.PendingProposal{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"proposals": pending,
		"count":     len(pending),
	})
}

// GetRun returns one agent run with its stage and checkpoint metadata.
func (h *Handlers) GetRun(c echo.Context) error {
	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	run, err := h.store.GetRun(c.Request().Context(), runID)
	if err != nil {
		return h.mapStoreError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetCase returns one case.
func (h *Handlers) GetCase(c echo.Context) error {
	caseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	kase, err := h.store.GetCase(c.Request().Context(), caseID)
	if err != nil {
		return h.mapStoreError(err)
	}
	return c.JSON(http.StatusOK, kase)
}

// ListCaseActivity returns the case's append-only audit trail.
func (h *Handlers) ListCaseActivity(c echo.Context) error {
	caseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	if _, err := h.store.GetCase(c.Request().Context(), caseID); err != nil {
		return h.mapStoreError(err)
	}
	activity, err := h.store.ListActivity(c.Request().Context(), caseID)
	if err != nil {
		return h.mapStoreError(err)
	}
	if activity == nil {
		activity = []models.Activity{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"activity": activity,
		"count":    len(activity),
	})
}

func (h *Handlers) mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "concurrent update, retry")
	default:
		h.logger.Error().Err(err).Msg("Unhandled store error")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
