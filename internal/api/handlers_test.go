package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foiaflow/internal/capability"
	"github.com/foiaflow/internal/drafter"
	"github.com/foiaflow/internal/pipeline"
	"github.com/foiaflow/internal/safety"
	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

type nopEnqueuer struct {
	runs       []int64
	executions []int64
}

func (n *nopEnqueuer) EnqueueRun(_ context.Context, runID int64) error {
	n.runs = append(n.runs, runID)
	return nil
}

func (n *nopEnqueuer) EnqueueExecution(_ context.Context, proposalID int64, _ string, _ int64) error {
	n.executions = append(n.executions, proposalID)
	return nil
}

type apiEnv struct {
	store    *store.MemoryStore
	enqueuer *nopEnqueuer
	tokens   *pipeline.TokenService
	handlers *Handlers
	echo     *echo.Echo
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	st := store.NewMemoryStore()
	enq := &nopEnqueuer{}
	tokens := pipeline.NewTokenService("test-secret")
	decisions := pipeline.NewDecisionHandler(st,
		drafter.New(capability.NewStubClient().RespondAlways(
			`{"subject": "Re: adjusted", "body": "Adjusted draft text."}`), zerolog.Nop()),
		safety.New(zerolog.Nop()),
		enq,
		zerolog.Nop(),
	)
	return &apiEnv{
		store:    st,
		enqueuer: enq,
		tokens:   tokens,
		handlers: NewHandlers(st, decisions, enq, tokens, zerolog.Nop()),
		echo:     echo.New(),
	}
}

func (e *apiEnv) seedCase(t *testing.T) *models.Case {
	t.Helper()
	c := &models.Case{
		Name:          "Permit applications 2025",
		AgencyName:    "Building Dept",
		AgencyEmail:   "records@building.example",
		Status:        models.CaseAwaitingResponse,
		AutopilotMode: models.ModeSupervised,
		Channel:       models.ChannelEmail,
	}
	require.NoError(t, e.store.CreateCase(context.Background(), c))
	return c
}

func (e *apiEnv) seedPendingProposal(t *testing.T, caseID int64) *models.Proposal {
	t.Helper()
	run := &models.AgentRun{CaseID: caseID, TriggerType: models.TriggerInbound, Status: models.RunCompleted}
	require.NoError(t, e.store.CreateRun(context.Background(), run))
	p := &models.Proposal{
		ProposalKey:   store.ProposalKey(caseID, "test", models.ActionSendFollowup, "Re: permits", "Following up."),
		CaseID:        caseID,
		RunID:         run.ID,
		ActionType:    models.ActionSendFollowup,
		Status:        models.ProposalPendingApproval,
		DraftSubject:  "Re: permits",
		DraftBody:     "Following up.",
		RequiresHuman: true,
	}
	require.NoError(t, e.store.CreateProposal(context.Background(), p))
	return p
}

func (e *apiEnv) request(method, path, body string) (*httptest.ResponseRecorder, echo.Context) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	return rec, e.echo.NewContext(req, rec)
}

func TestCreateTriggerAcceptsInbound(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)

	rec, ctx := e.request(http.MethodPost, "/api/v1/triggers",
		fmt.Sprintf(`{"case_id": %d, "type": "inbound", "subject": "Re: permits", "body": "Fee is $25."}`, c.ID))
	require.NoError(t, e.handlers.CreateTrigger(ctx))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotZero(t, resp.RunID)
	require.NotNil(t, resp.MessageID)
	assert.Equal(t, []int64{resp.RunID}, e.enqueuer.runs)

	msgs, err := e.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
}

func TestCreateTriggerSecondActiveRunConflicts(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)

	body := fmt.Sprintf(`{"case_id": %d, "type": "followup"}`, c.ID)

	_, ctx := e.request(http.MethodPost, "/api/v1/triggers", body)
	require.NoError(t, e.handlers.CreateTrigger(ctx))

	_, ctx = e.request(http.MethodPost, "/api/v1/triggers", body)
	err := e.handlers.CreateTrigger(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func TestCreateTriggerRejectedDuplicateLeavesNoMessage(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)

	body := fmt.Sprintf(`{"case_id": %d, "type": "inbound", "subject": "Re: permits", "body": "Fee is $25."}`, c.ID)

	_, ctx := e.request(http.MethodPost, "/api/v1/triggers", body)
	require.NoError(t, e.handlers.CreateTrigger(ctx))

	_, ctx = e.request(http.MethodPost, "/api/v1/triggers", body)
	err := e.handlers.CreateTrigger(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)

	// Only the accepted trigger recorded a message.
	msgs, err := e.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	inbound, err := e.store.CountInbound(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inbound)
}

func TestCreateTriggerValidation(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown trigger type", fmt.Sprintf(`{"case_id": %d, "type": "telepathy"}`, c.ID), http.StatusBadRequest},
		{"inbound without body", fmt.Sprintf(`{"case_id": %d, "type": "inbound"}`, c.ID), http.StatusBadRequest},
		{"unknown case", `{"case_id": 9999, "type": "followup"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ctx := e.request(http.MethodPost, "/api/v1/triggers", tt.body)
			err := e.handlers.CreateTrigger(ctx)
			var httpErr *echo.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.code, httpErr.Code)
		})
	}
}

func TestCreateTriggerPendingProposalConflicts(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	e.seedPendingProposal(t, c.ID)

	_, ctx := e.request(http.MethodPost, "/api/v1/triggers",
		fmt.Sprintf(`{"case_id": %d, "type": "followup"}`, c.ID))
	err := e.handlers.CreateTrigger(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func TestCreateTriggerClosedCaseConflicts(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	got, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	got.Status = models.CaseClosed
	require.NoError(t, e.store.UpdateCase(context.Background(), got))

	_, ctx := e.request(http.MethodPost, "/api/v1/triggers",
		fmt.Sprintf(`{"case_id": %d, "type": "followup"}`, c.ID))
	err = e.handlers.CreateTrigger(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func decideCtx(e *apiEnv, proposalID int64, body string) (*httptest.ResponseRecorder, echo.Context) {
	rec, ctx := e.request(http.MethodPost, "/api/v1/proposals/:id/decision", body)
	ctx.SetParamNames("id")
	ctx.SetParamValues(strconv.FormatInt(proposalID, 10))
	return rec, ctx
}

func TestDecideProposalApprove(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	p := e.seedPendingProposal(t, c.ID)

	rec, ctx := decideCtx(e, p.ID, `{"decision": "approve"}`)
	require.NoError(t, e.handlers.DecideProposal(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{p.ID}, e.enqueuer.executions)

	var got models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.ProposalApproved, got.Status)
}

func TestDecideProposalSecondDecisionConflicts(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	p := e.seedPendingProposal(t, c.ID)

	_, ctx := decideCtx(e, p.ID, `{"decision": "approve"}`)
	require.NoError(t, e.handlers.DecideProposal(ctx))

	_, ctx = decideCtx(e, p.ID, `{"decision": "dismiss"}`)
	err := e.handlers.DecideProposal(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func TestDecideProposalInvalidDecision(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	p := e.seedPendingProposal(t, c.ID)

	_, ctx := decideCtx(e, p.ID, `{"decision": "maybe"}`)
	err := e.handlers.DecideProposal(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestDecideProposalTokenScoping(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	p := e.seedPendingProposal(t, c.ID)

	otherToken, err := e.tokens.CreateDecisionToken(p.ID + 100)
	require.NoError(t, err)

	_, ctx := decideCtx(e, p.ID, fmt.Sprintf(`{"decision": "approve", "token": %q}`, otherToken))
	err = e.handlers.DecideProposal(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)

	goodToken, err := e.tokens.CreateDecisionToken(p.ID)
	require.NoError(t, err)
	rec, ctx := decideCtx(e, p.ID, fmt.Sprintf(`{"decision": "approve", "token": %q}`, goodToken))
	require.NoError(t, e.handlers.DecideProposal(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecideProposalNotFound(t *testing.T) {
	e := newAPIEnv(t)

	_, ctx := decideCtx(e, 404, `{"decision": "approve"}`)
	err := e.handlers.DecideProposal(ctx)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestListPendingProposals(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	e.seedPendingProposal(t, c.ID)

	rec, ctx := e.request(http.MethodGet, "/api/v1/proposals/pending", "")
	require.NoError(t, e.handlers.ListPendingProposals(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count     int                     `json:"count"`
		Proposals []store.PendingProposal `json:"proposals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "Permit applications 2025", resp.Proposals[0].CaseName)
}

func TestGetRun(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	run := &models.AgentRun{CaseID: c.ID, TriggerType: models.TriggerFollowup}
	require.NoError(t, e.store.CreateRun(context.Background(), run))

	rec, ctx := e.request(http.MethodGet, "/api/v1/runs/:id", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(strconv.FormatInt(run.ID, 10))
	require.NoError(t, e.handlers.GetRun(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	var got models.AgentRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.RunQueued, got.Status)
	assert.Equal(t, models.StageStarted, got.Stage)
}

func TestListCaseActivity(t *testing.T) {
	e := newAPIEnv(t)
	c := e.seedCase(t)
	require.NoError(t, e.store.LogActivity(context.Background(), c.ID, "case_created", "seeded"))

	rec, ctx := e.request(http.MethodGet, "/api/v1/cases/:id/activity", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues(strconv.FormatInt(c.ID, 10))
	require.NoError(t, e.handlers.ListCaseActivity(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count    int               `json:"count"`
		Activity []models.Activity `json:"activity"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "case_created", resp.Activity[0].EventType)
}
