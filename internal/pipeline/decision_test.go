package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foiaflow/internal/capability"
	"github.com/foiaflow/internal/drafter"
	"github.com/foiaflow/internal/safety"
	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

type fakeExecution struct {
	key   string
	runID int64
}

type fakeEnqueuer struct {
	mu         sync.Mutex
	runs       []int64
	executions map[int64]fakeExecution
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{executions: make(map[int64]fakeExecution)}
}

func (f *fakeEnqueuer) EnqueueRun(_ context.Context, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, runID)
	return nil
}

func (f *fakeEnqueuer) EnqueueExecution(_ context.Context, proposalID int64, executionKey string, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[proposalID] = fakeExecution{key: executionKey, runID: runID}
	return nil
}

type decisionEnv struct {
	store    *store.MemoryStore
	stub     *capability.StubClient
	enqueuer *fakeEnqueuer
	handler  *DecisionHandler
}

func newDecisionEnv(t *testing.T) *decisionEnv {
	t.Helper()
	st := store.NewMemoryStore()
	stub := capability.NewStubClient()
	enq := newFakeEnqueuer()
	h := NewDecisionHandler(st,
		drafter.New(stub, zerolog.Nop()),
		safety.New(zerolog.Nop()),
		enq,
		zerolog.Nop(),
	)
	return &decisionEnv{store: st, stub: stub, enqueuer: enq, handler: h}
}

func (e *decisionEnv) seedPending(t *testing.T, channel models.SubmissionChannel) (*models.Case, *models.Proposal) {
	t.Helper()
	c := &models.Case{
		Name:          "Inspection reports 2022-2024",
		AgencyName:    "Health Dept",
		AgencyEmail:   "foia@health.example",
		Status:        models.CaseNeedsHumanReview,
		AutopilotMode: models.ModeSupervised,
		Channel:       channel,
		RequiresHuman: true,
	}
	if channel == models.ChannelPortal {
		url := "https://portal.example/case/88"
		c.PortalURL = &url
	}
	require.NoError(t, e.store.CreateCase(context.Background(), c))

	run := &models.AgentRun{CaseID: c.ID, TriggerType: models.TriggerInbound, Status: models.RunCompleted}
	require.NoError(t, e.store.CreateRun(context.Background(), run))

	p := &models.Proposal{
		ProposalKey:   store.ProposalKey(c.ID, "test", models.ActionSendFollowup, "Re: request", "Following up."),
		CaseID:        c.ID,
		RunID:         run.ID,
		ActionType:    models.ActionSendFollowup,
		Status:        models.ProposalPendingApproval,
		DraftSubject:  "Re: request",
		DraftBody:     "Following up.",
		RequiresHuman: true,
	}
	require.NoError(t, e.store.CreateProposal(context.Background(), p))
	return c, p
}

func TestApproveMintsKeyAndEnqueuesExecution(t *testing.T) {
	e := newDecisionEnv(t)
	_, p := e.seedPending(t, models.ChannelEmail)

	got, err := e.handler.Handle(context.Background(), p.ID, DecisionApprove, "")
	require.NoError(t, err)

	assert.Equal(t, models.ProposalApproved, got.Status)
	require.NotNil(t, got.ExecutionKey)

	exec, ok := e.enqueuer.executions[p.ID]
	require.True(t, ok)
	assert.Equal(t, *got.ExecutionKey, exec.key)
}

func TestApproveCreatesResumeRunForDispatch(t *testing.T) {
	e := newDecisionEnv(t)
	c, p := e.seedPending(t, models.ChannelEmail)

	_, err := e.handler.Handle(context.Background(), p.ID, DecisionApprove, "")
	require.NoError(t, err)

	exec, ok := e.enqueuer.executions[p.ID]
	require.True(t, ok)
	require.NotZero(t, exec.runID)

	run, err := e.store.GetRun(context.Background(), exec.runID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, run.CaseID)
	assert.Equal(t, models.TriggerResume, run.TriggerType)
	assert.Equal(t, models.RunQueued, run.Status)
}

func TestApproveTwiceConflicts(t *testing.T) {
	e := newDecisionEnv(t)
	_, p := e.seedPending(t, models.ChannelEmail)

	_, err := e.handler.Handle(context.Background(), p.ID, DecisionApprove, "")
	require.NoError(t, err)

	_, err = e.handler.Handle(context.Background(), p.ID, DecisionApprove, "")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAdjustSupersedesWithBumpedRevision(t *testing.T) {
	e := newDecisionEnv(t)
	c, p := e.seedPending(t, models.ChannelEmail)

	e.stub.Respond("Draft a professional response",
		`{"subject": "Re: request", "body": "Following up, and flagging the statutory response deadline."}`)

	got, err := e.handler.Handle(context.Background(), p.ID, DecisionAdjust, "mention the statutory deadline")
	require.NoError(t, err)

	assert.NotEqual(t, p.ID, got.ID)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, models.ProposalPendingApproval, got.Status)
	assert.True(t, got.RequiresHuman)
	assert.Contains(t, got.DraftBody, "statutory")

	old, err := e.store.GetProposal(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalDismissed, old.Status)

	active, err := e.store.ActiveProposal(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ID, active.ID)
}

func TestAdjustWithoutInstructionRejected(t *testing.T) {
	e := newDecisionEnv(t)
	_, p := e.seedPending(t, models.ChannelEmail)

	_, err := e.handler.Handle(context.Background(), p.ID, DecisionAdjust, "   ")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestDismissReconcilesCaseFlags(t *testing.T) {
	e := newDecisionEnv(t)
	c, p := e.seedPending(t, models.ChannelEmail)

	msg := &models.Message{CaseID: c.ID, Direction: models.DirectionInbound, Body: "status update"}
	require.NoError(t, e.store.CreateMessage(context.Background(), msg))

	got, err := e.handler.Handle(context.Background(), p.ID, DecisionDismiss, "")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalDismissed, got.Status)

	gotCase, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, gotCase.RequiresHuman)
	assert.Nil(t, gotCase.PauseReason)
	assert.Equal(t, models.CaseResponded, gotCase.Status)
}

func TestWithdrawClosesCaseAndCancelsPortal(t *testing.T) {
	e := newDecisionEnv(t)
	c, p := e.seedPending(t, models.ChannelPortal)

	got, err := e.handler.Handle(context.Background(), p.ID, DecisionWithdraw, "")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalWithdrawn, got.Status)

	gotCase, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseWithdrawn, gotCase.Status)
	assert.Nil(t, gotCase.PortalURL)
	require.NotNil(t, gotCase.LastPortalStatus)
	assert.Contains(t, *gotCase.LastPortalStatus, "withdrawn")
}

func TestDecisionOnTerminalProposalConflicts(t *testing.T) {
	e := newDecisionEnv(t)
	_, p := e.seedPending(t, models.ChannelEmail)

	require.NoError(t, e.store.ApproveProposal(context.Background(), p.ID, "key-1"))
	require.NoError(t, e.store.ClaimExecution(context.Background(), p.ID, "key-1"))
	require.NoError(t, e.store.FinishExecution(context.Background(), p.ID, models.ProposalExecuted, "sent"))

	_, err := e.handler.Handle(context.Background(), p.ID, DecisionDismiss, "")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestUnknownDecisionRejected(t *testing.T) {
	e := newDecisionEnv(t)
	_, p := e.seedPending(t, models.ChannelEmail)

	_, err := e.handler.Handle(context.Background(), p.ID, HumanDecision("maybe"), "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}
