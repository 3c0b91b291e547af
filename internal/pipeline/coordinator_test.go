package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foiaflow/internal/capability"
	"github.com/foiaflow/internal/classifier"
	"github.com/foiaflow/internal/drafter"
	"github.com/foiaflow/internal/policy"
	"github.com/foiaflow/internal/safety"
	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// fakeDispatcher mimics the executor's contract: claim the execution key,
// record the send, finish the proposal.
type fakeDispatcher struct {
	mu      sync.Mutex
	store   store.Store
	calls   []int64
	failure error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, proposalID int64, executionKey string) error {
	f.mu.Lock()
	f.calls = append(f.calls, proposalID)
	f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	if err := f.store.ClaimExecution(ctx, proposalID, executionKey); err != nil {
		return err
	}
	p, err := f.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	msg := &models.Message{
		CaseID: p.CaseID, Direction: models.DirectionOutbound,
		Subject: p.DraftSubject, Body: p.DraftBody,
	}
	if err := f.store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	return f.store.FinishExecution(ctx, proposalID, models.ProposalExecuted, "sent")
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type env struct {
	store      *store.MemoryStore
	stub       *capability.StubClient
	dispatcher *fakeDispatcher
	co         *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	stub := capability.NewStubClient()
	disp := &fakeDispatcher{store: st}
	defaults := policy.Defaults{
		AutoApproveFeeCents: 5000,
		NegotiateMultiplier: 3.0,
		AlwaysHumanIntents:  []models.Intent{models.IntentDenial, models.IntentScopeChange, models.IntentSensitive},
	}
	co := NewCoordinator(
		st,
		classifier.New(stub, zerolog.Nop()),
		policy.New(defaults, zerolog.Nop()),
		drafter.New(stub, zerolog.Nop()),
		safety.New(zerolog.Nop()),
		disp,
		time.Minute,
		zerolog.Nop(),
	)
	return &env{store: st, stub: stub, dispatcher: disp, co: co}
}

func (e *env) seedCase(t *testing.T, mode models.AutopilotMode) *models.Case {
	t.Helper()
	c := &models.Case{
		Name:          "Body camera footage 2024",
		AgencyName:    "Metro PD",
		AgencyEmail:   "records@metro.example",
		Status:        models.CaseAwaitingResponse,
		AutopilotMode: mode,
		Channel:       models.ChannelEmail,
		CostStatus:    models.CostNone,
	}
	require.NoError(t, e.store.CreateCase(context.Background(), c))
	return c
}

func (e *env) seedInboundRun(t *testing.T, caseID int64, body string) *models.AgentRun {
	t.Helper()
	msg := &models.Message{
		CaseID: caseID, Direction: models.DirectionInbound,
		Subject: "Re: records request", Body: body,
	}
	require.NoError(t, e.store.CreateMessage(context.Background(), msg))
	run := &models.AgentRun{CaseID: caseID, MessageID: &msg.ID, TriggerType: models.TriggerInbound}
	require.NoError(t, e.store.CreateRun(context.Background(), run))
	return run
}

const draftResponse = `{"subject": "Re: records request", "body": "Thank you for the update. We accept the quoted fee."}`

func TestAutoRunExecutesEndToEnd(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := e.seedInboundRun(t, c.ID, "Your request requires a $15.00 fee.")

	e.stub.Respond("classifying an agency response",
		`{"intent": "fee_request", "confidence": 0.92, "sentiment": "neutral", "fee_cents": 1500}`)
	e.stub.Respond("Draft a professional response", draftResponse)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	assert.Equal(t, 1, e.dispatcher.callCount())

	got, err := e.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)

	p, err := e.store.GetProposal(context.Background(), e.dispatcher.calls[0])
	require.NoError(t, err)
	assert.Equal(t, models.ActionAcceptFee, p.ActionType)
	assert.Equal(t, models.ProposalExecuted, p.Status)

	// The executed send landed in the correspondence history.
	msgs, err := e.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.DirectionOutbound, msgs[1].Direction)
}

func TestDenialPausesForHumanReview(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := e.seedInboundRun(t, c.ID, "Your request is denied under exemption 7(A).")

	e.stub.Respond("classifying an agency response",
		`{"intent": "denial", "confidence": 0.9, "sentiment": "neutral", "denial_subtype": "exemption_7a"}`)
	e.stub.Respond("Research the context", `{"notes": ["exemption 7(A) requires an active proceeding"]}`)
	e.stub.Respond("Draft a professional response",
		`{"subject": "Re: denial", "body": "We respectfully contest the cited exemption."}`)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	assert.Equal(t, 0, e.dispatcher.callCount())

	p, err := e.store.ActiveProposal(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, p.Status)
	assert.Equal(t, models.ActionRebutDenial, p.ActionType)
	assert.True(t, p.RequiresHuman)

	got, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseNeedsHumanReview, got.Status)
	assert.True(t, got.RequiresHuman)
	require.NotNil(t, got.PauseReason)
	assert.Equal(t, models.PauseDenial, *got.PauseReason)

	gotRun, err := e.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, gotRun.Status)
}

func TestAcknowledgmentCompletesWithoutProposal(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := e.seedInboundRun(t, c.ID, "We received your request and assigned it #4411.")

	e.stub.Respond("classifying an agency response",
		`{"intent": "acknowledgment", "confidence": 0.85, "sentiment": "cooperative"}`)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	_, err := e.store.ActiveProposal(context.Background(), c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseResponded, got.Status)

	gotRun, err := e.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, gotRun.Status)
	assert.Equal(t, 0, e.dispatcher.callCount())
}

func TestUnusableCapabilityOutputFailsClosed(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := e.seedInboundRun(t, c.ID, "anything")

	// Out-of-enumeration intent never validates, even after retries.
	e.stub.Respond("classifying an agency response", `{"intent": "spam", "confidence": 0.9}`)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	gotRun, err := e.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, gotRun.Status)
	require.NotNil(t, gotRun.Error)

	// A fatal run leaves the case exactly as it found it.
	got, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, got.RequiresHuman)
	assert.Equal(t, models.CaseAwaitingResponse, got.Status)

	_, err = e.store.ActiveProposal(context.Background(), c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, e.dispatcher.callCount())
}

func TestRedeliveredCompletedRunIsNoop(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := e.seedInboundRun(t, c.ID, "Fee is $15.")

	e.stub.Respond("classifying an agency response",
		`{"intent": "fee_request", "confidence": 0.92, "sentiment": "neutral", "fee_cents": 1500}`)
	e.stub.Respond("Draft a professional response", draftResponse)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))
	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	assert.Equal(t, 1, e.dispatcher.callCount())
}

func TestResumeSkipsCheckpointedStages(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeSupervised)
	run := e.seedInboundRun(t, c.ID, "irrelevant, stages already ran")

	reason := models.PauseFeeQuote
	cp := checkpoint{
		Classification: &models.Classification{
			Intent: models.IntentFeeRequest, Confidence: 0.9, Sentiment: models.SentimentNeutral,
		},
		Decision: &models.Decision{
			ActionType: models.ActionAcceptFee, RequiresHuman: true,
			PauseReason: &reason, ResearchLevel: models.ResearchNone,
		},
		Draft:  &models.Draft{Subject: "Re: fee", Body: "We accept the fee."},
		Review: &models.Review{Safe: true, LawFitValid: true, RequesterConsistencyValid: true},
	}
	raw, err := json.Marshal(&cp)
	require.NoError(t, err)
	require.NoError(t, e.store.CheckpointRun(context.Background(), run.ID, models.StageReviewed, raw))

	// No capability responses registered: any stage re-run would error.
	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	assert.Empty(t, e.stub.Calls)

	p, err := e.store.ActiveProposal(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Re: fee", p.DraftSubject)
}

func TestFollowupTriggerDraftsWithoutClassification(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := &models.AgentRun{CaseID: c.ID, TriggerType: models.TriggerFollowup}
	require.NoError(t, e.store.CreateRun(context.Background(), run))

	e.stub.Respond("Draft a professional response",
		`{"subject": "Following up", "body": "Checking on the status of our request."}`)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	require.Equal(t, 1, e.dispatcher.callCount())
	p, err := e.store.GetProposal(context.Background(), e.dispatcher.calls[0])
	require.NoError(t, err)
	assert.Equal(t, models.ActionSendFollowup, p.ActionType)
	assert.Nil(t, p.Classification)
}

func TestHostileToneBlocksAutoExecution(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := e.seedInboundRun(t, c.ID, "Stop wasting our time with these requests.")

	e.stub.Respond("classifying an agency response",
		`{"intent": "clarification", "confidence": 0.8, "sentiment": "hostile"}`)
	e.stub.Respond("Research the context", `{"notes": []}`)
	e.stub.Respond("Draft a professional response",
		`{"subject": "Re: clarification", "body": "Happy to clarify the scope of the request."}`)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	assert.Equal(t, 0, e.dispatcher.callCount())

	p, err := e.store.ActiveProposal(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalBlocked, p.Status)
	assert.True(t, p.RequiresHuman)

	got, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PauseReason)
	assert.Equal(t, models.PauseHostileTone, *got.PauseReason)
}

func TestDispatchFailureFlagsCaseForHuman(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)
	run := e.seedInboundRun(t, c.ID, "Fee is $15.")
	e.dispatcher.failure = fmt.Errorf("smtp: connection refused")

	e.stub.Respond("classifying an agency response",
		`{"intent": "fee_request", "confidence": 0.92, "sentiment": "neutral", "fee_cents": 1500}`)
	e.stub.Respond("Draft a professional response", draftResponse)

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	gotRun, err := e.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, gotRun.Status)

	// The proposal was already approved, so the failed send needs a human.
	got, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, got.RequiresHuman)
	assert.Equal(t, models.CaseNeedsHumanReview, got.Status)
}

func TestTerminalCaseCompletesRunImmediately(t *testing.T) {
	e := newEnv(t)
	c := e.seedCase(t, models.ModeAuto)

	run := e.seedInboundRun(t, c.ID, "anything")

	got, err := e.store.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	got.Status = models.CaseClosed
	require.NoError(t, e.store.UpdateCase(context.Background(), got))

	require.NoError(t, e.co.Execute(context.Background(), run.ID))

	gotRun, err := e.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, gotRun.Status)
	assert.Empty(t, e.stub.Calls)
}
