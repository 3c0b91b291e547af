package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foiaflow/pkg/models"
)

type scriptedSession struct {
	mu    sync.Mutex
	calls []string
	// Selectors that fail, forcing the runner onto fallbacks.
	broken map[string]bool
}

func newScriptedSession(broken ...string) *scriptedSession {
	b := make(map[string]bool, len(broken))
	for _, sel := range broken {
		b[sel] = true
	}
	return &scriptedSession{broken: b}
}

func (s *scriptedSession) record(op, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken[selector] {
		return fmt.Errorf("selector %q matched nothing", selector)
	}
	s.calls = append(s.calls, op+":"+selector)
	return nil
}

func (s *scriptedSession) Click(_ context.Context, sel string) error  { return s.record("click", sel) }
func (s *scriptedSession) Scroll(_ context.Context, sel string) error { return s.record("scroll", sel) }
func (s *scriptedSession) Type(_ context.Context, sel, _ string) error {
	return s.record("type", sel)
}
func (s *scriptedSession) Select(_ context.Context, sel, _ string) error {
	return s.record("select", sel)
}
func (s *scriptedSession) Close(_ context.Context) error { return nil }

type fixedCodeSource struct {
	code  string
	err   error
	specs []CodeSpec
}

func (f *fixedCodeSource) WaitForCode(_ context.Context, spec CodeSpec) (string, error) {
	f.specs = append(f.specs, spec)
	return f.code, f.err
}

func portalCase(provider string) (*models.Case, *models.Proposal) {
	url := "https://portal.example/requests/42"
	return &models.Case{
			ID: 1, Channel: models.ChannelPortal,
			PortalURL: &url, PortalProvider: &provider,
		}, &models.Proposal{
			ID: 9, CaseID: 1, ActionType: models.ActionSendFollowup,
			DraftSubject: "Re: request", DraftBody: "Following up on request 42.",
		}
}

func TestBuildPlanKnownProviders(t *testing.T) {
	_, p := portalCase("nextrequest")

	for _, provider := range []string{"nextrequest", "govqa"} {
		plan, err := BuildPlan(provider, p)
		require.NoError(t, err, provider)
		require.NoError(t, ValidatePlan(plan), provider)
		assert.Equal(t, ActionComplete, plan[len(plan)-1].Kind, provider)
	}
}

func TestBuildPlanUnknownProviderFailsFast(t *testing.T) {
	_, p := portalCase("muckrock-custom")
	_, err := BuildPlan("muckrock-custom", p)
	assert.ErrorIs(t, err, ErrPortalNotAutomatable)
}

func TestSubmitRunsNextRequestPlan(t *testing.T) {
	session := newScriptedSession()
	pe := NewPortalExecutor(func(_ context.Context, _ string) (PortalSession, error) {
		return session, nil
	}, nil, zerolog.Nop())

	c, p := portalCase("nextrequest")
	require.NoError(t, pe.Submit(context.Background(), c, p))

	assert.Contains(t, session.calls, "type:textarea#reply-body")
	assert.Contains(t, session.calls, "click:button[type='submit']")
}

func TestSubmitFallsBackOnBrokenSelector(t *testing.T) {
	session := newScriptedSession("button[data-action='reply']")
	pe := NewPortalExecutor(func(_ context.Context, _ string) (PortalSession, error) {
		return session, nil
	}, nil, zerolog.Nop())

	c, p := portalCase("nextrequest")
	require.NoError(t, pe.Submit(context.Background(), c, p))

	assert.Contains(t, session.calls, "click:.timeline-reply-button")
}

func TestSubmitFailsWhenAllSelectorsBroken(t *testing.T) {
	session := newScriptedSession(
		"button[data-action='reply']", ".timeline-reply-button", "a.reply-link")
	pe := NewPortalExecutor(func(_ context.Context, _ string) (PortalSession, error) {
		return session, nil
	}, nil, zerolog.Nop())

	c, p := portalCase("nextrequest")
	err := pe.Submit(context.Background(), c, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all selectors failed")
}

func TestSubmitTypesEmailedVerificationCode(t *testing.T) {
	session := newScriptedSession()
	codes := &fixedCodeSource{code: "482913"}
	pe := NewPortalExecutor(func(_ context.Context, _ string) (PortalSession, error) {
		return session, nil
	}, codes, zerolog.Nop())

	c, p := portalCase("govqa")
	require.NoError(t, pe.Submit(context.Background(), c, p))

	assert.Contains(t, session.calls, "type:input#verification-code")

	// The step's own pattern, sender filter and timeout reach the code source.
	require.Len(t, codes.specs, 1)
	assert.Equal(t, "govqa", codes.specs[0].From)
	assert.NotEmpty(t, codes.specs[0].Pattern)
	assert.Equal(t, 5*time.Minute, codes.specs[0].Timeout)
}

func TestSubmitWithoutCodeSourceFailsGovQA(t *testing.T) {
	session := newScriptedSession()
	pe := NewPortalExecutor(func(_ context.Context, _ string) (PortalSession, error) {
		return session, nil
	}, nil, zerolog.Nop())

	c, p := portalCase("govqa")
	err := pe.Submit(context.Background(), c, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no code source")
}

func TestSubmitWithoutPortalURLFailsFast(t *testing.T) {
	pe := NewPortalExecutor(nil, nil, zerolog.Nop())
	c, p := portalCase("nextrequest")
	c.PortalURL = nil

	err := pe.Submit(context.Background(), c, p)
	assert.ErrorIs(t, err, ErrPortalNotAutomatable)
}

func TestValidatePlanRejectsMalformedSteps(t *testing.T) {
	tests := []struct {
		name string
		plan []PortalAction
	}{
		{"empty", nil},
		{"click without selector", []PortalAction{{Kind: ActionClick}, {Kind: ActionComplete}}},
		{"wait without duration", []PortalAction{{Kind: ActionWait}, {Kind: ActionComplete}}},
		{"no terminator", []PortalAction{{Kind: ActionClick, Selector: "#go"}}},
		{"unknown kind", []PortalAction{{Kind: ActionKind("hover"), Selector: "#x"}, {Kind: ActionComplete}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidatePlan(tt.plan))
		})
	}
}

func TestWaitForCodeFindsFreshMessage(t *testing.T) {
	reader := &stubReader{msgs: []InboxMessage{
		{From: "noreply@govqa.example", Subject: "Your verification code",
			Body: "Use code 482913 to continue.", ReceivedAt: time.Now().Add(time.Second)},
	}}
	poller, err := NewInboxPoller(reader, `\b(\d{6})\b`, "govqa", time.Second, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	code, err := poller.WaitForCode(context.Background(), CodeSpec{})
	require.NoError(t, err)
	assert.Equal(t, "482913", code)
}

func TestWaitForCodeSpecOverridesDefaults(t *testing.T) {
	reader := &stubReader{msgs: []InboxMessage{
		{From: "noreply@govqa.example", Subject: "Your verification code",
			Body: "Use code 4829 to continue.", ReceivedAt: time.Now().Add(time.Second)},
	}}
	// Defaults would miss this message: a six-digit pattern and another sender.
	poller, err := NewInboxPoller(reader, `\b(\d{6})\b`, "nextrequest", 50*time.Millisecond, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	code, err := poller.WaitForCode(context.Background(), CodeSpec{
		Pattern: `\b(\d{4})\b`,
		From:    "govqa",
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "4829", code)
}

func TestWaitForCodeRejectsBadSpecPattern(t *testing.T) {
	poller, err := NewInboxPoller(&stubReader{}, `\b(\d{6})\b`, "", time.Second, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	_, err = poller.WaitForCode(context.Background(), CodeSpec{Pattern: `\d{6}`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture group")
}

func TestWaitForCodeIgnoresOtherSenders(t *testing.T) {
	reader := &stubReader{msgs: []InboxMessage{
		{From: "newsletter@example.com", Body: "Sale code 123456", ReceivedAt: time.Now().Add(time.Second)},
	}}
	poller, err := NewInboxPoller(reader, `\b(\d{6})\b`, "govqa", 50*time.Millisecond, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	_, err = poller.WaitForCode(context.Background(), CodeSpec{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWaitForCodeTimesOut(t *testing.T) {
	poller, err := NewInboxPoller(&stubReader{}, `\b(\d{6})\b`, "", 30*time.Millisecond, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	_, err = poller.WaitForCode(context.Background(), CodeSpec{})
	assert.Error(t, err)
}

func TestNewInboxPollerRejectsPatternWithoutGroup(t *testing.T) {
	_, err := NewInboxPoller(&stubReader{}, `\d{6}`, "", time.Second, time.Millisecond, zerolog.Nop())
	assert.Error(t, err)
}

type stubReader struct {
	msgs []InboxMessage
}

func (s *stubReader) ReceivedSince(_ context.Context, since time.Time) ([]InboxMessage, error) {
	var out []InboxMessage
	for _, m := range s.msgs {
		if !m.ReceivedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}
