package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/foiaflow/pkg/models"
)

// ErrPortalNotAutomatable marks a case whose portal cannot be driven: no
// portal URL, or a provider with no known plan. Non-retryable; the dispatch
// fails fast instead of burning attempts.
var ErrPortalNotAutomatable = errors.New("portal not automatable")

// PortalSession is one live browser session on an agency portal. The runner
// drives it step by step; implementations bind it to an actual automation
// backend.
type PortalSession interface {
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, value string) error
	Select(ctx context.Context, selector, value string) error
	Scroll(ctx context.Context, selector string) error
	Close(ctx context.Context) error
}

// SessionFactory opens a session on the given portal URL.
type SessionFactory func(ctx context.Context, portalURL string) (PortalSession, error)

// CodeSpec narrows the inbox watch for one wait_for_email_code step. Zero
// values fall back to the source's configured defaults.
type CodeSpec struct {
	Pattern string
	From    string
	Timeout time.Duration
}

// CodeSource produces the emailed verification code some portals require
// before accepting a reply.
type CodeSource interface {
	WaitForCode(ctx context.Context, spec CodeSpec) (string, error)
}

// PortalExecutor runs provider-specific action plans against agency portals.
type PortalExecutor struct {
	sessions SessionFactory
	codes    CodeSource
	logger   zerolog.Logger
}

// NewPortalExecutor constructs a portal executor.
func NewPortalExecutor(sessions SessionFactory, codes CodeSource, logger zerolog.Logger) *PortalExecutor {
	return &PortalExecutor{sessions: sessions, codes: codes, logger: logger}
}

// BuildPlan maps a provider to its reply plan. Unknown providers are not
// automatable; the caller routes those to a human instead of guessing at
// markup.
func BuildPlan(provider string, p *models.Proposal) ([]PortalAction, error) {
	switch provider {
	case "nextrequest":
		return []PortalAction{
			{Kind: ActionScroll, Selector: "#request-timeline"},
			{Kind: ActionClick, Selector: "button[data-action='reply']",
				Fallbacks: []string{".timeline-reply-button", "a.reply-link"}},
			{Kind: ActionTypeText, Selector: "textarea#reply-body",
				Fallbacks: []string{"textarea[name='message']"}, Value: p.DraftBody},
			{Kind: ActionClick, Selector: "button[type='submit']",
				Fallbacks: []string{"input[type='submit']"}},
			{Kind: ActionWait, WaitMS: 2000},
			{Kind: ActionComplete},
		}, nil
	case "govqa":
		return []PortalAction{
			{Kind: ActionClick, Selector: "a#customer-portal-login",
				Fallbacks: []string{"a[href*='login']"}},
			{Kind: ActionWaitForEmailCode, Selector: "input#verification-code",
				Fallbacks: []string{"input[name='code']"},
				Pattern:   `(?i)verification code[^0-9]*([0-9]{4,8})`,
				From:      "govqa", TimeoutMS: 300000},
			{Kind: ActionClick, Selector: "button#verify"},
			{Kind: ActionClick, Selector: "a[href*='reference']",
				Fallbacks: []string{".request-detail-link"}},
			{Kind: ActionTypeText, Selector: "textarea#txtNewMessage",
				Fallbacks: []string{"textarea.message-input"}, Value: p.DraftBody},
			{Kind: ActionClick, Selector: "input#btnSendMessage",
				Fallbacks: []string{"button.send-message"}},
			{Kind: ActionComplete},
		}, nil
	default:
		return nil, fmt.Errorf("provider %q: %w", provider, ErrPortalNotAutomatable)
	}
}

// Submit drives the case's portal through the provider plan.
func (pe *PortalExecutor) Submit(ctx context.Context, c *models.Case, p *models.Proposal) error {
	if c.PortalURL == nil || *c.PortalURL == "" {
		return fmt.Errorf("case %d has no portal url: %w", c.ID, ErrPortalNotAutomatable)
	}
	provider := ""
	if c.PortalProvider != nil {
		provider = *c.PortalProvider
	}
	plan, err := BuildPlan(provider, p)
	if err != nil {
		return err
	}
	if err := ValidatePlan(plan); err != nil {
		return fmt.Errorf("provider %q plan: %w", provider, err)
	}
	if pe.sessions == nil {
		return fmt.Errorf("no browser backend configured: %w", ErrPortalNotAutomatable)
	}

	session, err := pe.sessions(ctx, *c.PortalURL)
	if err != nil {
		return fmt.Errorf("open portal session for case %d: %w", c.ID, err)
	}
	defer session.Close(context.WithoutCancel(ctx))

	pe.logger.Info().
		Int64("case_id", c.ID).
		Str("provider", provider).
		Str("plan", describePlan(plan)).
		Msg("Running portal plan")

	return pe.runPlan(ctx, session, plan)
}

func (pe *PortalExecutor) runPlan(ctx context.Context, session PortalSession, plan []PortalAction) error {
	for i, action := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch action.Kind {
		case ActionComplete:
			return nil
		case ActionError:
			return fmt.Errorf("portal plan aborted at step %d: %s", i, action.Message)
		case ActionWait:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(action.WaitMS) * time.Millisecond):
			}
		case ActionWaitForEmailCode:
			if pe.codes == nil {
				return fmt.Errorf("step %d needs an email code but no code source is configured", i)
			}
			spec := CodeSpec{
				Pattern: action.Pattern,
				From:    action.From,
				Timeout: time.Duration(action.TimeoutMS) * time.Millisecond,
			}
			code, err := pe.codes.WaitForCode(ctx, spec)
			if err != nil {
				return fmt.Errorf("step %d: wait for email code: %w", i, err)
			}
			if err := pe.withFallbacks(ctx, action, func(sel string) error {
				return session.Type(ctx, sel, code)
			}); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case ActionClick:
			if err := pe.withFallbacks(ctx, action, func(sel string) error {
				return session.Click(ctx, sel)
			}); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case ActionTypeText:
			if err := pe.withFallbacks(ctx, action, func(sel string) error {
				return session.Type(ctx, sel, action.Value)
			}); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case ActionSelect:
			if err := pe.withFallbacks(ctx, action, func(sel string) error {
				return session.Select(ctx, sel, action.Value)
			}); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case ActionScroll:
			if err := pe.withFallbacks(ctx, action, func(sel string) error {
				return session.Scroll(ctx, sel)
			}); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	return fmt.Errorf("portal plan ended without a terminating step")
}

// withFallbacks tries the step's selectors in order, moving on only when the
// backend reports the selector resolved nothing.
func (pe *PortalExecutor) withFallbacks(ctx context.Context, action PortalAction, op func(selector string) error) error {
	var lastErr error
	for _, sel := range action.selectors() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(sel)
		if err == nil {
			return nil
		}
		lastErr = err
		pe.logger.Debug().
			Str("selector", sel).
			Err(err).
			Msg("Selector failed, trying fallback")
	}
	return fmt.Errorf("all selectors failed for %s: %w", action.Kind, lastErr)
}
