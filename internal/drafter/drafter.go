// Package drafter produces candidate response content for decided actions.
// Drafts always pass through the attachment sanitizer before anyone sees
// them: models like to claim files are enclosed when nothing is attached.
package drafter

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/capability"
	"github.com/foiaflow/pkg/models"
)

// Input is the drafting context for one decided action.
type Input struct {
	Case           *models.Case
	Decision       *models.Decision
	Classification *models.Classification
	Messages       []models.Message
	Scope          []models.ScopeItem
	Constraints    []models.Constraint

	// Instruction is the human adjustment text on an ADJUST decision.
	Instruction string

	// HasAttachment marks actions that genuinely attach a file, which keeps
	// the sanitizer from stripping their attachment references.
	HasAttachment bool
}

// Drafter writes response candidates through the capability boundary.
type Drafter struct {
	cap    capability.Client
	logger zerolog.Logger
}

// New constructs a drafter over the given capability client.
func New(cap capability.Client, logger zerolog.Logger) *Drafter {
	return &Drafter{cap: cap, logger: logger}
}

type draftPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (p *draftPayload) Validate() error {
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("draft body is empty")
	}
	return nil
}

type researchPayload struct {
	Notes []string `json:"notes"`
}

func (p *researchPayload) Validate() error { return nil }

// Draft produces the outbound candidate for the decided action. The research
// phase runs first when the decision asked for one; its notes enrich the
// drafting prompt but never reach the recipient directly.
func (d *Drafter) Draft(ctx context.Context, in Input) (*models.Draft, error) {
	if in.Decision == nil || !in.Decision.ActionType.NeedsDraft() {
		return nil, fmt.Errorf("draft: action %q carries no content",
			actionOrNone(in.Decision))
	}

	notes, err := d.research(ctx, in)
	if err != nil {
		return nil, err
	}

	var payload draftPayload
	if err := d.cap.Generate(ctx, buildDraftPrompt(in, notes), &payload); err != nil {
		return nil, fmt.Errorf("draft %s for case %d: %w", in.Decision.ActionType, in.Case.ID, err)
	}

	draft := &models.Draft{
		Subject: strings.TrimSpace(payload.Subject),
		Body:    SanitizeBody(payload.Body, in.HasAttachment),
	}
	if draft.Subject == "" {
		draft.Subject = defaultSubject(in)
	}

	d.logger.Info().
		Str("action", string(in.Decision.ActionType)).
		Int("body_bytes", len(draft.Body)).
		Msg("Drafted response")

	return draft, nil
}

func actionOrNone(dec *models.Decision) models.ActionType {
	if dec == nil {
		return models.ActionNone
	}
	return dec.ActionType
}

// research runs the optional pre-draft enrichment at the decided level.
func (d *Drafter) research(ctx context.Context, in Input) ([]string, error) {
	level := in.Decision.ResearchLevel
	if level == "" || level == models.ResearchNone {
		return nil, nil
	}

	var payload researchPayload
	if err := d.cap.Generate(ctx, buildResearchPrompt(in, level), &payload); err != nil {
		return nil, fmt.Errorf("research (%s) for case %d: %w", level, in.Case.ID, err)
	}
	return payload.Notes, nil
}

func defaultSubject(in Input) string {
	return fmt.Sprintf("Re: %s", in.Case.Name)
}

func buildResearchPrompt(in Input, level models.ResearchLevel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research the context for a public-records response. Depth: %s.\n", level)
	fmt.Fprintf(&b, "Case: %s, Agency: %s, Planned action: %s\n",
		in.Case.Name, in.Case.AgencyName, in.Decision.ActionType)
	if in.Classification != nil && in.Classification.DenialSubtype != nil {
		fmt.Fprintf(&b, "Denial basis cited: %s\n", *in.Classification.DenialSubtype)
	}
	b.WriteString(`Respond with JSON only: {"notes": [up to 8 short strings with relevant facts]}`)
	return b.String()
}

func buildDraftPrompt(in Input, notes []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Draft a professional response for a public-records request.\n\n")
	fmt.Fprintf(&b, "Action to take: %s\n", in.Decision.ActionType)
	fmt.Fprintf(&b, "Case: %s\nAgency: %s\n", in.Case.Name, in.Case.AgencyName)

	for _, r := range in.Decision.Reasoning {
		fmt.Fprintf(&b, "Decision context: %s\n", r)
	}
	if in.Classification != nil && len(in.Classification.KeyPoints) > 0 {
		b.WriteString("Key points from the agency's message:\n")
		for _, kp := range in.Classification.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", kp)
		}
	}
	if len(notes) > 0 {
		b.WriteString("Research notes:\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	if in.Instruction != "" {
		fmt.Fprintf(&b, "\nReviewer instruction (must be followed): %s\n", in.Instruction)
	}

	if len(in.Messages) > 0 {
		b.WriteString("\nRecent correspondence (oldest first):\n")
		start := 0
		if len(in.Messages) > 4 {
			start = len(in.Messages) - 4
		}
		for _, m := range in.Messages[start:] {
			fmt.Fprintf(&b, "[%s] %s\n", m.Direction, truncate(m.Body, 500))
		}
	}

	b.WriteString(`
Respond with JSON only: {"subject": "...", "body": "..."}
Do not claim any files are attached or enclosed.`)

	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multibyte character.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
