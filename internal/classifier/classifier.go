// Package classifier turns an inbound agency message into a structured
// classification over a fixed intent enumeration.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/foiaflow/internal/capability"
	"github.com/foiaflow/pkg/models"
)

// Input carries the inbound message plus the case context the model needs.
type Input struct {
	Case        *models.Case
	Message     *models.Message
	Scope       []models.ScopeItem
	Constraints []models.Constraint
}

// Classifier reads inbound messages through the capability boundary.
type Classifier struct {
	cap    capability.Client
	logger zerolog.Logger
}

// New constructs a classifier over the given capability client.
func New(cap capability.Client, logger zerolog.Logger) *Classifier {
	return &Classifier{cap: cap, logger: logger}
}

// classificationPayload is the capability's wire schema. Validate enforces
// the fixed enumerations before anything downstream sees the values.
type classificationPayload struct {
	Intent        string   `json:"intent"`
	Confidence    float64  `json:"confidence"`
	Sentiment     string   `json:"sentiment"`
	FeeCents      *int64   `json:"fee_cents,omitempty"`
	Deadline      *string  `json:"deadline,omitempty"`
	DenialSubtype *string  `json:"denial_subtype,omitempty"`
	KeyPoints     []string `json:"key_points,omitempty"`
}

func (p *classificationPayload) Validate() error {
	if !models.Intent(p.Intent).Valid() {
		return fmt.Errorf("intent %q not in enumeration", p.Intent)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %f out of [0,1]", p.Confidence)
	}
	if p.Sentiment != "" && !models.Sentiment(p.Sentiment).Valid() {
		return fmt.Errorf("sentiment %q not in enumeration", p.Sentiment)
	}
	if p.FeeCents != nil && *p.FeeCents < 0 {
		return fmt.Errorf("fee_cents must be non-negative")
	}
	if p.Deadline != nil {
		if _, err := time.Parse("2006-01-02", *p.Deadline); err != nil {
			return fmt.Errorf("deadline %q not a date: %w", *p.Deadline, err)
		}
	}
	return nil
}

// Classify returns the structured reading of one inbound message. The
// capability either produces a schema-valid object or the call fails closed
// with capability.ErrSchemaInvalid; ambiguous input is expected to come back
// as a low-confidence "other" intent, never as an error.
func (c *Classifier) Classify(ctx context.Context, in Input) (*models.Classification, error) {
	if in.Message == nil {
		return nil, fmt.Errorf("classify: message is required")
	}

	prompt := buildPrompt(in)

	var payload classificationPayload
	if err := c.cap.Generate(ctx, prompt, &payload); err != nil {
		return nil, fmt.Errorf("classify message %d: %w", in.Message.ID, err)
	}

	cl := &models.Classification{
		Intent:        models.Intent(payload.Intent),
		Confidence:    payload.Confidence,
		Sentiment:     models.Sentiment(payload.Sentiment),
		FeeCents:      payload.FeeCents,
		DenialSubtype: payload.DenialSubtype,
		KeyPoints:     payload.KeyPoints,
	}
	if cl.Sentiment == "" {
		cl.Sentiment = models.SentimentNeutral
	}
	if payload.Deadline != nil {
		d, _ := time.Parse("2006-01-02", *payload.Deadline)
		cl.Deadline = &d
	}

	c.logger.Info().
		Str("intent", string(cl.Intent)).
		Float64("confidence", cl.Confidence).
		Str("sentiment", string(cl.Sentiment)).
		Msg("Classified inbound message")

	return cl, nil
}

func buildPrompt(in Input) string {
	var b strings.Builder

	b.WriteString("You are classifying an agency response to a public records request.\n\n")
	fmt.Fprintf(&b, "Case: %s\nAgency: %s\nCase status: %s\n",
		in.Case.Name, in.Case.AgencyName, in.Case.Status)

	if len(in.Scope) > 0 {
		b.WriteString("\nRequested record items:\n")
		for _, si := range in.Scope {
			fmt.Fprintf(&b, "- %s (%s)\n", si.Name, si.Status)
		}
	}
	if len(in.Constraints) > 0 {
		b.WriteString("\nKnown agency constraints:\n")
		for _, con := range in.Constraints {
			fmt.Fprintf(&b, "- %s: %s\n", con.Tag, con.Note)
		}
	}

	fmt.Fprintf(&b, "\nInbound message:\nSubject: %s\n---\n%s\n---\n\n", in.Message.Subject, in.Message.Body)

	b.WriteString(`Classify the message. Respond with a JSON object only:
{
  "intent": one of ["fee_request", "denial", "records_ready", "partial_grant", "hostile", "clarification", "extension", "id_required", "scope_change", "acknowledgment", "sensitive", "other"],
  "confidence": number in [0,1],
  "sentiment": one of ["neutral", "cooperative", "hostile"],
  "fee_cents": integer fee amount in cents if a fee is quoted, else omit,
  "deadline": "YYYY-MM-DD" if a deadline is stated, else omit,
  "denial_subtype": exemption or denial basis if intent is denial, else omit,
  "key_points": up to 5 short strings
}
If the message is ambiguous, use intent "other" with low confidence rather than guessing.`)

	return b.String()
}
