// Package safety is the last gate before a proposal is stored. The reviewer
// applies a fixed rule set over the draft and case context and holds final
// veto authority: any violation overrides an earlier canAutoExecute=true,
// forcing human review with a pause reason. A veto is a routed outcome, not
// an error.
package safety

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/foiaflow/pkg/models"
)

// Input is everything the fixed rule set consults.
type Input struct {
	Case           *models.Case
	Decision       *models.Decision
	Classification *models.Classification
	Draft          *models.Draft
	Scope          []models.ScopeItem

	// TargetChannel is the channel the executor would dispatch on.
	TargetChannel models.SubmissionChannel
}

// Reviewer applies the fixed safety rules.
type Reviewer struct {
	logger zerolog.Logger
}

// New constructs a reviewer.
func New(logger zerolog.Logger) *Reviewer {
	return &Reviewer{logger: logger}
}

// Review runs the rule set. Rules are deterministic and evaluated in a fixed
// order; the first blocking violation sets the pause reason.
func (r *Reviewer) Review(in Input) models.Review {
	review := models.Review{
		Safe:                      true,
		LawFitValid:               true,
		RequesterConsistencyValid: true,
	}

	block := func(flag string, reason models.PauseReason, why string) {
		review.Safe = false
		review.RiskFlags = append(review.RiskFlags, flag)
		review.Warnings = append(review.Warnings, why)
		if review.PauseReason == nil {
			review.PauseReason = &reason
		}
	}

	// Rule 1: never email a portal-only case.
	if in.Case.Channel == models.ChannelPortal && in.TargetChannel == models.ChannelEmail {
		block("channel_mismatch", models.PauseChannelMismatch,
			"case is portal-only but the action would be sent by email")
	}

	// Rule 2: no auto-send while a quoted fee is unapproved. Accepting a fee
	// under the auto-approve threshold is itself the policy's explicit
	// approval, so ActionAcceptFee is exempt from this rule.
	if in.Decision.CanAutoExecute &&
		in.Case.CostStatus == models.CostQuoted &&
		in.Decision.ActionType != models.ActionAcceptFee {
		block("fee_not_approved", models.PauseFeeQuote,
			"a quoted fee is pending and has not been explicitly approved")
	}

	// Rule 3: flag rebuttals that re-request already-exempted items. A flag,
	// not a veto: the human sees the warning on the proposal.
	if in.Decision.ActionType == models.ActionRebutDenial && in.Draft != nil {
		for _, si := range in.Scope {
			if si.Status != models.ScopeExempt {
				continue
			}
			if containsFold(in.Draft.Body, si.Name) {
				review.RequesterConsistencyValid = false
				review.Warnings = append(review.Warnings,
					fmt.Sprintf("rebuttal re-requests exempted item %q", si.Name))
			}
		}
	}

	// Rule 4: hostile sentiment always goes to a human, even in AUTO mode.
	if in.Classification != nil && in.Classification.Sentiment == models.SentimentHostile {
		block("hostile_sentiment", models.PauseHostileTone,
			"hostile inbound tone requires human review")
	}

	// Law-fit sanity: a rebuttal needs a denial basis to argue against.
	if in.Decision.ActionType == models.ActionRebutDenial &&
		(in.Classification == nil || in.Classification.DenialSubtype == nil) {
		review.LawFitValid = false
		review.Warnings = append(review.Warnings,
			"no denial basis extracted; rebuttal cannot cite the exemption")
	}

	if !review.Safe {
		r.logger.Warn().
			Strs("risk_flags", review.RiskFlags).
			Str("action", string(in.Decision.ActionType)).
			Int64("case_id", in.Case.ID).
			Msg("Safety review vetoed auto-execution")
	}

	return review
}

// Apply folds the review verdict into the decision: a veto clears
// canAutoExecute and forces human review with the review's pause reason.
func Apply(dec *models.Decision, review models.Review) {
	if review.Safe {
		return
	}
	dec.CanAutoExecute = false
	dec.RequiresHuman = true
	if dec.PauseReason == nil && review.PauseReason != nil {
		dec.PauseReason = review.PauseReason
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
