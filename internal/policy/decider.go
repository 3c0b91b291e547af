// Package policy is the deterministic gate between probabilistic
// classification and action. Given the same classification and case context
// it always produces the same decision; gates are evaluated in a fixed order
// so the human-review outcome never depends on evaluation happenstance.
package policy

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foiaflow/pkg/models"
)

// Defaults carries the configured policy values used when a case does not
// override them.
type Defaults struct {
	AutoApproveFeeCents int64
	NegotiateMultiplier float64
	AlwaysHumanIntents  []models.Intent
}

// Input is everything the gate consults.
type Input struct {
	Case           *models.Case
	Classification *models.Classification
	Scope          []models.ScopeItem
	Constraints    []models.Constraint
}

// Decider maps a classification to the next action under the policy gates.
type Decider struct {
	defaults Defaults
	logger   zerolog.Logger
}

// New constructs a decider with the given policy defaults.
func New(defaults Defaults, logger zerolog.Logger) *Decider {
	return &Decider{defaults: defaults, logger: logger}
}

// feeThreshold resolves the per-agency auto-approve threshold.
func (d *Decider) feeThreshold(c *models.Case) int64 {
	if c.AutoApproveFeeCents > 0 {
		return c.AutoApproveFeeCents
	}
	return d.defaults.AutoApproveFeeCents
}

// negotiateMultiplier resolves the per-agency negotiation multiplier.
func (d *Decider) negotiateMultiplier(c *models.Case) float64 {
	if c.NegotiateMultiplier > 1 {
		return c.NegotiateMultiplier
	}
	return d.defaults.NegotiateMultiplier
}

func (d *Decider) alwaysHuman(intent models.Intent) bool {
	for _, i := range d.defaults.AlwaysHumanIntents {
		if i == intent {
			return true
		}
	}
	return false
}

// pauseReasonFor maps an always-human intent to its pause reason.
func pauseReasonFor(intent models.Intent) models.PauseReason {
	switch intent {
	case models.IntentDenial:
		return models.PauseDenial
	case models.IntentScopeChange:
		return models.PauseScope
	case models.IntentSensitive:
		return models.PauseSensitive
	case models.IntentIDRequired:
		return models.PauseIDRequired
	case models.IntentFeeRequest:
		return models.PauseFeeQuote
	default:
		return models.PauseSensitive
	}
}

// actionFor maps an intent to its responding action.
func actionFor(intent models.Intent) models.ActionType {
	switch intent {
	case models.IntentDenial:
		return models.ActionRebutDenial
	case models.IntentScopeChange:
		return models.ActionNarrowScope
	case models.IntentClarification:
		return models.ActionClarify
	case models.IntentIDRequired:
		return models.ActionProvideID
	case models.IntentExtension:
		return models.ActionConfirmReceipt
	case models.IntentSensitive:
		return models.ActionEscalate
	case models.IntentHostile:
		return models.ActionAcknowledge
	default:
		return models.ActionNone
	}
}

// researchFor chooses the pre-draft research depth per classification.
func researchFor(action models.ActionType) models.ResearchLevel {
	switch action {
	case models.ActionRebutDenial:
		return models.ResearchDeep
	case models.ActionNegotiateFee, models.ActionNarrowScope:
		return models.ResearchMedium
	case models.ActionClarify, models.ActionProvideID:
		return models.ResearchLight
	default:
		return models.ResearchNone
	}
}

// Decide evaluates the policy gates in order:
//
//  1. always-human classifications force requiresHuman regardless of mode
//  2. fee gates: below threshold in AUTO auto-executes; above threshold or in
//     SUPERVISED pauses; far above (beyond the negotiation multiplier)
//     switches to negotiation
//  3. MANUAL mode forces requiresHuman unconditionally, overriding any
//     auto-execute outcome from 1-2
//
// Low-value classifications (records_ready with nothing outstanding,
// acknowledgments) return ActionNone: the caller must not create a proposal.
func (d *Decider) Decide(in Input) (models.Decision, error) {
	if in.Case == nil || in.Classification == nil {
		return models.Decision{}, fmt.Errorf("decide: case and classification are required")
	}

	cl := in.Classification
	dec := models.Decision{ActionType: actionFor(cl.Intent)}

	// Gate 1: always-human classifications.
	if d.alwaysHuman(cl.Intent) {
		pr := pauseReasonFor(cl.Intent)
		dec.RequiresHuman = true
		dec.PauseReason = &pr
		dec.Reasoning = append(dec.Reasoning,
			fmt.Sprintf("classification %q always requires human review", cl.Intent))
	}

	// Gate 2: fee comparison.
	if cl.Intent == models.IntentFeeRequest {
		if cl.FeeCents == nil {
			pr := models.PauseFeeQuote
			dec.ActionType = models.ActionClarify
			dec.RequiresHuman = true
			dec.PauseReason = &pr
			dec.Reasoning = append(dec.Reasoning, "fee requested but no amount extracted")
		} else {
			fee := *cl.FeeCents
			threshold := d.feeThreshold(in.Case)
			negotiateAbove := int64(float64(threshold) * d.negotiateMultiplier(in.Case))

			switch {
			case fee > negotiateAbove:
				pr := models.PauseFeeQuote
				dec.ActionType = models.ActionNegotiateFee
				dec.RequiresHuman = true
				dec.PauseReason = &pr
				dec.Reasoning = append(dec.Reasoning,
					fmt.Sprintf("fee %d¢ exceeds negotiation bound %d¢", fee, negotiateAbove))
			case fee <= threshold && in.Case.AutopilotMode == models.ModeAuto && !dec.RequiresHuman:
				dec.ActionType = models.ActionAcceptFee
				dec.CanAutoExecute = true
				dec.Reasoning = append(dec.Reasoning,
					fmt.Sprintf("fee %d¢ within auto-approve threshold %d¢ in AUTO mode", fee, threshold))
			default:
				pr := models.PauseFeeQuote
				dec.ActionType = models.ActionAcceptFee
				dec.RequiresHuman = true
				dec.PauseReason = &pr
				dec.Reasoning = append(dec.Reasoning,
					fmt.Sprintf("fee %d¢ requires approval (threshold %d¢, mode %s)",
						fee, threshold, in.Case.AutopilotMode))
			}
		}
	}

	// Low-value classifications: no proposal at all.
	if dec.ActionType == models.ActionNone {
		if noop, why := d.noopOutcome(in); noop {
			dec.Reasoning = append(dec.Reasoning, why)
			dec.CanAutoExecute = false
			dec.RequiresHuman = false
			dec.PauseReason = nil
			dec.ResearchLevel = models.ResearchNone
			return dec, nil
		}
		// Something is outstanding but no specific action matched: follow up.
		dec.ActionType = models.ActionSendFollowup
		dec.Reasoning = append(dec.Reasoning, "outstanding items remain, sending followup")
	}

	// Gate 3: MANUAL mode overrides everything.
	if in.Case.AutopilotMode == models.ModeManual {
		pr := models.PauseManualMode
		dec.CanAutoExecute = false
		dec.RequiresHuman = true
		if dec.PauseReason == nil {
			dec.PauseReason = &pr
		}
		dec.Reasoning = append(dec.Reasoning, "case is in MANUAL mode")
	}

	dec.ResearchLevel = researchFor(dec.ActionType)

	d.logger.Info().
		Str("intent", string(cl.Intent)).
		Str("action", string(dec.ActionType)).
		Bool("can_auto_execute", dec.CanAutoExecute).
		Bool("requires_human", dec.RequiresHuman).
		Msg("Policy decision")

	return dec, nil
}

// noopOutcome reports whether the classified situation needs no response at
// all: records delivered with no outstanding question, plain acknowledgments,
// or low-confidence readings where acting would be guesswork.
func (d *Decider) noopOutcome(in Input) (bool, string) {
	cl := in.Classification

	switch cl.Intent {
	case models.IntentRecordsReady, models.IntentPartialGrant:
		for _, si := range in.Scope {
			if si.Status == models.ScopeRequested {
				return false, ""
			}
		}
		return true, "records delivered with no outstanding scope items"
	case models.IntentAcknowledgment:
		return true, "acknowledgment requires no response"
	case models.IntentOther:
		if cl.Confidence < 0.5 {
			return true, fmt.Sprintf("low-confidence classification (%.2f), waiting", cl.Confidence)
		}
		return true, "no actionable intent identified"
	}
	return false, ""
}
