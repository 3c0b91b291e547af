package models

import "time"

// Intent is the fixed enumeration of inbound-message classifications.
type Intent string

const (
	IntentFeeRequest     Intent = "fee_request"
	IntentDenial         Intent = "denial"
	IntentRecordsReady   Intent = "records_ready"
	IntentPartialGrant   Intent = "partial_grant"
	IntentHostile        Intent = "hostile"
	IntentClarification  Intent = "clarification"
	IntentExtension      Intent = "extension"
	IntentIDRequired     Intent = "id_required"
	IntentScopeChange    Intent = "scope_change"
	IntentAcknowledgment Intent = "acknowledgment"
	IntentSensitive      Intent = "sensitive"
	IntentOther          Intent = "other"
)

// KnownIntents lists every valid intent; capability output outside this set
// is rejected.
var KnownIntents = []Intent{
	IntentFeeRequest, IntentDenial, IntentRecordsReady, IntentPartialGrant,
	IntentHostile, IntentClarification, IntentExtension, IntentIDRequired,
	IntentScopeChange, IntentAcknowledgment, IntentSensitive, IntentOther,
}

// Valid reports membership in the fixed enumeration.
func (i Intent) Valid() bool {
	for _, k := range KnownIntents {
		if i == k {
			return true
		}
	}
	return false
}

// Sentiment of the inbound message.
type Sentiment string

const (
	SentimentNeutral     Sentiment = "neutral"
	SentimentCooperative Sentiment = "cooperative"
	SentimentHostile     Sentiment = "hostile"
)

// Valid reports membership in the fixed enumeration.
func (s Sentiment) Valid() bool {
	return s == SentimentNeutral || s == SentimentCooperative || s == SentimentHostile
}

// Classification is the structured reading of one inbound message.
type Classification struct {
	Intent        Intent     `json:"intent"`
	Confidence    float64    `json:"confidence"`
	Sentiment     Sentiment  `json:"sentiment"`
	FeeCents      *int64     `json:"fee_cents,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	DenialSubtype *string    `json:"denial_subtype,omitempty"`
	KeyPoints     []string   `json:"key_points,omitempty"`
}

// ResearchLevel controls how much context enrichment happens before drafting.
type ResearchLevel string

const (
	ResearchNone   ResearchLevel = "none"
	ResearchLight  ResearchLevel = "light"
	ResearchMedium ResearchLevel = "medium"
	ResearchDeep   ResearchLevel = "deep"
)

// Decision is the policy gate's output for one classified trigger.
type Decision struct {
	ActionType     ActionType    `json:"action_type"`
	CanAutoExecute bool          `json:"can_auto_execute"`
	RequiresHuman  bool          `json:"requires_human"`
	PauseReason    *PauseReason  `json:"pause_reason,omitempty"`
	Reasoning      []string      `json:"reasoning"`
	ResearchLevel  ResearchLevel `json:"research_level"`
}

// Draft is candidate outbound content produced by the drafter.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Review is the safety reviewer's verdict over a draft. The reviewer holds
// final veto authority: any violation forces human review regardless of what
// the decider allowed.
type Review struct {
	Safe                      bool         `json:"safe"`
	RiskFlags                 []string     `json:"risk_flags,omitempty"`
	Warnings                  []string     `json:"warnings,omitempty"`
	LawFitValid               bool         `json:"law_fit_valid"`
	RequesterConsistencyValid bool         `json:"requester_consistency_valid"`
	PauseReason               *PauseReason `json:"pause_reason,omitempty"`
}
