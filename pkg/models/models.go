package models

import (
	"encoding/json"
	"time"
)

// Case lifecycle status. Cases move forward through these and never come back
// from a terminal state.
type CaseStatus string

const (
	CaseDraft            CaseStatus = "draft"
	CaseAwaitingResponse CaseStatus = "awaiting_response"
	CaseResponded        CaseStatus = "responded"
	CaseNeedsHumanReview CaseStatus = "needs_human_review"
	CaseClosed           CaseStatus = "closed"
	CaseWithdrawn        CaseStatus = "withdrawn"
)

// IsTerminal reports whether the case can still move.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseClosed || s == CaseWithdrawn
}

// AutopilotMode controls how much the pipeline may do without a human.
type AutopilotMode string

const (
	ModeAuto       AutopilotMode = "auto"
	ModeSupervised AutopilotMode = "supervised"
	ModeManual     AutopilotMode = "manual"
)

// PauseReason is the enumerated cause for requiring human review.
type PauseReason string

const (
	PauseFeeQuote        PauseReason = "fee_quote"
	PauseScope           PauseReason = "scope"
	PauseDenial          PauseReason = "denial"
	PauseIDRequired      PauseReason = "id_required"
	PauseSensitive       PauseReason = "sensitive"
	PauseCloseAction     PauseReason = "close_action"
	PauseHostileTone     PauseReason = "hostile_tone"
	PauseChannelMismatch PauseReason = "channel_mismatch"
	PauseManualMode      PauseReason = "manual_mode"
)

// SubmissionChannel is how correspondence reaches the agency.
type SubmissionChannel string

const (
	ChannelEmail  SubmissionChannel = "email"
	ChannelPortal SubmissionChannel = "portal"
)

// CostStatus tracks where a quoted fee stands.
type CostStatus string

const (
	CostNone     CostStatus = "none"
	CostQuoted   CostStatus = "quoted"
	CostApproved CostStatus = "approved"
	CostPaid     CostStatus = "paid"
	CostDisputed CostStatus = "disputed"
)

// Case is a public-records request tracked by the system.
type Case struct {
	ID            int64         `json:"id" db:"id"`
	Name          string        `json:"case_name" db:"case_name"`
	AgencyName    string        `json:"agency_name" db:"agency_name"`
	AgencyEmail   string        `json:"agency_email" db:"agency_email"`
	Status        CaseStatus    `json:"status" db:"status"`
	AutopilotMode AutopilotMode `json:"autopilot_mode" db:"autopilot_mode"`
	RequiresHuman bool          `json:"requires_human" db:"requires_human"`
	PauseReason   *PauseReason  `json:"pause_reason,omitempty" db:"pause_reason"`

	Channel          SubmissionChannel `json:"submission_channel" db:"submission_channel"`
	PortalURL        *string           `json:"portal_url,omitempty" db:"portal_url"`
	PortalProvider   *string           `json:"portal_provider,omitempty" db:"portal_provider"`
	LastPortalStatus *string           `json:"last_portal_status,omitempty" db:"last_portal_status"`

	CostCents  int64      `json:"cost_cents" db:"cost_cents"`
	CostStatus CostStatus `json:"cost_status" db:"cost_status"`

	// Per-agency fee policy. Zero threshold means "use the configured default";
	// zero multiplier likewise.
	AutoApproveFeeCents int64   `json:"auto_approve_fee_cents" db:"auto_approve_fee_cents"`
	NegotiateMultiplier float64 `json:"negotiate_multiplier" db:"negotiate_multiplier"`

	DueDate   *time.Time `json:"due_date,omitempty" db:"due_date"`
	Version   int64      `json:"version" db:"version"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// MessageDirection marks which side of the correspondence a message is on.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Message is one piece of correspondence on a case. Immutable once created.
type Message struct {
	ID        int64            `json:"id" db:"id"`
	CaseID    int64            `json:"case_id" db:"case_id"`
	Direction MessageDirection `json:"direction" db:"direction"`
	Subject   string           `json:"subject" db:"subject"`
	Body      string           `json:"body" db:"body"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// ProposalStatus for a proposal row. Active statuses are PendingApproval and
// Blocked; everything from Executed on is terminal.
type ProposalStatus string

const (
	ProposalPendingApproval ProposalStatus = "pending_approval"
	ProposalBlocked         ProposalStatus = "blocked"
	ProposalApproved        ProposalStatus = "approved"
	ProposalExecuting       ProposalStatus = "executing"
	ProposalExecuted        ProposalStatus = "executed"
	ProposalDismissed       ProposalStatus = "dismissed"
	ProposalWithdrawn       ProposalStatus = "withdrawn"
	ProposalFailed          ProposalStatus = "failed"
)

// IsActive reports whether the proposal still occupies the case's single
// active slot.
func (s ProposalStatus) IsActive() bool {
	return s == ProposalPendingApproval || s == ProposalBlocked
}

// IsTerminal reports whether no further transitions are possible.
func (s ProposalStatus) IsTerminal() bool {
	switch s {
	case ProposalExecuted, ProposalDismissed, ProposalWithdrawn, ProposalFailed:
		return true
	}
	return false
}

// ActionType is the vocabulary of next actions the decider can choose.
type ActionType string

const (
	ActionNone             ActionType = "none"
	ActionSendFollowup     ActionType = "send_followup"
	ActionAcceptFee        ActionType = "accept_fee"
	ActionNegotiateFee     ActionType = "negotiate_fee"
	ActionRebutDenial      ActionType = "rebut_denial"
	ActionProvideID        ActionType = "provide_id"
	ActionClarify          ActionType = "clarify"
	ActionNarrowScope      ActionType = "narrow_scope"
	ActionAcknowledge      ActionType = "acknowledge"
	ActionConfirmReceipt   ActionType = "confirm_receipt"
	ActionEscalate         ActionType = "escalate"
)

// NeedsDraft reports whether the action carries outbound content.
func (a ActionType) NeedsDraft() bool {
	return a != ActionNone
}

// Proposal is a decided next action awaiting automatic or human-approved
// execution.
type Proposal struct {
	ID          int64  `json:"id" db:"id"`
	ProposalKey string `json:"proposal_key" db:"proposal_key"`
	CaseID      int64  `json:"case_id" db:"case_id"`
	RunID       int64  `json:"run_id" db:"run_id"`

	ActionType ActionType     `json:"action_type" db:"action_type"`
	Status     ProposalStatus `json:"status" db:"status"`

	DraftSubject string   `json:"draft_subject" db:"draft_subject"`
	DraftBody    string   `json:"draft_body" db:"draft_body"`
	Reasoning    []string `json:"reasoning" db:"reasoning"`
	Warnings     []string `json:"warnings" db:"warnings"`
	Confidence   float64  `json:"confidence" db:"confidence"`

	// Classification that led to this proposal, embedded for the review UI.
	Classification *Classification `json:"classification,omitempty" db:"classification"`

	CanAutoExecute bool         `json:"can_auto_execute" db:"can_auto_execute"`
	RequiresHuman  bool         `json:"requires_human" db:"requires_human"`
	PauseReason    *PauseReason `json:"pause_reason,omitempty" db:"pause_reason"`

	// ExecutionKey is set exactly once, at approval, and cleared atomically
	// when execution is claimed. A nil key means the proposal cannot be
	// dispatched.
	ExecutionKey *string `json:"execution_key,omitempty" db:"execution_key"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TriggerType is what started an agent run.
type TriggerType string

const (
	TriggerInitial  TriggerType = "initial"
	TriggerInbound  TriggerType = "inbound"
	TriggerFollowup TriggerType = "followup"
	TriggerResume   TriggerType = "resume"
)

// RunStatus for AgentRun. A run always reaches completed/failed, or is swept
// to stuck by the monitor.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStuck     RunStatus = "stuck"
)

// IsActive reports whether the run blocks new triggers for its case.
func (s RunStatus) IsActive() bool {
	return s == RunQueued || s == RunRunning
}

// RunStage is the pipeline checkpoint a run last completed. Resume re-enters
// at the stage after the checkpoint instead of restarting.
type RunStage string

const (
	StageStarted       RunStage = "started"
	StageClassified    RunStage = "classified"
	StageDecided       RunStage = "decided"
	StageDrafted       RunStage = "drafted"
	StageReviewed      RunStage = "reviewed"
	StageProposed      RunStage = "proposed"
	StageAwaitingHuman RunStage = "awaiting_human"
	StageExecuting     RunStage = "executing"
	StageDone          RunStage = "done"
)

// AgentRun is the retry and observability unit: one per trigger.
type AgentRun struct {
	ID          int64       `json:"id" db:"id"`
	CaseID      int64       `json:"case_id" db:"case_id"`
	MessageID   *int64      `json:"message_id,omitempty" db:"message_id"`
	TriggerType TriggerType `json:"trigger_type" db:"trigger_type"`
	Status      RunStatus   `json:"status" db:"status"`
	Stage       RunStage    `json:"stage" db:"stage"`

	// Checkpoint holds stage output needed to resume mid-pipeline.
	Checkpoint json.RawMessage `json:"checkpoint,omitempty" db:"checkpoint"`

	Error       *string    `json:"error,omitempty" db:"error"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	HeartbeatAt time.Time  `json:"heartbeat_at" db:"heartbeat_at"`
}

// ScopeStatus tracks each requested record item.
type ScopeStatus string

const (
	ScopeRequested ScopeStatus = "requested"
	ScopeDelivered ScopeStatus = "delivered"
	ScopeDenied    ScopeStatus = "denied"
	ScopePartial   ScopeStatus = "partial"
	ScopeExempt    ScopeStatus = "exempt"
)

// ScopeItem is one record item within a case's request scope.
type ScopeItem struct {
	ID         int64       `json:"id" db:"id"`
	CaseID     int64       `json:"case_id" db:"case_id"`
	Name       string      `json:"name" db:"name"`
	Status     ScopeStatus `json:"status" db:"status"`
	Reason     string      `json:"reason" db:"reason"`
	Confidence float64     `json:"confidence" db:"confidence"`
}

// Constraint is a learned fact about an agency, kept as a free-form tag.
type Constraint struct {
	ID        int64     `json:"id" db:"id"`
	CaseID    int64     `json:"case_id" db:"case_id"`
	Tag       string    `json:"tag" db:"tag"`
	Note      string    `json:"note" db:"note"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Activity is an append-only audit row recorded on every state transition.
type Activity struct {
	ID          int64     `json:"id" db:"id"`
	CaseID      int64     `json:"case_id" db:"case_id"`
	EventType   string    `json:"event_type" db:"event_type"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
