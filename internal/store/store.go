// Package store persists cases, messages, proposals, and agent runs. The
// store is the sole source of truth across worker processes: the invariants
// that matter under concurrency (unique proposal keys, one active proposal or
// run per case, at-most-once execution claims) are enforced here, not by
// in-memory locking.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/foiaflow/pkg/models"
)

var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a write rejected by a uniqueness or state guard:
	// duplicate proposal key, second active proposal or run for a case, a
	// decision against an already-terminal proposal, or a second execution
	// claim. Non-retryable.
	ErrConflict = errors.New("conflict")

	// ErrVersionConflict marks a lost update detected by the optimistic
	// version check on read-modify-write mutations.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the full persistence surface consumed by the pipeline and API.
// The Postgres implementation backs production; the memory implementation
// backs tests with identical guard semantics.
type Store interface {
	// Cases
	CreateCase(ctx context.Context, c *models.Case) error
	GetCase(ctx context.Context, id int64) (*models.Case, error)
	UpdateCase(ctx context.Context, c *models.Case) error
	CancelPortalSubmission(ctx context.Context, caseID int64, note string) error

	// Messages
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	ListMessages(ctx context.Context, caseID int64) ([]models.Message, error)
	CountInbound(ctx context.Context, caseID int64) (int, error)

	// Proposals
	CreateProposal(ctx context.Context, p *models.Proposal) error
	GetProposal(ctx context.Context, id int64) (*models.Proposal, error)
	ActiveProposal(ctx context.Context, caseID int64) (*models.Proposal, error)
	ApproveProposal(ctx context.Context, id int64, executionKey string) error
	ClaimExecution(ctx context.Context, id int64, executionKey string) error
	FinishExecution(ctx context.Context, id int64, status models.ProposalStatus, note string) error
	CloseProposal(ctx context.Context, id int64, status models.ProposalStatus) error
	SupersedeProposal(ctx context.Context, oldID int64, replacement *models.Proposal) error
	ListPendingProposals(ctx context.Context) ([]PendingProposal, error)

	// Agent runs
	CreateRun(ctx context.Context, r *models.AgentRun) error
	GetRun(ctx context.Context, id int64) (*models.AgentRun, error)
	ActiveRun(ctx context.Context, caseID int64) (*models.AgentRun, error)
	MarkRunRunning(ctx context.Context, id int64) error
	CheckpointRun(ctx context.Context, id int64, stage models.RunStage, checkpoint []byte) error
	HeartbeatRun(ctx context.Context, id int64) error
	CompleteRun(ctx context.Context, id int64) error
	FailRun(ctx context.Context, id int64, reason string) error
	MarkRunStuck(ctx context.Context, id int64) error
	ListStaleRunning(ctx context.Context, heartbeatBefore time.Time) ([]models.AgentRun, error)

	// Scope and constraints
	ListScopeItems(ctx context.Context, caseID int64) ([]models.ScopeItem, error)
	ListConstraints(ctx context.Context, caseID int64) ([]models.Constraint, error)

	// Activity log
	LogActivity(ctx context.Context, caseID int64, eventType, description string) error
	ListActivity(ctx context.Context, caseID int64) ([]models.Activity, error)
}

// PendingProposal is the review-UI view: a pending proposal with its case
// summary embedded.
type PendingProposal struct {
	models.Proposal
	CaseName   string               `json:"case_name"`
	AgencyName string               `json:"agency_name"`
	CaseStatus models.CaseStatus    `json:"case_status"`
	Mode       models.AutopilotMode `json:"autopilot_mode"`
}

// ProposalKey derives the deterministic idempotency key for a proposal:
// a fingerprint over case, trigger context, action, and draft content. The
// same decided action for the same trigger always produces the same key, so
// a retried run collides instead of duplicating.
func ProposalKey(caseID int64, trigger string, action models.ActionType, subject, body string) string {
	content := sha256.Sum256([]byte(subject + "\x00" + body))
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", caseID, trigger, action, hex.EncodeToString(content[:]))
	return hex.EncodeToString(h.Sum(nil))
}
