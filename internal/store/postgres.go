package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/foiaflow/pkg/models"
)

// PostgresStore implements Store over database/sql with the lib/pq driver.
// Uniqueness guards live in the schema (see sql/001_init.sql); this layer
// maps constraint violations to ErrConflict so callers never see driver
// errors.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection. The caller owns the connection
// lifecycle and must have run Migrate first.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- Cases ---

const caseColumns = `id, case_name, agency_name, agency_email, status, autopilot_mode,
	requires_human, pause_reason, submission_channel, portal_url, portal_provider,
	last_portal_status, cost_cents, cost_status, auto_approve_fee_cents,
	negotiate_multiplier, due_date, version, created_at, updated_at`

func scanCase(row interface{ Scan(...any) error }) (*models.Case, error) {
	var c models.Case
	var pauseReason, portalURL, portalProvider, lastPortalStatus sql.NullString
	var dueDate sql.NullTime

	err := row.Scan(&c.ID, &c.Name, &c.AgencyName, &c.AgencyEmail, &c.Status,
		&c.AutopilotMode, &c.RequiresHuman, &pauseReason, &c.Channel, &portalURL,
		&portalProvider, &lastPortalStatus, &c.CostCents, &c.CostStatus,
		&c.AutoApproveFeeCents, &c.NegotiateMultiplier, &dueDate, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if pauseReason.Valid {
		pr := models.PauseReason(pauseReason.String)
		c.PauseReason = &pr
	}
	if portalURL.Valid {
		c.PortalURL = &portalURL.String
	}
	if portalProvider.Valid {
		c.PortalProvider = &portalProvider.String
	}
	if lastPortalStatus.Valid {
		c.LastPortalStatus = &lastPortalStatus.String
	}
	if dueDate.Valid {
		c.DueDate = &dueDate.Time
	}
	return &c, nil
}

func (s *PostgresStore) CreateCase(ctx context.Context, c *models.Case) error {
	query := `
	INSERT INTO cases (
		case_name, agency_name, agency_email, status, autopilot_mode,
		requires_human, submission_channel, portal_url, portal_provider,
		cost_cents, cost_status, auto_approve_fee_cents, negotiate_multiplier, due_date
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING id, version, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		c.Name, c.AgencyName, c.AgencyEmail, c.Status, c.AutopilotMode,
		c.RequiresHuman, c.Channel, c.PortalURL, c.PortalProvider,
		c.CostCents, c.CostStatus, c.AutoApproveFeeCents, c.NegotiateMultiplier, c.DueDate,
	).Scan(&c.ID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create case: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCase(ctx context.Context, id int64) (*models.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case %d: %w", id, err)
	}
	return c, nil
}

// UpdateCase writes every mutable case field guarded by the optimistic
// version check. The in-memory struct is bumped to the stored version on
// success.
func (s *PostgresStore) UpdateCase(ctx context.Context, c *models.Case) error {
	query := `
	UPDATE cases SET
		status = $1, autopilot_mode = $2, requires_human = $3, pause_reason = $4,
		cost_cents = $5, cost_status = $6, portal_url = $7, last_portal_status = $8,
		auto_approve_fee_cents = $9, negotiate_multiplier = $10, due_date = $11,
		version = version + 1, updated_at = NOW()
	WHERE id = $12 AND version = $13
	`
	var pauseReason any
	if c.PauseReason != nil {
		pauseReason = string(*c.PauseReason)
	}

	res, err := s.db.ExecContext(ctx, query,
		c.Status, c.AutopilotMode, c.RequiresHuman, pauseReason,
		c.CostCents, c.CostStatus, c.PortalURL, c.LastPortalStatus,
		c.AutoApproveFeeCents, c.NegotiateMultiplier, c.DueDate,
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update case %d: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("case %d at version %d: %w", c.ID, c.Version, ErrVersionConflict)
	}
	c.Version++
	return nil
}

func (s *PostgresStore) CancelPortalSubmission(ctx context.Context, caseID int64, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET portal_url = NULL, last_portal_status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2
	`, note, caseID)
	if err != nil {
		return fmt.Errorf("failed to cancel portal submission for case %d: %w", caseID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.LogActivity(ctx, caseID, "portal_cancelled", note)
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (case_id, direction, subject, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, m.CaseID, m.Direction, m.Subject, m.Body).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, direction, subject, body, created_at FROM messages WHERE id = $1
	`, id).Scan(&m.ID, &m.CaseID, &m.Direction, &m.Subject, &m.Body, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, caseID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, direction, subject, body, created_at
		FROM messages WHERE case_id = $1 ORDER BY created_at, id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.CaseID, &m.Direction, &m.Subject, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountInbound(ctx context.Context, caseID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE case_id = $1 AND direction = 'inbound'
	`, caseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count inbound messages: %w", err)
	}
	return n, nil
}

// --- Proposals ---

const proposalColumns = `id, proposal_key, case_id, run_id, action_type, status,
	draft_subject, draft_body, reasoning, warnings, confidence, classification,
	can_auto_execute, requires_human, pause_reason, execution_key, version,
	created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (*models.Proposal, error) {
	var p models.Proposal
	var reasoning, warnings []byte
	var classification []byte
	var pauseReason, executionKey sql.NullString

	err := row.Scan(&p.ID, &p.ProposalKey, &p.CaseID, &p.RunID, &p.ActionType,
		&p.Status, &p.DraftSubject, &p.DraftBody, &reasoning, &warnings,
		&p.Confidence, &classification, &p.CanAutoExecute, &p.RequiresHuman,
		&pauseReason, &executionKey, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(reasoning) > 0 {
		if err := json.Unmarshal(reasoning, &p.Reasoning); err != nil {
			return nil, fmt.Errorf("decode reasoning: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &p.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	if len(classification) > 0 {
		var cl models.Classification
		if err := json.Unmarshal(classification, &cl); err != nil {
			return nil, fmt.Errorf("decode classification: %w", err)
		}
		p.Classification = &cl
	}
	if pauseReason.Valid {
		pr := models.PauseReason(pauseReason.String)
		p.PauseReason = &pr
	}
	if executionKey.Valid {
		p.ExecutionKey = &executionKey.String
	}
	return &p, nil
}

func marshalProposalJSON(p *models.Proposal) (reasoning, warnings, classification []byte, err error) {
	if reasoning, err = json.Marshal(orEmpty(p.Reasoning)); err != nil {
		return
	}
	if warnings, err = json.Marshal(orEmpty(p.Warnings)); err != nil {
		return
	}
	if p.Classification != nil {
		classification, err = json.Marshal(p.Classification)
	}
	return
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// CreateProposal inserts a new proposal. Both the proposal_key uniqueness and
// the one-active-per-case invariant are enforced by the schema; either
// violation comes back as ErrConflict.
func (s *PostgresStore) CreateProposal(ctx context.Context, p *models.Proposal) error {
	reasoning, warnings, classification, err := marshalProposalJSON(p)
	if err != nil {
		return fmt.Errorf("encode proposal fields: %w", err)
	}

	var pauseReason any
	if p.PauseReason != nil {
		pauseReason = string(*p.PauseReason)
	}
	if p.Version == 0 {
		p.Version = 1
	}

	query := `
	INSERT INTO proposals (
		proposal_key, case_id, run_id, action_type, status, draft_subject,
		draft_body, reasoning, warnings, confidence, classification,
		can_auto_execute, requires_human, pause_reason, version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query,
		p.ProposalKey, p.CaseID, p.RunID, p.ActionType, p.Status, p.DraftSubject,
		p.DraftBody, reasoning, warnings, p.Confidence, classification,
		p.CanAutoExecute, p.RequiresHuman, pauseReason, p.Version,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("proposal for case %d: %w", p.CaseID, ErrConflict)
		}
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id int64) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ActiveProposal(ctx context.Context, caseID int64) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE case_id = $1 AND status IN ('pending_approval', 'blocked')
	`, caseID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active proposal for case %d: %w", caseID, err)
	}
	return p, nil
}

// ApproveProposal moves an active proposal to approved and sets its one-time
// execution key. A proposal already out of the active set conflicts.
func (s *PostgresStore) ApproveProposal(ctx context.Context, id int64, executionKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'approved', execution_key = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ('pending_approval', 'blocked')
	`, executionKey, id)
	if err != nil {
		return fmt.Errorf("failed to approve proposal %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %d not awaiting decision: %w", id, ErrConflict)
	}
	return nil
}

// ClaimExecution atomically checks and clears the execution key, moving the
// proposal to executing. A second claim with the same key finds it cleared
// and conflicts, so retries cannot dispatch twice.
func (s *PostgresStore) ClaimExecution(ctx context.Context, id int64, executionKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'executing', execution_key = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'approved' AND execution_key = $2
	`, id, executionKey)
	if err != nil {
		return fmt.Errorf("failed to claim execution for proposal %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution already claimed for proposal %d: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) FinishExecution(ctx context.Context, id int64, status models.ProposalStatus, note string) error {
	if status != models.ProposalExecuted && status != models.ProposalFailed {
		return fmt.Errorf("invalid post-execution status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'executing'
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to finish execution for proposal %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %d not executing: %w", id, ErrConflict)
	}
	if note != "" {
		var caseID int64
		if err := s.db.QueryRowContext(ctx, `SELECT case_id FROM proposals WHERE id = $1`, id).Scan(&caseID); err == nil {
			s.LogActivity(ctx, caseID, "proposal_"+string(status), note)
		}
	}
	return nil
}

// CloseProposal moves an active proposal to dismissed or withdrawn.
func (s *PostgresStore) CloseProposal(ctx context.Context, id int64, status models.ProposalStatus) error {
	if status != models.ProposalDismissed && status != models.ProposalWithdrawn {
		return fmt.Errorf("invalid close status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ('pending_approval', 'blocked')
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to close proposal %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %d not awaiting decision: %w", id, ErrConflict)
	}
	return nil
}

// SupersedeProposal closes the old proposal and inserts its adjusted
// replacement in one transaction, keeping the one-active invariant.
func (s *PostgresStore) SupersedeProposal(ctx context.Context, oldID int64, replacement *models.Proposal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var oldVersion int
	err = tx.QueryRowContext(ctx, `
		UPDATE proposals SET status = 'dismissed', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_approval', 'blocked')
		RETURNING version
	`, oldID).Scan(&oldVersion)
	if err == sql.ErrNoRows {
		return fmt.Errorf("proposal %d not awaiting decision: %w", oldID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to supersede proposal %d: %w", oldID, err)
	}

	replacement.Version = oldVersion + 1
	reasoning, warnings, classification, err := marshalProposalJSON(replacement)
	if err != nil {
		return fmt.Errorf("encode proposal fields: %w", err)
	}
	var pauseReason any
	if replacement.PauseReason != nil {
		pauseReason = string(*replacement.PauseReason)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO proposals (
			proposal_key, case_id, run_id, action_type, status, draft_subject,
			draft_body, reasoning, warnings, confidence, classification,
			can_auto_execute, requires_human, pause_reason, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`,
		replacement.ProposalKey, replacement.CaseID, replacement.RunID,
		replacement.ActionType, replacement.Status, replacement.DraftSubject,
		replacement.DraftBody, reasoning, warnings, replacement.Confidence,
		classification, replacement.CanAutoExecute, replacement.RequiresHuman,
		pauseReason, replacement.Version,
	).Scan(&replacement.ID, &replacement.CreatedAt, &replacement.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("replacement proposal for case %d: %w", replacement.CaseID, ErrConflict)
		}
		return fmt.Errorf("failed to insert replacement proposal: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) ListPendingProposals(ctx context.Context) ([]PendingProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.proposal_key, p.case_id, p.run_id, p.action_type, p.status,
			p.draft_subject, p.draft_body, p.reasoning, p.warnings, p.confidence,
			p.classification, p.can_auto_execute, p.requires_human, p.pause_reason,
			p.execution_key, p.version, p.created_at, p.updated_at,
			c.case_name, c.agency_name, c.status, c.autopilot_mode
		FROM proposals p
		JOIN cases c ON c.id = p.case_id
		WHERE p.status IN ('pending_approval', 'blocked')
		ORDER BY p.created_at, p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	defer rows.Close()

	var out []PendingProposal
	for rows.Next() {
		var pp PendingProposal
		var reasoning, warnings, classification []byte
		var pauseReason, executionKey sql.NullString

		err := rows.Scan(&pp.ID, &pp.ProposalKey, &pp.CaseID, &pp.RunID,
			&pp.ActionType, &pp.Status, &pp.DraftSubject, &pp.DraftBody,
			&reasoning, &warnings, &pp.Confidence, &classification,
			&pp.CanAutoExecute, &pp.RequiresHuman, &pauseReason, &executionKey,
			&pp.Version, &pp.CreatedAt, &pp.UpdatedAt,
			&pp.CaseName, &pp.AgencyName, &pp.CaseStatus, &pp.Mode)
		if err != nil {
			return nil, err
		}
		if len(reasoning) > 0 {
			json.Unmarshal(reasoning, &pp.Reasoning)
		}
		if len(warnings) > 0 {
			json.Unmarshal(warnings, &pp.Warnings)
		}
		if len(classification) > 0 {
			var cl models.Classification
			if json.Unmarshal(classification, &cl) == nil {
				pp.Proposal.Classification = &cl
			}
		}
		if pauseReason.Valid {
			pr := models.PauseReason(pauseReason.String)
			pp.Proposal.PauseReason = &pr
		}
		if executionKey.Valid {
			pp.Proposal.ExecutionKey = &executionKey.String
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

// --- Agent runs ---

const runColumns = `id, case_id, message_id, trigger_type, status, stage,
	checkpoint, error, started_at, completed_at, heartbeat_at`

func scanRun(row interface{ Scan(...any) error }) (*models.AgentRun, error) {
	var r models.AgentRun
	var messageID sql.NullInt64
	var checkpoint []byte
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.CaseID, &messageID, &r.TriggerType, &r.Status,
		&r.Stage, &checkpoint, &errMsg, &r.StartedAt, &completedAt, &r.HeartbeatAt)
	if err != nil {
		return nil, err
	}

	if messageID.Valid {
		r.MessageID = &messageID.Int64
	}
	if len(checkpoint) > 0 {
		r.Checkpoint = checkpoint
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

// CreateRun inserts a queued run. The active-run-per-case unique index makes
// a second trigger for a busy case fail as ErrConflict instead of queuing.
func (s *PostgresStore) CreateRun(ctx context.Context, r *models.AgentRun) error {
	if r.Status == "" {
		r.Status = models.RunQueued
	}
	if r.Stage == "" {
		r.Stage = models.StageStarted
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_runs (case_id, message_id, trigger_type, status, stage)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, started_at, heartbeat_at
	`, r.CaseID, r.MessageID, r.TriggerType, r.Status, r.Stage).
		Scan(&r.ID, &r.StartedAt, &r.HeartbeatAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active run exists for case %d: %w", r.CaseID, ErrConflict)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %d: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ActiveRun(ctx context.Context, caseID int64) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE case_id = $1 AND status IN ('queued', 'running')
		LIMIT 1
	`, caseID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active run for case %d: %w", caseID, err)
	}
	return r, nil
}

func (s *PostgresStore) MarkRunRunning(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'running', heartbeat_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running', 'stuck')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark run %d running: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d not startable: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) CheckpointRun(ctx context.Context, id int64, stage models.RunStage, checkpoint []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET stage = $1, checkpoint = $2, heartbeat_at = NOW()
		WHERE id = $3
	`, stage, checkpoint, id)
	if err != nil {
		return fmt.Errorf("failed to checkpoint run %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) HeartbeatRun(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET heartbeat_at = NOW() WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'completed', stage = 'done', completed_at = NOW(), heartbeat_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete run %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'failed', error = $1, completed_at = NOW(), heartbeat_at = NOW()
		WHERE id = $2
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to fail run %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkRunStuck(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'stuck' WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark run %d stuck: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d not running: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ListStaleRunning(ctx context.Context, heartbeatBefore time.Time) ([]models.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE status = 'running' AND heartbeat_at < $1
		ORDER BY heartbeat_at
	`, heartbeatBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	defer rows.Close()

	var out []models.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --- Scope and constraints ---

func (s *PostgresStore) ListScopeItems(ctx context.Context, caseID int64) ([]models.ScopeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, name, status, reason, confidence
		FROM scope_items WHERE case_id = $1 ORDER BY id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope items: %w", err)
	}
	defer rows.Close()

	var out []models.ScopeItem
	for rows.Next() {
		var si models.ScopeItem
		if err := rows.Scan(&si.ID, &si.CaseID, &si.Name, &si.Status, &si.Reason, &si.Confidence); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListConstraints(ctx context.Context, caseID int64) ([]models.Constraint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, tag, note, created_at
		FROM constraints WHERE case_id = $1 ORDER BY id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints: %w", err)
	}
	defer rows.Close()

	var out []models.Constraint
	for rows.Next() {
		var c models.Constraint
		if err := rows.Scan(&c.ID, &c.CaseID, &c.Tag, &c.Note, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Activity log ---

func (s *PostgresStore) LogActivity(ctx context.Context, caseID int64, eventType, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (case_id, event_type, description)
		VALUES ($1, $2, $3)
	`, caseID, eventType, description)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, caseID int64) ([]models.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, event_type, description, created_at
		FROM activity_log WHERE case_id = $1 ORDER BY created_at, id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.CaseID, &a.EventType, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
