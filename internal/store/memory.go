package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foiaflow/pkg/models"
)

// MemoryStore is an in-memory Store with the same guard semantics as the
// Postgres implementation. It backs tests and local development; the guards
// (unique proposal key, one active proposal/run per case, execution claim)
// behave identically so invariant tests exercise the real contract.
type MemoryStore struct {
	mu sync.Mutex

	cases      map[int64]*models.Case
	messages   map[int64]*models.Message
	proposals  map[int64]*models.Proposal
	runs       map[int64]*models.AgentRun
	scopeItems map[int64][]models.ScopeItem
	constraint map[int64][]models.Constraint
	activity   map[int64][]models.Activity

	nextCase, nextMessage, nextProposal, nextRun, nextActivity int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:      make(map[int64]*models.Case),
		messages:   make(map[int64]*models.Message),
		proposals:  make(map[int64]*models.Proposal),
		runs:       make(map[int64]*models.AgentRun),
		scopeItems: make(map[int64][]models.ScopeItem),
		constraint: make(map[int64][]models.Constraint),
		activity:   make(map[int64][]models.Activity),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyCase(c *models.Case) *models.Case {
	cp := *c
	return &cp
}

func copyProposal(p *models.Proposal) *models.Proposal {
	cp := *p
	cp.Reasoning = append([]string(nil), p.Reasoning...)
	cp.Warnings = append([]string(nil), p.Warnings...)
	if p.Classification != nil {
		cl := *p.Classification
		cp.Classification = &cl
	}
	if p.ExecutionKey != nil {
		k := *p.ExecutionKey
		cp.ExecutionKey = &k
	}
	return &cp
}

func copyRun(r *models.AgentRun) *models.AgentRun {
	cp := *r
	cp.Checkpoint = append([]byte(nil), r.Checkpoint...)
	return &cp
}

// --- Cases ---

func (s *MemoryStore) CreateCase(_ context.Context, c *models.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCase++
	c.ID = s.nextCase
	if c.Version == 0 {
		c.Version = 1
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.cases[c.ID] = copyCase(c)
	return nil
}

func (s *MemoryStore) GetCase(_ context.Context, id int64) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCase(c), nil
}

func (s *MemoryStore) UpdateCase(_ context.Context, c *models.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return fmt.Errorf("case %d at version %d: %w", c.ID, c.Version, ErrVersionConflict)
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.cases[c.ID] = copyCase(c)
	return nil
}

func (s *MemoryStore) CancelPortalSubmission(ctx context.Context, caseID int64, note string) error {
	s.mu.Lock()
	c, ok := s.cases[caseID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	c.PortalURL = nil
	c.LastPortalStatus = &note
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	return s.LogActivity(ctx, caseID, "portal_cancelled", note)
}

// --- Messages ---

func (s *MemoryStore) CreateMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMessage++
	m.ID = s.nextMessage
	m.CreatedAt = time.Now().UTC()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, caseID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, m := range s.messages {
		if m.CaseID == caseID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountInbound(_ context.Context, caseID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.CaseID == caseID && m.Direction == models.DirectionInbound {
			n++
		}
	}
	return n, nil
}

// --- Proposals ---

func (s *MemoryStore) createProposalLocked(p *models.Proposal) error {
	for _, existing := range s.proposals {
		if existing.ProposalKey == p.ProposalKey {
			return fmt.Errorf("duplicate proposal key: %w", ErrConflict)
		}
		if existing.CaseID == p.CaseID && existing.Status.IsActive() && p.Status.IsActive() {
			return fmt.Errorf("active proposal exists for case %d: %w", p.CaseID, ErrConflict)
		}
	}

	s.nextProposal++
	p.ID = s.nextProposal
	if p.Version == 0 {
		p.Version = 1
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.proposals[p.ID] = copyProposal(p)
	return nil
}

func (s *MemoryStore) CreateProposal(_ context.Context, p *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createProposalLocked(p)
}

func (s *MemoryStore) GetProposal(_ context.Context, id int64) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProposal(p), nil
}

func (s *MemoryStore) ActiveProposal(_ context.Context, caseID int64) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.proposals {
		if p.CaseID == caseID && p.Status.IsActive() {
			return copyProposal(p), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ApproveProposal(_ context.Context, id int64, executionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	if !p.Status.IsActive() {
		return fmt.Errorf("proposal %d not awaiting decision: %w", id, ErrConflict)
	}
	p.Status = models.ProposalApproved
	p.ExecutionKey = &executionKey
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClaimExecution(_ context.Context, id int64, executionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != models.ProposalApproved || p.ExecutionKey == nil || *p.ExecutionKey != executionKey {
		return fmt.Errorf("execution already claimed for proposal %d: %w", id, ErrConflict)
	}
	p.Status = models.ProposalExecuting
	p.ExecutionKey = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FinishExecution(ctx context.Context, id int64, status models.ProposalStatus, note string) error {
	s.mu.Lock()

	p, ok := s.proposals[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if status != models.ProposalExecuted && status != models.ProposalFailed {
		s.mu.Unlock()
		return fmt.Errorf("invalid post-execution status %q", status)
	}
	if p.Status != models.ProposalExecuting {
		s.mu.Unlock()
		return fmt.Errorf("proposal %d not executing: %w", id, ErrConflict)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	caseID := p.CaseID
	s.mu.Unlock()

	if note != "" {
		return s.LogActivity(ctx, caseID, "proposal_"+string(status), note)
	}
	return nil
}

func (s *MemoryStore) CloseProposal(_ context.Context, id int64, status models.ProposalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	if status != models.ProposalDismissed && status != models.ProposalWithdrawn {
		return fmt.Errorf("invalid close status %q", status)
	}
	if !p.Status.IsActive() {
		return fmt.Errorf("proposal %d not awaiting decision: %w", id, ErrConflict)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SupersedeProposal(_ context.Context, oldID int64, replacement *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.proposals[oldID]
	if !ok {
		return ErrNotFound
	}
	if !old.Status.IsActive() {
		return fmt.Errorf("proposal %d not awaiting decision: %w", oldID, ErrConflict)
	}
	priorStatus := old.Status
	old.Status = models.ProposalDismissed
	old.UpdatedAt = time.Now().UTC()

	replacement.Version = old.Version + 1
	if err := s.createProposalLocked(replacement); err != nil {
		// Restore the old proposal so a failed supersede leaves state intact.
		old.Status = priorStatus
		return err
	}
	return nil
}

func (s *MemoryStore) ListPendingProposals(_ context.Context) ([]PendingProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PendingProposal
	for _, p := range s.proposals {
		if !p.Status.IsActive() {
			continue
		}
		pp := PendingProposal{Proposal: *copyProposal(p)}
		if c, ok := s.cases[p.CaseID]; ok {
			pp.CaseName = c.Name
			pp.AgencyName = c.AgencyName
			pp.CaseStatus = c.Status
			pp.Mode = c.AutopilotMode
		}
		out = append(out, pp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Agent runs ---

func (s *MemoryStore) CreateRun(_ context.Context, r *models.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.runs {
		if existing.CaseID == r.CaseID && existing.Status.IsActive() {
			return fmt.Errorf("active run exists for case %d: %w", r.CaseID, ErrConflict)
		}
	}

	s.nextRun++
	r.ID = s.nextRun
	if r.Status == "" {
		r.Status = models.RunQueued
	}
	if r.Stage == "" {
		r.Stage = models.StageStarted
	}
	now := time.Now().UTC()
	r.StartedAt, r.HeartbeatAt = now, now
	s.runs[r.ID] = copyRun(r)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id int64) (*models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (s *MemoryStore) ActiveRun(_ context.Context, caseID int64) (*models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.CaseID == caseID && r.Status.IsActive() {
			return copyRun(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MarkRunRunning(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RunQueued && r.Status != models.RunRunning && r.Status != models.RunStuck {
		return fmt.Errorf("run %d not startable: %w", id, ErrConflict)
	}
	r.Status = models.RunRunning
	r.HeartbeatAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CheckpointRun(_ context.Context, id int64, stage models.RunStage, checkpoint []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Stage = stage
	r.Checkpoint = append([]byte(nil), checkpoint...)
	r.HeartbeatAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) HeartbeatRun(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.runs[id]; ok && r.Status == models.RunRunning {
		r.HeartbeatAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = models.RunCompleted
	r.Stage = models.StageDone
	r.CompletedAt = &now
	r.HeartbeatAt = now
	return nil
}

func (s *MemoryStore) FailRun(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = models.RunFailed
	r.Error = &reason
	r.CompletedAt = &now
	r.HeartbeatAt = now
	return nil
}

func (s *MemoryStore) MarkRunStuck(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RunRunning {
		return fmt.Errorf("run %d not running: %w", id, ErrConflict)
	}
	r.Status = models.RunStuck
	return nil
}

func (s *MemoryStore) ListStaleRunning(_ context.Context, heartbeatBefore time.Time) ([]models.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AgentRun
	for _, r := range s.runs {
		if r.Status == models.RunRunning && r.HeartbeatAt.Before(heartbeatBefore) {
			out = append(out, *copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeartbeatAt.Before(out[j].HeartbeatAt) })
	return out, nil
}

// --- Scope and constraints ---

// AddScopeItem seeds a scope item; used by tests and fixtures.
func (s *MemoryStore) AddScopeItem(caseID int64, item models.ScopeItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.CaseID = caseID
	s.scopeItems[caseID] = append(s.scopeItems[caseID], item)
}

// AddConstraint seeds a constraint; used by tests and fixtures.
func (s *MemoryStore) AddConstraint(caseID int64, c models.Constraint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.CaseID = caseID
	s.constraint[caseID] = append(s.constraint[caseID], c)
}

func (s *MemoryStore) ListScopeItems(_ context.Context, caseID int64) ([]models.ScopeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ScopeItem(nil), s.scopeItems[caseID]...), nil
}

func (s *MemoryStore) ListConstraints(_ context.Context, caseID int64) ([]models.Constraint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Constraint(nil), s.constraint[caseID]...), nil
}

// --- Activity log ---

func (s *MemoryStore) LogActivity(_ context.Context, caseID int64, eventType, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextActivity++
	s.activity[caseID] = append(s.activity[caseID], models.Activity{
		ID:          s.nextActivity,
		CaseID:      caseID,
		EventType:   eventType,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) ListActivity(_ context.Context, caseID int64) ([]models.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Activity(nil), s.activity[caseID]...), nil
}
