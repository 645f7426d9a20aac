// Package proposals owns the capability proposal lifecycle: the
// propose → approve → dry-run → execute → rollback state machine, the
// idempotency-key bookkeeping that makes execute at-most-once, and the
// stores that persist both.
package proposals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
)

// ErrStatusChanged is returned by CompareAndSwapStatus when the stored
// status no longer matches the expected prior status. Callers re-read to
// learn the current state.
var ErrStatusChanged = errors.New("proposal status changed concurrently")

// StatusUpdate carries the fields written alongside a status transition.
// Empty fields are left untouched.
type StatusUpdate struct {
	ApprovedBy        string
	ApprovalRationale string
	RejectedBy        string
	RejectionReason   string
}

// Store is the persistence contract for proposals and execution records.
// Two operations carry the concurrency burden: CompareAndSwapStatus must
// be an atomic conditional write on the prior status, and CreateExecution
// must be an atomic unique-insert on (proposalID, idempotencyKey).
type Store interface {
	CreateProposal(ctx context.Context, p *contracts.Proposal) error
	GetProposal(ctx context.Context, id string) (*contracts.Proposal, error)
	ListProposals(ctx context.Context, limit int) ([]*contracts.Proposal, error)

	// CompareAndSwapStatus transitions id from expect to next, applying
	// update, and returns the stored proposal. ErrStatusChanged is
	// returned when the stored status is not expect.
	CompareAndSwapStatus(ctx context.Context, id string, expect, next contracts.ProposalStatus, update StatusUpdate) (*contracts.Proposal, error)

	GetExecution(ctx context.Context, proposalID, idempotencyKey string) (*contracts.ExecutionRecord, error)

	// CreateExecution inserts rec. When a record with the same key already
	// exists the stored record is returned with created=false and nothing
	// is written.
	CreateExecution(ctx context.Context, rec *contracts.ExecutionRecord) (stored *contracts.ExecutionRecord, created bool, err error)

	// AttachRollback stamps the rollback marker on the execution record.
	AttachRollback(ctx context.Context, proposalID, idempotencyKey string, rb *contracts.RollbackRecord) error
}

// MemoryStore is the in-process Store. All conditional writes are
// serialized under one mutex.
type MemoryStore struct {
	mu         sync.RWMutex
	proposals  map[string]*contracts.Proposal
	executions map[string]*contracts.ExecutionRecord
	clock      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:  make(map[string]*contracts.Proposal),
		executions: make(map[string]*contracts.ExecutionRecord),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// CreateProposal stores a new proposal.
func (s *MemoryStore) CreateProposal(ctx context.Context, p *contracts.Proposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.proposals[p.ID] = &copied
	return nil
}

// GetProposal returns a copy of the proposal with the given ID.
func (s *MemoryStore) GetProposal(ctx context.Context, id string) (*contracts.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, contracts.ErrProposalNotFound
	}
	copied := *p
	return &copied, nil
}

// ListProposals returns proposals ordered by creation time, newest first.
func (s *MemoryStore) ListProposals(ctx context.Context, limit int) ([]*contracts.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		copied := *p
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompareAndSwapStatus performs the conditional status write under the
// store mutex.
func (s *MemoryStore) CompareAndSwapStatus(ctx context.Context, id string, expect, next contracts.ProposalStatus, update StatusUpdate) (*contracts.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, contracts.ErrProposalNotFound
	}
	if p.Status != expect {
		return nil, ErrStatusChanged
	}

	p.Status = next
	p.UpdatedAt = s.clock().UTC()
	if update.ApprovedBy != "" {
		p.ApprovedBy = update.ApprovedBy
	}
	if update.ApprovalRationale != "" {
		p.ApprovalRationale = update.ApprovalRationale
	}
	if update.RejectedBy != "" {
		p.RejectedBy = update.RejectedBy
	}
	if update.RejectionReason != "" {
		p.RejectionReason = update.RejectionReason
	}
	copied := *p
	return &copied, nil
}

// GetExecution returns the execution record for the composite key.
func (s *MemoryStore) GetExecution(ctx context.Context, proposalID, idempotencyKey string) (*contracts.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[contracts.ExecutionKey(proposalID, idempotencyKey)]
	if !ok {
		return nil, contracts.ErrExecutionNotFound
	}
	copied := *rec
	return &copied, nil
}

// CreateExecution inserts the record unless the key is already claimed.
func (s *MemoryStore) CreateExecution(ctx context.Context, rec *contracts.ExecutionRecord) (*contracts.ExecutionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	if existing, ok := s.executions[key]; ok {
		copied := *existing
		return &copied, false, nil
	}
	copied := *rec
	s.executions[key] = &copied
	stored := copied
	return &stored, true, nil
}

// AttachRollback stamps the rollback marker on the stored record.
func (s *MemoryStore) AttachRollback(ctx context.Context, proposalID, idempotencyKey string, rb *contracts.RollbackRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[contracts.ExecutionKey(proposalID, idempotencyKey)]
	if !ok {
		return contracts.ErrExecutionNotFound
	}
	copied := *rb
	rec.Rollback = &copied
	return nil
}
