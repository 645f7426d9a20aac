package proposals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/capabilities"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/delegation"
)

var tracer = otel.Tracer("monsoonfire/proposals")

// Reason codes written to the ledger for guarded rejections.
const (
	reasonCapabilityUnknown = "CAPABILITY_UNKNOWN"
	reasonProposalNotFound  = "PROPOSAL_NOT_FOUND"
	reasonScopeMissing      = "SCOPE_MISSING"
	reasonRationaleBlank    = "RATIONALE_BLANK"
	reasonSelfApproval      = "SELF_APPROVAL_FORBIDDEN"
	reasonStateConflict     = "STATE_CONFLICT"
	reasonInputRejected     = "INPUT_REJECTED"
	reasonHandlerFailed     = "HANDLER_FAILED"
	reasonPersistFailed     = "PERSIST_FAILED"
	reasonIdempotentReplay  = "IDEMPOTENT_REPLAY"
	reasonReasonTooShort    = "REASON_TOO_SHORT"
	reasonKeyTooShort       = "IDEMPOTENCY_KEY_TOO_SHORT"
	reasonExecutionNotFound = "EXECUTION_NOT_FOUND"
)

// Actor identifies who is driving an operation, with the scopes their
// delegated token granted. The token itself never reaches this layer.
type Actor struct {
	Type      contracts.ActorType
	ID        string
	Principal string
	Scopes    []string
}

// HasScope reports whether the actor's token granted scope.
func (a Actor) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Service drives the proposal state machine. Every transition is a
// compare-and-swap on persisted status and every call writes exactly one
// ledger entry, success or not.
type Service struct {
	store    Store
	registry *capabilities.Registry
	ledger   audit.Ledger
	clock    func() time.Time
	newID    func() string
}

// NewService wires the state machine over its collaborators.
func NewService(store Store, registry *capabilities.Registry, ledger audit.Ledger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		ledger:   ledger,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDGenerator overrides proposal ID generation for deterministic
// testing.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// ProposeRequest is the input to Propose.
type ProposeRequest struct {
	CapabilityID    string
	Actor           Actor
	OwnerUID        string
	TenantID        string
	Rationale       string
	PreviewSummary  string
	RequestInput    map[string]any
	ExpectedEffects []string
}

// Propose validates the capability and the actor's scope, then records a
// new proposal in status proposed.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*contracts.Proposal, error) {
	ctx, span := tracer.Start(ctx, "proposals.propose")
	defer span.End()
	span.SetAttributes(attribute.String("capability.id", req.CapabilityID))

	def, ok := s.registry.Get(req.CapabilityID)
	if !ok {
		return nil, s.denied(ctx, req.Actor, "", "", "proposal.propose", reasonCapabilityUnknown,
			&contracts.ValidationError{Field: "capability_id", Reason: "not registered"})
	}
	if !req.Actor.HasScope(def.RequiredScope) {
		return nil, s.denied(ctx, req.Actor, "", "", "proposal.propose", reasonScopeMissing,
			&delegation.DenialError{Reason: delegation.ReasonScopeMissing})
	}
	if strings.TrimSpace(req.Rationale) == "" {
		return nil, s.denied(ctx, req.Actor, "", "", "proposal.propose", reasonRationaleBlank,
			&contracts.ValidationError{Field: "rationale", Reason: "must not be blank"})
	}
	if err := s.registry.ValidateInput(req.CapabilityID, req.RequestInput); err != nil {
		return nil, s.denied(ctx, req.Actor, "", "", "proposal.propose", reasonInputRejected,
			&contracts.ValidationError{Field: "request_input", Reason: err.Error()})
	}

	now := s.clock().UTC()
	p := &contracts.Proposal{
		ID:              s.newID(),
		CapabilityID:    req.CapabilityID,
		ActorType:       req.Actor.Type,
		ActorID:         req.Actor.ID,
		OwnerUID:        req.OwnerUID,
		TenantID:        req.TenantID,
		Rationale:       req.Rationale,
		PreviewSummary:  req.PreviewSummary,
		RequestInput:    req.RequestInput,
		ExpectedEffects: req.ExpectedEffects,
		Status:          contracts.StatusProposed,
		CreatedBy:       req.Actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	s.audited(ctx, req.Actor, p.ID, "", "proposal.propose", "")
	return p, nil
}

// Approve transitions proposed → approved. A blank rationale is rejected
// and, unless the capability allows it, so is self-approval.
func (s *Service) Approve(ctx context.Context, proposalID string, approver Actor, rationale string) (*contracts.Proposal, error) {
	ctx, span := tracer.Start(ctx, "proposals.approve")
	defer span.End()

	if strings.TrimSpace(rationale) == "" {
		return nil, s.denied(ctx, approver, proposalID, "", "proposal.approve", reasonRationaleBlank,
			&contracts.ValidationError{Field: "rationale", Reason: "must not be blank"})
	}

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, s.denied(ctx, approver, proposalID, "", "proposal.approve", reasonProposalNotFound, err)
	}

	def, ok := s.registry.Get(p.CapabilityID)
	if !ok {
		return nil, s.denied(ctx, approver, proposalID, "", "proposal.approve", reasonCapabilityUnknown,
			&contracts.ValidationError{Field: "capability_id", Reason: "not registered"})
	}
	if !def.SelfApprovalAllowed && approver.ID == p.CreatedBy {
		return nil, s.denied(ctx, approver, proposalID, "", "proposal.approve", reasonSelfApproval,
			&contracts.ValidationError{Field: "approved_by", Reason: "proposer may not approve their own proposal"})
	}

	updated, err := s.store.CompareAndSwapStatus(ctx, proposalID, contracts.StatusProposed, contracts.StatusApproved, StatusUpdate{
		ApprovedBy:        approver.ID,
		ApprovalRationale: rationale,
	})
	if err != nil {
		return nil, s.casFailure(ctx, approver, proposalID, "", "proposal.approve", contracts.StatusProposed, err)
	}

	s.audited(ctx, approver, proposalID, "", "proposal.approve", "")
	return updated, nil
}

// Reject transitions proposed → rejected with a reviewer reason.
func (s *Service) Reject(ctx context.Context, proposalID string, reviewer Actor, reason string) (*contracts.Proposal, error) {
	ctx, span := tracer.Start(ctx, "proposals.reject")
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, s.denied(ctx, reviewer, proposalID, "", "proposal.reject", reasonRationaleBlank,
			&contracts.ValidationError{Field: "reason", Reason: "must not be blank"})
	}

	updated, err := s.store.CompareAndSwapStatus(ctx, proposalID, contracts.StatusProposed, contracts.StatusRejected, StatusUpdate{
		RejectedBy:      reviewer.ID,
		RejectionReason: reason,
	})
	if err != nil {
		return nil, s.casFailure(ctx, reviewer, proposalID, "", "proposal.reject", contracts.StatusProposed, err)
	}

	s.audited(ctx, reviewer, proposalID, "", "proposal.reject", "")
	return updated, nil
}

// DryRun invokes the capability handler in preview mode. No side effects
// occur and no idempotency key is consumed.
func (s *Service) DryRun(ctx context.Context, proposalID string, actor Actor) (*contracts.DryRunResult, error) {
	ctx, span := tracer.Start(ctx, "proposals.dry_run")
	defer span.End()

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, s.denied(ctx, actor, proposalID, "", "proposal.dry_run", reasonProposalNotFound, err)
	}
	if p.Status != contracts.StatusApproved {
		return nil, s.denied(ctx, actor, proposalID, "", "proposal.dry_run", reasonStateConflict,
			&contracts.StateConflictError{ProposalID: proposalID, Current: p.Status, Wanted: contracts.StatusApproved, Operation: "dry_run"})
	}

	def, ok := s.registry.Get(p.CapabilityID)
	if !ok {
		return nil, s.denied(ctx, actor, proposalID, "", "proposal.dry_run", reasonCapabilityUnknown,
			&contracts.ValidationError{Field: "capability_id", Reason: "not registered"})
	}

	preview, err := def.Handler.DryRun(ctx, p.RequestInput)
	if err != nil {
		s.auditErr(ctx, actor, proposalID, "", "proposal.dry_run", reasonHandlerFailed)
		return nil, fmt.Errorf("dry run: %w", err)
	}

	s.audited(ctx, actor, proposalID, "", "proposal.dry_run", "")
	return &contracts.DryRunResult{
		ProposalID:       p.ID,
		CapabilityID:     p.CapabilityID,
		ProjectedEffects: preview.ProjectedEffects,
		Preview:          preview.Summary,
	}, nil
}

// Execute transitions approved → executed at most once per idempotency
// key. A replayed key returns the stored record unchanged without
// invoking the handler; a handler failure transitions the proposal to
// failed and creates no record.
func (s *Service) Execute(ctx context.Context, proposalID, idempotencyKey string, actor Actor, requestedOutput map[string]any) (*contracts.ExecutionRecord, error) {
	ctx, span := tracer.Start(ctx, "proposals.execute")
	defer span.End()

	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = BuildIdempotencyKey("", proposalID, s.clock().UnixMilli())
	}
	span.SetAttributes(attribute.String("proposal.id", proposalID))

	// Replay fast path: the key was already consumed. Return the stored
	// record byte-identically; the handler is not invoked again.
	if existing, err := s.store.GetExecution(ctx, proposalID, key); err == nil {
		s.audited(ctx, actor, proposalID, key, "proposal.execute", reasonIdempotentReplay)
		return existing, nil
	} else if !errors.Is(err, contracts.ErrExecutionNotFound) {
		return nil, fmt.Errorf("execution lookup: %w", err)
	}

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.execute", reasonProposalNotFound, err)
	}
	def, ok := s.registry.Get(p.CapabilityID)
	if !ok {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.execute", reasonCapabilityUnknown,
			&contracts.ValidationError{Field: "capability_id", Reason: "not registered"})
	}

	// Claim the transition before touching the outside world. Two
	// concurrent executes race here and exactly one proceeds.
	if _, err := s.store.CompareAndSwapStatus(ctx, proposalID, contracts.StatusApproved, contracts.StatusExecuted, StatusUpdate{}); err != nil {
		return nil, s.casFailure(ctx, actor, proposalID, key, "proposal.execute", contracts.StatusApproved, err)
	}

	result, err := def.Handler.Execute(ctx, p.RequestInput, key)
	if err != nil {
		// The side effect failed: surface failed, never executed. No
		// execution record is created so a retry with a fresh key is
		// possible after re-approval.
		if _, casErr := s.store.CompareAndSwapStatus(ctx, proposalID, contracts.StatusExecuted, contracts.StatusFailed, StatusUpdate{}); casErr != nil {
			return nil, fmt.Errorf("handler failed (%v) and failure transition failed: %w", err, casErr)
		}
		s.auditErr(ctx, actor, proposalID, key, "proposal.execute", reasonHandlerFailed)
		return nil, fmt.Errorf("execute capability %s: %w", p.CapabilityID, err)
	}

	output := result.Output
	if output == nil {
		output = map[string]any{}
	}
	for k, v := range requestedOutput {
		if _, exists := output[k]; !exists {
			output[k] = v
		}
	}

	rec := &contracts.ExecutionRecord{
		ProposalID:      proposalID,
		IdempotencyKey:  key,
		Output:          output,
		ResourcePointer: result.ResourcePointer,
		ExecutedBy:      actor.ID,
		ExecutedAt:      s.clock().UTC(),
	}
	stored, _, err := s.store.CreateExecution(ctx, rec)
	if err != nil {
		// The side effect stands but the record did not persist. Surface
		// failed so the proposal is not wedged: rollback would find no
		// record and a replay would conflict on status forever.
		if _, casErr := s.store.CompareAndSwapStatus(ctx, proposalID, contracts.StatusExecuted, contracts.StatusFailed, StatusUpdate{}); casErr != nil {
			return nil, fmt.Errorf("persist execution record failed (%v) and failure transition failed: %w", err, casErr)
		}
		s.auditErr(ctx, actor, proposalID, key, "proposal.execute", reasonPersistFailed)
		return nil, fmt.Errorf("persist execution record: %w", err)
	}

	s.audited(ctx, actor, proposalID, key, "proposal.execute", "")
	return stored, nil
}

// Rollback transitions executed → rolled_back, invoking the handler's
// compensating action and stamping rollback markers on both the
// execution record and the resource it created. Undersized reason or key
// short-circuit to rejection before any side effect.
func (s *Service) Rollback(ctx context.Context, proposalID, idempotencyKey, reason string, actor Actor) (*contracts.ExecutionRecord, error) {
	ctx, span := tracer.Start(ctx, "proposals.rollback")
	defer span.End()

	key := strings.TrimSpace(idempotencyKey)
	if len(reason) < MinRollbackReasonLen {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.rollback", reasonReasonTooShort,
			&contracts.ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at least %d characters", MinRollbackReasonLen)})
	}
	if len(key) < MinIdempotencyKeyLen {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.rollback", reasonKeyTooShort,
			&contracts.ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("must be at least %d characters", MinIdempotencyKeyLen)})
	}

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.rollback", reasonProposalNotFound, err)
	}
	if p.Status != contracts.StatusExecuted {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.rollback", reasonStateConflict,
			&contracts.StateConflictError{ProposalID: proposalID, Current: p.Status, Wanted: contracts.StatusExecuted, Operation: "rollback"})
	}

	rec, err := s.store.GetExecution(ctx, proposalID, key)
	if err != nil {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.rollback", reasonExecutionNotFound,
			&contracts.ValidationError{Field: "idempotency_key", Reason: "no execution record for key"})
	}

	def, ok := s.registry.Get(p.CapabilityID)
	if !ok {
		return nil, s.denied(ctx, actor, proposalID, key, "proposal.rollback", reasonCapabilityUnknown,
			&contracts.ValidationError{Field: "capability_id", Reason: "not registered"})
	}

	if err := def.Handler.Rollback(ctx, rec.ResourcePointer, reason); err != nil {
		s.auditErr(ctx, actor, proposalID, key, "proposal.rollback", reasonHandlerFailed)
		return nil, fmt.Errorf("rollback capability %s: %w", p.CapabilityID, err)
	}

	rb := &contracts.RollbackRecord{
		ProposalID:     proposalID,
		IdempotencyKey: key,
		Reason:         reason,
		RolledBackAt:   s.clock().UTC(),
	}
	if err := s.store.AttachRollback(ctx, proposalID, key, rb); err != nil {
		return nil, fmt.Errorf("attach rollback record: %w", err)
	}
	if _, err := s.store.CompareAndSwapStatus(ctx, proposalID, contracts.StatusExecuted, contracts.StatusRolledBack, StatusUpdate{}); err != nil {
		return nil, s.casFailure(ctx, actor, proposalID, key, "proposal.rollback", contracts.StatusExecuted, err)
	}

	s.audited(ctx, actor, proposalID, key, "proposal.rollback", "")

	rec.Rollback = rb
	return rec, nil
}

// Get returns one proposal.
func (s *Service) Get(ctx context.Context, proposalID string) (*contracts.Proposal, error) {
	return s.store.GetProposal(ctx, proposalID)
}

// List returns recent proposals.
func (s *Service) List(ctx context.Context, limit int) ([]*contracts.Proposal, error) {
	return s.store.ListProposals(ctx, limit)
}

// casFailure converts a failed conditional write into the surfaced error
// with the current status included, and audits the conflict.
func (s *Service) casFailure(ctx context.Context, actor Actor, proposalID, key, action string, wanted contracts.ProposalStatus, err error) error {
	if errors.Is(err, contracts.ErrProposalNotFound) {
		return s.denied(ctx, actor, proposalID, key, action, reasonProposalNotFound, err)
	}
	if !errors.Is(err, ErrStatusChanged) {
		return fmt.Errorf("%s: %w", action, err)
	}
	current := contracts.ProposalStatus("unknown")
	if p, readErr := s.store.GetProposal(ctx, proposalID); readErr == nil {
		current = p.Status
	}
	return s.denied(ctx, actor, proposalID, key, action, reasonStateConflict,
		&contracts.StateConflictError{ProposalID: proposalID, Current: current, Wanted: wanted, Operation: action})
}

// denied audits a rejection and returns the causing error unchanged.
func (s *Service) denied(ctx context.Context, actor Actor, proposalID, key, action, reasonCode string, err error) error {
	_, _ = s.ledger.Append(ctx, audit.Record{
		Actor:          actor.ID,
		Principal:      actor.Principal,
		ProposalID:     proposalID,
		IdempotencyKey: key,
		Action:         action,
		Outcome:        audit.OutcomeDenied,
		ReasonCode:     reasonCode,
	})
	return err
}

// audited records a successful operation.
func (s *Service) audited(ctx context.Context, actor Actor, proposalID, key, action, reasonCode string) {
	_, _ = s.ledger.Append(ctx, audit.Record{
		Actor:          actor.ID,
		Principal:      actor.Principal,
		ProposalID:     proposalID,
		IdempotencyKey: key,
		Action:         action,
		Outcome:        audit.OutcomeOK,
		ReasonCode:     reasonCode,
	})
}

// auditErr records a failed operation.
func (s *Service) auditErr(ctx context.Context, actor Actor, proposalID, key, action, reasonCode string) {
	_, _ = s.ledger.Append(ctx, audit.Record{
		Actor:          actor.ID,
		Principal:      actor.Principal,
		ProposalID:     proposalID,
		IdempotencyKey: key,
		Action:         action,
		Outcome:        audit.OutcomeError,
		ReasonCode:     reasonCode,
	})
}
