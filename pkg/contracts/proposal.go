// Package contracts defines the shared domain types of the capability
// control plane: proposals, execution records, rollback records and the
// error taxonomy every layer speaks.
package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ProposalStatus defines the lifecycle of a proposal.
type ProposalStatus string

// ProposalStatus constants.
const (
	StatusProposed   ProposalStatus = "proposed"
	StatusApproved   ProposalStatus = "approved"
	StatusRejected   ProposalStatus = "rejected"
	StatusExecuted   ProposalStatus = "executed"
	StatusFailed     ProposalStatus = "failed"
	StatusRolledBack ProposalStatus = "rolled_back"
)

// Terminal reports whether the status admits no further transitions.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// ActorType distinguishes who is driving an operation.
type ActorType string

const (
	ActorAgent    ActorType = "agent"
	ActorHuman    ActorType = "human"
	ActorOperator ActorType = "operator"
)

// Proposal is a recorded intent to execute a capability, gated by
// explicit approval. Proposals are never deleted; terminal states are
// retained for audit.
type Proposal struct {
	ID              string         `json:"id"`
	CapabilityID    string         `json:"capability_id"`
	ActorType       ActorType      `json:"actor_type"`
	ActorID         string         `json:"actor_id"`
	OwnerUID        string         `json:"owner_uid"`
	TenantID        string         `json:"tenant_id"`
	Rationale       string         `json:"rationale"`
	PreviewSummary  string         `json:"preview_summary,omitempty"`
	RequestInput    map[string]any `json:"request_input,omitempty"`
	ExpectedEffects []string       `json:"expected_effects,omitempty"`
	Status          ProposalStatus `json:"status"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	ApprovedBy        string `json:"approved_by,omitempty"`
	ApprovalRationale string `json:"approval_rationale,omitempty"`
	RejectedBy        string `json:"rejected_by,omitempty"`
	RejectionReason   string `json:"rejection_reason,omitempty"`
}

// ExecutionRecord captures the outcome of a single capability execution.
// There is at most one record per (ProposalID, IdempotencyKey): a replayed
// execute call returns the stored record unchanged.
type ExecutionRecord struct {
	ProposalID      string          `json:"proposal_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Output          map[string]any  `json:"output,omitempty"`
	ResourcePointer string          `json:"resource_pointer,omitempty"`
	ExecutedBy      string          `json:"executed_by"`
	ExecutedAt      time.Time       `json:"executed_at"`
	Rollback        *RollbackRecord `json:"rollback,omitempty"`
}

// Key returns the composite storage key for the record.
func (r *ExecutionRecord) Key() string {
	return ExecutionKey(r.ProposalID, r.IdempotencyKey)
}

// ExecutionKey builds the composite key used by every store backend.
func ExecutionKey(proposalID, idempotencyKey string) string {
	return proposalID + "__" + idempotencyKey
}

// RollbackRecord marks a compensated execution. It is written to both the
// execution record and the resource the execution created.
type RollbackRecord struct {
	ProposalID     string    `json:"proposal_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason"`
	RolledBackAt   time.Time `json:"rolled_back_at"`
}

// DryRunResult is the projection a dry-run returns. No side effects occur
// and no idempotency key is consumed producing it.
type DryRunResult struct {
	ProposalID       string         `json:"proposal_id"`
	CapabilityID     string         `json:"capability_id"`
	ProjectedEffects []string       `json:"projected_effects,omitempty"`
	Preview          map[string]any `json:"preview,omitempty"`
}

// Sentinel errors for the proposal lifecycle.
var (
	ErrProposalNotFound   = errors.New("proposal not found")
	ErrExecutionNotFound  = errors.New("execution record not found")
	ErrDuplicateExecution = errors.New("execution record already exists")
)

// StateConflictError reports an operation attempted from an invalid
// current state. The current status is included so callers can reconcile.
type StateConflictError struct {
	ProposalID string
	Current    ProposalStatus
	Wanted     ProposalStatus
	Operation  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s: proposal %s is %q, requires %q", e.Operation, e.ProposalID, e.Current, e.Wanted)
}

// IsStateConflict reports whether err is a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// ValidationError reports input rejected before any side effect or
// persistence write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
