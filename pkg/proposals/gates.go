package proposals

import (
	"strconv"
	"strings"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
)

// Validation thresholds shared by the client gates and the server-side
// guards. The server re-validates every condition independently; the
// gates exist so front ends can disable actions before a request is made.
const (
	MinRollbackReasonLen = 10
	MinIdempotencyKeyLen = 8
)

// ApproveGateInput mirrors the state a front end holds for the approve
// action.
type ApproveGateInput struct {
	Busy              bool
	DisabledByToken   bool
	ApprovalRationale string
}

// CanApprove reports whether the approve action should be enabled.
func CanApprove(in ApproveGateInput) bool {
	if in.Busy || in.DisabledByToken {
		return false
	}
	return strings.TrimSpace(in.ApprovalRationale) != ""
}

// ExecuteGateInput mirrors the state a front end holds for the execute
// action.
type ExecuteGateInput struct {
	Busy            bool
	DisabledByToken bool
}

// CanExecute reports whether the execute action should be enabled.
func CanExecute(in ExecuteGateInput) bool {
	return !in.Busy && !in.DisabledByToken
}

// RollbackGateInput mirrors the state a front end holds for the rollback
// action.
type RollbackGateInput struct {
	ProposalStatus contracts.ProposalStatus
	Reason         string
	IdempotencyKey string
}

// CanRollback reports whether the rollback action should be enabled.
func CanRollback(in RollbackGateInput) bool {
	if in.ProposalStatus != contracts.StatusExecuted {
		return false
	}
	if len(in.Reason) < MinRollbackReasonLen {
		return false
	}
	return len(in.IdempotencyKey) >= MinIdempotencyKeyLen
}

// BuildIdempotencyKey returns the caller-supplied key verbatim after
// trimming, or derives the pilot fallback key when none was supplied.
func BuildIdempotencyKey(manualKey, proposalID string, nowMs int64) string {
	if trimmed := strings.TrimSpace(manualKey); trimmed != "" {
		return trimmed
	}
	return "pilot-" + proposalID + "-" + strconv.FormatInt(nowMs, 10)
}
