package proposals_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/proposals"
)

func TestCanApprove(t *testing.T) {
	cases := []struct {
		name string
		in   proposals.ApproveGateInput
		want bool
	}{
		{"enabled with rationale", proposals.ApproveGateInput{ApprovalRationale: "Reviewed and safe."}, true},
		{"blank rationale", proposals.ApproveGateInput{ApprovalRationale: ""}, false},
		{"whitespace rationale", proposals.ApproveGateInput{ApprovalRationale: "  \t "}, false},
		{"busy", proposals.ApproveGateInput{Busy: true, ApprovalRationale: "Reviewed."}, false},
		{"token invalid", proposals.ApproveGateInput{DisabledByToken: true, ApprovalRationale: "Reviewed."}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, proposals.CanApprove(tc.in))
		})
	}
}

func TestCanExecute(t *testing.T) {
	assert.True(t, proposals.CanExecute(proposals.ExecuteGateInput{}))
	assert.False(t, proposals.CanExecute(proposals.ExecuteGateInput{Busy: true}))
	assert.False(t, proposals.CanExecute(proposals.ExecuteGateInput{DisabledByToken: true}))
}

func TestCanRollback(t *testing.T) {
	valid := proposals.RollbackGateInput{
		ProposalStatus: contracts.StatusExecuted,
		Reason:         "Rollback requested after duplicate note.",
		IdempotencyKey: "pilot-key-01",
	}
	assert.True(t, proposals.CanRollback(valid))

	notExecuted := valid
	notExecuted.ProposalStatus = contracts.StatusApproved
	assert.False(t, proposals.CanRollback(notExecuted))

	shortReason := valid
	shortReason.Reason = "short"
	assert.False(t, proposals.CanRollback(shortReason))

	shortKey := valid
	shortKey.IdempotencyKey = "key"
	assert.False(t, proposals.CanRollback(shortKey))

	boundaryReason := valid
	boundaryReason.Reason = "exactly10!"
	assert.True(t, proposals.CanRollback(boundaryReason))

	boundaryKey := valid
	boundaryKey.IdempotencyKey = "12345678"
	assert.True(t, proposals.CanRollback(boundaryKey))
}

func TestBuildIdempotencyKey(t *testing.T) {
	assert.Equal(t, "manual-key", proposals.BuildIdempotencyKey("manual-key", "proposal-abc-123", 12345))
	assert.Equal(t, "manual-key", proposals.BuildIdempotencyKey("  manual-key  ", "proposal-abc-123", 12345))
	assert.Equal(t, "pilot-proposal-abc-123-12345", proposals.BuildIdempotencyKey("   ", "proposal-abc-123", 12345))
	assert.Equal(t, "pilot-proposal-abc-123-12345", proposals.BuildIdempotencyKey("", "proposal-abc-123", 12345))
}
