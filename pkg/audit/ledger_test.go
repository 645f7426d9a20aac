package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/audit"
)

func testClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestMemoryLedger_AppendChainsEntries(t *testing.T) {
	ledger := audit.NewMemoryLedger().WithClock(testClock())
	ctx := context.Background()

	first, err := ledger.Append(ctx, audit.Record{
		Actor:   "delegation.validator",
		Action:  "authz.validate:capabilities.ops_note.append",
		Outcome: audit.OutcomeOK,
	})
	require.NoError(t, err)
	second, err := ledger.Append(ctx, audit.Record{
		Actor:      "proposals.service",
		Action:     "proposal.create",
		ProposalID: "prop-1",
		Outcome:    audit.OutcomeOK,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "genesis", first.PrevHash)
	assert.NotEmpty(t, first.EntryHash)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.NotEqual(t, first.EntryHash, second.EntryHash)
}

func TestMemoryLedger_VerifyPassesOnIntactChain(t *testing.T) {
	ledger := audit.NewMemoryLedger().WithClock(testClock())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.Append(ctx, audit.Record{
			Actor:   "proposals.service",
			Action:  "proposal.execute",
			Outcome: audit.OutcomeOK,
		})
		require.NoError(t, err)
	}

	assert.NoError(t, ledger.Verify(ctx))
	assert.Equal(t, 5, ledger.Len())
}

func TestMemoryLedger_VerifyDetectsTampering(t *testing.T) {
	ledger := audit.NewMemoryLedger().WithClock(testClock())
	ctx := context.Background()

	_, err := ledger.Append(ctx, audit.Record{Actor: "a", Action: "proposal.create", Outcome: audit.OutcomeOK})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, audit.Record{Actor: "a", Action: "proposal.approve", Outcome: audit.OutcomeOK})
	require.NoError(t, err)

	entries, err := ledger.Query(ctx, audit.Filter{})
	require.NoError(t, err)

	// Mutating a stored entry must break verification.
	entries[0].ReasonCode = "DOCTORED"
	require.ErrorIs(t, ledger.Verify(ctx), audit.ErrChainBroken)
}

func TestMemoryLedger_QueryByActionPrefix(t *testing.T) {
	ledger := audit.NewMemoryLedger().WithClock(testClock())
	ctx := context.Background()

	records := []audit.Record{
		{Actor: "delegation.validator", Action: "authz.validate:scope.a", Outcome: audit.OutcomeDenied, ReasonCode: "TOKEN_EXPIRED"},
		{Actor: "proposals.service", Action: "proposal.create", ProposalID: "prop-1", Outcome: audit.OutcomeOK},
		{Actor: "delegation.validator", Action: "authz.validate:scope.b", Outcome: audit.OutcomeOK},
	}
	for _, rec := range records {
		_, err := ledger.Append(ctx, rec)
		require.NoError(t, err)
	}

	got, err := ledger.Query(ctx, audit.Filter{ActionPrefix: "authz.validate"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "authz.validate:scope.a", got[0].Action)
	assert.Equal(t, "authz.validate:scope.b", got[1].Action)
}

func TestMemoryLedger_QueryCombinedFilters(t *testing.T) {
	ledger := audit.NewMemoryLedger().WithClock(testClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.Append(ctx, audit.Record{
			Actor:      "proposals.service",
			Action:     "proposal.execute",
			ProposalID: "prop-1",
			Outcome:    audit.OutcomeOK,
		})
		require.NoError(t, err)
	}
	_, err := ledger.Append(ctx, audit.Record{
		Actor:      "proposals.service",
		Action:     "proposal.execute",
		ProposalID: "prop-2",
		Outcome:    audit.OutcomeDenied,
		ReasonCode: "STATE_CONFLICT",
	})
	require.NoError(t, err)

	got, err := ledger.Query(ctx, audit.Filter{ProposalID: "prop-1", Outcome: audit.OutcomeOK, MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	denied, err := ledger.Query(ctx, audit.Filter{Outcome: audit.OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "prop-2", denied[0].ProposalID)
}

func TestFilter_EmptyMatchesEverything(t *testing.T) {
	e := &audit.Entry{Actor: "anyone", Action: "anything", Outcome: audit.OutcomeError}
	assert.True(t, audit.Filter{}.Matches(e))
}
