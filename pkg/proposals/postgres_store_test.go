package proposals_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/proposals"
)

var pgProposalColumns = []string{
	"id", "capability_id", "actor_type", "actor_id", "owner_uid", "tenant_id",
	"rationale", "preview_summary", "request_input", "expected_effects",
	"status", "created_by", "created_at", "updated_at",
	"approved_by", "approval_rationale", "rejected_by", "rejection_reason",
}

func pgProposalRow(status string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(pgProposalColumns).AddRow(
		"prop-1", "firestore_ops_note_append", "agent", "scheduler-agent", "owner-uid-1", "tenant-1",
		"Record the completed kiln firing.", "", []byte(`{"text":"kiln 2 firing complete"}`), []byte(`["one ops note appended"]`),
		status, "scheduler-agent", now, now,
		"", "", "", "",
	)
}

func newMockStore(t *testing.T) (*proposals.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return proposals.NewPostgresStoreUnmigrated(db), mock
}

func TestPostgresStore_GetProposal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE id = $1")).
		WithArgs("prop-1").
		WillReturnRows(pgProposalRow("proposed"))

	p, err := store.GetProposal(context.Background(), "prop-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusProposed, p.Status)
	assert.Equal(t, map[string]any{"text": "kiln 2 firing complete"}, p.RequestInput)
	assert.Equal(t, []string{"one ops note appended"}, p.ExpectedEffects)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProposalNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE id = $1")).
		WithArgs("prop-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetProposal(context.Background(), "prop-missing")
	assert.ErrorIs(t, err, contracts.ErrProposalNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwapStatusWins(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET")).
		WithArgs("approved", sqlmock.AnyArg(), "owner-uid-1", "Reviewed.", "", "", "prop-1", "proposed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE id = $1")).
		WithArgs("prop-1").
		WillReturnRows(pgProposalRow("approved"))

	p, err := store.CompareAndSwapStatus(context.Background(), "prop-1",
		contracts.StatusProposed, contracts.StatusApproved,
		proposals.StatusUpdate{ApprovedBy: "owner-uid-1", ApprovalRationale: "Reviewed."})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwapStatusLostRace(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero rows updated and the proposal still exists: a concurrent
	// transition won.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET")).
		WithArgs("executed", sqlmock.AnyArg(), "", "", "", "", "prop-1", "approved").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE id = $1")).
		WithArgs("prop-1").
		WillReturnRows(pgProposalRow("executed"))

	_, err := store.CompareAndSwapStatus(context.Background(), "prop-1",
		contracts.StatusApproved, contracts.StatusExecuted, proposals.StatusUpdate{})
	assert.ErrorIs(t, err, proposals.ErrStatusChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwapStatusMissingProposal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE proposals SET")).
		WithArgs("approved", sqlmock.AnyArg(), "", "", "", "", "prop-missing", "proposed").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE id = $1")).
		WithArgs("prop-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.CompareAndSwapStatus(context.Background(), "prop-missing",
		contracts.StatusProposed, contracts.StatusApproved, proposals.StatusUpdate{})
	assert.ErrorIs(t, err, contracts.ErrProposalNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExecutionClaimsKey(t *testing.T) {
	store, mock := newMockStore(t)
	executedAt := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (proposal_id, idempotency_key) DO NOTHING")).
		WithArgs("prop-1", "pilot-key-01", sqlmock.AnyArg(), "ops_notes/n1", "owner-uid-1", executedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM execution_records WHERE proposal_id = $1 AND idempotency_key = $2")).
		WithArgs("prop-1", "pilot-key-01").
		WillReturnRows(sqlmock.NewRows([]string{
			"proposal_id", "idempotency_key", "output", "resource_pointer", "executed_by", "executed_at", "rollback_record",
		}).AddRow("prop-1", "pilot-key-01", []byte(`{"ok":true}`), "ops_notes/n1", "owner-uid-1", executedAt, nil))

	stored, created, err := store.CreateExecution(context.Background(), &contracts.ExecutionRecord{
		ProposalID:      "prop-1",
		IdempotencyKey:  "pilot-key-01",
		Output:          map[string]any{"ok": true},
		ResourcePointer: "ops_notes/n1",
		ExecutedBy:      "owner-uid-1",
		ExecutedAt:      executedAt,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ops_notes/n1", stored.ResourcePointer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExecutionReplayReturnsStoredRow(t *testing.T) {
	store, mock := newMockStore(t)
	executedAt := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	// DO NOTHING fired: zero rows affected means the key was already
	// claimed, and the original row comes back.
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (proposal_id, idempotency_key) DO NOTHING")).
		WithArgs("prop-1", "pilot-key-01", sqlmock.AnyArg(), "ops_notes/second-attempt", "someone-else", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM execution_records WHERE proposal_id = $1 AND idempotency_key = $2")).
		WithArgs("prop-1", "pilot-key-01").
		WillReturnRows(sqlmock.NewRows([]string{
			"proposal_id", "idempotency_key", "output", "resource_pointer", "executed_by", "executed_at", "rollback_record",
		}).AddRow("prop-1", "pilot-key-01", []byte(`{"ok":true}`), "ops_notes/n1", "owner-uid-1", executedAt, nil))

	stored, created, err := store.CreateExecution(context.Background(), &contracts.ExecutionRecord{
		ProposalID:      "prop-1",
		IdempotencyKey:  "pilot-key-01",
		ResourcePointer: "ops_notes/second-attempt",
		ExecutedBy:      "someone-else",
		ExecutedAt:      executedAt.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ops_notes/n1", stored.ResourcePointer)
	assert.Equal(t, "owner-uid-1", stored.ExecutedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttachRollbackMissingRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE execution_records SET rollback_record = $1")).
		WithArgs(sqlmock.AnyArg(), "prop-1", "wrong-key").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AttachRollback(context.Background(), "prop-1", "wrong-key", &contracts.RollbackRecord{
		ProposalID:     "prop-1",
		IdempotencyKey: "wrong-key",
		Reason:         "Rollback requested after duplicate note.",
	})
	assert.ErrorIs(t, err, contracts.ErrExecutionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
