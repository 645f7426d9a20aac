package proposals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
)

// SQLiteStore persists proposals and execution records in SQLite. The
// compare-and-swap guard is the conditional UPDATE itself; the
// at-most-once execution insert rides on the composite primary key.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		capability_id TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		owner_uid TEXT,
		tenant_id TEXT,
		rationale TEXT NOT NULL,
		preview_summary TEXT,
		request_input JSON,
		expected_effects JSON,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		approved_by TEXT,
		approval_rationale TEXT,
		rejected_by TEXT,
		rejection_reason TEXT
	);
	CREATE TABLE IF NOT EXISTS execution_records (
		proposal_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		output JSON,
		resource_pointer TEXT,
		executed_by TEXT,
		executed_at DATETIME NOT NULL,
		rollback_record JSON,
		PRIMARY KEY (proposal_id, idempotency_key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateProposal inserts a new proposal row.
func (s *SQLiteStore) CreateProposal(ctx context.Context, p *contracts.Proposal) error {
	inputJSON, err := json.Marshal(p.RequestInput)
	if err != nil {
		return fmt.Errorf("marshal request input: %w", err)
	}
	effectsJSON, err := json.Marshal(p.ExpectedEffects)
	if err != nil {
		return fmt.Errorf("marshal expected effects: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (
			id, capability_id, actor_type, actor_id, owner_uid, tenant_id,
			rationale, preview_summary, request_input, expected_effects,
			status, created_by, created_at, updated_at,
			approved_by, approval_rationale, rejected_by, rejection_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CapabilityID, string(p.ActorType), p.ActorID, p.OwnerUID, p.TenantID,
		p.Rationale, p.PreviewSummary, string(inputJSON), string(effectsJSON),
		string(p.Status), p.CreatedBy, p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
		p.ApprovedBy, p.ApprovalRationale, p.RejectedBy, p.RejectionReason,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

const proposalColumns = `
	id, capability_id, actor_type, actor_id, owner_uid, tenant_id,
	rationale, preview_summary, request_input, expected_effects,
	status, created_by, created_at, updated_at,
	approved_by, approval_rationale, rejected_by, rejection_reason`

// GetProposal returns the proposal with the given ID.
func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*contracts.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	return scanProposal(row)
}

// ListProposals returns proposals newest first.
func (s *SQLiteStore) ListProposals(ctx context.Context, limit int) ([]*contracts.Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompareAndSwapStatus writes the transition only when the stored status
// still matches expect; RowsAffected distinguishes a lost race from a
// missing row.
func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, expect, next contracts.ProposalStatus, update StatusUpdate) (*contracts.Proposal, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET
			status = ?,
			updated_at = ?,
			approved_by = CASE WHEN ? != '' THEN ? ELSE approved_by END,
			approval_rationale = CASE WHEN ? != '' THEN ? ELSE approval_rationale END,
			rejected_by = CASE WHEN ? != '' THEN ? ELSE rejected_by END,
			rejection_reason = CASE WHEN ? != '' THEN ? ELSE rejection_reason END
		WHERE id = ? AND status = ?`,
		string(next), s.clock().UTC().Format(time.RFC3339Nano),
		update.ApprovedBy, update.ApprovedBy,
		update.ApprovalRationale, update.ApprovalRationale,
		update.RejectedBy, update.RejectedBy,
		update.RejectionReason, update.RejectionReason,
		id, string(expect),
	)
	if err != nil {
		return nil, fmt.Errorf("cas status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish a lost race from a missing proposal.
		if _, getErr := s.GetProposal(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusChanged
	}
	return s.GetProposal(ctx, id)
}

// GetExecution returns the execution record for the composite key.
func (s *SQLiteStore) GetExecution(ctx context.Context, proposalID, idempotencyKey string) (*contracts.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT proposal_id, idempotency_key, output, resource_pointer, executed_by, executed_at, rollback_record
		FROM execution_records WHERE proposal_id = ? AND idempotency_key = ?`,
		proposalID, idempotencyKey)
	return scanExecution(row)
}

// CreateExecution inserts the record; the composite primary key makes the
// insert the atomic claim on (proposal, key).
func (s *SQLiteStore) CreateExecution(ctx context.Context, rec *contracts.ExecutionRecord) (*contracts.ExecutionRecord, bool, error) {
	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return nil, false, fmt.Errorf("marshal output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_records (proposal_id, idempotency_key, output, resource_pointer, executed_by, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ProposalID, rec.IdempotencyKey, string(outputJSON), rec.ResourcePointer,
		rec.ExecutedBy, rec.ExecutedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetExecution(ctx, rec.ProposalID, rec.IdempotencyKey)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert execution record: %w", err)
	}

	stored, err := s.GetExecution(ctx, rec.ProposalID, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// AttachRollback stamps the rollback marker on the stored record.
func (s *SQLiteStore) AttachRollback(ctx context.Context, proposalID, idempotencyKey string, rb *contracts.RollbackRecord) error {
	rbJSON, err := json.Marshal(rb)
	if err != nil {
		return fmt.Errorf("marshal rollback record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_records SET rollback_record = ?
		WHERE proposal_id = ? AND idempotency_key = ?`,
		string(rbJSON), proposalID, idempotencyKey)
	if err != nil {
		return fmt.Errorf("attach rollback: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return contracts.ErrExecutionNotFound
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*contracts.Proposal, error) {
	var p contracts.Proposal
	var actorType, status, inputJSON, effectsJSON, createdAt, updatedAt string
	err := row.Scan(
		&p.ID, &p.CapabilityID, &actorType, &p.ActorID, &p.OwnerUID, &p.TenantID,
		&p.Rationale, &p.PreviewSummary, &inputJSON, &effectsJSON,
		&status, &p.CreatedBy, &createdAt, &updatedAt,
		&p.ApprovedBy, &p.ApprovalRationale, &p.RejectedBy, &p.RejectionReason,
	)
	if err == sql.ErrNoRows {
		return nil, contracts.ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ActorType = contracts.ActorType(actorType)
	p.Status = contracts.ProposalStatus(status)
	if inputJSON != "" && inputJSON != "null" {
		if err := json.Unmarshal([]byte(inputJSON), &p.RequestInput); err != nil {
			return nil, fmt.Errorf("unmarshal request input: %w", err)
		}
	}
	if effectsJSON != "" && effectsJSON != "null" {
		if err := json.Unmarshal([]byte(effectsJSON), &p.ExpectedEffects); err != nil {
			return nil, fmt.Errorf("unmarshal expected effects: %w", err)
		}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

func scanExecution(row rowScanner) (*contracts.ExecutionRecord, error) {
	var rec contracts.ExecutionRecord
	var outputJSON, executedAt string
	var rollbackJSON sql.NullString
	err := row.Scan(&rec.ProposalID, &rec.IdempotencyKey, &outputJSON, &rec.ResourcePointer, &rec.ExecutedBy, &executedAt, &rollbackJSON)
	if err == sql.ErrNoRows {
		return nil, contracts.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	if outputJSON != "" && outputJSON != "null" {
		if err := json.Unmarshal([]byte(outputJSON), &rec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if rollbackJSON.Valid && rollbackJSON.String != "" {
		var rb contracts.RollbackRecord
		if err := json.Unmarshal([]byte(rollbackJSON.String), &rb); err != nil {
			return nil, fmt.Errorf("unmarshal rollback record: %w", err)
		}
		rec.Rollback = &rb
	}
	if rec.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
		return nil, fmt.Errorf("parse executed_at: %w", err)
	}
	return &rec, nil
}

// isUniqueViolation detects the composite-key conflict on insert.
// Only unique/primary-key violations count: NOT NULL or CHECK failures
// must surface as errors, not read as an idempotent replay.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY and SQLITE_CONSTRAINT_UNIQUE.
		return serr.Code() == 1555 || serr.Code() == 2067
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
