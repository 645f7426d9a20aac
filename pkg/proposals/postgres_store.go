package proposals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
)

// PostgresStore is the durable Store for multi-process deployments. The
// conditional UPDATE carries the compare-and-swap and ON CONFLICT DO
// NOTHING carries the at-most-once execution insert, so both guards hold
// across processes.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore migrates the schema and returns the store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreUnmigrated skips migration, for callers that manage the
// schema externally (and for sqlmock-backed tests).
func NewPostgresStoreUnmigrated(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) migrate() error {
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
		request_input JSONB,
		expected_effects JSONB,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		approved_by TEXT DEFAULT '',
		approval_rationale TEXT DEFAULT '',
		rejected_by TEXT DEFAULT '',
		rejection_reason TEXT DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS execution_records (
		proposal_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		output JSONB,
		resource_pointer TEXT DEFAULT '',
		executed_by TEXT DEFAULT '',
		executed_at TIMESTAMPTZ NOT NULL,
		rollback_record JSONB,
		PRIMARY KEY (proposal_id, idempotency_key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateProposal inserts a new proposal row.
func (s *PostgresStore) CreateProposal(ctx context.Context, p *contracts.Proposal) error {
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.CapabilityID, string(p.ActorType), p.ActorID, p.OwnerUID, p.TenantID,
		p.Rationale, p.PreviewSummary, string(inputJSON), string(effectsJSON),
		string(p.Status), p.CreatedBy, p.CreatedAt, p.UpdatedAt,
		p.ApprovedBy, p.ApprovalRationale, p.RejectedBy, p.RejectionReason,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// GetProposal returns the proposal with the given ID.
func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*contracts.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, actor_type, actor_id, owner_uid, tenant_id,
		       rationale, preview_summary, request_input, expected_effects,
		       status, created_by, created_at, updated_at,
		       approved_by, approval_rationale, rejected_by, rejection_reason
		FROM proposals WHERE id = $1`, id)
	return scanPgProposal(row)
}

// ListProposals returns proposals newest first.
func (s *PostgresStore) ListProposals(ctx context.Context, limit int) ([]*contracts.Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability_id, actor_type, actor_id, owner_uid, tenant_id,
		       rationale, preview_summary, request_input, expected_effects,
		       status, created_by, created_at, updated_at,
		       approved_by, approval_rationale, rejected_by, rejection_reason
		FROM proposals ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Proposal
	for rows.Next() {
		p, err := scanPgProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompareAndSwapStatus writes the transition only when status still
// matches expect.
func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, expect, next contracts.ProposalStatus, update StatusUpdate) (*contracts.Proposal, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET
			status = $1,
			updated_at = $2,
			approved_by = CASE WHEN $3 != '' THEN $3 ELSE approved_by END,
			approval_rationale = CASE WHEN $4 != '' THEN $4 ELSE approval_rationale END,
			rejected_by = CASE WHEN $5 != '' THEN $5 ELSE rejected_by END,
			rejection_reason = CASE WHEN $6 != '' THEN $6 ELSE rejection_reason END
		WHERE id = $7 AND status = $8`,
		string(next), s.clock().UTC(),
		update.ApprovedBy, update.ApprovalRationale,
		update.RejectedBy, update.RejectionReason,
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
		if _, getErr := s.GetProposal(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusChanged
	}
	return s.GetProposal(ctx, id)
}

// GetExecution returns the execution record for the composite key.
func (s *PostgresStore) GetExecution(ctx context.Context, proposalID, idempotencyKey string) (*contracts.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT proposal_id, idempotency_key, output, resource_pointer, executed_by, executed_at, rollback_record
		FROM execution_records WHERE proposal_id = $1 AND idempotency_key = $2`,
		proposalID, idempotencyKey)
	return scanPgExecution(row)
}

// CreateExecution inserts the record; ON CONFLICT DO NOTHING makes the
// insert the atomic claim, and RowsAffected tells a win from a replay.
func (s *PostgresStore) CreateExecution(ctx context.Context, rec *contracts.ExecutionRecord) (*contracts.ExecutionRecord, bool, error) {
	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return nil, false, fmt.Errorf("marshal output: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (proposal_id, idempotency_key, output, resource_pointer, executed_by, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (proposal_id, idempotency_key) DO NOTHING`,
		rec.ProposalID, rec.IdempotencyKey, string(outputJSON), rec.ResourcePointer,
		rec.ExecutedBy, rec.ExecutedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert execution record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := s.GetExecution(ctx, rec.ProposalID, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 1, nil
}

// AttachRollback stamps the rollback marker on the stored record.
func (s *PostgresStore) AttachRollback(ctx context.Context, proposalID, idempotencyKey string, rb *contracts.RollbackRecord) error {
	rbJSON, err := json.Marshal(rb)
	if err != nil {
		return fmt.Errorf("marshal rollback record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_records SET rollback_record = $1
		WHERE proposal_id = $2 AND idempotency_key = $3`,
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

func scanPgProposal(row rowScanner) (*contracts.Proposal, error) {
	var p contracts.Proposal
	var actorType, status string
	var inputJSON, effectsJSON []byte
	err := row.Scan(
		&p.ID, &p.CapabilityID, &actorType, &p.ActorID, &p.OwnerUID, &p.TenantID,
		&p.Rationale, &p.PreviewSummary, &inputJSON, &effectsJSON,
		&status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
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
	if len(inputJSON) > 0 && string(inputJSON) != "null" {
		if err := json.Unmarshal(inputJSON, &p.RequestInput); err != nil {
			return nil, fmt.Errorf("unmarshal request input: %w", err)
		}
	}
	if len(effectsJSON) > 0 && string(effectsJSON) != "null" {
		if err := json.Unmarshal(effectsJSON, &p.ExpectedEffects); err != nil {
			return nil, fmt.Errorf("unmarshal expected effects: %w", err)
		}
	}
	return &p, nil
}

func scanPgExecution(row rowScanner) (*contracts.ExecutionRecord, error) {
	var rec contracts.ExecutionRecord
	var outputJSON, rollbackJSON []byte
	err := row.Scan(&rec.ProposalID, &rec.IdempotencyKey, &outputJSON, &rec.ResourcePointer, &rec.ExecutedBy, &rec.ExecutedAt, &rollbackJSON)
	if err == sql.ErrNoRows {
		return nil, contracts.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(outputJSON) > 0 && string(outputJSON) != "null" {
		if err := json.Unmarshal(outputJSON, &rec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if len(rollbackJSON) > 0 && string(rollbackJSON) != "null" {
		var rb contracts.RollbackRecord
		if err := json.Unmarshal(rollbackJSON, &rb); err != nil {
			return nil, fmt.Errorf("unmarshal rollback record: %w", err)
		}
		rec.Rollback = &rb
	}
	return &rec, nil
}
