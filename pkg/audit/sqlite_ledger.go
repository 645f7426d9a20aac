package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger persists the ledger in SQLite. The chain head is cached in
// memory and appends are serialized under a mutex; SQLite itself rejects
// concurrent writers, so this also keeps sequence allocation race-free.
type SQLiteLedger struct {
	mu        sync.Mutex
	db        *sql.DB
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

// NewSQLiteLedger migrates the schema and loads the current chain head.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, chainHead: chainGenesis, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	if err := l.loadHead(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL UNIQUE,
		actor TEXT NOT NULL,
		principal TEXT,
		proposal_id TEXT,
		idempotency_key TEXT,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason_code TEXT,
		request_id TEXT,
		timestamp DATETIME NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLedger) loadHead() error {
	row := l.db.QueryRow(`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); err {
	case nil:
		l.sequence = seq
		l.chainHead = head
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("load chain head: %w", err)
	}
}

// Append adds one immutable entry and advances the chain head.
func (l *SQLiteLedger) Append(ctx context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := buildEntry(rec, l.sequence+1, l.chainHead, l.clock())
	if err != nil {
		return nil, err
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			entry_id, sequence, actor, principal, proposal_id, idempotency_key,
			action, outcome, reason_code, request_id, timestamp, prev_hash, entry_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.Sequence, entry.Actor, entry.Principal, entry.ProposalID,
		entry.IdempotencyKey, entry.Action, string(entry.Outcome), entry.ReasonCode,
		entry.RequestID, entry.Timestamp.Format(time.RFC3339Nano), entry.PrevHash, entry.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	l.sequence = entry.Sequence
	l.chainHead = entry.EntryHash
	return entry, nil
}

// Query returns entries matching the filter in append order.
func (l *SQLiteLedger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
		SELECT entry_id, sequence, actor, principal, proposal_id, idempotency_key,
		       action, outcome, reason_code, request_id, timestamp, prev_hash, entry_hash
		FROM audit_entries ORDER BY sequence ASC`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	results := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !f.Matches(e) {
			continue
		}
		results = append(results, e)
		if f.MaxResults > 0 && len(results) >= f.MaxResults {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Verify reads the full chain back and checks every link.
func (l *SQLiteLedger) Verify(ctx context.Context) error {
	entries, err := l.Query(ctx, Filter{})
	if err != nil {
		return err
	}
	return verifyEntries(entries)
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var outcome, ts string
	if err := rows.Scan(
		&e.EntryID, &e.Sequence, &e.Actor, &e.Principal, &e.ProposalID, &e.IdempotencyKey,
		&e.Action, &outcome, &e.ReasonCode, &e.RequestID, &ts, &e.PrevHash, &e.EntryHash,
	); err != nil {
		return nil, err
	}
	e.Outcome = Outcome(outcome)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse entry timestamp: %w", err)
	}
	e.Timestamp = parsed
	return &e, nil
}
