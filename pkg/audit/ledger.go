// Package audit implements the append-only decision ledger. Every
// authorization decision and every proposal state transition produces
// exactly one entry; entries are hash-chained and never mutated or
// deleted. No secret material or raw external payloads are stored, only
// identifiers, outcome and a reason code.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Outcome is the result a ledger entry records.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeDenied Outcome = "denied"
	OutcomeError  Outcome = "error"
)

// Entry is a single immutable ledger record.
type Entry struct {
	EntryID        string    `json:"entry_id"`
	Sequence       uint64    `json:"sequence"`
	Actor          string    `json:"actor"`
	Principal      string    `json:"principal,omitempty"`
	ProposalID     string    `json:"proposal_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Action         string    `json:"action"`
	Outcome        Outcome   `json:"outcome"`
	ReasonCode     string    `json:"reason_code,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	PrevHash       string    `json:"prev_hash"`
	EntryHash      string    `json:"entry_hash"`
}

// Record is the caller-supplied portion of an entry.
type Record struct {
	Actor          string
	Principal      string
	ProposalID     string
	IdempotencyKey string
	Action         string
	Outcome        Outcome
	ReasonCode     string
	RequestID      string
}

// Filter selects entries on query. Empty fields match everything.
type Filter struct {
	ActionPrefix string
	Actor        string
	ProposalID   string
	Outcome      Outcome
	MaxResults   int
}

// Matches reports whether e satisfies the filter.
func (f Filter) Matches(e *Entry) bool {
	if f.ActionPrefix != "" && !strings.HasPrefix(e.Action, f.ActionPrefix) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.ProposalID != "" && e.ProposalID != f.ProposalID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	return true
}

// Ledger is the append-only store contract. Append must be atomic with
// respect to the chain head; Query never observes partial writes.
type Ledger interface {
	Append(ctx context.Context, rec Record) (*Entry, error)
	Query(ctx context.Context, f Filter) ([]*Entry, error)
	Verify(ctx context.Context) error
}

// chainGenesis anchors the first entry of every ledger.
const chainGenesis = "genesis"

// buildEntry stamps a record into a chained entry. The caller supplies
// the sequence and previous hash under its own serialization.
func buildEntry(rec Record, seq uint64, prevHash string, now time.Time) (*Entry, error) {
	e := &Entry{
		EntryID:        uuid.New().String(),
		Sequence:       seq,
		Actor:          rec.Actor,
		Principal:      rec.Principal,
		ProposalID:     rec.ProposalID,
		IdempotencyKey: rec.IdempotencyKey,
		Action:         rec.Action,
		Outcome:        rec.Outcome,
		ReasonCode:     rec.ReasonCode,
		RequestID:      rec.RequestID,
		Timestamp:      now.UTC(),
		PrevHash:       prevHash,
	}
	h, err := entryHash(e)
	if err != nil {
		return nil, err
	}
	e.EntryHash = h
	return e, nil
}

// entryHash computes the chained hash over the entry's immutable fields.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence       uint64    `json:"sequence"`
		Actor          string    `json:"actor"`
		Principal      string    `json:"principal"`
		ProposalID     string    `json:"proposal_id"`
		IdempotencyKey string    `json:"idempotency_key"`
		Action         string    `json:"action"`
		Outcome        Outcome   `json:"outcome"`
		ReasonCode     string    `json:"reason_code"`
		RequestID      string    `json:"request_id"`
		Timestamp      time.Time `json:"timestamp"`
		PrevHash       string    `json:"prev_hash"`
	}{
		Sequence:       e.Sequence,
		Actor:          e.Actor,
		Principal:      e.Principal,
		ProposalID:     e.ProposalID,
		IdempotencyKey: e.IdempotencyKey,
		Action:         e.Action,
		Outcome:        e.Outcome,
		ReasonCode:     e.ReasonCode,
		RequestID:      e.RequestID,
		Timestamp:      e.Timestamp,
		PrevHash:       e.PrevHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// verifyEntries walks a full entry sequence and checks the chain.
func verifyEntries(entries []*Entry) error {
	prev := chainGenesis
	for _, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash mismatch", ErrChainBroken, e.Sequence)
		}
		recomputed, err := entryHash(e)
		if err != nil {
			return err
		}
		if recomputed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}
