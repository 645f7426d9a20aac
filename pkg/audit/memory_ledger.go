package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is the in-process Ledger. Appends are serialized under one
// mutex so the chain head is never raced.
type MemoryLedger struct {
	mu        sync.RWMutex
	entries   []*Entry
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{chainHead: chainGenesis, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// Append adds one immutable entry to the ledger.
func (l *MemoryLedger) Append(ctx context.Context, rec Record) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := buildEntry(rec, l.sequence+1, l.chainHead, l.clock())
	if err != nil {
		return nil, err
	}
	l.sequence++
	l.chainHead = entry.EntryHash
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Query returns entries matching the filter in append order.
func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range l.entries {
		if !f.Matches(e) {
			continue
		}
		results = append(results, e)
		if f.MaxResults > 0 && len(results) >= f.MaxResults {
			break
		}
	}
	return results, nil
}

// Verify walks the full chain and checks every link.
func (l *MemoryLedger) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEntries(l.entries)
}

// Len returns the number of entries appended so far.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
