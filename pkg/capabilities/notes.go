package capabilities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoteNotFound is returned when a resource pointer resolves to nothing.
var ErrNoteNotFound = errors.New("ops note not found")

// OpsNote is one appended operations note. The document store backing
// production deployments holds the same shape; the in-memory store here
// is the reference implementation used by the pilot path and tests.
type OpsNote struct {
	Path           string    `json:"path"`
	OwnerUID       string    `json:"owner_uid,omitempty"`
	Text           string    `json:"text"`
	AppendedBy     string    `json:"appended_by,omitempty"`
	AppendedAt     time.Time `json:"appended_at"`
	RolledBack     bool      `json:"rolled_back"`
	RollbackReason string    `json:"rollback_reason,omitempty"`
	RolledBackAt   time.Time `json:"rolled_back_at,omitempty"`
}

// NoteStore holds appended ops notes keyed by path.
type NoteStore struct {
	mu    sync.RWMutex
	notes map[string]*OpsNote
	clock func() time.Time
}

// NewNoteStore creates an empty note store.
func NewNoteStore() *NoteStore {
	return &NoteStore{notes: make(map[string]*OpsNote), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *NoteStore) WithClock(clock func() time.Time) *NoteStore {
	s.clock = clock
	return s
}

// Append stores a new note and returns its path.
func (s *NoteStore) Append(ownerUID, appendedBy, text string) *OpsNote {
	s.mu.Lock()
	defer s.mu.Unlock()

	note := &OpsNote{
		Path:       "ops_notes/" + uuid.New().String(),
		OwnerUID:   ownerUID,
		Text:       text,
		AppendedBy: appendedBy,
		AppendedAt: s.clock().UTC(),
	}
	s.notes[note.Path] = note
	return note
}

// Get returns the note at path.
func (s *NoteStore) Get(path string) (*OpsNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	note, ok := s.notes[path]
	if !ok {
		return nil, ErrNoteNotFound
	}
	copied := *note
	return &copied, nil
}

// MarkRolledBack stamps the rollback marker on the note at path.
func (s *NoteStore) MarkRolledBack(path, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[path]
	if !ok {
		return ErrNoteNotFound
	}
	note.RolledBack = true
	note.RollbackReason = reason
	note.RolledBackAt = s.clock().UTC()
	return nil
}

// NoteAppendHandler implements the ops-note append capability: the pilot
// verification path for the approval pipeline.
type NoteAppendHandler struct {
	store *NoteStore
}

// NewNoteAppendHandler creates the handler over the given store.
func NewNoteAppendHandler(store *NoteStore) *NoteAppendHandler {
	return &NoteAppendHandler{store: store}
}

// Store exposes the backing note store for verification.
func (h *NoteAppendHandler) Store() *NoteStore { return h.store }

// NoteAppendSchema constrains the capability input.
const NoteAppendSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string", "minLength": 1},
		"owner_uid": {"type": "string"}
	},
	"required": ["text"],
	"additionalProperties": false
}`

// Execute appends the note. The resource pointer is the stored note path.
func (h *NoteAppendHandler) Execute(ctx context.Context, input map[string]any, idempotencyKey string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, _ := input["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("note text required")
	}
	owner, _ := input["owner_uid"].(string)

	note := h.store.Append(owner, idempotencyKey, text)
	return &Result{
		Output: map[string]any{
			"ok":          true,
			"note_path":   note.Path,
			"appended_at": note.AppendedAt,
		},
		ResourcePointer: note.Path,
	}, nil
}

// DryRun projects the append without touching the store.
func (h *NoteAppendHandler) DryRun(ctx context.Context, input map[string]any) (*Preview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, _ := input["text"].(string)
	return &Preview{
		ProjectedEffects: []string{"append one ops note"},
		Summary: map[string]any{
			"would_append": strings.TrimSpace(text) != "",
			"text_length":  len(text),
		},
	}, nil
}

// Rollback marks the created note with a rollback marker. The note is
// retained; compensation never deletes.
func (h *NoteAppendHandler) Rollback(ctx context.Context, resourcePointer, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.store.MarkRolledBack(resourcePointer, reason)
}
