// Package capabilities defines the registry of named mutating actions an
// agent may request. Definitions are registered at startup and immutable
// at runtime; every request payload is validated against the
// capability's schema at the registry boundary rather than flowing
// through the system as an untyped map.
package capabilities

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is what a capability execution returns. ResourcePointer
// identifies the resource the execution created, so rollback can find it.
type Result struct {
	Output          map[string]any `json:"output,omitempty"`
	ResourcePointer string         `json:"resource_pointer,omitempty"`
}

// Preview is the projection a dry run returns. Producing one must not
// cause side effects or consume an idempotency key.
type Preview struct {
	ProjectedEffects []string       `json:"projected_effects,omitempty"`
	Summary          map[string]any `json:"summary,omitempty"`
}

// Handler is the runtime implementation of one capability.
type Handler interface {
	Execute(ctx context.Context, input map[string]any, idempotencyKey string) (*Result, error)
	DryRun(ctx context.Context, input map[string]any) (*Preview, error)
	Rollback(ctx context.Context, resourcePointer, reason string) error
}

// Definition binds a capability ID to its required scope and handler.
type Definition struct {
	ID                  string
	Description         string
	RequiredScope       string
	SelfApprovalAllowed bool
	InputSchema         string // JSON Schema; empty means any object

	Handler Handler

	compiled *jsonschema.Schema
}

// Registry maps capability IDs to definitions. Populated at startup;
// lookups are concurrent-safe and registration after startup is refused
// once Seal is called.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	sealed bool
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores a definition. The input schema is
// compiled once here so per-request validation is cheap.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("capability id required")
	}
	if def.RequiredScope == "" {
		return fmt.Errorf("capability %s: required scope missing", def.ID)
	}
	if def.Handler == nil {
		return fmt.Errorf("capability %s: handler missing", def.ID)
	}
	if def.InputSchema != "" {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.ID+".schema.json", strings.NewReader(def.InputSchema)); err != nil {
			return fmt.Errorf("capability %s: schema: %w", def.ID, err)
		}
		compiled, err := compiler.Compile(def.ID + ".schema.json")
		if err != nil {
			return fmt.Errorf("capability %s: schema compile: %w", def.ID, err)
		}
		def.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry is sealed; capabilities register at startup only")
	}
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("capability %q already registered", def.ID)
	}
	r.defs[def.ID] = &def
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the definition for a capability ID.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// ValidateInput checks a request payload against the capability's schema.
func (r *Registry) ValidateInput(id string, input map[string]any) error {
	def, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("capability %q not registered", id)
	}
	if def.compiled == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := def.compiled.Validate(anyMap(input)); err != nil {
		return fmt.Errorf("capability %s: input rejected: %w", id, err)
	}
	return nil
}

// IDs lists registered capability IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	return ids
}

// anyMap converts to the generic shape the schema validator expects.
func anyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
