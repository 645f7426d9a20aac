// Package connector defines the uniform contract over heterogeneous
// external integrations and the guard that makes calling them safe:
// error classification, circuit breaking, deadlines and bounded retries.
package connector

import (
	"context"
	"time"
)

// Intent declares whether a call may mutate the target system.
type Intent string

const (
	IntentRead  Intent = "read"
	IntentWrite Intent = "write"
)

// Request is the uniform execute payload handed to a connector.
type Request struct {
	Intent    Intent         `json:"intent"`
	Operation string         `json:"operation"`
	Input     map[string]any `json:"input,omitempty"`
}

// Health is the result of a connector health probe.
type Health struct {
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency_ms"`
	RequestID string        `json:"request_id"`
	Detail    string        `json:"detail,omitempty"`
}

// ReadResult is the canonical connector response. Hashes are content
// fingerprints of the request and response used for audit correlation;
// raw payloads never leave the connector boundary unhashed.
type ReadResult struct {
	OK         bool           `json:"ok"`
	Latency    time.Duration  `json:"latency_ms"`
	RequestID  string         `json:"request_id"`
	InputHash  string         `json:"input_hash,omitempty"`
	OutputHash string         `json:"output_hash,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Connector is the uniform adapter over one external integration.
// Implementations are stateless apart from the breaker that guards them.
type Connector interface {
	// ID returns the stable connector identity.
	ID() string
	// Target names the external system this connector fronts.
	Target() string
	// ProtocolVersion reports the wire protocol the adapter speaks.
	ProtocolVersion() string
	// ReadOnly reports whether write intents must be refused.
	ReadOnly() bool

	Health(ctx context.Context) (*Health, error)
	ReadStatus(ctx context.Context, input map[string]any) (*ReadResult, error)
	Execute(ctx context.Context, req *Request) (*ReadResult, error)
}
