package connector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedConnector is an in-process connector used by the pilot
// capability path and by tests. It mimics a small device fleet; faults
// can be injected to exercise the guard.
type SimulatedConnector struct {
	mu       sync.Mutex
	id       string
	target   string
	readOnly bool
	devices  []map[string]any
	failWith error
}

// NewSimulatedConnector creates a simulated fleet connector.
func NewSimulatedConnector(id string, readOnly bool) *SimulatedConnector {
	return &SimulatedConnector{
		id:       id,
		target:   "simulated-fleet",
		readOnly: readOnly,
		devices: []map[string]any{
			{"online": true, "battery": 87.0, "label": "kiln-sensor-1"},
			{"online": false, "battery": 12.0, "label": "kiln-sensor-2"},
		},
	}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (c *SimulatedConnector) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

func (c *SimulatedConnector) ID() string              { return c.id }
func (c *SimulatedConnector) Target() string          { return c.target }
func (c *SimulatedConnector) ProtocolVersion() string { return "sim/1" }
func (c *SimulatedConnector) ReadOnly() bool          { return c.readOnly }

func (c *SimulatedConnector) Health(ctx context.Context) (*Health, error) {
	if err := c.pendingFault(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Health{OK: true, Latency: time.Millisecond, RequestID: uuid.New().String()}, nil
}

func (c *SimulatedConnector) ReadStatus(ctx context.Context, input map[string]any) (*ReadResult, error) {
	if err := c.pendingFault(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	raw := map[string]any{"devices": append([]map[string]any(nil), c.devices...)}
	c.mu.Unlock()

	devices, err := NormalizeDeviceList(c.id, anyify(raw))
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"devices": devices}
	return &ReadResult{
		OK:        true,
		Latency:   time.Millisecond,
		RequestID: uuid.New().String(),
		Payload:   payload,
	}, nil
}

func (c *SimulatedConnector) Execute(ctx context.Context, req *Request) (*ReadResult, error) {
	if req.Intent == IntentWrite && c.readOnly {
		return nil, NewError(KindReadOnlyViolation, c.id, "connector is read-only")
	}
	if req.Intent == IntentRead {
		return c.ReadStatus(ctx, req.Input)
	}
	if err := c.pendingFault(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ReadResult{
		OK:        true,
		Latency:   time.Millisecond,
		RequestID: uuid.New().String(),
		Payload:   map[string]any{"applied": req.Operation},
	}, nil
}

func (c *SimulatedConnector) pendingFault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failWith
}

// anyify rewrites the typed fixture into the generic shape JSON decoding
// produces, so normalization sees realistic input.
func anyify(raw map[string]any) map[string]any {
	devices := raw["devices"].([]map[string]any)
	generic := make([]any, 0, len(devices))
	for _, d := range devices {
		generic = append(generic, map[string]any(d))
	}
	return map[string]any{"devices": generic}
}
