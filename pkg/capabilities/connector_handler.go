package capabilities

import (
	"context"
	"fmt"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/connector"
)

// ConnectorExecHandler backs a capability with a guarded connector call.
// Execute performs the write intent, DryRun reads current state, and
// Rollback issues the configured compensating operation.
type ConnectorExecHandler struct {
	registry     *connector.Registry
	connectorID  string
	operation    string
	compensateOp string
}

// NewConnectorExecHandler creates a handler that drives the named
// connector operation. compensateOp may be empty when the operation has
// no connector-side compensation.
func NewConnectorExecHandler(registry *connector.Registry, connectorID, operation, compensateOp string) *ConnectorExecHandler {
	return &ConnectorExecHandler{
		registry:     registry,
		connectorID:  connectorID,
		operation:    operation,
		compensateOp: compensateOp,
	}
}

func (h *ConnectorExecHandler) guard() (*connector.Guard, error) {
	g, ok := h.registry.Get(h.connectorID)
	if !ok {
		return nil, fmt.Errorf("connector %q not registered", h.connectorID)
	}
	return g, nil
}

// Execute performs the write through the connector guard.
func (h *ConnectorExecHandler) Execute(ctx context.Context, input map[string]any, idempotencyKey string) (*Result, error) {
	g, err := h.guard()
	if err != nil {
		return nil, err
	}
	res, err := g.Execute(ctx, &connector.Request{
		Intent:    connector.IntentWrite,
		Operation: h.operation,
		Input:     input,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{
			"ok":          res.OK,
			"request_id":  res.RequestID,
			"input_hash":  res.InputHash,
			"output_hash": res.OutputHash,
		},
		ResourcePointer: fmt.Sprintf("connectors/%s/requests/%s", h.connectorID, res.RequestID),
	}, nil
}

// DryRun reads current state from the connector; no write intent is sent.
func (h *ConnectorExecHandler) DryRun(ctx context.Context, input map[string]any) (*Preview, error) {
	g, err := h.guard()
	if err != nil {
		return nil, err
	}
	res, err := g.ReadStatus(ctx, input)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ProjectedEffects: []string{fmt.Sprintf("apply %q via connector %s", h.operation, h.connectorID)},
		Summary: map[string]any{
			"current_state_hash": res.OutputHash,
			"request_id":         res.RequestID,
		},
	}, nil
}

// Rollback sends the compensating operation when one is configured.
func (h *ConnectorExecHandler) Rollback(ctx context.Context, resourcePointer, reason string) error {
	if h.compensateOp == "" {
		return nil
	}
	g, err := h.guard()
	if err != nil {
		return err
	}
	_, err = g.Execute(ctx, &connector.Request{
		Intent:    connector.IntentWrite,
		Operation: h.compensateOp,
		Input: map[string]any{
			"resource_pointer": resourcePointer,
			"reason":           reason,
		},
	})
	return err
}
