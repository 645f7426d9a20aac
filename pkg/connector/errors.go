package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies every error before it leaves the connector
// boundary. Retryability is a property of the kind, not the caller.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "TIMEOUT"
	KindAuth              ErrorKind = "AUTH"
	KindUnavailable       ErrorKind = "UNAVAILABLE"
	KindBadResponse       ErrorKind = "BAD_RESPONSE"
	KindReadOnlyViolation ErrorKind = "READ_ONLY_VIOLATION"
	KindUnknown           ErrorKind = "UNKNOWN"
)

// Retryable reports whether callers may retry an error of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindUnavailable
}

// Error is the classified connector error.
type Error struct {
	Kind        ErrorKind
	ConnectorID string
	Message     string
	cause       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("connector %s: %s: %s", e.ConnectorID, e.Kind, e.Message)
	}
	return fmt.Sprintf("connector %s: %s", e.ConnectorID, e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a classified error for a connector.
func NewError(kind ErrorKind, connectorID, message string) *Error {
	return &Error{Kind: kind, ConnectorID: connectorID, Message: message}
}

// KindOf extracts the classification from err, defaulting to UNKNOWN.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Classify maps an arbitrary error raised inside a connector into the
// uniform taxonomy. Already-classified errors pass through unchanged.
func Classify(connectorID string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, ConnectorID: connectorID, Message: "deadline exceeded", cause: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, ConnectorID: connectorID, Message: "call canceled", cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, ConnectorID: connectorID, Message: err.Error(), cause: err}
		}
		return &Error{Kind: KindUnavailable, ConnectorID: connectorID, Message: err.Error(), cause: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "status 5"),
		strings.Contains(msg, "service unavailable"):
		return &Error{Kind: KindUnavailable, ConnectorID: connectorID, Message: err.Error(), cause: err}
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "status 401"), strings.Contains(msg, "status 403"):
		return &Error{Kind: KindAuth, ConnectorID: connectorID, Message: err.Error(), cause: err}
	}

	return &Error{Kind: KindUnknown, ConnectorID: connectorID, Message: err.Error(), cause: err}
}
