// Package api exposes the control plane as a thin HTTP boundary. All
// enforcement lives in the service layer; handlers translate transport
// concerns and error taxonomy only.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/connector"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/delegation"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format. No stack traces, tokens or
// secret values ever appear in one.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Code     string `json:"code,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, code, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://portal.monsoonfire.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Code:     code,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteDomainError maps the error taxonomy onto HTTP statuses.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var denial *delegation.DenialError
	if errors.As(err, &denial) {
		WriteError(w, r, http.StatusForbidden, "authorization denied", denial.Reason, "")
		return
	}

	var conflict *contracts.StateConflictError
	if errors.As(err, &conflict) {
		WriteError(w, r, http.StatusConflict, "state conflict", "STATE_CONFLICT", conflict.Error())
		return
	}

	var validation *contracts.ValidationError
	if errors.As(err, &validation) {
		WriteError(w, r, http.StatusBadRequest, "validation failed", "VALIDATION", validation.Error())
		return
	}

	var connErr *connector.Error
	if errors.As(err, &connErr) {
		status := http.StatusBadGateway
		switch connErr.Kind {
		case connector.KindTimeout:
			status = http.StatusGatewayTimeout
		case connector.KindReadOnlyViolation:
			status = http.StatusConflict
		case connector.KindAuth:
			status = http.StatusBadGateway
		}
		WriteError(w, r, status, "connector failure", string(connErr.Kind), connErr.Error())
		return
	}

	if errors.Is(err, contracts.ErrProposalNotFound) || errors.Is(err, contracts.ErrExecutionNotFound) {
		WriteError(w, r, http.StatusNotFound, "not found", "NOT_FOUND", err.Error())
		return
	}

	WriteError(w, r, http.StatusInternalServerError, "internal error", "INTERNAL", "the operation could not be completed")
}
