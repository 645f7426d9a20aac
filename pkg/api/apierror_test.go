package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/api"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/connector"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/delegation"
)

func writeDomainError(t *testing.T, err error) (int, *api.ProblemDetail) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/capabilities/proposals/prop-1", nil)
	api.WriteDomainError(rec, req, err)

	res := rec.Result()
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, "application/problem+json", res.Header.Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(res.Body).Decode(&p))
	return res.StatusCode, &p
}

func TestWriteDomainError_StatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "denial maps to 403 with its reason code",
			err:        &delegation.DenialError{Reason: delegation.ReasonScopeMissing},
			wantStatus: http.StatusForbidden,
			wantCode:   "SCOPE_MISSING",
		},
		{
			name: "state conflict maps to 409",
			err: &contracts.StateConflictError{
				ProposalID: "prop-1",
				Current:    contracts.StatusExecuted,
				Wanted:     contracts.StatusApproved,
			},
			wantStatus: http.StatusConflict,
			wantCode:   "STATE_CONFLICT",
		},
		{
			name:       "validation maps to 400",
			err:        &contracts.ValidationError{Field: "rationale", Reason: "must not be blank"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
		{
			name:       "connector timeout maps to 504",
			err:        &connector.Error{Kind: connector.KindTimeout, ConnectorID: "fleet-api"},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   string(connector.KindTimeout),
		},
		{
			name:       "read-only violation maps to 409",
			err:        &connector.Error{Kind: connector.KindReadOnlyViolation, ConnectorID: "fleet-api"},
			wantStatus: http.StatusConflict,
			wantCode:   string(connector.KindReadOnlyViolation),
		},
		{
			name:       "other connector failures map to 502",
			err:        &connector.Error{Kind: connector.KindUnavailable, ConnectorID: "fleet-api"},
			wantStatus: http.StatusBadGateway,
			wantCode:   string(connector.KindUnavailable),
		},
		{
			name:       "missing proposal maps to 404",
			err:        fmt.Errorf("load: %w", contracts.ErrProposalNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "anything else maps to 500",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, problem := writeDomainError(t, tc.err)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantCode, problem.Code)
			assert.Equal(t, tc.wantStatus, problem.Status)
			assert.Equal(t, "/capabilities/proposals/prop-1", problem.Instance)
		})
	}
}

func TestWriteDomainError_NeverLeaksInternalDetail(t *testing.T) {
	_, problem := writeDomainError(t, errors.New("pq: password authentication failed for user portal"))
	assert.NotContains(t, problem.Detail, "password")
	assert.Equal(t, "the operation could not be completed", problem.Detail)
}
