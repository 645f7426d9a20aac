package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/capabilities"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/contracts"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/proposals"
)

// AuditScope guards the ledger query endpoint.
const AuditScope = "capabilities.audit"

// Server routes the capability proposal endpoints.
type Server struct {
	svc         *proposals.Service
	registry    *capabilities.Registry
	validator   *delegation.Validator
	ledger      audit.Ledger
	audience    string
	operatorKey string
	logger      *slog.Logger
}

// NewServer wires the HTTP boundary.
func NewServer(svc *proposals.Service, registry *capabilities.Registry, validator *delegation.Validator, ledger audit.Ledger, audience, operatorKey string, logger *slog.Logger) *Server {
	return &Server{
		svc:         svc,
		registry:    registry,
		validator:   validator,
		ledger:      ledger,
		audience:    audience,
		operatorKey: operatorKey,
		logger:      logger,
	}
}

// Routes returns the request multiplexer with middleware applied.
func (s *Server) Routes(limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /capabilities/proposals", s.handlePropose)
	mux.HandleFunc("GET /capabilities/proposals", s.handleList)
	mux.HandleFunc("GET /capabilities/proposals/{id}", s.handleGet)
	mux.HandleFunc("POST /capabilities/proposals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /capabilities/proposals/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /capabilities/proposals/{id}/dry-run", s.handleDryRun)
	mux.HandleFunc("POST /capabilities/proposals/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /capabilities/proposals/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /capabilities/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /capabilities/audit/verify", s.handleAuditVerify)

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return WithRequestID(WithLogging(s.logger, h))
}

// authorize validates the bearer token for the required scope. A valid
// operator override credential bypasses the scope check; the override
// itself is audited.
func (s *Server) authorize(ctx context.Context, r *http.Request, requiredScope string) (*delegation.Identity, error) {
	if override := r.Header.Get("X-Operator-Override"); override != "" && s.operatorKey != "" {
		if subtle.ConstantTimeCompare([]byte(override), []byte(s.operatorKey)) == 1 {
			_, _ = s.ledger.Append(ctx, audit.Record{
				Actor:      "operator",
				Action:     "authz.operator_override:" + requiredScope,
				Outcome:    audit.OutcomeOK,
				ReasonCode: "OPERATOR_OVERRIDE",
				RequestID:  RequestID(ctx),
			})
			return &delegation.Identity{
				PrincipalUID:  "operator",
				AgentClientID: "operator-cli",
				Scopes:        []string{requiredScope},
			}, nil
		}
		_, _ = s.ledger.Append(ctx, audit.Record{
			Actor:      "operator",
			Action:     "authz.operator_override:" + requiredScope,
			Outcome:    audit.OutcomeDenied,
			ReasonCode: "OPERATOR_KEY_MISMATCH",
			RequestID:  RequestID(ctx),
		})
		return nil, &delegation.DenialError{Reason: "OPERATOR_KEY_MISMATCH"}
	}
	return s.validator.Validate(ctx, bearerToken(r), requiredScope, s.audience)
}

// preflight rejects requests whose credential fails the checks that
// need no proposal state. It runs before any proposal read on the
// path-ID endpoints so an unauthenticated caller cannot probe which
// proposal IDs exist.
func (s *Server) preflight(ctx context.Context, r *http.Request) error {
	if override := r.Header.Get("X-Operator-Override"); override != "" && s.operatorKey != "" {
		if subtle.ConstantTimeCompare([]byte(override), []byte(s.operatorKey)) == 1 {
			return nil
		}
		_, _ = s.ledger.Append(ctx, audit.Record{
			Actor:      "operator",
			Action:     "authz.operator_override",
			Outcome:    audit.OutcomeDenied,
			ReasonCode: "OPERATOR_KEY_MISMATCH",
			RequestID:  RequestID(ctx),
		})
		return &delegation.DenialError{Reason: "OPERATOR_KEY_MISMATCH"}
	}
	return s.validator.Preflight(ctx, bearerToken(r), s.audience)
}

// scopeForProposal resolves the capability scope guarding an existing
// proposal.
func (s *Server) scopeForProposal(ctx context.Context, proposalID string) (string, error) {
	p, err := s.svc.Get(ctx, proposalID)
	if err != nil {
		return "", err
	}
	def, ok := s.registry.Get(p.CapabilityID)
	if !ok {
		return "", contracts.ErrProposalNotFound
	}
	return def.RequiredScope, nil
}

type proposeRequest struct {
	ActorType       string         `json:"actorType"`
	ActorID         string         `json:"actorId"`
	OwnerUID        string         `json:"ownerUid"`
	TenantID        string         `json:"tenantId"`
	CapabilityID    string         `json:"capabilityId"`
	Rationale       string         `json:"rationale"`
	PreviewSummary  string         `json:"previewSummary"`
	RequestInput    map[string]any `json:"requestInput"`
	ExpectedEffects []string       `json:"expectedEffects"`
	RequestedBy     string         `json:"requestedBy"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var body proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid body", "BAD_JSON", err.Error())
		return
	}

	def, ok := s.registry.Get(body.CapabilityID)
	if !ok {
		WriteError(w, r, http.StatusBadRequest, "validation failed", "CAPABILITY_UNKNOWN", "capability not registered")
		return
	}
	identity, err := s.authorize(r.Context(), r, def.RequiredScope)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	actor := actorFrom(identity, body.ActorType, body.ActorID)
	p, err := s.svc.Propose(r.Context(), proposals.ProposeRequest{
		CapabilityID:    body.CapabilityID,
		Actor:           actor,
		OwnerUID:        body.OwnerUID,
		TenantID:        body.TenantID,
		Rationale:       body.Rationale,
		PreviewSummary:  body.PreviewSummary,
		RequestInput:    body.RequestInput,
		ExpectedEffects: body.ExpectedEffects,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")
	var body struct {
		ApprovedBy string `json:"approvedBy"`
		Rationale  string `json:"rationale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid body", "BAD_JSON", err.Error())
		return
	}

	if err := s.preflight(r.Context(), r); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	scope, err := s.scopeForProposal(r.Context(), proposalID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	identity, err := s.authorize(r.Context(), r, scope)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	p, err := s.svc.Approve(r.Context(), proposalID, actorFrom(identity, string(contracts.ActorHuman), body.ApprovedBy), body.Rationale)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")
	var body struct {
		RejectedBy string `json:"rejectedBy"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid body", "BAD_JSON", err.Error())
		return
	}

	if err := s.preflight(r.Context(), r); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	scope, err := s.scopeForProposal(r.Context(), proposalID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	identity, err := s.authorize(r.Context(), r, scope)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	p, err := s.svc.Reject(r.Context(), proposalID, actorFrom(identity, string(contracts.ActorHuman), body.RejectedBy), body.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")

	if err := s.preflight(r.Context(), r); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	scope, err := s.scopeForProposal(r.Context(), proposalID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	identity, err := s.authorize(r.Context(), r, scope)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	result, err := s.svc.DryRun(r.Context(), proposalID, actorFrom(identity, string(contracts.ActorAgent), identity.AgentClientID))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")
	var body struct {
		ActorType      string         `json:"actorType"`
		ActorID        string         `json:"actorId"`
		OwnerUID       string         `json:"ownerUid"`
		TenantID       string         `json:"tenantId"`
		IdempotencyKey string         `json:"idempotencyKey"`
		Output         map[string]any `json:"output"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid body", "BAD_JSON", err.Error())
		return
	}

	if err := s.preflight(r.Context(), r); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	scope, err := s.scopeForProposal(r.Context(), proposalID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	identity, err := s.authorize(r.Context(), r, scope)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	rec, err := s.svc.Execute(r.Context(), proposalID, body.IdempotencyKey, actorFrom(identity, body.ActorType, body.ActorID), body.Output)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")
	var body struct {
		IdempotencyKey string `json:"idempotencyKey"`
		Reason         string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid body", "BAD_JSON", err.Error())
		return
	}

	if err := s.preflight(r.Context(), r); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	scope, err := s.scopeForProposal(r.Context(), proposalID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	identity, err := s.authorize(r.Context(), r, scope)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	rec, err := s.svc.Rollback(r.Context(), proposalID, body.IdempotencyKey, body.Reason, actorFrom(identity, string(contracts.ActorHuman), identity.PrincipalUID))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")

	if err := s.preflight(r.Context(), r); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	scope, err := s.scopeForProposal(r.Context(), proposalID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if _, err := s.authorize(r.Context(), r, scope); err != nil {
		WriteDomainError(w, r, err)
		return
	}

	p, err := s.svc.Get(r.Context(), proposalID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorize(r.Context(), r, AuditScope); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.svc.List(r.Context(), limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorize(r.Context(), r, AuditScope); err != nil {
		WriteDomainError(w, r, err)
		return
	}

	q := r.URL.Query()
	maxResults, _ := strconv.Atoi(q.Get("limit"))
	entries, err := s.ledger.Query(r.Context(), audit.Filter{
		ActionPrefix: q.Get("actionPrefix"),
		Actor:        q.Get("actor"),
		ProposalID:   q.Get("proposalId"),
		Outcome:      audit.Outcome(q.Get("outcome")),
		MaxResults:   maxResults,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorize(r.Context(), r, AuditScope); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if err := s.ledger.Verify(r.Context()); err != nil {
		WriteError(w, r, http.StatusConflict, "chain verification failed", "CHAIN_BROKEN", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// actorFrom merges the validated identity with the caller-declared actor
// fields. The scopes always come from the token, never the body.
func actorFrom(identity *delegation.Identity, actorType, actorID string) proposals.Actor {
	if actorID == "" {
		actorID = identity.AgentClientID
	}
	t := contracts.ActorType(actorType)
	switch t {
	case contracts.ActorAgent, contracts.ActorHuman, contracts.ActorOperator:
	default:
		t = contracts.ActorAgent
	}
	return proposals.Actor{
		Type:      t,
		ID:        actorID,
		Principal: identity.PrincipalUID,
		Scopes:    identity.Scopes,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
