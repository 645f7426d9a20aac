package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/audit"
)

// Denial reason codes. Each maps to exactly one failing check.
const (
	ReasonTokenMalformed = "TOKEN_MALFORMED"
	ReasonBadSignature   = "BAD_SIGNATURE"
	ReasonWrongAudience  = "WRONG_AUDIENCE"
	ReasonTokenExpired   = "TOKEN_EXPIRED"
	ReasonScopeMissing   = "SCOPE_MISSING"
	ReasonNonceReplayed  = "NONCE_REPLAYED"
)

// DenialError is the fail-closed validation outcome. It carries a reason
// code and nothing from the token itself.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

// ReasonOf extracts the denial reason code, or empty when err is not a
// denial.
func ReasonOf(err error) string {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}

// Validator verifies delegated tokens. Checks run in a fixed order and
// the first failure wins: signature, audience, expiry, scope, nonce.
// Every denial writes exactly one ledger entry with outcome denied.
type Validator struct {
	secret []byte
	nonces NonceStore
	ledger audit.Ledger
	clock  func() time.Time
}

// NewValidator creates a validator over the shared HMAC secret.
func NewValidator(secret []byte, nonces NonceStore, ledger audit.Ledger) *Validator {
	return &Validator{secret: secret, nonces: nonces, ledger: ledger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate checks the token against the required scope and audience.
// Validation never proceeds past the first failing check.
func (v *Validator) Validate(ctx context.Context, tokenString, requiredScope, expectedAudience string) (*Identity, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return nil, v.deny(ctx, "", requiredScope, err)
	}

	now := v.clock()

	// Audience before expiry: a cross-audience token must be reported as
	// such even when it also happens to be expired.
	if !hasAudience(claims, expectedAudience) {
		return nil, v.deny(ctx, claims.Subject, requiredScope, &DenialError{Reason: ReasonWrongAudience})
	}

	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, v.deny(ctx, claims.Subject, requiredScope, &DenialError{Reason: ReasonTokenExpired})
	}

	if !claims.HasScope(requiredScope) {
		return nil, v.deny(ctx, claims.Subject, requiredScope, &DenialError{Reason: ReasonScopeMissing})
	}

	if claims.ID == "" {
		return nil, v.deny(ctx, claims.Subject, requiredScope, &DenialError{Reason: ReasonTokenMalformed})
	}
	fresh, err := v.nonces.Consume(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, fmt.Errorf("nonce check: %w", err)
	}
	if !fresh {
		return nil, v.deny(ctx, claims.Subject, requiredScope, &DenialError{Reason: ReasonNonceReplayed})
	}

	return &Identity{
		PrincipalUID:  claims.Subject,
		EntityID:      claims.EntityID,
		AgentClientID: claims.AgentClientID,
		Scopes:        claims.Scopes,
	}, nil
}

// Preflight applies the checks that need no scope: structure,
// signature, audience and expiry. It consumes no nonce, so a token
// that passes is still fresh for the full Validate that follows.
// Denials are audited the same way Validate audits them.
func (v *Validator) Preflight(ctx context.Context, tokenString, expectedAudience string) error {
	claims, err := v.parse(tokenString)
	if err != nil {
		return v.deny(ctx, "", "", err)
	}
	if !hasAudience(claims, expectedAudience) {
		return v.deny(ctx, claims.Subject, "", &DenialError{Reason: ReasonWrongAudience})
	}
	if claims.ExpiresAt == nil || !v.clock().Before(claims.ExpiresAt.Time) {
		return v.deny(ctx, claims.Subject, "", &DenialError{Reason: ReasonTokenExpired})
	}
	return nil
}

// parse verifies structure and signature only. Audience, expiry, scope
// and nonce are checked explicitly afterwards so the failure order is
// deterministic.
func (v *Validator) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		if errorIsSignature(err) {
			return nil, &DenialError{Reason: ReasonBadSignature}
		}
		return nil, &DenialError{Reason: ReasonTokenMalformed}
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &DenialError{Reason: ReasonBadSignature}
	}
	return claims, nil
}

// deny audits the failure and returns it. Exactly one ledger entry per
// denial; a ledger write failure is surfaced over the denial since an
// unaudited denial must not pass silently.
func (v *Validator) deny(ctx context.Context, principal, requiredScope string, err error) error {
	reason := ReasonOf(err)
	if reason == "" {
		reason = ReasonTokenMalformed
		err = &DenialError{Reason: reason}
	}
	if _, auditErr := v.ledger.Append(ctx, audit.Record{
		Actor:      "delegation.validator",
		Principal:  principal,
		Action:     "authz.validate:" + requiredScope,
		Outcome:    audit.OutcomeDenied,
		ReasonCode: reason,
	}); auditErr != nil {
		return fmt.Errorf("audit denial: %w", auditErr)
	}
	return err
}

func hasAudience(claims *Claims, expected string) bool {
	for _, aud := range claims.Audience {
		if aud == expected {
			return true
		}
	}
	return false
}

func errorIsSignature(err error) bool {
	return errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrSignatureInvalid)
}
