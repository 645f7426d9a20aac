// Package delegation implements short-lived, scoped credentials that let
// an agent act on behalf of a principal, and the fail-closed validator
// that checks them on every request.
package delegation

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends standard JWT claims with delegation fields. The nonce is
// carried as the JTI; the principal as the subject.
type Claims struct {
	jwt.RegisteredClaims
	EntityID      string   `json:"entity_id,omitempty"`
	AgentClientID string   `json:"agent_client_id"`
	Scopes        []string `json:"scopes"`
}

// HasScope reports whether the token grants the exact scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Identity is the validated result handed to request handlers. It carries
// no secret material.
type Identity struct {
	PrincipalUID  string   `json:"principal_uid"`
	EntityID      string   `json:"entity_id,omitempty"`
	AgentClientID string   `json:"agent_client_id"`
	Scopes        []string `json:"scopes"`
}

// Minter issues HMAC-signed delegated tokens. Tokens are immutable once
// issued and are never persisted in plaintext beyond their TTL window.
type Minter struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewMinter creates a token minter signing with the shared HMAC secret.
func NewMinter(secret []byte, issuer string) *Minter {
	return &Minter{secret: secret, issuer: issuer, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Minter) WithClock(clock func() time.Time) *Minter {
	m.clock = clock
	return m
}

// MintRequest describes the token to issue.
type MintRequest struct {
	PrincipalUID  string
	EntityID      string
	AgentClientID string
	Scopes        []string
	Audience      string
	TTL           time.Duration
}

// Mint issues a signed token with a fresh nonce.
func (m *Minter) Mint(req MintRequest) (string, error) {
	if req.PrincipalUID == "" {
		return "", fmt.Errorf("mint: principal uid required")
	}
	if req.TTL <= 0 {
		req.TTL = 5 * time.Minute
	}
	now := m.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   req.PrincipalUID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{req.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		EntityID:      req.EntityID,
		AgentClientID: req.AgentClientID,
		Scopes:        req.Scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
