package delegation_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/delegation"
)

const (
	testSecret   = "unit-test-signing-secret"
	testAudience = "monsoonfire.portal"
	testScope    = "capabilities.ops_note.append"
)

type validatorFixture struct {
	minter    *delegation.Minter
	validator *delegation.Validator
	ledger    *audit.MemoryLedger
	now       time.Time
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ledger := audit.NewMemoryLedger().WithClock(clock)
	return &validatorFixture{
		minter:    delegation.NewMinter([]byte(testSecret), "monsoonfire").WithClock(clock),
		validator: delegation.NewValidator([]byte(testSecret), delegation.NewMemoryNonceStore().WithClock(clock), ledger).WithClock(clock),
		ledger:    ledger,
		now:       now,
	}
}

func (f *validatorFixture) mint(t *testing.T, req delegation.MintRequest) string {
	t.Helper()
	if req.PrincipalUID == "" {
		req.PrincipalUID = "owner-uid-1"
	}
	if req.Audience == "" {
		req.Audience = testAudience
	}
	if req.Scopes == nil {
		req.Scopes = []string{testScope}
	}
	token, err := f.minter.Mint(req)
	require.NoError(t, err)
	return token
}

func (f *validatorFixture) lastDenial(t *testing.T) *audit.Entry {
	t.Helper()
	entries, err := f.ledger.Query(context.Background(), audit.Filter{Outcome: audit.OutcomeDenied})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func TestValidator_AcceptsFreshToken(t *testing.T) {
	f := newValidatorFixture(t)
	token := f.mint(t, delegation.MintRequest{
		EntityID:      "pottery-studio",
		AgentClientID: "scheduler-agent",
	})

	id, err := f.validator.Validate(context.Background(), token, testScope, testAudience)
	require.NoError(t, err)
	assert.Equal(t, "owner-uid-1", id.PrincipalUID)
	assert.Equal(t, "pottery-studio", id.EntityID)
	assert.Equal(t, "scheduler-agent", id.AgentClientID)
	assert.Equal(t, []string{testScope}, id.Scopes)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestValidator_PreflightLeavesNonceFresh(t *testing.T) {
	f := newValidatorFixture(t)
	token := f.mint(t, delegation.MintRequest{AgentClientID: "scheduler-agent"})

	require.NoError(t, f.validator.Preflight(context.Background(), token, testAudience))
	assert.Equal(t, 0, f.ledger.Len())

	// The full validation still succeeds afterwards: preflight did not
	// burn the nonce.
	_, err := f.validator.Validate(context.Background(), token, testScope, testAudience)
	require.NoError(t, err)
}

func TestValidator_PreflightDeniesBeforeScopeIsKnown(t *testing.T) {
	f := newValidatorFixture(t)

	err := f.validator.Preflight(context.Background(), "not-a-token", testAudience)
	require.Error(t, err)
	assert.Equal(t, delegation.ReasonTokenMalformed, delegation.ReasonOf(err))
	assert.Equal(t, delegation.ReasonTokenMalformed, f.lastDenial(t).ReasonCode)

	expired := f.mint(t, delegation.MintRequest{TTL: time.Minute})
	f.validator.WithClock(func() time.Time { return f.now.Add(2 * time.Minute) })
	err = f.validator.Preflight(context.Background(), expired, testAudience)
	assert.Equal(t, delegation.ReasonTokenExpired, delegation.ReasonOf(err))
}

func TestValidator_RejectsBadSignature(t *testing.T) {
	f := newValidatorFixture(t)
	forger := delegation.NewMinter([]byte("some-other-secret"), "monsoonfire")
	token, err := forger.Mint(delegation.MintRequest{
		PrincipalUID: "owner-uid-1",
		Audience:     testAudience,
		Scopes:       []string{testScope},
	})
	require.NoError(t, err)

	_, err = f.validator.Validate(context.Background(), token, testScope, testAudience)
	assert.Equal(t, delegation.ReasonBadSignature, delegation.ReasonOf(err))
}

func TestValidator_RejectsMalformedToken(t *testing.T) {
	f := newValidatorFixture(t)

	_, err := f.validator.Validate(context.Background(), "not.a.jwt", testScope, testAudience)
	assert.Equal(t, delegation.ReasonTokenMalformed, delegation.ReasonOf(err))
}

func TestValidator_RejectsWrongAudience(t *testing.T) {
	f := newValidatorFixture(t)
	token := f.mint(t, delegation.MintRequest{Audience: "some-other-service"})

	_, err := f.validator.Validate(context.Background(), token, testScope, testAudience)
	assert.Equal(t, delegation.ReasonWrongAudience, delegation.ReasonOf(err))
}

func TestValidator_WrongAudienceWinsOverExpiry(t *testing.T) {
	f := newValidatorFixture(t)
	past := f.now.Add(-time.Hour)
	staleMinter := delegation.NewMinter([]byte(testSecret), "monsoonfire").WithClock(func() time.Time { return past })
	token, err := staleMinter.Mint(delegation.MintRequest{
		PrincipalUID: "owner-uid-1",
		Audience:     "some-other-service",
		Scopes:       []string{testScope},
		TTL:          time.Minute,
	})
	require.NoError(t, err)

	// Expired AND cross-audience: the audience check runs first.
	_, err = f.validator.Validate(context.Background(), token, testScope, testAudience)
	assert.Equal(t, delegation.ReasonWrongAudience, delegation.ReasonOf(err))
}

func TestValidator_RejectsExpiredToken(t *testing.T) {
	f := newValidatorFixture(t)
	past := f.now.Add(-time.Hour)
	staleMinter := delegation.NewMinter([]byte(testSecret), "monsoonfire").WithClock(func() time.Time { return past })
	token, err := staleMinter.Mint(delegation.MintRequest{
		PrincipalUID: "owner-uid-1",
		Audience:     testAudience,
		Scopes:       []string{testScope},
		TTL:          time.Minute,
	})
	require.NoError(t, err)

	_, err = f.validator.Validate(context.Background(), token, testScope, testAudience)
	assert.Equal(t, delegation.ReasonTokenExpired, delegation.ReasonOf(err))
}

func TestValidator_RejectsMissingScope(t *testing.T) {
	f := newValidatorFixture(t)
	token := f.mint(t, delegation.MintRequest{Scopes: []string{"capabilities.fleet.read"}})

	_, err := f.validator.Validate(context.Background(), token, testScope, testAudience)
	assert.Equal(t, delegation.ReasonScopeMissing, delegation.ReasonOf(err))

	entry := f.lastDenial(t)
	assert.Equal(t, "authz.validate:"+testScope, entry.Action)
	assert.Equal(t, "SCOPE_MISSING", entry.ReasonCode)
	assert.Equal(t, "owner-uid-1", entry.Principal)
}

func TestValidator_RejectsNonceReplay(t *testing.T) {
	f := newValidatorFixture(t)
	token := f.mint(t, delegation.MintRequest{})

	_, err := f.validator.Validate(context.Background(), token, testScope, testAudience)
	require.NoError(t, err)

	_, err = f.validator.Validate(context.Background(), token, testScope, testAudience)
	assert.Equal(t, delegation.ReasonNonceReplayed, delegation.ReasonOf(err))
}

func TestValidator_EachDenialWritesOneLedgerEntry(t *testing.T) {
	f := newValidatorFixture(t)
	token := f.mint(t, delegation.MintRequest{Scopes: []string{"capabilities.fleet.read"}})

	_, err := f.validator.Validate(context.Background(), token, testScope, testAudience)
	require.Error(t, err)
	assert.Equal(t, 1, f.ledger.Len())

	_, err = f.validator.Validate(context.Background(), "garbage", testScope, testAudience)
	require.Error(t, err)
	assert.Equal(t, 2, f.ledger.Len())
}

func TestValidator_RejectsNonHMACSigningMethod(t *testing.T) {
	f := newValidatorFixture(t)

	// alg=none tokens must never pass, regardless of claims.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":    "owner-uid-1",
		"aud":    testAudience,
		"scopes": []string{testScope},
		"exp":    f.now.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = f.validator.Validate(context.Background(), signed, testScope, testAudience)
	require.Error(t, err)
	assert.NotEmpty(t, delegation.ReasonOf(err))
}

func TestMinter_RequiresPrincipal(t *testing.T) {
	minter := delegation.NewMinter([]byte(testSecret), "monsoonfire")
	_, err := minter.Mint(delegation.MintRequest{Audience: testAudience})
	assert.Error(t, err)
}
