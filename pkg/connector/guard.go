package connector

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/resiliency"
)

var tracer = otel.Tracer("monsoonfire/connector")

// GuardConfig tunes the resilience envelope around one connector.
type GuardConfig struct {
	CallTimeout      time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultGuardConfig returns the settings used when the profile supplies
// none.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:      10 * time.Second,
		MaxRetries:       2,
		RetryBase:        100 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  10 * time.Second,
	}
}

// Guard wraps a connector with its circuit breaker, an explicit per-call
// deadline, bounded retries for retryable kinds, and uniform error
// classification. Every call path goes through the guard; nothing dials
// a connector directly.
type Guard struct {
	inner   Connector
	breaker *resiliency.CircuitBreaker
	cfg     GuardConfig
}

// NewGuard wraps conn with a fresh breaker configured from cfg.
func NewGuard(conn Connector, cfg GuardConfig) *Guard {
	def := DefaultGuardConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	return &Guard{
		inner:   conn,
		breaker: resiliency.NewCircuitBreaker(conn.ID(), cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:     cfg,
	}
}

// Connector returns the wrapped connector.
func (g *Guard) Connector() Connector { return g.inner }

// Breaker exposes the guard's breaker for diagnostics.
func (g *Guard) Breaker() *resiliency.CircuitBreaker { return g.breaker }

// Health probes the connector under the guard envelope.
func (g *Guard) Health(ctx context.Context) (*Health, error) {
	var out *Health
	err := g.call(ctx, "health", func(ctx context.Context) error {
		h, err := g.inner.Health(ctx)
		out = h
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadStatus reads current state from the external system.
func (g *Guard) ReadStatus(ctx context.Context, input map[string]any) (*ReadResult, error) {
	var out *ReadResult
	err := g.call(ctx, "read_status", func(ctx context.Context) error {
		r, err := g.inner.ReadStatus(ctx, input)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	g.fingerprint(out, input)
	return out, nil
}

// Execute performs a read or write against the external system. A
// connector declared read-only refuses write intents before any call is
// attempted.
func (g *Guard) Execute(ctx context.Context, req *Request) (*ReadResult, error) {
	if req.Intent == IntentWrite && g.inner.ReadOnly() {
		return nil, NewError(KindReadOnlyViolation, g.inner.ID(), "connector is read-only")
	}
	var out *ReadResult
	err := g.call(ctx, "execute", func(ctx context.Context) error {
		r, err := g.inner.Execute(ctx, req)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	g.fingerprint(out, req)
	return out, nil
}

// call runs fn under the breaker, deadline and retry policy. The breaker
// check is a non-blocking fast path: while open the caller gets
// UNAVAILABLE immediately without a network call.
func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "connector."+op, trace.WithAttributes(
		attribute.String("connector.id", g.inner.ID()),
		attribute.String("connector.target", g.inner.Target()),
	))
	defer span.End()

	var lastErr *Error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if !g.breaker.Allow() {
			return NewError(KindUnavailable, g.inner.ID(), "circuit breaker open")
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			g.breaker.Success()
			span.SetAttributes(attribute.Int("connector.attempts", attempt+1))
			return nil
		}

		lastErr = Classify(g.inner.ID(), err)
		g.breaker.Failure()
		span.SetAttributes(attribute.String("connector.error_kind", string(lastErr.Kind)))

		if !lastErr.Kind.Retryable() || attempt == g.cfg.MaxRetries {
			break
		}
		if err := sleepBackoff(ctx, g.cfg.RetryBase, attempt); err != nil {
			return Classify(g.inner.ID(), err)
		}
	}
	return lastErr
}

// fingerprint attaches content hashes of the request input and response
// payload for audit correlation. Hash failures leave the fields empty
// rather than failing the call.
func (g *Guard) fingerprint(res *ReadResult, input any) {
	if res == nil {
		return
	}
	if res.InputHash == "" && input != nil {
		if h, err := ContentHash(input); err == nil {
			res.InputHash = h
		}
	}
	if res.OutputHash == "" && res.Payload != nil {
		if h, err := ContentHash(res.Payload); err == nil {
			res.OutputHash = h
		}
	}
}

// sleepBackoff waits base * 2^attempt plus jitter, honoring ctx
// cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * base
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	select {
	case <-time.After(backoff + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
