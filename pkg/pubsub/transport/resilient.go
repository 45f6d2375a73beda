package transport

import (
	"context"
	"time"

	"github.com/open62541-go/pubsub-core/pkg/resilience"
)

// ResilientConfig mirrors the ambient messaging stack's retry/circuit-breaker
// wrapper config, scoped to a transport Channel instead of a Broker.
type ResilientConfig struct {
	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int64
	CircuitBreakerTimeout   time.Duration

	RetryEnabled     bool
	RetryMaxAttempts int
	RetryBackoff     time.Duration
}

// Resilient wraps Send with a circuit breaker and retry, so a WriterGroup's
// publish tick degrades to fast-fail instead of repeatedly blocking on a
// transport that is already known to be down — the Error-state transition
// in §4.D is still driven by the caller observing Send's returned error.
type Resilient struct {
	next     Channel
	cb       *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
}

// DefaultResilientConfig is the wrapping every profile's Opener gets through
// Open, mirroring the teacher's default Broker resilience settings
// (pkg/messaging/resilient.go) scaled down to a single Channel's Send path.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,

		RetryEnabled:     true,
		RetryMaxAttempts: 3,
		RetryBackoff:     100 * time.Millisecond,
	}
}

func NewResilient(next Channel, cfg ResilientConfig) *Resilient {
	r := &Resilient{next: next}

	if cfg.CircuitBreakerEnabled {
		r.cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "pubsub-transport",
			FailureThreshold: cfg.CircuitBreakerThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}

	if cfg.RetryEnabled {
		r.retryCfg = resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		}
	}

	return r
}

func (c *Resilient) State() State { return c.next.State() }

func (c *Resilient) Register(ctx context.Context, settings RegisterSettings, cb ReceiveCallback) error {
	return c.next.Register(ctx, settings, cb)
}

func (c *Resilient) Unregister(ctx context.Context, settings RegisterSettings) error {
	return c.next.Unregister(ctx, settings)
}

func (c *Resilient) Send(ctx context.Context, settings RegisterSettings, buf []byte) error {
	operation := func(ctx context.Context) error {
		return c.next.Send(ctx, settings, buf)
	}

	if c.cb != nil {
		cbOp := operation
		operation = func(ctx context.Context) error {
			return c.cb.Execute(ctx, cbOp)
		}
	}

	if c.retryCfg.MaxAttempts > 0 {
		return resilience.Retry(ctx, c.retryCfg, operation)
	}
	return operation(ctx)
}

func (c *Resilient) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return c.next.Receive(ctx, timeout)
}

func (c *Resilient) Yield(ctx context.Context) error { return c.next.Yield(ctx) }

func (c *Resilient) Close() error { return c.next.Close() }
