// Package retry implements the attempt-bounded operation wrapper described
// in spec §4.2: backoff strategy, jitter, overall timeout, and breaker
// awareness, consolidated into one component so call sites outside the
// router don't each hand-rolla backoff loop.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/PayRpc/rpc-sprint/internal/rpcerr"
)

// Strategy selects the backoff shape for delay(attempt).
type Strategy int

const (
	Exponential Strategy = iota
	Linear
	Fixed
	Fibonacci
	Custom
)

// Config tunes a Policy. CustomFn is only consulted when Strategy == Custom.
type Config struct {
	Strategy        Strategy
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
	OverallTimeout  time.Duration
	CustomFn        func(attempt int) time.Duration
}

// DefaultConfig returns the spec-default tuning for Exponential retry.
func DefaultConfig() Config {
	return Config{
		Strategy:        Exponential,
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		JitterFactor:    0.1,
		OverallTimeout:  30 * time.Second,
	}
}

// Breaker is the minimal admission interface a Policy consults before each
// attempt, satisfied by *breaker.Breaker without an import-cycle-forming
// direct dependency.
type Breaker interface {
	Allow() bool
	Success()
	Failure()
}

// Policy wraps an operation with the configured retry strategy.
type Policy struct {
	cfg Config
}

// New validates and returns a Policy. Zero or negative MaxAttempts,
// InitialDelay, MaxDelay, ExponentialBase and OverallTimeout fall back to
// DefaultConfig's values; a zero JitterFactor is kept and disables jitter.
func New(cfg Config) *Policy {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = d.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = d.ExponentialBase
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = d.OverallTimeout
	}
	return &Policy{cfg: cfg}
}

// baseDelay returns the backoff delay for 1-based attempt n, before jitter.
func (p *Policy) baseDelay(n int) time.Duration {
	switch p.cfg.Strategy {
	case Exponential:
		mult := math.Pow(p.cfg.ExponentialBase, float64(n-1))
		return time.Duration(float64(p.cfg.InitialDelay) * mult)
	case Linear:
		return p.cfg.InitialDelay * time.Duration(n)
	case Fixed:
		return p.cfg.InitialDelay
	case Fibonacci:
		return time.Duration(float64(p.cfg.InitialDelay) * float64(fib(n)))
	case Custom:
		if p.cfg.CustomFn != nil {
			return p.cfg.CustomFn(n)
		}
		return p.cfg.InitialDelay
	default:
		return p.cfg.InitialDelay
	}
}

// Delay returns the jittered, clamped delay for 1-based attempt n.
func (p *Policy) Delay(n int) time.Duration {
	d := p.baseDelay(n)
	if p.cfg.JitterFactor > 0 {
		span := float64(d) * p.cfg.JitterFactor
		jitter := (rand.Float64()*2 - 1) * span
		d = time.Duration(float64(d) + jitter)
	}
	if d < 0 {
		d = 0
	}
	if p.cfg.MaxDelay > 0 && d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

func fib(n int) int {
	if n <= 1 {
		return 1
	}
	a, b := 1, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return a
}

// Op is the operation a Policy retries. It must respect ctx cancellation.
type Op func(ctx context.Context, attempt int) error

// BreakerResolver returns the breaker to consult for a given 1-based attempt
// index, letting a caller whose candidate endpoint rotates per attempt (like
// the router's pickForAttempt) route each attempt's Allow/Success/Failure
// calls to the endpoint that attempt actually dispatches to, rather than a
// single breaker fixed for the whole Do call.
type BreakerResolver func(attempt int) Breaker

// Do executes op under the policy: retries while the error is classified
// retryable, attempts < max, elapsed < overall timeout, and (if brFor is
// supplied) the resolved breaker admits the attempt. A breaker-open
// rejection surfaces rpcerr.CircuitOpen immediately without consuming an
// attempt's worth of backoff sleep.
func (p *Policy) Do(ctx context.Context, brFor BreakerResolver, op Op) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OverallTimeout)
	defer cancel()

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var br Breaker
		if brFor != nil {
			br = brFor(attempt)
		}
		if br != nil && !br.Allow() {
			return rpcerr.CircuitOpen("")
		}

		err := op(ctx, attempt)
		if err == nil {
			if br != nil {
				br.Success()
			}
			return nil
		}
		if br != nil {
			br.Failure()
		}
		lastErr = err

		if !rpcerr.IsRetryable(err) {
			return err
		}
		if attempt >= p.cfg.MaxAttempts {
			break
		}
		if time.Since(start) >= p.cfg.OverallTimeout {
			break
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
