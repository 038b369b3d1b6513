// Package breaker implements a per-endpoint circuit breaker: an atomic
// open/closed/half-open gate driven by consecutive failure count, per
// spec §4.1.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's admission state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a single breaker instance.
type Config struct {
	FailureThreshold int           // consecutive failures before opening; default 5
	OpenDuration     time.Duration // how long Open rejects before probing; default 30s
}

// DefaultConfig returns spec-default breaker tuning.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenDuration: 30 * time.Second}
}

// Breaker is a single endpoint's circuit breaker. All methods are safe for
// concurrent use; admission checks may themselves transition Open->HalfOpen,
// so Allow takes the write lock rather than a read lock.
type Breaker struct {
	mu         sync.Mutex
	cfg        Config
	state      State
	failures   int
	openedAt   time.Time
	name       string
	logger     *zap.Logger
	halfOpenInFlight bool
}

// New creates a Breaker in the Closed state.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, state: Closed, name: name, logger: logger}
}

// Allow reports whether a call may be attempted right now. When the breaker
// is Open and openDuration has elapsed, this call itself transitions the
// breaker to HalfOpen and admits exactly one probe; subsequent concurrent
// callers are rejected until that probe resolves via Success/Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) > b.cfg.OpenDuration {
			b.transition(HalfOpen)
			b.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// Success records a successful call: resets the failure count and, from
// HalfOpen, closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.halfOpenInFlight = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// Failure records a failed call: from Closed, increments the consecutive
// failure count and opens the breaker once the threshold is reached. From
// HalfOpen, any failure reopens the breaker immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenInFlight = false
	if b.state == HalfOpen {
		b.openedAt = time.Now()
		b.transition(Open)
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.openedAt = time.Now()
		b.transition(Open)
	}
}

// CurrentState reports the current state without side effects (no Open->HalfOpen
// timeout check).
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures reports the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", b.failures),
	)
}
