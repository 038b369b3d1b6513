// Package bulkhead implements bounded-concurrency admission gates (spec
// §4.3): a counting semaphore with an admission-wait timeout, rolling
// accept/reject/active counters, and an optional adaptive variant that
// resizes the gate on a timer based on observed rejection rate.
package bulkhead

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/rpcerr"
)

// Config tunes a Bulkhead.
type Config struct {
	MaxConcurrent int           // permits available at once; default 10
	MaxWait       time.Duration // how long to wait for a permit; default 5s
	MetricsWindow time.Duration // rolling counter reset interval; default 60s
}

// DefaultConfig returns spec-default bulkhead tuning.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 10, MaxWait: 5 * time.Second, MetricsWindow: 60 * time.Second}
}

// Stats is a point-in-time snapshot of a Bulkhead's counters.
type Stats struct {
	Name             string
	Accepted         uint64
	Rejected         uint64
	Active           int32
	AvailablePermits int
	AvgDurationMs    uint64
}

// Bulkhead bounds the number of concurrent callers admitted to a named
// resource. The gate itself is a buffered channel used as a counting
// semaphore, so Resize can swap it out atomically under the guard of mu.
type Bulkhead struct {
	name string
	cfg  Config

	mu   sync.Mutex
	sem  chan struct{}

	accepted      uint64
	rejected      uint64
	active        int32
	totalDuration uint64
	lastReset     time.Time

	logger *zap.Logger
}

// New creates a Bulkhead admitting at most cfg.MaxConcurrent concurrent calls.
func New(name string, cfg Config, logger *zap.Logger) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bulkhead{
		name:      name,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		lastReset: time.Now(),
		logger:    logger,
	}
}

// Op is the operation a Bulkhead admits.
type Op func(ctx context.Context) error

// Execute waits up to cfg.MaxWait for an admission slot, then runs op while
// holding it. Returns rpcerr.BulkheadFull if no slot opens in time.
func (b *Bulkhead) Execute(ctx context.Context, op Op) error {
	b.resetIfNeeded()

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.MaxWait)
	defer cancel()

	sem := b.currentSem()
	select {
	case sem <- struct{}{}:
	case <-waitCtx.Done():
		atomic.AddUint64(&b.rejected, 1)
		b.logger.Warn("bulkhead wait timeout exceeded",
			zap.String("bulkhead", b.name),
			zap.Duration("max_wait", b.cfg.MaxWait))
		return rpcerr.BulkheadFull(b.name)
	}
	defer func() { <-sem }()

	atomic.AddUint64(&b.accepted, 1)
	atomic.AddInt32(&b.active, 1)
	defer atomic.AddInt32(&b.active, -1)

	start := time.Now()
	err := op(ctx)
	atomic.AddUint64(&b.totalDuration, uint64(time.Since(start).Milliseconds()))
	return err
}

func (b *Bulkhead) currentSem() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sem
}

func (b *Bulkhead) resetIfNeeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.lastReset) > b.cfg.MetricsWindow {
		atomic.StoreUint64(&b.accepted, 0)
		atomic.StoreUint64(&b.rejected, 0)
		atomic.StoreUint64(&b.totalDuration, 0)
		b.lastReset = time.Now()
	}
}

// AvailablePermits reports the number of unused admission slots right now.
func (b *Bulkhead) AvailablePermits() int {
	sem := b.currentSem()
	return cap(sem) - len(sem)
}

// IsFull reports whether every admission slot is currently occupied.
func (b *Bulkhead) IsFull() bool { return b.AvailablePermits() == 0 }

// ActiveCalls reports the number of calls currently holding a slot.
func (b *Bulkhead) ActiveCalls() int32 { return atomic.LoadInt32(&b.active) }

// Stats returns a snapshot of the bulkhead's counters.
func (b *Bulkhead) Stats() Stats {
	accepted := atomic.LoadUint64(&b.accepted)
	var avg uint64
	if accepted > 0 {
		avg = atomic.LoadUint64(&b.totalDuration) / accepted
	}
	return Stats{
		Name:             b.name,
		Accepted:         accepted,
		Rejected:         atomic.LoadUint64(&b.rejected),
		Active:           atomic.LoadInt32(&b.active),
		AvailablePermits: b.AvailablePermits(),
		AvgDurationMs:    avg,
	}
}

// Resize swaps in a fresh semaphore sized to newCapacity. Calls already
// holding a permit on the old semaphore drain normally; new admissions use
// the new semaphore from this point on. This realizes the capacity change
// that an adaptive bulkhead computes but, in a straight port, would only
// log and never apply.
func (b *Bulkhead) Resize(newCapacity int) {
	if newCapacity <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if newCapacity == cap(b.sem) {
		return
	}
	b.sem = make(chan struct{}, newCapacity)
	b.cfg.MaxConcurrent = newCapacity
}

// Capacity reports the bulkhead's current configured concurrency limit.
func (b *Bulkhead) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxConcurrent
}

// AdaptiveConfig tunes an Adaptive bulkhead's resize bounds and cadence.
type AdaptiveConfig struct {
	MinCapacity        int
	MaxCapacity         int
	InitialCapacity     int
	AdjustmentInterval  time.Duration
}

// Adaptive wraps a Bulkhead with a periodic capacity adjustment loop driven
// by observed rejection rate and average call duration.
type Adaptive struct {
	base *Bulkhead
	cfg  AdaptiveConfig

	mu      sync.Mutex
	history []float64

	stop chan struct{}
	once sync.Once
}

// NewAdaptive creates an Adaptive bulkhead around a freshly constructed base
// Bulkhead sized to cfg.InitialCapacity.
func NewAdaptive(name string, cfg AdaptiveConfig, logger *zap.Logger) *Adaptive {
	if cfg.AdjustmentInterval <= 0 {
		cfg.AdjustmentInterval = 30 * time.Second
	}
	if cfg.InitialCapacity <= 0 {
		cfg.InitialCapacity = cfg.MinCapacity
	}
	base := New(name, Config{MaxConcurrent: cfg.InitialCapacity}, logger)
	return &Adaptive{base: base, cfg: cfg, stop: make(chan struct{})}
}

// Execute runs op through the underlying Bulkhead, recording call duration
// into the rolling performance history used by the adjustment loop.
func (a *Adaptive) Execute(ctx context.Context, op Op) error {
	start := time.Now()
	err := a.base.Execute(ctx, op)
	a.recordDuration(time.Since(start).Seconds())
	return err
}

func (a *Adaptive) recordDuration(seconds float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, seconds)
	if len(a.history) > 100 {
		a.history = a.history[1:]
	}
}

// Run starts the periodic capacity-adjustment ticker; it blocks until ctx is
// canceled or Stop is called.
func (a *Adaptive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.adjust()
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends a running Run loop.
func (a *Adaptive) Stop() {
	a.once.Do(func() { close(a.stop) })
}

func (a *Adaptive) adjust() {
	stats := a.base.Stats()

	a.mu.Lock()
	var avgDuration float64
	if len(a.history) > 0 {
		var sum float64
		for _, v := range a.history {
			sum += v
		}
		avgDuration = sum / float64(len(a.history))
	}
	a.mu.Unlock()

	total := stats.Accepted + stats.Rejected
	var rejectionRate float64
	if total > 0 {
		rejectionRate = float64(stats.Rejected) / float64(total)
	}

	current := a.base.Capacity()
	next := current
	switch {
	case rejectionRate > 0.1:
		next = min(current+1, a.cfg.MaxCapacity)
	case rejectionRate < 0.01 && avgDuration < 0.1:
		next = max(current-1, a.cfg.MinCapacity)
	}

	if next != current {
		a.base.Resize(next)
	}
}

// Base exposes the underlying Bulkhead for stats/introspection.
func (a *Adaptive) Base() *Bulkhead { return a.base }

