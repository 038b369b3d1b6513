// Package health implements the periodic endpoint health monitor from spec
// §4.6: a ticker-driven probe loop that classifies each upstream's getHealth
// response into a pool.Status and feeds the result back into the pool.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/pool"
)

// Config tunes the monitor.
type Config struct {
	Interval    time.Duration // ticker period; default 30s
	ProbeTimeout time.Duration // per-probe HTTP timeout; default 5s
}

// DefaultConfig returns spec-default health monitor tuning.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, ProbeTimeout: 5 * time.Second}
}

// Result records the outcome of a single probe for logging/introspection.
type Result struct {
	EndpointID   string
	Success      bool
	ResponseTime time.Duration
	Error        string
	Timestamp    time.Time
}

// Monitor periodically probes every endpoint in a pool.Pool with a
// getHealth JSON-RPC call and updates its status and stats.
type Monitor struct {
	pool   *pool.Pool
	cfg    Config
	client *http.Client
	logger *zap.Logger

	start time.Time

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// New creates a Monitor bound to pool p.
func New(p *pool.Pool, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		pool:   p,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		logger: logger,
		start:  time.Now(),
		stop:   make(chan struct{}),
	}
}

// Run starts the periodic probe loop; it blocks until ctx is canceled or
// Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("starting health monitor", zap.Duration("interval", m.cfg.Interval))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends a running Run loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		close(m.stop)
		m.stopped = true
	}
}

// CheckAll probes every registered endpoint concurrently and waits for all
// probes to complete.
func (m *Monitor) CheckAll(ctx context.Context) []Result {
	endpoints := m.pool.All()
	results := make([]Result, len(endpoints))

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep *pool.Endpoint) {
			defer wg.Done()
			results[i] = m.probe(ctx, ep)
		}(i, ep)
	}
	wg.Wait()
	return results
}

// ForceCheck probes a single endpoint by id, or every endpoint if id is empty.
func (m *Monitor) ForceCheck(ctx context.Context, id string) []Result {
	if id == "" {
		return m.CheckAll(ctx)
	}
	ep, ok := m.pool.Get(id)
	if !ok {
		return nil
	}
	return []Result{m.probe(ctx, ep)}
}

// updateStats records a probe outcome against both the endpoint's rolling
// stats/score and its circuit breaker (spec §4.5's updateStats: "stats bump,
// breaker record, score recompute"), so a probe-only endpoint that never
// carries live traffic still trips and recovers its breaker on the same
// success/failure signal the router's retry loop uses.
func (m *Monitor) updateStats(ep *pool.Endpoint, success bool, latency time.Duration) {
	ep.RecordResult(success, latency)
	if success {
		ep.Breaker().Success()
	} else {
		ep.Breaker().Failure()
	}
}

var healthProbeBody = []byte(`{"jsonrpc":"2.0","id":1,"method":"getHealth"}`)

func (m *Monitor) probe(ctx context.Context, ep *pool.Endpoint) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(healthProbeBody))
	if err != nil {
		ep.SetStatus(pool.Unhealthy)
		m.updateStats(ep, false, time.Since(start))
		return Result{EndpointID: ep.ID, Success: false, Error: err.Error(), Timestamp: start}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("health probe request failed", zap.String("endpoint", ep.Name), zap.Error(err))
		ep.SetStatus(pool.Unhealthy)
		m.updateStats(ep, false, time.Since(start))
		return Result{EndpointID: ep.ID, Success: false, Error: err.Error(), ResponseTime: time.Since(start), Timestamp: start}
	}
	defer resp.Body.Close()

	responseTime := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Warn("health probe HTTP error", zap.String("endpoint", ep.Name), zap.Int("status", resp.StatusCode))
		ep.SetStatus(pool.Unhealthy)
		m.updateStats(ep, false, responseTime)
		return Result{EndpointID: ep.ID, Success: false, ResponseTime: responseTime, Timestamp: start}
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		m.logger.Warn("health probe JSON parse error", zap.String("endpoint", ep.Name), zap.Error(err))
		ep.SetStatus(pool.Degraded)
		m.updateStats(ep, false, responseTime)
		return Result{EndpointID: ep.ID, Success: false, Error: err.Error(), ResponseTime: responseTime, Timestamp: start}
	}

	var status pool.Status
	switch {
	case body["result"] != nil:
		status = pool.Healthy
	case body["error"] != nil:
		status = pool.Degraded
	default:
		status = pool.Unknown
	}
	ep.SetStatus(status)
	m.updateStats(ep, status == pool.Healthy, responseTime)

	return Result{EndpointID: ep.ID, Success: status == pool.Healthy, ResponseTime: responseTime, Timestamp: start}
}

// SystemHealth is the pool-wide aggregate health view returned by Snapshot.
type SystemHealth struct {
	Status          string
	UptimeSeconds   float64
	TotalEndpoints  int
	Healthy         int
	Degraded        int
	Unhealthy       int
}

// Snapshot reports the pool's aggregate status, with the overall status
// being "healthy" if at least one endpoint is healthy, "degraded" if none
// are healthy but at least one is degraded, else "unhealthy".
func (m *Monitor) Snapshot() SystemHealth {
	counts := m.pool.HealthCounts()
	total := 0
	for _, c := range counts {
		total += c
	}

	status := "unhealthy"
	switch {
	case counts[pool.Healthy] > 0:
		status = "healthy"
	case counts[pool.Degraded] > 0:
		status = "degraded"
	}

	return SystemHealth{
		Status:         status,
		UptimeSeconds:  time.Since(m.start).Seconds(),
		TotalEndpoints: total,
		Healthy:        counts[pool.Healthy],
		Degraded:       counts[pool.Degraded],
		Unhealthy:      counts[pool.Unhealthy],
	}
}
