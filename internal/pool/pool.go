// Package pool implements the endpoint pool from spec §4.5: a registry of
// upstream RPC endpoints, each with its own circuit breaker and rolling
// health stats, selected via a pluggable load-balancing strategy.
package pool

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/breaker"
	"github.com/PayRpc/rpc-sprint/internal/rpcerr"
)

// Status is an endpoint's observed health classification.
type Status int

const (
	Unknown Status = iota
	Healthy
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Strategy selects which endpoint serves the next request.
type Strategy int

const (
	RoundRobin Strategy = iota
	HealthBased
	LeastLatency
	Weighted
)

// Stats is an endpoint's rolling request/latency history.
type Stats struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	AvgResponseTimeMs  float64
	LastSuccess        time.Time
	LastFailure        time.Time
}

// Score is a point-in-time grade computed from Stats.
type Score struct {
	Grade             string
	SuccessRate       float64
	AvgResponseTimeMs float64
	UptimePercentage  float64
	LastUpdated       time.Time
}

// Endpoint is a single upstream RPC provider and its live state.
type Endpoint struct {
	ID       string
	URL      string
	Name     string
	Weight   uint32
	Priority uint8
	Region   string
	Lat, Lon float64
	MaxConns uint32

	mu               sync.RWMutex
	status           Status
	stats            Stats
	score            Score
	activeConns      uint32
	lastChecked      time.Time
	br               *breaker.Breaker
}

// Snapshot is an immutable copy of an Endpoint's state for introspection.
type Snapshot struct {
	ID, Name, URL, Region string
	Status                Status
	Stats                 Stats
	Score                 Score
	ActiveConns           uint32
	BreakerState          breaker.State
	LastChecked           time.Time
}

func newEndpoint(cfg EndpointConfig, brCfg breaker.Config, logger *zap.Logger) *Endpoint {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxConns := cfg.MaxConns
	if maxConns == 0 {
		maxConns = 100
	}
	return &Endpoint{
		ID:       id,
		URL:      cfg.URL,
		Name:     cfg.Name,
		Weight:   cfg.Weight,
		Priority: cfg.Priority,
		Region:   cfg.Region,
		Lat:      cfg.Lat,
		Lon:      cfg.Lon,
		MaxConns: maxConns,
		status:   Unknown,
		score:    Score{Grade: "C"},
		br:       breaker.New(cfg.Name, brCfg, logger),
	}
}

// Breaker exposes the endpoint's circuit breaker for retry.Do.
func (e *Endpoint) Breaker() *breaker.Breaker { return e.br }

// SetStatus updates the health classification, normally driven by the
// health monitor's probe loop.
func (e *Endpoint) SetStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
	e.lastChecked = time.Now()
}

func (e *Endpoint) isAvailable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	statusOK := e.status == Healthy || e.status == Degraded || e.status == Unknown
	return statusOK && e.br.CurrentState() != breaker.Open && e.activeConns < e.MaxConns
}

// Acquire/Release track in-flight request count against MaxConns.
func (e *Endpoint) Acquire() { e.mu.Lock(); e.activeConns++; e.mu.Unlock() }
func (e *Endpoint) Release() {
	e.mu.Lock()
	if e.activeConns > 0 {
		e.activeConns--
	}
	e.mu.Unlock()
}

// RecordResult updates rolling stats and the derived score after a call
// completes, success or failure.
func (e *Endpoint) RecordResult(success bool, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalRequests++
	now := time.Now()
	if success {
		e.stats.SuccessfulRequests++
		e.stats.LastSuccess = now
	} else {
		e.stats.FailedRequests++
		e.stats.LastFailure = now
	}

	newMs := float64(latency.Milliseconds())
	total := float64(e.stats.TotalRequests)
	if e.stats.AvgResponseTimeMs == 0 {
		e.stats.AvgResponseTimeMs = newMs
	} else {
		e.stats.AvgResponseTimeMs = (e.stats.AvgResponseTimeMs*(total-1) + newMs) / total
	}

	e.recalculateScoreLocked()
}

// recalculateScoreLocked derives a 0-100 score and letter grade from the
// current stats. Must be called with e.mu held.
func (e *Endpoint) recalculateScoreLocked() {
	successRate := 0.0
	if e.stats.TotalRequests > 0 {
		successRate = (float64(e.stats.SuccessfulRequests) / float64(e.stats.TotalRequests)) * 100.0
	}

	score := 100.0 * (successRate / 100.0)

	if e.stats.AvgResponseTimeMs > 0 {
		penalty := e.stats.AvgResponseTimeMs / 1000.0
		if penalty > 20.0 {
			penalty = 20.0
		}
		score -= penalty
	}

	if !e.stats.LastSuccess.IsZero() && time.Since(e.stats.LastSuccess) > 60*time.Minute {
		score *= 0.8
	}

	e.score = Score{
		Grade:             gradeOf(score),
		SuccessRate:       successRate,
		AvgResponseTimeMs: e.stats.AvgResponseTimeMs,
		UptimePercentage:  successRate,
		LastUpdated:       time.Now(),
	}
}

func gradeOf(score float64) string {
	switch {
	case score >= 95:
		return "A+"
	case score >= 90:
		return "A"
	case score >= 85:
		return "A-"
	case score >= 80:
		return "B+"
	case score >= 75:
		return "B"
	case score >= 70:
		return "B-"
	case score >= 65:
		return "C+"
	case score >= 60:
		return "C"
	case score >= 55:
		return "C-"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}

// Snapshot copies the endpoint's current state out for read-only use.
func (e *Endpoint) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		ID:           e.ID,
		Name:         e.Name,
		URL:          e.URL,
		Region:       e.Region,
		Status:       e.status,
		Stats:        e.stats,
		Score:        e.score,
		ActiveConns:  e.activeConns,
		BreakerState: e.br.CurrentState(),
		LastChecked:  e.lastChecked,
	}
}

// EndpointConfig describes one upstream at registration time.
type EndpointConfig struct {
	ID       string
	URL      string
	Name     string
	Weight   uint32
	Priority uint8
	Region   string
	Lat, Lon float64
	MaxConns uint32
}

// Config tunes a Pool.
type Config struct {
	Strategy       Strategy
	BreakerConfig  breaker.Config
}

// Pool is the registry of upstream endpoints and the strategy used to pick
// among them for each request.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.RWMutex
	endpoints     map[string]*Endpoint
	order         []string // stable iteration order for round robin
	roundRobinIdx int
}

// New creates an empty Pool.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, logger: logger, endpoints: make(map[string]*Endpoint)}
}

// Add registers a new endpoint and returns it.
func (p *Pool) Add(cfg EndpointConfig) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := newEndpoint(cfg, p.cfg.BreakerConfig, p.logger)
	p.endpoints[ep.ID] = ep
	p.order = append(p.order, ep.ID)
	return ep
}

// Remove deregisters an endpoint by id.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Get returns the endpoint by id, if registered.
func (p *Pool) Get(id string) (*Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.endpoints[id]
	return ep, ok
}

// All returns a snapshot-ordered copy of every registered endpoint.
func (p *Pool) All() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Endpoint, 0, len(p.order))
	for _, id := range p.order {
		if ep, ok := p.endpoints[id]; ok {
			out = append(out, ep)
		}
	}
	return out
}

func (p *Pool) available() []*Endpoint {
	all := p.All()
	out := make([]*Endpoint, 0, len(all))
	for _, ep := range all {
		if ep.isAvailable() {
			out = append(out, ep)
		}
	}
	return out
}

// Select chooses the next endpoint per the pool's configured strategy.
func (p *Pool) Select() (*Endpoint, error) {
	switch p.cfg.Strategy {
	case HealthBased:
		return p.selectByHealth()
	case LeastLatency:
		return p.selectByLatency()
	case Weighted:
		return p.selectWeighted()
	default:
		return p.selectRoundRobin()
	}
}

func (p *Pool) selectRoundRobin() (*Endpoint, error) {
	avail := p.available()
	if len(avail) == 0 {
		return nil, rpcerr.AllUnhealthy()
	}
	p.mu.Lock()
	p.roundRobinIdx = (p.roundRobinIdx + 1) % len(avail)
	idx := p.roundRobinIdx
	p.mu.Unlock()
	return avail[idx], nil
}

func (p *Pool) selectByHealth() (*Endpoint, error) {
	avail := p.available()
	if len(avail) == 0 {
		return nil, rpcerr.AllUnhealthy()
	}
	sort.Slice(avail, func(i, j int) bool {
		si, sj := avail[i].Snapshot(), avail[j].Snapshot()
		hi, hj := healthRank(si.Status), healthRank(sj.Status)
		if hi != hj {
			return hi < hj
		}
		if avail[i].Priority != avail[j].Priority {
			return avail[i].Priority < avail[j].Priority
		}
		return si.Stats.AvgResponseTimeMs < sj.Stats.AvgResponseTimeMs
	})
	return avail[0], nil
}

func healthRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unknown:
		return 2
	default:
		return 3
	}
}

func (p *Pool) selectByLatency() (*Endpoint, error) {
	avail := p.available()
	if len(avail) == 0 {
		return nil, rpcerr.AllUnhealthy()
	}
	best := avail[0]
	bestLatency := best.Snapshot().Stats.AvgResponseTimeMs
	for _, ep := range avail[1:] {
		l := ep.Snapshot().Stats.AvgResponseTimeMs
		if l < bestLatency {
			best, bestLatency = ep, l
		}
	}
	return best, nil
}

func (p *Pool) selectWeighted() (*Endpoint, error) {
	avail := p.available()
	if len(avail) == 0 {
		return nil, rpcerr.AllUnhealthy()
	}
	var total uint32
	for _, ep := range avail {
		total += ep.Weight
	}
	if total == 0 {
		return p.selectRoundRobin()
	}
	r := uint32(rand.Int63n(int64(total)))
	var cumulative uint32
	for _, ep := range avail {
		cumulative += ep.Weight
		if r < cumulative {
			return ep, nil
		}
	}
	return avail[len(avail)-1], nil
}

// SelectFrom chooses among a caller-supplied candidate subset (e.g. a
// geo-ordered shortlist) using the pool's availability rule, falling back
// to the full pool's Select when candidates is empty.
func (p *Pool) SelectFrom(candidates []*Endpoint) (*Endpoint, error) {
	if len(candidates) == 0 {
		return p.Select()
	}
	for _, ep := range candidates {
		if ep.isAvailable() {
			return ep, nil
		}
	}
	return nil, rpcerr.AllUnhealthy()
}

// HealthCounts tallies endpoints by status, for the health monitor's Snapshot.
func (p *Pool) HealthCounts() map[Status]int {
	counts := map[Status]int{Healthy: 0, Degraded: 0, Unhealthy: 0, Unknown: 0}
	for _, ep := range p.All() {
		counts[ep.Snapshot().Status]++
	}
	return counts
}
