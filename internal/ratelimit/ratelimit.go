// Package ratelimit implements the tiered admission limits from spec §5:
// a global limiter plus lazily-created per-method and per-IP limiters, all
// backed by golang.org/x/time/rate token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit describes one token-bucket rate.
type Limit struct {
	RequestsPerSecond float64
	Burst             int
}

// Config tunes the service.
type Config struct {
	Enabled         bool
	Global          Limit
	PerMethodLimits map[string]Limit
	PerIPLimits     map[string]Limit
	DefaultAPIKey   Limit
}

// DefaultConfig returns spec-default rate limit tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Global:          Limit{RequestsPerSecond: 1000, Burst: 200},
		PerMethodLimits: map[string]Limit{},
		PerIPLimits:     map[string]Limit{},
		DefaultAPIKey:   Limit{RequestsPerSecond: 1000.0 / 60.0, Burst: 100},
	}
}

// Context identifies the caller for rate-limit bookkeeping.
type Context struct {
	IPAddress string
	APIKey    string
	Method    string
}

// Result reports whether a request was admitted and, if not, why.
type Result struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type counter struct {
	requests uint64
	blocked  uint64
	lastSeen time.Time
	firstSeen time.Time
}

// Service is the tiered rate limiter: a global bucket checked first, then
// method, IP, and API-key buckets created on first use.
type Service struct {
	cfg Config

	global *rate.Limiter

	mu            sync.Mutex
	methodLimiters map[string]*rate.Limiter
	ipLimiters     map[string]*rate.Limiter
	apiKeyLimiters map[string]*rate.Limiter

	methodStats map[string]*counter
	ipStats     map[string]*counter
	apiKeyStats map[string]*counter

	totalRequests, blockedRequests                                 uint64
	blockedByGlobal, blockedByMethod, blockedByIP, blockedByAPIKey uint64
}

// New constructs a Service.
func New(cfg Config) *Service {
	var global *rate.Limiter
	if cfg.Enabled && cfg.Global.RequestsPerSecond > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.Global.RequestsPerSecond), burstOrOne(cfg.Global.Burst))
	}
	return &Service{
		cfg:            cfg,
		global:         global,
		methodLimiters: make(map[string]*rate.Limiter),
		ipLimiters:     make(map[string]*rate.Limiter),
		apiKeyLimiters: make(map[string]*rate.Limiter),
		methodStats:    make(map[string]*counter),
		ipStats:        make(map[string]*counter),
		apiKeyStats:    make(map[string]*counter),
	}
}

func burstOrOne(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

// Check evaluates ctx against the global, method, IP, and API-key tiers in
// that order, admitting the request only if every applicable tier allows it.
func (s *Service) Check(ctx Context) Result {
	if !s.cfg.Enabled {
		return Result{Allowed: true}
	}

	s.mu.Lock()
	s.totalRequests++
	s.touchLocked(s.methodStats, ctx.Method)
	if ctx.IPAddress != "" {
		s.touchLocked(s.ipStats, ctx.IPAddress)
	}
	if ctx.APIKey != "" {
		s.touchLocked(s.apiKeyStats, ctx.APIKey)
	}
	s.mu.Unlock()

	if s.global != nil && !s.global.Allow() {
		s.recordBlocked("global", ctx)
		return Result{Allowed: false, Reason: "global rate limit exceeded", RetryAfter: time.Second}
	}

	if limit, ok := s.cfg.PerMethodLimits[ctx.Method]; ok {
		l := s.limiterFor(&s.methodLimiters, ctx.Method, limit)
		if !l.Allow() {
			s.recordBlocked("method", ctx)
			return Result{Allowed: false, Reason: "method rate limit exceeded for " + ctx.Method, RetryAfter: time.Second}
		}
	}

	if ctx.IPAddress != "" {
		s.mu.Lock()
		l := s.ipLimiters[ctx.IPAddress]
		s.mu.Unlock()
		if l == nil {
			if limit, ok := s.cfg.PerIPLimits[ctx.IPAddress]; ok {
				l = s.limiterFor(&s.ipLimiters, ctx.IPAddress, limit)
			}
		}
		if l != nil && !l.Allow() {
			s.recordBlocked("ip", ctx)
			return Result{Allowed: false, Reason: "IP rate limit exceeded for " + ctx.IPAddress, RetryAfter: time.Second}
		}
	}

	if ctx.APIKey != "" {
		l := s.limiterFor(&s.apiKeyLimiters, ctx.APIKey, s.cfg.DefaultAPIKey)
		if !l.Allow() {
			s.recordBlocked("api_key", ctx)
			return Result{Allowed: false, Reason: "API key rate limit exceeded", RetryAfter: time.Second}
		}
	}

	return Result{Allowed: true}
}

func (s *Service) touchLocked(stats map[string]*counter, key string) {
	c, ok := stats[key]
	if !ok {
		c = &counter{firstSeen: time.Now()}
		stats[key] = c
	}
	c.requests++
	c.lastSeen = time.Now()
}

func (s *Service) limiterFor(bucket *map[string]*rate.Limiter, key string, limit Limit) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := (*bucket)[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burstOrOne(limit.Burst))
	(*bucket)[key] = l
	return l
}

func (s *Service) recordBlocked(reason string, ctx Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedRequests++
	switch reason {
	case "global":
		s.blockedByGlobal++
	case "method":
		s.blockedByMethod++
		if c, ok := s.methodStats[ctx.Method]; ok {
			c.blocked++
		}
	case "ip":
		s.blockedByIP++
		if c, ok := s.ipStats[ctx.IPAddress]; ok {
			c.blocked++
		}
	case "api_key":
		s.blockedByAPIKey++
		if c, ok := s.apiKeyStats[ctx.APIKey]; ok {
			c.blocked++
		}
	}
}

// WhitelistIP removes any IP-specific limiter for ip, falling back to
// global/method/API-key limits only.
func (s *Service) WhitelistIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ipLimiters, ip)
	delete(s.ipStats, ip)
}

// BlacklistIP installs a severely restrictive limiter for ip.
func (s *Service) BlacklistIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipLimiters[ip] = rate.NewLimiter(rate.Limit(1.0/3600.0), 1)
}

// Stats is a snapshot of rate-limit counters for introspection endpoints.
type Stats struct {
	Enabled          bool
	TotalRequests    uint64
	BlockedRequests  uint64
	BlockRate        float64
	BlockedByGlobal  uint64
	BlockedByMethod  uint64
	BlockedByIP      uint64
	BlockedByAPIKey  uint64
	ActiveMethods    int
	ActiveIPs        int
	ActiveAPIKeys    int
}

// Stats returns a point-in-time snapshot of the service's counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rate float64
	if s.totalRequests > 0 {
		rate = float64(s.blockedRequests) / float64(s.totalRequests)
	}
	return Stats{
		Enabled:         s.cfg.Enabled,
		TotalRequests:   s.totalRequests,
		BlockedRequests: s.blockedRequests,
		BlockRate:       rate,
		BlockedByGlobal: s.blockedByGlobal,
		BlockedByMethod: s.blockedByMethod,
		BlockedByIP:     s.blockedByIP,
		BlockedByAPIKey: s.blockedByAPIKey,
		ActiveMethods:   len(s.methodLimiters),
		ActiveIPs:       len(s.ipLimiters),
		ActiveAPIKeys:   len(s.apiKeyLimiters),
	}
}

// TopIPsByRequests returns the n IPs with the most recorded requests,
// descending.
func (s *Service) TopIPsByRequests(n int) []struct {
	Key      string
	Requests uint64
} {
	return topN(s.ipStats, n, &s.mu)
}

// TopMethodsByRequests returns the n methods with the most recorded
// requests, descending.
func (s *Service) TopMethodsByRequests(n int) []struct {
	Key      string
	Requests uint64
} {
	return topN(s.methodStats, n, &s.mu)
}

func topN(stats map[string]*counter, n int, mu *sync.Mutex) []struct {
	Key      string
	Requests uint64
} {
	mu.Lock()
	defer mu.Unlock()
	out := make([]struct {
		Key      string
		Requests uint64
	}, 0, len(stats))
	for k, c := range stats {
		out = append(out, struct {
			Key      string
			Requests uint64
		}{k, c.requests})
	}
	sortByRequestsDesc(out)
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

func sortByRequestsDesc(items []struct {
	Key      string
	Requests uint64
}) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Requests > items[j-1].Requests; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// CleanupStale removes IP limiters and stats untouched for longer than ttl.
func (s *Service) CleanupStale(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for ip, c := range s.ipStats {
		if now.Sub(c.lastSeen) > ttl {
			delete(s.ipStats, ip)
			delete(s.ipLimiters, ip)
		}
	}
}
