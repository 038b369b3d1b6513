// Auto-discovery (spec §4.5 startAutoDiscovery): on a cadence, queries a
// cluster-node-list method on a seed URL, probes each advertised URL with a
// short test-method battery, and conditionally registers endpoints whose
// probe score clears a threshold. Grounded on the health monitor's
// ticker-and-probe shape (internal/health), reused here for discovery
// instead of ongoing status checks.
package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DiscoveryConfig tunes a Discovery loop.
type DiscoveryConfig struct {
	Interval    time.Duration // ticker period; default 5m
	TestMethods []string      // test-method battery run against each candidate
	MinScore    float64       // minimum probe score (0-100) to qualify
	AutoAdd     bool          // if false, qualifying endpoints are only logged
	SeedURLs    []string      // seed endpoints queried for the cluster node list
}

// DefaultDiscoveryConfig returns spec-default auto-discovery tuning.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Interval:    5 * time.Minute,
		TestMethods: []string{"getHealth", "getVersion"},
		MinScore:    70,
	}
}

// clusterNode is the subset of a getClusterNodes entry discovery cares
// about: the advertised JSON-RPC URL for that node.
type clusterNode struct {
	RPC     string `json:"rpc"`
	Pubkey  string `json:"pubkey"`
	Version string `json:"version"`
}

// Discovery runs the periodic auto-discovery loop against a Pool.
type Discovery struct {
	pool   *Pool
	cfg    DiscoveryConfig
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewDiscovery creates a Discovery loop bound to pool p.
func NewDiscovery(p *Pool, cfg DiscoveryConfig, logger *zap.Logger) *Discovery {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if len(cfg.TestMethods) == 0 {
		cfg.TestMethods = []string{"getHealth", "getVersion"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		pool:   p,
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Run blocks, probing for new endpoints on cfg.Interval until ctx is
// canceled or Stop is called.
func (d *Discovery) Run(ctx context.Context) {
	if len(d.cfg.SeedURLs) == 0 {
		d.logger.Info("auto-discovery disabled: no seed URLs configured")
		return
	}
	d.logger.Info("starting auto-discovery", zap.Duration("interval", d.cfg.Interval), zap.Strings("seeds", d.cfg.SeedURLs))
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.DiscoverOnce(ctx)
	for {
		select {
		case <-ticker.C:
			d.DiscoverOnce(ctx)
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends a running Run loop.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopped {
		close(d.stop)
		d.stopped = true
	}
}

// DiscoverOnce queries every seed URL for its cluster node list, probes each
// advertised RPC URL not already in the pool, and registers those clearing
// MinScore when AutoAdd is set. It returns the URLs it added.
func (d *Discovery) DiscoverOnce(ctx context.Context) []string {
	known := make(map[string]bool)
	for _, ep := range d.pool.All() {
		known[ep.URL] = true
	}

	var added []string
	for _, seed := range d.cfg.SeedURLs {
		candidates, err := d.fetchClusterNodes(ctx, seed)
		if err != nil {
			d.logger.Warn("auto-discovery: cluster node query failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		for _, url := range candidates {
			if url == "" || known[url] {
				continue
			}
			known[url] = true

			score := d.probeScore(ctx, url)
			d.logger.Info("auto-discovery: probed candidate", zap.String("url", url), zap.Float64("score", score))
			if score < d.cfg.MinScore {
				continue
			}
			if !d.cfg.AutoAdd {
				continue
			}
			ep := d.pool.Add(EndpointConfig{URL: url, Name: fmt.Sprintf("auto-%s", shortHash(url)), Weight: 100, Priority: 200, MaxConns: 50})
			added = append(added, ep.URL)
			d.logger.Info("auto-discovery: registered endpoint", zap.String("url", url), zap.String("id", ep.ID))
		}
	}
	return added
}

// fetchClusterNodes calls getClusterNodes on seed and extracts each node's
// advertised RPC URL.
func (d *Discovery) fetchClusterNodes(ctx context.Context, seed string) ([]string, error) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"getClusterNodes"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, seed, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cluster node query returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Result []clusterNode `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(envelope.Result))
	for _, n := range envelope.Result {
		if n.RPC != "" {
			urls = append(urls, n.RPC)
		}
	}
	return urls, nil
}

// probeScore runs the configured test-method battery against url and
// returns a 0-100 score: 100 × success rate, minus a response-time penalty
// capped at 20 (ms/1000, clamped), matching the pool's own score formula so
// discovered endpoints are judged by the same yardstick as existing ones.
func (d *Discovery) probeScore(ctx context.Context, url string) float64 {
	total, succeeded := 0, 0
	var totalMs float64

	for _, method := range d.cfg.TestMethods {
		total++
		start := time.Now()
		if d.probeOne(ctx, url, method) {
			succeeded++
		}
		totalMs += float64(time.Since(start).Milliseconds())
	}
	if total == 0 {
		return 0
	}

	successRate := float64(succeeded) / float64(total) * 100.0
	avgMs := totalMs / float64(total)
	penalty := avgMs / 1000.0
	if penalty > 20.0 {
		penalty = 20.0
	}
	score := successRate - penalty
	if score < 0 {
		score = 0
	}
	return score
}

func (d *Discovery) probeOne(ctx context.Context, url, method string) bool {
	body := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q}`, method))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	var envelope struct {
		Result interface{}     `json:"result"`
		Error  *json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false
	}
	return envelope.Error == nil
}

// shortHash derives a short, stable, filesystem-and-log-friendly suffix
// from a URL for naming auto-added endpoints without colliding.
func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}
