// Package config loads the proxy's runtime configuration from environment
// variables (and optional .env files), following the teacher's getEnv/
// getEnvInt/getEnvBool idiom for layering defaults under process env.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EndpointConfig names one upstream RPC provider entry from endpoints[].
type EndpointConfig struct {
	ID       string
	URL      string
	Name     string
	Weight   uint32
	Priority uint8
	Region   string
	Lat      float64
	Lon      float64
	MaxConns uint32
}

// CacheConfig is the cache.* configuration block.
type CacheConfig struct {
	Enabled    bool
	SharedURL  string
	DefaultTTL time.Duration
	MethodTTLs map[string]time.Duration
}

// ConsensusConfig is the consensus.* configuration block.
type ConsensusConfig struct {
	Enabled            bool
	MinConfirmations   int
	TimeoutMs          int64
	CriticalMethods    []string
	ConsensusThreshold float64
	MaxDeviation       float64
}

// GeoConfig is the geo.* configuration block.
type GeoConfig struct {
	Enabled             bool
	PreferLocal         bool
	MaxLatencyPenaltyMs float64
	RegionWeights       map[string]float64
}

// RateLimitingConfig is the rateLimiting.* configuration block.
type RateLimitingConfig struct {
	DefaultRate  float64
	DefaultBurst int
	PerMethod    map[string]float64
	PerIP        map[string]float64
}

// DiscoveryConfig is the discovery.* configuration block: periodic probing
// of seed URLs to auto-register new endpoints that clear a minimum score.
type DiscoveryConfig struct {
	Enabled     bool
	IntervalSec int
	TestMethods []string
	MinScore    float64
	AutoAdd     bool
	SeedURLs    []string
}

// BulkheadConfig is the bulkhead.* configuration block: the admission gate
// bounding concurrent upstream dispatch, with an optional adaptive resize
// loop layered on top.
type BulkheadConfig struct {
	MaxConcurrent       int
	MaxWaitMs           int
	MetricsWindowSec    int
	Adaptive            bool
	MinCapacity         int
	MaxCapacity         int
	AdjustmentIntervalSec int
}

// Config holds the proxy's full runtime configuration, per spec §6's
// recognized configuration table.
type Config struct {
	BindAddress            string
	Endpoints              []EndpointConfig
	HealthCheckIntervalSec int
	RequestTimeoutSec      int
	MaxRetries             int

	Cache        CacheConfig
	Consensus    ConsensusConfig
	Geo          GeoConfig
	RateLimiting RateLimitingConfig
	Discovery    DiscoveryConfig
	Bulkhead     BulkheadConfig

	AdminPort      int
	PrometheusPort int
	EnablePrometheus bool

	WSMaxConnections int
	WSPingIntervalSec int
}

// Load reads configuration from environment variables, applying an optional
// default and tier-specific .env file first.
func Load() Config {
	loadEnvironmentConfig()

	cfg := Config{
		BindAddress:            getEnv("BIND_ADDRESS", "0.0.0.0:8080"),
		Endpoints:              loadEndpoints(),
		HealthCheckIntervalSec: getEnvInt("HEALTH_CHECK_INTERVAL_SEC", 30),
		RequestTimeoutSec:      getEnvInt("REQUEST_TIMEOUT_SEC", 10),
		MaxRetries:             getEnvInt("MAX_RETRIES", 3),

		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			SharedURL:  getEnv("CACHE_SHARED_URL", ""),
			DefaultTTL: time.Duration(getEnvInt("CACHE_DEFAULT_TTL_SEC", 30)) * time.Second,
			MethodTTLs: map[string]time.Duration{},
		},

		Consensus: ConsensusConfig{
			Enabled:            getEnvBool("CONSENSUS_ENABLED", true),
			MinConfirmations:   maxInt(2, getEnvInt("CONSENSUS_MIN_CONFIRMATIONS", 2)),
			TimeoutMs:          int64(getEnvInt("CONSENSUS_TIMEOUT_MS", 5000)),
			CriticalMethods:    getEnvSlice("CONSENSUS_CRITICAL_METHODS", []string{"sendTransaction", "getAccountInfo", "getBalance", "getSignatureStatuses", "getTransaction"}),
			ConsensusThreshold: clampFloat(getEnvFloat("CONSENSUS_THRESHOLD", 0.67), 0.5, 1.0),
			MaxDeviation:       getEnvFloat("CONSENSUS_MAX_DEVIATION", 2.0),
		},

		Geo: GeoConfig{
			Enabled:             getEnvBool("GEO_ENABLED", false),
			PreferLocal:         getEnvBool("GEO_PREFER_LOCAL", true),
			MaxLatencyPenaltyMs: getEnvFloat("GEO_MAX_LATENCY_PENALTY_MS", 200),
			RegionWeights:       map[string]float64{},
		},

		RateLimiting: RateLimitingConfig{
			DefaultRate:  getEnvFloat("RATE_LIMIT_DEFAULT_RATE", 1000),
			DefaultBurst: getEnvInt("RATE_LIMIT_DEFAULT_BURST", 200),
			PerMethod:    map[string]float64{},
			PerIP:        map[string]float64{},
		},

		Discovery: DiscoveryConfig{
			Enabled:     getEnvBool("DISCOVERY_ENABLED", false),
			IntervalSec: getEnvInt("DISCOVERY_INTERVAL_SEC", 300),
			TestMethods: getEnvSlice("DISCOVERY_TEST_METHODS", []string{"getHealth", "getVersion"}),
			MinScore:    getEnvFloat("DISCOVERY_MIN_SCORE", 70),
			AutoAdd:     getEnvBool("DISCOVERY_AUTO_ADD", false),
			SeedURLs:    getEnvSlice("DISCOVERY_SEED_URLS", []string{}),
		},

		Bulkhead: BulkheadConfig{
			MaxConcurrent:         getEnvInt("BULKHEAD_MAX_CONCURRENT", 10),
			MaxWaitMs:             getEnvInt("BULKHEAD_MAX_WAIT_MS", 5000),
			MetricsWindowSec:      getEnvInt("BULKHEAD_METRICS_WINDOW_SEC", 60),
			Adaptive:              getEnvBool("BULKHEAD_ADAPTIVE", false),
			MinCapacity:           getEnvInt("BULKHEAD_MIN_CAPACITY", 5),
			MaxCapacity:           getEnvInt("BULKHEAD_MAX_CAPACITY", 50),
			AdjustmentIntervalSec: getEnvInt("BULKHEAD_ADJUSTMENT_INTERVAL_SEC", 30),
		},

		AdminPort:        getEnvInt("ADMIN_PORT", 8081),
		EnablePrometheus: getEnvBool("ENABLE_PROMETHEUS", true),
		PrometheusPort:   getEnvInt("PROMETHEUS_PORT", 9090),

		WSMaxConnections:  getEnvInt("WS_MAX_CONNECTIONS", 1000),
		WSPingIntervalSec: getEnvInt("WS_PING_INTERVAL_SEC", 30),
	}

	return cfg
}

// loadEndpoints parses RPC_ENDPOINTS, a comma-separated list of
// "name=url" or bare "url" entries, into EndpointConfig values. A production
// deployment would source this from a structured file; the proxy's core
// only needs the resulting slice, so env parsing stays this simple.
func loadEndpoints() []EndpointConfig {
	raw := getEnv("RPC_ENDPOINTS", "")
	if raw == "" {
		return []EndpointConfig{
			{URL: "https://api.mainnet-beta.solana.com", Name: "solana-mainnet", Weight: 100, MaxConns: 50},
		}
	}
	parts := strings.Split(raw, ",")
	out := make([]EndpointConfig, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, url := "", p
		if idx := strings.Index(p, "="); idx >= 0 {
			name, url = p[:idx], p[idx+1:]
		}
		out = append(out, EndpointConfig{URL: url, Name: name, Weight: 100, MaxConns: 50})
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	result := make([]string, len(parts))
	for i, part := range parts {
		result[i] = strings.TrimSpace(part)
	}
	return result
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// loadEnvironmentConfig loads a default .env file and an optional
// ENV-specific override, matching the teacher's tiered .env loading.
func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded default .env file")
	} else {
		log.Printf("config: no .env file found, using process environment")
	}

	env := getEnv("ENV", "")
	if env != "" {
		envFile := fmt.Sprintf(".env.%s", env)
		if err := godotenv.Load(envFile); err == nil {
			log.Printf("config: loaded environment-specific file %s", envFile)
		}
	}
}
