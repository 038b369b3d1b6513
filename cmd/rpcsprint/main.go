// Command rpcsprint starts the fault-tolerant JSON-RPC proxy: it loads
// configuration, wires the endpoint pool, circuit breakers, cache, consensus
// engine, rate limiter, health monitor, router, and WebSocket multiplex
// together, then serves the HTTP/WS front door until a shutdown signal
// arrives, following the teacher's NewSprint/Start/WaitForShutdown shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/api"
	"github.com/PayRpc/rpc-sprint/internal/breaker"
	"github.com/PayRpc/rpc-sprint/internal/bulkhead"
	"github.com/PayRpc/rpc-sprint/internal/cache"
	"github.com/PayRpc/rpc-sprint/internal/config"
	"github.com/PayRpc/rpc-sprint/internal/consensus"
	"github.com/PayRpc/rpc-sprint/internal/geo"
	"github.com/PayRpc/rpc-sprint/internal/health"
	"github.com/PayRpc/rpc-sprint/internal/metrics"
	"github.com/PayRpc/rpc-sprint/internal/pool"
	"github.com/PayRpc/rpc-sprint/internal/ratelimit"
	"github.com/PayRpc/rpc-sprint/internal/retry"
	"github.com/PayRpc/rpc-sprint/internal/router"
	"github.com/PayRpc/rpc-sprint/internal/ws"
)

func main() {
	cfg := config.Load()

	logger, err := initLogger(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger initialization error:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("rpc-sprint exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pool.New(pool.Config{
		Strategy:      pool.HealthBased,
		BreakerConfig: breaker.DefaultConfig(),
	}, logger.Named("pool"))
	for _, ep := range cfg.Endpoints {
		p.Add(pool.EndpointConfig{
			ID: ep.ID, URL: ep.URL, Name: ep.Name, Weight: ep.Weight,
			Priority: ep.Priority, Region: ep.Region, Lat: ep.Lat, Lon: ep.Lon,
			MaxConns: ep.MaxConns,
		})
	}
	logger.Info("endpoint pool assembled", zap.Int("count", len(cfg.Endpoints)))

	c := cache.New(cache.Config{
		Enabled:      cfg.Cache.Enabled,
		RedisURL:     cfg.Cache.SharedURL,
		DefaultTTL:   cfg.Cache.DefaultTTL,
		MethodTTLs:   cfg.Cache.MethodTTLs,
		LocalCapacity: 10000,
		LocalLowWater: 8000,
		KeyNamespace: "rpc-sprint",
	}, logger.Named("cache"))

	critical := make(map[string]bool, len(cfg.Consensus.CriticalMethods))
	for _, m := range cfg.Consensus.CriticalMethods {
		critical[m] = true
	}
	ce := consensus.New(consensus.Config{
		TimeoutMs:          cfg.Consensus.TimeoutMs,
		MinConfirmations:   cfg.Consensus.MinConfirmations,
		ConsensusThreshold: cfg.Consensus.ConsensusThreshold,
		CriticalMethods:    critical,
	}, logger.Named("consensus"))

	limiter := ratelimit.New(ratelimit.Config{
		Enabled: true,
		Global: ratelimit.Limit{
			RequestsPerSecond: cfg.RateLimiting.DefaultRate,
			Burst:             cfg.RateLimiting.DefaultBurst,
		},
		PerMethodLimits: toLimits(cfg.RateLimiting.PerMethod),
		PerIPLimits:     toLimits(cfg.RateLimiting.PerIP),
	})

	m := metrics.New()

	rcfg := router.Config{
		RetryConfig: retry.Config{
			Strategy:        retry.Exponential,
			MaxAttempts:     cfg.MaxRetries,
			InitialDelay:    100 * time.Millisecond,
			MaxDelay:        30 * time.Second,
			ExponentialBase: 2.0,
			JitterFactor:    0.1,
			OverallTimeout:  time.Duration(cfg.RequestTimeoutSec) * time.Second,
		},
		ConsensusEnabled: cfg.Consensus.Enabled,
		GeoConfig: geo.Config{
			Enabled:             cfg.Geo.Enabled,
			PreferLocalEndpoints: cfg.Geo.PreferLocal,
			MaxLatencyPenaltyMs: cfg.Geo.MaxLatencyPenaltyMs,
			RegionWeights:       cfg.Geo.RegionWeights,
		},
		BulkheadConfig: bulkhead.Config{
			MaxConcurrent: cfg.Bulkhead.MaxConcurrent,
			MaxWait:       time.Duration(cfg.Bulkhead.MaxWaitMs) * time.Millisecond,
			MetricsWindow: time.Duration(cfg.Bulkhead.MetricsWindowSec) * time.Second,
		},
	}
	if cfg.Bulkhead.Adaptive {
		rcfg.AdaptiveBulkhead = &bulkhead.AdaptiveConfig{
			MinCapacity:        cfg.Bulkhead.MinCapacity,
			MaxCapacity:        cfg.Bulkhead.MaxCapacity,
			InitialCapacity:    cfg.Bulkhead.MaxConcurrent,
			AdjustmentInterval: time.Duration(cfg.Bulkhead.AdjustmentIntervalSec) * time.Second,
		}
	}
	dispatch := router.HTTPDispatcher(&http.Client{
		Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
	})
	rt := router.New(rcfg, p, c, ce, dispatch, m, logger.Named("router"))
	go rt.Run(ctx)

	mux := ws.New(p, cfg.WSMaxConnections, logger.Named("ws"))

	monitor := health.New(p, health.Config{
		Interval:     time.Duration(cfg.HealthCheckIntervalSec) * time.Second,
		ProbeTimeout: 5 * time.Second,
	}, logger.Named("health"))
	go monitor.Run(ctx)

	var discoverer *pool.Discovery
	if cfg.Discovery.Enabled {
		discoverer = pool.NewDiscovery(p, pool.DiscoveryConfig{
			Interval:    time.Duration(cfg.Discovery.IntervalSec) * time.Second,
			TestMethods: cfg.Discovery.TestMethods,
			MinScore:    cfg.Discovery.MinScore,
			AutoAdd:     cfg.Discovery.AutoAdd,
			SeedURLs:    cfg.Discovery.SeedURLs,
		}, logger.Named("discovery"))
		go discoverer.Run(ctx)
	}

	srv := api.New(cfg, p, c, rt, mux, limiter, m, logger.Named("api"))

	logger.Info("rpc-sprint starting", zap.String("addr", cfg.BindAddress))
	err := srv.Run(ctx)
	monitor.Stop()
	rt.Stop()
	if discoverer != nil {
		discoverer.Stop()
	}
	return err
}

func toLimits(rates map[string]float64) map[string]ratelimit.Limit {
	out := make(map[string]ratelimit.Limit, len(rates))
	for k, v := range rates {
		out[k] = ratelimit.Limit{RequestsPerSecond: v, Burst: int(v)}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func initLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}
