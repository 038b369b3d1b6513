package pool

import (
	"testing"
	"time"

	"github.com/PayRpc/rpc-sprint/internal/breaker"
)

func newTestPool(strategy Strategy) *Pool {
	return New(Config{Strategy: strategy, BreakerConfig: breaker.DefaultConfig()}, nil)
}

func TestAdd_AssignsIDAndDefaults(t *testing.T) {
	p := newTestPool(RoundRobin)
	ep := p.Add(EndpointConfig{URL: "http://a", Name: "a"})
	if ep.ID == "" {
		t.Fatal("expected generated ID")
	}
	if ep.MaxConns != 100 {
		t.Errorf("expected default MaxConns 100, got %d", ep.MaxConns)
	}
}

func TestSelect_FailsWhenPoolEmpty(t *testing.T) {
	p := newTestPool(RoundRobin)
	if _, err := p.Select(); err == nil {
		t.Fatal("expected error selecting from empty pool")
	}
}

func TestSelect_SkipsUnhealthyAndBreakerOpen(t *testing.T) {
	p := newTestPool(RoundRobin)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a"})
	b := p.Add(EndpointConfig{URL: "http://b", Name: "b"})

	c := p.Add(EndpointConfig{URL: "http://c", Name: "c"})

	a.SetStatus(Healthy)
	b.SetStatus(Unhealthy)
	c.SetStatus(Healthy)
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		c.Breaker().Failure()
	}

	for i := 0; i < 10; i++ {
		ep, err := p.Select()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ep.ID != a.ID {
			t.Fatalf("expected only healthy endpoint a selected, got %s", ep.Name)
		}
	}
}

func TestSelect_AllUnavailableReturnsError(t *testing.T) {
	p := newTestPool(RoundRobin)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a"})
	a.SetStatus(Unhealthy)

	if _, err := p.Select(); err == nil {
		t.Fatal("expected AllUnhealthy error")
	}
}

func TestSelectByHealth_PrefersHealthyOverDegraded(t *testing.T) {
	p := newTestPool(HealthBased)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a", Priority: 1})
	b := p.Add(EndpointConfig{URL: "http://b", Name: "b", Priority: 1})
	a.SetStatus(Degraded)
	b.SetStatus(Healthy)

	ep, err := p.Select()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.ID != b.ID {
		t.Fatalf("expected healthy endpoint preferred, got %s", ep.Name)
	}
}

func TestSelectByLatency_PicksLowestAvgLatency(t *testing.T) {
	p := newTestPool(LeastLatency)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a"})
	b := p.Add(EndpointConfig{URL: "http://b", Name: "b"})
	a.SetStatus(Healthy)
	b.SetStatus(Healthy)

	a.RecordResult(true, 200*time.Millisecond)
	b.RecordResult(true, 10*time.Millisecond)

	ep, err := p.Select()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.ID != b.ID {
		t.Fatalf("expected lowest-latency endpoint b selected, got %s", ep.Name)
	}
}

func TestSelectWeighted_FallsBackToRoundRobinOnZeroWeight(t *testing.T) {
	p := newTestPool(Weighted)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a", Weight: 0})
	b := p.Add(EndpointConfig{URL: "http://b", Name: "b", Weight: 0})
	a.SetStatus(Healthy)
	b.SetStatus(Healthy)

	ep, err := p.Select()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep == nil {
		t.Fatal("expected a selection via round-robin fallback")
	}
}

func TestRecordResult_ComputesScoreAndGrade(t *testing.T) {
	p := newTestPool(RoundRobin)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a"})
	a.SetStatus(Healthy)

	for i := 0; i < 10; i++ {
		a.RecordResult(true, 5*time.Millisecond)
	}

	snap := a.Snapshot()
	if snap.Score.SuccessRate != 100 {
		t.Errorf("expected 100%% success rate, got %v", snap.Score.SuccessRate)
	}
	if snap.Score.Grade == "" {
		t.Error("expected a computed grade")
	}
}

func TestSelectFrom_PrefersCandidatesOverFullPool(t *testing.T) {
	p := newTestPool(RoundRobin)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a"})
	b := p.Add(EndpointConfig{URL: "http://b", Name: "b"})
	a.SetStatus(Healthy)
	b.SetStatus(Healthy)

	ep, err := p.SelectFrom([]*Endpoint{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.ID != b.ID {
		t.Fatalf("expected candidate b honored, got %s", ep.Name)
	}
}

func TestSelectFrom_EmptyCandidatesFallsBackToPool(t *testing.T) {
	p := newTestPool(RoundRobin)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a"})
	a.SetStatus(Healthy)

	ep, err := p.SelectFrom(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.ID != a.ID {
		t.Fatal("expected fallback to pool selection")
	}
}

func TestAcquireRelease_TracksActiveConns(t *testing.T) {
	p := newTestPool(RoundRobin)
	a := p.Add(EndpointConfig{URL: "http://a", Name: "a", MaxConns: 1})
	a.SetStatus(Healthy)

	a.Acquire()
	if a.Snapshot().ActiveConns != 1 {
		t.Fatalf("expected 1 active conn")
	}
	if _, err := p.Select(); err == nil {
		t.Fatal("expected endpoint to be unavailable at MaxConns")
	}
	a.Release()
	if _, err := p.Select(); err != nil {
		t.Fatalf("expected endpoint available after release: %v", err)
	}
}
