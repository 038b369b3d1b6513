package router

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PayRpc/rpc-sprint/internal/breaker"
	"github.com/PayRpc/rpc-sprint/internal/bulkhead"
	"github.com/PayRpc/rpc-sprint/internal/cache"
	"github.com/PayRpc/rpc-sprint/internal/consensus"
	"github.com/PayRpc/rpc-sprint/internal/pool"
	"github.com/PayRpc/rpc-sprint/internal/retry"
	"github.com/PayRpc/rpc-sprint/internal/rpc"
	"github.com/PayRpc/rpc-sprint/internal/rpcerr"
)

func newTestRouter(t *testing.T, dispatch Dispatcher) (*Router, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Config{Strategy: pool.HealthBased, BreakerConfig: breaker.DefaultConfig()}, nil)
	p.Add(pool.EndpointConfig{URL: "http://a", Name: "a", MaxConns: 10})
	p.Add(pool.EndpointConfig{URL: "http://b", Name: "b", MaxConns: 10})

	c := cache.New(cache.Config{Enabled: true, DefaultTTL: 0, LocalCapacity: 100, LocalLowWater: 50, KeyNamespace: "test"}, nil)
	ce := consensus.New(consensus.Config{MinConfirmations: 1, ConsensusThreshold: 0.5, TimeoutMs: 2000}, nil)

	cfg := DefaultConfig()
	cfg.RetryConfig = retry.Config{Strategy: retry.Fixed, MaxAttempts: 2, InitialDelay: 0, MaxDelay: 0, OverallTimeout: 2 * time.Second}
	r := New(cfg, p, c, ce, dispatch, nil, nil)
	return r, p
}

func okDispatcher(result string) Dispatcher {
	return func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		return rpc.NewSuccess(id, json.RawMessage(result)), nil
	}
}

func TestRoute_InvalidEnvelopeReturnsInvalidRequest(t *testing.T) {
	r, _ := newTestRouter(t, okDispatcher(`1`))
	req := &rpc.Request{JSONRPC: "1.0", Method: "getVersion", ID: json.RawMessage("1")}
	resp := r.Route(context.Background(), req, Location{})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp)
	}
}

func TestRoute_SuccessfulDispatchReturnsResult(t *testing.T) {
	r, _ := newTestRouter(t, okDispatcher(`42`))
	req := &rpc.Request{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage("1")}
	resp := r.Route(context.Background(), req, Location{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestRoute_CachesCacheableMethodResult(t *testing.T) {
	calls := 0
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		calls++
		return rpc.NewSuccess(id, json.RawMessage(`{"value":1}`)), nil
	}
	r, _ := newTestRouter(t, dispatch)
	req := &rpc.Request{JSONRPC: "2.0", Method: "getGenesisHash", ID: json.RawMessage("1"), Params: json.RawMessage(`["x"]`)}

	r.Route(context.Background(), req, Location{})
	r.Route(context.Background(), req, Location{})

	if calls != 1 {
		t.Errorf("expected second call to be served from cache, dispatch called %d times", calls)
	}
}

func TestRoute_TerminalUpstreamErrorNotRetried(t *testing.T) {
	calls := 0
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		calls++
		return rpc.NewError(id, rpc.CodeMethodNotFound, "method not found", nil), nil
	}
	r, _ := newTestRouter(t, dispatch)
	req := &rpc.Request{JSONRPC: "2.0", Method: "bogusMethod", ID: json.RawMessage("1")}
	resp := r.Route(context.Background(), req, Location{})

	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected method-not-found passthrough, got %+v", resp)
	}
	if calls != 1 {
		t.Errorf("expected exactly one attempt for a terminal error, got %d", calls)
	}
}

func TestRoute_RetriesTransientFailureThenSucceeds(t *testing.T) {
	calls := 0
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		calls++
		if calls == 1 {
			return nil, rpcerr.Transport(context.DeadlineExceeded, ep.ID)
		}
		return rpc.NewSuccess(id, json.RawMessage(`1`)), nil
	}
	r, _ := newTestRouter(t, dispatch)
	req := &rpc.Request{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage("1")}
	resp := r.Route(context.Background(), req, Location{})

	if resp.Error != nil {
		t.Fatalf("expected eventual success, got error %+v", resp.Error)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestRoute_AllUnavailableReturnsInternalError(t *testing.T) {
	r, p := newTestRouter(t, okDispatcher(`1`))
	for _, ep := range p.All() {
		ep.SetStatus(pool.Unhealthy)
	}
	req := &rpc.Request{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage("1")}
	resp := r.Route(context.Background(), req, Location{})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInternalError {
		t.Fatalf("expected internal error when no endpoint is available, got %+v", resp)
	}
}

func TestRoute_CriticalMethodUsesConsensus(t *testing.T) {
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		return rpc.NewSuccess(id, json.RawMessage(`{"value":7}`)), nil
	}
	r, _ := newTestRouter(t, dispatch)
	req := &rpc.Request{JSONRPC: "2.0", Method: "getBalance", ID: json.RawMessage("1"), Params: json.RawMessage(`["acct"]`)}
	resp := r.Route(context.Background(), req, Location{})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.ConsensusMeta == nil {
		t.Fatal("expected consensus metadata on a critical-method response")
	}
}

func TestRouteBatch_DispatchesEveryItemAndPreservesOrder(t *testing.T) {
	n := MaxConcurrentBatchItems*3 + 7
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		return rpc.NewSuccess(id, json.RawMessage(string(id))), nil
	}
	r, _ := newTestRouter(t, dispatch)
	reqs := make([]*rpc.Request, n)
	for i := range reqs {
		reqs[i] = &rpc.Request{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage([]byte(`"` + string(rune('a'+i%26)) + `"`))}
	}
	out := r.RouteBatch(context.Background(), reqs, Location{})
	if len(out) != n {
		t.Fatalf("expected every item dispatched, got %d of %d", len(out), n)
	}
	for i, resp := range out {
		if resp == nil {
			t.Fatalf("item %d: nil response", i)
		}
		if string(resp.ID) != string(reqs[i].ID) {
			t.Errorf("item %d: response id %s does not match request id %s", i, resp.ID, reqs[i].ID)
		}
	}
}

func TestRouteBatch_BoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return rpc.NewSuccess(id, json.RawMessage(`1`)), nil
	}
	r, _ := newTestRouter(t, dispatch)
	reqs := make([]*rpc.Request, MaxConcurrentBatchItems*4)
	for i := range reqs {
		reqs[i] = &rpc.Request{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage([]byte(`"id"`))}
	}
	r.RouteBatch(context.Background(), reqs, Location{})
	if maxInFlight > int32(MaxConcurrentBatchItems) {
		t.Errorf("expected at most %d in flight, observed %d", MaxConcurrentBatchItems, maxInFlight)
	}
}

func TestRoute_BulkheadRejectsOverCapacity(t *testing.T) {
	release := make(chan struct{})
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		<-release
		return rpc.NewSuccess(id, json.RawMessage(`1`)), nil
	}
	r, _ := newTestRouter(t, dispatch)
	r.bulkhead = bulkhead.New("test", bulkhead.Config{MaxConcurrent: 1, MaxWait: 20 * time.Millisecond}, nil)
	r.bulkheadBase = r.bulkhead.(*bulkhead.Bulkhead)
	r.cfg.RetryConfig.MaxAttempts = 1

	done := make(chan *rpc.Response, 1)
	go func() {
		req := &rpc.Request{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage("1")}
		done <- r.Route(context.Background(), req, Location{})
	}()
	time.Sleep(5 * time.Millisecond) // let the first call occupy the single permit

	req2 := &rpc.Request{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage("2")}
	resp2 := r.Route(context.Background(), req2, Location{})
	if resp2.Error == nil || resp2.Error.Code != rpc.CodeInternalError {
		t.Fatalf("expected the second call to be rejected by the bulkhead, got %+v", resp2)
	}

	close(release)
	resp1 := <-done
	if resp1.Error != nil {
		t.Fatalf("expected the first call to succeed once it held the permit, got %+v", resp1.Error)
	}
}

func TestRouteBatch_PerItemFailureDoesNotFailWholeBatch(t *testing.T) {
	calls := 0
	dispatch := func(ctx context.Context, ep *pool.Endpoint, method string, params json.RawMessage, id json.RawMessage) (*rpc.Response, error) {
		calls++
		if method == "willFail" {
			return nil, rpcerr.Transport(context.DeadlineExceeded, ep.ID)
		}
		return rpc.NewSuccess(id, json.RawMessage(`1`)), nil
	}
	r, _ := newTestRouter(t, dispatch)
	reqs := []*rpc.Request{
		{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage(`1`)},
		{JSONRPC: "2.0", Method: "willFail", ID: json.RawMessage(`2`)},
		{JSONRPC: "2.0", Method: "getVersion", ID: json.RawMessage(`3`)},
	}
	out := r.RouteBatch(context.Background(), reqs, Location{})
	if len(out) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(out))
	}
	if out[0].Error != nil || out[2].Error != nil {
		t.Errorf("expected non-failing items to succeed, got %+v / %+v", out[0], out[2])
	}
	if out[1].Error == nil {
		t.Error("expected the failing item to carry an error response")
	}
}
