package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"
)

func TestGetSet_LocalTierRoundTrip(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx := context.Background()

	params := json.RawMessage(`{"pubkey":"abc"}`)
	resp := json.RawMessage(`{"result":{"value":1}}`)

	if _, ok := c.Get(ctx, "getAccountInfo", params); ok {
		t.Fatal("expected miss before Set")
	}

	c.Set(ctx, "getAccountInfo", params, resp)

	got, ok := c.Get(ctx, "getAccountInfo", params)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if string(got) != string(resp) {
		t.Errorf("got %s, want %s", got, resp)
	}
}

func TestGet_NonCacheableMethodNeverStored(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx := context.Background()
	c.Set(ctx, "getSlot", nil, json.RawMessage(`123`))
	if _, ok := c.Get(ctx, "getSlot", nil); ok {
		t.Fatal("getSlot should never be cached")
	}
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MethodTTLs = map[string]time.Duration{"getAccountInfo": 10 * time.Millisecond}
	c := New(cfg, nil)
	ctx := context.Background()

	params := json.RawMessage(`{"a":1}`)
	c.Set(ctx, "getAccountInfo", params, json.RawMessage(`"v"`))

	if _, ok := c.Get(ctx, "getAccountInfo", params); !ok {
		t.Fatal("expected immediate hit")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(ctx, "getAccountInfo", params); ok {
		t.Fatal("expected expiry after TTL elapses")
	}
}

func TestGet_KeyOrderIndependent(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "getAccountInfo", json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`"v"`))
	got, ok := c.Get(ctx, "getAccountInfo", json.RawMessage(`{"b":2,"a":1}`))
	if !ok {
		t.Fatal("expected hit regardless of key order in params")
	}
	if string(got) != `"v"` {
		t.Errorf("unexpected value: %s", got)
	}
}

func TestInvalidate_RemovesMatchingLocalKeys(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx := context.Background()

	c.Set(ctx, "getAccountInfo", json.RawMessage(`{"a":1}`), json.RawMessage(`"v1"`))
	c.Set(ctx, "getBalance", json.RawMessage(`{"a":1}`), json.RawMessage(`"v2"`))

	c.Invalidate(ctx, "getAccountInfo")

	if _, ok := c.Get(ctx, "getAccountInfo", json.RawMessage(`{"a":1}`)); ok {
		t.Fatal("expected getAccountInfo entry invalidated")
	}
	if _, ok := c.Get(ctx, "getBalance", json.RawMessage(`{"a":1}`)); !ok {
		t.Fatal("getBalance entry should survive an unrelated invalidation")
	}
}

func TestStats_TracksHitsAndMisses(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx := context.Background()

	params := json.RawMessage(`{"a":1}`)
	c.Get(ctx, "getAccountInfo", params) // miss
	c.Set(ctx, "getAccountInfo", params, json.RawMessage(`"v"`))
	c.Get(ctx, "getAccountInfo", params) // hit

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got hits=%d misses=%d", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", stats.HitRate)
	}
}

func TestEviction_CapsLocalSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalCapacity = 10
	cfg.LocalLowWater = 6
	c := New(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		params := json.RawMessage([]byte(`{"i":` + strconv.Itoa(i) + `}`))
		c.Set(ctx, "getAccountInfo", params, json.RawMessage(`"v"`))
	}

	if c.Stats().LocalSize > cfg.LocalCapacity {
		t.Errorf("local size %d exceeds capacity %d", c.Stats().LocalSize, cfg.LocalCapacity)
	}
}
