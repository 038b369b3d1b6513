package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDiscoverOnce_AddsQualifyingEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "ok"})
	}))
	defer upstream.Close()

	seed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": []map[string]string{
				{"rpc": upstream.URL, "pubkey": "abc"},
			},
		})
	}))
	defer seed.Close()

	p := newTestPool(RoundRobin)
	d := NewDiscovery(p, DiscoveryConfig{
		Interval:    time.Minute,
		TestMethods: []string{"getHealth"},
		MinScore:    1,
		AutoAdd:     true,
		SeedURLs:    []string{seed.URL},
	}, nil)

	added := d.DiscoverOnce(context.Background())
	if len(added) != 1 || added[0] != upstream.URL {
		t.Fatalf("expected upstream to be auto-added, got %v", added)
	}
	if len(p.All()) != 1 {
		t.Fatalf("expected 1 endpoint registered, got %d", len(p.All()))
	}
}

func TestDiscoverOnce_SkipsBelowMinScore(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	seed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": []map[string]string{
				{"rpc": upstream.URL},
			},
		})
	}))
	defer seed.Close()

	p := newTestPool(RoundRobin)
	d := NewDiscovery(p, DiscoveryConfig{
		Interval:    time.Minute,
		TestMethods: []string{"getHealth"},
		MinScore:    50,
		AutoAdd:     true,
		SeedURLs:    []string{seed.URL},
	}, nil)

	added := d.DiscoverOnce(context.Background())
	if len(added) != 0 {
		t.Fatalf("expected no endpoints added, got %v", added)
	}
}

func TestDiscoverOnce_SkipsAlreadyKnownURL(t *testing.T) {
	seed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": []map[string]string{
				{"rpc": "http://existing"},
			},
		})
	}))
	defer seed.Close()

	p := newTestPool(RoundRobin)
	p.Add(EndpointConfig{URL: "http://existing", Name: "existing"})

	d := NewDiscovery(p, DiscoveryConfig{
		Interval:    time.Minute,
		TestMethods: []string{"getHealth"},
		MinScore:    1,
		AutoAdd:     true,
		SeedURLs:    []string{seed.URL},
	}, nil)

	added := d.DiscoverOnce(context.Background())
	if len(added) != 0 {
		t.Fatalf("expected already-known URL to be skipped, got %v", added)
	}
	if len(p.All()) != 1 {
		t.Fatalf("expected pool size unchanged, got %d", len(p.All()))
	}
}

func TestDiscoverOnce_NoAutoAddDoesNotRegister(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "ok"})
	}))
	defer upstream.Close()

	seed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": []map[string]string{
				{"rpc": upstream.URL},
			},
		})
	}))
	defer seed.Close()

	p := newTestPool(RoundRobin)
	d := NewDiscovery(p, DiscoveryConfig{
		Interval:    time.Minute,
		TestMethods: []string{"getHealth"},
		MinScore:    1,
		AutoAdd:     false,
		SeedURLs:    []string{seed.URL},
	}, nil)

	added := d.DiscoverOnce(context.Background())
	if len(added) != 0 {
		t.Fatalf("expected AutoAdd=false to suppress registration, got %v", added)
	}
	if len(p.All()) != 0 {
		t.Fatalf("expected pool to stay empty, got %d", len(p.All()))
	}
}
