package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsWhenEnvUnset(t *testing.T) {
	os.Clearenv()
	cfg := Load()

	if cfg.BindAddress == "" {
		t.Error("expected a default bind address")
	}
	if len(cfg.Endpoints) == 0 {
		t.Error("expected a default endpoint when RPC_ENDPOINTS is unset")
	}
	if cfg.Consensus.MinConfirmations < 2 {
		t.Errorf("expected MinConfirmations floored to 2, got %d", cfg.Consensus.MinConfirmations)
	}
}

func TestLoad_ParsesNamedEndpoints(t *testing.T) {
	os.Clearenv()
	os.Setenv("RPC_ENDPOINTS", "primary=https://a.example,https://b.example")
	defer os.Clearenv()

	cfg := Load()
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(cfg.Endpoints))
	}
	if cfg.Endpoints[0].Name != "primary" || cfg.Endpoints[0].URL != "https://a.example" {
		t.Errorf("unexpected first endpoint: %+v", cfg.Endpoints[0])
	}
	if cfg.Endpoints[1].Name != "" || cfg.Endpoints[1].URL != "https://b.example" {
		t.Errorf("unexpected second endpoint: %+v", cfg.Endpoints[1])
	}
}

func TestLoad_ClampsConsensusThresholdToValidRange(t *testing.T) {
	os.Clearenv()
	os.Setenv("CONSENSUS_THRESHOLD", "1.5")
	defer os.Clearenv()

	cfg := Load()
	if cfg.Consensus.ConsensusThreshold != 1.0 {
		t.Errorf("expected threshold clamped to 1.0, got %v", cfg.Consensus.ConsensusThreshold)
	}
}
