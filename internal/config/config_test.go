package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Scorer.SuccessRateFloor != 0.50 || cfg.Scorer.SuccessRateCeiling != 0.99 || cfg.Scorer.MinSamplesForTuning != 5 {
		t.Fatalf("unexpected scorer defaults: %+v", cfg.Scorer)
	}
	if cfg.Learning.AdviceTTLMs < 300_000 {
		t.Fatalf("expected learning_advice_ttl_ms >= 300000, got %d", cfg.Learning.AdviceTTLMs)
	}
	if cfg.Rotator.Strategy != "round_robin" || cfg.Rotator.CooldownMs != 60_000 || cfg.Rotator.MaxFailures != 3 {
		t.Fatalf("unexpected rotator defaults: %+v", cfg.Rotator)
	}
	if cfg.StuckBug.TimeoutMs != 300_000 || cfg.StuckBug.FailureThreshold != 3 || cfg.StuckBug.FailureWindowMs != 180_000 {
		t.Fatalf("unexpected stuck_bug defaults: %+v", cfg.StuckBug)
	}
}

func TestLoadConfigOverlaysFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"host":"127.0.0.1","port":9999}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected file overlay applied, got %+v", cfg.Server)
	}
	if cfg.Scorer.SuccessRateFloor != 0.50 {
		t.Fatalf("expected untouched defaults to survive overlay, got %+v", cfg.Scorer)
	}
}

func TestLoadConfigOverlaysProviderKeysFromCommaList(t *testing.T) {
	t.Setenv("GROQ_API_KEYS", "k1, k2 ,k3")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	keys := cfg.Providers["groq"]
	if len(keys) != 3 || keys[0] != "k1" || keys[2] != "k3" {
		t.Fatalf("expected 3 trimmed keys, got %v", keys)
	}
}

func TestLoadConfigOverlaysSingularProviderKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "single-key")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.Providers["openai"]; len(got) != 1 || got[0] != "single-key" {
		t.Fatalf("expected singular key overlay, got %v", got)
	}
}

func TestResolveProviderPoolFollowsAlias(t *testing.T) {
	if got := ResolveProviderPool("antigravity"); got != "google" {
		t.Fatalf("expected antigravity to alias to google, got %s", got)
	}
	if got := ResolveProviderPool("openai"); got != "openai" {
		t.Fatalf("expected unaliased name unchanged, got %s", got)
	}
}
