// Package config defines the application-level Config struct for the
// routing and learning core: JSON file load plus an environment-variable
// overlay for secrets, and every numeric default named in spec.md §6.
// Grounded on the teacher's top-level config.LoadConfig (read file,
// unmarshal, overlay env vars, return) generalized from a single
// vault/provider shape into the policy/rotator/breaker/quota/scorer/
// strategy/stuckbug/advisor knobs this system actually has.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config holds every tunable of the routing and learning core. All
// defaults are filled in by DefaultConfig(); LoadConfig overlays a JSON
// file and then provider API key environment variables on top.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Policy   PolicyConfig   `json:"policy"`
	Rotator  RotatorConfig  `json:"rotator"`
	Breaker  BreakerConfig  `json:"breaker"`
	Scorer   ScorerConfig   `json:"scorer"`
	StuckBug StuckBugConfig `json:"stuck_bug"`
	Learning LearningConfig `json:"learning"`

	// Providers maps a canonical provider name (nvidia, cerebras, groq,
	// sambanova, openai, anthropic, google) to its resolved API keys,
	// populated from <PROVIDER>_API_KEYS / <PROVIDER>_API_KEY env vars
	// during LoadConfig, never read from the JSON file directly.
	Providers map[string][]string `json:"-"`
}

// ServerConfig configures the thin operator HTTP surface (internal/httpapi).
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// PolicyConfig locates the immutable model policy catalog file (C4).
type PolicyConfig struct {
	PolicyFile string `json:"policy_file"`
}

// RotatorConfig carries KeyRotator (C1) defaults.
type RotatorConfig struct {
	Strategy     string `json:"strategy"` // "round_robin", "health_first", "weighted"
	CooldownMs   int64  `json:"cooldown_ms"`
	MaxFailures  int    `json:"max_failures"`
	DegradedCooldownMs int64 `json:"degraded_cooldown_ms"`
}

// BreakerConfig carries CircuitBreaker (C2) defaults.
type BreakerConfig struct {
	FailureThreshold int   `json:"failure_threshold"`
	SuccessThreshold int   `json:"success_threshold"`
	OpenTimeoutMs    int64 `json:"open_timeout_ms"`
	HalfOpenAttempts int   `json:"half_open_attempts"`
}

// ScorerConfig carries AdaptiveScorer (C5) defaults, names normative per
// spec.md §6.
type ScorerConfig struct {
	SuccessRateFloor   float64 `json:"success_rate_floor"`
	SuccessRateCeiling float64 `json:"success_rate_ceiling"`
	MinSamplesForTuning int    `json:"min_samples_for_tuning"`
}

// StuckBugConfig carries StuckBugDetector (C7) defaults. Field names match
// stuckbug.Config.
type StuckBugConfig struct {
	TimeoutMs           int64   `json:"timeout_ms"`
	FailureThreshold    int     `json:"failure_threshold"`
	FailureWindowMs     int64   `json:"failure_window_ms"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// LearningConfig carries OrchestrationAdvisor/LearningEngine (C11/C12)
// defaults.
type LearningConfig struct {
	AdviceTTLMs      int64  `json:"learning_advice_ttl_ms"`
	AntiPatternsFile string `json:"anti_patterns_file"`
	PositivePatternsFile string `json:"positive_patterns_file"`
	QuotaDSN         string `json:"quota_dsn"`
	ModelStatsFile   string `json:"model_stats_file"`
}

// recognisedProviders is the fixed provider name list from spec.md §6.
var recognisedProviders = []string{"nvidia", "cerebras", "groq", "sambanova", "openai", "anthropic", "google"}

// providerAliases resolves a strategy-level name to its canonical pool,
// e.g. "antigravity" shares Google's key pool (spec.md §6).
var providerAliases = map[string]string{
	"antigravity": "google",
}

// LoadConfig reads a JSON config file, then overlays provider API keys
// from the environment (<PROVIDER>_API_KEYS comma-separated, or a
// singular <PROVIDER>_API_KEY), after the file load so the environment
// always wins.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.Providers = loadProviderKeysFromEnv()
	return cfg, nil
}

func loadProviderKeysFromEnv() map[string][]string {
	out := make(map[string][]string)
	for _, provider := range recognisedProviders {
		upper := strings.ToUpper(provider)
		if raw := os.Getenv(upper + "_API_KEYS"); raw != "" {
			var keys []string
			for _, k := range strings.Split(raw, ",") {
				k = strings.TrimSpace(k)
				if k != "" {
					keys = append(keys, k)
				}
			}
			out[provider] = keys
			continue
		}
		if single := os.Getenv(upper + "_API_KEY"); single != "" {
			out[provider] = []string{single}
		}
	}
	return out
}

// ResolveProviderPool resolves an alias (e.g. "antigravity") to its
// canonical provider name, returning name unchanged if no alias applies.
func ResolveProviderPool(name string) string {
	if canonical, ok := providerAliases[name]; ok {
		return canonical
	}
	return name
}

// DefaultConfig returns every default named in spec.md §6 / SPEC_FULL.md §2.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Policy: PolicyConfig{PolicyFile: "policy.json"},
		Rotator: RotatorConfig{
			Strategy:           "round_robin",
			CooldownMs:         60_000,
			MaxFailures:        3,
			DegradedCooldownMs: 5 * 60_000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeoutMs:    30_000,
			HalfOpenAttempts: 3,
		},
		Scorer: ScorerConfig{
			SuccessRateFloor:    0.50,
			SuccessRateCeiling:  0.99,
			MinSamplesForTuning: 5,
		},
		StuckBug: StuckBugConfig{
			TimeoutMs:           300_000,
			FailureThreshold:    3,
			FailureWindowMs:     180_000,
			SimilarityThreshold: 0.90,
		},
		Learning: LearningConfig{
			AdviceTTLMs:          300_000,
			AntiPatternsFile:     "learning/anti-patterns.json",
			PositivePatternsFile: "learning/positive-patterns.json",
			QuotaDSN:             "learning/quota.db",
			ModelStatsFile:       "learning/model-stats.json",
		},
		Providers: make(map[string][]string),
	}
}
