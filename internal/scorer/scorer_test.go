package scorer

import (
	"testing"

	"github.com/kestrelai/routingcore/internal/policy"
	"github.com/kestrelai/routingcore/internal/quota"
)

func samplePolicy(id string) policy.ModelPolicy {
	cat, err := policy.Parse([]byte(`{"models":{"` + id + `":{
		"provider":"openai",
		"tools":["bash"],
		"strengths":["reasoning","coding"],
		"task_types":["coding"],
		"default_success_rate":0.8,
		"default_latency_ms":1000,
		"cost_per_1k_tokens":0.01
	}}}`))
	if err != nil {
		panic(err)
	}
	m, _ := cat.Get(id)
	return m
}

func TestScoreBaseCaseWithNoSignal(t *testing.T) {
	in := Input{Model: samplePolicy("m1")}
	r := Score(in, DefaultConfig())
	// base 0.50 + 0.30*0.8 (default success rate, below min_samples) = 0.74
	if r.Score < 0.73 || r.Score > 0.75 {
		t.Fatalf("expected score near 0.74, got %v", r.Score)
	}
}

func TestScoreTaskTypeMatchAndMismatch(t *testing.T) {
	matched := Score(Input{Model: samplePolicy("m1"), Task: TaskContext{TaskType: "coding"}}, DefaultConfig())
	mismatched := Score(Input{Model: samplePolicy("m1"), Task: TaskContext{TaskType: "writing"}}, DefaultConfig())
	if matched.Score <= mismatched.Score {
		t.Fatalf("expected task-type match to score higher: matched=%v mismatched=%v", matched.Score, mismatched.Score)
	}
}

func TestScoreStrengthMatchPartialCredit(t *testing.T) {
	full := Score(Input{Model: samplePolicy("m1"), Task: TaskContext{RequiredStrengths: []string{"reasoning", "coding"}}}, DefaultConfig())
	half := Score(Input{Model: samplePolicy("m1"), Task: TaskContext{RequiredStrengths: []string{"reasoning", "unknown"}}}, DefaultConfig())
	if full.Score <= half.Score {
		t.Fatalf("expected full strength match to outscore partial: full=%v half=%v", full.Score, half.Score)
	}
}

func TestScoreRotatorExhaustedHeavyPenalty(t *testing.T) {
	healthy := Score(Input{Model: samplePolicy("m1"), Rotator: RotatorPressure{HealthyKeys: 2, TotalKeys: 2}}, DefaultConfig())
	exhausted := Score(Input{Model: samplePolicy("m1"), Rotator: RotatorPressure{HealthyKeys: 0, TotalKeys: 2, Exhausted: true}}, DefaultConfig())
	if healthy.Score-exhausted.Score < 0.49 {
		t.Fatalf("expected ~0.50 penalty for exhausted rotator, got delta %v", healthy.Score-exhausted.Score)
	}
}

func TestScoreOverBudgetPenalty(t *testing.T) {
	within := Score(Input{Model: samplePolicy("m1"), Task: TaskContext{MaxBudgetUSD: 1.0}}, DefaultConfig())
	over := Score(Input{Model: samplePolicy("m1"), Task: TaskContext{MaxBudgetUSD: 0.01}}, DefaultConfig())
	if within.Score-over.Score < 0.14 {
		t.Fatalf("expected ~0.15 over-budget penalty, got delta %v", within.Score-over.Score)
	}
}

func TestScoreLearningPenaltyCappedAtPointEight(t *testing.T) {
	var warnings []Warning
	for i := 0; i < 10; i++ {
		warnings = append(warnings, Warning{Type: "shotgun_debug", Penalty: 0.5})
	}
	r := Score(Input{Model: samplePolicy("m1"), Warnings: warnings}, DefaultConfig())
	// base 0.74 minus capped 0.8 penalty would go negative; clamp to 0.
	if r.Score != 0 {
		t.Fatalf("expected score clamped to 0 under heavy learning penalty, got %v", r.Score)
	}
}

func TestBlendedSuccessRateUsesDefaultBelowMinSamples(t *testing.T) {
	rate := blendedSuccessRate(LiveStats{Calls: 2, Successes: 2}, 0.6, DefaultConfig())
	if rate != 0.6 {
		t.Fatalf("expected default success rate below min_samples, got %v", rate)
	}
}

func TestBlendedSuccessRateBlendsAboveMinSamples(t *testing.T) {
	rate := blendedSuccessRate(LiveStats{Calls: 20, Successes: 18}, 0.6, DefaultConfig())
	want := 0.7*0.9 + 0.3*0.6
	if diff := rate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected blended rate %v, got %v", want, rate)
	}
}

func TestBlendedSuccessRateClipsToFloorAndCeiling(t *testing.T) {
	cfg := DefaultConfig()
	low := blendedSuccessRate(LiveStats{Calls: 20, Successes: 0}, 0.1, cfg)
	if low != cfg.SuccessRateFloor {
		t.Fatalf("expected floor clip, got %v", low)
	}
	high := blendedSuccessRate(LiveStats{Calls: 20, Successes: 20}, 1.0, cfg)
	if high != cfg.SuccessRateCeiling {
		t.Fatalf("expected ceiling clip, got %v", high)
	}
}

func TestRankOrdersByScoreThenLatencyThenID(t *testing.T) {
	a := samplePolicy("model-a")
	b := samplePolicy("model-b")
	b.DefaultLatencyMs = 500 // same score inputs otherwise, lower latency should win on tie

	results := Rank([]Input{{Model: a}, {Model: b}}, DefaultConfig())
	if results[0].ModelID != "model-b" {
		t.Fatalf("expected model-b (lower latency) to rank first on tie, got %v", results)
	}
}

func TestQuotaSignalIsAvailableToCallersForFutureWiring(t *testing.T) {
	// Quota signal is threaded through Input even though the current scoring
	// table folds quota pressure in via the orchestrator's quota_aware_route
	// rather than a direct scorer term; this guards the field stays wired.
	in := Input{Model: samplePolicy("m1"), Quota: quota.Signal{PercentUsed: 0.95, Status: quota.StatusCritical}}
	_ = Score(in, DefaultConfig())
}
