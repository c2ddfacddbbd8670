// Package scorer implements the AdaptiveScorer (C5): a pure function of
// policy, live stats, rotator/quota state, learning advice, and task
// context that produces a score in [0,1] plus the reasons behind it.
// Grounded on the teacher's internal/router.scoreModels (additive,
// normalized multi-factor scoring with a clamp helper) generalized from
// the teacher's mode-weighted cost/latency/failure/weight blend into the
// spec's fixed additive formula.
package scorer

import (
	"fmt"
	"math"
	"sort"

	"github.com/kestrelai/routingcore/internal/policy"
	"github.com/kestrelai/routingcore/internal/quota"
)

// Config tunes the blended-success-rate computation. Field names match
// spec.md §6.
type Config struct {
	SuccessRateFloor    float64
	SuccessRateCeiling  float64
	MinSamplesForTuning int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{SuccessRateFloor: 0.50, SuccessRateCeiling: 0.99, MinSamplesForTuning: 5}
}

// LiveStats is the in-process call tally for one model (see ModelStats,
// spec.md §3).
type LiveStats struct {
	Calls          int64
	Successes      int64
	TotalLatencyMs int64
}

// SuccessRate returns the raw observed success rate, or 0 if no calls yet.
func (s LiveStats) SuccessRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Calls)
}

// AvgLatencyMs returns the observed mean latency, or 0 if no calls yet.
func (s LiveStats) AvgLatencyMs() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.TotalLatencyMs) / float64(s.Calls)
}

// RotatorPressure summarizes a provider's KeyRotator health for scoring.
type RotatorPressure struct {
	HealthyKeys int
	TotalKeys   int
	Exhausted   bool
}

// Warning is a learning-advice penalty contribution: one matched
// anti-pattern, already weighed by the advisor into a [0.05,0.5] penalty.
type Warning struct {
	Type    string
	Penalty float64
}

// TaskContext is the subset of spec.md's TaskContext relevant to scoring.
type TaskContext struct {
	TaskType           string
	RequiredStrengths  []string
	MaxBudgetUSD       float64
}

// Input bundles everything AdaptiveScorer needs to score one model.
type Input struct {
	Model    policy.ModelPolicy
	Live     LiveStats
	Rotator  RotatorPressure
	Quota    quota.Signal
	Warnings []Warning
	Task     TaskContext
}

// Result is one model's score plus the human-readable reasons that
// contributed to it.
type Result struct {
	ModelID string
	Score   float64
	Reasons []string
}

// Score computes the additive score for a single model per spec.md §4.4.
func Score(in Input, cfg Config) Result {
	score := 0.50
	var reasons []string

	blended := blendedSuccessRate(in.Live, in.Model.DefaultSuccessRate, cfg)
	contrib := 0.30 * blended
	score += contrib
	reasons = append(reasons, reasonf("success_rate", contrib))

	if in.Live.Calls > 0 {
		latencyPenalty := -math.Min(0.20, math.Max(0, in.Live.AvgLatencyMs()-float64(in.Model.DefaultLatencyMs))/5000.0)
		score += latencyPenalty
		reasons = append(reasons, reasonf("latency", latencyPenalty))
	}

	if in.Task.TaskType != "" {
		if in.Model.MatchesTaskType(in.Task.TaskType) {
			score += 0.10
			reasons = append(reasons, reasonf("task_type_match", 0.10))
		} else {
			score -= 0.05
			reasons = append(reasons, reasonf("task_type_mismatch", -0.05))
		}
	}

	if n := len(in.Task.RequiredStrengths); n > 0 {
		matched := in.Model.CountMatchedStrengths(in.Task.RequiredStrengths)
		contrib := 0.10 * float64(matched) / float64(n)
		score += contrib
		reasons = append(reasons, reasonf("strength_match", contrib))
	}

	switch {
	case in.Rotator.Exhausted:
		score -= 0.50
		reasons = append(reasons, reasonf("rotator_exhausted", -0.50))
	case in.Rotator.HealthyKeys < in.Rotator.TotalKeys:
		score -= 0.10
		reasons = append(reasons, reasonf("rotator_degraded", -0.10))
	}

	if in.Task.MaxBudgetUSD > 0 && 2*in.Model.CostPer1KTokens > in.Task.MaxBudgetUSD {
		score -= 0.15
		reasons = append(reasons, reasonf("over_budget", -0.15))
	}

	var learningPenalty float64
	for _, w := range in.Warnings {
		learningPenalty += clampPenalty(w.Penalty)
	}
	if learningPenalty > 0.8 {
		learningPenalty = 0.8
	}
	if learningPenalty > 0 {
		score -= learningPenalty
		reasons = append(reasons, reasonf("learning_penalty", -learningPenalty))
	}

	return Result{ModelID: in.Model.ID, Score: clamp(score, 0, 1), Reasons: reasons}
}

func clampPenalty(p float64) float64 {
	return clamp(p, 0.05, 0.5)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func reasonf(name string, contribution float64) string {
	return fmt.Sprintf("%s(%+.3f)", name, contribution)
}

// blendedSuccessRate implements spec.md §4.4: below min_samples, trust the
// policy default outright; otherwise blend 70% live / 30% default, clipped
// to [floor, ceiling].
func blendedSuccessRate(live LiveStats, defaultRate float64, cfg Config) float64 {
	if live.Calls < int64(cfg.MinSamplesForTuning) {
		return clamp(defaultRate, cfg.SuccessRateFloor, cfg.SuccessRateCeiling)
	}
	blended := 0.7*live.SuccessRate() + 0.3*defaultRate
	return clamp(blended, cfg.SuccessRateFloor, cfg.SuccessRateCeiling)
}

// Rank scores every input and returns results sorted best-first. Ties
// break on lower default latency, then lexicographic model id, per
// spec.md §4.4.
func Rank(inputs []Input, cfg Config) []Result {
	results := make([]Result, len(inputs))
	byID := make(map[string]policy.ModelPolicy, len(inputs))
	for i, in := range inputs {
		results[i] = Score(in, cfg)
		byID[in.Model.ID] = in.Model
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		li, lj := byID[results[i].ModelID].DefaultLatencyMs, byID[results[j].ModelID].DefaultLatencyMs
		if li != lj {
			return li < lj
		}
		return results[i].ModelID < results[j].ModelID
	})
	return results
}
