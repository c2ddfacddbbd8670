package advisor

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
	"github.com/kestrelai/routingcore/internal/patterns"
)

func TestAdviseWithNoWarningsHasLowRiskAndNoPause(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	a := New(cat, tr, nil, 0)

	advice := a.Advise(context.Background(), Context{TaskType: "debug"})
	if advice.ShouldPause {
		t.Fatalf("expected should_pause=false, got advice=%+v", advice)
	}
	if advice.RiskScore != 0 {
		t.Fatalf("expected risk_score=0, got %f", advice.RiskScore)
	}
	if advice.Hint.Agent != "debugger" {
		t.Fatalf("expected affinity hint for debug task, got %+v", advice.Hint)
	}
}

func TestAdviseInjectsSyntheticQuotaWarningAboveHalf(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	a := New(cat, tr, nil, 0)

	advice := a.Advise(context.Background(), Context{
		TaskType:    "debug",
		QuotaSignal: &QuotaSignal{ProviderID: "groq", PercentUsed: 0.95, FallbackApplied: false},
	})
	if len(advice.Warnings) != 1 {
		t.Fatalf("expected 1 synthetic quota warning, got %+v", advice.Warnings)
	}
	if advice.Warnings[0].Severity != "critical" {
		t.Fatalf("expected critical severity above 0.9, got %s", advice.Warnings[0].Severity)
	}
	if !advice.ShouldPause {
		t.Fatalf("expected should_pause=true when quota_risk > 0.85")
	}
}

func TestAdviseQuotaRiskUsesFloorWhenFallbackApplied(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	a := New(cat, tr, nil, 0)

	advice := a.Advise(context.Background(), Context{
		TaskType:    "debug",
		QuotaSignal: &QuotaSignal{ProviderID: "groq", PercentUsed: 0.3, FallbackApplied: true},
	})
	if advice.QuotaRisk != 0.85 {
		t.Fatalf("expected quota_risk floored to 0.85 on fallback_applied, got %f", advice.QuotaRisk)
	}
}

func TestAdviseIncludesAntiPatternWarningsAsStrong(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	_, _ = cat.Add(patterns.AntiPattern{Type: patterns.TypeShotgunDebug, Description: "tried many fixes", Severity: patterns.SeverityCritical})
	a := New(cat, tr, nil, 0)

	advice := a.Advise(context.Background(), Context{TaskType: "debug", AttemptNumber: 4})
	if len(advice.Warnings) == 0 {
		t.Fatalf("expected at least one anti-pattern warning")
	}
	if advice.Warnings[0].Strength != StrengthStrong || advice.Warnings[0].Action != ActionBlockOrReview {
		t.Fatalf("expected STRONG/BLOCK_OR_REVIEW warning, got %+v", advice.Warnings[0])
	}
}

func TestAdviseIncludesPositiveSuggestionsAsSoft(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	_, _ = tr.Add(patterns.PositivePattern{Type: patterns.PositiveFastResolution, Description: "resolved debug task quickly", SuccessRate: 0.9, Context: "debug"})
	a := New(cat, tr, nil, 0)

	advice := a.Advise(context.Background(), Context{TaskType: "debug"})
	if len(advice.Suggestions) == 0 {
		t.Fatalf("expected at least one positive suggestion")
	}
	if advice.Suggestions[0].Strength != StrengthSoft || advice.Suggestions[0].Action != ActionConsider {
		t.Fatalf("expected SOFT/CONSIDER suggestion, got %+v", advice.Suggestions[0])
	}
}

func TestAdviseRiskScoreTakesMaxOfAntiAndQuota(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	_, _ = cat.Add(patterns.AntiPattern{Type: patterns.TypeTypeSuppression, Description: "cast to any", Severity: patterns.SeverityHigh})
	a := New(cat, tr, nil, 0)

	advice := a.Advise(context.Background(), Context{
		TaskType:    "refactor",
		Action:      "added : any to silence the compiler",
		QuotaSignal: &QuotaSignal{ProviderID: "openai", PercentUsed: 0.2},
	})
	// anti risk = 5 * 7 * (1+log2(1)) = 35; quota_risk*100 = 20
	if advice.RiskScore != 35 {
		t.Fatalf("expected risk_score=35 (anti dominates), got %f", advice.RiskScore)
	}
}

func TestAdviseCachesWithinTTL(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	fc := clock.NewFake(time.Time{})
	a := New(cat, tr, fc, time.Minute)

	first := a.Advise(context.Background(), Context{TaskType: "debug"})
	_, _ = cat.Add(patterns.AntiPattern{Type: patterns.TypeShotgunDebug, Description: "x", Severity: patterns.SeverityLow})
	second := a.Advise(context.Background(), Context{TaskType: "debug"})
	if first.ID != second.ID {
		t.Fatalf("expected cached advice within TTL, got different IDs %s vs %s", first.ID, second.ID)
	}
}

func TestAdviseRecomputesAfterTTLExpires(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	fc := clock.NewFake(time.Time{})
	a := New(cat, tr, fc, time.Minute)

	first := a.Advise(context.Background(), Context{TaskType: "debug"})
	fc.Advance(2 * time.Minute)
	second := a.Advise(context.Background(), Context{TaskType: "debug"})
	if first.ID == second.ID {
		t.Fatalf("expected a fresh advice after TTL expiry")
	}
}

func TestAdviseHintSkillsCappedAtFive(t *testing.T) {
	cat := patterns.NewCatalog("", nil)
	tr := patterns.NewTracker("", nil)
	a := New(cat, tr, nil, 0)

	advice := a.Advise(context.Background(), Context{TaskType: "unknown-type"})
	if len(advice.Hint.Skills) > 5 {
		t.Fatalf("expected at most 5 skills, got %d", len(advice.Hint.Skills))
	}
	if advice.Hint.Confidence < 0.1 || advice.Hint.Confidence > 0.95 {
		t.Fatalf("expected confidence in [0.1,0.95], got %f", advice.Hint.Confidence)
	}
}
