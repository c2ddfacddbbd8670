package patterns

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
)

func TestAddNewPatternStartsAtSeverityWeight(t *testing.T) {
	c := NewCatalog("", nil)
	p, err := c.Add(AntiPattern{Type: TypeShotgunDebug, Description: "tried five different fixes", Severity: SeverityHigh})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.Weight != 7 || p.Occurrences != 1 {
		t.Fatalf("expected weight=7 occurrences=1, got %+v", p)
	}
}

func TestAddMergesOnSameTypeDescriptionSeverity(t *testing.T) {
	c := NewCatalog("", nil)
	_, _ = c.Add(AntiPattern{Type: TypeRepeatedMistake, Description: "off-by-one in loop bound", Severity: SeverityMedium, ErrorType: "IndexError"})
	p, err := c.Add(AntiPattern{Type: TypeRepeatedMistake, Description: "off-by-one in loop bound", Severity: SeverityMedium, ErrorType: "IndexError", Context: "session-2"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.Occurrences != 2 {
		t.Fatalf("expected occurrences=2, got %d", p.Occurrences)
	}
	if p.Weight != 4+0.5*4 {
		t.Fatalf("expected weight=6, got %f", p.Weight)
	}
	if len(p.Contexts) != 1 || p.Contexts[0] != "session-2" {
		t.Fatalf("expected contexts=[session-2], got %v", p.Contexts)
	}
}

func TestAddCapsWeightAtFifty(t *testing.T) {
	c := NewCatalog("", nil)
	var p *AntiPattern
	for i := 0; i < 30; i++ {
		p, _ = c.Add(AntiPattern{Type: TypeBrokenState, Description: "half-applied migration", Severity: SeverityCritical})
	}
	if p.Weight != maxWeight {
		t.Fatalf("expected weight capped at %v, got %v", maxWeight, p.Weight)
	}
}

func TestAddTrimsContextsToLastTen(t *testing.T) {
	c := NewCatalog("", nil)
	for i := 0; i < 15; i++ {
		_, _ = c.Add(AntiPattern{Type: TypeInefficientSolution, Description: "rewrote from scratch", Severity: SeverityLow, Context: string(rune('a' + i))})
	}
	p, _ := c.Add(AntiPattern{Type: TypeInefficientSolution, Description: "rewrote from scratch", Severity: SeverityLow, Context: "final"})
	if len(p.Contexts) != maxContexts {
		t.Fatalf("expected %d contexts, got %d", maxContexts, len(p.Contexts))
	}
	if p.Contexts[len(p.Contexts)-1] != "final" {
		t.Fatalf("expected most recent context last, got %v", p.Contexts)
	}
}

func TestWarnShotgunDebugTriggersOnThirdAttempt(t *testing.T) {
	c := NewCatalog("", nil)
	_, _ = c.Add(AntiPattern{Type: TypeShotgunDebug, Description: "tried many fixes blindly", Severity: SeverityHigh})

	should, warnings, risk := c.Warn(WarnContext{AttemptNumber: 3})
	if !should {
		t.Fatalf("expected should_warn=true, risk=%f", risk)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	expected := 3 * 7.0 * (1 + 0) // occurrences=1 -> log2(1)=0
	if warnings[0].MatchScore != expected {
		t.Fatalf("expected match_score=%f, got %f", expected, warnings[0].MatchScore)
	}
}

func TestWarnRepeatedMistakeRequiresMatchingErrorType(t *testing.T) {
	c := NewCatalog("", nil)
	_, _ = c.Add(AntiPattern{Type: TypeRepeatedMistake, Description: "nil pointer deref", Severity: SeverityHigh, ErrorType: "NilPointerException"})

	should, warnings, _ := c.Warn(WarnContext{ErrorType: "TimeoutError"})
	if should || len(warnings) != 0 {
		t.Fatalf("expected no match for a different error type, got %v", warnings)
	}

	should, warnings, _ = c.Warn(WarnContext{ErrorType: "NilPointerException"})
	if !should || len(warnings) != 1 {
		t.Fatalf("expected a match for the same error type, got should=%v warnings=%v", should, warnings)
	}
}

func TestWarnTypeSuppressionMatchesActionTokens(t *testing.T) {
	c := NewCatalog("", nil)
	_, _ = c.Add(AntiPattern{Type: TypeTypeSuppression, Description: "cast to any to silence compiler", Severity: SeverityMedium})

	should, warnings, _ := c.Warn(WarnContext{Action: "added // @ts-ignore above the line"})
	if !should || len(warnings) != 1 {
		t.Fatalf("expected ts-ignore token to match, got should=%v warnings=%v", should, warnings)
	}
}

func TestWarnBrokenStateMatchesSharedDirectory(t *testing.T) {
	c := NewCatalog("", nil)
	_, _ = c.Add(AntiPattern{Type: TypeBrokenState, Description: "left migration half-applied", Severity: SeverityCritical, Files: []string{"db/migrations/003_add_col.sql"}})

	should, warnings, _ := c.Warn(WarnContext{Files: []string{"db/migrations/004_drop_col.sql"}})
	if !should || len(warnings) != 1 {
		t.Fatalf("expected shared-directory match, got should=%v warnings=%v", should, warnings)
	}
}

func TestWarnSortsByDescendingMatchScoreAndCapsAtTen(t *testing.T) {
	c := NewCatalog("", nil)
	for i := 0; i < 12; i++ {
		_, _ = c.Add(AntiPattern{Type: TypeShotgunDebug, Description: "blind retry " + string(rune('a'+i)), Severity: SeverityLow})
	}
	_, warnings, _ := c.Warn(WarnContext{AttemptNumber: 5})
	if len(warnings) != maxWarnings {
		t.Fatalf("expected capped at %d warnings, got %d", maxWarnings, len(warnings))
	}
	for i := 1; i < len(warnings); i++ {
		if warnings[i].MatchScore > warnings[i-1].MatchScore {
			t.Fatalf("expected descending match_score order, got %v then %v", warnings[i-1].MatchScore, warnings[i].MatchScore)
		}
	}
}

func TestWarnNoMatchYieldsNoWarnAndZeroRisk(t *testing.T) {
	c := NewCatalog("", nil)
	_, _ = c.Add(AntiPattern{Type: TypeWrongTool, Description: "used grep instead of ast search", Severity: SeverityLow, Tool: "grep", TaskType: "refactor"})

	should, warnings, risk := c.Warn(WarnContext{Tool: "grep", TaskType: "debug"})
	if should || len(warnings) != 0 || risk != 0 {
		t.Fatalf("expected no match, got should=%v warnings=%v risk=%f", should, warnings, risk)
	}
}

func TestCatalogPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anti-patterns.json")
	fc := clock.NewFake(time.Time{})

	c, err := OpenCatalog(path, fc)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	if _, err := c.Add(AntiPattern{Type: TypeFailedDebug, Description: "gave up after timeout", Severity: SeverityMedium}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c2, err := OpenCatalog(path, fc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all := c2.All()
	if len(all) != 1 || all[0].Description != "gave up after timeout" {
		t.Fatalf("expected reloaded pattern, got %v", all)
	}
}

func TestPositiveTrackerMergesBySimilarDescription(t *testing.T) {
	tr := NewTracker("", nil)
	_, err := tr.Add(PositivePattern{Type: PositiveEfficientDebug, Description: "bisected the failing commit quickly", SuccessRate: 1.0})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	p, err := tr.Add(PositivePattern{Type: PositiveEfficientDebug, Description: "bisected failing commit very quickly", SuccessRate: 0.5})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.Occurrences != 2 {
		t.Fatalf("expected merge to bump occurrences to 2, got %d", p.Occurrences)
	}
	if p.SuccessRate != 0.75 {
		t.Fatalf("expected blended success_rate=0.75, got %f", p.SuccessRate)
	}
}

func TestPositiveTrackerKeepsDissimilarDescriptionsSeparate(t *testing.T) {
	tr := NewTracker("", nil)
	_, _ = tr.Add(PositivePattern{Type: PositiveCleanRefactor, Description: "extracted shared helper", SuccessRate: 0.9})
	_, _ = tr.Add(PositivePattern{Type: PositiveCleanRefactor, Description: "renamed package for clarity across imports", SuccessRate: 0.8})

	if len(tr.All()) != 2 {
		t.Fatalf("expected 2 distinct patterns, got %d", len(tr.All()))
	}
}

func TestPositiveTrackerSuggestFiltersByTaskTypeAndRanksBySuccessRate(t *testing.T) {
	tr := NewTracker("", nil)
	_, _ = tr.Add(PositivePattern{Type: PositiveFastResolution, Description: "fixed flaky test quickly", SuccessRate: 0.6, Context: "testing"})
	_, _ = tr.Add(PositivePattern{Type: PositiveFastResolution, Description: "resolved testing failure in one pass", SuccessRate: 0.95, Context: "testing-suite"})
	_, _ = tr.Add(PositivePattern{Type: PositiveGoodDelegation, Description: "split work across subagents", SuccessRate: 0.99, Context: "orchestration"})

	got := tr.Suggest("testing", 5)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches for task_type=testing, got %d: %v", len(got), got)
	}
	if got[0].SuccessRate < got[1].SuccessRate {
		t.Fatalf("expected descending success_rate order, got %v", got)
	}
}

func TestPositiveTrackerPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positive-patterns.json")
	fc := clock.NewFake(time.Time{})

	tr, err := OpenTracker(path, fc)
	if err != nil {
		t.Fatalf("OpenTracker: %v", err)
	}
	if _, err := tr.Add(PositivePattern{Type: PositiveGoodDelegation, Description: "delegated subtasks to specialist agents", SuccessRate: 0.85}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tr2, err := OpenTracker(path, fc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all := tr2.All()
	if len(all) != 1 || all[0].SuccessRate != 0.85 {
		t.Fatalf("expected reloaded pattern, got %v", all)
	}
}
