package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
)

type stubStrategy struct {
	name     string
	priority int
	sel      *Selection
	err      error
}

func (s stubStrategy) Name() string  { return s.name }
func (s stubStrategy) Priority() int { return s.priority }
func (s stubStrategy) Evaluate(_ context.Context, _ Context) (*Selection, error) {
	return s.sel, s.err
}

func TestOrchestratorPicksHighestPriorityNonNilSelection(t *testing.T) {
	o := New(nil,
		stubStrategy{name: "low", priority: 0, sel: &Selection{ModelID: "low-model"}},
		stubStrategy{name: "high", priority: 100, sel: &Selection{ModelID: "high-model"}},
	)
	sel, err := o.Select(context.Background(), Context{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.ModelID != "high-model" {
		t.Fatalf("expected high-priority strategy to win, got %+v", sel)
	}
}

func TestOrchestratorSkipsErroringStrategyAndContinues(t *testing.T) {
	o := New(nil,
		stubStrategy{name: "broken", priority: 100, err: errors.New("boom")},
		stubStrategy{name: "fallback", priority: 0, sel: &Selection{ModelID: "fallback-model"}},
	)
	sel, err := o.Select(context.Background(), Context{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.ModelID != "fallback-model" {
		t.Fatalf("expected fallback after erroring strategy, got %+v", sel)
	}
}

func TestOrchestratorReturnsNilWhenNoStrategyMatches(t *testing.T) {
	o := New(nil, stubStrategy{name: "nop", priority: 0, sel: nil})
	sel, err := o.Select(context.Background(), Context{})
	if err != nil || sel != nil {
		t.Fatalf("expected nil selection, got %+v err=%v", sel, err)
	}
}

func TestOverrideReturnsVerbatimUntilDeadline(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	o := NewOverride(fc)
	o.Set("gpt-5", fc.Now().Add(time.Minute))

	sel, err := o.Evaluate(context.Background(), Context{})
	if err != nil || sel == nil || sel.ModelID != "gpt-5" {
		t.Fatalf("expected override selection, got %+v err=%v", sel, err)
	}

	fc.Advance(2 * time.Minute)
	sel, err = o.Evaluate(context.Background(), Context{})
	if err != nil || sel != nil {
		t.Fatalf("expected override to expire past deadline, got %+v", sel)
	}
}

func TestOverrideWithoutDeadlineNeverExpires(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	o := NewOverride(fc)
	o.Set("claude-x", time.Time{})
	fc.Advance(24 * time.Hour)
	sel, err := o.Evaluate(context.Background(), Context{})
	if err != nil || sel == nil || sel.ModelID != "claude-x" {
		t.Fatalf("expected no-deadline override to persist, got %+v err=%v", sel, err)
	}
}

func TestProjectStartFiresOnceThenSelfDeactivates(t *testing.T) {
	p := NewProjectStart("high-power")
	sel, _ := p.Evaluate(context.Background(), Context{SessionID: "s1", IsFirstTask: true})
	if sel == nil || sel.ModelID != "high-power" {
		t.Fatalf("expected project_start to fire on first task, got %+v", sel)
	}
	sel, _ = p.Evaluate(context.Background(), Context{SessionID: "s1", IsFirstTask: true})
	if sel != nil {
		t.Fatalf("expected project_start to self-deactivate for the session, got %+v", sel)
	}
}

func TestPerspectiveSwitchRemembersPriorModelForReversion(t *testing.T) {
	rev := NewReversionManager(5)
	ps := NewPerspectiveSwitch("big-model", rev)

	sel, _ := ps.Evaluate(context.Background(), Context{SessionID: "s1", Stuck: true, CurrentModelID: "small-model"})
	if sel == nil || sel.ModelID != "big-model" {
		t.Fatalf("expected perspective switch to escalate, got %+v", sel)
	}
	if got := rev.Pop("s1"); got != "small-model" {
		t.Fatalf("expected reversion manager to remember prior model, got %q", got)
	}
}

func TestPerspectiveSwitchNoopWhenNotStuck(t *testing.T) {
	ps := NewPerspectiveSwitch("big-model", NewReversionManager(5))
	sel, _ := ps.Evaluate(context.Background(), Context{Stuck: false})
	if sel != nil {
		t.Fatalf("expected no selection when not stuck, got %+v", sel)
	}
}

func TestFallbackLayerCyclesProviderChainFromCursor(t *testing.T) {
	fl := NewFallbackLayer(map[string][]ProviderLayer{
		"coding": {
			{ProviderID: "openai", ModelID: "gpt"},
			{ProviderID: "anthropic", ModelID: "claude"},
		},
	})
	sel, _ := fl.Evaluate(context.Background(), Context{Intent: "coding"})
	if sel.ModelID != "gpt" {
		t.Fatalf("expected first layer, got %+v", sel)
	}
	fl.AdvanceLayer("coding", "rate_limited")
	sel, _ = fl.Evaluate(context.Background(), Context{Intent: "coding"})
	if sel.ModelID != "claude" {
		t.Fatalf("expected second layer after advance, got %+v", sel)
	}
}

func TestFallbackLayerAdvanceWrapsAround(t *testing.T) {
	fl := NewFallbackLayer(map[string][]ProviderLayer{
		"coding": {{ProviderID: "openai", ModelID: "gpt"}},
	})
	fl.AdvanceLayer("coding", "x")
	sel, _ := fl.Evaluate(context.Background(), Context{Intent: "coding"})
	if sel.ModelID != "gpt" {
		t.Fatalf("expected single-layer chain to wrap back to itself, got %+v", sel)
	}
}

func TestFallbackLayerUnknownIntentReturnsNil(t *testing.T) {
	fl := NewFallbackLayer(map[string][]ProviderLayer{})
	sel, err := fl.Evaluate(context.Background(), Context{Intent: "unknown"})
	if err != nil || sel != nil {
		t.Fatalf("expected nil for unknown intent, got %+v", sel)
	}
}

func TestFallbackLayerConcurrentAdvanceDoesNotRaceAheadTwice(t *testing.T) {
	fl := NewFallbackLayer(map[string][]ProviderLayer{
		"coding": {
			{ProviderID: "a", ModelID: "m1"},
			{ProviderID: "b", ModelID: "m2"},
			{ProviderID: "c", ModelID: "m3"},
		},
	})
	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			fl.AdvanceLayer("coding", "concurrent")
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	if fl.cursors["coding"] != 2 {
		t.Fatalf("expected cursor to advance exactly twice, got %d", fl.cursors["coding"])
	}
}
