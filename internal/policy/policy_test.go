package policy

import (
	"errors"
	"testing"

	"github.com/kestrelai/routingcore/internal/routingerr"
)

const sampleDoc = `{
  "models": {
    "claude-fast": {
      "provider": "anthropic",
      "tools": ["read", "edit"],
      "strengths": ["reasoning"],
      "task_types": ["debug"],
      "default_success_rate": 0.9,
      "default_latency_ms": 300,
      "cost_per_1k_tokens": 0.01
    },
    "gpt-cheap": {
      "provider": "openai",
      "tools": ["read"],
      "strengths": [],
      "task_types": ["feature"],
      "default_success_rate": 0.8,
      "default_latency_ms": 500,
      "cost_per_1k_tokens": 0.002
    }
  }
}`

func TestParseAndLookup(t *testing.T) {
	cat, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("expected 2 models, got %d", cat.Len())
	}

	m, ok := cat.Get("claude-fast")
	if !ok {
		t.Fatalf("expected claude-fast to exist")
	}
	if m.ID != "claude-fast" || m.Provider != "anthropic" {
		t.Fatalf("unexpected model: %+v", m)
	}
	if !m.HasTool("read") || m.HasTool("nope") {
		t.Fatalf("HasTool behaves incorrectly")
	}
	if !m.MatchesTaskType("debug") || m.MatchesTaskType("feature") {
		t.Fatalf("MatchesTaskType behaves incorrectly")
	}
	if got := m.CountMatchedStrengths([]string{"reasoning", "speed"}); got != 1 {
		t.Fatalf("CountMatchedStrengths = %d, want 1", got)
	}
}

func TestAllIsStableSortedOrder(t *testing.T) {
	cat, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	all := cat.All()
	if len(all) != 2 || all[0].ID != "claude-fast" || all[1].ID != "gpt-cheap" {
		t.Fatalf("expected sorted order claude-fast, gpt-cheap; got %+v", all)
	}
}

func TestForProvider(t *testing.T) {
	cat, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	openai := cat.ForProvider("openai")
	if len(openai) != 1 || openai[0].ID != "gpt-cheap" {
		t.Fatalf("unexpected ForProvider result: %+v", openai)
	}
}

func TestParseRejectsEmptyDocument(t *testing.T) {
	_, err := Parse([]byte(`{"models": {}}`))
	if err == nil {
		t.Fatalf("expected error for empty models")
	}
	if !errors.Is(err, routingerr.ErrPolicyLoad) {
		t.Fatalf("expected KindPolicyLoad error, got %v", err)
	}
}

func TestParseRejectsOutOfRangeSuccessRate(t *testing.T) {
	doc := `{"models": {"bad": {"provider": "x", "default_success_rate": 1.5}}}`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseRejectsMissingProvider(t *testing.T) {
	doc := `{"models": {"bad": {"default_success_rate": 0.5}}}`
	_, err := Parse([]byte(doc))
	if err == nil {
		t.Fatalf("expected validation error for missing provider")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/policy.json")
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if !errors.Is(err, routingerr.ErrPolicyLoad) {
		t.Fatalf("expected KindPolicyLoad, got %v", err)
	}
}
