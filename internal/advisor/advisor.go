// Package advisor implements OrchestrationAdvisor (C11): it folds
// anti-pattern warnings, quota risk, positive suggestions, and a static
// routing-hint affinity table into one Advice per routing decision, with a
// short TTL cache so repeated advise() calls for the same context don't
// re-score from scratch. Grounded on the teacher's internal/router.Engine
// scoring composition (several signals reduced to one decision) and on
// google/uuid for advice IDs, already present in the example corpus.
package advisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kestrelai/routingcore/internal/clock"
	"github.com/kestrelai/routingcore/internal/patterns"
)

// QuotaSignal mirrors quota.Signal's routing-relevant fields without
// importing the quota package, so advisor stays usable against any quota
// source that can produce this shape.
type QuotaSignal struct {
	ProviderID       string
	PercentUsed      float64
	FallbackApplied  bool
}

// Context is the routing-time input to advise().
type Context struct {
	TaskType      string
	ErrorType     string
	Tool          string
	Action        string
	Files         []string
	AttemptNumber int
	QuotaSignal   *QuotaSignal
}

func (c Context) cacheKey() string {
	q := ""
	if c.QuotaSignal != nil {
		q = c.QuotaSignal.ProviderID
	}
	return c.TaskType + "\x00" + c.ErrorType + "\x00" + c.Tool + "\x00" + c.Action + "\x00" + q
}

// Strength and Action classify one warning or suggestion's weight in the
// advice (spec.md §4.10).
type Strength string
type WarnAction string

const (
	StrengthStrong Strength = "STRONG"
	StrengthSoft   Strength = "SOFT"

	ActionBlockOrReview WarnAction = "BLOCK_OR_REVIEW"
	ActionConsider      WarnAction = "CONSIDER"
)

// Item is one entry in Advice.Warnings or Advice.Suggestions.
type Item struct {
	Description string
	Severity    string
	Strength    Strength
	Action      WarnAction
	MatchScore  float64
}

// RoutingHint is the static-affinity-table suggestion for which agent/
// skills best fit this task type (spec.md §4.10).
type RoutingHint struct {
	Agent      string
	Skills     []string
	Confidence float64
}

// Advice is the full output of advise().
type Advice struct {
	ID          string
	Warnings    []Item
	Suggestions []Item
	Hint        RoutingHint
	QuotaRisk   float64
	RiskScore   float64
	ShouldPause bool
	ComputedAt  time.Time
}

// affinityEntry is one row of the static routing-hint table.
type affinityEntry struct {
	taskType   string
	agent      string
	skills     []string
	confidence float64
}

// defaultAffinityTable is a small static table of task_type -> preferred
// agent/skills, consulted by advise() before warning/quota penalties are
// applied.
var defaultAffinityTable = []affinityEntry{
	{"debug", "debugger", []string{"read", "grep", "test"}, 0.8},
	{"refactor", "refactorer", []string{"ast-grep", "edit", "lsp"}, 0.75},
	{"test", "test-writer", []string{"read", "edit", "test"}, 0.7},
	{"docs", "writer", []string{"read", "edit"}, 0.6},
	{"review", "reviewer", []string{"read", "grep"}, 0.65},
}

func lookupAffinity(taskType string) affinityEntry {
	for _, e := range defaultAffinityTable {
		if e.taskType == taskType {
			return e
		}
	}
	return affinityEntry{taskType: taskType, agent: "general", skills: []string{"read", "edit"}, confidence: 0.5}
}

// Advisor computes Advice from an AntiPatternCatalog, a PositivePattern
// source, and the static affinity table, with a TTL cache keyed by
// context.
type Advisor struct {
	catalog *patterns.Catalog
	tracker *patterns.Tracker
	clk     clock.Clock
	ttl     time.Duration

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedAdvice
}

type cachedAdvice struct {
	advice   Advice
	expireAt time.Time
}

// New creates an Advisor. ttl<=0 defaults to 5 minutes, matching the
// learning_advice_ttl_ms >= 300000 floor in spec.md §6.
func New(catalog *patterns.Catalog, tracker *patterns.Tracker, clk clock.Clock, ttl time.Duration) *Advisor {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Advisor{catalog: catalog, tracker: tracker, clk: clk, ttl: ttl, cache: make(map[string]cachedAdvice)}
}

// Advise computes or returns a cached Advice for ctx. Concurrent callers
// sharing the same context collapse onto a single computation via
// singleflight.
func (a *Advisor) Advise(ctx context.Context, tc Context) Advice {
	key := tc.cacheKey()

	a.mu.Lock()
	if cached, ok := a.cache[key]; ok && a.clk.Now().Before(cached.expireAt) {
		a.mu.Unlock()
		return cached.advice
	}
	a.mu.Unlock()

	v, _, _ := a.group.Do(key, func() (interface{}, error) {
		advice := a.compute(tc)
		a.mu.Lock()
		a.cache[key] = cachedAdvice{advice: advice, expireAt: a.clk.Now().Add(a.ttl)}
		a.mu.Unlock()
		return advice, nil
	})
	return v.(Advice)
}

func (a *Advisor) compute(tc Context) Advice {
	now := a.clk.Now()
	advice := Advice{ID: uuid.NewString(), ComputedAt: now}

	var antiRisk float64
	if a.catalog != nil {
		_, warnings, risk := a.catalog.Warn(patterns.WarnContext{
			AttemptNumber: tc.AttemptNumber,
			ErrorType:     tc.ErrorType,
			Tool:          tc.Tool,
			TaskType:      tc.TaskType,
			Action:        tc.Action,
			Files:         tc.Files,
		})
		antiRisk = risk
		for _, w := range warnings {
			advice.Warnings = append(advice.Warnings, Item{
				Description: w.Pattern.Description,
				Severity:    string(w.Pattern.Severity),
				Strength:    StrengthStrong,
				Action:      ActionBlockOrReview,
				MatchScore:  w.MatchScore,
			})
		}
	}

	var quotaRisk float64
	if tc.QuotaSignal != nil {
		if tc.QuotaSignal.FallbackApplied {
			quotaRisk = max(tc.QuotaSignal.PercentUsed, 0.85)
		} else {
			quotaRisk = tc.QuotaSignal.PercentUsed
		}
		if quotaRisk > 0.5 {
			severity := "high"
			if quotaRisk > 0.9 {
				severity = "critical"
			}
			advice.Warnings = append(advice.Warnings, Item{
				Description: "quota exhaustion risk for " + tc.QuotaSignal.ProviderID,
				Severity:    severity,
				Strength:    StrengthStrong,
				Action:      ActionBlockOrReview,
				MatchScore:  quotaRisk * 100,
			})
		}
	}
	advice.QuotaRisk = quotaRisk

	if a.tracker != nil {
		for _, p := range a.tracker.Suggest(tc.TaskType, 5) {
			advice.Suggestions = append(advice.Suggestions, Item{
				Description: p.Description,
				Strength:    StrengthSoft,
				Action:      ActionConsider,
				MatchScore:  p.SuccessRate,
			})
		}
	}

	entry := lookupAffinity(tc.TaskType)
	confidence := entry.confidence
	confidence -= 0.05 * float64(len(advice.Warnings))
	confidence -= 0.1 * quotaRisk
	advice.Hint = RoutingHint{Agent: entry.agent, Skills: clampSkills(entry.skills, 5), Confidence: clamp(confidence, 0.1, 0.95)}

	advice.RiskScore = max(antiRisk, quotaRisk*100)
	advice.ShouldPause = advice.RiskScore > 15 || quotaRisk > 0.85

	sort.Slice(advice.Warnings, func(i, j int) bool { return advice.Warnings[i].MatchScore > advice.Warnings[j].MatchScore })
	return advice
}

func clampSkills(skills []string, n int) []string {
	if len(skills) <= n {
		return skills
	}
	return skills[:n]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
