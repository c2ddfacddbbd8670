// Package patterns implements the AntiPatternCatalog (C9) and its positive
// counterpart: severity-weighted pattern storage with merge-on-similar
// semantics, context-scored warnings, and atomic single-file-per-catalog
// persistence. Grounded on the teacher's internal/store.SQLiteStore
// upsert-by-key shape (ON CONFLICT DO UPDATE bump-in-place), generalized
// from a relational upsert into an in-memory merge plus the
// write-temp+rename persistence used by modelstats.Store.
package patterns

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
	"github.com/kestrelai/routingcore/internal/routingerr"
)

// Severity is the fixed severity scale from spec.md §3, each mapping to a
// starting weight.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityWeight returns a severity's starting weight.
func severityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 4
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 1
	}
}

// AntiType enumerates the anti-pattern types named in spec.md §3.
type AntiType string

const (
	TypeFailedDebug          AntiType = "failed_debug"
	TypeInefficientSolution  AntiType = "inefficient_solution"
	TypeRepeatedMistake      AntiType = "repeated_mistake"
	TypeWrongTool            AntiType = "wrong_tool"
	TypeTypeSuppression      AntiType = "type_suppression"
	TypeShotgunDebug         AntiType = "shotgun_debug"
	TypeBrokenState          AntiType = "broken_state"
	TypeQuotaExhaustionRisk  AntiType = "quota_exhaustion_risk"
)

const maxWeight = 50
const maxContexts = 10
const maxWarnings = 10

// AntiPattern is one stored anti-pattern entry, per spec.md §3.
type AntiPattern struct {
	ID          string    `json:"id"`
	Type        AntiType  `json:"type"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Weight      float64   `json:"weight"`
	Occurrences int       `json:"occurrences"`
	Context     string    `json:"context"`
	Contexts    []string  `json:"contexts"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`

	// ErrorType and Tool/TaskType/Files are matching metadata consulted by
	// warn()'s context-dependent multipliers (spec.md §4.8); they are not
	// part of the merge key.
	ErrorType string   `json:"error_type,omitempty"`
	Tool      string   `json:"tool,omitempty"`
	TaskType  string   `json:"task_type,omitempty"`
	Files     []string `json:"files,omitempty"`
}

func mergeKey(typ AntiType, description string, sev Severity) string {
	return string(typ) + "\x00" + description + "\x00" + string(sev)
}

// WarnContext is the routing-time context consulted by warn()'s
// match-score table (spec.md §4.8).
type WarnContext struct {
	AttemptNumber int
	ErrorType     string
	Tool          string
	TaskType      string
	Action        string
	Files         []string
}

// Warning is one ranked match returned from Catalog.Warn.
type Warning struct {
	Pattern    AntiPattern
	MatchScore float64
}

// Catalog is the goroutine-safe anti-pattern store.
type Catalog struct {
	path string
	clk  clock.Clock

	mu       sync.Mutex
	byKey    map[string]*AntiPattern
	nextSeq  int
}

// NewCatalog creates an empty catalog persisted to path (empty path means
// in-memory only, used by tests).
func NewCatalog(path string, clk clock.Clock) *Catalog {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Catalog{path: path, clk: clk, byKey: make(map[string]*AntiPattern)}
}

// OpenCatalog loads a catalog from its persisted JSON file, or starts
// empty if the file does not exist.
func OpenCatalog(path string, clk clock.Clock) (*Catalog, error) {
	c := NewCatalog(path, clk)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, routingerr.Wrap(routingerr.KindPersistence, err, "read anti-pattern catalog")
	}
	var doc struct {
		Patterns []AntiPattern `json:"patterns"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, routingerr.Wrap(routingerr.KindPersistence, err, "parse anti-pattern catalog")
		}
	}
	for i := range doc.Patterns {
		p := doc.Patterns[i]
		c.byKey[mergeKey(p.Type, p.Description, p.Severity)] = &p
	}
	c.nextSeq = len(doc.Patterns)
	return c, nil
}

// Add inserts or merges a pattern. Merge rule (spec.md §3): if
// (type, description, severity) already exists, bump occurrences, add
// 0.5*severity_weight to weight (capped at maxWeight), append context
// (trimmed to the last maxContexts).
func (c *Catalog) Add(p AntiPattern) (*AntiPattern, error) {
	c.mu.Lock()
	now := c.clk.Now()
	key := mergeKey(p.Type, p.Description, p.Severity)
	existing, ok := c.byKey[key]
	if ok {
		existing.Occurrences++
		existing.Weight = math.Min(maxWeight, existing.Weight+0.5*severityWeight(p.Severity))
		existing.LastSeen = now
		if p.Context != "" {
			existing.Context = p.Context
			existing.Contexts = append(existing.Contexts, p.Context)
			if len(existing.Contexts) > maxContexts {
				existing.Contexts = existing.Contexts[len(existing.Contexts)-maxContexts:]
			}
		}
		result := *existing
		c.mu.Unlock()
		return &result, c.persist()
	}

	c.nextSeq++
	np := p
	np.ID = patternID(c.nextSeq)
	np.Weight = severityWeight(p.Severity)
	np.Occurrences = 1
	if np.FirstSeen.IsZero() {
		np.FirstSeen = now
	}
	np.LastSeen = now
	if np.Context != "" {
		np.Contexts = []string{np.Context}
	}
	c.byKey[key] = &np
	result := np
	c.mu.Unlock()
	return &result, c.persist()
}

func patternID(seq int) string {
	return idWithPrefix("ap", seq)
}

func idWithPrefix(prefix string, seq int) string {
	const hex = "0123456789abcdef"
	if seq == 0 {
		return prefix + "-0"
	}
	var b []byte
	n := seq
	for n > 0 {
		b = append([]byte{hex[n%16]}, b...)
		n /= 16
	}
	return prefix + "-" + string(b)
}

// All returns a snapshot of every stored anti-pattern.
func (c *Catalog) All() []AntiPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AntiPattern, 0, len(c.byKey))
	for _, p := range c.byKey {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// typeSuppressionTokens are the substrings warn() looks for in
// ctx.Action, per spec.md §4.8.
var typeSuppressionTokens = []string{"any", "ignore", "suppress", "ts-ignore"}

func sharesFile(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y || filepath.Dir(x) == filepath.Dir(y) {
				return true
			}
		}
	}
	return false
}

// matchScore computes one pattern's context-dependent contribution per the
// spec.md §4.8 table, or 0 if the pattern's type doesn't trigger for this
// context.
func matchScore(p AntiPattern, ctx WarnContext) float64 {
	var multiplier float64
	switch p.Type {
	case TypeShotgunDebug:
		if ctx.AttemptNumber >= 3 {
			multiplier = 3
		}
	case TypeRepeatedMistake:
		if ctx.ErrorType != "" && ctx.ErrorType == p.ErrorType {
			multiplier = 4
		}
	case TypeWrongTool:
		if ctx.Tool != "" && ctx.Tool == p.Tool && ctx.TaskType == p.TaskType {
			multiplier = 2
		}
	case TypeTypeSuppression:
		lower := strings.ToLower(ctx.Action)
		for _, tok := range typeSuppressionTokens {
			if strings.Contains(lower, tok) {
				multiplier = 5
				break
			}
		}
	case TypeBrokenState:
		if sharesFile(ctx.Files, p.Files) {
			multiplier = 2
		}
	case TypeInefficientSolution:
		if ctx.TaskType != "" && ctx.TaskType == p.TaskType {
			multiplier = 1.5
		}
	}
	if multiplier == 0 {
		return 0
	}
	return multiplier * p.Weight * (1 + math.Log2(float64(p.Occurrences)))
}

// Warn scores every stored pattern against ctx and returns whether to warn,
// the top maxWarnings matches sorted by descending match score, and the
// aggregate risk_score (spec.md §4.8).
func (c *Catalog) Warn(ctx WarnContext) (shouldWarn bool, warnings []Warning, riskScore float64) {
	patterns := c.All()
	var matched []Warning
	for _, p := range patterns {
		score := matchScore(p, ctx)
		if score <= 0 {
			continue
		}
		matched = append(matched, Warning{Pattern: p, MatchScore: score})
		riskScore += score
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].MatchScore > matched[j].MatchScore })
	if len(matched) > maxWarnings {
		matched = matched[:maxWarnings]
	}
	return riskScore > 5, matched, riskScore
}

func (c *Catalog) persist() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	snapshot := make([]AntiPattern, 0, len(c.byKey))
	for _, p := range c.byKey {
		snapshot = append(snapshot, *p)
	}
	c.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	doc := struct {
		Version   int           `json:"version"`
		UpdatedAt time.Time     `json:"updated_at"`
		Count     int           `json:"count"`
		Patterns  []AntiPattern `json:"patterns"`
	}{Version: 1, UpdatedAt: c.clk.Now(), Count: len(snapshot), Patterns: snapshot}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return routingerr.Wrap(routingerr.KindPersistence, err, "marshal anti-pattern catalog")
	}
	return atomicWrite(c.path, data)
}

// PositiveType enumerates the positive pattern types named in spec.md §3.
type PositiveType string

const (
	PositiveEfficientDebug   PositiveType = "efficient_debug"
	PositiveCreativeSolution PositiveType = "creative_solution"
	PositiveGoodDelegation   PositiveType = "good_delegation"
	PositiveCleanRefactor    PositiveType = "clean_refactor"
	PositiveFastResolution   PositiveType = "fast_resolution"
)

// PositivePattern is one stored positive pattern entry, per spec.md §3.
type PositivePattern struct {
	ID          string       `json:"id"`
	Type        PositiveType `json:"type"`
	Description string       `json:"description"`
	SuccessRate float64      `json:"success_rate"`
	Context     string       `json:"context"`
	Occurrences int          `json:"occurrences"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
}

// descriptionSimilar reports whether two descriptions are similar enough to
// merge: same type, and one token-set is a near-superset of the other at a
// coarse Jaccard threshold. A cheap lexical check stands in for the
// teacher's closest analogue (stuckbug.jaccard) rather than inventing a new
// similarity metric.
func descriptionSimilar(a, b string) bool {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return a == b
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return true
	}
	return float64(inter)/float64(union) >= 0.6
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

// Tracker is the goroutine-safe positive-pattern store. Merged by
// description similarity rather than exact match (spec.md §3), so it keeps
// a flat slice instead of patterns.Catalog's map-by-exact-key.
type Tracker struct {
	path string
	clk  clock.Clock

	mu       sync.Mutex
	patterns []*PositivePattern
	nextSeq  int
}

// NewTracker creates an empty positive-pattern tracker.
func NewTracker(path string, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{path: path, clk: clk}
}

// OpenTracker loads a tracker from its persisted JSON file, or starts empty.
func OpenTracker(path string, clk clock.Clock) (*Tracker, error) {
	tr := NewTracker(path, clk)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tr, nil
		}
		return nil, routingerr.Wrap(routingerr.KindPersistence, err, "read positive-pattern tracker")
	}
	var doc struct {
		Patterns []PositivePattern `json:"patterns"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, routingerr.Wrap(routingerr.KindPersistence, err, "parse positive-pattern tracker")
		}
	}
	for i := range doc.Patterns {
		p := doc.Patterns[i]
		tr.patterns = append(tr.patterns, &p)
	}
	tr.nextSeq = len(doc.Patterns)
	return tr, nil
}

// Add inserts or merges a positive pattern. If an existing pattern of the
// same type has a similar description, bump occurrences, blend
// success_rate as a running average, and refresh last_seen; otherwise
// append a new entry.
func (tr *Tracker) Add(p PositivePattern) (*PositivePattern, error) {
	tr.mu.Lock()
	now := tr.clk.Now()
	for _, existing := range tr.patterns {
		if existing.Type != p.Type || !descriptionSimilar(existing.Description, p.Description) {
			continue
		}
		n := float64(existing.Occurrences)
		existing.SuccessRate = (existing.SuccessRate*n + p.SuccessRate) / (n + 1)
		existing.Occurrences++
		existing.LastSeen = now
		if p.Context != "" {
			existing.Context = p.Context
		}
		result := *existing
		tr.mu.Unlock()
		return &result, tr.persist()
	}

	tr.nextSeq++
	np := p
	np.ID = idWithPrefix("pp", tr.nextSeq)
	np.Occurrences = 1
	if np.FirstSeen.IsZero() {
		np.FirstSeen = now
	}
	np.LastSeen = now
	tr.patterns = append(tr.patterns, &np)
	result := np
	tr.mu.Unlock()
	return &result, tr.persist()
}

// All returns a snapshot of every stored positive pattern.
func (tr *Tracker) All() []PositivePattern {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]PositivePattern, 0, len(tr.patterns))
	for _, p := range tr.patterns {
		out = append(out, *p)
	}
	return out
}

// Suggest returns up to n positive patterns matching taskType, ranked by
// success_rate descending then occurrences descending. Used by
// OrchestrationAdvisor to attach SOFT/CONSIDER suggestions (spec.md
// §4.10).
func (tr *Tracker) Suggest(taskType string, n int) []PositivePattern {
	all := tr.All()
	var matched []PositivePattern
	for _, p := range all {
		if taskType != "" && !strings.Contains(strings.ToLower(p.Description), strings.ToLower(taskType)) && !strings.Contains(strings.ToLower(p.Context), strings.ToLower(taskType)) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SuccessRate != matched[j].SuccessRate {
			return matched[i].SuccessRate > matched[j].SuccessRate
		}
		return matched[i].Occurrences > matched[j].Occurrences
	})
	if n > 0 && len(matched) > n {
		matched = matched[:n]
	}
	return matched
}

func (tr *Tracker) persist() error {
	if tr.path == "" {
		return nil
	}
	tr.mu.Lock()
	snapshot := make([]PositivePattern, 0, len(tr.patterns))
	for _, p := range tr.patterns {
		snapshot = append(snapshot, *p)
	}
	tr.mu.Unlock()

	doc := struct {
		Version   int               `json:"version"`
		UpdatedAt time.Time         `json:"updated_at"`
		Count     int               `json:"count"`
		Patterns  []PositivePattern `json:"patterns"`
	}{Version: 1, UpdatedAt: tr.clk.Now(), Count: len(snapshot), Patterns: snapshot}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return routingerr.Wrap(routingerr.KindPersistence, err, "marshal positive-pattern tracker")
	}
	return atomicWrite(tr.path, data)
}

// atomicWrite writes data to path via temp-file + rename, with a single
// backup of the prior contents (spec.md's persistence invariant, shared
// with modelstats.Store).
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return routingerr.Wrap(routingerr.KindPersistence, err, "create temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return routingerr.Wrap(routingerr.KindPersistence, err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return routingerr.Wrap(routingerr.KindPersistence, err, "close temp file")
	}
	if _, err := os.Stat(path); err == nil {
		backupPath := path + ".bak"
		_ = os.Remove(backupPath)
		if err := os.Rename(path, backupPath); err != nil {
			_ = os.Remove(tmpPath)
			return routingerr.Wrap(routingerr.KindPersistence, err, "back up prior file")
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return routingerr.Wrap(routingerr.KindPersistence, err, "rename temp file into place")
	}
	return nil
}
