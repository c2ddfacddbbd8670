// Package policy loads the static, immutable-per-process model catalog
// (C4 in the design): tool support, strengths, task-type affinity, default
// success rate/latency/cost. It is read-only after load — every other
// component holds a shared read-only reference, never a mutable handle.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/kestrelai/routingcore/internal/routingerr"
)

// ModelPolicy is the immutable per-model configuration loaded from the
// policy file.
type ModelPolicy struct {
	ID                 string   `json:"-"`
	Provider           string   `json:"provider"`
	Tools              []string `json:"tools"`
	Strengths          []string `json:"strengths"`
	TaskTypes          []string `json:"task_types"`
	DefaultSuccessRate float64  `json:"default_success_rate"`
	DefaultLatencyMs   int      `json:"default_latency_ms"`
	CostPer1KTokens    float64  `json:"cost_per_1k_tokens"`

	tools     map[string]struct{}
	strengths map[string]struct{}
	taskTypes map[string]struct{}
}

// HasTool reports whether the model exposes the named tool.
func (m ModelPolicy) HasTool(tool string) bool {
	_, ok := m.tools[tool]
	return ok
}

// HasStrength reports whether the model has the named strength.
func (m ModelPolicy) HasStrength(strength string) bool {
	_, ok := m.strengths[strength]
	return ok
}

// MatchesTaskType reports whether the model declares affinity for taskType.
func (m ModelPolicy) MatchesTaskType(taskType string) bool {
	_, ok := m.taskTypes[taskType]
	return ok
}

// CountMatchedStrengths returns how many of `required` the model satisfies.
func (m ModelPolicy) CountMatchedStrengths(required []string) int {
	n := 0
	for _, s := range required {
		if m.HasStrength(s) {
			n++
		}
	}
	return n
}

// document is the on-disk JSON shape: { "models": { "<id>": {...} } }.
type document struct {
	Models map[string]ModelPolicy `json:"models"`
}

// Catalog is the immutable, loaded-once set of model policies.
type Catalog struct {
	models map[string]ModelPolicy
	ids    []string // stable sorted order for deterministic iteration
}

// Load reads and validates a policy file from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, routingerr.Wrap(routingerr.KindPolicyLoad, err, "read policy file")
	}
	return Parse(data)
}

// Parse validates and builds a Catalog from raw policy-file JSON bytes.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, routingerr.Wrap(routingerr.KindPolicyLoad, err, "parse policy json")
	}
	if len(doc.Models) == 0 {
		return nil, routingerr.New(routingerr.KindPolicyLoad, "policy file declares no models")
	}

	c := &Catalog{models: make(map[string]ModelPolicy, len(doc.Models))}
	for id, m := range doc.Models {
		if err := validate(id, m); err != nil {
			return nil, routingerr.Wrap(routingerr.KindPolicyLoad, err, fmt.Sprintf("model %q", id))
		}
		m.ID = id
		m.tools = toSet(m.Tools)
		m.strengths = toSet(m.Strengths)
		m.taskTypes = toSet(m.TaskTypes)
		c.models[id] = m
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	return c, nil
}

func validate(id string, m ModelPolicy) error {
	if id == "" {
		return fmt.Errorf("empty model id")
	}
	if m.Provider == "" {
		return fmt.Errorf("missing provider")
	}
	if m.DefaultSuccessRate < 0 || m.DefaultSuccessRate > 1 {
		return fmt.Errorf("default_success_rate out of [0,1]: %v", m.DefaultSuccessRate)
	}
	if m.DefaultLatencyMs < 0 {
		return fmt.Errorf("default_latency_ms must be >= 0")
	}
	if m.CostPer1KTokens < 0 {
		return fmt.Errorf("cost_per_1k_tokens must be >= 0")
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Get returns the policy for a model id.
func (c *Catalog) Get(modelID string) (ModelPolicy, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// All returns every model policy, in stable (sorted by id) order.
func (c *Catalog) All() []ModelPolicy {
	result := make([]ModelPolicy, 0, len(c.ids))
	for _, id := range c.ids {
		result = append(result, c.models[id])
	}
	return result
}

// ForProvider returns every model policy belonging to a given provider, in
// stable order.
func (c *Catalog) ForProvider(providerID string) []ModelPolicy {
	var result []ModelPolicy
	for _, id := range c.ids {
		if m := c.models[id]; m.Provider == providerID {
			result = append(result, m)
		}
	}
	return result
}

// Len returns the number of models in the catalog.
func (c *Catalog) Len() int { return len(c.models) }
