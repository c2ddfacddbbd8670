// Package strategy implements the StrategyOrchestrator (C6): a priority
// list of pluggable selection strategies, each consulted in order until
// one returns a non-null Selection. Grounded on the teacher's
// internal/router.Engine.Orchestrate dispatch (mode-keyed strategy
// selection) generalized into a priority-ordered, error-isolated chain,
// with the cursor-advance mutex pattern borrowed from
// internal/apikey.Manager's single-lock-per-resource discipline.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
)

// Selection is the outcome of a strategy's evaluation.
type Selection struct {
	ModelID string
	Reason  string
}

// Context is the task-scoped input every strategy evaluates against.
type Context struct {
	SessionID       string
	Intent          string
	OverrideModelID string
	IsFirstTask     bool
	Stuck           bool
	CurrentModelID  string
}

// Strategy is one pluggable selection rule. A nil, nil return means "defer
// to the next strategy in priority order".
type Strategy interface {
	Name() string
	Priority() int
	Evaluate(ctx context.Context, tc Context) (*Selection, error)
}

// Orchestrator holds strategies sorted by descending priority and
// evaluates them in order, isolating failures per spec.md §4.5.
type Orchestrator struct {
	strategies []Strategy
	logger     *slog.Logger
}

// New builds an Orchestrator from an unordered set of strategies, sorting
// them by descending priority once at construction (the priority list is
// static for the process lifetime).
func New(logger *slog.Logger, strategies ...Strategy) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make([]Strategy, len(strategies))
	copy(cp, strategies)
	for i := 1; i < len(cp); i++ {
		for j := i; j > 0 && cp[j].Priority() > cp[j-1].Priority(); j-- {
			cp[j], cp[j-1] = cp[j-1], cp[j]
		}
	}
	return &Orchestrator{strategies: cp, logger: logger}
}

// Select runs every strategy in priority order, returning the first
// non-null Selection. A strategy that errors is logged and skipped rather
// than aborting the chain.
func (o *Orchestrator) Select(ctx context.Context, tc Context) (*Selection, error) {
	for _, s := range o.strategies {
		sel, err := s.Evaluate(ctx, tc)
		if err != nil {
			o.logger.Warn("strategy evaluation failed, skipping",
				slog.String("strategy", s.Name()), slog.String("error", err.Error()))
			continue
		}
		if sel != nil {
			return sel, nil
		}
	}
	return nil, nil
}

// Override is the ManualOverride strategy (priority 999): if an override
// model is set and (when a deadline is configured) has not expired, it
// wins outright.
type Override struct {
	clk      clock.Clock
	mu       sync.Mutex
	modelID  string
	deadline time.Time // zero means no deadline
}

// NewOverride constructs an Override strategy.
func NewOverride(clk clock.Clock) *Override {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Override{clk: clk}
}

func (o *Override) Name() string  { return "manual_override" }
func (o *Override) Priority() int { return 999 }

// Set installs an override, optionally expiring at deadline (zero = never).
func (o *Override) Set(modelID string, deadline time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modelID = modelID
	o.deadline = deadline
}

// Clear removes any active override.
func (o *Override) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modelID = ""
	o.deadline = time.Time{}
}

func (o *Override) Evaluate(_ context.Context, tc Context) (*Selection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.modelID == "" {
		return nil, nil
	}
	if !o.deadline.IsZero() && !o.clk.Now().Before(o.deadline) {
		o.modelID = ""
		o.deadline = time.Time{}
		return nil, nil
	}
	return &Selection{ModelID: o.modelID, Reason: "override:" + o.modelID}, nil
}

// ReversionManager holds a bounded per-session history of prior selections
// so PerspectiveSwitch can restore the pre-switch model once a stuck
// condition clears.
type ReversionManager struct {
	mu      sync.Mutex
	maxSize int
	history map[string][]string // session id -> stack of prior model ids
}

// NewReversionManager creates a manager retaining up to maxSize entries of
// history per session.
func NewReversionManager(maxSize int) *ReversionManager {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &ReversionManager{maxSize: maxSize, history: make(map[string][]string)}
}

// Push records priorModelID as the model to revert to for sessionID.
func (r *ReversionManager) Push(sessionID, priorModelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.history[sessionID], priorModelID)
	if len(h) > r.maxSize {
		h = h[len(h)-r.maxSize:]
	}
	r.history[sessionID] = h
}

// Pop removes and returns the most recently pushed model id for a session,
// or "" if there is none.
func (r *ReversionManager) Pop(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[sessionID]
	if len(h) == 0 {
		return ""
	}
	last := h[len(h)-1]
	r.history[sessionID] = h[:len(h)-1]
	return last
}

// PerspectiveSwitch is the priority-90 strategy: when the task is stuck, it
// switches to a deliberately different high-power model and remembers the
// prior one for reversion once the stuck condition clears.
type PerspectiveSwitch struct {
	alternativeModelID string
	reversion          *ReversionManager
}

// NewPerspectiveSwitch builds a PerspectiveSwitch that always escalates to
// alternativeModelID.
func NewPerspectiveSwitch(alternativeModelID string, reversion *ReversionManager) *PerspectiveSwitch {
	return &PerspectiveSwitch{alternativeModelID: alternativeModelID, reversion: reversion}
}

func (p *PerspectiveSwitch) Name() string  { return "perspective_switch" }
func (p *PerspectiveSwitch) Priority() int { return 90 }

func (p *PerspectiveSwitch) Evaluate(_ context.Context, tc Context) (*Selection, error) {
	if !tc.Stuck {
		return nil, nil
	}
	if tc.CurrentModelID == p.alternativeModelID {
		return nil, nil // already on the alternative; nothing to switch to
	}
	if tc.CurrentModelID != "" {
		p.reversion.Push(tc.SessionID, tc.CurrentModelID)
	}
	return &Selection{ModelID: p.alternativeModelID, Reason: "PerspectiveSwitchStrategy:stuck"}, nil
}

// ProjectStart is the priority-100 strategy: forces a high-power model on
// the first task of a session, then self-deactivates for that session.
type ProjectStart struct {
	highPowerModelID string
	mu               sync.Mutex
	fired            map[string]bool
}

// NewProjectStart builds a ProjectStart strategy.
func NewProjectStart(highPowerModelID string) *ProjectStart {
	return &ProjectStart{highPowerModelID: highPowerModelID, fired: make(map[string]bool)}
}

func (p *ProjectStart) Name() string  { return "project_start" }
func (p *ProjectStart) Priority() int { return 100 }

func (p *ProjectStart) Evaluate(_ context.Context, tc Context) (*Selection, error) {
	if !tc.IsFirstTask {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fired[tc.SessionID] {
		return nil, nil
	}
	p.fired[tc.SessionID] = true
	return &Selection{ModelID: p.highPowerModelID, Reason: "project_start"}, nil
}

// ProviderLayer is one (providerID, modelID) step in an intent's ordered
// provider chain, e.g. {"coding": [{openai, gpt-x}, {anthropic, claude-y}]}.
type ProviderLayer struct {
	ProviderID string
	ModelID    string
}

// FallbackLayer is the priority-0 default strategy: a mutex-serialized
// cursor over a per-intent provider chain. advanceLayer moves the cursor
// forward so that concurrent 429/quota signals for the same intent cannot
// both advance it twice.
type FallbackLayer struct {
	mu      sync.Mutex
	chains  map[string][]ProviderLayer
	cursors map[string]int
}

// NewFallbackLayer builds a FallbackLayer over the given per-intent chains.
func NewFallbackLayer(chains map[string][]ProviderLayer) *FallbackLayer {
	return &FallbackLayer{chains: chains, cursors: make(map[string]int)}
}

func (f *FallbackLayer) Name() string  { return "fallback_layer" }
func (f *FallbackLayer) Priority() int { return 0 }

func (f *FallbackLayer) Evaluate(_ context.Context, tc Context) (*Selection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	chain := f.chains[tc.Intent]
	if len(chain) == 0 {
		return nil, nil
	}
	cursor := f.cursors[tc.Intent]
	for i := 0; i < len(chain); i++ {
		idx := (cursor + i) % len(chain)
		layer := chain[idx]
		if layer.ModelID != "" {
			return &Selection{ModelID: layer.ModelID, Reason: "fallback_layer:" + layer.ProviderID}, nil
		}
	}
	return nil, nil
}

// AdvanceLayer moves the cursor for intent forward by one, under the same
// lock Evaluate uses, so a burst of concurrent failure signals advances the
// cursor at most once per call.
func (f *FallbackLayer) AdvanceLayer(intent, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chain := f.chains[intent]
	if len(chain) == 0 {
		return
	}
	f.cursors[intent] = (f.cursors[intent] + 1) % len(chain)
}
