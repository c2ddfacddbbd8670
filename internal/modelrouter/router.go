// Package modelrouter implements the ModelRouter (C8): the public
// route()/record_result()/list_models() facade that wires together the
// policy catalog, per-provider key rotators and circuit breakers, the
// quota manager, the adaptive scorer, and the strategy orchestrator.
// Grounded on the teacher's internal/router.Engine (a facade holding one
// instance of each collaborator, exposing a single decision entry point
// and a matching result-recording entry point) generalized from the
// teacher's Thompson-sampling mode weights into the spec's fixed 5-step
// route contract (spec.md §4.7).
package modelrouter

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/kestrelai/routingcore/internal/breaker"
	"github.com/kestrelai/routingcore/internal/clock"
	"github.com/kestrelai/routingcore/internal/modelstats"
	"github.com/kestrelai/routingcore/internal/outcomebus"
	"github.com/kestrelai/routingcore/internal/policy"
	"github.com/kestrelai/routingcore/internal/quota"
	"github.com/kestrelai/routingcore/internal/rotator"
	"github.com/kestrelai/routingcore/internal/routingerr"
	"github.com/kestrelai/routingcore/internal/scorer"
	"github.com/kestrelai/routingcore/internal/strategy"
	"github.com/kestrelai/routingcore/internal/stuckbug"
	"github.com/kestrelai/routingcore/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TaskContext is the request-scoped input to route(), spec.md §4.7.
type TaskContext struct {
	SessionID         string
	Intent            string
	TaskType          string
	RequiredTools     []string
	RequiredStrengths []string
	MaxLatencyMs      int
	MaxBudgetUSD      float64
	OverrideModelID   string
	IsFirstTask       bool
	Stuck             bool
	CurrentModelID    string

	// Warnings carries learning-advice penalties (OrchestrationAdvisor
	// output) into the scorer; nil is a no-op.
	Warnings []scorer.Warning
}

// Decision is the result of a successful route() call.
type Decision struct {
	ModelID    string
	ProviderID string
	KeyID      string
	Reason     string
	Score      float64

	// FallbackApplied and FallbackReason surface quota_aware_route's
	// per-decision demotion signal (spec.md §4.3/§8 scenario 2): true when
	// at least one candidate provider was demoted for critical/exhausted
	// quota before this Decision was reached. QuotaSignals carries every
	// demoted provider's signal for logging.
	FallbackApplied bool
	FallbackReason  string
	QuotaSignals    []quota.Signal

	// breakerDone is the callback the winning provider's breaker.Allow()
	// returned when this decision was admitted; RecordResult invokes it
	// exactly once with the real outcome. Nil when no breaker guards the
	// provider.
	breakerDone func(success bool)
}

// Outcome is the input to record_result(), spec.md §4.7, describing what
// happened when the Decision returned by Route was actually used. Callers
// must pass the same *Decision Route returned so the winning provider's
// breaker sees exactly one resolution per admitted attempt.
type Outcome struct {
	RequestID       string
	SessionID       string
	Success         bool
	ErrorDetail     string
	RetryAfterMs    int
	Degraded        bool
	LatencyMs       int64
	TokensInput     int64
	TokensOutput    int64
	FallbackApplied bool
}

// ProviderSet bundles one provider's rotator and breaker; Router holds one
// per provider named in the policy catalog.
type ProviderSet struct {
	rotator *rotator.Rotator
	breaker *breaker.Breaker
}

// Router is the ModelRouter (C8) facade.
type Router struct {
	catalog      *policy.Catalog
	providers    map[string]*ProviderSet
	quota        *quota.Manager
	orchestrator *strategy.Orchestrator
	stats        *modelstats.Store
	bus          *outcomebus.Bus
	scorerCfg    scorer.Config
	clk          clock.Clock
	log          *slog.Logger

	stuckCfg       stuckbug.Config
	stuckMu        sync.Mutex
	stuckDetectors map[string]*stuckbug.Detector
}

// Config bundles every collaborator Router needs. Providers must contain
// one entry per distinct provider referenced by the policy catalog.
type Config struct {
	Catalog      *policy.Catalog
	Providers    map[string]*ProviderSet
	Quota        *quota.Manager
	Orchestrator *strategy.Orchestrator
	Stats        *modelstats.Store
	Bus          *outcomebus.Bus
	ScorerConfig scorer.Config
	StuckBug     stuckbug.Config
	Clock        clock.Clock
	Logger       *slog.Logger
}

// NewProviderSet bundles a rotator and breaker for one provider; exported
// so callers building a Config can construct ProviderSet values.
func NewProviderSet(r *rotator.Rotator, b *breaker.Breaker) *ProviderSet {
	return &ProviderSet{rotator: r, breaker: b}
}

// New constructs a Router from cfg, defaulting Clock/Logger if unset.
func New(cfg Config) *Router {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	stuckCfg := cfg.StuckBug
	if stuckCfg == (stuckbug.Config{}) {
		stuckCfg = stuckbug.DefaultConfig()
	}
	return &Router{
		catalog:        cfg.Catalog,
		providers:      cfg.Providers,
		quota:          cfg.Quota,
		orchestrator:   cfg.Orchestrator,
		stats:          cfg.Stats,
		bus:            cfg.Bus,
		scorerCfg:      cfg.ScorerConfig,
		clk:            clk,
		log:            log,
		stuckCfg:       stuckCfg,
		stuckDetectors: make(map[string]*stuckbug.Detector),
	}
}

// ListModels returns every model in the policy catalog.
func (r *Router) ListModels() []policy.ModelPolicy {
	return r.catalog.All()
}

// ProviderKeys returns a diagnostics snapshot of every key the named
// provider's rotator holds, including each key's bcrypt audit fingerprint,
// for the operator audit surface. The second return is false if no rotator
// is configured for providerID.
func (r *Router) ProviderKeys(providerID string) ([]rotator.Key, bool) {
	ps, ok := r.providers[providerID]
	if !ok || ps.rotator == nil {
		return nil, false
	}
	return ps.rotator.Keys(), true
}

// Route runs the 5-step route contract (spec.md §4.7) and returns a
// Decision or a *routingerr.RoutingError.
func (r *Router) Route(ctx context.Context, tc TaskContext) (*Decision, error) {
	ctx, span := tracing.RouterTracer().Start(ctx, "modelrouter.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", tc.SessionID),
		attribute.String("task_type", tc.TaskType),
	)

	d, err := r.route(ctx, tc)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model_id", d.ModelID),
		attribute.String("provider_id", d.ProviderID),
		attribute.String("reason", d.Reason),
	)
	return d, nil
}

func (r *Router) route(ctx context.Context, tc TaskContext) (*Decision, error) {
	// Step 1: override.
	if tc.OverrideModelID != "" {
		if model, ok := r.catalog.Get(tc.OverrideModelID); ok {
			if d, err := r.acquireForModel(model, "override:"+tc.OverrideModelID, 0); err == nil {
				return d, nil
			}
			r.log.Warn("override model present but no key available", "model", tc.OverrideModelID)
		} else {
			r.log.Warn("override model unknown, falling through", "model", tc.OverrideModelID)
		}
	}

	candidates, quotaSignals := r.filterCandidates(ctx, tc)
	if len(candidates) == 0 {
		return nil, routingerr.New(routingerr.KindNoAvailableProvider, "no candidates survived filtering")
	}

	// Step 3: strategy orchestrator.
	stuck := tc.Stuck
	if !stuck && tc.SessionID != "" {
		stuck = r.stuckDetectorFor(tc.SessionID).IsStuck()
	}
	sc := strategy.Context{
		SessionID:       tc.SessionID,
		Intent:          tc.Intent,
		OverrideModelID: tc.OverrideModelID,
		IsFirstTask:     tc.IsFirstTask,
		Stuck:           stuck,
		CurrentModelID:  tc.CurrentModelID,
	}
	if r.orchestrator != nil {
		sel, err := r.orchestrator.Select(ctx, sc)
		if err != nil {
			r.log.Warn("strategy orchestrator error, falling through to scoring", "error", err)
		} else if sel != nil {
			if model, ok := r.catalog.Get(sel.ModelID); ok {
				if containsModel(candidates, model.ID) {
					if d, err := r.acquireForModel(model, "orchestrator:"+sel.Reason, 0); err == nil {
						applyQuotaSignals(d, quotaSignals)
						return d, nil
					}
				}
			}
		}
	}

	// Steps 4-5: score, rank, acquire with bounded retry across providers.
	d, err := r.scoreAndAcquire(ctx, tc, candidates)
	if err != nil {
		return nil, err
	}
	applyQuotaSignals(d, quotaSignals)
	return d, nil
}

// applyQuotaSignals stamps quota_aware_route's demotion signal onto a
// Decision (spec.md §4.3/§8 scenario 2): fallback_applied becomes true
// whenever at least one candidate provider was demoted for critical or
// exhausted quota before this Decision was reached.
func applyQuotaSignals(d *Decision, signals []quota.Signal) {
	if len(signals) == 0 {
		return
	}
	d.QuotaSignals = signals
	d.FallbackApplied = true
	d.FallbackReason = signals[0].FallbackReason
}

func containsModel(candidates []policy.ModelPolicy, id string) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// filterCandidates implements route step 2: drop models missing required
// tools, over the latency budget, or whose provider has no ProviderSet
// configured. Breaker gating happens at acquisition time (acquireForModel),
// not here: Allow() mutates half-open probe state, so it must only be
// called once per model actually attempted, never once per candidate
// considered.
func (r *Router) filterCandidates(ctx context.Context, tc TaskContext) ([]policy.ModelPolicy, []quota.Signal) {
	var out []policy.ModelPolicy
	for _, m := range r.catalog.All() {
		if !hasAllTools(m, tc.RequiredTools) {
			continue
		}
		if tc.MaxLatencyMs > 0 && m.DefaultLatencyMs > tc.MaxLatencyMs {
			continue
		}
		if _, ok := r.providers[m.Provider]; !ok {
			continue
		}
		out = append(out, m)
	}

	var demoted []quota.Signal
	if r.quota != nil && len(out) > 0 {
		byProvider := make(map[string]struct{})
		qc := make([]quota.Candidate, 0, len(out))
		for _, m := range out {
			if _, seen := byProvider[m.Provider]; seen {
				continue
			}
			byProvider[m.Provider] = struct{}{}
			qc = append(qc, quota.Candidate{ProviderID: m.Provider})
		}
		kept, signals, err := r.quota.QuotaAwareRoute(ctx, qc)
		if err == nil {
			demoted = signals
			keptProviders := make(map[string]struct{}, len(kept))
			for _, c := range kept {
				keptProviders[c.ProviderID] = struct{}{}
			}
			filtered := out[:0]
			for _, m := range out {
				if _, ok := keptProviders[m.Provider]; ok {
					filtered = append(filtered, m)
				}
			}
			out = filtered
		} else {
			r.log.Warn("quota_aware_route failed, routing without quota demotion", "error", err)
		}
	}
	return out, demoted
}

func hasAllTools(m policy.ModelPolicy, required []string) bool {
	for _, t := range required {
		if !m.HasTool(t) {
			return false
		}
	}
	return true
}

// scoreAndAcquire implements route steps 4-5: rank candidates, attempt to
// acquire a key from the top-scoring provider, demote and retry on
// exhaustion, bounded by the candidate count.
func (r *Router) scoreAndAcquire(ctx context.Context, tc TaskContext, candidates []policy.ModelPolicy) (*Decision, error) {
	remaining := append([]policy.ModelPolicy(nil), candidates...)

	for attempt := 0; attempt < len(candidates); attempt++ {
		if len(remaining) == 0 {
			break
		}
		ranked := r.rank(tc, remaining)
		if len(ranked) == 0 {
			break
		}
		best := ranked[0]
		model, ok := r.catalog.Get(best.ModelID)
		if !ok {
			remaining = dropModel(remaining, best.ModelID)
			continue
		}
		if d, err := r.acquireForModel(model, "scored", best.Score); err == nil {
			return d, nil
		}
		remaining = dropModel(remaining, best.ModelID)
	}
	return nil, routingerr.New(routingerr.KindNoAvailableProvider, "every scored candidate's rotator returned no key")
}

func dropModel(models []policy.ModelPolicy, id string) []policy.ModelPolicy {
	out := models[:0]
	for _, m := range models {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// liveStatsFor reads a model's current call tally from the shared,
// RWMutex-guarded modelstats.Store rather than a second unguarded copy, so
// a concurrent RecordResult write and a Route-path read never race
// (spec.md §5: "AdaptiveScorer sees a consistent snapshot ... read under
// rotator lock or via atomic counters").
func (r *Router) liveStatsFor(modelID string) scorer.LiveStats {
	if r.stats == nil {
		return scorer.LiveStats{}
	}
	st := r.stats.Get(modelID)
	return scorer.LiveStats{
		Calls:          st.Calls,
		Successes:      st.Successes,
		TotalLatencyMs: st.TotalLatencyMs,
	}
}

func (r *Router) rank(tc TaskContext, candidates []policy.ModelPolicy) []scorer.Result {
	inputs := make([]scorer.Input, 0, len(candidates))
	for _, m := range candidates {
		ps := r.providers[m.Provider]
		var rp scorer.RotatorPressure
		var qs quota.Signal
		if ps != nil && ps.rotator != nil {
			st := ps.rotator.Status()
			rp = scorer.RotatorPressure{HealthyKeys: st.HealthyKeys, TotalKeys: st.TotalKeys, Exhausted: st.IsExhausted}
		}
		inputs = append(inputs, scorer.Input{
			Model:    m,
			Live:     r.liveStatsFor(m.ID),
			Rotator:  rp,
			Quota:    qs,
			Warnings: tc.Warnings,
			Task: scorer.TaskContext{
				TaskType:          tc.TaskType,
				RequiredStrengths: tc.RequiredStrengths,
				MaxBudgetUSD:      tc.MaxBudgetUSD,
			},
		})
	}
	ranked := scorer.Rank(inputs, r.scorerCfg)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		mi, _ := r.catalog.Get(ranked[i].ModelID)
		mj, _ := r.catalog.Get(ranked[j].ModelID)
		if mi.DefaultLatencyMs != mj.DefaultLatencyMs {
			return mi.DefaultLatencyMs < mj.DefaultLatencyMs
		}
		return ranked[i].ModelID < ranked[j].ModelID
	})
	return ranked
}

func (r *Router) acquireForModel(model policy.ModelPolicy, reason string, score float64) (*Decision, error) {
	ps, ok := r.providers[model.Provider]
	if !ok || ps.rotator == nil {
		return nil, routingerr.New(routingerr.KindNoAvailableProvider, "no rotator configured for provider").WithProvider(model.Provider)
	}

	var done func(success bool)
	if ps.breaker != nil {
		d, allowed := ps.breaker.Allow()
		if !allowed {
			return nil, routingerr.New(routingerr.KindNoAvailableProvider, "circuit open").WithModel(model.ID).WithProvider(model.Provider)
		}
		done = d
	}

	key, ok := ps.rotator.Acquire()
	if !ok {
		// The breaker's done callback is deliberately left uninvoked: the
		// probe never reached the provider, so neither recording a success
		// (could wrongly close a half-open breaker) nor a failure (key
		// exhaustion isn't provider health) reflects reality. The admitted
		// half-open slot is simply forfeited.
		return nil, routingerr.New(routingerr.KindNoAvailableProvider, "rotator exhausted").WithModel(model.ID).WithProvider(model.Provider)
	}
	return &Decision{
		ModelID:     model.ID,
		ProviderID:  model.Provider,
		KeyID:       key.ID,
		Reason:      reason,
		Score:       score,
		breakerDone: done,
	}, nil
}

// RecordResult implements record_result (spec.md §4.7): updates ModelStats,
// the winning key's rotator, the provider's circuit breaker, and publishes
// an Outcome for the LearningEngine. d must be the *Decision Route returned
// for this request; its breaker admission is resolved here exactly once.
// Persistence failures are logged, never returned, per routingerr's
// "absorbed and logged" discipline.
func (r *Router) RecordResult(ctx context.Context, d *Decision, rr Outcome) {
	_, span := tracing.RouterTracer().Start(ctx, "modelrouter.record_result")
	defer span.End()
	span.SetAttributes(
		attribute.String("model_id", d.ModelID),
		attribute.String("provider_id", d.ProviderID),
		attribute.Bool("success", rr.Success),
	)

	if r.stats != nil {
		if err := r.stats.RecordResult(d.ModelID, rr.Success, rr.LatencyMs); err != nil {
			r.log.Warn("model stats persistence failed", "model", d.ModelID, "error", err)
		}
	}

	if rr.SessionID != "" {
		det := r.stuckDetectorFor(rr.SessionID)
		if rr.Success {
			det.RecordSuccess()
		} else {
			det.RecordFailure("", rr.ErrorDetail)
		}
	}

	if ps, ok := r.providers[d.ProviderID]; ok {
		if ps.rotator != nil {
			if rr.Success {
				ps.rotator.OnSuccess(d.KeyID)
			} else {
				ps.rotator.OnFailure(d.KeyID, rr.RetryAfterMs, rr.Degraded)
			}
		}
	}
	if d.breakerDone != nil {
		d.breakerDone(rr.Success)
	}

	if r.bus != nil {
		r.bus.Publish(outcomebus.Outcome{
			RequestID:       rr.RequestID,
			SessionID:       rr.SessionID,
			ModelID:         d.ModelID,
			ProviderID:      d.ProviderID,
			KeyID:           d.KeyID,
			Success:         rr.Success,
			ErrorDetail:     rr.ErrorDetail,
			LatencyMs:       rr.LatencyMs,
			TokensInput:     rr.TokensInput,
			TokensOutput:    rr.TokensOutput,
			FallbackApplied: rr.FallbackApplied,
			Timestamp:       r.clk.Now(),
		})
	}
}

// stuckDetectorFor returns the per-session StuckBugDetector (C7), creating
// one on first use. sessionID "" gets its own throwaway detector per call
// rather than sharing one across unrelated anonymous sessions.
func (r *Router) stuckDetectorFor(sessionID string) *stuckbug.Detector {
	if sessionID == "" {
		return stuckbug.New(r.stuckCfg, r.clk)
	}
	r.stuckMu.Lock()
	defer r.stuckMu.Unlock()
	d, ok := r.stuckDetectors[sessionID]
	if !ok {
		d = stuckbug.New(r.stuckCfg, r.clk)
		r.stuckDetectors[sessionID] = d
	}
	return d
}
