// Package learning implements LearningEngine (C12): the unified façade
// over AntiPatternCatalog/PositivePatternTracker (C9), PatternExtractor
// (C10), and OrchestrationAdvisor (C11). It drives ingestion, delegates
// advise() calls, and turns executor outcomes into new catalog entries.
// Grounded on the teacher's internal/router.Engine façade shape (one
// exported type fronting several collaborating subsystems) and its
// logging discipline (log/slog, non-fatal on hook error).
package learning

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kestrelai/routingcore/internal/advisor"
	"github.com/kestrelai/routingcore/internal/clock"
	"github.com/kestrelai/routingcore/internal/extractor"
	"github.com/kestrelai/routingcore/internal/integrations"
	"github.com/kestrelai/routingcore/internal/patterns"
)

// Outcome is the post-hoc result of one routed request, as reported by
// the caller of learn_from_outcome (spec.md §4.11).
type Outcome struct {
	AdviceID        string
	Success         bool
	FailureReason   string
	IgnoredWarnings int
	TokensUsed      int
	AttemptNumber   int
	Description     string
	TaskType        string
}

// Hook is fired after ingest/learn-from-outcome mutations. A hook error is
// logged and reported to the Integrations HookSink as a "hook:error" event;
// it never fails the mutation (spec.md §5 failure isolation).
type Hook func(event string, payload any) error

// Engine is the LearningEngine façade.
type Engine struct {
	catalog      *patterns.Catalog
	tracker      *patterns.Tracker
	extractor    *extractor.Extractor
	advisor      *advisor.Advisor
	loader       extractor.SessionLoader
	log          *slog.Logger
	clk          clock.Clock
	integrations integrations.Integrations

	hooks []Hook
}

// Config wires an Engine's dependent stores and sources.
type Config struct {
	Catalog *patterns.Catalog
	Tracker *patterns.Tracker
	Loader  extractor.SessionLoader
	Logger  *slog.Logger
	Clock   clock.Clock

	// Integrations is the Design Notes §9 adapter boundary to the host
	// agent's memory-graph and hook-bus collaborators. The zero value
	// (nil fields) is filled with integrations.NoOp() so an unconfigured
	// Engine stays entirely inert.
	Integrations integrations.Integrations
}

// New builds an Engine from already-open catalogs.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ig := cfg.Integrations
	noop := integrations.NoOp()
	if ig.Memory == nil {
		ig.Memory = noop.Memory
	}
	if ig.Hooks == nil {
		ig.Hooks = noop.Hooks
	}
	return &Engine{
		catalog:      cfg.Catalog,
		tracker:      cfg.Tracker,
		extractor:    extractor.New(),
		advisor:      advisor.New(cfg.Catalog, cfg.Tracker, clk, 0),
		loader:       cfg.Loader,
		log:          logger,
		clk:          clk,
		integrations: ig,
	}
}

// OnHook registers a hook callback fired after each mutation.
func (e *Engine) OnHook(h Hook) {
	e.hooks = append(e.hooks, h)
}

// emitHook fires every registered in-process Hook callback plus the
// injected Integrations.HookSink (spec.md Design Notes §9: external
// collaborators are injected adapters, not probed-for modules). A failing
// in-process hook is logged and reported to the HookSink as a "hook:error"
// event; a sink error is logged. Neither stops the remaining hooks
// (spec.md §5 failure isolation).
func (e *Engine) emitHook(ctx context.Context, event string, payload any) {
	for _, h := range e.hooks {
		if err := h(event, payload); err != nil {
			e.log.Warn("learning hook failed", "event", event, "error", err)
			errPayload := map[string]any{"event": event, "error": err.Error()}
			if serr := e.integrations.Hooks.Emit(ctx, "hook:error", errPayload); serr != nil {
				e.log.Warn("integrations hook sink failed", "event", "hook:error", "error", serr)
			}
		}
	}
	if err := e.integrations.Hooks.Emit(ctx, event, payload); err != nil {
		e.log.Warn("integrations hook sink failed", "event", event, "error", err)
	}
}

// IngestSession loads one session (via the configured loader's single-item
// batch of size 1 at the given offset) and runs C10 -> C9 over it,
// persisting any newly detected patterns.
func (e *Engine) IngestSession(ctx context.Context, sessionOffset int) error {
	sessions, err := e.loader.LoadBatch(ctx, sessionOffset, 1)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	anti, positive := e.extractor.ExtractSession(sessions[0])
	e.absorb(ctx, anti, positive)
	e.emitHook(ctx, "session:ingested", sessions[0].ID)
	return nil
}

// IngestAll runs a full BackfillEngine pass and absorbs every candidate
// into the catalogs.
func (e *Engine) IngestAll(ctx context.Context) error {
	engine := extractor.NewBackfillEngine(e.loader, 10, 4)
	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	e.absorb(ctx, result.AntiCandidates, result.PositiveCandidates)
	e.emitHook(ctx, "ingest:all", result.SessionsProcessed)
	return nil
}

// absorb persists every candidate into its catalog, then forwards it
// through Integrations.Memory -- the memory-graph subsystem ingests
// derived patterns (spec.md §1), but only ever learns of them after they
// have survived this package's own merge-on-similar persistence.
func (e *Engine) absorb(ctx context.Context, anti []extractor.AntiCandidate, positive []extractor.PositiveCandidate) {
	for _, c := range anti {
		p, err := e.catalog.Add(c.Pattern)
		if err != nil {
			e.log.Warn("failed to persist anti-pattern", "detector", c.Detector, "error", err)
			continue
		}
		if err := e.integrations.Memory.IngestAntiPattern(ctx, *p); err != nil {
			e.log.Warn("memory-graph ingest failed", "detector", c.Detector, "error", err)
		}
	}
	for _, c := range positive {
		p, err := e.tracker.Add(c.Pattern)
		if err != nil {
			e.log.Warn("failed to persist positive pattern", "detector", c.Detector, "error", err)
			continue
		}
		if err := e.integrations.Memory.IngestPositivePattern(ctx, *p); err != nil {
			e.log.Warn("memory-graph ingest failed", "detector", c.Detector, "error", err)
		}
	}
}

// Advise delegates to OrchestrationAdvisor.
func (e *Engine) Advise(ctx context.Context, tc advisor.Context) advisor.Advice {
	return e.advisor.Advise(ctx, tc)
}

// failureTypeKeywords maps a keyword found in a failure_reason string to
// the anti-pattern type it implies (spec.md §4.11: "inferring type from
// failure_reason keywords").
var failureTypeKeywords = []struct {
	keyword string
	typ     patterns.AntiType
}{
	{"timeout", patterns.TypeFailedDebug},
	{"retry", patterns.TypeShotgunDebug},
	{"suppress", patterns.TypeTypeSuppression},
	{"ignore", patterns.TypeTypeSuppression},
	{"quota", patterns.TypeQuotaExhaustionRisk},
	{"rate limit", patterns.TypeQuotaExhaustionRisk},
	{"wrong tool", patterns.TypeWrongTool},
	{"build", patterns.TypeBrokenState},
	{"test", patterns.TypeBrokenState},
}

func inferAntiType(failureReason string) patterns.AntiType {
	lower := strings.ToLower(failureReason)
	for _, k := range failureTypeKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.typ
		}
	}
	return patterns.TypeInefficientSolution
}

// inferSeverity derives a severity from ignored-warning count, tokens
// used, and attempt number (spec.md §4.11). More ignored warnings, more
// tokens burned, and more attempts all push severity up.
func inferSeverity(ignoredWarnings, tokensUsed, attemptNumber int) patterns.Severity {
	score := ignoredWarnings*3 + attemptNumber*2
	if tokensUsed > 20000 {
		score += 3
	} else if tokensUsed > 5000 {
		score += 1
	}
	switch {
	case score >= 8:
		return patterns.SeverityCritical
	case score >= 5:
		return patterns.SeverityHigh
	case score >= 2:
		return patterns.SeverityMedium
	default:
		return patterns.SeverityLow
	}
}

// LearnFromOutcome writes a new positive pattern on success, or a new
// anti-pattern on failure, inferring type and severity per spec.md §4.11.
func (e *Engine) LearnFromOutcome(o Outcome) error {
	ctx := context.Background()
	if o.Success {
		p := patterns.PositivePattern{
			Type:        patterns.PositiveFastResolution,
			Description: describeOrDefault(o.Description, "task completed successfully"),
			SuccessRate: 1.0,
			Context:     o.TaskType,
		}
		stored, err := e.tracker.Add(p)
		if err != nil {
			return err
		}
		if err := e.integrations.Memory.IngestPositivePattern(ctx, *stored); err != nil {
			e.log.Warn("memory-graph ingest failed", "source", "outcome", "error", err)
		}
		e.emitHook(ctx, "outcome:learned", o)
		return nil
	}

	p := patterns.AntiPattern{
		Type:        inferAntiType(o.FailureReason),
		Description: describeOrDefault(o.Description, o.FailureReason),
		Severity:    inferSeverity(o.IgnoredWarnings, o.TokensUsed, o.AttemptNumber),
		TaskType:    o.TaskType,
	}
	stored, err := e.catalog.Add(p)
	if err != nil {
		return err
	}
	if err := e.integrations.Memory.IngestAntiPattern(ctx, *stored); err != nil {
		e.log.Warn("memory-graph ingest failed", "source", "outcome", "error", err)
	}
	e.emitHook(ctx, "outcome:learned", o)
	return nil
}

func describeOrDefault(description, fallback string) string {
	if description != "" {
		return description
	}
	return fallback
}
