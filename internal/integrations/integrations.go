// Package integrations defines the Integrations adapter boundary named in
// Design Notes §9: external collaborators (the memory-graph subsystem, the
// host agent's hook bus) are modelled as an interface with a no-op default,
// real implementations injected at construction rather than probed for at
// runtime. Grounded on the teacher's provider-client interfaces
// (internal/providers), which follow the same inject-a-real-implementation
// shape for optional external services.
package integrations

import (
	"context"
	"log/slog"

	"github.com/kestrelai/routingcore/internal/patterns"
)

// MemoryGraph is the boundary to the host agent's memory-graph subsystem.
// spec.md treats the graph itself as out of scope beyond one fact: it can
// ingest derived patterns. IngestAntiPattern and IngestPositivePattern are
// therefore the entire surface.
type MemoryGraph interface {
	IngestAntiPattern(ctx context.Context, p patterns.AntiPattern) error
	IngestPositivePattern(ctx context.Context, p patterns.PositivePattern) error
}

// HookSink receives LearningEngine hook events (session:ingested,
// outcome:learned, ingest:all, hook:error). A real implementation might
// forward these to the host agent's event log.
type HookSink interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Integrations bundles every optional external collaborator an Engine may
// be wired to. A zero-value Integrations (via NoOp()) is entirely inert.
type Integrations struct {
	Memory MemoryGraph
	Hooks  HookSink
}

// NoOp returns an Integrations whose every adapter silently does nothing.
// This is the default passed at construction when no host agent
// integration is configured.
func NoOp() Integrations {
	return Integrations{Memory: noopMemory{}, Hooks: noopHooks{}}
}

type noopMemory struct{}

func (noopMemory) IngestAntiPattern(context.Context, patterns.AntiPattern) error      { return nil }
func (noopMemory) IngestPositivePattern(context.Context, patterns.PositivePattern) error { return nil }

type noopHooks struct{}

func (noopHooks) Emit(context.Context, string, any) error { return nil }

// LoggingHookSink is a small real implementation that simply logs every
// hook event at debug level — useful as the default when a host agent
// wants visibility without wiring a full event bus.
type LoggingHookSink struct {
	Logger *slog.Logger
}

// Emit logs the event and never returns an error (logging cannot fail the
// caller).
func (s LoggingHookSink) Emit(_ context.Context, event string, payload any) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("learning hook", "event", event, "payload", payload)
	return nil
}
