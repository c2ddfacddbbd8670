// Package routingerr defines the error kinds the routing core can surface.
// Per design, the routing call must either return a Selection or fail with
// exactly one of these kinds; every lower-level failure (persistence, hook,
// strategy) is absorbed and logged rather than propagated.
package routingerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds a routing call may terminate with.
type Kind string

const (
	// KindNoAvailableProvider: every candidate was filtered or its rotator
	// returned no key.
	KindNoAvailableProvider Kind = "no_available_provider"
	// KindOverrideModelUnknown: ctx.override_model_id did not match any
	// known model; routing falls through to normal selection with a warning.
	KindOverrideModelUnknown Kind = "override_model_unknown"
	// KindKeyAcquisitionTimeout: an optional bound on rotator lock / remote
	// fetch was exceeded; caller should retry the next provider.
	KindKeyAcquisitionTimeout Kind = "key_acquisition_timeout"
	// KindPolicyLoad: fatal at startup.
	KindPolicyLoad Kind = "policy_load_error"
	// KindPersistence: logged, never propagated to a caller.
	KindPersistence Kind = "persistence_error"
	// KindHook: captured inside a hook dispatch, re-emitted on an error channel.
	KindHook Kind = "hook_error"
	// KindStrategy: a strategy panicked/erred; it is skipped and logged.
	KindStrategy Kind = "strategy_error"
)

// RoutingError wraps an error Kind with the model/provider context that
// produced it and a human-formatted detail string for logs.
type RoutingError struct {
	Kind     Kind
	Model    string
	Provider string
	Detail   string
	cause    error
}

// New creates a RoutingError of the given kind.
func New(kind Kind, detail string) *RoutingError {
	return &RoutingError{Kind: kind, Detail: detail}
}

// Wrap creates a RoutingError of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, detail string) *RoutingError {
	return &RoutingError{Kind: kind, Detail: detail, cause: cause}
}

// WithModel sets the Model field and returns the receiver for chaining.
func (e *RoutingError) WithModel(modelID string) *RoutingError {
	e.Model = modelID
	return e
}

// WithProvider sets the Provider field and returns the receiver for chaining.
func (e *RoutingError) WithProvider(providerID string) *RoutingError {
	e.Provider = providerID
	return e
}

func (e *RoutingError) Error() string {
	if e.Detail == "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.cause)
		}
		return string(e.Kind)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *RoutingError) Unwrap() error { return e.cause }

// Is allows errors.Is(err, routingerr.KindXxxSentinel) style matching via the
// package-level sentinel values below.
func (e *RoutingError) Is(target error) bool {
	var other *RoutingError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Sentinel values usable with errors.Is(err, routingerr.ErrNoAvailableProvider).
var (
	ErrNoAvailableProvider  = &RoutingError{Kind: KindNoAvailableProvider}
	ErrOverrideModelUnknown = &RoutingError{Kind: KindOverrideModelUnknown}
	ErrKeyAcquisitionTimeout = &RoutingError{Kind: KindKeyAcquisitionTimeout}
	ErrPolicyLoad           = &RoutingError{Kind: KindPolicyLoad}
	ErrPersistence          = &RoutingError{Kind: KindPersistence}
	ErrHook                 = &RoutingError{Kind: KindHook}
	ErrStrategy             = &RoutingError{Kind: KindStrategy}
)
