package breaker

import (
	"testing"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
)

func TestClosedAllowsAndStaysClosedOnSuccess(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	b := New("openai", DefaultConfig(), fc)

	for i := 0; i < 10; i++ {
		done, ok := b.Allow()
		if !ok {
			t.Fatalf("expected allowed in closed state")
		}
		done(true)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestTripsOpenAfterConsecutiveFailures(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b := New("p", cfg, fc)

	for i := 0; i < 3; i++ {
		done, ok := b.Allow()
		if !ok {
			t.Fatalf("expected allow before trip (iteration %d)", i)
		}
		done(false)
	}
	if b.State() != Open {
		t.Fatalf("expected open after %d consecutive failures, got %v", cfg.FailureThreshold, b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("expected Allow to reject while open")
	}
}

func TestCannotTransitionOpenToClosedDirectly(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.OpenTimeoutMs = 1000
	b := New("p", cfg, fc)

	done, _ := b.Allow()
	done(false)
	if b.State() != Open {
		t.Fatalf("expected open")
	}

	// Before the timeout elapses, still open/rejecting -- never half-open
	// or closed without passing through the timeout.
	if _, ok := b.Allow(); ok {
		t.Fatalf("expected still rejecting before timeout")
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.HalfOpenAttempts = 2
	cfg.OpenTimeoutMs = 1000
	var transitions []State
	b := New("p", cfg, fc, WithOnStateChange(func(_ string, from, to State) {
		transitions = append(transitions, to)
	}))

	done, _ := b.Allow()
	done(false) // trips open
	if b.State() != Open {
		t.Fatalf("expected open")
	}

	fc.Advance(2 * time.Second)
	d1, ok := b.Allow() // first half-open probe
	if !ok {
		t.Fatalf("expected probe allowed after timeout")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half_open, got %v", b.State())
	}
	d1(true)
	if b.State() != HalfOpen {
		t.Fatalf("expected still half_open after 1/%d successes", cfg.SuccessThreshold)
	}

	d2, ok := b.Allow()
	if !ok {
		t.Fatalf("expected second probe allowed")
	}
	d2(true)
	if b.State() != Closed {
		t.Fatalf("expected closed after success_threshold probes succeeded, got %v", b.State())
	}

	// Verify the observed path never skipped half_open.
	foundHalfOpen := false
	for i, s := range transitions {
		if s == Closed && i > 0 {
			if transitions[i-1] != HalfOpen {
				t.Fatalf("closed was not preceded by half_open: %v", transitions)
			}
		}
		if s == HalfOpen {
			foundHalfOpen = true
		}
	}
	if !foundHalfOpen {
		t.Fatalf("expected to observe a half_open transition: %v", transitions)
	}
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.OpenTimeoutMs = 500
	b := New("p", cfg, fc)

	done, _ := b.Allow()
	done(false)
	fc.Advance(time.Second)

	probe, ok := b.Allow()
	if !ok {
		t.Fatalf("expected probe allowed")
	}
	probe(false)
	if b.State() != Open {
		t.Fatalf("expected reopened after failed probe, got %v", b.State())
	}
}

func TestStateChangeCallbackFiresWithProviderID(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	var gotProvider string
	b := New("anthropic", cfg, fc, WithOnStateChange(func(providerID string, from, to State) {
		gotProvider = providerID
	}))
	done, _ := b.Allow()
	done(false)
	if gotProvider != "anthropic" {
		t.Fatalf("expected callback provider id anthropic, got %q", gotProvider)
	}
}
