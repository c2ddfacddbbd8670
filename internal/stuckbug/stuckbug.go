// Package stuckbug implements the StuckBugDetector (C7): a bounded ring of
// recent failures, fingerprinted by token overlap, used to decide whether
// a session is stuck repeating the same mistake. Grounded on the teacher's
// internal/router.RewardLog bounded-history-of-outcomes shape, generalized
// from a reward log into a failure ring with Jaccard-similarity
// fingerprint comparison.
package stuckbug

import (
	"strings"
	"sync"
	"time"

	"github.com/kestrelai/routingcore/internal/clock"
)

const maxRingSize = 50

// Config tunes stuck detection. Field names match spec.md §6.
type Config struct {
	TimeoutMs           int
	FailureThreshold    int
	FailureWindowMs     int
	SimilarityThreshold float64
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutMs:           300000,
		FailureThreshold:    3,
		FailureWindowMs:     180000,
		SimilarityThreshold: 0.90,
	}
}

// Failure is one recorded failure event.
type Failure struct {
	At          time.Time
	Fingerprint map[string]struct{} // token set derived from {code, error}
}

// Detector tracks recent failures for one session and answers is_stuck().
// A ModelRouter consults one detector per session concurrently from the
// route path (reader) and the record-result path (writer), so all state is
// guarded by a single mutex (spec.md §5 concurrency discipline).
type Detector struct {
	cfg Config
	clk clock.Clock

	mu          sync.Mutex
	ring        []Failure
	lastSuccess time.Time
}

// New creates a Detector. lastSuccess starts at clk.Now() so a fresh
// session isn't immediately considered timed-out.
func New(cfg Config, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 300000
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureWindowMs <= 0 {
		cfg.FailureWindowMs = 180000
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.90
	}
	return &Detector{cfg: cfg, clk: clk, lastSuccess: clk.Now()}
}

// Fingerprint tokenizes code and error text into a lowercase word set.
func Fingerprint(code, errorText string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, field := range []string{code, errorText} {
		for _, tok := range strings.Fields(field) {
			tok = strings.ToLower(strings.Trim(tok, ".,:;()[]{}\"'"))
			if tok != "" {
				set[tok] = struct{}{}
			}
		}
	}
	return set
}

// RecordFailure appends a failure to the ring, evicting the oldest entry
// once the ring exceeds maxRingSize.
func (d *Detector) RecordFailure(code, errorText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ring = append(d.ring, Failure{At: d.clk.Now(), Fingerprint: Fingerprint(code, errorText)})
	if len(d.ring) > maxRingSize {
		d.ring = d.ring[len(d.ring)-maxRingSize:]
	}
}

// RecordSuccess clears the stuck-timeout clock; the failure ring itself is
// left intact (a success doesn't erase history, only resets the timeout).
func (d *Detector) RecordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSuccess = d.clk.Now()
}

// jaccard computes the Jaccard similarity of two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// IsStuck reports whether the session should be considered stuck per
// spec.md §4.6: either no success for longer than timeout_ms, or at least
// failure_threshold failures within failure_window_ms where two of them
// have fingerprint similarity >= similarity_threshold.
func (d *Detector) IsStuck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clk.Now()
	if now.Sub(d.lastSuccess) > time.Duration(d.cfg.TimeoutMs)*time.Millisecond {
		return true
	}

	windowStart := now.Add(-time.Duration(d.cfg.FailureWindowMs) * time.Millisecond)
	var recent []Failure
	for _, f := range d.ring {
		if !f.At.Before(windowStart) {
			recent = append(recent, f)
		}
	}
	if len(recent) < d.cfg.FailureThreshold {
		return false
	}

	for i := 0; i < len(recent); i++ {
		for j := i + 1; j < len(recent); j++ {
			if jaccard(recent[i].Fingerprint, recent[j].Fingerprint) >= d.cfg.SimilarityThreshold {
				return true
			}
		}
	}
	return false
}
