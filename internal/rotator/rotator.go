// Package rotator implements the KeyRotator (C1): a per-provider pool of API
// keys with health tracking, cooldown, and rate-limit-header awareness.
// Grounded on the teacher's internal/apikey.Manager (mutex-guarded map,
// option-function construction, TTL-style state) generalized from
// client-facing API keys to provider-facing ones, and on the header-parsing
// shape of internal/providers/http.go.
package rotator

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kestrelai/routingcore/internal/clock"
)

// Status is the health state of a single provider key.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusThrottled Status = "throttled"
	StatusCooldown  Status = "cooldown"
	StatusDead      Status = "dead"
)

// Strategy selects how acquire() picks among several healthy keys.
type Strategy string

const (
	// StrategyRoundRobin cycles through the healthy set in order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyHealthFirst picks the key with maximum remaining capacity
	// (min(remaining_requests, remaining_tokens)).
	StrategyHealthFirst Strategy = "health_first"
	// StrategyWeighted blends health, remaining capacity, and recency.
	// Additive strategy not named by the core spec; see SPEC_FULL.md §4.
	StrategyWeighted Strategy = "weighted"
)

const unlimited = -1 // sentinel for "no observed limit yet" (infinite)

// Key is a single provider API key and its rotator-owned health state.
// ProviderKey in the design doc.
type Key struct {
	ID                string
	secret            string
	Status            Status
	RemainingRequests int // unlimited sentinel until observed
	RemainingTokens   int // unlimited sentinel until observed
	ResetAt           time.Time
	LastUsed          time.Time
	FailureCount      int
	// FingerprintHash is a bcrypt-salted fingerprint of the secret computed
	// once at key construction, for audit trails that outlive the process
	// (unlike SecretFingerprint, which is cheap enough to recompute per call).
	FingerprintHash string
}

// SecretFingerprint returns a stable, non-reversible SHA-256 fingerprint of
// the key's secret suitable for diagnostics/audit logs. The secret itself is
// never exposed once constructed.
func (k *Key) SecretFingerprint() string {
	sum := sha256.Sum256([]byte(k.secret))
	return hex.EncodeToString(sum[:])[:16]
}

// Config tunes a Rotator's behaviour. Field names match spec.md §6.
type Config struct {
	Strategy    Strategy
	CooldownMs  int
	MaxFailures int
	// RemainingFloor is the provider-specific token/request floor below
	// which a key is marked throttled rather than healthy after a header
	// update. Cerebras uses a higher TPM floor than the generic default;
	// see WithRemainingFloor.
	RemainingFloor int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyRoundRobin,
		CooldownMs:     60000,
		MaxFailures:    3,
		RemainingFloor: 0,
	}
}

// Rotator serves the next usable key for one provider under concurrency,
// absorbs rate-limit feedback, and isolates unhealthy keys. All mutations
// are serialised by a single mutex per rotator (per spec.md §4.1/§5).
type Rotator struct {
	providerID string
	cfg        Config
	clock      clock.Clock

	mu     sync.Mutex
	keys   []*Key
	byID   map[string]*Key
	cursor int // round-robin cursor
}

// New creates a Rotator for one provider with the given secrets.
func New(providerID string, secrets []string, cfg Config, clk clock.Clock) *Rotator {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.CooldownMs <= 0 {
		cfg.CooldownMs = 60000
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if clk == nil {
		clk = clock.Real{}
	}
	r := &Rotator{
		providerID: providerID,
		cfg:        cfg,
		clock:      clk,
		byID:       make(map[string]*Key, len(secrets)),
	}
	for i, secret := range secrets {
		fp, err := bcryptFingerprint(secret)
		if err != nil {
			fp = ""
		}
		k := &Key{
			ID:                keyID(providerID, i),
			secret:            secret,
			Status:            StatusHealthy,
			RemainingRequests: unlimited,
			RemainingTokens:   unlimited,
			FingerprintHash:   fp,
		}
		r.keys = append(r.keys, k)
		r.byID[k.ID] = k
	}
	return r
}

func keyID(providerID string, index int) string {
	sum := sha256.Sum256([]byte(providerID))
	return hex.EncodeToString(sum[:4]) + "-" + itoa(index)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ProviderID returns the provider this rotator serves.
func (r *Rotator) ProviderID() string { return r.providerID }

// Secret returns the plaintext secret for a key ID. Only the executor
// (outside the routing core) is expected to call this, immediately before
// making the provider HTTP request.
func (r *Rotator) Secret(keyID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.byID[keyID]
	if !ok {
		return "", false
	}
	return k.secret, true
}

// Acquire returns the next usable key, or (nil, false) if none is available.
// See spec.md §4.1 for the selection algorithm.
func (r *Rotator) Acquire() (*Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireLocked()
}

func (r *Rotator) acquireLocked() (*Key, bool) {
	now := r.clock.Now()

	healthy := make([]*Key, 0, len(r.keys))
	for _, k := range r.keys {
		if k.Status == StatusHealthy && !now.Before(k.ResetAt) {
			healthy = append(healthy, k)
		}
	}

	if len(healthy) == 0 {
		// Step 2: promote the key with the earliest reset_at if its
		// deadline has passed.
		var earliest *Key
		for _, k := range r.keys {
			if k.Status == StatusDead {
				continue
			}
			if earliest == nil || k.ResetAt.Before(earliest.ResetAt) {
				earliest = k
			}
		}
		if earliest == nil {
			return nil, false
		}
		if !now.Before(earliest.ResetAt) {
			earliest.Status = StatusHealthy
			earliest.LastUsed = now
			return earliest, true
		}
		return nil, false
	}

	var chosen *Key
	switch r.cfg.Strategy {
	case StrategyHealthFirst:
		chosen = pickMaxCapacity(healthy)
	case StrategyWeighted:
		chosen = pickWeighted(healthy, now)
	default:
		chosen = r.pickRoundRobinLocked(healthy)
	}
	chosen.LastUsed = now
	return chosen, true
}

func (r *Rotator) pickRoundRobinLocked(healthy []*Key) *Key {
	r.cursor = (r.cursor + 1) % len(healthy)
	return healthy[r.cursor]
}

// remainingCapacity returns min(remaining_requests, remaining_tokens),
// treating the unlimited sentinel as +inf.
func remainingCapacity(k *Key) int {
	rr, rt := k.RemainingRequests, k.RemainingTokens
	if rr == unlimited && rt == unlimited {
		return int(^uint(0) >> 1) // max int: both unlimited
	}
	if rr == unlimited {
		return rt
	}
	if rt == unlimited {
		return rr
	}
	if rr < rt {
		return rr
	}
	return rt
}

func pickMaxCapacity(healthy []*Key) *Key {
	best := healthy[0]
	bestCap := remainingCapacity(best)
	for _, k := range healthy[1:] {
		if c := remainingCapacity(k); c > bestCap {
			best, bestCap = k, c
		}
	}
	return best
}

// pickWeighted blends health (always 1.0 here since only healthy keys are
// candidates), normalized remaining capacity, and recency (older last-used
// wins, favoring idle keys) -- additive strategy, see SPEC_FULL.md §4.
func pickWeighted(healthy []*Key, now time.Time) *Key {
	var best *Key
	bestScore := -1.0
	maxCap := 1
	for _, k := range healthy {
		if c := remainingCapacity(k); c > maxCap && c != int(^uint(0)>>1) {
			maxCap = c
		}
	}
	for _, k := range healthy {
		capScore := 1.0
		if c := remainingCapacity(k); c != int(^uint(0)>>1) {
			capScore = float64(c) / float64(maxCap)
		}
		idleSecs := now.Sub(k.LastUsed).Seconds()
		if k.LastUsed.IsZero() {
			idleSecs = 1e9
		}
		recencyScore := idleSecs / (idleSecs + 60.0) // approaches 1 as idle grows
		score := 0.6*capScore + 0.4*recencyScore
		if score > bestScore {
			best, bestScore = k, score
		}
	}
	return best
}

// OnSuccess resets a key's failure count and marks it healthy, pulling a
// pending reset_at back to now so the key is immediately acquirable.
func (r *Rotator) OnSuccess(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.byID[keyID]
	if !ok {
		return
	}
	k.FailureCount = 0
	k.Status = StatusHealthy
	if now := r.clock.Now(); k.ResetAt.After(now) {
		k.ResetAt = now
	}
}

// OnFailure records a failed call. retryAfterMs, when > 0, is honored as the
// minimum cooldown; degraded signals platform-level degradation ("DEGRADED",
// "cannot be invoked") which forces at least a 5-minute cooldown.
func (r *Rotator) OnFailure(keyID string, retryAfterMs int, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.byID[keyID]
	if !ok {
		return
	}
	now := r.clock.Now()
	k.FailureCount++

	cooldown := r.cfg.CooldownMs
	if retryAfterMs > cooldown {
		cooldown = retryAfterMs
	}
	k.ResetAt = now.Add(time.Duration(cooldown) * time.Millisecond)

	switch {
	case degraded:
		minCooldown := now.Add(5 * time.Minute)
		if k.ResetAt.Before(minCooldown) {
			k.ResetAt = minCooldown
		}
		k.Status = StatusCooldown
	case k.FailureCount >= r.cfg.MaxFailures:
		k.Status = StatusDead
	default:
		k.Status = StatusCooldown
	}
}

// Reset manually clears a dead/cooldown key back to healthy (operator action).
func (r *Rotator) Reset(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.byID[keyID]
	if !ok {
		return
	}
	k.FailureCount = 0
	k.Status = StatusHealthy
	k.ResetAt = time.Time{}
}

// RotatorStatus summarizes rotator health for routing-pressure decisions.
type RotatorStatus struct {
	HealthyKeys          int
	TotalKeys            int
	IsExhausted           bool
	TotalRemainingTokens int // sum over keys with an observed limit; unlimited keys don't contribute a cap
	// KeyFingerprints carries each key's bcrypt audit fingerprint, in the
	// same order as the rotator's internal key slice, for operator
	// diagnostics (never the secret itself).
	KeyFingerprints []string
}

// Status returns a consistent snapshot of rotator health.
func (r *Rotator) Status() RotatorStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	st := RotatorStatus{TotalKeys: len(r.keys)}
	st.KeyFingerprints = make([]string, len(r.keys))
	for i, k := range r.keys {
		st.KeyFingerprints[i] = k.FingerprintHash
	}
	for _, k := range r.keys {
		if k.Status == StatusHealthy && !now.Before(k.ResetAt) {
			st.HealthyKeys++
		}
		if k.RemainingTokens != unlimited {
			st.TotalRemainingTokens += k.RemainingTokens
		}
	}
	st.IsExhausted = st.HealthyKeys == 0
	return st
}

// Keys returns a snapshot copy of every key's public state (for diagnostics).
func (r *Rotator) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, len(r.keys))
	for i, k := range r.keys {
		cp := *k
		out[i] = cp
	}
	return out
}

// bcryptFingerprint computes a salted, slow fingerprint for persisted audit
// trails, distinct from the fast SHA-256 SecretFingerprint used for
// in-memory diagnostics. Computed once per key at construction since bcrypt
// is too slow to recompute on every status call.
func bcryptFingerprint(secret string) (string, error) {
	h := sha256.Sum256([]byte(secret))
	out, err := bcrypt.GenerateFromPassword(h[:], bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(out), nil
}
