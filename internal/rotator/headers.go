package rotator

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// headerFamily knows how to extract remaining-requests, remaining-tokens,
// and a reset offset (in seconds) from one provider's rate-limit header
// dialect. Defined per spec.md §4.1/§6.
type headerFamily struct {
	remainingRequests string
	remainingTokens    string
	resetRequests      string
	resetTokens        string
}

var headerFamilies = []headerFamily{
	{ // generic x-ratelimit-*
		remainingRequests: "x-ratelimit-remaining-requests",
		remainingTokens:   "x-ratelimit-remaining-tokens",
		resetRequests:     "x-ratelimit-reset-requests",
		resetTokens:       "x-ratelimit-reset-tokens",
	},
	{ // NVIDIA NIM
		remainingRequests: "x-nvapi-remaining-requests",
		remainingTokens:   "x-nvapi-remaining-tokens",
		resetRequests:     "x-nvapi-reset-requests",
		resetTokens:       "x-nvapi-reset-tokens",
	},
	{ // Groq
		remainingRequests: "x-ratelimit-remaining-requests",
		remainingTokens:   "x-ratelimit-remaining-tokens",
		resetRequests:     "x-ratelimit-reset-requests",
		resetTokens:       "x-ratelimit-reset-tokens",
	},
}

// cerebrasTokenFloor is the higher TPM floor spec.md §4.1 calls out:
// Cerebras keys are marked throttled sooner than the generic default.
const cerebrasTokenFloor = 2000

// RateLimitInfo is the parsed result of a provider's rate-limit headers.
type RateLimitInfo struct {
	RemainingRequests int // unlimited sentinel if absent
	RemainingTokens   int // unlimited sentinel if absent
	ResetIn           time.Duration
	Found             bool
}

// ParseRateLimitHeaders extracts remaining-requests/tokens and a reset
// offset from an HTTP response header set, trying each known family in
// turn. The first family with at least one recognized header wins.
func ParseRateLimitHeaders(h http.Header) RateLimitInfo {
	info := RateLimitInfo{RemainingRequests: unlimited, RemainingTokens: unlimited}

	for _, fam := range headerFamilies {
		rr, rrOK := parseIntHeader(h, fam.remainingRequests)
		rt, rtOK := parseIntHeader(h, fam.remainingTokens)
		if !rrOK && !rtOK {
			continue
		}
		info.Found = true
		if rrOK {
			info.RemainingRequests = rr
		}
		if rtOK {
			info.RemainingTokens = rt
		}
		if secs, ok := parseIntHeader(h, fam.resetRequests); ok {
			info.ResetIn = maxDuration(info.ResetIn, time.Duration(secs)*time.Second)
		}
		if secs, ok := parseIntHeader(h, fam.resetTokens); ok {
			info.ResetIn = maxDuration(info.ResetIn, time.Duration(secs)*time.Second)
		}
		return info
	}
	return info
}

func parseIntHeader(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	v = strings.TrimSpace(v)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// remainingFloorFor returns the provider-specific floor below which a key's
// remaining tokens mark it throttled. Cerebras uses a higher TPM floor than
// the rotator-wide default configured in Config.RemainingFloor.
func remainingFloorFor(providerID string, configured int) int {
	if providerID == "cerebras" && configured < cerebrasTokenFloor {
		return cerebrasTokenFloor
	}
	return configured
}

// OnResponse updates a key's rate-limit state from a set of provider
// response headers. If observed remaining capacity falls at or below the
// provider-specific floor, the key is marked throttled; otherwise healthy.
func (r *Rotator) OnResponse(keyID string, headers http.Header) {
	info := ParseRateLimitHeaders(headers)
	if !info.Found {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.byID[keyID]
	if !ok {
		return
	}

	now := r.clock.Now()
	if info.RemainingRequests != unlimited {
		k.RemainingRequests = info.RemainingRequests
	}
	if info.RemainingTokens != unlimited {
		k.RemainingTokens = info.RemainingTokens
	}
	if info.ResetIn > 0 {
		candidate := now.Add(info.ResetIn)
		if candidate.After(k.ResetAt) {
			k.ResetAt = candidate
		}
	}

	floor := remainingFloorFor(r.providerID, r.cfg.RemainingFloor)
	below := (k.RemainingRequests != unlimited && k.RemainingRequests <= floor) ||
		(k.RemainingTokens != unlimited && k.RemainingTokens <= floor)

	if k.Status == StatusDead {
		return // dead keys stay dead until manually reset
	}
	if below {
		k.Status = StatusThrottled
	} else if k.Status == StatusThrottled {
		k.Status = StatusHealthy
	}
}
