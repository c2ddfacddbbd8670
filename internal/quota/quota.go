// Package quota implements the QuotaManager (C3): persistent per-provider
// usage accounting against request-based or monthly quotas, backed by
// modernc.org/sqlite (pure-Go, no CGO). Grounded on the teacher's
// internal/store.SQLiteStore: same WAL pragma + bounded-pool open sequence,
// same migrate-with-a-slice-of-DDL-statements shape, same atomic-looking
// upsert-by-primary-key pattern.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelai/routingcore/internal/clock"
	"github.com/kestrelai/routingcore/internal/routingerr"
)

// Type selects how an account's consumption is measured.
type Type string

const (
	RequestBased Type = "request_based"
	Monthly      Type = "monthly"
)

// Status is the bucketised health of a quota account.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusCritical  Status = "critical"
	StatusExhausted Status = "exhausted"
)

// Account configures one provider's quota. Field names match spec.md §3.
type Account struct {
	ProviderID       string
	QuotaType        Type
	QuotaLimit       int64
	WarningThreshold float64
	CriticalThreshold float64
}

// Signal is the QuotaSignal embedded in advice/outcome per spec.md §3.
type Signal struct {
	ProviderID        string
	PercentUsed       float64
	WarningThreshold  float64
	CriticalThreshold float64
	Status            Status
	FallbackApplied   bool
	FallbackReason    string // "quota_fallback" | "non_quota_fallback" | ""
	RotatorRisk       float64
}

// Usage is one recorded usage event, per record_usage (spec.md §4.3).
type Usage struct {
	ProviderID    string
	TokensInput   int64
	TokensOutput  int64
	SessionID     string
}

// Manager is the persistent, goroutine-safe quota accounting facade.
type Manager struct {
	db       *sql.DB
	clk      clock.Clock
	accounts map[string]Account
}

// Open opens (creating if absent) a SQLite-backed quota store at dsn and
// migrates its schema. accounts seeds the known provider quota
// configuration; providers absent here have no quota enforced (Status is
// always healthy, hasCapacity always true).
func Open(ctx context.Context, dsn string, accounts []Account, clk clock.Clock) (*Manager, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, routingerr.Wrap(routingerr.KindPersistence, err, "open quota db")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, routingerr.Wrap(routingerr.KindPersistence, err, "quota db pragmas")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if clk == nil {
		clk = clock.Real{}
	}
	m := &Manager{db: db, clk: clk, accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		if a.WarningThreshold < 0 || a.WarningThreshold >= a.CriticalThreshold || a.CriticalThreshold > 1 {
			return nil, routingerr.New(routingerr.KindPolicyLoad,
				fmt.Sprintf("quota account %s: invalid thresholds (warning=%v critical=%v)", a.ProviderID, a.WarningThreshold, a.CriticalThreshold))
		}
		m.accounts[a.ProviderID] = a
	}
	if err := m.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS quota_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id TEXT NOT NULL,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			tokens_total INTEGER NOT NULL DEFAULT 0,
			session_id TEXT NOT NULL DEFAULT '',
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quota_usage_provider_time ON quota_usage(provider_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS quota_period_start (
			provider_id TEXT PRIMARY KEY,
			period_start DATETIME NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := m.db.ExecContext(ctx, q); err != nil {
			return routingerr.Wrap(routingerr.KindPersistence, err, "migrate quota schema")
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error { return m.db.Close() }

// RecordUsage appends a usage row; tokens_total = tokens_input + tokens_output.
func (m *Manager) RecordUsage(ctx context.Context, u Usage) error {
	total := u.TokensInput + u.TokensOutput
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO quota_usage (provider_id, tokens_input, tokens_output, tokens_total, session_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ProviderID, u.TokensInput, u.TokensOutput, total, u.SessionID, m.clk.Now().UTC())
	if err != nil {
		return routingerr.Wrap(routingerr.KindPersistence, err, "record quota usage")
	}
	return nil
}

// periodStart returns the start of the current accounting window for a
// provider: for request_based, the start of the current UTC calendar day;
// for monthly, the start of the current UTC calendar month. Rollover is
// computed on read rather than requiring a separate cron sweep, so a
// manager that has been idle across a boundary still reports correctly on
// the next call.
func periodStart(t Type, now time.Time) time.Time {
	now = now.UTC()
	if t == Monthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Status returns the bucketised QuotaSignal for one provider. Providers
// with no configured Account are always healthy with PercentUsed=0.
func (m *Manager) Status(ctx context.Context, providerID string) (Signal, error) {
	acct, ok := m.accounts[providerID]
	if !ok {
		return Signal{ProviderID: providerID, Status: StatusHealthy}, nil
	}

	start := periodStart(acct.QuotaType, m.clk.Now())

	var used int64
	var err error
	if acct.QuotaType == RequestBased {
		err = m.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM quota_usage WHERE provider_id = ? AND recorded_at >= ?`,
			providerID, start).Scan(&used)
	} else {
		var sum sql.NullInt64
		err = m.db.QueryRowContext(ctx,
			`SELECT SUM(tokens_total) FROM quota_usage WHERE provider_id = ? AND recorded_at >= ?`,
			providerID, start).Scan(&sum)
		used = sum.Int64
	}
	if err != nil {
		return Signal{}, routingerr.Wrap(routingerr.KindPersistence, err, "quota status query")
	}

	var percent float64
	if acct.QuotaLimit > 0 {
		percent = float64(used) / float64(acct.QuotaLimit)
	}

	return Signal{
		ProviderID:        providerID,
		PercentUsed:       percent,
		WarningThreshold:  acct.WarningThreshold,
		CriticalThreshold: acct.CriticalThreshold,
		Status:            bucketize(percent, acct.WarningThreshold, acct.CriticalThreshold),
	}, nil
}

func bucketize(percent, warning, critical float64) Status {
	switch {
	case percent >= 1.0:
		return StatusExhausted
	case percent >= critical:
		return StatusCritical
	case percent >= warning:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// HasCapacity reports whether a provider can absorb `additional` more units
// (requests for request_based, tokens for monthly) without exceeding its
// quota limit this period.
func (m *Manager) HasCapacity(ctx context.Context, providerID string, additional int64) (bool, error) {
	acct, ok := m.accounts[providerID]
	if !ok {
		return true, nil
	}
	sig, err := m.Status(ctx, providerID)
	if err != nil {
		return false, err
	}
	used := int64(sig.PercentUsed * float64(acct.QuotaLimit))
	return used+additional <= acct.QuotaLimit, nil
}

// Candidate is the minimal shape quota_aware_route needs from a routing
// candidate: its provider id, used only to look up quota status.
type Candidate struct {
	ProviderID string
}

// QuotaAwareRoute filters/demotes candidates whose provider is critical or
// exhausted, per spec.md §4.3. It returns the surviving candidates in
// order, plus a signal per demoted/dropped provider for logging. Candidates
// whose provider has no configured quota account pass through untouched.
//
// The normative late-version _extractQuotaSignal behaviour (spec.md Design
// Notes): a fallback is tagged fallback_reason="quota_fallback" when the
// demotion was quota-driven, and percent_used is clamped up to 1.0 whenever
// it is already at or above warning_threshold -- once a provider is no
// longer comfortably healthy, downstream scoring should treat it as fully
// consumed rather than interpolating a partial risk.
func (m *Manager) QuotaAwareRoute(ctx context.Context, candidates []Candidate) ([]Candidate, []Signal, error) {
	kept := make([]Candidate, 0, len(candidates))
	var demoted []Signal

	for _, c := range candidates {
		sig, err := m.Status(ctx, c.ProviderID)
		if err != nil {
			return nil, nil, err
		}
		if sig.PercentUsed >= sig.WarningThreshold {
			sig.PercentUsed = 1.0
		}

		switch sig.Status {
		case StatusCritical, StatusExhausted:
			sig.FallbackApplied = true
			sig.FallbackReason = "quota_fallback"
			demoted = append(demoted, sig)
			continue
		default:
			kept = append(kept, c)
		}
	}

	if len(kept) == 0 && len(candidates) > 0 {
		// Every candidate was quota-demoted; fall back to the original set
		// so the caller still has something to route to, but mark the
		// fallback as non-quota-driven since we are overriding our own
		// demotion under exhaustion of alternatives.
		for i := range demoted {
			demoted[i].FallbackReason = "non_quota_fallback"
		}
		return candidates, demoted, nil
	}
	return kept, demoted, nil
}
