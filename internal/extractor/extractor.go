// Package extractor implements PatternExtractor (C10): a scanner over
// historical session transcripts that emits AntiPattern and PositivePattern
// candidates for the learning catalogs, plus a BackfillEngine that loads
// session history in bounded batches. Grounded on the teacher's
// internal/router.RewardLog (one structured record per routing decision,
// the shape a detector reduces a session down to) and on
// golang.org/x/sync/errgroup, already used elsewhere in the example
// corpus for bounded-concurrency fan-out.
package extractor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelai/routingcore/internal/patterns"
)

// ToolCall is one tool invocation recorded within a session message.
type ToolCall struct {
	Tool      string
	File      string
	HadError  bool
	Timestamp time.Time
}

// Message is one turn in a session transcript.
type Message struct {
	Role      string // "user", "assistant", "tool"
	Content   string
	ToolCalls []ToolCall
	IsError   bool
	ErrorText string
	Timestamp time.Time
}

// Session is one historical session's full transcript, with enough
// metadata for detectors to estimate token/line ratios.
type Session struct {
	ID                string
	Messages          []Message
	EstimatedTokens    int
	LinesChanged       int
}

// normaliseError strips incidental detail (line numbers, hex addresses,
// quoted values) from an error string so repeats of "the same" error
// compare equal regardless of surface noise.
func normaliseError(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = digitRun.ReplaceAllString(s, "#")
	s = quotedRun.ReplaceAllString(s, "'?'")
	return s
}

var (
	digitRun  = regexp.MustCompile(`\d+`)
	quotedRun = regexp.MustCompile(`'[^']*'|"[^"]*"`)

	suppressionPattern = regexp.MustCompile(`(?i)(:\s*any\b|//\s*@ts-ignore|eslint-disable|#\s*type:\s*ignore|noqa)`)
	buildTestPattern    = regexp.MustCompile(`(?i)\b(build|test|pytest|go test|npm test|make)\b`)
	errorSignalPattern  = regexp.MustCompile(`(?i)\b(error|failed|failure|exception|traceback)\b`)
	quotaAlertPattern   = regexp.MustCompile(`(?i)quota.*(warning|critical|exceeded|exhausted)`)
	fallbackPattern     = regexp.MustCompile(`(?i)fallback.?applied`)
	writeToolPattern    = regexp.MustCompile(`(?i)^(edit|write|patch)$`)
	astLSPPattern       = regexp.MustCompile(`(?i)(ast.?grep|lsp|language.?server)`)
	subagentPattern     = regexp.MustCompile(`(?i)(subagent|task|delegate)`)
)

// AntiCandidate wraps a detector's output: a draft pattern (ID/occurrences
// unset; the catalog assigns those on Add) plus the detector name that
// found it, for logging.
type AntiCandidate struct {
	Detector string
	Pattern  patterns.AntiPattern
}

type PositiveCandidate struct {
	Detector string
	Pattern  patterns.PositivePattern
}

// Extractor runs the fixed set of detectors named in spec.md §4.9 over one
// or more sessions.
type Extractor struct{}

// New creates an Extractor. The type carries no state; detectors are pure
// functions of the session(s) passed in.
func New() *Extractor {
	return &Extractor{}
}

// ExtractSession runs every single-session detector (anti and positive)
// over one session.
func (e *Extractor) ExtractSession(s Session) ([]AntiCandidate, []PositiveCandidate) {
	var anti []AntiCandidate
	var positive []PositiveCandidate

	if c, ok := detectShotgunDebug(s); ok {
		anti = append(anti, c)
	}
	if c, ok := detectInefficientSolution(s); ok {
		anti = append(anti, c)
	}
	anti = append(anti, detectTypeSuppression(s)...)
	if c, ok := detectBrokenState(s); ok {
		anti = append(anti, c)
	}
	if c, ok := detectFailedDebug(s); ok {
		anti = append(anti, c)
	}
	if c, ok := detectWrongTool(s); ok {
		anti = append(anti, c)
	}
	if c, ok := detectQuotaExhaustionRisk(s); ok {
		anti = append(anti, c)
	}

	if c, ok := detectEfficientDebug(s); ok {
		positive = append(positive, c)
	}
	if c, ok := detectCreativeSolution(s); ok {
		positive = append(positive, c)
	}
	if c, ok := detectGoodDelegation(s); ok {
		positive = append(positive, c)
	}
	if c, ok := detectFastResolution(s); ok {
		positive = append(positive, c)
	}

	return anti, positive
}

// ExtractAll runs ExtractSession over every session and additionally runs
// the cross-session repeated_mistake detector (spec.md §4.9): the same
// normalised error type appearing in >=2 distinct sessions.
func (e *Extractor) ExtractAll(sessions []Session) ([]AntiCandidate, []PositiveCandidate) {
	var anti []AntiCandidate
	var positive []PositiveCandidate

	for _, s := range sessions {
		a, p := e.ExtractSession(s)
		anti = append(anti, a...)
		positive = append(positive, p...)
	}
	anti = append(anti, crossSessionRepeatedMistakes(sessions)...)
	return anti, positive
}

// crossSessionRepeatedMistakes implements the repeated_mistake
// cross-session detector without re-running the single-session detectors.
func crossSessionRepeatedMistakes(sessions []Session) []AntiCandidate {
	errSessions := make(map[string]map[string]bool) // normalised error -> set of session IDs
	for _, s := range sessions {
		for _, m := range s.Messages {
			if !m.IsError || m.ErrorText == "" {
				continue
			}
			key := normaliseError(m.ErrorText)
			if errSessions[key] == nil {
				errSessions[key] = make(map[string]bool)
			}
			errSessions[key][s.ID] = true
		}
	}

	keys := make([]string, 0, len(errSessions))
	for k := range errSessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []AntiCandidate
	for _, key := range keys {
		if len(errSessions[key]) < 2 {
			continue
		}
		out = append(out, AntiCandidate{
			Detector: "repeated_mistake_cross_session",
			Pattern: patterns.AntiPattern{
				Type:        patterns.TypeRepeatedMistake,
				Description: "recurring error across sessions: " + key,
				Severity:    patterns.SeverityHigh,
				ErrorType:   key,
			},
		})
	}
	return out
}

// editTally counts total and failed edit/write tool calls per file.
type editTally struct {
	total  int
	failed int
}

func countEditsByFile(s Session) map[string]*editTally {
	counts := make(map[string]*editTally)
	for _, m := range s.Messages {
		for _, tc := range m.ToolCalls {
			if writeToolPattern.MatchString(tc.Tool) && tc.File != "" {
				t, ok := counts[tc.File]
				if !ok {
					t = &editTally{}
					counts[tc.File] = t
				}
				t.total++
				if tc.HadError {
					t.failed++
				}
			}
		}
	}
	return counts
}

func detectShotgunDebug(s Session) (AntiCandidate, bool) {
	var maxFile string
	var maxTally editTally
	for file, t := range countEditsByFile(s) {
		if t.total > maxTally.total {
			maxTally, maxFile = *t, file
		}
	}
	if maxTally.total <= 3 {
		return AntiCandidate{}, false
	}
	severity := patterns.SeverityHigh
	if maxTally.total > 6 {
		severity = patterns.SeverityCritical
	}
	return AntiCandidate{
		Detector: "shotgun_debug",
		Pattern: patterns.AntiPattern{
			Type:        patterns.TypeShotgunDebug,
			Description: "many edits to " + maxFile + " within one session",
			Severity:    severity,
			Files:       []string{maxFile},
			Context:     fmt.Sprintf("total_edits=%d failed_edits=%d", maxTally.total, maxTally.failed),
		},
	}, true
}

func detectInefficientSolution(s Session) (AntiCandidate, bool) {
	if s.LinesChanged <= 0 || s.EstimatedTokens <= 0 {
		return AntiCandidate{}, false
	}
	ratio := float64(s.EstimatedTokens) / float64(s.LinesChanged)
	if ratio <= 500 {
		return AntiCandidate{}, false
	}
	return AntiCandidate{
		Detector: "inefficient_solution",
		Pattern: patterns.AntiPattern{
			Type:        patterns.TypeInefficientSolution,
			Description: "high token-to-line-changed ratio in session",
			Severity:    patterns.SeverityMedium,
		},
	}, true
}

func detectTypeSuppression(s Session) []AntiCandidate {
	var out []AntiCandidate
	for _, m := range s.Messages {
		if suppressionPattern.MatchString(m.Content) {
			out = append(out, AntiCandidate{
				Detector: "type_suppression",
				Pattern: patterns.AntiPattern{
					Type:        patterns.TypeTypeSuppression,
					Description: "suppression marker found in edit payload",
					Severity:    patterns.SeverityMedium,
				},
			})
		}
	}
	return out
}

func detectBrokenState(s Session) (AntiCandidate, bool) {
	consecutive := 0
	var files []string
	for _, m := range s.Messages {
		isBuildTest := false
		for _, tc := range m.ToolCalls {
			if buildTestPattern.MatchString(tc.Tool) {
				isBuildTest = true
				if tc.File != "" {
					files = append(files, tc.File)
				}
			}
		}
		if !isBuildTest {
			continue
		}
		if errorSignalPattern.MatchString(m.Content) || m.IsError {
			consecutive++
			if consecutive >= 3 {
				return AntiCandidate{
					Detector: "broken_state",
					Pattern: patterns.AntiPattern{
						Type:        patterns.TypeBrokenState,
						Description: "repeated build/test failures without recovery",
						Severity:    patterns.SeverityCritical,
						Files:       files,
					},
				}, true
			}
		} else {
			consecutive = 0
		}
	}
	return AntiCandidate{}, false
}

func detectFailedDebug(s Session) (AntiCandidate, bool) {
	counts := make(map[string]int)
	var sample string
	for _, m := range s.Messages {
		if !m.IsError || m.ErrorText == "" {
			continue
		}
		key := normaliseError(m.ErrorText)
		counts[key]++
		if counts[key] >= 3 {
			sample = m.ErrorText
			return AntiCandidate{
				Detector: "failed_debug",
				Pattern: patterns.AntiPattern{
					Type:        patterns.TypeFailedDebug,
					Description: "same error persisted after repeated attempts: " + sample,
					Severity:    patterns.SeverityHigh,
					ErrorType:   key,
				},
			}, true
		}
	}
	return AntiCandidate{}, false
}

func detectWrongTool(s Session) (AntiCandidate, bool) {
	var calls []ToolCall
	for _, m := range s.Messages {
		calls = append(calls, m.ToolCalls...)
	}
	const window = 4
	for i := 0; i+window <= len(calls); i++ {
		grep, read := 0, 0
		for _, tc := range calls[i : i+window] {
			switch strings.ToLower(tc.Tool) {
			case "grep":
				grep++
			case "read":
				read++
			}
		}
		if grep >= 2 && read >= 2 {
			return AntiCandidate{
				Detector: "wrong_tool",
				Pattern: patterns.AntiPattern{
					Type:        patterns.TypeWrongTool,
					Description: "heavy grep+read window suggests a structural search tool was needed",
					Severity:    patterns.SeverityLow,
					Tool:        "grep",
				},
			}, true
		}
	}
	return AntiCandidate{}, false
}

func detectQuotaExhaustionRisk(s Session) (AntiCandidate, bool) {
	quotaAlerts := 0
	fallbackMentions := 0
	for _, m := range s.Messages {
		if quotaAlertPattern.MatchString(m.Content) {
			quotaAlerts++
		}
		if fallbackPattern.MatchString(m.Content) {
			fallbackMentions++
		}
	}
	if quotaAlerts < 2 && fallbackMentions < 1 {
		return AntiCandidate{}, false
	}
	return AntiCandidate{
		Detector: "quota_exhaustion_risk",
		Pattern: patterns.AntiPattern{
			Type:        patterns.TypeQuotaExhaustionRisk,
			Description: "session showed repeated quota pressure signals",
			Severity:    patterns.SeverityHigh,
		},
	}, true
}

func sessionErrorRatio(s Session) float64 {
	if len(s.Messages) == 0 {
		return 0
	}
	errs := 0
	for _, m := range s.Messages {
		if m.IsError {
			errs++
		}
	}
	return float64(errs) / float64(len(s.Messages))
}

func detectEfficientDebug(s Session) (PositiveCandidate, bool) {
	for i := 0; i+2 < len(s.Messages); i++ {
		hasRead := hasToolNamed(s.Messages[i], "read")
		hasEdit := hasToolNamed(s.Messages[i+1], "edit")
		verify := s.Messages[i+2]
		verifyIsBuildTest := false
		for _, tc := range verify.ToolCalls {
			if buildTestPattern.MatchString(tc.Tool) {
				verifyIsBuildTest = true
			}
		}
		if hasRead && hasEdit && verifyIsBuildTest && !verify.IsError {
			return PositiveCandidate{
				Detector: "efficient_debug",
				Pattern: patterns.PositivePattern{
					Type:        patterns.PositiveEfficientDebug,
					Description: "clean read-edit-verify sequence with no error",
					SuccessRate: 1.0,
				},
			}, true
		}
	}
	return PositiveCandidate{}, false
}

func hasToolNamed(m Message, name string) bool {
	for _, tc := range m.ToolCalls {
		if strings.EqualFold(tc.Tool, name) {
			return true
		}
	}
	return false
}

func detectCreativeSolution(s Session) (PositiveCandidate, bool) {
	found := false
	for _, m := range s.Messages {
		for _, tc := range m.ToolCalls {
			if astLSPPattern.MatchString(tc.Tool) {
				found = true
			}
		}
	}
	if !found || sessionErrorRatio(s) > 0.2 {
		return PositiveCandidate{}, false
	}
	return PositiveCandidate{
		Detector: "creative_solution",
		Pattern: patterns.PositivePattern{
			Type:        patterns.PositiveCreativeSolution,
			Description: "used structural search tooling with few errors",
			SuccessRate: 1 - sessionErrorRatio(s),
		},
	}, true
}

func detectGoodDelegation(s Session) (PositiveCandidate, bool) {
	found := false
	for _, m := range s.Messages {
		for _, tc := range m.ToolCalls {
			if subagentPattern.MatchString(tc.Tool) {
				found = true
			}
		}
	}
	if !found || sessionErrorRatio(s) > 0.2 {
		return PositiveCandidate{}, false
	}
	return PositiveCandidate{
		Detector: "good_delegation",
		Pattern: patterns.PositivePattern{
			Type:        patterns.PositiveGoodDelegation,
			Description: "delegated subtasks with few errors",
			SuccessRate: 1 - sessionErrorRatio(s),
		},
	}, true
}

func detectFastResolution(s Session) (PositiveCandidate, bool) {
	n := len(s.Messages)
	if n < 2 || n > 5 {
		return PositiveCandidate{}, false
	}
	if sessionErrorRatio(s) > 0.2 {
		return PositiveCandidate{}, false
	}
	return PositiveCandidate{
		Detector: "fast_resolution",
		Pattern: patterns.PositivePattern{
			Type:        patterns.PositiveFastResolution,
			Description: "resolved in a short session with a low error ratio",
			SuccessRate: 1 - sessionErrorRatio(s),
		},
	}, true
}

// SessionLoader fetches one batch of sessions, e.g. from disk or a
// database. Implementations decide what "id" ranges / cursors mean.
type SessionLoader interface {
	LoadBatch(ctx context.Context, offset, limit int) ([]Session, error)
}

// BackfillEngine drives PatternExtractor over a full session history in
// bounded batches (default 10 sessions per batch, mirroring the 100
// files/10 sessions figure in spec.md §5) so a large history never loads
// entirely into memory at once. Each batch's sessions are extracted
// concurrently via errgroup, bounded by a worker cap.
type BackfillEngine struct {
	loader    SessionLoader
	extractor *Extractor
	batchSize int
	workers   int
}

// NewBackfillEngine creates a BackfillEngine. batchSize<=0 defaults to 10;
// workers<=0 defaults to 4.
func NewBackfillEngine(loader SessionLoader, batchSize, workers int) *BackfillEngine {
	if batchSize <= 0 {
		batchSize = 10
	}
	if workers <= 0 {
		workers = 4
	}
	return &BackfillEngine{loader: loader, extractor: New(), batchSize: batchSize, workers: workers}
}

// Result is the accumulated candidate output of a full backfill run.
type Result struct {
	AntiCandidates     []AntiCandidate
	PositiveCandidates []PositiveCandidate
	SessionsProcessed  int
}

// Run walks the full session history batch by batch until the loader
// returns fewer sessions than batchSize, yielding to the scheduler between
// batches.
func (b *BackfillEngine) Run(ctx context.Context) (Result, error) {
	var result Result
	var allSessions []Session

	for offset := 0; ; offset += b.batchSize {
		batch, err := b.loader.LoadBatch(ctx, offset, b.batchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		perSessionAnti := make([][]AntiCandidate, len(batch))
		perSessionPositive := make([][]PositiveCandidate, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.workers)
		for i, sess := range batch {
			i, sess := i, sess
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				a, p := b.extractor.ExtractSession(sess)
				perSessionAnti[i] = a
				perSessionPositive[i] = p
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}

		for i := range batch {
			result.AntiCandidates = append(result.AntiCandidates, perSessionAnti[i]...)
			result.PositiveCandidates = append(result.PositiveCandidates, perSessionPositive[i]...)
		}
		allSessions = append(allSessions, batch...)
		result.SessionsProcessed += len(batch)

		if len(batch) < b.batchSize {
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
	}

	result.AntiCandidates = append(result.AntiCandidates, crossSessionRepeatedMistakes(allSessions)...)

	return result, nil
}
