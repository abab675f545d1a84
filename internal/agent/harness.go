// ============================================================================
// fork-scorer Agent Harness - Strategy Execution Unit
// ============================================================================
//
// Package: internal/agent
// File: harness.go
// Function: Runs one scoring strategy inside its fork, from connection
//           acquisition to result reporting
//
// State Machine:
//   Initialized → Running → Completed / Failed
//   Run() is the only mutator and may be called once per Harness.
//
// Execution Sequence (inside Running):
//   1. Connect to the fork's DataLocation (one connection, owned exclusively)
//   2. Ping the connection              → ErrConnection
//   3. Load subject A (resume) and B (job) → ErrSubjectNotFound
//   4. Scorer.Analyze(a, b)
//   5. Validate result                  → ErrInvalidResult
//   6. CompleteFork / FailFork on the fork manager
//   7. Close the connection (deferred, runs on every path)
//
// Error Handling:
//   Any failure is caught once, reported to the fork manager as a fork
//   failure, then returned to the caller. Reporting errors are logged and
//   swallowed. Nothing is retried.
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/fork-scorer/internal/store"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

var (
	// ErrAlreadyRun is returned when Run is called on a harness that has left Initialized.
	ErrAlreadyRun = errors.New("harness already run")
	// ErrConnection means the fork's connection handle is unusable.
	ErrConnection = errors.New("connection error")
	// ErrSubjectNotFound means a subject ID has no matching row.
	ErrSubjectNotFound = store.ErrSubjectNotFound
	// ErrInvalidResult means the scorer broke its output contract.
	ErrInvalidResult = errors.New("invalid strategy result")
)

// State is the harness lifecycle state.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// ForkReporter receives the terminal transition of a fork.
type ForkReporter interface {
	CompleteFork(ctx context.Context, id types.ForkID, result map[string]any) error
	FailFork(ctx context.Context, id types.ForkID, cause error) error
}

// Result is a validated strategy result.
type Result struct {
	Score    float64
	Details  map[string]any
	Duration time.Duration
}

// Harness runs a single strategy against a single fork.
type Harness struct {
	fork      types.Fork
	scorer    Scorer
	connector store.Connector
	reporter  ForkReporter
	log       *slog.Logger

	mu    sync.Mutex
	state State
}

// NewHarness creates a harness in the Initialized state.
func NewHarness(fork types.Fork, scorer Scorer, connector store.Connector, reporter ForkReporter, log *slog.Logger) *Harness {
	if log == nil {
		log = slog.Default()
	}
	return &Harness{
		fork:      fork,
		scorer:    scorer,
		connector: connector,
		reporter:  reporter,
		log: log.With(
			"fork_id", fork.ID,
			"strategy", fork.StrategyType),
		state: StateInitialized,
	}
}

// State returns the current lifecycle state.
func (h *Harness) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Harness) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Run executes the strategy and reports the outcome to the fork manager.
//
// Returns:
//   - *Result: validated score and details when the strategy completed
//   - error: the failure that was reported to the fork manager
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	h.mu.Lock()
	if h.state != StateInitialized {
		h.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	h.state = StateRunning
	h.mu.Unlock()

	start := time.Now()
	h.log.Info("Agent started", "location", h.fork.DataLocation)

	result, err := h.execute(ctx)
	if err != nil {
		h.setState(StateFailed)
		h.log.Error("Agent failed", "error", err, "duration", time.Since(start))
		if rerr := h.reporter.FailFork(ctx, h.fork.ID, err); rerr != nil {
			h.log.Warn("Failed to report fork failure", "error", rerr)
		}
		return nil, err
	}

	if rerr := h.reporter.CompleteFork(ctx, h.fork.ID, result.Details); rerr != nil {
		h.log.Warn("Failed to report fork completion", "error", rerr)
	}
	result.Duration = time.Since(start)
	h.setState(StateCompleted)
	h.log.Info("Agent result stored", "score", result.Score, "duration", result.Duration)
	return result, nil
}

func (h *Harness) execute(ctx context.Context) (_ *Result, err error) {
	conn, err := h.connector.Connect(ctx, h.fork.DataLocation)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrConnection, h.fork.DataLocation, err)
	}
	defer func() {
		if cerr := conn.Close(context.WithoutCancel(ctx)); cerr != nil {
			h.log.Warn("Failed to close connection", "error", cerr)
		}
	}()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping: %w", ErrConnection, err)
	}

	a, err := conn.LoadSubject(ctx, types.SubjectResume, h.fork.SubjectAID)
	if err != nil {
		return nil, fmt.Errorf("failed to load resume %s: %w", h.fork.SubjectAID, err)
	}
	b, err := conn.LoadSubject(ctx, types.SubjectJob, h.fork.SubjectBID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", h.fork.SubjectBID, err)
	}
	h.log.Debug("Agent data loaded", "subject_a", a.ID, "subject_b", b.ID)

	raw, err := h.analyze(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}
	h.log.Debug("Agent analysis complete")

	score, err := Validate(raw, h.scorer.RequiredFields())
	if err != nil {
		return nil, err
	}
	return &Result{Score: score, Details: raw}, nil
}

// analyze converts a scorer panic into an error so the fork is still failed.
func (h *Harness) analyze(ctx context.Context, a, b *types.Subject) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panic: %v", r)
		}
	}()
	return h.scorer.Analyze(ctx, a, b)
}

// Validate checks a raw strategy result and returns its score.
func Validate(raw map[string]any, required []string) (float64, error) {
	if raw == nil {
		return 0, fmt.Errorf("%w: result is empty", ErrInvalidResult)
	}
	v, ok := raw["score"]
	if !ok {
		return 0, fmt.Errorf("%w: missing score", ErrInvalidResult)
	}
	score, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: score is %T, not a number", ErrInvalidResult, v)
	}
	if math.IsNaN(score) || score < 0 || score > 100 {
		return 0, fmt.Errorf("%w: score %v outside [0,100]", ErrInvalidResult, score)
	}
	for _, field := range required {
		if _, ok := raw[field]; !ok {
			return 0, fmt.Errorf("%w: missing required field %q", ErrInvalidResult, field)
		}
	}
	return score, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
