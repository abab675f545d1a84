// ============================================================================
// fork-scorer Fork Manager - Fork Lifecycle
// ============================================================================
//
// Package: internal/fork
// File: manager.go
// Purpose: Creates, tracks and tears down isolated execution contexts (forks),
//          one per (strategy, subject pair).
//
// State Machine:
//   Pending  (slot reserved, isolation being provisioned)
//      ↓ isolation provisioned
//   Active   (owned by exactly one execution harness)
//      ↓ CompleteFork() / FailFork()
//   Completed / Failed (terminal, never reactivated)
//
// Capacity:
//   Every non-terminal fork holds one slot of a weighted semaphore sized to
//   MaxActiveForks. TryAcquire is the atomic check-and-increment; a rejected
//   creation never touches the count. The slot is released exactly once, by
//   the terminal transition.
//
// Isolation fallback chain:
//   1. copy-on-write clone of the primary store
//   2. full logical copy from the template store
//   3. logical fork: primary store, connection-scoped handle
//   Each failure is logged and falls through; only exhaustion is fatal.
//
// Persistence:
//   The in-memory index is authoritative for the running process. Writes to
//   the durable fork table are best effort and only logged on failure.
//
// ============================================================================

package fork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/fork-scorer/internal/metrics"
	"github.com/ChuLiYu/fork-scorer/internal/store"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrCapacityExceeded means the global active-fork cap is reached. Retryable after backoff.
	ErrCapacityExceeded = errors.New("fork capacity exceeded")
	// ErrForkNotFound means the fork ID is not in the index.
	ErrForkNotFound = errors.New("fork not found")
	// ErrIsolationExhausted means every step of the isolation chain failed.
	ErrIsolationExhausted = errors.New("all isolation strategies failed")
)

// DefaultMaxActiveForks is the global cap used when Config leaves it unset.
const DefaultMaxActiveForks = 10

// Config fork manager configuration
type Config struct {
	MaxActiveForks int  // global cap on pending+active forks
	LogicalOnly    bool // skip cloning and go straight to logical forks
}

// Manager tracks every fork of the process.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	forks map[types.ForkID]*types.Fork
	slots *semaphore.Weighted
	seq   atomic.Uint64

	provisioner store.Provisioner
	recorder    store.ForkRecorder
	results     store.ResultStore

	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// WithClock replaces time.Now, used by tests of the retention sweep.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a fork manager.
//
// Parameters:
//   - cfg: capacity and isolation settings
//   - provisioner: creates isolated copies of the primary store
//   - recorder: durable fork status table (may be nil)
//   - results: strategy result store
func NewManager(cfg Config, provisioner store.Provisioner, recorder store.ForkRecorder, results store.ResultStore, opts ...Option) *Manager {
	if cfg.MaxActiveForks <= 0 {
		cfg.MaxActiveForks = DefaultMaxActiveForks
	}
	m := &Manager{
		cfg:         cfg,
		forks:       make(map[types.ForkID]*types.Fork),
		slots:       semaphore.NewWeighted(int64(cfg.MaxActiveForks)),
		provisioner: provisioner,
		recorder:    recorder,
		results:     results,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ============================================================================
// Creation
// ============================================================================

// CreateFork reserves a capacity slot, provisions isolation and returns the
// active fork. The returned value is a copy; the manager keeps the original.
func (m *Manager) CreateFork(ctx context.Context, strategy types.StrategyType, subjectAID, subjectBID string) (*types.Fork, error) {
	if !m.slots.TryAcquire(1) {
		m.metrics.RecordForkRejected()
		return nil, fmt.Errorf("%w: cap %d reached", ErrCapacityExceeded, m.cfg.MaxActiveForks)
	}

	now := m.now()
	fork := &types.Fork{
		ID:           m.newForkID(strategy, subjectAID, subjectBID, now),
		StrategyType: strategy,
		SubjectAID:   subjectAID,
		SubjectBID:   subjectBID,
		Status:       types.ForkPending,
		CreatedAt:    now,
	}

	m.mu.Lock()
	m.forks[fork.ID] = fork
	m.mu.Unlock()
	m.publishActive()

	mode, location, err := m.isolate(ctx, fork.ID)
	if err != nil {
		failed, _, _ := m.finish(fork.ID, types.ForkFailed, func(f *types.Fork) {
			f.ErrorMessage = err.Error()
		})
		m.persist(ctx, failed)
		m.metrics.RecordForkFinished(string(types.ForkFailed))
		return nil, fmt.Errorf("failed to create fork %s: %w", fork.ID, err)
	}

	m.mu.Lock()
	started := m.now()
	fork.Isolation = mode
	fork.DataLocation = location
	fork.Status = types.ForkActive
	fork.StartedAt = &started
	created := *fork
	m.mu.Unlock()

	m.persist(ctx, created)
	m.metrics.RecordForkCreated(string(mode))
	m.log.Info("Fork created",
		"fork_id", created.ID,
		"strategy", strategy,
		"isolation", mode,
		"location", location)

	return &created, nil
}

// isolate walks the isolation fallback chain.
func (m *Manager) isolate(ctx context.Context, id types.ForkID) (types.IsolationMode, string, error) {
	var errs []error
	name := DatabaseName(id)

	if !m.cfg.LogicalOnly {
		loc, err := m.provisioner.CloneCopyOnWrite(ctx, name)
		if err == nil {
			return types.IsolationCopyOnWrite, loc, nil
		}
		errs = append(errs, fmt.Errorf("copy-on-write: %w", err))
		m.log.Warn("Copy-on-write clone failed, trying template copy", "fork_id", id, "error", err)

		loc, err = m.provisioner.CopyFromTemplate(ctx, name)
		if err == nil {
			return types.IsolationTemplateCopy, loc, nil
		}
		errs = append(errs, fmt.Errorf("template copy: %w", err))
		m.log.Warn("Template copy failed, degrading to logical fork", "fork_id", id, "error", err)
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("logical: %w", err))
		return "", "", fmt.Errorf("%w: %w", ErrIsolationExhausted, errors.Join(errs...))
	}
	loc := m.provisioner.PrimaryLocation()
	if loc == "" {
		errs = append(errs, errors.New("logical: primary location unavailable"))
		return "", "", fmt.Errorf("%w: %w", ErrIsolationExhausted, errors.Join(errs...))
	}
	return types.IsolationLogical, loc, nil
}

// ============================================================================
// Terminal transitions
// ============================================================================

// CompleteFork marks the fork completed and stores its result keyed by
// strategy type. Calling it again on a terminal fork has no effect.
func (m *Manager) CompleteFork(ctx context.Context, id types.ForkID, result map[string]any) error {
	fork, changed, err := m.finish(id, types.ForkCompleted, func(f *types.Fork) {
		f.Result = result
	})
	if err != nil {
		m.log.Warn("Complete requested for unknown fork", "fork_id", id)
		return err
	}
	if !changed {
		return nil
	}

	m.metrics.RecordForkFinished(string(types.ForkCompleted))
	m.persist(ctx, fork)

	if err := m.results.SaveResult(ctx, fork, result); err != nil {
		m.log.Error("Failed to store strategy result",
			"fork_id", id,
			"strategy", fork.StrategyType,
			"error", err)
		return fmt.Errorf("failed to store result for fork %s: %w", id, err)
	}
	return nil
}

// FailFork marks the fork failed and records the error message.
// Calling it again on a terminal fork has no effect.
func (m *Manager) FailFork(ctx context.Context, id types.ForkID, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	fork, changed, err := m.finish(id, types.ForkFailed, func(f *types.Fork) {
		f.ErrorMessage = msg
	})
	if err != nil {
		m.log.Warn("Fail requested for unknown fork", "fork_id", id)
		return err
	}
	if !changed {
		return nil
	}

	m.metrics.RecordForkFinished(string(types.ForkFailed))
	m.persist(ctx, fork)
	m.log.Warn("Fork failed", "fork_id", id, "strategy", fork.StrategyType, "error", msg)
	return nil
}

// finish performs the single terminal transition and releases the slot.
func (m *Manager) finish(id types.ForkID, status types.ForkStatus, mutate func(*types.Fork)) (types.Fork, bool, error) {
	m.mu.Lock()
	f, ok := m.forks[id]
	if !ok {
		m.mu.Unlock()
		return types.Fork{}, false, fmt.Errorf("%w: %s", ErrForkNotFound, id)
	}
	if f.Status.IsTerminal() {
		out := *f
		m.mu.Unlock()
		return out, false, nil
	}

	now := m.now()
	start := f.CreatedAt
	if f.StartedAt != nil {
		start = *f.StartedAt
	}
	f.Status = status
	f.FinishedAt = &now
	f.ProcessingTimeMs = now.Sub(start).Milliseconds()
	mutate(f)
	out := *f
	m.slots.Release(1)
	m.mu.Unlock()

	m.publishActive()
	return out, true, nil
}

func (m *Manager) persist(ctx context.Context, fork types.Fork) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.SaveFork(ctx, fork); err != nil {
		m.log.Warn("Failed to persist fork status",
			"fork_id", fork.ID,
			"status", fork.Status,
			"error", err)
	}
}

func (m *Manager) publishActive() {
	m.metrics.SetActiveForks(m.ActiveCount())
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of the fork.
func (m *Manager) Get(id types.ForkID) (types.Fork, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.forks[id]
	if !ok {
		return types.Fork{}, false
	}
	return *f, true
}

// ActiveCount returns the number of forks holding a capacity slot.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, f := range m.forks {
		if !f.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Counts returns the number of indexed forks per status.
func (m *Manager) Counts() map[types.ForkStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[types.ForkStatus]int{
		types.ForkPending:   0,
		types.ForkActive:    0,
		types.ForkCompleted: 0,
		types.ForkFailed:    0,
	}
	for _, f := range m.forks {
		counts[f.Status]++
	}
	return counts
}

// Capacity returns the configured active-fork cap.
func (m *Manager) Capacity() int {
	return m.cfg.MaxActiveForks
}

// ============================================================================
// Identity
// ============================================================================

func (m *Manager) newForkID(strategy types.StrategyType, a, b string, at time.Time) types.ForkID {
	return types.ForkID(fmt.Sprintf("%s_%s_%s_%d_%d", strategy, a, b, at.UnixMilli(), m.seq.Add(1)))
}

// DatabaseName maps a fork ID to a name usable as a database identifier
// (at most 63 bytes, lowercase, no punctuation besides '_').
func DatabaseName(id types.ForkID) string {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	return "fork_" + strings.ReplaceAll(u.String(), "-", "")
}
