// ============================================================================
// fork-scorer Agent Coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Scores one (resume, job) pair by fanning out to every registered
//          strategy, each inside its own fork, and aggregating the outcomes.
//
// Flow:
//   1. CreateFork per strategy; a creation failure skips that strategy
//   2. Run each harness in its own goroutine, raced against AgentTimeout
//   3. Join all launches; failures never abort the request
//   4. Resolve the weight vector (dynamic / static / fallback)
//   5. Composite = Σ wᵢ·sᵢ / Σ wᵢ (wᵢ > 0), clamped to [0,100], 2 dp
//   6. Submit the weight analytics record (fire-and-forget)
//
// Timeouts:
//   Advisory. A timed-out strategy is recorded as failed but its harness
//   keeps running on a detached context; it still reports to the fork
//   manager and closes its connection when it finishes.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fork-scorer/internal/agent"
	"github.com/ChuLiYu/fork-scorer/internal/metrics"
	"github.com/ChuLiYu/fork-scorer/internal/store"
	"github.com/ChuLiYu/fork-scorer/internal/weights"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

var (
	// ErrStrategyTimeout is recorded on outcomes whose strategy outlived AgentTimeout.
	ErrStrategyTimeout = errors.New("strategy timed out")
	// ErrNoForks means not a single strategy fork could be created.
	ErrNoForks = errors.New("no strategy fork could be created")
)

// DefaultAgentTimeout is the per-strategy timeout used when Config leaves it unset.
const DefaultAgentTimeout = 120 * time.Second

// Config coordinator configuration
type Config struct {
	AgentTimeout           time.Duration
	UseStaticWeights       bool
	PersistWeightAnalytics bool
}

// Forks is the part of the fork manager the coordinator uses.
type Forks interface {
	CreateFork(ctx context.Context, strategy types.StrategyType, subjectAID, subjectBID string) (*types.Fork, error)
	agent.ForkReporter
}

// Optimizer resolves dynamic weights from job text.
type Optimizer func(title, description string, metadata map[string]string) types.WeightProfile

// Coordinator scores subject pairs.
type Coordinator struct {
	cfg       Config
	forks     Forks
	registry  *agent.Registry
	connector store.Connector

	metadata  store.MetadataSource
	analytics *AnalyticsSink
	optimizer Optimizer
	metrics   *metrics.Collector
	log       *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMetrics records composite and agent outcomes. Nil disables recording.
func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

// WithMetadataSource enables job-hint lookup when a request carries none.
func WithMetadataSource(src store.MetadataSource) Option {
	return func(c *Coordinator) { c.metadata = src }
}

// WithAnalytics sets the weight analytics sink.
func WithAnalytics(sink *AnalyticsSink) Option { return func(c *Coordinator) { c.analytics = sink } }

// WithOptimizer replaces weights.Optimal.
func WithOptimizer(o Optimizer) Option { return func(c *Coordinator) { c.optimizer = o } }

// New creates a coordinator.
//
// Parameters:
//   - cfg: timeout and weighting settings
//   - forks: fork manager
//   - registry: strategies to run for every request
//   - connector: opens the per-fork connections handed to each harness
func New(cfg Config, forks Forks, registry *agent.Registry, connector store.Connector, opts ...Option) *Coordinator {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	c := &Coordinator{
		cfg:       cfg,
		forks:     forks,
		registry:  registry,
		connector: connector,
		optimizer: weights.Optimal,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Scoring
// ============================================================================

// ScoreResume scores a resume against a job without explicit job hints.
func (c *Coordinator) ScoreResume(ctx context.Context, resumeID, jobID string) (*types.CompositeResult, error) {
	return c.Score(ctx, types.ScoringRequest{SubjectAID: resumeID, SubjectBID: jobID})
}

type launch struct {
	strategy types.StrategyType
	fork     *types.Fork
	scorer   agent.Scorer
}

// Score runs every registered strategy for the request and aggregates the
// outcomes. It fails only when no fork could be created.
func (c *Coordinator) Score(ctx context.Context, req types.ScoringRequest) (*types.CompositeResult, error) {
	start := time.Now()
	strategies := c.registry.Strategies()
	outcomes := make(map[types.StrategyType]types.AgentOutcome, len(strategies))

	var launches []launch
	var createErrs []error
	for _, s := range strategies {
		scorer, err := c.registry.Get(s)
		if err != nil {
			outcomes[s] = failedOutcome(s, "", 0, err)
			continue
		}
		f, err := c.forks.CreateFork(ctx, s, req.SubjectAID, req.SubjectBID)
		if err != nil {
			c.log.Warn("Skipping strategy, fork creation failed",
				"strategy", s,
				"subject_a", req.SubjectAID,
				"subject_b", req.SubjectBID,
				"error", err)
			createErrs = append(createErrs, fmt.Errorf("%s: %w", s, err))
			outcomes[s] = failedOutcome(s, "", 0, err)
			continue
		}
		launches = append(launches, launch{strategy: s, fork: f, scorer: scorer})
	}

	if len(launches) == 0 {
		return nil, fmt.Errorf("%w for %s/%s: %w", ErrNoForks, req.SubjectAID, req.SubjectBID, errors.Join(createErrs...))
	}

	results := make(chan types.AgentOutcome, len(launches))
	var wg sync.WaitGroup
	for _, l := range launches {
		wg.Add(1)
		go func(l launch) {
			defer wg.Done()
			results <- c.runWithTimeout(ctx, l)
		}(l)
	}
	wg.Wait()
	close(results)
	for o := range results {
		outcomes[o.Strategy] = o
	}

	profile := c.Weights(ctx, req)
	result := c.aggregate(req, strategies, outcomes, profile, time.Since(start))

	c.metrics.RecordComposite(result.CompositeScore)
	c.log.Info("Scoring request completed",
		"subject_a", req.SubjectAID,
		"subject_b", req.SubjectBID,
		"composite", result.CompositeScore,
		"completed", result.AgentsCompleted,
		"total", result.AgentsTotal,
		"weights", profile.Source,
		"duration_ms", result.TotalDurationMs)

	c.recordAnalytics(req, result)
	return result, nil
}

type harnessDone struct {
	result *agent.Result
	err    error
}

// runWithTimeout races one harness against the per-strategy timer.
func (c *Coordinator) runWithTimeout(ctx context.Context, l launch) types.AgentOutcome {
	start := time.Now()
	h := agent.NewHarness(*l.fork, l.scorer, c.connector, c.forks, c.log)

	done := make(chan harnessDone, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- harnessDone{err: fmt.Errorf("harness panic: %v", r)}
			}
		}()
		res, err := h.Run(context.WithoutCancel(ctx))
		done <- harnessDone{result: res, err: err}
	}()

	timer := time.NewTimer(c.cfg.AgentTimeout)
	defer timer.Stop()

	select {
	case d := <-done:
		elapsed := time.Since(start)
		if d.err != nil {
			c.metrics.RecordAgent(string(l.strategy), string(types.AgentFailed), elapsed.Seconds())
			return failedOutcome(l.strategy, l.fork.ID, elapsed, d.err)
		}
		c.metrics.RecordAgent(string(l.strategy), string(types.AgentCompleted), elapsed.Seconds())
		return types.AgentOutcome{
			Strategy:   l.strategy,
			Status:     types.AgentCompleted,
			Score:      d.result.Score,
			DurationMs: elapsed.Milliseconds(),
			ForkID:     l.fork.ID,
			Details:    d.result.Details,
		}

	case <-timer.C:
		c.metrics.RecordAgentTimeout(string(l.strategy))
		c.log.Warn("Strategy timed out, leaving it to finish in the background",
			"strategy", l.strategy,
			"fork_id", l.fork.ID,
			"timeout", c.cfg.AgentTimeout)
		return failedOutcome(l.strategy, l.fork.ID, time.Since(start),
			fmt.Errorf("%w after %s", ErrStrategyTimeout, c.cfg.AgentTimeout))
	}
}

func failedOutcome(s types.StrategyType, id types.ForkID, elapsed time.Duration, err error) types.AgentOutcome {
	return types.AgentOutcome{
		Strategy:   s,
		Status:     types.AgentFailed,
		Score:      0,
		DurationMs: elapsed.Milliseconds(),
		ForkID:     id,
		Error:      err.Error(),
	}
}

// ============================================================================
// Aggregation
// ============================================================================

func (c *Coordinator) aggregate(req types.ScoringRequest, strategies []types.StrategyType, outcomes map[types.StrategyType]types.AgentOutcome, profile types.WeightProfile, elapsed time.Duration) *types.CompositeResult {
	result := &types.CompositeResult{
		SubjectAID:      req.SubjectAID,
		SubjectBID:      req.SubjectBID,
		Scores:          make(map[types.StrategyType]float64, len(types.Dimensions)),
		Statuses:        make(map[types.StrategyType]types.AgentStatus, len(strategies)),
		Outcomes:        outcomes,
		Weights:         profile,
		AgentsTotal:     len(strategies),
		TotalDurationMs: elapsed.Milliseconds(),
		CompletedAt:     time.Now(),
	}

	for _, d := range types.Dimensions {
		result.Scores[d] = 0
	}
	for _, s := range strategies {
		o := outcomes[s]
		result.Statuses[s] = o.Status
		if o.Status == types.AgentCompleted {
			result.Scores[s] = o.Score
			result.AgentsCompleted++
		}
	}

	result.CompositeScore = Composite(result.Scores, profile.Weights)
	return result
}

// Composite is the weighted average of the dimension scores over the
// dimensions with a positive weight, clamped to [0,100] and rounded to two
// decimals. A dimension with positive weight and score 0 still counts.
func Composite(scores map[types.StrategyType]float64, w types.WeightVector) float64 {
	var sum, applied float64
	for _, d := range types.Dimensions {
		wt := w[d]
		if wt <= 0 || math.IsNaN(wt) || math.IsInf(wt, 0) {
			continue
		}
		sum += wt * scores[d]
		applied += wt
	}
	if applied == 0 {
		return 0
	}
	v := math.Max(0, math.Min(100, sum/applied))
	return math.Round(v*100) / 100
}

// ============================================================================
// Weights
// ============================================================================

// Weights resolves the weight profile for a request. It never fails: static
// weighting, missing hints and optimizer errors all yield the default vector.
func (c *Coordinator) Weights(ctx context.Context, req types.ScoringRequest) (profile types.WeightProfile) {
	if c.cfg.UseStaticWeights {
		return staticProfile(types.WeightsStatic)
	}

	title, description, meta := req.JobTitle, req.JobDescription, req.Metadata
	if !req.HasHints() {
		if c.metadata == nil {
			return staticProfile(types.WeightsStatic)
		}
		jm, err := c.metadata.JobMetadata(ctx, req.SubjectBID)
		if err != nil {
			c.log.Warn("Job metadata lookup failed, using static weights",
				"job_id", req.SubjectBID,
				"error", err)
			return staticProfile(types.WeightsFallback)
		}
		if jm.Title == "" && jm.Description == "" {
			return staticProfile(types.WeightsStatic)
		}
		title, description = jm.Title, jm.Description
		meta = mergeMetadata(jm.Extra, req.Metadata)
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Weight optimizer panicked, using static weights", "panic", r)
			profile = staticProfile(types.WeightsFallback)
		}
	}()

	profile = c.optimizer(title, description, meta)
	if err := checkWeights(profile.Weights); err != nil {
		c.log.Warn("Weight optimizer returned an invalid vector, using static weights", "error", err)
		return staticProfile(types.WeightsFallback)
	}
	return profile
}

func staticProfile(source types.WeightSource) types.WeightProfile {
	return types.WeightProfile{
		Weights:    types.DefaultWeights(),
		Source:     source,
		Confidence: 0,
	}
}

func checkWeights(w types.WeightVector) error {
	for _, d := range types.Dimensions {
		v, ok := w[d]
		if !ok {
			return fmt.Errorf("missing weight for %s", d)
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight for %s is %v", d, v)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return fmt.Errorf("weights sum to %v", w.Sum())
	}
	return nil
}

func mergeMetadata(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (c *Coordinator) recordAnalytics(req types.ScoringRequest, result *types.CompositeResult) {
	if !c.cfg.PersistWeightAnalytics || c.analytics == nil {
		return
	}
	p := result.Weights
	c.analytics.Submit(types.WeightAdjustment{
		ID:             uuid.NewString(),
		SubjectAID:     req.SubjectAID,
		SubjectBID:     req.SubjectBID,
		Weights:        p.Weights.Clone(),
		Source:         p.Source,
		Industry:       p.Industry,
		Role:           p.Role,
		Seniority:      p.Seniority,
		Confidence:     p.Confidence,
		CompositeScore: result.CompositeScore,
		CreatedAt:      result.CompletedAt,
	})
}
