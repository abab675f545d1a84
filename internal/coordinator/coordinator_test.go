package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fork-scorer/internal/agent"
	"github.com/ChuLiYu/fork-scorer/internal/fork"
	"github.com/ChuLiYu/fork-scorer/internal/store/memory"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	store    *memory.Store
	forks    *fork.Manager
	registry *agent.Registry
}

func newEnv(t *testing.T, cfg fork.Config) *env {
	t.Helper()
	st := memory.New()
	st.AddResume("R1", map[string]any{"skills": []any{"go"}})
	st.AddJob("J1", "Senior Software Engineer", "Build our cloud platform", nil)
	st.AddJob("J2", "", "", nil)
	return &env{
		store:    st,
		forks:    fork.NewManager(cfg, st, st, st, fork.WithLogger(quietLogger())),
		registry: agent.NewRegistry(),
	}
}

func (e *env) register(t *testing.T, s types.StrategyType, scorer agent.Scorer) {
	t.Helper()
	require.NoError(t, e.registry.Register(s, scorer))
}

func (e *env) registerScores(t *testing.T, scores map[types.StrategyType]float64) {
	t.Helper()
	for _, d := range types.Dimensions {
		e.register(t, d, fixed(scores[d]))
	}
}

func (e *env) coordinator(cfg Config, opts ...Option) *Coordinator {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(cfg, e.forks, e.registry, e.store, opts...)
}

func fixed(score float64) agent.Scorer {
	return agent.ScorerFunc(func(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
		return map[string]any{"score": score}, nil
	})
}

var sampleScores = map[types.StrategyType]float64{
	types.StrategySkill:         80,
	types.StrategySemantic:      60,
	types.StrategyExperience:    70,
	types.StrategyEducation:     90,
	types.StrategyCertification: 50,
}

// ============================================================================
// Scoring Tests
// ============================================================================

func TestScoreResume_AllStrategiesSucceed(t *testing.T) {
	e := newEnv(t, fork.Config{})
	e.registerScores(t, sampleScores)
	c := e.coordinator(Config{UseStaticWeights: true})

	result, err := c.ScoreResume(context.Background(), "R1", "J1")
	require.NoError(t, err)

	// 0.25*80 + 0.20*60 + 0.20*70 + 0.20*90 + 0.15*50
	assert.InDelta(t, 71.5, result.CompositeScore, 1e-9)
	assert.Equal(t, 5, result.AgentsCompleted)
	assert.Equal(t, 5, result.AgentsTotal)
	assert.Equal(t, types.WeightsStatic, result.Weights.Source)
	for _, d := range types.Dimensions {
		assert.Equal(t, types.AgentCompleted, result.Statuses[d])
		assert.Equal(t, sampleScores[d], result.Scores[d])
		assert.NotEmpty(t, result.Outcomes[d].ForkID)
	}

	assert.Equal(t, 5, e.forks.Counts()[types.ForkCompleted])
	assert.Equal(t, 0, e.forks.ActiveCount())
	assert.Equal(t, 0, e.store.OpenConnections())
}

func TestScore_WeightedAverageWithDynamicWeights(t *testing.T) {
	e := newEnv(t, fork.Config{})
	e.registerScores(t, sampleScores)
	c := e.coordinator(Config{})

	result, err := c.Score(context.Background(), types.ScoringRequest{
		SubjectAID:     "R1",
		SubjectBID:     "J1",
		JobTitle:       "Senior Software Engineer",
		JobDescription: "Build our cloud platform",
	})
	require.NoError(t, err)

	assert.Equal(t, types.WeightsDynamic, result.Weights.Source)
	assert.Equal(t, "software_engineer", result.Weights.Role)

	want := 0.0
	for _, d := range types.Dimensions {
		want += result.Weights.Weights[d] * sampleScores[d]
	}
	assert.InDelta(t, want, result.CompositeScore, 0.005)
	assert.GreaterOrEqual(t, result.CompositeScore, 0.0)
	assert.LessOrEqual(t, result.CompositeScore, 100.0)
}

func TestScore_MonotonicDegradation(t *testing.T) {
	run := func(t *testing.T, cert agent.Scorer) *types.CompositeResult {
		e := newEnv(t, fork.Config{})
		for _, d := range types.Dimensions {
			if d == types.StrategyCertification {
				e.register(t, d, cert)
				continue
			}
			e.register(t, d, fixed(sampleScores[d]))
		}
		result, err := e.coordinator(Config{UseStaticWeights: true}).ScoreResume(context.Background(), "R1", "J1")
		require.NoError(t, err)
		return result
	}

	failing := agent.ScorerFunc(func(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
		return nil, errors.New("catalog unavailable")
	})

	degraded := run(t, failing)
	perfect := run(t, fixed(100))

	assert.Equal(t, types.AgentFailed, degraded.Statuses[types.StrategyCertification])
	assert.Equal(t, 0.0, degraded.Scores[types.StrategyCertification])
	assert.Equal(t, 4, degraded.AgentsCompleted)
	// failed weight stays in the denominator
	assert.InDelta(t, 64.0, degraded.CompositeScore, 1e-9)
	assert.LessOrEqual(t, degraded.CompositeScore, perfect.CompositeScore)
}

func TestScoreResume_SubjectNotFound(t *testing.T) {
	e := newEnv(t, fork.Config{})
	e.registerScores(t, sampleScores)
	c := e.coordinator(Config{UseStaticWeights: true})

	result, err := c.ScoreResume(context.Background(), "R404", "J1")
	require.NoError(t, err, "strategy failures degrade the result instead of failing it")

	for _, d := range types.Dimensions {
		o := result.Outcomes[d]
		assert.Equal(t, types.AgentFailed, o.Status)
		assert.Equal(t, 0.0, o.Score)
		assert.Contains(t, o.Error, agent.ErrSubjectNotFound.Error())

		f, ok := e.forks.Get(o.ForkID)
		require.True(t, ok)
		assert.Equal(t, types.ForkFailed, f.Status)
	}
	assert.Equal(t, 0.0, result.CompositeScore)
	assert.Equal(t, 0, result.AgentsCompleted)
}

func TestScoreResume_InvalidResultRecordedAsFailure(t *testing.T) {
	e := newEnv(t, fork.Config{})
	scores := map[types.StrategyType]float64{}
	for k, v := range sampleScores {
		scores[k] = v
	}
	scores[types.StrategySkill] = 150
	e.registerScores(t, scores)

	result, err := e.coordinator(Config{UseStaticWeights: true}).ScoreResume(context.Background(), "R1", "J1")
	require.NoError(t, err)

	skill := result.Outcomes[types.StrategySkill]
	assert.Equal(t, types.AgentFailed, skill.Status)
	assert.Equal(t, 0.0, skill.Score)
	assert.Contains(t, skill.Error, agent.ErrInvalidResult.Error())
	assert.Equal(t, 4, result.AgentsCompleted)
}

func TestScoreResume_TimeoutIsAdvisory(t *testing.T) {
	e := newEnv(t, fork.Config{})
	release := make(chan struct{})
	for _, d := range types.Dimensions {
		if d == types.StrategySemantic {
			e.register(t, d, agent.ScorerFunc(func(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
				<-release
				return map[string]any{"score": 90.0}, nil
			}))
			continue
		}
		e.register(t, d, fixed(sampleScores[d]))
	}
	c := e.coordinator(Config{UseStaticWeights: true, AgentTimeout: 50 * time.Millisecond})

	result, err := c.ScoreResume(context.Background(), "R1", "J1")
	require.NoError(t, err)

	semantic := result.Outcomes[types.StrategySemantic]
	assert.Equal(t, types.AgentFailed, semantic.Status)
	assert.Contains(t, semantic.Error, ErrStrategyTimeout.Error())
	assert.Equal(t, 4, result.AgentsCompleted)

	f, _ := e.forks.Get(semantic.ForkID)
	assert.Equal(t, types.ForkActive, f.Status, "the timed-out harness is still running")

	close(release)
	require.Eventually(t, func() bool {
		f, _ := e.forks.Get(semantic.ForkID)
		return f.Status == types.ForkCompleted && e.store.OpenConnections() == 0
	}, time.Second, 10*time.Millisecond, "orphaned harness must finish and release its connection")
}

func TestScore_PartialForkCreation(t *testing.T) {
	e := newEnv(t, fork.Config{MaxActiveForks: 2})
	e.registerScores(t, sampleScores)

	result, err := e.coordinator(Config{UseStaticWeights: true}).ScoreResume(context.Background(), "R1", "J1")
	require.NoError(t, err)

	assert.Equal(t, 2, result.AgentsCompleted)
	assert.Equal(t, 5, result.AgentsTotal)
	for _, d := range []types.StrategyType{types.StrategyExperience, types.StrategyEducation, types.StrategyCertification} {
		assert.Equal(t, types.AgentFailed, result.Statuses[d])
		assert.Contains(t, result.Outcomes[d].Error, fork.ErrCapacityExceeded.Error())
	}
	// (0.25*80 + 0.20*60) / 1.0
	assert.InDelta(t, 32.0, result.CompositeScore, 1e-9)
}

func TestScore_ZeroForksIsHardError(t *testing.T) {
	e := newEnv(t, fork.Config{MaxActiveForks: 1})
	e.registerScores(t, sampleScores)

	_, err := e.forks.CreateFork(context.Background(), types.StrategySkill, "X", "Y")
	require.NoError(t, err)

	result, err := e.coordinator(Config{}).ScoreResume(context.Background(), "R1", "J1")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrNoForks)
	assert.ErrorIs(t, err, fork.ErrCapacityExceeded)
}

// ============================================================================
// Weights Tests
// ============================================================================

func TestWeights(t *testing.T) {
	e := newEnv(t, fork.Config{})
	hinted := types.ScoringRequest{
		SubjectAID:     "R1",
		SubjectBID:     "J1",
		JobTitle:       "Senior Software Engineer",
		JobDescription: "Build our cloud platform",
	}

	t.Run("Static weights ignore job metadata", func(t *testing.T) {
		p := e.coordinator(Config{UseStaticWeights: true}).Weights(context.Background(), hinted)
		assert.Equal(t, types.DefaultWeights(), p.Weights)
		assert.Equal(t, types.WeightsStatic, p.Source)
	})

	t.Run("Hints select dynamic weights", func(t *testing.T) {
		p := e.coordinator(Config{}).Weights(context.Background(), hinted)
		assert.Equal(t, types.WeightsDynamic, p.Source)
		assert.Equal(t, "technology", p.Industry)
		assert.InDelta(t, 1.0, p.Weights.Sum(), 1e-6)
	})

	t.Run("No hints and no metadata source", func(t *testing.T) {
		p := e.coordinator(Config{}).Weights(context.Background(), types.ScoringRequest{SubjectAID: "R1", SubjectBID: "J1"})
		assert.Equal(t, types.WeightsStatic, p.Source)
	})

	t.Run("Hints looked up from the metadata source", func(t *testing.T) {
		c := e.coordinator(Config{}, WithMetadataSource(e.store))
		p := c.Weights(context.Background(), types.ScoringRequest{SubjectAID: "R1", SubjectBID: "J1"})
		assert.Equal(t, types.WeightsDynamic, p.Source)
		assert.Equal(t, "software_engineer", p.Role)
	})

	t.Run("Empty job metadata", func(t *testing.T) {
		c := e.coordinator(Config{}, WithMetadataSource(e.store))
		p := c.Weights(context.Background(), types.ScoringRequest{SubjectAID: "R1", SubjectBID: "J2"})
		assert.Equal(t, types.WeightsStatic, p.Source)
	})

	t.Run("Metadata lookup failure falls back", func(t *testing.T) {
		c := e.coordinator(Config{}, WithMetadataSource(e.store))
		p := c.Weights(context.Background(), types.ScoringRequest{SubjectAID: "R1", SubjectBID: "J404"})
		assert.Equal(t, types.WeightsFallback, p.Source)
		assert.Equal(t, types.DefaultWeights(), p.Weights)
	})

	t.Run("Optimizer panic falls back", func(t *testing.T) {
		c := e.coordinator(Config{}, WithOptimizer(func(string, string, map[string]string) types.WeightProfile {
			panic("bad pattern table")
		}))
		p := c.Weights(context.Background(), hinted)
		assert.Equal(t, types.WeightsFallback, p.Source)
		assert.Equal(t, types.DefaultWeights(), p.Weights)
	})

	t.Run("Optimizer invalid vector falls back", func(t *testing.T) {
		c := e.coordinator(Config{}, WithOptimizer(func(string, string, map[string]string) types.WeightProfile {
			return types.WeightProfile{Weights: types.WeightVector{types.StrategySkill: 2}}
		}))
		p := c.Weights(context.Background(), hinted)
		assert.Equal(t, types.WeightsFallback, p.Source)
	})
}

func TestComposite(t *testing.T) {
	all := func(v float64) map[types.StrategyType]float64 {
		m := map[types.StrategyType]float64{}
		for _, d := range types.Dimensions {
			m[d] = v
		}
		return m
	}

	tests := []struct {
		name    string
		scores  map[types.StrategyType]float64
		weights types.WeightVector
		want    float64
	}{
		{"Uniform scores", all(42), types.DefaultWeights(), 42},
		{"Zero weight excluded from denominator",
			map[types.StrategyType]float64{types.StrategySkill: 90, types.StrategySemantic: 10},
			types.WeightVector{types.StrategySkill: 0.5, types.StrategySemantic: 0},
			90},
		{"Rounded to two decimals",
			map[types.StrategyType]float64{types.StrategySkill: 100, types.StrategySemantic: 0, types.StrategyExperience: 0},
			types.WeightVector{types.StrategySkill: 1, types.StrategySemantic: 1, types.StrategyExperience: 1},
			33.33},
		{"Clamped above", all(250), types.DefaultWeights(), 100},
		{"Clamped below", all(-5), types.DefaultWeights(), 0},
		{"No positive weight", all(80), types.WeightVector{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Composite(tt.scores, tt.weights), 1e-9)
		})
	}
}

// ============================================================================
// Analytics Tests
// ============================================================================

func TestScore_PersistsWeightAnalytics(t *testing.T) {
	e := newEnv(t, fork.Config{})
	e.registerScores(t, sampleScores)
	sink := NewAnalyticsSink(e.store, 8, quietLogger())

	c := e.coordinator(Config{PersistWeightAnalytics: true}, WithAnalytics(sink), WithMetadataSource(e.store))
	result, err := c.ScoreResume(context.Background(), "R1", "J1")
	require.NoError(t, err)
	sink.Close()

	records := e.store.Analytics()
	require.Len(t, records, 1)
	assert.Equal(t, "R1", records[0].SubjectAID)
	assert.Equal(t, result.CompositeScore, records[0].CompositeScore)
	assert.Equal(t, types.WeightsDynamic, records[0].Source)
	assert.NotEmpty(t, records[0].ID)
}

func TestScore_AnalyticsFailureSwallowed(t *testing.T) {
	e := newEnv(t, fork.Config{})
	e.registerScores(t, sampleScores)
	e.store.SetFailAnalytics(true)
	sink := NewAnalyticsSink(e.store, 8, quietLogger())

	c := e.coordinator(Config{PersistWeightAnalytics: true}, WithAnalytics(sink))
	_, err := c.ScoreResume(context.Background(), "R1", "J1")
	require.NoError(t, err)
	sink.Close()

	written, failed, dropped := sink.Stats()
	assert.Equal(t, uint64(0), written)
	assert.Equal(t, uint64(1), failed)
	assert.Equal(t, uint64(0), dropped)
}

func TestAnalyticsSink_SubmitAfterClose(t *testing.T) {
	st := memory.New()
	sink := NewAnalyticsSink(st, 1, quietLogger())
	sink.Close()
	sink.Close()

	assert.NotPanics(t, func() { sink.Submit(types.WeightAdjustment{}) })
	_, _, dropped := sink.Stats()
	assert.Equal(t, uint64(1), dropped)
}
