package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// mockScorer is a func-field mock of the pair scorer
type mockScorer struct {
	ScoreResumeFunc func(ctx context.Context, resumeID, jobID string) (*types.CompositeResult, error)
}

func (m *mockScorer) ScoreResume(ctx context.Context, resumeID, jobID string) (*types.CompositeResult, error) {
	return m.ScoreResumeFunc(ctx, resumeID, jobID)
}

func scoreAll(score float64) *mockScorer {
	return &mockScorer{ScoreResumeFunc: func(ctx context.Context, a, b string) (*types.CompositeResult, error) {
		return &types.CompositeResult{SubjectAID: a, SubjectBID: b, CompositeScore: score}, nil
	}}
}

func newTestScheduler(cfg Config, scorer Scorer, opts ...Option) *Scheduler {
	if cfg.ResumeDelay == 0 {
		cfg.ResumeDelay = time.Millisecond
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(cfg, scorer, opts...)
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

// ============================================================================
// Submission
// ============================================================================

func TestAddBatchJob_InvalidArguments(t *testing.T) {
	s := newTestScheduler(Config{}, scoreAll(50))

	tests := []struct {
		name    string
		id      types.BatchID
		resumes []string
		jobs    []string
	}{
		{"Empty id", "", []string{"r1"}, []string{"j1"}},
		{"No resumes", "b1", nil, []string{"j1"}},
		{"No jobs", "b1", []string{"r1"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddBatchJob(context.Background(), tt.id, tt.resumes, tt.jobs)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.Equal(t, 0, s.GetStatistics().TotalBatches)
}

func TestAddBatchJob_DuplicateID(t *testing.T) {
	s := newTestScheduler(Config{}, scoreAll(50))

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1"}, []string{"j1"})
	require.NoError(t, err)
	_, err = s.AddBatchJob(context.Background(), "b1", []string{"r2"}, []string{"j1"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	waitIdle(t, s)
}

func TestAddBatchJob_ExpandsCrossProduct(t *testing.T) {
	s := newTestScheduler(Config{}, scoreAll(50))

	job, err := s.AddBatchJob(context.Background(), "b1", []string{"r1", "r2"}, []string{"j1"})
	require.NoError(t, err)

	assert.Equal(t, []types.Pair{
		{SubjectAID: "r1", SubjectBID: "j1"},
		{SubjectAID: "r2", SubjectBID: "j1"},
	}, job.Pairs)

	waitIdle(t, s)

	status, err := s.GetBatchStatus("b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, status.Status)
	assert.Equal(t, 2, status.Succeeded)
	assert.Equal(t, 100.0, status.Progress)

	for page := 1; page <= 2; page++ {
		res, err := s.GetBatchResults("b1", page, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, res.TotalPages, "total pages equals the number of successes")
		require.Len(t, res.Results, 1)
		assert.Empty(t, res.Failures)
	}
	res, err := s.GetBatchResults("b1", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.Results[0].SubjectAID, "results keep pair order")
}

// ============================================================================
// Processing
// ============================================================================

func TestBatch_PartialFailures(t *testing.T) {
	scorer := &mockScorer{ScoreResumeFunc: func(ctx context.Context, a, b string) (*types.CompositeResult, error) {
		if a == "bad" {
			return nil, errors.New("no strategy fork could be created")
		}
		return &types.CompositeResult{SubjectAID: a, SubjectBID: b, CompositeScore: 70}, nil
	}}
	s := newTestScheduler(Config{ChunkSize: 2}, scorer)

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1", "bad", "r2"}, []string{"j1", "j2"})
	require.NoError(t, err)
	waitIdle(t, s)

	status, err := s.GetBatchStatus("b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, status.Status)
	assert.Equal(t, 6, status.TotalPairs)
	assert.Equal(t, 4, status.Succeeded)
	assert.Equal(t, 2, status.Failed)

	res, err := s.GetBatchResults("b1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalPages)
	assert.Equal(t, 2, res.ResultPages)
	assert.Equal(t, 1, res.FailurePages, "failures run out before results")
	assert.Len(t, res.Results, 3)
	assert.Len(t, res.Failures, 2)
	assert.Contains(t, res.Failures[0].Error, "no strategy fork")

	res, err = s.GetBatchResults("b1", 2, 3)
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)
	assert.Empty(t, res.Failures)
	assert.Greater(t, res.Page, res.FailurePages, "page is past the end of failures")

	res, err = s.GetBatchResults("b1", 9, 3)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Empty(t, res.Failures)
}

func TestBatch_AllPairsFailed(t *testing.T) {
	scorer := &mockScorer{ScoreResumeFunc: func(ctx context.Context, a, b string) (*types.CompositeResult, error) {
		return nil, errors.New("boom")
	}}
	s := newTestScheduler(Config{}, scorer)

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1", "r2"}, []string{"j1"})
	require.NoError(t, err)
	waitIdle(t, s)

	status, err := s.GetBatchStatus("b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, status.Status)
	assert.Equal(t, 2, status.Failed)
	assert.NotEmpty(t, status.Error)

	stats := s.GetStatistics()
	assert.Equal(t, 1, stats.FailedJobs)
	assert.Equal(t, 2, stats.TotalFailed)
}

func TestBatch_PanickingScorerIsAPairFailure(t *testing.T) {
	scorer := &mockScorer{ScoreResumeFunc: func(ctx context.Context, a, b string) (*types.CompositeResult, error) {
		if a == "r2" {
			panic("nil map")
		}
		return &types.CompositeResult{CompositeScore: 10}, nil
	}}
	s := newTestScheduler(Config{}, scorer)

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1", "r2"}, []string{"j1"})
	require.NoError(t, err)
	waitIdle(t, s)

	status, _ := s.GetBatchStatus("b1")
	assert.Equal(t, types.BatchCompleted, status.Status)
	assert.Equal(t, 1, status.Failed)
}

func TestBatch_ChunkConcurrencyBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	scorer := &mockScorer{ScoreResumeFunc: func(ctx context.Context, a, b string) (*types.CompositeResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &types.CompositeResult{}, nil
	}}
	s := newTestScheduler(Config{ChunkSize: 3}, scorer)

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1", "r2", "r3", "r4", "r5"}, []string{"j1", "j2"})
	require.NoError(t, err)
	_, err = s.AddBatchJob(context.Background(), "b2", []string{"r1", "r2"}, []string{"j1", "j2"})
	require.NoError(t, err)
	waitIdle(t, s)

	assert.LessOrEqual(t, peak.Load(), int32(3), "never more than one chunk in flight")
}

func TestBatch_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	scorer := &mockScorer{ScoreResumeFunc: func(ctx context.Context, a, b string) (*types.CompositeResult, error) {
		if a == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, a)
		mu.Unlock()
		return &types.CompositeResult{}, nil
	}}
	s := newTestScheduler(Config{}, scorer)

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"first"}, []string{"j"})
	require.NoError(t, err)
	_, err = s.AddBatchJob(context.Background(), "b2", []string{"second"}, []string{"j"})
	require.NoError(t, err)
	_, err = s.AddBatchJob(context.Background(), "b3", []string{"third"}, []string{"j"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.GetQueueStatus().Current == "b1"
	}, time.Second, time.Millisecond)
	q := s.GetQueueStatus()
	assert.True(t, q.Processing)
	assert.Equal(t, []types.BatchID{"b2", "b3"}, q.QueuedIDs)

	st, _ := s.GetBatchStatus("b2")
	assert.Equal(t, types.BatchQueued, st.Status)

	close(release)
	waitIdle(t, s)

	assert.Equal(t, []string{"first", "second", "third"}, order)
	q = s.GetQueueStatus()
	assert.False(t, q.Processing)
	assert.Equal(t, 0, q.Queued)
	assert.Equal(t, 3, q.Finished)
}

// ============================================================================
// Queries
// ============================================================================

func TestGetBatch_NotFound(t *testing.T) {
	s := newTestScheduler(Config{}, scoreAll(1))

	_, err := s.GetBatchStatus("missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
	_, err = s.GetBatchResults("missing", 1, 10)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestGetStatistics(t *testing.T) {
	s := newTestScheduler(Config{}, scoreAll(1))

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1", "r2"}, []string{"j1"})
	require.NoError(t, err)
	_, err = s.AddBatchJob(context.Background(), "b2", []string{"r1"}, []string{"j1", "j2", "j3"})
	require.NoError(t, err)
	waitIdle(t, s)

	stats := s.GetStatistics()
	assert.Equal(t, 2, stats.TotalBatches)
	assert.Equal(t, 2, stats.CompletedJobs)
	assert.Equal(t, 5, stats.TotalProcessed)
	assert.Equal(t, 0, stats.TotalFailed)
	assert.GreaterOrEqual(t, stats.AverageDuration, time.Duration(0))
}

func TestClearCompletedBatches(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := newTestScheduler(Config{}, scoreAll(1), WithClock(clock))

	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1"}, []string{"j1"})
	require.NoError(t, err)
	waitIdle(t, s)

	assert.Equal(t, 0, s.ClearCompletedBatches(time.Hour))

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	assert.Equal(t, 1, s.ClearCompletedBatches(time.Hour))
	_, err = s.GetBatchStatus("b1")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestFinishedJobsAndRestore(t *testing.T) {
	s := newTestScheduler(Config{}, scoreAll(42))
	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1"}, []string{"j1", "j2"})
	require.NoError(t, err)
	waitIdle(t, s)

	jobs := s.FinishedJobs()
	require.Len(t, jobs, 1)
	assert.Len(t, jobs[0].Results, 2)

	restored := newTestScheduler(Config{}, scoreAll(0))
	queued := types.BatchJob{ID: "pending", Status: types.BatchQueued}
	assert.Equal(t, 1, restored.RestoreFinished(append(jobs, queued)))
	assert.Equal(t, 0, restored.RestoreFinished(jobs), "existing ids are skipped")

	res, err := restored.GetBatchResults("b1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 42.0, res.Results[0].Result.CompositeScore)
	assert.False(t, restored.GetQueueStatus().Processing)
}

func TestWait_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	scorer := &mockScorer{ScoreResumeFunc: func(ctx context.Context, a, b string) (*types.CompositeResult, error) {
		<-release
		return &types.CompositeResult{}, nil
	}}
	s := newTestScheduler(Config{}, scorer)
	_, err := s.AddBatchJob(context.Background(), "b1", []string{"r1"}, []string{"j1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}
