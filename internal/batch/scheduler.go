// ============================================================================
// fork-scorer 批次排程器 - Batch Scheduler
// ============================================================================
//
// Package: internal/batch
// 文件: scheduler.go
// 功能: 將兩組 ID 展開為所有 (resume, job) 配對，排隊並透過 Coordinator 評分
//
// 批次狀態轉換 (State Machine):
//   Queued (排隊中)
//      ↓ 處理 goroutine 取出 (FIFO)
//   Processing (處理中)
//      ↓ 所有 chunk 結束，或捕獲頂層 panic
//   Completed (至少一個配對成功) / Failed (全部失敗或 panic)
//
// 處理模型:
//   - 同一時間只有一個批次在處理 (無批次層級並發)
//   - 批次內以 ChunkSize 切分，chunk 內配對並發評分
//   - chunk 採 all-settled 語義：單一配對失敗不會中止 chunk
//   - chunk 依索引順序執行，結果依配對索引順序累積
//   - 批次結束後若仍有排隊，延遲 ResumeDelay 再繼續
//
// 並發上限:
//   單一批次規則使系統同時存在的 fork 數量受限於 ChunkSize × 策略數，
//   而非總配對數。
//
// 並發安全:
//   - sync.RWMutex 保護所有批次、佇列與統計資料
//   - 查詢方法回傳複本，呼叫方無法修改內部狀態
//
// ============================================================================

package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fork-scorer/internal/metrics"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 批次提交參數不合法
	ErrInvalidArgument = errors.New("invalid batch argument")
	// 批次不存在
	ErrBatchNotFound = errors.New("batch not found")
)

// 預設值
const (
	DefaultChunkSize   = 10
	DefaultResumeDelay = 100 * time.Millisecond
	DefaultPageSize    = 50
)

// Scorer 單一配對評分介面 (由 coordinator.Coordinator 實作)
type Scorer interface {
	ScoreResume(ctx context.Context, resumeID, jobID string) (*types.CompositeResult, error)
}

// Config 排程器配置
type Config struct {
	ChunkSize   int           // 每個 chunk 的配對數
	ResumeDelay time.Duration // 兩個批次之間的延遲
}

// Statistics 全域統計
type Statistics struct {
	TotalBatches    int           `json:"total_batches"`
	CompletedJobs   int           `json:"completed_jobs"`
	FailedJobs      int           `json:"failed_jobs"`
	TotalProcessed  int           `json:"total_processed"`
	TotalFailed     int           `json:"total_failed"`
	AverageDuration time.Duration `json:"average_duration"`
}

// QueueStatus 佇列狀態
type QueueStatus struct {
	Queued     int             `json:"queued"`
	QueuedIDs  []types.BatchID `json:"queued_ids"`
	Processing bool            `json:"processing"`
	Current    types.BatchID   `json:"current,omitempty"`
	Finished   int             `json:"finished"`
}

// StatusReport 單一批次的進度
type StatusReport struct {
	ID          types.BatchID     `json:"batch_id"`
	Status      types.BatchStatus `json:"status"`
	TotalPairs  int               `json:"total_pairs"`
	Processed   int               `json:"processed"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Progress    float64           `json:"progress"` // 0-100
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// ResultsPage 分頁結果，成功與失敗以同一頁碼平行分頁
type ResultsPage struct {
	ID            types.BatchID       `json:"batch_id"`
	Status        types.BatchStatus   `json:"status"`
	Page          int                 `json:"page"`
	PageSize      int                 `json:"page_size"`
	TotalPages    int                 `json:"total_pages"`   // 兩個清單中較長者的頁數
	ResultPages   int                 `json:"result_pages"`  // Results 自身的頁數
	FailurePages  int                 `json:"failure_pages"` // Failures 自身的頁數
	TotalResults  int                 `json:"total_results"`
	TotalFailures int                 `json:"total_failures"`
	Results       []types.PairResult  `json:"results"`
	Failures      []types.PairFailure `json:"failures"`
}

// Scheduler 批次排程器
type Scheduler struct {
	cfg     Config
	scorer  Scorer
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	jobs       map[types.BatchID]*types.BatchJob // 所有批次 (排隊、處理中、已完成)
	queue      []types.BatchID                   // FIFO 佇列
	processing bool
	current    types.BatchID
	idle       chan struct{} // 閒置時關閉
	stats      Statistics
	finished   int // 計入平均時間的批次數
}

// Option 排程器選項
type Option func(*Scheduler)

// WithLogger 設定日誌，預設 slog.Default()
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithMetrics 記錄批次與配對計數，nil 時不記錄
func WithMetrics(m *metrics.Collector) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock 替換時間來源 (測試用)
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New 建立批次排程器
//
// 參數：
//   - cfg: chunk 大小與批次間延遲，零值使用預設
//   - scorer: 單一配對評分器
func New(cfg Config, scorer Scorer, opts ...Option) *Scheduler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = DefaultResumeDelay
	}
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		cfg:    cfg,
		scorer: scorer,
		log:    slog.Default(),
		now:    time.Now,
		jobs:   make(map[types.BatchID]*types.BatchJob),
		idle:   idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// 提交
// ============================================================================

// AddBatchJob 展開配對並加入佇列，排程器閒置時啟動處理
//
// 參數：
//   - ctx: 只用於傳遞值，批次處理不會因 ctx 取消而中止
//   - id: 批次 ID，不可為空或重複
//   - resumeIDs, jobIDs: 兩組非空 ID，展開順序為 resume 外層、job 內層
//
// 返回值：
//   - types.BatchJob: 已排隊批次的複本
//   - error: ErrInvalidArgument
func (s *Scheduler) AddBatchJob(ctx context.Context, id types.BatchID, resumeIDs, jobIDs []string) (types.BatchJob, error) {
	if id == "" {
		return types.BatchJob{}, fmt.Errorf("%w: empty batch id", ErrInvalidArgument)
	}
	if len(resumeIDs) == 0 || len(jobIDs) == 0 {
		return types.BatchJob{}, fmt.Errorf("%w: resume and job id lists must be non-empty", ErrInvalidArgument)
	}

	pairs := make([]types.Pair, 0, len(resumeIDs)*len(jobIDs))
	for _, a := range resumeIDs {
		for _, b := range jobIDs {
			pairs = append(pairs, types.Pair{SubjectAID: a, SubjectBID: b})
		}
	}

	s.mu.Lock()
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return types.BatchJob{}, fmt.Errorf("%w: batch %s already exists", ErrInvalidArgument, id)
	}
	job := &types.BatchJob{
		ID:        id,
		Pairs:     pairs,
		Status:    types.BatchQueued,
		Results:   []types.PairResult{},
		Failures:  []types.PairFailure{},
		CreatedAt: s.now(),
	}
	s.jobs[id] = job
	s.queue = append(s.queue, id)
	s.stats.TotalBatches++
	queued := len(s.queue)
	out := copyJob(job)

	start := !s.processing
	if start {
		s.processing = true
		s.idle = make(chan struct{})
	}
	s.mu.Unlock()

	s.metrics.RecordBatchEnqueued()
	s.metrics.SetQueueLength(queued)
	s.log.Info("Batch queued", "batch_id", id, "pairs", len(pairs), "queue_length", queued)

	if start {
		go s.process(context.WithoutCancel(ctx))
	}
	return out, nil
}

// ============================================================================
// 處理
// ============================================================================

// process 依 FIFO 逐一處理批次直到佇列清空
func (s *Scheduler) process(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.processing = false
			s.current = ""
			close(s.idle)
			s.mu.Unlock()
			s.metrics.SetQueueLength(0)
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		job := s.jobs[id]
		started := s.now()
		job.Status = types.BatchProcessing
		job.StartedAt = &started
		s.current = id
		queued := len(s.queue)
		s.mu.Unlock()

		s.metrics.SetQueueLength(queued)
		s.runJob(ctx, job)

		s.mu.RLock()
		more := len(s.queue) > 0
		s.mu.RUnlock()
		if more {
			time.Sleep(s.cfg.ResumeDelay)
		}
	}
}

// runJob 處理單一批次並更新統計
func (s *Scheduler) runJob(ctx context.Context, job *types.BatchJob) {
	s.log.Info("Batch processing started", "batch_id", job.ID, "pairs", len(job.Pairs), "chunk_size", s.cfg.ChunkSize)

	var topErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				topErr = fmt.Errorf("batch panic: %v", r)
			}
		}()
		for i := 0; i < len(job.Pairs); i += s.cfg.ChunkSize {
			end := min(i+s.cfg.ChunkSize, len(job.Pairs))
			s.runChunk(ctx, job, job.Pairs[i:end])

			s.mu.RLock()
			processed, failed := job.Processed(), len(job.Failures)
			s.mu.RUnlock()
			s.log.Info("Batch progress",
				"batch_id", job.ID,
				"processed", processed,
				"failed", failed,
				"total", len(job.Pairs))
		}
	}()

	s.mu.Lock()
	done := s.now()
	job.CompletedAt = &done
	job.Duration = done.Sub(*job.StartedAt)
	switch {
	case topErr != nil:
		job.Status = types.BatchFailed
		job.Error = topErr.Error()
	case len(job.Results) == 0:
		job.Status = types.BatchFailed
		job.Error = "all pairs failed"
	default:
		job.Status = types.BatchCompleted
	}

	s.stats.TotalProcessed += len(job.Results)
	s.stats.TotalFailed += len(job.Failures)
	if job.Status == types.BatchCompleted {
		s.stats.CompletedJobs++
	} else {
		s.stats.FailedJobs++
	}
	s.finished++
	s.stats.AverageDuration += (job.Duration - s.stats.AverageDuration) / time.Duration(s.finished)
	status, succeeded, failed, duration := job.Status, len(job.Results), len(job.Failures), job.Duration
	s.mu.Unlock()

	s.metrics.RecordBatchFinished(string(status), duration.Seconds())
	if topErr != nil {
		s.log.Error("Batch aborted", "batch_id", job.ID, "error", topErr)
	}
	s.log.Info("Batch finished",
		"batch_id", job.ID,
		"status", status,
		"succeeded", succeeded,
		"failed", failed,
		"duration", duration)
}

type pairOutcome struct {
	result *types.CompositeResult
	err    error
}

// runChunk 並發評分 chunk 內所有配對 (all-settled)
func (s *Scheduler) runChunk(ctx context.Context, job *types.BatchJob, pairs []types.Pair) {
	outcomes := make([]pairOutcome, len(pairs))
	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p types.Pair) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = pairOutcome{err: fmt.Errorf("scoring panic: %v", r)}
				}
			}()
			res, err := s.scorer.ScoreResume(ctx, p.SubjectAID, p.SubjectBID)
			outcomes[i] = pairOutcome{result: res, err: err}
		}(i, p)
	}
	wg.Wait()

	succeeded, failed := 0, 0
	s.mu.Lock()
	for i, o := range outcomes {
		if o.err != nil || o.result == nil {
			msg := "no result"
			if o.err != nil {
				msg = o.err.Error()
			}
			job.Failures = append(job.Failures, types.PairFailure{Pair: pairs[i], Error: msg})
			failed++
			continue
		}
		job.Results = append(job.Results, types.PairResult{Pair: pairs[i], Result: o.result})
		succeeded++
	}
	s.mu.Unlock()

	s.metrics.RecordPairs(succeeded, failed)
}

// Wait 阻塞直到排程器閒置
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.RLock()
	idle := s.idle
	s.mu.RUnlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// 查詢
// ============================================================================

// GetBatchStatus 回傳批次進度
func (s *Scheduler) GetBatchStatus(id types.BatchID) (StatusReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	report := StatusReport{
		ID:          job.ID,
		Status:      job.Status,
		TotalPairs:  len(job.Pairs),
		Processed:   job.Processed(),
		Succeeded:   len(job.Results),
		Failed:      len(job.Failures),
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Duration:    job.Duration,
	}
	if report.TotalPairs > 0 {
		report.Progress = float64(report.Processed) / float64(report.TotalPairs) * 100
	}
	return report, nil
}

// GetBatchResults 分頁回傳批次結果
//
// 參數：
//   - page: 從 1 開始，小於 1 視為 1
//   - pageSize: 小於 1 時使用 DefaultPageSize
//
// TotalPages = ceil(max(成功數, 失敗數) / pageSize)
// ResultPages 與 FailurePages 分別為各清單自身的頁數
func (s *Scheduler) GetBatchResults(id types.BatchID, page, pageSize int) (ResultsPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return ResultsPage{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	resultPages := pageCount(len(job.Results), pageSize)
	failurePages := pageCount(len(job.Failures), pageSize)
	return ResultsPage{
		ID:            job.ID,
		Status:        job.Status,
		Page:          page,
		PageSize:      pageSize,
		TotalPages:    max(resultPages, failurePages),
		ResultPages:   resultPages,
		FailurePages:  failurePages,
		TotalResults:  len(job.Results),
		TotalFailures: len(job.Failures),
		Results:       pageOf(job.Results, page, pageSize),
		Failures:      pageOf(job.Failures, page, pageSize),
	}, nil
}

func pageCount(n, size int) int {
	return (n + size - 1) / size
}

func pageOf[T any](items []T, page, size int) []T {
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := min(start+size, len(items))
	return append([]T(nil), items[start:end]...)
}

// GetQueueStatus 回傳佇列狀態
func (s *Scheduler) GetQueueStatus() QueueStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	finished := 0
	for _, job := range s.jobs {
		if isFinished(job.Status) {
			finished++
		}
	}
	return QueueStatus{
		Queued:     len(s.queue),
		QueuedIDs:  append([]types.BatchID{}, s.queue...),
		Processing: s.processing,
		Current:    s.current,
		Finished:   finished,
	}
}

// GetStatistics 回傳全域統計
func (s *Scheduler) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ClearCompletedBatches 移除完成時間早於 olderThan 之前的已結束批次
//
// 返回值：
//   - int: 移除的批次數
func (s *Scheduler) ClearCompletedBatches(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if isFinished(job.Status) && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("Cleared completed batches", "removed", removed, "older_than", olderThan)
	}
	return removed
}

// ============================================================================
// 匯出 / 匯入
// ============================================================================

// FinishedJobs 回傳所有已結束批次的複本，依建立時間排序
func (s *Scheduler) FinishedJobs() []types.BatchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.BatchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if isFinished(job.Status) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RestoreFinished 載入先前匯出的已結束批次，只供查詢，不會重新處理
//
// 返回值：
//   - int: 載入的批次數 (略過未結束或 ID 已存在的批次)
func (s *Scheduler) RestoreFinished(jobs []types.BatchJob) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for i := range jobs {
		job := jobs[i]
		if !isFinished(job.Status) {
			continue
		}
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		j := copyJob(&job)
		s.jobs[job.ID] = &j
		loaded++
	}
	return loaded
}

func isFinished(status types.BatchStatus) bool {
	return status == types.BatchCompleted || status == types.BatchFailed
}

func copyJob(job *types.BatchJob) types.BatchJob {
	out := *job
	out.Pairs = append([]types.Pair(nil), job.Pairs...)
	out.Results = append([]types.PairResult{}, job.Results...)
	out.Failures = append([]types.PairFailure{}, job.Failures...)
	return out
}
