// ============================================================================
// fork-scorer Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 fork 生命週期、agent 執行與 batch 排程的運行指標
//
// 指標分類:
//
//   1. Fork 指標：
//      - scorer_forks_created_total{isolation}: 建立成功的 fork 數（依隔離模式）
//      - scorer_forks_rejected_total: 因容量上限被拒絕的建立請求
//      - scorer_forks_finished_total{status}: 進入終態的 fork 數
//      - scorer_forks_active: 當前佔用容量的 fork 數
//
//   2. Agent 指標：
//      - scorer_agent_duration_seconds{strategy,status}: 每個策略的執行時間分佈
//      - scorer_agent_timeouts_total{strategy}: 超時（advisory）次數
//      - scorer_composite_score: 綜合分數分佈（0-100）
//
//   3. Batch 指標：
//      - scorer_batches_enqueued_total / scorer_batches_finished_total{status}
//      - scorer_batch_pairs_total{outcome}: 已處理的 pair 數
//      - scorer_batch_queue_length: 排隊中的 batch 數
//      - scorer_batch_duration_seconds: batch 執行時間分佈
//
// 所有 Record* 方法對 nil Collector 為 no-op，元件可以不注入監控。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// Fork 指標
	forksCreated  *prometheus.CounterVec
	forksRejected prometheus.Counter
	forksFinished *prometheus.CounterVec
	forksActive   prometheus.Gauge

	// Agent 指標
	agentDuration  *prometheus.HistogramVec
	agentTimeouts  *prometheus.CounterVec
	compositeScore prometheus.Histogram

	// Batch 指標
	batchesEnqueued prometheus.Counter
	batchesFinished *prometheus.CounterVec
	batchPairs      *prometheus.CounterVec
	batchQueueLen   prometheus.Gauge
	batchDuration   prometheus.Histogram
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊器；傳入 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		forksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_forks_created_total",
			Help: "Total number of forks created, by isolation mode",
		}, []string{"isolation"}),
		forksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_forks_rejected_total",
			Help: "Total number of fork creations rejected by the active-fork cap",
		}),
		forksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_forks_finished_total",
			Help: "Total number of forks that reached a terminal status",
		}, []string{"status"}),
		forksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_forks_active",
			Help: "Current number of forks holding a capacity slot",
		}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorer_agent_duration_seconds",
			Help:    "Scoring strategy execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"strategy", "status"}),
		agentTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_agent_timeouts_total",
			Help: "Total number of strategies marked failed by the advisory timeout",
		}, []string{"strategy"}),
		compositeScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_composite_score",
			Help:    "Distribution of composite scores",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		batchesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_batches_enqueued_total",
			Help: "Total number of batch jobs accepted",
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_batches_finished_total",
			Help: "Total number of batch jobs that reached a terminal status",
		}, []string{"status"}),
		batchPairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_batch_pairs_total",
			Help: "Total number of batch pairs processed, by outcome",
		}, []string{"outcome"}),
		batchQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_batch_queue_length",
			Help: "Current number of batch jobs waiting or in flight",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_batch_duration_seconds",
			Help:    "Batch job processing time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.forksCreated,
		c.forksRejected,
		c.forksFinished,
		c.forksActive,
		c.agentDuration,
		c.agentTimeouts,
		c.compositeScore,
		c.batchesEnqueued,
		c.batchesFinished,
		c.batchPairs,
		c.batchQueueLen,
		c.batchDuration,
	)

	return c
}

// RecordForkCreated 記錄 fork 建立成功
func (c *Collector) RecordForkCreated(isolation string) {
	if c == nil {
		return
	}
	c.forksCreated.WithLabelValues(isolation).Inc()
}

// RecordForkRejected 記錄 fork 因容量上限被拒絕
func (c *Collector) RecordForkRejected() {
	if c == nil {
		return
	}
	c.forksRejected.Inc()
}

// RecordForkFinished 記錄 fork 進入終態
func (c *Collector) RecordForkFinished(status string) {
	if c == nil {
		return
	}
	c.forksFinished.WithLabelValues(status).Inc()
}

// SetActiveForks 更新當前 active fork 數
func (c *Collector) SetActiveForks(n int) {
	if c == nil {
		return
	}
	c.forksActive.Set(float64(n))
}

// RecordAgent 記錄單一策略的執行結果
func (c *Collector) RecordAgent(strategy, status string, seconds float64) {
	if c == nil {
		return
	}
	c.agentDuration.WithLabelValues(strategy, status).Observe(seconds)
}

// RecordAgentTimeout 記錄策略超時
func (c *Collector) RecordAgentTimeout(strategy string) {
	if c == nil {
		return
	}
	c.agentTimeouts.WithLabelValues(strategy).Inc()
}

// RecordComposite 記錄綜合分數
func (c *Collector) RecordComposite(score float64) {
	if c == nil {
		return
	}
	c.compositeScore.Observe(score)
}

// RecordBatchEnqueued 記錄 batch 入隊
func (c *Collector) RecordBatchEnqueued() {
	if c == nil {
		return
	}
	c.batchesEnqueued.Inc()
}

// RecordBatchFinished 記錄 batch 完成
func (c *Collector) RecordBatchFinished(status string, seconds float64) {
	if c == nil {
		return
	}
	c.batchesFinished.WithLabelValues(status).Inc()
	c.batchDuration.Observe(seconds)
}

// RecordPairs 記錄一個 chunk 處理完的 pair 數
func (c *Collector) RecordPairs(succeeded, failed int) {
	if c == nil {
		return
	}
	c.batchPairs.WithLabelValues("succeeded").Add(float64(succeeded))
	c.batchPairs.WithLabelValues("failed").Add(float64(failed))
}

// SetQueueLength 更新 batch 佇列長度
func (c *Collector) SetQueueLength(n int) {
	if c == nil {
		return
	}
	c.batchQueueLen.Set(float64(n))
}

// Handler 返回 /metrics 處理器
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（未啟動）
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: 指標來源；nil 時使用 prometheus.DefaultGatherer
func NewServer(port int, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
