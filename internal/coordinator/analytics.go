package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fork-scorer/internal/store"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

const (
	DefaultAnalyticsBuffer = 256
	analyticsWriteTimeout  = 5 * time.Second
)

// AnalyticsSink writes weight-adjustment records in the background.
// Submit never blocks and never fails; write errors and drops are logged.
type AnalyticsSink struct {
	store store.AnalyticsStore
	log   *slog.Logger

	mu     sync.RWMutex
	ch     chan types.WeightAdjustment
	closed bool
	wg     sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAnalyticsSink starts the background writer.
func NewAnalyticsSink(st store.AnalyticsStore, buffer int, log *slog.Logger) *AnalyticsSink {
	if buffer <= 0 {
		buffer = DefaultAnalyticsBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	s := &AnalyticsSink{
		store: st,
		log:   log,
		ch:    make(chan types.WeightAdjustment, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AnalyticsSink) run() {
	defer s.wg.Done()
	for rec := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), analyticsWriteTimeout)
		err := s.store.SaveWeightAdjustment(ctx, rec)
		cancel()
		if err != nil {
			s.failed.Add(1)
			s.log.Warn("Failed to store weight analytics",
				"subject_a", rec.SubjectAID,
				"subject_b", rec.SubjectBID,
				"error", err)
			continue
		}
		s.written.Add(1)
	}
}

// Submit queues a record.
func (s *AnalyticsSink) Submit(rec types.WeightAdjustment) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
		s.log.Warn("Weight analytics buffer full, record dropped",
			"subject_a", rec.SubjectAID,
			"subject_b", rec.SubjectBID)
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (s *AnalyticsSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

// Stats returns written, failed and dropped counts.
func (s *AnalyticsSink) Stats() (written, failed, dropped uint64) {
	return s.written.Load(), s.failed.Load(), s.dropped.Load()
}
