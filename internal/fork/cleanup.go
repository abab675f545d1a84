package fork

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// Default sweep settings.
const (
	DefaultCleanupInterval = 30 * time.Minute
	DefaultRetention       = 24 * time.Hour
)

// CleanupReport counts what one sweep removed.
type CleanupReport struct {
	Memory  int `json:"memory"`  // forks removed from the in-memory index
	Durable int `json:"durable"` // rows removed from the durable fork table
	Dropped int `json:"dropped"` // isolated databases dropped
}

// CleanupExpired purges terminal forks whose terminal timestamp is older than
// retention, from the index and from durable storage, and drops their
// isolated copies. Non-terminal forks are never touched.
func (m *Manager) CleanupExpired(ctx context.Context, retention time.Duration) (CleanupReport, error) {
	cutoff := m.now().Add(-retention)

	var expired []types.Fork
	m.mu.Lock()
	for id, f := range m.forks {
		if f.Status.IsTerminal() && f.FinishedAt != nil && f.FinishedAt.Before(cutoff) {
			expired = append(expired, *f)
			delete(m.forks, id)
		}
	}
	m.mu.Unlock()

	report := CleanupReport{Memory: len(expired)}

	for _, f := range expired {
		if f.Isolation == types.IsolationLogical || f.DataLocation == "" {
			continue
		}
		if err := m.provisioner.Drop(ctx, f.DataLocation); err != nil {
			m.log.Warn("Failed to drop isolated copy",
				"fork_id", f.ID,
				"location", f.DataLocation,
				"error", err)
			continue
		}
		report.Dropped++
	}

	if m.recorder != nil {
		n, err := m.recorder.DeleteForksBefore(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("failed to purge durable forks: %w", err)
		}
		report.Durable = n
	}

	m.log.Info("Fork cleanup completed",
		"retention", retention,
		"memory", report.Memory,
		"durable", report.Durable,
		"dropped", report.Dropped)

	return report, nil
}

// RunCleanupLoop runs CleanupExpired every interval until ctx is done.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Fork cleanup loop stopped")
			return

		case <-ticker.C:
			if _, err := m.CleanupExpired(ctx, retention); err != nil {
				m.log.Error("Fork cleanup failed", "error", err)
			}
		}
	}
}
