package fork

import (
	"context"
	"time"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// HealthStatus summarizes the fork manager state.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"  // every capacity slot is taken
	Unhealthy HealthStatus = "unhealthy" // primary store unreachable
)

// HealthReport is returned by HealthCheck.
type HealthReport struct {
	Status    HealthStatus             `json:"status"`
	Counts    map[types.ForkStatus]int `json:"counts"`
	Active    int                      `json:"active"`
	Capacity  int                      `json:"capacity"`
	Error     string                   `json:"error,omitempty"`
	CheckedAt time.Time                `json:"checked_at"`
}

// HealthCheck reports fork counts by status and verifies the primary store
// is reachable. Connectivity failures are reported, never returned.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	counts := m.Counts()
	active := counts[types.ForkPending] + counts[types.ForkActive]

	report := HealthReport{
		Status:    Healthy,
		Counts:    counts,
		Active:    active,
		Capacity:  m.cfg.MaxActiveForks,
		CheckedAt: m.now(),
	}

	if m.recorder != nil {
		if err := m.recorder.Ping(ctx); err != nil {
			report.Status = Unhealthy
			report.Error = err.Error()
			m.log.Warn("Fork manager health check failed", "error", err)
			return report
		}
	}

	if active >= m.cfg.MaxActiveForks {
		report.Status = Degraded
	}
	return report
}
