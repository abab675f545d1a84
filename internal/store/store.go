// ============================================================================
// fork-scorer Store Contracts
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Data-store capabilities consumed by the fork manager, the execution
//          harness and the coordinator.
//
// Implementations:
//   - internal/store/postgres: pgx-backed, forks are real databases
//   - internal/store/memory:   in-process, used by tests and demo mode
//
// Locations:
//   A location is an opaque connection target understood by the Connector that
//   produced it. The primary location always exists; isolated locations are
//   created by the Provisioner and removed with Drop.
//
// ============================================================================

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

var (
	// ErrSubjectNotFound is returned by Conn.LoadSubject when no row matches the ID.
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrUnsupported is returned when a provisioning primitive is not available.
	ErrUnsupported = errors.New("operation not supported by store")
)

// Provisioner creates and removes isolated copies of the primary data.
type Provisioner interface {
	// CloneCopyOnWrite creates a copy-on-write clone of the primary store named name.
	CloneCopyOnWrite(ctx context.Context, name string) (string, error)
	// CopyFromTemplate creates a full logical copy from the template store.
	CopyFromTemplate(ctx context.Context, name string) (string, error)
	// PrimaryLocation is the location of the shared primary store.
	PrimaryLocation() string
	// Drop removes an isolated location. Dropping the primary location is an error.
	Drop(ctx context.Context, location string) error
}

// Connector opens connection-scoped handles to a location.
type Connector interface {
	Connect(ctx context.Context, location string) (Conn, error)
}

// Conn is a single logical connection exclusively owned by one harness.
type Conn interface {
	Ping(ctx context.Context) error
	LoadSubject(ctx context.Context, kind types.SubjectKind, id string) (*types.Subject, error)
	Close(ctx context.Context) error
}

// ForkRecorder is the durable fork status table.
type ForkRecorder interface {
	SaveFork(ctx context.Context, fork types.Fork) error
	DeleteForksBefore(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
}

// ResultStore persists completed strategy results keyed by strategy type.
// SaveResult must be idempotent per fork ID.
type ResultStore interface {
	SaveResult(ctx context.Context, fork types.Fork, result map[string]any) error
}

// AnalyticsStore persists weight-adjustment analytics records.
type AnalyticsStore interface {
	SaveWeightAdjustment(ctx context.Context, rec types.WeightAdjustment) error
}

// MetadataSource looks up job hints used for dynamic weighting.
type MetadataSource interface {
	JobMetadata(ctx context.Context, jobID string) (types.JobMetadata, error)
}

// Fixtures is the JSON seed format shared by every store implementation.
type Fixtures struct {
	Resumes []ResumeFixture `json:"resumes"`
	Jobs    []JobFixture    `json:"jobs"`
}

type ResumeFixture struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

type JobFixture struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data"`
}

// ReadFixtures parses a fixtures file.
func ReadFixtures(path string) (*Fixtures, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var fx Fixtures
	if err := json.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return &fx, nil
}
