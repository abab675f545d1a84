// Package types defines the core domain model shared by the fork-scorer packages.
package types

import (
	"time"
)

// ============================================================================
// Scoring dimensions
// ============================================================================

// StrategyType identifies a scoring strategy; each strategy owns one scoring dimension.
type StrategyType string

const (
	StrategySkill         StrategyType = "skill"
	StrategySemantic      StrategyType = "semantic"
	StrategyExperience    StrategyType = "experience"
	StrategyEducation     StrategyType = "education"
	StrategyCertification StrategyType = "certification"
)

// Dimensions is the fixed set of scoring dimensions in canonical order.
var Dimensions = []StrategyType{
	StrategySkill,
	StrategySemantic,
	StrategyExperience,
	StrategyEducation,
	StrategyCertification,
}

// ============================================================================
// Fork
// ============================================================================

// ForkID uniquely identifies one isolated execution context.
type ForkID string

// ForkStatus is the lifecycle state of a fork.
type ForkStatus string

const (
	ForkPending   ForkStatus = "pending"   // slot reserved, isolation being provisioned
	ForkActive    ForkStatus = "active"    // isolation provisioned, owned by one harness
	ForkCompleted ForkStatus = "completed" // terminal: strategy result stored
	ForkFailed    ForkStatus = "failed"    // terminal: error recorded
)

// IsTerminal reports whether no further transition is allowed.
func (s ForkStatus) IsTerminal() bool {
	return s == ForkCompleted || s == ForkFailed
}

// IsolationMode records which step of the isolation fallback chain produced the fork.
type IsolationMode string

const (
	IsolationCopyOnWrite  IsolationMode = "copy_on_write"
	IsolationTemplateCopy IsolationMode = "template_copy"
	IsolationLogical      IsolationMode = "logical"
)

// Fork represents one isolated execution context for a (strategy, subject pair).
type Fork struct {
	ID           ForkID        `json:"fork_id"`
	StrategyType StrategyType  `json:"strategy_type"`
	SubjectAID   string        `json:"subject_a_id"`
	SubjectBID   string        `json:"subject_b_id"`
	Status       ForkStatus    `json:"status"`
	Isolation    IsolationMode `json:"isolation_mode,omitempty"`
	DataLocation string        `json:"data_location,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`

	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ============================================================================
// Subjects
// ============================================================================

// SubjectKind distinguishes the two sides of a scoring request.
type SubjectKind string

const (
	SubjectResume SubjectKind = "resume"
	SubjectJob    SubjectKind = "job"
)

// Subject is one loaded side of a scoring request. Data is opaque to the core.
type Subject struct {
	ID   string         `json:"id"`
	Kind SubjectKind    `json:"kind"`
	Data map[string]any `json:"data"`
}

// JobMetadata carries the hints used for dynamic weighting.
type JobMetadata struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// ScoringRequest is one (resume, job) pair to be scored by every strategy.
type ScoringRequest struct {
	SubjectAID     string            `json:"subject_a_id"`
	SubjectBID     string            `json:"subject_b_id"`
	JobTitle       string            `json:"job_title,omitempty"`
	JobDescription string            `json:"job_description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// HasHints reports whether job metadata hints were supplied.
func (r ScoringRequest) HasHints() bool {
	return r.JobTitle != "" || r.JobDescription != ""
}
