package types

import (
	"math"
	"time"
)

// AgentStatus is the terminal status of one strategy inside a scoring request.
type AgentStatus string

const (
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// AgentOutcome wraps the result of one strategy for aggregation.
type AgentOutcome struct {
	Strategy   StrategyType   `json:"strategy"`
	Status     AgentStatus    `json:"status"`
	Score      float64        `json:"score"`
	DurationMs int64          `json:"duration_ms"`
	ForkID     ForkID         `json:"fork_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ============================================================================
// Weights
// ============================================================================

// WeightVector maps each scoring dimension to a weight in [0,1].
type WeightVector map[StrategyType]float64

// DefaultWeights returns the fixed static weight vector.
func DefaultWeights() WeightVector {
	return WeightVector{
		StrategySkill:         0.25,
		StrategySemantic:      0.20,
		StrategyExperience:    0.20,
		StrategyEducation:     0.20,
		StrategyCertification: 0.15,
	}
}

// Sum returns the total weight over the fixed dimensions.
func (w WeightVector) Sum() float64 {
	total := 0.0
	for _, d := range Dimensions {
		total += w[d]
	}
	return total
}

// Clone returns an independent copy.
func (w WeightVector) Clone() WeightVector {
	out := make(WeightVector, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Normalized scales the vector so the fixed dimensions sum to 1.0.
// Negative or non-finite entries are treated as zero; an all-zero vector
// falls back to DefaultWeights.
func (w WeightVector) Normalized() WeightVector {
	out := make(WeightVector, len(Dimensions))
	total := 0.0
	for _, d := range Dimensions {
		v := w[d]
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[d] = v
		total += v
	}
	if total <= 0 {
		return DefaultWeights()
	}
	for _, d := range Dimensions {
		out[d] /= total
	}
	return out
}

// WeightSource records where a weight vector came from.
type WeightSource string

const (
	WeightsDynamic  WeightSource = "dynamic"
	WeightsStatic   WeightSource = "static"
	WeightsFallback WeightSource = "fallback"
)

// WeightProfile is a resolved weight vector together with its provenance.
type WeightProfile struct {
	Weights    WeightVector `json:"weights"`
	Source     WeightSource `json:"source"`
	Industry   string       `json:"industry,omitempty"`
	Role       string       `json:"role,omitempty"`
	Seniority  string       `json:"seniority,omitempty"`
	Confidence float64      `json:"confidence"`
}

// WeightAdjustment is the analytics record persisted per scored pair.
type WeightAdjustment struct {
	ID             string       `json:"id"`
	SubjectAID     string       `json:"subject_a_id"`
	SubjectBID     string       `json:"subject_b_id"`
	Weights        WeightVector `json:"weights"`
	Source         WeightSource `json:"source"`
	Industry       string       `json:"industry,omitempty"`
	Role           string       `json:"role,omitempty"`
	Seniority      string       `json:"seniority,omitempty"`
	Confidence     float64      `json:"confidence"`
	CompositeScore float64      `json:"composite_score"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ============================================================================
// Composite result
// ============================================================================

// CompositeResult aggregates every AgentOutcome of one scoring request.
type CompositeResult struct {
	SubjectAID      string                        `json:"subject_a_id"`
	SubjectBID      string                        `json:"subject_b_id"`
	CompositeScore  float64                       `json:"composite_score"`
	Scores          map[StrategyType]float64      `json:"scores"`
	Statuses        map[StrategyType]AgentStatus  `json:"statuses"`
	Outcomes        map[StrategyType]AgentOutcome `json:"outcomes"`
	Weights         WeightProfile                 `json:"weights"`
	AgentsCompleted int                           `json:"agents_completed"`
	AgentsTotal     int                           `json:"agents_total"`
	TotalDurationMs int64                         `json:"total_duration_ms"`
	CompletedAt     time.Time                     `json:"completed_at"`
}
