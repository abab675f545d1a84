package types

import "time"

// BatchID identifies a batch job.
type BatchID string

// BatchStatus is the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Pair is one (resume, job) combination inside a batch.
type Pair struct {
	SubjectAID string `json:"subject_a_id"`
	SubjectBID string `json:"subject_b_id"`
}

// PairResult is a successfully scored pair.
type PairResult struct {
	Pair
	Result *CompositeResult `json:"result"`
}

// PairFailure is a pair whose scoring request failed.
type PairFailure struct {
	Pair
	Error string `json:"error"`
}

// BatchJob is a queued expansion of two ID lists into all pairwise scoring requests.
// Mutated only by the batch scheduler.
type BatchJob struct {
	ID       BatchID       `json:"batch_id"`
	Pairs    []Pair        `json:"pairs"`
	Status   BatchStatus   `json:"status"`
	Results  []PairResult  `json:"results"`
	Failures []PairFailure `json:"failures"`
	Error    string        `json:"error,omitempty"`

	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Processed returns the number of pairs that reached a terminal state.
func (b *BatchJob) Processed() int {
	return len(b.Results) + len(b.Failures)
}
