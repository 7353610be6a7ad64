package engine

import (
	"fmt"
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusPaused    BatchStatus = "paused"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch has finished its run. Completed and
// failed batches may still be reopened by the retry operations.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// allowedBatchTransitions is the batch state machine. Completed and failed
// re-enter running only through the retry operations; cancelled is final.
var allowedBatchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPending:   {BatchStatusRunning, BatchStatusCancelled},
	BatchStatusRunning:   {BatchStatusPaused, BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled},
	BatchStatusPaused:    {BatchStatusRunning, BatchStatusCancelled},
	BatchStatusCompleted: {BatchStatusRunning},
	BatchStatusFailed:    {BatchStatusRunning},
	BatchStatusCancelled: {},
}

// CanTransition reports whether a batch may move from one state to another.
func CanTransition(from, to BatchStatus) bool {
	for _, t := range allowedBatchTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ExecutionStatus represents the state of a single row's invocation.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// IsTerminal reports whether the execution has reached a final state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusSkipped:
		return true
	}
	return false
}

// Batch is a user-submitted unit of work: a row set, a workflow reference
// and runtime options. Counters are aggregates of execution states and are
// exact at quiescent points.
type Batch struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	WorkflowRef    string        `json:"workflow_ref"`
	SourceRef      string        `json:"source_ref"`
	ResultRef      *string       `json:"result_ref,omitempty"`
	MaxConcurrency int           `json:"max_concurrency"`
	RetryCount     int           `json:"retry_count"`
	TimeoutPerCall time.Duration `json:"timeout_per_call"`
	Status         BatchStatus   `json:"status"`
	Total          int           `json:"total"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	ErrorMessage   *string       `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Execution is one row's invocation attempt-group, the unit of retry and
// state tracking. Outputs are set only on success, ErrorMessage only on
// failure.
type Execution struct {
	ID            string          `json:"id"`
	BatchID       string          `json:"batch_id"`
	RowIndex      int             `json:"row_index"`
	Inputs        map[string]any  `json:"inputs"`
	Outputs       map[string]any  `json:"outputs,omitempty"`
	Status        ExecutionStatus `json:"status"`
	RetriesUsed   int             `json:"retries_used"`
	ExecutionSecs *float64        `json:"execution_seconds,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Row is one input row drawn from a source artifact.
type Row struct {
	Index  int
	Inputs map[string]any
}

// RowResult carries one execution's outcome to the result sink, keyed by
// its source row index.
type RowResult struct {
	RowIndex     int
	Status       ExecutionStatus
	Outputs      map[string]any
	ErrorMessage string
}

// BatchOptions are the runtime parameters supplied at batch creation.
type BatchOptions struct {
	Name           string
	MaxConcurrency int
	RetryCount     int
	TimeoutPerCall time.Duration
}

// Validate checks option bounds. Violations wrap ErrValidationFailed.
func (o *BatchOptions) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidationFailed)
	}
	if o.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be at least 1", ErrValidationFailed)
	}
	if o.RetryCount < 0 {
		return fmt.Errorf("%w: retry count cannot be negative", ErrValidationFailed)
	}
	if o.TimeoutPerCall <= 0 {
		return fmt.Errorf("%w: timeout per call must be positive", ErrValidationFailed)
	}
	return nil
}

// ProgressSnapshot is a point-in-time aggregation of a batch's executions.
type ProgressSnapshot struct {
	BatchID            string      `json:"batch_id"`
	Status             BatchStatus `json:"status"`
	Total              int         `json:"total"`
	Pending            int         `json:"pending"`
	Running            int         `json:"running"`
	Completed          int         `json:"completed"`
	Failed             int         `json:"failed"`
	Skipped            int         `json:"skipped"`
	ProgressPercentage float64     `json:"progress_percentage"`
	AvgExecutionSecs   *float64    `json:"avg_execution_seconds,omitempty"`
	EstimatedRemaining *float64    `json:"estimated_remaining_seconds,omitempty"`
	ObservedAt         time.Time   `json:"observed_at"`
}

// BatchStats summarises a batch's executions for reporting.
type BatchStats struct {
	BatchID          string                  `json:"batch_id"`
	StateCounts      map[ExecutionStatus]int `json:"state_counts"`
	AvgExecutionSecs *float64                `json:"avg_execution_seconds,omitempty"`
	SuccessRate      float64                 `json:"success_rate"`
}

// ListFilter narrows ListBatches results. Zero values match everything.
type ListFilter struct {
	Status      BatchStatus
	WorkflowRef string
}
