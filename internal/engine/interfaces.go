package engine

import (
	"context"
	"time"
)

// Counter names one of the batch aggregate counters.
type Counter string

const (
	CounterCompleted Counter = "completed"
	CounterFailed    Counter = "failed"
	CounterSkipped   Counter = "skipped"
)

// ExecutionPatch describes the fields written alongside an execution state
// transition. Nil fields are left untouched; ClearResult wipes outputs,
// error, stamps and execution time (retry and recovery resets).
type ExecutionPatch struct {
	Outputs       map[string]any
	ErrorMessage  *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExecutionSecs *float64
	RetriesDelta  int
	ResetRetries  bool
	NextAttemptAt *time.Time
	ClearResult   bool
}

// BatchPatch describes the fields written alongside a batch state transition.
type BatchPatch struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	ResultRef    *string
}

// Store owns all persistence. Scheduler and Controller mutate entities only
// through its operations; conditional transitions carry the optimistic
// from-state guard that prevents double accounting.
type Store interface {
	CreateBatch(ctx context.Context, batch *Batch) error
	// CreateExecutions persists one pending execution per row in a single
	// transaction and sets the batch total.
	CreateExecutions(ctx context.Context, batchID string, rows []Row) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, filter ListFilter, page, size int) ([]*Batch, error)
	DeleteBatch(ctx context.Context, id string) error

	ListExecutions(ctx context.Context, batchID string) ([]*Execution, error)
	FindExecutions(ctx context.Context, batchID string, status ExecutionStatus) ([]*Execution, error)
	// ClaimNextExecution atomically moves the lowest-indexed eligible pending
	// execution to running and returns it. Returns nil when nothing is
	// claimable.
	ClaimNextExecution(ctx context.Context, batchID string) (*Execution, error)
	// TransitionExecution applies patch iff the execution is currently in
	// from. Reports whether the write was applied.
	TransitionExecution(ctx context.Context, id string, from, to ExecutionStatus, patch ExecutionPatch) (bool, error)
	BumpBatchCounter(ctx context.Context, batchID string, counter Counter, delta int) error
	// UpdateBatchState moves the batch to the given state, enforcing the
	// allowed-transition table. Disallowed moves fail with
	// ErrInvalidStateTransition and write nothing.
	UpdateBatchState(ctx context.Context, id string, to BatchStatus, patch BatchPatch) error

	RunningBatches(ctx context.Context) ([]*Batch, error)
	ExecutionStateCounts(ctx context.Context, batchID string) (map[ExecutionStatus]int, error)
	// ResetRunningExecutions returns orphaned running executions to pending,
	// clearing their stamps. Returns the number reset.
	ResetRunningExecutions(ctx context.Context, batchID string) (int, error)
	// ResetFailedExecutions returns all failed executions to pending and
	// zeroes the batch failed counter in one transaction. Returns the number
	// reset.
	ResetFailedExecutions(ctx context.Context, batchID string) (int, error)
	// RecomputeBatchCounters rebuilds the batch counters from execution
	// states and returns the refreshed batch.
	RecomputeBatchCounters(ctx context.Context, batchID string) (*Batch, error)
	BatchStats(ctx context.Context, batchID string) (*BatchStats, error)
	// DeleteTerminalBatchesBefore removes terminal batches whose run finished
	// before cutoff. Returns the deleted batches so callers can clean up
	// their artifacts.
	DeleteTerminalBatchesBefore(ctx context.Context, cutoff time.Time) ([]*Batch, error)
}

// Invoker performs one remote workflow invocation. The context carries the
// per-call deadline; errors should be classified via InvokerError.
type Invoker interface {
	Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// InvokerFactory resolves a workflow reference to an invoker for it.
type InvokerFactory interface {
	Invoker(workflowRef string) (Invoker, error)
}

// RowSource enumerates the input rows of a source artifact in ascending
// row index.
type RowSource interface {
	Rows(ctx context.Context, sourceRef string) ([]Row, error)
}

// ResultSink materialises the downloadable result artifact for a batch.
// Row i of the artifact corresponds to the result with RowIndex i.
type ResultSink interface {
	Assemble(ctx context.Context, batch *Batch, results []RowResult) (resultRef string, err error)
}

// ArtifactRemover deletes source and result artifacts when a batch is
// deleted.
type ArtifactRemover interface {
	Remove(ctx context.Context, refs ...string) error
}

// Clock abstracts time for the scheduler and tracker so tests can drive it.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Notifier is told about finished batches. Delivery failures are logged by
// callers, never propagated.
type Notifier interface {
	BatchFinished(ctx context.Context, batch *Batch) error
}

// ProgressCache stores progress snapshots for read paths. Get returns
// (nil, nil) on a miss.
type ProgressCache interface {
	Put(ctx context.Context, snapshot *ProgressSnapshot, ttl time.Duration) error
	Get(ctx context.Context, batchID string) (*ProgressSnapshot, error)
}
