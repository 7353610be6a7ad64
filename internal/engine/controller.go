package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Controller owns batch lifecycles: it creates batches, launches and signals
// schedulers and serialises concurrent lifecycle calls per batch so the
// state-machine checks stay race free.
type Controller struct {
	store     Store
	invokers  InvokerFactory
	rows      RowSource
	sink      ResultSink
	artifacts ArtifactRemover
	notifier  Notifier
	clock     Clock
	tracker   *ProgressTracker

	baseCtx          context.Context
	maxActiveBatches int

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	locks      map[string]*sync.Mutex
}

// ControllerOptions wires the controller's collaborators. Notifier, Tracker
// and Artifacts are optional.
type ControllerOptions struct {
	Store            Store
	Invokers         InvokerFactory
	Rows             RowSource
	Sink             ResultSink
	Artifacts        ArtifactRemover
	Notifier         Notifier
	Clock            Clock
	Tracker          *ProgressTracker
	MaxActiveBatches int
}

// DefaultMaxActiveBatches bounds how many batches may run at once in a
// single process.
const DefaultMaxActiveBatches = 10

// NewController creates a controller. The base context bounds the lifetime
// of every scheduler it launches.
func NewController(baseCtx context.Context, opts ControllerOptions) *Controller {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.MaxActiveBatches <= 0 {
		opts.MaxActiveBatches = DefaultMaxActiveBatches
	}
	return &Controller{
		store:            opts.Store,
		invokers:         opts.Invokers,
		rows:             opts.Rows,
		sink:             opts.Sink,
		artifacts:        opts.Artifacts,
		notifier:         opts.Notifier,
		clock:            opts.Clock,
		tracker:          opts.Tracker,
		baseCtx:          baseCtx,
		maxActiveBatches: opts.MaxActiveBatches,
		schedulers:       make(map[string]*Scheduler),
		locks:            make(map[string]*sync.Mutex),
	}
}

// batchLock returns the lifecycle mutex for one batch, creating it on first
// use.
func (c *Controller) batchLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Controller) scheduler(id string) *Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedulers[id]
}

func (c *Controller) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.schedulers)
}

// CreateBatch reads the source rows, persists the batch and one pending
// execution per row, and returns the created batch in pending state.
func (c *Controller) CreateBatch(ctx context.Context, workflowRef, sourceRef string, opts BatchOptions) (*Batch, error) {
	span := sentry.StartSpan(ctx, "controller.create_batch")
	defer span.Finish()

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.invokers.Invoker(workflowRef); err != nil {
		return nil, fmt.Errorf("%w: unknown workflow %q", ErrValidationFailed, workflowRef)
	}

	rows, err := c.rows.Rows(ctx, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("%w: read source rows: %v", ErrValidationFailed, err)
	}

	batch := &Batch{
		ID:             uuid.New().String(),
		Name:           opts.Name,
		WorkflowRef:    workflowRef,
		SourceRef:      sourceRef,
		MaxConcurrency: opts.MaxConcurrency,
		RetryCount:     opts.RetryCount,
		TimeoutPerCall: opts.TimeoutPerCall,
		Status:         BatchStatusPending,
		Total:          len(rows),
		CreatedAt:      c.clock.Now(),
	}

	if err := c.store.CreateBatch(ctx, batch); err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("create batch: %w", err)
	}
	if err := c.store.CreateExecutions(ctx, batch.ID, rows); err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("create executions: %w", err)
	}

	log.Info().
		Str("batch_id", batch.ID).
		Str("workflow_ref", workflowRef).
		Int("total", batch.Total).
		Msg("Batch created")

	return batch, nil
}

// StartBatch moves a pending batch to running and launches its scheduler.
func (c *Controller) StartBatch(ctx context.Context, id string) error {
	span := sentry.StartSpan(ctx, "controller.start_batch")
	defer span.Finish()

	lock := c.batchLock(id)
	lock.Lock()
	defer lock.Unlock()

	if c.scheduler(id) != nil {
		return fmt.Errorf("%w: batch %s is already running", ErrInvalidStateTransition, id)
	}
	if c.activeCount() >= c.maxActiveBatches {
		return fmt.Errorf("%w: %d batches already active", ErrCapacityExceeded, c.maxActiveBatches)
	}

	batch, err := c.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if batch.Status != BatchStatusPending {
		return fmt.Errorf("%w: cannot start batch in state %s", ErrInvalidStateTransition, batch.Status)
	}

	invoker, err := c.invokers.Invoker(batch.WorkflowRef)
	if err != nil {
		return fmt.Errorf("%w: unknown workflow %q", ErrValidationFailed, batch.WorkflowRef)
	}

	now := c.clock.Now()
	if err := c.store.UpdateBatchState(ctx, id, BatchStatusRunning, BatchPatch{StartedAt: &now}); err != nil {
		return err
	}
	batch.Status = BatchStatusRunning
	batch.StartedAt = &now

	c.launch(batch, invoker)
	log.Info().Str("batch_id", id).Msg("Batch started")
	return nil
}

// launch registers and starts a scheduler for the batch and arranges its
// removal from the registry once it exits.
func (c *Controller) launch(batch *Batch, invoker Invoker) {
	s := newScheduler(batch, c.store, invoker, c.sink, c.notifier, c.clock)

	c.mu.Lock()
	c.schedulers[batch.ID] = s
	c.mu.Unlock()

	s.Start(c.baseCtx)
	if c.tracker != nil {
		c.tracker.Track(batch.ID)
	}

	go func() {
		<-s.Done()
		c.mu.Lock()
		if c.schedulers[batch.ID] == s {
			delete(c.schedulers, batch.ID)
		}
		c.mu.Unlock()
	}()
}

// PauseBatch stops the batch's scheduler from claiming new executions.
// In-flight rows run to completion before the batch reports paused.
func (c *Controller) PauseBatch(ctx context.Context, id string) error {
	lock := c.batchLock(id)
	lock.Lock()
	defer lock.Unlock()

	batch, err := c.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if batch.Status != BatchStatusRunning {
		return fmt.Errorf("%w: cannot pause batch in state %s", ErrInvalidStateTransition, batch.Status)
	}
	s := c.scheduler(id)
	if s == nil {
		return fmt.Errorf("%w: batch %s has no active scheduler", ErrInvalidStateTransition, id)
	}
	s.Pause()
	log.Info().Str("batch_id", id).Msg("Batch pause requested")
	return nil
}

// ResumeBatch returns a paused batch to running. When the process restarted
// since the pause there is no live scheduler; a fresh one is launched over
// the remaining pending executions.
func (c *Controller) ResumeBatch(ctx context.Context, id string) error {
	lock := c.batchLock(id)
	lock.Lock()
	defer lock.Unlock()

	batch, err := c.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if batch.Status != BatchStatusPaused {
		return fmt.Errorf("%w: cannot resume batch in state %s", ErrInvalidStateTransition, batch.Status)
	}

	if err := c.store.UpdateBatchState(ctx, id, BatchStatusRunning, BatchPatch{}); err != nil {
		return err
	}
	batch.Status = BatchStatusRunning

	if s := c.scheduler(id); s != nil {
		s.Resume()
	} else {
		invoker, err := c.invokers.Invoker(batch.WorkflowRef)
		if err != nil {
			return fmt.Errorf("%w: unknown workflow %q", ErrValidationFailed, batch.WorkflowRef)
		}
		c.launch(batch, invoker)
	}
	log.Info().Str("batch_id", id).Msg("Batch resumed")
	return nil
}

// StopBatch cancels the batch's scheduler, waits for in-flight workers to
// settle and marks the batch cancelled unless it already reached a terminal
// state.
func (c *Controller) StopBatch(ctx context.Context, id string) error {
	span := sentry.StartSpan(ctx, "controller.stop_batch")
	defer span.Finish()

	lock := c.batchLock(id)
	lock.Lock()
	defer lock.Unlock()

	return c.stopLocked(ctx, id)
}

func (c *Controller) stopLocked(ctx context.Context, id string) error {
	c.mu.Lock()
	s := c.schedulers[id]
	delete(c.schedulers, id)
	c.mu.Unlock()

	if s != nil {
		s.Stop()
	}

	batch, err := c.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return nil
	}

	now := c.clock.Now()
	if err := c.store.UpdateBatchState(ctx, id, BatchStatusCancelled, BatchPatch{CompletedAt: &now}); err != nil {
		return err
	}
	log.Info().Str("batch_id", id).Msg("Batch cancelled")
	return nil
}

// DeleteBatch stops the batch if needed, removes its artifacts and cascades
// the delete to its executions.
func (c *Controller) DeleteBatch(ctx context.Context, id string) error {
	span := sentry.StartSpan(ctx, "controller.delete_batch")
	defer span.Finish()

	lock := c.batchLock(id)
	lock.Lock()
	defer lock.Unlock()

	batch, err := c.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if !batch.Status.IsTerminal() {
		if err := c.stopLocked(ctx, id); err != nil {
			return err
		}
	}

	c.removeArtifacts(ctx, batch)

	if err := c.store.DeleteBatch(ctx, id); err != nil {
		return err
	}
	log.Info().Str("batch_id", id).Msg("Batch deleted")
	return nil
}

func (c *Controller) removeArtifacts(ctx context.Context, batch *Batch) {
	if c.artifacts == nil {
		return
	}
	refs := []string{batch.SourceRef}
	if batch.ResultRef != nil {
		refs = append(refs, *batch.ResultRef)
	}
	if err := c.artifacts.Remove(ctx, refs...); err != nil {
		log.Warn().Err(err).Str("batch_id", batch.ID).Msg("Failed to remove batch artifacts")
	}
}

// RetryExecution resets one failed execution to pending with a fresh retry
// budget and reopens the batch when it already finished.
func (c *Controller) RetryExecution(ctx context.Context, batchID, executionID string) error {
	span := sentry.StartSpan(ctx, "controller.retry_execution")
	defer span.Finish()

	lock := c.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	applied, err := c.store.TransitionExecution(ctx, executionID, ExecutionStatusFailed, ExecutionStatusPending, ExecutionPatch{
		ClearResult:  true,
		ResetRetries: true,
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: execution %s is not in failed state", ErrInvalidStateTransition, executionID)
	}
	if err := c.store.BumpBatchCounter(ctx, batchID, CounterFailed, -1); err != nil {
		return err
	}

	log.Info().
		Str("batch_id", batchID).
		Str("execution_id", executionID).
		Msg("Execution reset for retry")

	return c.reopenLocked(ctx, batchID)
}

// RetryAllFailed resets every failed execution of the batch to pending,
// zeroes the failed counter and reopens the batch when it already finished.
func (c *Controller) RetryAllFailed(ctx context.Context, batchID string) error {
	span := sentry.StartSpan(ctx, "controller.retry_all_failed")
	defer span.Finish()

	lock := c.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	n, err := c.store.ResetFailedExecutions(ctx, batchID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	log.Info().Str("batch_id", batchID).Int("reset", n).Msg("Failed executions reset for retry")

	return c.reopenLocked(ctx, batchID)
}

// reopenLocked restarts work on a batch after a retry reset: finished
// batches go back to running with a fresh scheduler over the pending set,
// a live scheduler is just woken. Callers hold the batch lock.
func (c *Controller) reopenLocked(ctx context.Context, batchID string) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	switch batch.Status {
	case BatchStatusCompleted, BatchStatusFailed:
		if c.activeCount() >= c.maxActiveBatches {
			return fmt.Errorf("%w: %d batches already active", ErrCapacityExceeded, c.maxActiveBatches)
		}
		invoker, err := c.invokers.Invoker(batch.WorkflowRef)
		if err != nil {
			return fmt.Errorf("%w: unknown workflow %q", ErrValidationFailed, batch.WorkflowRef)
		}
		if err := c.store.UpdateBatchState(ctx, batchID, BatchStatusRunning, BatchPatch{}); err != nil {
			return err
		}
		batch.Status = BatchStatusRunning
		c.launch(batch, invoker)
		log.Info().Str("batch_id", batchID).Msg("Batch reopened")
	case BatchStatusRunning:
		if s := c.scheduler(batchID); s != nil {
			s.Wake()
		}
	}
	return nil
}

// resumeRecovered launches a scheduler over a batch's surviving pending set
// without touching its state. Used by the startup recovery pass; the batch
// is already in running state.
func (c *Controller) resumeRecovered(batch *Batch) error {
	lock := c.batchLock(batch.ID)
	lock.Lock()
	defer lock.Unlock()

	if c.scheduler(batch.ID) != nil {
		return nil
	}
	invoker, err := c.invokers.Invoker(batch.WorkflowRef)
	if err != nil {
		return fmt.Errorf("resolve workflow %q: %w", batch.WorkflowRef, err)
	}
	c.launch(batch, invoker)
	return nil
}

// WakeBatch nudges the batch's scheduler to re-poll for claimable work.
func (c *Controller) WakeBatch(id string) {
	if s := c.scheduler(id); s != nil {
		s.Wake()
	}
}

// GetBatch returns the persisted batch snapshot.
func (c *Controller) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return c.store.GetBatch(ctx, id)
}

// ListBatches returns a page of batch snapshots matching the filter.
func (c *Controller) ListBatches(ctx context.Context, filter ListFilter, page, size int) ([]*Batch, error) {
	return c.store.ListBatches(ctx, filter, page, size)
}

// GetFailedExecutions returns the batch's failed executions.
func (c *Controller) GetFailedExecutions(ctx context.Context, batchID string) ([]*Execution, error) {
	return c.store.FindExecutions(ctx, batchID, ExecutionStatusFailed)
}

// GetBatchStats returns execution statistics for one batch.
func (c *Controller) GetBatchStats(ctx context.Context, batchID string) (*BatchStats, error) {
	return c.store.BatchStats(ctx, batchID)
}

// GetProgress returns the latest progress snapshot for the batch, if any.
func (c *Controller) GetProgress(ctx context.Context, batchID string) (*ProgressSnapshot, error) {
	if c.tracker == nil {
		return nil, ErrNotFound
	}
	return c.tracker.GetProgress(ctx, batchID)
}

// CleanupOldBatches deletes terminal batches that finished before the
// retention window and removes their artifacts. Returns the number deleted.
func (c *Controller) CleanupOldBatches(ctx context.Context, retention time.Duration) (int, error) {
	span := sentry.StartSpan(ctx, "controller.cleanup_old_batches")
	defer span.Finish()

	cutoff := c.clock.Now().Add(-retention)
	deleted, err := c.store.DeleteTerminalBatchesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, b := range deleted {
		c.removeArtifacts(ctx, b)
	}
	if len(deleted) > 0 {
		log.Info().Int("deleted", len(deleted)).Time("cutoff", cutoff).Msg("Old batches cleaned up")
	}
	return len(deleted), nil
}

// Shutdown stops every active scheduler and waits for their workers to
// settle.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	scheds := make([]*Scheduler, 0, len(c.schedulers))
	for id, s := range c.schedulers {
		scheds = append(scheds, s)
		delete(c.schedulers, id)
	}
	c.mu.Unlock()

	for _, s := range scheds {
		s.Stop()
	}
	if c.tracker != nil {
		c.tracker.Shutdown()
	}
}
