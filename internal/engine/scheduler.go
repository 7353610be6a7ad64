package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/spreadrun/spreadrun/internal/observability"
)

// defaultPollInterval is how long the dispatcher waits when no execution is
// claimable but work is still outstanding (rows in flight or in backoff).
const defaultPollInterval = 500 * time.Millisecond

// Scheduler drives the executions of a single batch: it claims pending rows
// in index order, fans them out to at most MaxConcurrency workers, persists
// every outcome through the store and finalises the batch when every row has
// reached a terminal state.
type Scheduler struct {
	batch    *Batch
	store    Store
	invoker  Invoker
	sink     ResultSink
	notifier Notifier
	clock    Clock

	pollInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	resume chan struct{}

	mu     sync.Mutex
	paused bool
}

func newScheduler(batch *Batch, store Store, invoker Invoker, sink ResultSink, notifier Notifier, clock Clock) *Scheduler {
	return &Scheduler{
		batch:        batch,
		store:        store,
		invoker:      invoker,
		sink:         sink,
		notifier:     notifier,
		clock:        clock,
		pollInterval: defaultPollInterval,
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		resume:       make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. The scheduler runs until the batch
// finalises, the context is cancelled or Stop is called.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go s.run(ctx)
}

// Stop aborts all in-flight workers and blocks until they settle. Aborted
// executions are left in running state; recovery normalises them on the
// next startup.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Done is closed when the dispatch loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Wake nudges an idle dispatcher to re-poll immediately, e.g. after a
// failed execution was reset to pending.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pause stops the dispatcher from claiming new executions. In-flight
// workers run to completion, then the batch transitions to paused.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume unparks a paused dispatch loop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	sem := semaphore.NewWeighted(int64(s.batch.MaxConcurrency))
	var wg sync.WaitGroup

	log.Info().
		Str("batch_id", s.batch.ID).
		Int("max_concurrency", s.batch.MaxConcurrency).
		Int("retry_count", s.batch.RetryCount).
		Msg("Scheduler started")

	for {
		if ctx.Err() != nil {
			wg.Wait()
			return
		}

		if s.isPaused() {
			wg.Wait()
			if err := s.store.UpdateBatchState(ctx, s.batch.ID, BatchStatusPaused, BatchPatch{}); err != nil {
				log.Warn().Err(err).Str("batch_id", s.batch.ID).Msg("Failed to mark batch paused")
			} else {
				log.Info().Str("batch_id", s.batch.ID).Msg("Batch paused")
			}
			select {
			case <-ctx.Done():
				return
			case <-s.resume:
				continue
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return
		}
		if s.isPaused() {
			sem.Release(1)
			continue
		}

		exec, err := s.store.ClaimNextExecution(ctx, s.batch.ID)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				continue
			}
			wg.Wait()
			s.failBatch(ctx, fmt.Errorf("claim next execution: %w", err))
			return
		}

		if exec == nil {
			sem.Release(1)
			counts, err := s.store.ExecutionStateCounts(ctx, s.batch.ID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				wg.Wait()
				s.failBatch(ctx, fmt.Errorf("count execution states: %w", err))
				return
			}
			if counts[ExecutionStatusPending] == 0 && counts[ExecutionStatusRunning] == 0 {
				wg.Wait()
				s.finalize(ctx)
				return
			}
			// Rows are in flight or waiting out a backoff window.
			select {
			case <-s.wake:
			default:
				_ = s.clock.Sleep(ctx, s.pollInterval)
			}
			continue
		}

		wg.Add(1)
		go func(e *Execution) {
			defer wg.Done()
			defer sem.Release(1)
			s.runExecution(ctx, e)
		}(exec)
	}
}

// runExecution performs one claimed invocation and persists the outcome.
// Every transition is conditional on the row still being in running state,
// so a concurrent retry or recovery pass can never be double-counted.
func (s *Scheduler) runExecution(ctx context.Context, exec *Execution) {
	octx, span := observability.StartExecutionSpan(ctx, observability.ExecutionSpanInfo{
		BatchID:     s.batch.ID,
		ExecutionID: exec.ID,
		RowIndex:    exec.RowIndex,
		WorkflowRef: s.batch.WorkflowRef,
	})
	defer span.End()

	started := s.clock.Now()
	callCtx, cancel := context.WithTimeout(octx, s.batch.TimeoutPerCall)
	outputs, err := s.invoker.Invoke(callCtx, exec.Inputs)
	cancel()
	elapsed := s.clock.Now().Sub(started)

	if err == nil {
		now := s.clock.Now()
		secs := elapsed.Seconds()
		applied, terr := s.store.TransitionExecution(ctx, exec.ID, ExecutionStatusRunning, ExecutionStatusSuccess, ExecutionPatch{
			Outputs:       outputs,
			CompletedAt:   &now,
			ExecutionSecs: &secs,
		})
		if terr != nil {
			log.Error().Err(terr).Str("execution_id", exec.ID).Msg("Failed to record execution success")
			return
		}
		if applied {
			if cerr := s.store.BumpBatchCounter(ctx, s.batch.ID, CounterCompleted, 1); cerr != nil {
				log.Error().Err(cerr).Str("batch_id", s.batch.ID).Msg("Failed to bump completed counter")
			}
		}
		observability.RecordExecution(ctx, observability.ExecutionMetrics{
			BatchID:  s.batch.ID,
			Status:   string(ExecutionStatusSuccess),
			Duration: elapsed,
		})
		return
	}

	if ctx.Err() != nil {
		// The batch was cancelled mid-flight. Leave the row in running
		// state; recovery resets it on the next startup.
		return
	}

	if IsTransient(err) && exec.RetriesUsed < s.batch.RetryCount {
		next := s.clock.Now().Add(RetryBackoff(exec.RetriesUsed + 1))
		if _, terr := s.store.TransitionExecution(ctx, exec.ID, ExecutionStatusRunning, ExecutionStatusPending, ExecutionPatch{
			RetriesDelta:  1,
			NextAttemptAt: &next,
			ClearResult:   true,
		}); terr != nil {
			log.Error().Err(terr).Str("execution_id", exec.ID).Msg("Failed to requeue execution for retry")
			return
		}
		log.Debug().
			Str("batch_id", s.batch.ID).
			Str("execution_id", exec.ID).
			Int("row_index", exec.RowIndex).
			Int("retries_used", exec.RetriesUsed+1).
			Time("next_attempt_at", next).
			Err(err).
			Msg("Transient failure, retry scheduled")
		return
	}

	now := s.clock.Now()
	secs := elapsed.Seconds()
	msg := err.Error()
	applied, terr := s.store.TransitionExecution(ctx, exec.ID, ExecutionStatusRunning, ExecutionStatusFailed, ExecutionPatch{
		ErrorMessage:  &msg,
		CompletedAt:   &now,
		ExecutionSecs: &secs,
	})
	if terr != nil {
		log.Error().Err(terr).Str("execution_id", exec.ID).Msg("Failed to record execution failure")
		return
	}
	if applied {
		if cerr := s.store.BumpBatchCounter(ctx, s.batch.ID, CounterFailed, 1); cerr != nil {
			log.Error().Err(cerr).Str("batch_id", s.batch.ID).Msg("Failed to bump failed counter")
		}
	}
	log.Warn().
		Str("batch_id", s.batch.ID).
		Str("execution_id", exec.ID).
		Int("row_index", exec.RowIndex).
		Err(err).
		Msg("Execution failed")
	observability.RecordExecution(ctx, observability.ExecutionMetrics{
		BatchID:  s.batch.ID,
		Status:   string(ExecutionStatusFailed),
		Duration: elapsed,
	})
}

func (s *Scheduler) finalize(ctx context.Context) {
	if err := finalizeBatch(ctx, s.store, s.sink, s.notifier, s.clock, s.batch.ID); err != nil {
		log.Error().Err(err).Str("batch_id", s.batch.ID).Msg("Failed to finalise batch")
	}
}

func (s *Scheduler) failBatch(ctx context.Context, cause error) {
	sentry.CaptureException(cause)
	now := s.clock.Now()
	msg := cause.Error()
	if err := s.store.UpdateBatchState(ctx, s.batch.ID, BatchStatusFailed, BatchPatch{
		CompletedAt:  &now,
		ErrorMessage: &msg,
	}); err != nil {
		log.Error().Err(err).Str("batch_id", s.batch.ID).Msg("Failed to mark batch failed")
	}
	log.Error().Err(cause).Str("batch_id", s.batch.ID).Msg("Batch failed")
}

// finalizeBatch decides the batch's terminal state once no execution is
// pending or running, assembles the result artifact and records it. A row
// level failure does not fail the batch; only an incomplete row set or a
// sink error does. Shared by the scheduler and the recovery pass.
func finalizeBatch(ctx context.Context, store Store, sink ResultSink, notifier Notifier, clock Clock, batchID string) error {
	batch, err := store.RecomputeBatchCounters(ctx, batchID)
	if err != nil {
		return fmt.Errorf("recompute counters: %w", err)
	}

	now := clock.Now()

	if batch.Completed+batch.Failed+batch.Skipped < batch.Total {
		msg := "scheduler stopped before every row reached a terminal state"
		if err := store.UpdateBatchState(ctx, batchID, BatchStatusFailed, BatchPatch{
			CompletedAt:  &now,
			ErrorMessage: &msg,
		}); err != nil {
			return fmt.Errorf("mark batch failed: %w", err)
		}
		return nil
	}

	execs, err := store.ListExecutions(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	results := make([]RowResult, 0, len(execs))
	for _, e := range execs {
		r := RowResult{RowIndex: e.RowIndex, Status: e.Status, Outputs: e.Outputs}
		if e.ErrorMessage != nil {
			r.ErrorMessage = *e.ErrorMessage
		}
		results = append(results, r)
	}

	resultRef, err := sink.Assemble(ctx, batch, results)
	if err != nil {
		msg := fmt.Sprintf("assemble result artifact: %v", err)
		if uerr := store.UpdateBatchState(ctx, batchID, BatchStatusFailed, BatchPatch{
			CompletedAt:  &now,
			ErrorMessage: &msg,
		}); uerr != nil {
			return fmt.Errorf("mark batch failed after sink error: %w", uerr)
		}
		return fmt.Errorf("assemble result artifact: %w", err)
	}

	if err := store.UpdateBatchState(ctx, batchID, BatchStatusCompleted, BatchPatch{
		CompletedAt: &now,
		ResultRef:   &resultRef,
	}); err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}

	batch.Status = BatchStatusCompleted
	batch.ResultRef = &resultRef
	batch.CompletedAt = &now

	log.Info().
		Str("batch_id", batchID).
		Int("completed", batch.Completed).
		Int("failed", batch.Failed).
		Int("skipped", batch.Skipped).
		Str("result_ref", resultRef).
		Msg("Batch completed")

	if notifier != nil {
		if err := notifier.BatchFinished(ctx, batch); err != nil {
			log.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to deliver batch notification")
		}
	}
	return nil
}
