package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Recovery normalises batches that were mid-run when the process died. It
// runs once at startup, before the controller accepts new work, and only
// reads what the store persisted: executions left in running state are
// returned to pending, fully finished batches are finalised, and the rest
// are handed back to the controller to resume. Running it again on the same
// store state changes nothing.
type Recovery struct {
	store      Store
	controller *Controller
	sink       ResultSink
	notifier   Notifier
	invokers   InvokerFactory
	clock      Clock
}

// NewRecovery wires the startup recovery pass.
func NewRecovery(store Store, controller *Controller, sink ResultSink, notifier Notifier, invokers InvokerFactory, clock Clock) *Recovery {
	if clock == nil {
		clock = SystemClock()
	}
	return &Recovery{
		store:      store,
		controller: controller,
		sink:       sink,
		notifier:   notifier,
		invokers:   invokers,
		clock:      clock,
	}
}

// Run recovers every batch left in running state.
func (r *Recovery) Run(ctx context.Context) error {
	batches, err := r.store.RunningBatches(ctx)
	if err != nil {
		return fmt.Errorf("load running batches: %w", err)
	}
	if len(batches) == 0 {
		log.Info().Msg("No batches to recover")
		return nil
	}

	log.Info().Int("batches", len(batches)).Msg("Recovering interrupted batches")

	for _, batch := range batches {
		if err := r.recoverBatch(ctx, batch); err != nil {
			log.Error().Err(err).Str("batch_id", batch.ID).Msg("Failed to recover batch")
		}
	}
	return nil
}

func (r *Recovery) recoverBatch(ctx context.Context, batch *Batch) error {
	reset, err := r.store.ResetRunningExecutions(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("reset orphaned executions: %w", err)
	}
	if reset > 0 {
		log.Info().
			Str("batch_id", batch.ID).
			Int("reset", reset).
			Msg("Orphaned executions returned to pending")
	}

	counts, err := r.store.ExecutionStateCounts(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("count execution states: %w", err)
	}

	// Nothing left to run: the process died between the last row finishing
	// and the batch finalising.
	if counts[ExecutionStatusPending] == 0 {
		return finalizeBatch(ctx, r.store, r.sink, r.notifier, r.clock, batch.ID)
	}

	refreshed, err := r.store.RecomputeBatchCounters(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("recompute counters: %w", err)
	}

	if _, err := r.invokers.Invoker(batch.WorkflowRef); err != nil {
		now := r.clock.Now()
		msg := fmt.Sprintf("recovery could not resolve workflow %q: %v", batch.WorkflowRef, err)
		if uerr := r.store.UpdateBatchState(ctx, batch.ID, BatchStatusFailed, BatchPatch{
			CompletedAt:  &now,
			ErrorMessage: &msg,
		}); uerr != nil {
			return fmt.Errorf("mark unrecoverable batch failed: %w", uerr)
		}
		log.Warn().Str("batch_id", batch.ID).Str("workflow_ref", batch.WorkflowRef).Msg("Batch failed, workflow not resolvable")
		return nil
	}

	if err := r.controller.resumeRecovered(refreshed); err != nil {
		return fmt.Errorf("resume batch: %w", err)
	}

	log.Info().
		Str("batch_id", batch.ID).
		Int("pending", counts[ExecutionStatusPending]).
		Msg("Batch resumed after restart")
	return nil
}
