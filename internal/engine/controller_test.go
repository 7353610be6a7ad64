//go:build unit || !integration

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controllerFixture struct {
	controller *Controller
	store      *memStore
	clock      *fakeClock
	sink       *memSink
	remover    *memRemover
	factory    *staticFactory
	rows       *sliceRows
}

func newControllerFixture(t *testing.T, invoker Invoker, rowCount, maxActive int) *controllerFixture {
	t.Helper()
	clock := newFakeClock()
	f := &controllerFixture{
		store:   newMemStore(clock),
		clock:   clock,
		sink:    newMemSink(),
		remover: &memRemover{},
		factory: &staticFactory{invoker: invoker},
		rows:    &sliceRows{rows: makeRows(rowCount)},
	}
	f.controller = NewController(context.Background(), ControllerOptions{
		Store:            f.store,
		Invokers:         f.factory,
		Rows:             f.rows,
		Sink:             f.sink,
		Artifacts:        f.remover,
		Clock:            clock,
		MaxActiveBatches: maxActive,
	})
	t.Cleanup(f.controller.Shutdown)
	return f
}

func defaultOptions() BatchOptions {
	return BatchOptions{
		Name:           "test batch",
		MaxConcurrency: 2,
		RetryCount:     1,
		TimeoutPerCall: time.Minute,
	}
}

func (f *controllerFixture) waitForStatus(t *testing.T, batchID string, status BatchStatus) *Batch {
	t.Helper()
	var got *Batch
	require.Eventually(t, func() bool {
		b, err := f.store.GetBatch(context.Background(), batchID)
		if err != nil {
			return false
		}
		got = b
		return b.Status == status
	}, waitFor, 10*time.Millisecond, "batch never reached %s", status)
	return got
}

func TestCreateBatch(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 3, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, BatchStatusPending, batch.Status)
	assert.Equal(t, 3, batch.Total)

	execs, err := f.store.ListExecutions(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	for i, e := range execs {
		assert.Equal(t, i, e.RowIndex)
		assert.Equal(t, ExecutionStatusPending, e.Status)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 3, 0)

	tests := []struct {
		name    string
		mutate  func(*BatchOptions)
		wantErr error
	}{
		{
			name:    "missing name",
			mutate:  func(o *BatchOptions) { o.Name = "" },
			wantErr: ErrValidationFailed,
		},
		{
			name:    "zero concurrency",
			mutate:  func(o *BatchOptions) { o.MaxConcurrency = 0 },
			wantErr: ErrValidationFailed,
		},
		{
			name:    "negative retries",
			mutate:  func(o *BatchOptions) { o.RetryCount = -1 },
			wantErr: ErrValidationFailed,
		},
		{
			name:    "zero timeout",
			mutate:  func(o *BatchOptions) { o.TimeoutPerCall = 0 },
			wantErr: ErrValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			tt.mutate(&opts)
			_, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", opts)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateBatchUnknownWorkflow(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, nil, 3, 0)

	_, err := f.controller.CreateBatch(context.Background(), "missing", "rows.jsonl", defaultOptions())
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestCreateBatchBadSource(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 0, 0)
	f.rows.err = errScripted

	_, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestStartBatchRunsToCompletion(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 4, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))

	got := f.waitForStatus(t, batch.ID, BatchStatusCompleted)
	assert.Equal(t, 4, got.Completed)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, f.sink.resultsFor(batch.ID), 4)
}

func TestStartBatchRejectsNonPending(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 1, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))
	f.waitForStatus(t, batch.ID, BatchStatusCompleted)

	err = f.controller.StartBatch(context.Background(), batch.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestStartBatchCapacityLimit(t *testing.T) {
	t.Parallel()

	invoker := newBlockingInvoker(8)
	f := newControllerFixture(t, invoker, 2, 1)

	first, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	second, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)

	require.NoError(t, f.controller.StartBatch(context.Background(), first.ID))
	err = f.controller.StartBatch(context.Background(), second.ID)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	close(invoker.release)
	f.waitForStatus(t, first.ID, BatchStatusCompleted)

	// Capacity frees up once the first batch finishes.
	require.Eventually(t, func() bool {
		return f.controller.StartBatch(context.Background(), second.ID) == nil
	}, waitFor, 10*time.Millisecond)
	f.waitForStatus(t, second.ID, BatchStatusCompleted)
}

func TestPauseAndResumeBatch(t *testing.T) {
	t.Parallel()

	invoker := newBlockingInvoker(8)
	f := newControllerFixture(t, invoker, 4, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))

	for i := 0; i < 2; i++ {
		select {
		case <-invoker.entered:
		case <-time.After(waitFor):
			t.Fatal("workers did not start")
		}
	}

	require.NoError(t, f.controller.PauseBatch(context.Background(), batch.ID))
	close(invoker.release)
	f.waitForStatus(t, batch.ID, BatchStatusPaused)

	// Pausing a paused batch is rejected.
	assert.ErrorIs(t, f.controller.PauseBatch(context.Background(), batch.ID), ErrInvalidStateTransition)

	require.NoError(t, f.controller.ResumeBatch(context.Background(), batch.ID))
	got := f.waitForStatus(t, batch.ID, BatchStatusCompleted)
	assert.Equal(t, 4, got.Completed)
}

func TestResumeRequiresPausedState(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 1, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)

	assert.ErrorIs(t, f.controller.ResumeBatch(context.Background(), batch.ID), ErrInvalidStateTransition)
}

func TestStopBatchCancels(t *testing.T) {
	t.Parallel()

	invoker := newBlockingInvoker(8)
	f := newControllerFixture(t, invoker, 3, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))

	select {
	case <-invoker.entered:
	case <-time.After(waitFor):
		t.Fatal("worker did not start")
	}

	require.NoError(t, f.controller.StopBatch(context.Background(), batch.ID))

	got, err := f.store.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Cancelled is final.
	assert.ErrorIs(t, f.controller.StartBatch(context.Background(), batch.ID), ErrInvalidStateTransition)
	assert.ErrorIs(t, f.controller.ResumeBatch(context.Background(), batch.ID), ErrInvalidStateTransition)
}

func TestStopBatchAfterCompletionIsNoop(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 1, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))
	f.waitForStatus(t, batch.ID, BatchStatusCompleted)

	require.NoError(t, f.controller.StopBatch(context.Background(), batch.ID))

	got, err := f.store.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, got.Status)
}

func TestDeleteBatchRemovesStateAndArtifacts(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 2, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))
	f.waitForStatus(t, batch.ID, BatchStatusCompleted)

	require.NoError(t, f.controller.DeleteBatch(context.Background(), batch.ID))

	_, err = f.store.GetBatch(context.Background(), batch.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	execs, err := f.store.ListExecutions(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Contains(t, f.remover.refs(), "rows.jsonl")
	assert.Contains(t, f.remover.refs(), batch.ID+"-results.csv")
}

func TestDeleteRunningBatchStopsFirst(t *testing.T) {
	t.Parallel()

	invoker := newBlockingInvoker(8)
	f := newControllerFixture(t, invoker, 2, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))

	select {
	case <-invoker.entered:
	case <-time.After(waitFor):
		t.Fatal("worker did not start")
	}

	require.NoError(t, f.controller.DeleteBatch(context.Background(), batch.ID))
	_, err = f.store.GetBatch(context.Background(), batch.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryExecutionReopensFinishedBatch(t *testing.T) {
	t.Parallel()

	invoker := newScriptedInvoker(func(rowIndex, attempt int) (map[string]any, error) {
		if rowIndex == 1 && attempt == 1 {
			return nil, PermanentError(errScripted)
		}
		return succeedAlways(rowIndex, attempt)
	})
	f := newControllerFixture(t, invoker, 2, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))

	require.Eventually(t, func() bool {
		b, err := f.store.GetBatch(context.Background(), batch.ID)
		return err == nil && b.Status == BatchStatusCompleted && b.Failed == 1
	}, waitFor, 10*time.Millisecond)

	failed, err := f.controller.GetFailedExecutions(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, f.controller.RetryExecution(context.Background(), batch.ID, failed[0].ID))

	require.Eventually(t, func() bool {
		b, err := f.store.GetBatch(context.Background(), batch.ID)
		return err == nil && b.Status == BatchStatusCompleted && b.Failed == 0 && b.Completed == 2
	}, waitFor, 10*time.Millisecond)

	// A manual retry starts with a fresh retry budget.
	exec := f.store.execution(failed[0].ID)
	assert.Equal(t, ExecutionStatusSuccess, exec.Status)
	assert.Equal(t, 0, exec.RetriesUsed)
}

func TestRetryExecutionRequiresFailedState(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 1, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))
	f.waitForStatus(t, batch.ID, BatchStatusCompleted)

	err = f.controller.RetryExecution(context.Background(), batch.ID, batch.ID+"-0")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestRetryAllFailed(t *testing.T) {
	t.Parallel()

	invoker := newScriptedInvoker(func(rowIndex, attempt int) (map[string]any, error) {
		if attempt == 1 {
			return nil, PermanentError(errScripted)
		}
		return succeedAlways(rowIndex, attempt)
	})
	f := newControllerFixture(t, invoker, 3, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))

	require.Eventually(t, func() bool {
		b, err := f.store.GetBatch(context.Background(), batch.ID)
		return err == nil && b.Status == BatchStatusCompleted && b.Failed == 3
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, f.controller.RetryAllFailed(context.Background(), batch.ID))

	require.Eventually(t, func() bool {
		b, err := f.store.GetBatch(context.Background(), batch.ID)
		return err == nil && b.Status == BatchStatusCompleted && b.Failed == 0 && b.Completed == 3
	}, waitFor, 10*time.Millisecond)
}

func TestRetryAllFailedWithNothingToRetry(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 1, 0)

	batch, err := f.controller.CreateBatch(context.Background(), "wf", "rows.jsonl", defaultOptions())
	require.NoError(t, err)
	require.NoError(t, f.controller.StartBatch(context.Background(), batch.ID))
	f.waitForStatus(t, batch.ID, BatchStatusCompleted)

	require.NoError(t, f.controller.RetryAllFailed(context.Background(), batch.ID))

	got, err := f.store.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, got.Status)
}

func TestCleanupOldBatches(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 1, 0)
	ctx := context.Background()

	old := f.clock.Now().Add(-48 * time.Hour)
	resultRef := "old-batch-results.csv"
	require.NoError(t, f.store.CreateBatch(ctx, &Batch{
		ID:          "old-batch",
		Name:        "old",
		WorkflowRef: "wf",
		SourceRef:   "old-rows.jsonl",
		ResultRef:   &resultRef,
		Status:      BatchStatusCompleted,
		CompletedAt: &old,
	}))
	recent := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.store.CreateBatch(ctx, &Batch{
		ID:          "recent-batch",
		Name:        "recent",
		WorkflowRef: "wf",
		SourceRef:   "recent-rows.jsonl",
		Status:      BatchStatusCompleted,
		CompletedAt: &recent,
	}))

	deleted, err := f.controller.CleanupOldBatches(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = f.store.GetBatch(ctx, "old-batch")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.GetBatch(ctx, "recent-batch")
	assert.NoError(t, err)
	assert.Contains(t, f.remover.refs(), "old-rows.jsonl")
	assert.Contains(t, f.remover.refs(), resultRef)
}

func TestListBatchesFilter(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, newScriptedInvoker(succeedAlways), 1, 0)
	ctx := context.Background()

	for _, b := range []*Batch{
		{ID: "a", WorkflowRef: "wf-1", Status: BatchStatusPending},
		{ID: "b", WorkflowRef: "wf-2", Status: BatchStatusCompleted},
		{ID: "c", WorkflowRef: "wf-1", Status: BatchStatusCompleted},
	} {
		require.NoError(t, f.store.CreateBatch(ctx, b))
	}

	got, err := f.controller.ListBatches(ctx, ListFilter{WorkflowRef: "wf-1"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.controller.ListBatches(ctx, ListFilter{Status: BatchStatusCompleted, WorkflowRef: "wf-1"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)
}
