package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultProgressInterval is how often tracked batches are polled.
	DefaultProgressInterval = 2 * time.Second
	// snapshotTTL bounds how long a cached snapshot may serve reads.
	snapshotTTL = 30 * time.Second
)

// ProgressTracker periodically aggregates a batch's execution states into a
// progress snapshot. Tracking stops on its own once the batch reaches a
// terminal state; the last snapshot stays available to readers.
type ProgressTracker struct {
	store    Store
	cache    ProgressCache
	clock    Clock
	interval time.Duration
	baseCtx  context.Context

	mu        sync.Mutex
	snapshots map[string]*ProgressSnapshot
	tracking  map[string]context.CancelFunc
	wg        sync.WaitGroup
}

// NewProgressTracker creates a tracker. Cache is optional; interval <= 0
// falls back to DefaultProgressInterval.
func NewProgressTracker(baseCtx context.Context, store Store, cache ProgressCache, clock Clock, interval time.Duration) *ProgressTracker {
	if clock == nil {
		clock = SystemClock()
	}
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &ProgressTracker{
		store:     store,
		cache:     cache,
		clock:     clock,
		interval:  interval,
		baseCtx:   baseCtx,
		snapshots: make(map[string]*ProgressSnapshot),
		tracking:  make(map[string]context.CancelFunc),
	}
}

// Track starts polling the batch until it reaches a terminal state. Calling
// Track for a batch already being tracked is a no-op.
func (t *ProgressTracker) Track(batchID string) {
	t.mu.Lock()
	if _, ok := t.tracking[batchID]; ok {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(t.baseCtx)
	t.tracking[batchID] = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.tracking, batchID)
			t.mu.Unlock()
			cancel()
		}()

		for {
			snapshot, err := t.poll(ctx, batchID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("batch_id", batchID).Msg("Progress poll failed")
			} else if snapshot.Status.IsTerminal() {
				return
			}
			if err := t.clock.Sleep(ctx, t.interval); err != nil {
				return
			}
		}
	}()
}

// poll reads the batch and its execution stats and publishes a fresh
// snapshot.
func (t *ProgressTracker) poll(ctx context.Context, batchID string) (*ProgressSnapshot, error) {
	batch, err := t.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	counts, err := t.store.ExecutionStateCounts(ctx, batchID)
	if err != nil {
		return nil, err
	}
	stats, err := t.store.BatchStats(ctx, batchID)
	if err != nil {
		return nil, err
	}

	snapshot := buildSnapshot(batch, counts, stats.AvgExecutionSecs, t.clock.Now())

	t.mu.Lock()
	t.snapshots[batchID] = snapshot
	t.mu.Unlock()

	if t.cache != nil {
		if err := t.cache.Put(ctx, snapshot, snapshotTTL); err != nil {
			log.Debug().Err(err).Str("batch_id", batchID).Msg("Failed to cache progress snapshot")
		}
	}
	return snapshot, nil
}

// buildSnapshot derives the progress figures from one observation of the
// batch and its execution state counts.
func buildSnapshot(batch *Batch, counts map[ExecutionStatus]int, avgSecs *float64, now time.Time) *ProgressSnapshot {
	snapshot := &ProgressSnapshot{
		BatchID:          batch.ID,
		Status:           batch.Status,
		Total:            batch.Total,
		Pending:          counts[ExecutionStatusPending],
		Running:          counts[ExecutionStatusRunning],
		Completed:        counts[ExecutionStatusSuccess],
		Failed:           counts[ExecutionStatusFailed],
		Skipped:          counts[ExecutionStatusSkipped],
		AvgExecutionSecs: avgSecs,
		ObservedAt:       now,
	}
	if batch.Total > 0 {
		snapshot.ProgressPercentage = float64(snapshot.Completed+snapshot.Failed) / float64(batch.Total) * 100
	}
	if avgSecs != nil && snapshot.Pending > 0 && batch.MaxConcurrency > 0 {
		waves := math.Ceil(float64(snapshot.Pending) / float64(batch.MaxConcurrency))
		remaining := waves * *avgSecs
		snapshot.EstimatedRemaining = &remaining
	}
	return snapshot
}

// GetProgress returns the most recent snapshot for the batch, consulting
// the local map first and the shared cache second.
func (t *ProgressTracker) GetProgress(ctx context.Context, batchID string) (*ProgressSnapshot, error) {
	t.mu.Lock()
	snapshot := t.snapshots[batchID]
	t.mu.Unlock()
	if snapshot != nil {
		return snapshot, nil
	}

	if t.cache != nil {
		cached, err := t.cache.Get(ctx, batchID)
		if err != nil {
			log.Debug().Err(err).Str("batch_id", batchID).Msg("Progress cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}
	return nil, ErrNotFound
}

// Shutdown stops all polling loops and waits for them to exit.
func (t *ProgressTracker) Shutdown() {
	t.mu.Lock()
	for _, cancel := range t.tracking {
		cancel()
	}
	t.mu.Unlock()
	t.wg.Wait()
}
