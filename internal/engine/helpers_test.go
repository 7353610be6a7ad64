//go:build unit || !integration

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeClock is a deterministic clock for tests. Sleep advances the clock
// instead of blocking, so backoff windows and poll intervals elapse
// immediately.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store used to drive scheduler, controller and
// recovery tests without a database. It honours the same semantics as the
// SQL implementation: conditional transitions, claim eligibility by next
// attempt time and the batch state machine.
type memStore struct {
	mu    sync.Mutex
	clock Clock

	batches map[string]*Batch
	execs   map[string]*Execution
	order   map[string][]string
	nextAt  map[string]time.Time
}

func newMemStore(clock Clock) *memStore {
	return &memStore{
		clock:   clock,
		batches: make(map[string]*Batch),
		execs:   make(map[string]*Execution),
		order:   make(map[string][]string),
		nextAt:  make(map[string]time.Time),
	}
}

func copyBatch(b *Batch) *Batch {
	cp := *b
	return &cp
}

func copyExecution(e *Execution) *Execution {
	cp := *e
	return &cp
}

func (s *memStore) CreateBatch(ctx context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = copyBatch(batch)
	return nil
}

func (s *memStore) CreateExecutions(ctx context.Context, batchID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		id := fmt.Sprintf("%s-%d", batchID, row.Index)
		s.execs[id] = &Execution{
			ID:       id,
			BatchID:  batchID,
			RowIndex: row.Index,
			Inputs:   row.Inputs,
			Status:   ExecutionStatusPending,
		}
		s.order[batchID] = append(s.order[batchID], id)
		s.nextAt[id] = s.clock.Now()
	}
	if b, ok := s.batches[batchID]; ok {
		b.Total = len(s.order[batchID])
	}
	return nil
}

func (s *memStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return copyBatch(b), nil
}

func (s *memStore) ListBatches(ctx context.Context, filter ListFilter, page, size int) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Batch
	for _, b := range s.batches {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.WorkflowRef != "" && b.WorkflowRef != filter.WorkflowRef {
			continue
		}
		out = append(out, copyBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) DeleteBatch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	delete(s.batches, id)
	for _, eid := range s.order[id] {
		delete(s.execs, eid)
		delete(s.nextAt, eid)
	}
	delete(s.order, id)
	return nil
}

func (s *memStore) ListExecutions(ctx context.Context, batchID string) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Execution, 0, len(s.order[batchID]))
	for _, eid := range s.order[batchID] {
		out = append(out, copyExecution(s.execs[eid]))
	}
	return out, nil
}

func (s *memStore) FindExecutions(ctx context.Context, batchID string, status ExecutionStatus) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Execution
	for _, eid := range s.order[batchID] {
		if e := s.execs[eid]; e.Status == status {
			out = append(out, copyExecution(e))
		}
	}
	return out, nil
}

func (s *memStore) ClaimNextExecution(ctx context.Context, batchID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, eid := range s.order[batchID] {
		e := s.execs[eid]
		if e.Status != ExecutionStatusPending || s.nextAt[eid].After(now) {
			continue
		}
		e.Status = ExecutionStatusRunning
		started := now
		e.StartedAt = &started
		return copyExecution(e), nil
	}
	return nil, nil
}

func (s *memStore) TransitionExecution(ctx context.Context, id string, from, to ExecutionStatus, patch ExecutionPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return false, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	if patch.ClearResult {
		e.Outputs = nil
		e.ErrorMessage = nil
		e.StartedAt = nil
		e.CompletedAt = nil
		e.ExecutionSecs = nil
	}
	if patch.Outputs != nil {
		e.Outputs = patch.Outputs
	}
	if patch.ErrorMessage != nil {
		e.ErrorMessage = patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		e.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		e.CompletedAt = patch.CompletedAt
	}
	if patch.ExecutionSecs != nil {
		e.ExecutionSecs = patch.ExecutionSecs
	}
	if patch.ResetRetries {
		e.RetriesUsed = 0
	} else {
		e.RetriesUsed += patch.RetriesDelta
	}
	if to == ExecutionStatusPending {
		if patch.NextAttemptAt != nil {
			s.nextAt[id] = *patch.NextAttemptAt
		} else {
			s.nextAt[id] = s.clock.Now()
		}
	}
	return true, nil
}

func (s *memStore) BumpBatchCounter(ctx context.Context, batchID string, counter Counter, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	bump := func(v int) int {
		if v += delta; v > 0 {
			return v
		}
		return 0
	}
	switch counter {
	case CounterCompleted:
		b.Completed = bump(b.Completed)
	case CounterFailed:
		b.Failed = bump(b.Failed)
	case CounterSkipped:
		b.Skipped = bump(b.Skipped)
	}
	return nil
}

func (s *memStore) UpdateBatchState(ctx context.Context, id string, to BatchStatus, patch BatchPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, b.Status, to)
	}
	b.Status = to
	if patch.StartedAt != nil {
		b.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		b.CompletedAt = patch.CompletedAt
	}
	if patch.ErrorMessage != nil {
		b.ErrorMessage = patch.ErrorMessage
	}
	if patch.ResultRef != nil {
		b.ResultRef = patch.ResultRef
	}
	return nil
}

func (s *memStore) RunningBatches(ctx context.Context) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Batch
	for _, b := range s.batches {
		if b.Status == BatchStatusRunning {
			out = append(out, copyBatch(b))
		}
	}
	return out, nil
}

func (s *memStore) ExecutionStateCounts(ctx context.Context, batchID string) (map[ExecutionStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[ExecutionStatus]int)
	for _, eid := range s.order[batchID] {
		counts[s.execs[eid].Status]++
	}
	return counts, nil
}

func (s *memStore) ResetRunningExecutions(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, eid := range s.order[batchID] {
		e := s.execs[eid]
		if e.Status != ExecutionStatusRunning {
			continue
		}
		e.Status = ExecutionStatusPending
		e.StartedAt = nil
		e.Outputs = nil
		e.ErrorMessage = nil
		s.nextAt[eid] = s.clock.Now()
		n++
	}
	return n, nil
}

func (s *memStore) ResetFailedExecutions(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, eid := range s.order[batchID] {
		e := s.execs[eid]
		if e.Status != ExecutionStatusFailed {
			continue
		}
		e.Status = ExecutionStatusPending
		e.RetriesUsed = 0
		e.ErrorMessage = nil
		e.StartedAt = nil
		e.CompletedAt = nil
		e.ExecutionSecs = nil
		s.nextAt[eid] = s.clock.Now()
		n++
	}
	if b, ok := s.batches[batchID]; ok && n > 0 {
		b.Failed = 0
	}
	return n, nil
}

func (s *memStore) RecomputeBatchCounters(ctx context.Context, batchID string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	b.Completed, b.Failed, b.Skipped = 0, 0, 0
	for _, eid := range s.order[batchID] {
		switch s.execs[eid].Status {
		case ExecutionStatusSuccess:
			b.Completed++
		case ExecutionStatusFailed:
			b.Failed++
		case ExecutionStatusSkipped:
			b.Skipped++
		}
	}
	return copyBatch(b), nil
}

func (s *memStore) BatchStats(ctx context.Context, batchID string) (*BatchStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	stats := &BatchStats{BatchID: batchID, StateCounts: make(map[ExecutionStatus]int)}
	var sum float64
	var samples, terminal int
	for _, eid := range s.order[batchID] {
		e := s.execs[eid]
		stats.StateCounts[e.Status]++
		if e.Status.IsTerminal() {
			terminal++
		}
		if e.Status == ExecutionStatusSuccess && e.ExecutionSecs != nil {
			sum += *e.ExecutionSecs
			samples++
		}
	}
	if samples > 0 {
		avg := sum / float64(samples)
		stats.AvgExecutionSecs = &avg
	}
	if terminal > 0 {
		stats.SuccessRate = float64(stats.StateCounts[ExecutionStatusSuccess]) / float64(terminal)
	}
	return stats, nil
}

func (s *memStore) DeleteTerminalBatchesBefore(ctx context.Context, cutoff time.Time) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []*Batch
	for id, b := range s.batches {
		if !b.Status.IsTerminal() || b.CompletedAt == nil || !b.CompletedAt.Before(cutoff) {
			continue
		}
		deleted = append(deleted, copyBatch(b))
		delete(s.batches, id)
		for _, eid := range s.order[id] {
			delete(s.execs, eid)
			delete(s.nextAt, eid)
		}
		delete(s.order, id)
	}
	return deleted, nil
}

// seedExecution force-writes an execution state, bypassing transition
// guards. Used to model store contents left behind by a dead process.
func (s *memStore) seedExecution(batchID string, rowIndex int, status ExecutionStatus, retriesUsed int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%s-%d", batchID, rowIndex)
	if _, ok := s.execs[id]; !ok {
		s.order[batchID] = append(s.order[batchID], id)
		s.nextAt[id] = s.clock.Now()
	}
	s.execs[id] = &Execution{
		ID:          id,
		BatchID:     batchID,
		RowIndex:    rowIndex,
		Inputs:      map[string]any{"row": rowIndex},
		Status:      status,
		RetriesUsed: retriesUsed,
	}
	if status == ExecutionStatusSuccess {
		secs := 1.0
		s.execs[id].ExecutionSecs = &secs
		s.execs[id].Outputs = map[string]any{"output": fmt.Sprintf("row-%d", rowIndex)}
	}
	if status == ExecutionStatusFailed {
		msg := "seeded failure"
		s.execs[id].ErrorMessage = &msg
	}
	return id
}

func (s *memStore) executionStatus(id string) ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id].Status
}

func (s *memStore) execution(id string) *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyExecution(s.execs[id])
}

// scriptedInvoker answers each attempt from a per-row script keyed by the
// "row" input, counting attempts so retry behaviour can be asserted.
type scriptedInvoker struct {
	mu       sync.Mutex
	attempts map[int]int
	script   func(rowIndex, attempt int) (map[string]any, error)
}

func newScriptedInvoker(script func(rowIndex, attempt int) (map[string]any, error)) *scriptedInvoker {
	return &scriptedInvoker{attempts: make(map[int]int), script: script}
}

func (i *scriptedInvoker) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	row, _ := inputs["row"].(int)
	i.mu.Lock()
	i.attempts[row]++
	attempt := i.attempts[row]
	i.mu.Unlock()
	return i.script(row, attempt)
}

func (i *scriptedInvoker) attemptCount(row int) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attempts[row]
}

func succeedAlways(rowIndex, attempt int) (map[string]any, error) {
	return map[string]any{"output": fmt.Sprintf("row-%d", rowIndex)}, nil
}

// gaugeInvoker tracks how many invocations run at once.
type gaugeInvoker struct {
	mu      sync.Mutex
	current int
	peak    int
	delay   time.Duration
}

func (i *gaugeInvoker) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	i.mu.Lock()
	i.current++
	if i.current > i.peak {
		i.peak = i.current
	}
	i.mu.Unlock()

	timer := time.NewTimer(i.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	i.mu.Lock()
	i.current--
	i.mu.Unlock()
	return map[string]any{"output": "ok"}, nil
}

func (i *gaugeInvoker) peakConcurrency() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.peak
}

// blockingInvoker parks every invocation until released.
type blockingInvoker struct {
	entered chan string
	release chan struct{}
}

func newBlockingInvoker(capacity int) *blockingInvoker {
	return &blockingInvoker{
		entered: make(chan string, capacity),
		release: make(chan struct{}),
	}
}

func (i *blockingInvoker) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	i.entered <- fmt.Sprintf("%v", inputs["row"])
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-i.release:
		return map[string]any{"output": "ok"}, nil
	}
}

// staticFactory resolves every reference to the same invoker, or fails when
// none is set.
type staticFactory struct {
	invoker Invoker
}

func (f *staticFactory) Invoker(workflowRef string) (Invoker, error) {
	if f.invoker == nil {
		return nil, fmt.Errorf("%w: workflow %q is not registered", ErrNotFound, workflowRef)
	}
	return f.invoker, nil
}

// sliceRows serves a fixed row set regardless of source reference.
type sliceRows struct {
	rows []Row
	err  error
}

func (r *sliceRows) Rows(ctx context.Context, sourceRef string) ([]Row, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.rows, nil
}

func makeRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{Index: i, Inputs: map[string]any{"row": i}}
	}
	return rows
}

// memSink records assembled results and can be made to fail.
type memSink struct {
	mu      sync.Mutex
	results map[string][]RowResult
	err     error
}

func newMemSink() *memSink {
	return &memSink{results: make(map[string][]RowResult)}
}

func (s *memSink) Assemble(ctx context.Context, batch *Batch, results []RowResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.results[batch.ID] = results
	return batch.ID + "-results.csv", nil
}

func (s *memSink) resultsFor(batchID string) []RowResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[batchID]
}

// memRemover records removed artifact refs.
type memRemover struct {
	mu      sync.Mutex
	removed []string
}

func (r *memRemover) Remove(ctx context.Context, refs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, refs...)
	return nil
}

func (r *memRemover) refs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// memNotifier records finished batches.
type memNotifier struct {
	mu       sync.Mutex
	finished []*Batch
}

func (n *memNotifier) BatchFinished(ctx context.Context, batch *Batch) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, batch)
	return nil
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.finished)
}

var errScripted = errors.New("scripted failure")
