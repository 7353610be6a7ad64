package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// notifyChannel carries a batch id whenever executions become claimable, so
// idle schedulers in other processes can wake early.
const notifyChannel = "batch_work"

// Store is the PostgreSQL implementation of the engine's persistence
// contract. Every mutation runs in a transaction; conditional writes carry
// the caller's from-state guard in the WHERE clause.
type Store struct {
	db *sql.DB
}

// NewStore creates a PostgreSQL batch store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Execute runs a database operation in a transaction
func (s *Store) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const batchColumns = `id, name, workflow_ref, source_ref, result_ref, max_concurrency, retry_count,
	timeout_seconds, status, total_executions, completed_executions, failed_executions,
	skipped_executions, error_message, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*engine.Batch, error) {
	var b engine.Batch
	var resultRef, errorMessage sql.NullString
	var timeoutSeconds int
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&b.ID, &b.Name, &b.WorkflowRef, &b.SourceRef, &resultRef, &b.MaxConcurrency, &b.RetryCount,
		&timeoutSeconds, &b.Status, &b.Total, &b.Completed, &b.Failed,
		&b.Skipped, &errorMessage, &b.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	b.TimeoutPerCall = time.Duration(timeoutSeconds) * time.Second
	if resultRef.Valid {
		b.ResultRef = &resultRef.String
	}
	if errorMessage.Valid {
		b.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

const executionColumns = `id, batch_id, row_index, inputs, outputs, status, retries_used,
	execution_seconds, error_message, started_at, completed_at`

func scanExecution(row rowScanner) (*engine.Execution, error) {
	var e engine.Execution
	var inputs []byte
	var outputs []byte
	var execSecs sql.NullFloat64
	var errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.BatchID, &e.RowIndex, &inputs, &outputs, &e.Status, &e.RetriesUsed,
		&execSecs, &errorMessage, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputs, &e.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode execution inputs: %w", err)
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &e.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode execution outputs: %w", err)
		}
	}
	if execSecs.Valid {
		v := execSecs.Float64
		e.ExecutionSecs = &v
	}
	if errorMessage.Valid {
		e.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

// CreateBatch persists a new batch in pending state
func (s *Store) CreateBatch(ctx context.Context, batch *engine.Batch) error {
	return s.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (
				id, name, workflow_ref, source_ref, max_concurrency, retry_count,
				timeout_seconds, status, total_executions, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			batch.ID, batch.Name, batch.WorkflowRef, batch.SourceRef,
			batch.MaxConcurrency, batch.RetryCount, int(batch.TimeoutPerCall.Seconds()),
			batch.Status, batch.Total, batch.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		return nil
	})
}

// CreateExecutions persists one pending execution per row in a single
// transaction and refreshes the batch total.
func (s *Store) CreateExecutions(ctx context.Context, batchID string, rows []engine.Row) error {
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO executions (id, batch_id, row_index, inputs, status, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare execution insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			inputs, err := json.Marshal(row.Inputs)
			if err != nil {
				return fmt.Errorf("failed to encode inputs for row %d: %w", row.Index, err)
			}
			if _, err := stmt.ExecContext(ctx, uuid.New().String(), batchID, row.Index, inputs, engine.ExecutionStatusPending); err != nil {
				return fmt.Errorf("failed to insert execution for row %d: %w", row.Index, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE batches SET total_executions = (SELECT COUNT(*) FROM executions WHERE batch_id = $1)
			WHERE id = $1
		`, batchID)
		if err != nil {
			return fmt.Errorf("failed to update batch total: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyPending(ctx, batchID)
	return nil
}

// GetBatch returns one batch by id
func (s *Store) GetBatch(ctx context.Context, id string) (*engine.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", engine.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns a page of batches matching the filter, newest first
func (s *Store) ListBatches(ctx context.Context, filter engine.ListFilter, page, size int) ([]*engine.Batch, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.WorkflowRef != "" {
		args = append(args, filter.WorkflowRef)
		query += fmt.Sprintf(" AND workflow_ref = $%d", len(args))
	}
	args = append(args, size, (page-1)*size)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*engine.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// DeleteBatch removes the batch; executions cascade
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: batch %s", engine.ErrNotFound, id)
	}
	return nil
}

// ListExecutions returns all executions of a batch in row order
func (s *Store) ListExecutions(ctx context.Context, batchID string) ([]*engine.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE batch_id = $1 ORDER BY row_index ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// FindExecutions returns the batch's executions in one state, in row order
func (s *Store) FindExecutions(ctx context.Context, batchID string, status engine.ExecutionStatus) ([]*engine.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE batch_id = $1 AND status = $2 ORDER BY row_index ASC
	`, batchID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to find executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*engine.Execution, error) {
	var executions []*engine.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// ClaimNextExecution claims the lowest-indexed eligible pending execution
// using row-level locking, so concurrent claimers each get different rows.
// Returns nil when nothing is claimable.
func (s *Store) ClaimNextExecution(ctx context.Context, batchID string) (*engine.Execution, error) {
	var claimed *engine.Execution

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+`
			FROM executions
			WHERE batch_id = $1
			  AND status = 'pending'
			  AND next_attempt_at <= NOW()
			ORDER BY row_index ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, batchID)

		e, err := scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query execution: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET status = 'running', started_at = $1 WHERE id = $2
		`, now, e.ID); err != nil {
			return fmt.Errorf("failed to mark execution running: %w", err)
		}

		e.Status = engine.ExecutionStatusRunning
		e.StartedAt = &now
		claimed = e
		return nil
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TransitionExecution applies the patch iff the execution is currently in
// the given state. Reports whether the write was applied.
func (s *Store) TransitionExecution(ctx context.Context, id string, from, to engine.ExecutionStatus, patch engine.ExecutionPatch) (bool, error) {
	var res sql.Result
	var err error

	switch to {
	case engine.ExecutionStatusSuccess:
		var outputs []byte
		outputs, err = json.Marshal(patch.Outputs)
		if err != nil {
			return false, fmt.Errorf("failed to encode outputs: %w", err)
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE executions
			SET status = $1, outputs = $2, completed_at = $3, execution_seconds = $4, error_message = NULL
			WHERE id = $5 AND status = $6
		`, to, outputs, patch.CompletedAt, patch.ExecutionSecs, id, from)

	case engine.ExecutionStatusFailed, engine.ExecutionStatusSkipped:
		res, err = s.db.ExecContext(ctx, `
			UPDATE executions
			SET status = $1, error_message = $2, completed_at = $3, execution_seconds = $4, outputs = NULL
			WHERE id = $5 AND status = $6
		`, to, patch.ErrorMessage, patch.CompletedAt, patch.ExecutionSecs, id, from)

	case engine.ExecutionStatusPending:
		retriesExpr := "retries_used + $1"
		retriesArg := any(patch.RetriesDelta)
		if patch.ResetRetries {
			retriesExpr = "$1"
			retriesArg = 0
		}
		query := fmt.Sprintf(`
			UPDATE executions
			SET status = 'pending', retries_used = %s,
			    outputs = NULL, error_message = NULL,
			    started_at = NULL, completed_at = NULL, execution_seconds = NULL,
			    next_attempt_at = COALESCE($2, NOW())
			WHERE id = $3 AND status = $4
		`, retriesExpr)
		res, err = s.db.ExecContext(ctx, query, retriesArg, patch.NextAttemptAt, id, from)

	case engine.ExecutionStatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE executions SET status = 'running', started_at = $1 WHERE id = $2 AND status = $3
		`, patch.StartedAt, id, from)

	default:
		return false, fmt.Errorf("unsupported execution transition to %s", to)
	}

	if err != nil {
		return false, fmt.Errorf("failed to transition execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check transition result: %w", err)
	}

	if n > 0 && to == engine.ExecutionStatusPending {
		var batchID string
		if qerr := s.db.QueryRowContext(ctx, `SELECT batch_id FROM executions WHERE id = $1`, id).Scan(&batchID); qerr == nil {
			s.notifyPending(ctx, batchID)
		}
	}
	return n > 0, nil
}

// counterColumns whitelists counter names against the batch columns they
// increment.
var counterColumns = map[engine.Counter]string{
	engine.CounterCompleted: "completed_executions",
	engine.CounterFailed:    "failed_executions",
	engine.CounterSkipped:   "skipped_executions",
}

// BumpBatchCounter atomically increments one batch counter
func (s *Store) BumpBatchCounter(ctx context.Context, batchID string, counter engine.Counter, delta int) error {
	column, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown batch counter %q", counter)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE batches SET %s = GREATEST(%s + $1, 0) WHERE id = $2`, column, column),
		delta, batchID,
	)
	if err != nil {
		return fmt.Errorf("failed to bump %s counter: %w", counter, err)
	}
	return nil
}

// UpdateBatchState moves the batch to a new state, enforcing the allowed
// transition table under a row lock.
func (s *Store) UpdateBatchState(ctx context.Context, id string, to engine.BatchStatus, patch engine.BatchPatch) error {
	return s.Execute(ctx, func(tx *sql.Tx) error {
		var current engine.BatchStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: batch %s", engine.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read batch state: %w", err)
		}

		if !engine.CanTransition(current, to) {
			return fmt.Errorf("%w: batch %s cannot move from %s to %s", engine.ErrInvalidStateTransition, id, current, to)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE batches
			SET status = $1,
			    started_at = COALESCE($2, started_at),
			    completed_at = COALESCE($3, completed_at),
			    error_message = COALESCE($4, error_message),
			    result_ref = COALESCE($5, result_ref)
			WHERE id = $6
		`, to, patch.StartedAt, patch.CompletedAt, patch.ErrorMessage, patch.ResultRef, id)
		if err != nil {
			return fmt.Errorf("failed to update batch state: %w", err)
		}
		return nil
	})
}

// RunningBatches returns every batch persisted in running state
func (s *Store) RunningBatches(ctx context.Context) ([]*engine.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE status = 'running' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query running batches: %w", err)
	}
	defer rows.Close()

	var batches []*engine.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// ExecutionStateCounts returns the batch's execution counts grouped by state
func (s *Store) ExecutionStateCounts(ctx context.Context, batchID string) (map[engine.ExecutionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM executions WHERE batch_id = $1 GROUP BY status
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count execution states: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.ExecutionStatus]int)
	for rows.Next() {
		var status engine.ExecutionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ResetRunningExecutions returns orphaned running executions to pending,
// clearing their stamps. Used by the startup recovery pass.
func (s *Store) ResetRunningExecutions(ctx context.Context, batchID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'pending', started_at = NULL, execution_seconds = NULL, next_attempt_at = NOW()
		WHERE batch_id = $1 AND status = 'running'
	`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check reset result: %w", err)
	}
	if n > 0 {
		s.notifyPending(ctx, batchID)
	}
	return int(n), nil
}

// ResetFailedExecutions returns every failed execution to pending with a
// fresh retry budget and zeroes the batch failed counter, in one
// transaction.
func (s *Store) ResetFailedExecutions(ctx context.Context, batchID string) (int, error) {
	var reset int
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = 'pending', retries_used = 0,
			    outputs = NULL, error_message = NULL,
			    started_at = NULL, completed_at = NULL, execution_seconds = NULL,
			    next_attempt_at = NOW()
			WHERE batch_id = $1 AND status = 'failed'
		`, batchID)
		if err != nil {
			return fmt.Errorf("failed to reset failed executions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check reset result: %w", err)
		}
		reset = int(n)

		if _, err := tx.ExecContext(ctx, `UPDATE batches SET failed_executions = 0 WHERE id = $1`, batchID); err != nil {
			return fmt.Errorf("failed to zero failed counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		s.notifyPending(ctx, batchID)
	}
	return reset, nil
}

// RecomputeBatchCounters rebuilds the batch counters from execution states
// and returns the refreshed batch.
func (s *Store) RecomputeBatchCounters(ctx context.Context, batchID string) (*engine.Batch, error) {
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET total_executions = sub.total,
			    completed_executions = sub.completed,
			    failed_executions = sub.failed,
			    skipped_executions = sub.skipped
			FROM (
				SELECT
					COUNT(*) AS total,
					COUNT(*) FILTER (WHERE status = 'success') AS completed,
					COUNT(*) FILTER (WHERE status = 'failed') AS failed,
					COUNT(*) FILTER (WHERE status = 'skipped') AS skipped
				FROM executions WHERE batch_id = $1
			) AS sub
			WHERE id = $1
		`, batchID)
		if err != nil {
			return fmt.Errorf("failed to recompute batch counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, batchID)
}

// BatchStats summarises the batch's executions: counts by state, average
// execution time over successes and the success rate over terminal rows.
func (s *Store) BatchStats(ctx context.Context, batchID string) (*engine.BatchStats, error) {
	counts, err := s.ExecutionStateCounts(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(execution_seconds) FILTER (WHERE status = 'success') FROM executions WHERE batch_id = $1
	`, batchID).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average execution time: %w", err)
	}

	stats := &engine.BatchStats{
		BatchID:     batchID,
		StateCounts: counts,
	}
	if avg.Valid {
		v := avg.Float64
		stats.AvgExecutionSecs = &v
	}

	terminal := counts[engine.ExecutionStatusSuccess] + counts[engine.ExecutionStatusFailed] + counts[engine.ExecutionStatusSkipped]
	if terminal > 0 {
		stats.SuccessRate = float64(counts[engine.ExecutionStatusSuccess]) / float64(terminal)
	}
	return stats, nil
}

// DeleteTerminalBatchesBefore removes terminal batches that finished before
// the cutoff. Returns the deleted batches so callers can clean up their
// artifacts.
func (s *Store) DeleteTerminalBatchesBefore(ctx context.Context, cutoff time.Time) ([]*engine.Batch, error) {
	var deleted []*engine.Batch

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+batchColumns+`
			FROM batches
			WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
			FOR UPDATE
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to query old batches: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			batch, err := scanBatch(rows)
			if err != nil {
				return fmt.Errorf("failed to scan batch: %w", err)
			}
			deleted = append(deleted, batch)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, batch := range deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, batch.ID); err != nil {
				return fmt.Errorf("failed to delete batch %s: %w", batch.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// notifyPending announces claimable work on the batch's channel. Delivery
// is best effort; idle schedulers poll anyway.
func (s *Store) notifyPending(ctx context.Context, batchID string) {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, batchID); err != nil {
		log.Debug().Err(err).Str("batch_id", batchID).Msg("Failed to notify pending work")
	}
}
