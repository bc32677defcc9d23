package storage

import (
	"context"
	"fmt"
	"time"

	"kolis/internal/models"
)

const opColumns = `id, op_type, payload, status, attempts, last_error, created_at, next_retry_at`

func (s *Store) InsertOperation(ctx context.Context, op *models.PendingOperation) error {
	query := `INSERT INTO pending_operations (` + opColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	_, err := s.ExecContext(ctx, query,
		op.ID,
		op.Type,
		op.Payload,
		op.Status,
		op.Attempts,
		op.LastError,
		op.CreatedAt,
		op.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// ListOperations returns all unsynced operations in insertion order,
// including ones scheduled for a future retry.
func (s *Store) ListOperations(ctx context.Context) ([]models.PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations
              WHERE status IN (?, ?) ORDER BY created_at ASC, rowid ASC`
	return s.queryOperations(ctx, query, models.OpStatusPending, models.OpStatusRetry)
}

// DueOperations returns operations ready for a drain pass: pending or
// retry whose backoff window has elapsed. Insertion order preserved.
func (s *Store) DueOperations(ctx context.Context, limit int) ([]models.PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, rowid ASC LIMIT ?`
	return s.queryOperations(ctx, query, models.OpStatusPending, models.OpStatusRetry, time.Now(), limit)
}

// FailedOperations returns operations that exhausted their attempts.
// They are surfaced to the caller, never auto-dropped.
func (s *Store) FailedOperations(ctx context.Context) ([]models.PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations
              WHERE status = ? ORDER BY created_at ASC, rowid ASC`
	return s.queryOperations(ctx, query, models.OpStatusFailed)
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]models.PendingOperation, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []models.PendingOperation
	for rows.Next() {
		var op models.PendingOperation
		err := rows.Scan(
			&op.ID, &op.Type, &op.Payload, &op.Status, &op.Attempts, &op.LastError, &op.CreatedAt, &op.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

func (s *Store) UpdateOperationPayload(ctx context.Context, id, payload string) error {
	if _, err := s.ExecContext(ctx, `UPDATE pending_operations SET payload = ? WHERE id = ?`, payload, id); err != nil {
		return fmt.Errorf("failed to update payload of operation %s: %w", id, err)
	}
	return nil
}

func (s *Store) MarkOperationRetry(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	query := `UPDATE pending_operations
              SET status = ?, last_error = ?, next_retry_at = ?, attempts = attempts + 1
              WHERE id = ?`
	if _, err := s.ExecContext(ctx, query, models.OpStatusRetry, errMsg, nextRetryAt, id); err != nil {
		return fmt.Errorf("failed to mark operation %s for retry: %w", id, err)
	}
	return nil
}

func (s *Store) MarkOperationFailed(ctx context.Context, id, errMsg string) error {
	query := `UPDATE pending_operations SET status = ?, last_error = ?, next_retry_at = NULL WHERE id = ?`
	if _, err := s.ExecContext(ctx, query, models.OpStatusFailed, errMsg, id); err != nil {
		return fmt.Errorf("failed to mark operation %s failed: %w", id, err)
	}
	return nil
}

func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	err := s.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE status IN (?, ?)`,
		models.OpStatusPending, models.OpStatusRetry,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced operations: %w", err)
	}
	return count, nil
}
