package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offlinequeue/internal/models"

	"github.com/google/uuid"
)

const operationColumns = `id, type, target, payload, filters, enqueued_at, retry_count`

// Enqueue validates and persists a new operation and returns its id once the
// INSERT has committed.
func (db *DB) Enqueue(ctx context.Context, opType models.OperationType, target string, payload json.RawMessage, filters models.Filters) (string, error) {
	if err := models.ValidateOperation(opType, target, payload, filters); err != nil {
		return "", err
	}

	if err := db.Open(ctx); err != nil {
		return "", err
	}

	id, err := newOperationID()
	if err != nil {
		return "", fmt.Errorf("generate operation id: %w", err)
	}

	filtersJSON, err := encodeFilters(filters)
	if err != nil {
		return "", err
	}

	query := `INSERT INTO operations (id, type, target, payload, filters, enqueued_at, retry_count)
              VALUES (?, ?, ?, ?, ?, ?, 0)`
	_, err = db.ExecContext(ctx, query,
		id,
		string(opType),
		target,
		nullableJSON(payload),
		filtersJSON,
		db.clock().UnixNano(),
	)
	if err != nil {
		return "", unavailable("insert operation", err)
	}

	db.logger.Debug().Str("operation_id", id).Str("type", string(opType)).Str("target", target).Msg("operation enqueued")
	return id, nil
}

// ListPending returns every queued operation, oldest first.
func (db *DB) ListPending(ctx context.Context) ([]models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations ORDER BY enqueued_at ASC, id ASC`
	return db.queryOperations(ctx, query)
}

// ListByTarget returns queued operations for one remote collection, oldest first.
func (db *DB) ListByTarget(ctx context.Context, target string) ([]models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE target = ? ORDER BY enqueued_at ASC, id ASC`
	return db.queryOperations(ctx, query, target)
}

// Get returns a single operation or models.ErrOperationNotFound.
func (db *DB) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`
	op, err := scanOperation(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOperationNotFound
	}
	if err != nil {
		return nil, unavailable("get operation", err)
	}
	return op, nil
}

// Count returns the number of queued operations.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&n); err != nil {
		return 0, unavailable("count operations", err)
	}
	return n, nil
}

// Remove deletes an operation. Removing an id that is already gone is a no-op
// and reports false.
func (db *DB) Remove(ctx context.Context, id string) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return false, unavailable("remove operation", err)
	}
	return affected(result)
}

// BumpRetry increments retry_count in a single statement. A concurrently
// removed id is a no-op and reports false.
func (db *DB) BumpRetry(ctx context.Context, id string) (bool, error) {
	result, err := db.ExecContext(ctx, `UPDATE operations SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return false, unavailable("bump retry", err)
	}
	return affected(result)
}

// MarkExhausted raises retry_count to at least maxRetries so the next retention
// pass purges the operation. The counter never decreases.
func (db *DB) MarkExhausted(ctx context.Context, id string, maxRetries int) (bool, error) {
	result, err := db.ExecContext(ctx, `UPDATE operations SET retry_count = MAX(retry_count, ?) WHERE id = ?`, maxRetries, id)
	if err != nil {
		return false, unavailable("mark exhausted", err)
	}
	return affected(result)
}

func (db *DB) queryOperations(ctx context.Context, query string, args ...any) ([]models.QueuedOperation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list operations", err)
	}
	defer rows.Close()

	ops := make([]models.QueuedOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list operations", err)
	}
	return ops, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var (
		op         models.QueuedOperation
		opType     string
		payload    sql.NullString
		filters    sql.NullString
		enqueuedAt int64
	)
	if err := row.Scan(&op.ID, &opType, &op.Target, &payload, &filters, &enqueuedAt, &op.RetryCount); err != nil {
		return nil, err
	}

	op.Type = models.OperationType(opType)
	op.EnqueuedAt = time.Unix(0, enqueuedAt)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if filters.Valid {
		if err := json.Unmarshal([]byte(filters.String), &op.Filters); err != nil {
			return nil, fmt.Errorf("decode filters of %s: %w", op.ID, err)
		}
	}
	return &op, nil
}

func newOperationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func encodeFilters(filters models.Filters) (sql.NullString, error) {
	if len(filters) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(filters)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: encode filters: %v", models.ErrInvalidOperation, err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
