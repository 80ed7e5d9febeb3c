package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/executor"
	"github.com/sakif/sandbox-executor/internal/model"
	"github.com/sakif/sandbox-executor/internal/repository"
)

var _ repository.ExecutionRepository = (*DB)(nil)

const selectColumns = `id, language, status, is_submit, result, error_kind, error_message,
	created_at, started_at, completed_at`

// Create inserts a new record. The caller chooses the id; inserting one
// that is already present returns a conflict instead of overwriting it.
func (db *DB) Create(ctx context.Context, exec *model.Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	if exec.Status == "" {
		exec.Status = model.StatusQueued
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (id, language, status, is_submit, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		exec.ID,
		exec.Language,
		string(exec.Status),
		exec.IsSubmit,
		exec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.Conflict("execution", exec.ID)
	}
	return nil
}

// GetByID retrieves a single record by its id.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM executions WHERE id = ?`,
		id,
	)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return exec, nil
}

// ListByStatus returns every record in the given state, oldest first.
func (db *DB) ListByStatus(ctx context.Context, status model.Status) ([]model.Execution, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM executions WHERE status = ? ORDER BY created_at ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing %s executions: %w", status, err)
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return execs, nil
}

// MarkRunning moves a queued record to running.
func (db *DB) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE executions SET status = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusRunning), at.UnixMilli(),
		id, string(model.StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("sqlite: marking execution %s running: %w", id, err)
	}
	return db.checkTransition(ctx, res, id)
}

// Complete stores the result of a running execution.
func (db *DB) Complete(ctx context.Context, id string, result *executor.ExecutionResult, at time.Time) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("sqlite: encoding result of %s: %w", id, err)
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE executions SET status = ?, result = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusCompleted), string(encoded), at.UnixMilli(),
		id, string(model.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("sqlite: completing execution %s: %w", id, err)
	}
	return db.checkTransition(ctx, res, id)
}

// Fail records a failure. Queued records can fail too, e.g. at shutdown.
func (db *DB) Fail(ctx context.Context, id, kind, message string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE executions SET status = ?, error_kind = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.StatusFailed), kind, message, at.UnixMilli(),
		id, string(model.StatusQueued), string(model.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failing execution %s: %w", id, err)
	}
	return db.checkTransition(ctx, res, id)
}

// PruneBefore deletes finished records completed before cutoff.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM executions
		 WHERE status IN (?, ?) AND completed_at < ?`,
		string(model.StatusCompleted), string(model.StatusFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: pruning executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n, nil
}

// checkTransition tells an unknown id apart from a record in the wrong state
// when a conditional UPDATE matched nothing.
func (db *DB) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("sqlite: checking execution %s: %w", id, err)
	}
	if exists == 0 {
		return apperror.NotFound("execution", id)
	}
	return apperror.Conflict("execution", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*model.Execution, error) {
	var (
		exec        model.Execution
		status      string
		result      sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := s.Scan(
		&exec.ID,
		&exec.Language,
		&status,
		&exec.IsSubmit,
		&result,
		&exec.ErrorKind,
		&exec.ErrorMessage,
		&createdAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	exec.Status = model.Status(status)
	exec.CreatedAt = time.UnixMilli(createdAt)
	exec.StartedAt = fromMillis(startedAt)
	exec.CompletedAt = fromMillis(completedAt)

	if result.Valid {
		var r executor.ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		exec.Result = &r
	}
	return &exec, nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
