package repository

import (
	"context"
	"time"

	"github.com/sakif/sandbox-executor/internal/executor"
	"github.com/sakif/sandbox-executor/internal/model"
)

// ExecutionRepository stores execution lifecycle records.
//
// Transition methods return apperror.ErrNotFound for unknown ids and
// apperror.ErrConflict when the record is not in a state that allows the
// transition.
type ExecutionRepository interface {
	// Create inserts a queued record. An existing id is a conflict.
	Create(ctx context.Context, exec *model.Execution) error
	GetByID(ctx context.Context, id string) (*model.Execution, error)
	// ListByStatus returns records in the given state, oldest first.
	ListByStatus(ctx context.Context, status model.Status) ([]model.Execution, error)

	MarkRunning(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, result *executor.ExecutionResult, at time.Time) error
	Fail(ctx context.Context, id, kind, message string, at time.Time) error

	// PruneBefore deletes finished records completed before cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
