// Package model defines the records shared between the service, the status
// store and the HTTP layer.
package model

import (
	"time"

	"github.com/sakif/sandbox-executor/internal/executor"
)

// Status is where an execution is in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Execution is the lifecycle record of one request. It is kept only until
// the retention window after completion expires.
type Execution struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Status   Status `json:"status"`
	IsSubmit bool   `json:"is_submit"`

	// Result is set once Status is StatusCompleted.
	Result *executor.ExecutionResult `json:"result"`
	// ErrorKind and ErrorMessage are set once Status is StatusFailed.
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}
