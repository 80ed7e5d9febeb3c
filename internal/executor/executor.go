// Package executor drives one execution request through workspace
// materialization, an optional build step and the test harness.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/sakif/sandbox-executor/internal/apperror"
)

const (
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 300 * time.Second
)

// ExecutionRequest is one program to build and run, optionally against test cases.
type ExecutionRequest struct {
	ID       string            `json:"execution_id"`
	Language string            `json:"language"`
	Files    map[string]string `json:"files"`
	// Timeout is the per-invocation wall-clock limit in seconds.
	Timeout   int        `json:"timeout"`
	TestCases []TestCase `json:"test_cases"`
	// IsSubmit is passed through untouched.
	IsSubmit bool `json:"is_submit"`
}

// TestCase is an input and the output the program must print for it.
// An empty Input is a valid case.
type TestCase struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Validate checks the request invariants that do not depend on the
// language table.
func (r ExecutionRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return apperror.ValidationFailed("execution_id", "execution_id is required")
	}
	if strings.TrimSpace(r.Language) == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	if len(r.Files) == 0 {
		return apperror.EmptyWorkspace()
	}
	limit := r.TimeoutDuration()
	if limit < MinTimeout || limit > MaxTimeout {
		return apperror.ValidationFailed("timeout", "timeout must be between 1 and 300 seconds")
	}
	return nil
}

// TimeoutDuration returns Timeout as a time.Duration.
func (r ExecutionRequest) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// Verdict is the aggregate judgment over all test cases.
type Verdict string

const (
	VerdictAccepted    Verdict = "ACCEPTED"
	VerdictWrongAnswer Verdict = "WRONG ANSWER"
)

// TestOutcome is the result of one test case.
type TestOutcome struct {
	Index          int    `json:"test_index"` // 1-based, input order
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	// ActualOutput is the trimmed stdout, followed by the captured error
	// text when the process wrote to stderr.
	ActualOutput string `json:"actual_output"`
	Passed       bool   `json:"passed"`
	ExitCode     int    `json:"exit_code"`
	TimedOut     bool   `json:"timed_out"`
	DurationMS   int64  `json:"duration_ms"`
}

// ExecutionResult is reported once an execution completed. Infra failures,
// build failures and caller errors are reported as errors instead.
//
// In Run mode (no test cases) Verdict is empty and TestResults is nil.
type ExecutionResult struct {
	Verdict     Verdict       `json:"verdict"`
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	TestResults []TestOutcome `json:"test_results"`
	PassedCount int           `json:"passed_count"`
	TotalCount  int           `json:"total_count"`
	TimedOut    bool          `json:"timed_out"`

	DurationMS        int64 `json:"duration_ms"`
	AverageDurationMS int64 `json:"average_duration_ms"`
	BuildDurationMS   int64 `json:"build_duration_ms"`

	// Language is the language actually used, after extension sniffing.
	Language  string `json:"language"`
	EntryFile string `json:"entry_file"`
}

// Executor runs execution requests to completion.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}
