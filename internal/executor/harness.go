package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/sandbox"
	"github.com/sakif/sandbox-executor/internal/workspace"
)

// timedOutExitCode is reported for invocations killed at their deadline.
const timedOutExitCode = -1

// harness runs the built program, either once (Run mode) or once per test
// case (Submit mode). Invocations are strictly sequential.
type harness struct {
	runner  sandbox.Runner
	ws      *workspace.Workspace
	command []string
	timeout time.Duration
}

func (h *harness) invoke(ctx context.Context, stdin io.Reader) (*sandbox.Output, time.Duration, error) {
	profile := h.ws.Language
	start := time.Now()
	out, err := h.runner.Run(ctx, sandbox.Invocation{
		Image:   profile.Image,
		Command: h.command,
		Workdir: h.ws.Root,
		Env:     profile.Env,
		Network: profile.RunNetwork,
		Timeout: h.timeout,
		Stdin:   stdin,
	})
	return out, time.Since(start), err
}

// run dispatches on whether test cases were supplied.
func (h *harness) run(ctx context.Context, cases []TestCase) (*ExecutionResult, error) {
	if len(cases) == 0 {
		return h.runOnce(ctx)
	}
	return h.runCases(ctx, cases)
}

// runOnce executes without stdin and reports the raw process output.
func (h *harness) runOnce(ctx context.Context) (*ExecutionResult, error) {
	out, took, err := h.invoke(ctx, nil)

	result := &ExecutionResult{
		DurationMS:        took.Milliseconds(),
		AverageDurationMS: took.Milliseconds(),
	}
	switch {
	case errors.Is(err, apperror.ErrTimeout):
		result.ExitCode = timedOutExitCode
		result.TimedOut = true
		result.Stderr = apperror.Timeout(h.timeout).Message
	case err != nil:
		return nil, err
	default:
		result.Stdout = out.Stdout
		result.Stderr = out.Stderr
		result.ExitCode = out.ExitCode
	}
	return result, nil
}

// runCases executes every case in order. A failing or timed out case never
// stops the ones after it; an infra failure fails the whole execution.
func (h *harness) runCases(ctx context.Context, cases []TestCase) (*ExecutionResult, error) {
	outcomes := make([]TestOutcome, 0, len(cases))
	var total time.Duration
	var firstError string

	for i, tc := range cases {
		out, took, err := h.invoke(ctx, strings.NewReader(tc.Input))
		total += took

		outcome := TestOutcome{
			Index:          i + 1,
			Input:          tc.Input,
			ExpectedOutput: strings.TrimSpace(tc.Output),
			DurationMS:     took.Milliseconds(),
		}

		switch {
		case errors.Is(err, apperror.ErrTimeout):
			outcome.ExitCode = timedOutExitCode
			outcome.TimedOut = true
			if firstError == "" {
				firstError = fmt.Sprintf("test %d: %s", outcome.Index, apperror.Timeout(h.timeout).Message)
			}
		case err != nil:
			return nil, fmt.Errorf("test %d: %w", i+1, err)
		default:
			outcome.ExitCode = out.ExitCode
			outcome.ActualOutput = diagnostic(out.Stdout, out.Stderr)
			outcome.Passed = out.ExitCode == 0 && outputsMatch(out.Stdout, tc.Output)
			if !outcome.Passed && firstError == "" && strings.TrimSpace(out.Stderr) != "" {
				firstError = fmt.Sprintf("test %d: %s", outcome.Index, strings.TrimSpace(out.Stderr))
			}
		}

		outcomes = append(outcomes, outcome)
	}

	return aggregate(outcomes, total, firstError), nil
}

// aggregate turns per-case outcomes into the execution result and its
// human-readable transcript.
func aggregate(outcomes []TestOutcome, total time.Duration, firstError string) *ExecutionResult {
	passed := 0
	timedOut := false
	for _, o := range outcomes {
		if o.Passed {
			passed++
		}
		timedOut = timedOut || o.TimedOut
	}

	verdict := VerdictWrongAnswer
	exitCode := 1
	if passed == len(outcomes) {
		verdict = VerdictAccepted
		exitCode = 0
		firstError = ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Verdict: %s\n", verdict)
	fmt.Fprintf(&b, "Passed: %d/%d\n", passed, len(outcomes))
	for _, o := range outcomes {
		status := "passed"
		switch {
		case o.TimedOut:
			status = "timed out"
		case !o.Passed:
			status = "failed"
		}
		fmt.Fprintf(&b, "Test %d: %s (%d ms)\n", o.Index, status, o.DurationMS)
	}

	return &ExecutionResult{
		Verdict:           verdict,
		ExitCode:          exitCode,
		Stdout:            b.String(),
		Stderr:            firstError,
		TestResults:       outcomes,
		PassedCount:       passed,
		TotalCount:        len(outcomes),
		TimedOut:          timedOut,
		DurationMS:        total.Milliseconds(),
		AverageDurationMS: total.Milliseconds() / int64(len(outcomes)),
	}
}
