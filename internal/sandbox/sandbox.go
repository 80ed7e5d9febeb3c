// Package sandbox defines the contract for launching one isolated process.
//
// Every call to Runner.Run creates a fresh sandbox, runs a single command in
// it and removes it again before returning, whatever the outcome.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Invocation describes exactly one process launch.
type Invocation struct {
	Image   string
	Command []string
	// Workdir is the host directory mounted at language.WorkspaceDir.
	Workdir string
	Env     []string
	Network bool
	Timeout time.Duration
	// Stdin is streamed to the process and then closed. nil attaches no
	// stdin at all; an empty reader delivers an immediate EOF.
	Stdin io.Reader
}

// Output is what a finished process left behind.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner launches sandboxes.
//
// Run returns an error matching apperror.ErrTimeout when the deadline in
// Invocation.Timeout elapsed, and apperror.ErrInfra when the sandbox host
// itself failed. A non-zero exit code is not an error.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Output, error)
}
