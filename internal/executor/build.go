package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/sandbox"
	"github.com/sakif/sandbox-executor/internal/workspace"
)

// build compiles the workspace once, when the language needs it, and returns
// the command every test invocation reuses.
//
// Interpreted languages never reach the sandbox here. For compiled ones a
// non-zero exit or a timeout is reported as apperror.ErrBuildFailed.
func (e *Engine) build(ctx context.Context, ws *workspace.Workspace, timeout time.Duration) ([]string, time.Duration, error) {
	profile := ws.Language

	runCmd, err := profile.RunCommand(ws.Entry)
	if err != nil {
		return nil, 0, apperror.Infra("rendering run command", err)
	}
	if !profile.Compiled() {
		return runCmd, 0, nil
	}

	buildCmd, err := profile.BuildCommand(ws.Entry)
	if err != nil {
		return nil, 0, apperror.Infra("rendering build command", err)
	}

	start := time.Now()
	out, err := e.runner.Run(ctx, sandbox.Invocation{
		Image:   profile.Image,
		Command: buildCmd,
		Workdir: ws.Root,
		Env:     profile.Env,
		Network: profile.BuildNetwork,
		Timeout: timeout,
	})
	took := time.Since(start)

	switch {
	case errors.Is(err, apperror.ErrTimeout):
		return nil, took, apperror.BuildFailed(profile.ID, apperror.Message(err))
	case err != nil:
		return nil, took, err
	case out.ExitCode != 0:
		e.logger.Debug("build exited non-zero",
			slog.String("language", profile.ID),
			slog.Int("exit_code", out.ExitCode),
		)
		return nil, took, apperror.BuildFailed(profile.ID, buildOutput(out))
	}

	return runCmd, took, nil
}

// buildOutput prefers stderr; some toolchains (tsc) report errors on stdout.
func buildOutput(out *sandbox.Output) string {
	if msg := strings.TrimSpace(out.Stderr); msg != "" {
		return msg
	}
	return strings.TrimSpace(out.Stdout)
}
