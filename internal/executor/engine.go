package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/language"
	"github.com/sakif/sandbox-executor/internal/metrics"
	"github.com/sakif/sandbox-executor/internal/sandbox"
	"github.com/sakif/sandbox-executor/internal/workspace"
)

// State is a step of the per-request state machine. Transitions only move
// forward; StateFailed is reachable from every other state.
type State string

const (
	StateReceived      State = "received"
	StateMaterializing State = "materializing"
	StateBuilding      State = "building"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// aggregateSlack is added on top of the per-invocation budget to cover
// container creation and teardown.
const aggregateSlack = 30 * time.Second

// Engine implements Executor on top of a sandbox.Runner.
type Engine struct {
	runner       sandbox.Runner
	registry     *language.Registry
	materializer *workspace.Materializer
	logger       *slog.Logger
}

var _ Executor = (*Engine)(nil)

// NewEngine wires an Engine. Workspaces are created under workspaceDir.
func NewEngine(runner sandbox.Runner, registry *language.Registry, workspaceDir string, logger *slog.Logger) *Engine {
	return &Engine{
		runner:       runner,
		registry:     registry,
		materializer: workspace.NewMaterializer(workspaceDir, registry),
		logger:       logger,
	}
}

// aggregateDeadline bounds a whole request: one timeout for the build, one
// per test case (at least one run) and a fixed slack.
func aggregateDeadline(timeout time.Duration, cases int) time.Duration {
	invocations := cases + 1
	if cases == 0 {
		invocations = 2
	}
	return timeout*time.Duration(invocations) + aggregateSlack
}

// Execute runs req to completion. The workspace and every sandbox created
// along the way are gone when it returns.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) (result *ExecutionResult, err error) {
	log := e.logger.With(slog.String("execution_id", req.ID))
	state := StateReceived
	transition := func(next State) {
		log.Debug("execution state changed",
			slog.String("from", string(state)),
			slog.String("to", string(next)),
		)
		state = next
	}

	started := time.Now()
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	defer func() {
		if err != nil {
			log.Warn("execution failed",
				slog.String("state", string(state)),
				slog.String("kind", apperror.Kind(err)),
				slog.String("error", err.Error()),
			)
			transition(StateFailed)
			metrics.ExecutionsTotal.WithLabelValues(lang, apperror.Kind(err)).Inc()
			return
		}
		transition(StateCompleted)
		metrics.ExecutionsTotal.WithLabelValues(result.Language, outcomeLabel(result)).Inc()
		metrics.ExecutionDuration.WithLabelValues(result.Language, "total").Observe(float64(time.Since(started).Milliseconds()))
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	profile, err := e.registry.Resolve(req.Language)
	if err != nil {
		return nil, err
	}
	lang = profile.ID
	log.Info("execution received",
		slog.String("language", profile.ID),
		slog.Int("files", len(req.Files)),
		slog.Int("test_cases", len(req.TestCases)),
		slog.Bool("is_submit", req.IsSubmit),
	)

	timeout := req.TimeoutDuration()
	limit := aggregateDeadline(timeout, len(req.TestCases))
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	transition(StateMaterializing)
	ws, err := e.materializer.Materialize(req.Files, profile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := ws.Remove(); rerr != nil {
			log.Error("failed to remove workspace", slog.String("error", rerr.Error()))
		}
	}()
	if ws.Language.ID != profile.ID {
		log.Info("entry file extension overrides requested language",
			slog.String("requested", profile.ID),
			slog.String("detected", ws.Language.ID),
			slog.String("entry", ws.Entry),
		)
	}
	lang = ws.Language.ID

	if ws.Language.Compiled() {
		transition(StateBuilding)
	}
	runCmd, buildTook, err := e.build(ctx, ws, timeout)
	if err != nil {
		return nil, deadlineError(ctx, limit, err)
	}
	if ws.Language.Compiled() {
		metrics.ExecutionDuration.WithLabelValues(lang, "build").Observe(float64(buildTook.Milliseconds()))
	}

	transition(StateRunning)
	h := &harness{runner: e.runner, ws: ws, command: runCmd, timeout: timeout}
	result, err = h.run(ctx, req.TestCases)
	if err != nil {
		return nil, deadlineError(ctx, limit, err)
	}
	metrics.ExecutionDuration.WithLabelValues(lang, "run").Observe(float64(result.DurationMS))

	result.BuildDurationMS = buildTook.Milliseconds()
	result.DurationMS += result.BuildDurationMS
	result.Language = ws.Language.ID
	result.EntryFile = ws.Entry

	log.Info("execution completed",
		slog.String("language", result.Language),
		slog.String("verdict", string(result.Verdict)),
		slog.Int("passed", result.PassedCount),
		slog.Int("total", result.TotalCount),
		slog.Int64("duration_ms", result.DurationMS),
	)
	return result, nil
}

// deadlineError reports an expired aggregate deadline as a timeout rather
// than as the infra error the runner saw.
func deadlineError(ctx context.Context, limit time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperror.ErrBuildFailed) {
		return apperror.Timeout(limit)
	}
	return err
}

func outcomeLabel(r *ExecutionResult) string {
	switch r.Verdict {
	case VerdictAccepted:
		return "accepted"
	case VerdictWrongAnswer:
		return "wrong_answer"
	default:
		return "run"
	}
}
