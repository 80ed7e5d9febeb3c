package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/callback"
	"github.com/sakif/sandbox-executor/internal/executor"
	"github.com/sakif/sandbox-executor/internal/language"
	"github.com/sakif/sandbox-executor/internal/model"
	"github.com/sakif/sandbox-executor/internal/repository/sqlite"
)

// fakeExecutor hands every request to fn.
type fakeExecutor struct {
	mu   sync.Mutex
	seen []executor.ExecutionRequest
	fn   func(req executor.ExecutionRequest) (*executor.ExecutionResult, error)
}

func (f *fakeExecutor) Execute(_ context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeExecutor) requests() []executor.ExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.ExecutionRequest(nil), f.seen...)
}

func accepted(executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	return &executor.ExecutionResult{Verdict: executor.VerdictAccepted, PassedCount: 1, TotalCount: 1}, nil
}

// recordingNotifier keeps every update it was asked to deliver.
type recordingNotifier struct {
	mu      sync.Mutex
	updates []callback.Update
}

func (n *recordingNotifier) Notify(_ context.Context, u callback.Update) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
	return nil
}

func (n *recordingNotifier) statuses(id string) []model.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Status
	for _, u := range n.updates {
		if u.ID == id {
			out = append(out, u.Status)
		}
	}
	return out
}

type fixture struct {
	svc      *ExecutionService
	repo     *sqlite.DB
	exec     *fakeExecutor
	notifier *recordingNotifier
}

func newFixture(t *testing.T, cfg Config, fn func(executor.ExecutionRequest) (*executor.ExecutionResult, error)) *fixture {
	t.Helper()
	repo, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := &fixture{
		repo:     repo,
		exec:     &fakeExecutor{fn: fn},
		notifier: &recordingNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewExecutionService(f.exec, repo, f.notifier, language.Default(), cfg, logger)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Stop(ctx)
	})
}

func request(id string) executor.ExecutionRequest {
	return executor.ExecutionRequest{
		ID:        id,
		Language:  "python",
		Files:     map[string]string{"main.py": "print(input())"},
		TestCases: []executor.TestCase{{Input: "1", Output: "1"}},
	}
}

func waitForStatus(t *testing.T, f *fixture, id string, want model.Status) *model.Execution {
	t.Helper()
	var got *model.Execution
	require.Eventually(t, func() bool {
		exec, err := f.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = exec
		return exec.Status == want
	}, 5*time.Second, 10*time.Millisecond, "execution %s never reached %s", id, want)
	return got
}

func TestSubmit_RunsAndRecordsResult(t *testing.T) {
	f := newFixture(t, DefaultConfig(), accepted)
	f.start(t)

	exec, err := f.svc.Submit(context.Background(), request("exec-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, exec.Status)
	assert.Equal(t, "python", exec.Language)

	done := waitForStatus(t, f, "exec-1", model.StatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, executor.VerdictAccepted, done.Result.Verdict)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	assert.Eventually(t, func() bool {
		s := f.notifier.statuses("exec-1")
		return len(s) == 2 && s[0] == model.StatusRunning && s[1] == model.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestSubmit_AppliesDefaultTimeout(t *testing.T) {
	f := newFixture(t, DefaultConfig(), accepted)
	f.start(t)

	_, err := f.svc.Submit(context.Background(), request("exec-1"))
	require.NoError(t, err)
	waitForStatus(t, f, "exec-1", model.StatusCompleted)

	reqs := f.exec.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 30, reqs[0].Timeout)
}

func TestSubmit_RecordsFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig(), func(executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		return nil, apperror.BuildFailed("go", "main.go:3: undefined: x")
	})
	f.start(t)

	_, err := f.svc.Submit(context.Background(), request("exec-1"))
	require.NoError(t, err)

	failed := waitForStatus(t, f, "exec-1", model.StatusFailed)
	assert.Equal(t, "build_failed", failed.ErrorKind)
	assert.Contains(t, failed.ErrorMessage, "undefined: x")
	assert.Nil(t, failed.Result)

	assert.Eventually(t, func() bool {
		s := f.notifier.statuses("exec-1")
		return len(s) == 2 && s[1] == model.StatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestSubmit_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, DefaultConfig(), accepted)

	tests := []struct {
		name   string
		mutate func(*executor.ExecutionRequest)
		want   error
	}{
		{"unsupported language", func(r *executor.ExecutionRequest) { r.Language = "cobol" }, apperror.ErrUnsupportedLanguage},
		{"no files", func(r *executor.ExecutionRequest) { r.Files = map[string]string{} }, apperror.ErrEmptyWorkspace},
		{"missing id", func(r *executor.ExecutionRequest) { r.ID = "  " }, apperror.ErrValidation},
		{"timeout too large", func(r *executor.ExecutionRequest) { r.Timeout = 1000 }, apperror.ErrValidation},
		{"too many test cases", func(r *executor.ExecutionRequest) {
			r.TestCases = make([]executor.TestCase, MaxTestCases+1)
		}, apperror.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("bad")
			tt.mutate(&req)
			_, err := f.svc.Submit(context.Background(), req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := f.svc.Get(context.Background(), "bad")
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "rejected requests leave no record")
}

func TestSubmit_DuplicateIDIsConflict(t *testing.T) {
	f := newFixture(t, DefaultConfig(), accepted)

	_, err := f.svc.Submit(context.Background(), request("exec-1"))
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), request("exec-1"))
	assert.True(t, errors.Is(err, apperror.ErrConflict), "got %v", err)
}

func TestSubmit_QueueFullIsUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	f := newFixture(t, cfg, accepted) // not started: nothing drains the queue

	_, err := f.svc.Submit(context.Background(), request("exec-1"))
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), request("exec-2"))
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "got %v", err)

	_, err = f.svc.Get(context.Background(), "exec-2")
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "a rejected submission can be retried with the same id")
}

func TestStop_FinishesRunningAndFailsQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 4)

	cfg := DefaultConfig()
	cfg.Workers = 1
	f := newFixture(t, cfg, func(req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
		started <- req.ID
		<-release
		return accepted(req)
	})
	require.NoError(t, f.svc.Start(context.Background()))

	_, err := f.svc.Submit(context.Background(), request("running"))
	require.NoError(t, err)
	assert.Equal(t, "running", <-started)
	_, err = f.svc.Submit(context.Background(), request("queued"))
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- f.svc.Stop(context.Background()) }()

	require.Eventually(t, f.svc.draining.Load, time.Second, 5*time.Millisecond)
	_, err = f.svc.Submit(context.Background(), request("late"))
	assert.True(t, errors.Is(err, apperror.ErrUnavailable), "submissions must be refused once stopping: %v", err)

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	running, err := f.svc.Get(context.Background(), "running")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, running.Status)

	queued, err := f.svc.Get(context.Background(), "queued")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, queued.Status)
	assert.Equal(t, "unavailable", queued.ErrorKind)
	assert.Equal(t, []model.Status{model.StatusFailed}, f.notifier.statuses("queued"))

	assert.Len(t, f.exec.requests(), 1, "queued executions never reach the engine after Stop")
}

func TestStart_FailsOrphanedExecutions(t *testing.T) {
	f := newFixture(t, DefaultConfig(), accepted)
	ctx := context.Background()

	require.NoError(t, f.repo.Create(ctx, &model.Execution{ID: "left-queued", Language: "go"}))
	require.NoError(t, f.repo.Create(ctx, &model.Execution{ID: "left-running", Language: "go"}))
	require.NoError(t, f.repo.MarkRunning(ctx, "left-running", time.Now()))

	f.start(t)

	for _, id := range []string{"left-queued", "left-running"} {
		exec, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, exec.Status, id)
		assert.Equal(t, "executor restarted", exec.ErrorMessage, id)
	}
}

func TestPrune_RemovesExpiredRecords(t *testing.T) {
	f := newFixture(t, DefaultConfig(), accepted)
	f.start(t)

	_, err := f.svc.Submit(context.Background(), request("exec-1"))
	require.NoError(t, err)
	waitForStatus(t, f, "exec-1", model.StatusCompleted)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.svc.prune()

	_, err = f.svc.Get(context.Background(), "exec-1")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestGet_RequiresID(t *testing.T) {
	f := newFixture(t, DefaultConfig(), accepted)
	_, err := f.svc.Get(context.Background(), " ")
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}
