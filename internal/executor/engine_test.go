package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/language"
	"github.com/sakif/sandbox-executor/internal/sandbox"
)

// call is one recorded sandbox invocation. Stdin is nil when none was attached.
type call struct {
	inv   sandbox.Invocation
	stdin *string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fn    func(n int, inv sandbox.Invocation, stdin *string) (*sandbox.Output, error)
}

func (f *fakeRunner) Run(_ context.Context, inv sandbox.Invocation) (*sandbox.Output, error) {
	var stdin *string
	if inv.Stdin != nil {
		b, err := io.ReadAll(inv.Stdin)
		if err != nil {
			return nil, err
		}
		s := string(b)
		stdin = &s
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{inv: inv, stdin: stdin})
	n := len(f.calls)
	f.mu.Unlock()

	return f.fn(n, inv, stdin)
}

func (f *fakeRunner) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// maxProgram behaves like a program that reads n and n integers and prints
// the largest.
func maxProgram(_ int, _ sandbox.Invocation, stdin *string) (*sandbox.Output, error) {
	if stdin == nil {
		return &sandbox.Output{Stderr: "EOF when reading a line", ExitCode: 1}, nil
	}
	fields := strings.Fields(*stdin)
	n, _ := strconv.Atoi(fields[0])
	best := 0
	for i, f := range fields[1 : n+1] {
		v, _ := strconv.Atoi(f)
		if i == 0 || v > best {
			best = v
		}
	}
	return &sandbox.Output{Stdout: strconv.Itoa(best) + "\n"}, nil
}

const maxSource = `n = int(input())
print(max(map(int, input().split()[:n])))
`

func newTestEngine(t *testing.T, runner sandbox.Runner) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(runner, language.Default(), dir, logger), dir
}

func pythonRequest(cases ...TestCase) ExecutionRequest {
	return ExecutionRequest{
		ID:        "exec-1",
		Language:  "python",
		Files:     map[string]string{"main.py": maxSource},
		Timeout:   5,
		TestCases: cases,
	}
}

func TestExecute_PythonMaxAccepted(t *testing.T) {
	runner := &fakeRunner{fn: maxProgram}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest(
		TestCase{Input: "5\n1 5 3 9 2", Output: "9"},
		TestCase{Input: "1\n42", Output: "42"},
	))
	require.NoError(t, err)

	assert.Equal(t, VerdictAccepted, res.Verdict)
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, res.TestResults, 2)
	for i, o := range res.TestResults {
		assert.Equal(t, i+1, o.Index)
		assert.True(t, o.Passed, "test %d", o.Index)
	}
	assert.Equal(t, "9", res.TestResults[0].ActualOutput)
	assert.Equal(t, 2, res.PassedCount)
	assert.Equal(t, 2, res.TotalCount)
	assert.Equal(t, "python", res.Language)
	assert.Equal(t, "main.py", res.EntryFile)
	assert.Contains(t, res.Stdout, "Verdict: ACCEPTED")
	assert.Contains(t, res.Stdout, "Passed: 2/2")
	assert.Empty(t, res.Stderr)

	calls := runner.recorded()
	require.Len(t, calls, 2, "interpreted languages skip the build step")
	assert.Equal(t, "python:3.12-slim", calls[0].inv.Image)
	assert.Equal(t, []string{"python", "-u", "main.py"}, calls[0].inv.Command)
	assert.Equal(t, "5\n1 5 3 9 2", *calls[0].stdin)
	assert.Equal(t, "1\n42", *calls[1].stdin)
	assert.False(t, calls[0].inv.Network)
}

func TestExecute_PythonMaxWrongAnswer(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeRunner{fn: maxProgram})

	res, err := engine.Execute(context.Background(), pythonRequest(
		TestCase{Input: "3\n1 2 3", Output: "5"},
	))
	require.NoError(t, err)

	assert.Equal(t, VerdictWrongAnswer, res.Verdict)
	assert.Equal(t, 1, res.ExitCode)
	require.Len(t, res.TestResults, 1)
	assert.False(t, res.TestResults[0].Passed)
	assert.Equal(t, "3", res.TestResults[0].ActualOutput)
	assert.Equal(t, "5", res.TestResults[0].ExpectedOutput)
	assert.Equal(t, 0, res.PassedCount)
}

func TestExecute_RunModeReturnsRawOutput(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return &sandbox.Output{Stdout: "  hello \n", Stderr: "warning\n", ExitCode: 3}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest())
	require.NoError(t, err)

	assert.Nil(t, res.TestResults)
	assert.Empty(t, res.Verdict)
	assert.Equal(t, "  hello \n", res.Stdout)
	assert.Equal(t, "warning\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.Zero(t, res.TotalCount)

	calls := runner.recorded()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].stdin, "run mode attaches no stdin")
}

func TestExecute_RunModeTimeout(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return nil, apperror.Timeout(5e9)
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest())
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "execution timed out after 5s", res.Stderr)
}

func TestExecute_EmptyInputIsDistinctFromNoCases(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return &sandbox.Output{Stdout: "ok\n"}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest(TestCase{Input: "", Output: "ok"}))
	require.NoError(t, err)
	require.Len(t, res.TestResults, 1)
	assert.True(t, res.TestResults[0].Passed)

	calls := runner.recorded()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].stdin)
	assert.Equal(t, "", *calls[0].stdin)
}

func TestExecute_BuildOnceForAllCases(t *testing.T) {
	runner := &fakeRunner{fn: func(n int, inv sandbox.Invocation, _ *string) (*sandbox.Output, error) {
		if n == 1 {
			return &sandbox.Output{}, nil
		}
		return &sandbox.Output{Stdout: "1\n"}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), ExecutionRequest{
		ID:       "exec-go",
		Language: "go",
		Files:    map[string]string{"main.go": "package main"},
		Timeout:  10,
		TestCases: []TestCase{
			{Input: "a", Output: "1"},
			{Input: "b", Output: "1"},
			{Input: "c", Output: "1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictAccepted, res.Verdict)

	calls := runner.recorded()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"go", "build", "-o", "main_bin", "main.go"}, calls[0].inv.Command)
	assert.Nil(t, calls[0].stdin)
	for _, c := range calls[1:] {
		assert.Equal(t, []string{"./main_bin"}, c.inv.Command)
		assert.Equal(t, calls[0].inv.Workdir, c.inv.Workdir, "runs reuse the build workspace")
	}
	assert.GreaterOrEqual(t, res.DurationMS, res.BuildDurationMS)
}

func TestExecute_BuildFailureProducesNoOutcomes(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return &sandbox.Output{Stderr: "main.cpp:1: error: expected ';'\n", ExitCode: 1}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), ExecutionRequest{
		ID:        "exec-cpp",
		Language:  "cpp",
		Files:     map[string]string{"main.cpp": "int main() { return 0 }"},
		Timeout:   10,
		TestCases: []TestCase{{Input: "1", Output: "1"}, {Input: "2", Output: "2"}},
	})
	assert.Nil(t, res)
	require.True(t, errors.Is(err, apperror.ErrBuildFailed), "got %v", err)
	assert.Contains(t, apperror.Message(err), "expected ';'")
	assert.Len(t, runner.recorded(), 1, "test cases must not run after a failed build")
}

func TestExecute_BuildTimeoutIsBuildFailure(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return nil, apperror.Timeout(10e9)
	}}
	engine, _ := newTestEngine(t, runner)

	_, err := engine.Execute(context.Background(), ExecutionRequest{
		ID:       "exec-java",
		Language: "java",
		Files:    map[string]string{"Main.java": "class Main {}"},
		Timeout:  10,
	})
	assert.True(t, errors.Is(err, apperror.ErrBuildFailed), "got %v", err)
	assert.False(t, errors.Is(err, apperror.ErrTimeout))
}

func TestExecute_TimeoutDoesNotAbortLaterCases(t *testing.T) {
	runner := &fakeRunner{fn: func(n int, inv sandbox.Invocation, stdin *string) (*sandbox.Output, error) {
		if n == 2 {
			return nil, apperror.Timeout(inv.Timeout)
		}
		return maxProgram(n, inv, stdin)
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest(
		TestCase{Input: "1\n1", Output: "1"},
		TestCase{Input: "1\n2", Output: "2"},
		TestCase{Input: "1\n3", Output: "3"},
	))
	require.NoError(t, err)
	require.Len(t, res.TestResults, 3)

	assert.True(t, res.TestResults[0].Passed)
	assert.True(t, res.TestResults[2].Passed)

	second := res.TestResults[1]
	assert.False(t, second.Passed)
	assert.True(t, second.TimedOut)
	assert.Equal(t, -1, second.ExitCode)
	assert.Empty(t, second.ActualOutput)

	assert.Equal(t, VerdictWrongAnswer, res.Verdict)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "test 2: execution timed out after 5s", res.Stderr)
	assert.Contains(t, res.Stdout, "Test 2: timed out")
}

func TestExecute_NonZeroExitFailsEvenWithMatchingOutput(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return &sandbox.Output{Stdout: "9\n", Stderr: "Traceback: boom\n", ExitCode: 1}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest(TestCase{Input: "1\n9", Output: "9"}))
	require.NoError(t, err)

	o := res.TestResults[0]
	assert.False(t, o.Passed)
	assert.Equal(t, 1, o.ExitCode)
	assert.Equal(t, "9\nerror: Traceback: boom", o.ActualOutput)
	assert.Equal(t, "test 1: Traceback: boom", res.Stderr)
}

func TestExecute_StderrDoesNotFailPassingCase(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return &sandbox.Output{Stdout: "9\n", Stderr: "deprecation warning"}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest(TestCase{Input: "1\n9", Output: "9"}))
	require.NoError(t, err)

	o := res.TestResults[0]
	assert.True(t, o.Passed)
	assert.Equal(t, "9\nerror: deprecation warning", o.ActualOutput)
	assert.Equal(t, VerdictAccepted, res.Verdict)
}

func TestExecute_InfraErrorStillRemovesWorkspace(t *testing.T) {
	var workdir string
	runner := &fakeRunner{fn: func(n int, inv sandbox.Invocation, _ *string) (*sandbox.Output, error) {
		workdir = inv.Workdir
		_, err := os.Stat(workdir)
		require.NoError(t, err, "workspace exists while the sandbox runs")
		if n == 2 {
			return nil, apperror.Infra("creating sandbox container", errors.New("daemon gone"))
		}
		return &sandbox.Output{Stdout: "1"}, nil
	}}
	engine, baseDir := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), pythonRequest(
		TestCase{Input: "1\n1", Output: "1"},
		TestCase{Input: "1\n1", Output: "1"},
		TestCase{Input: "1\n1", Output: "1"},
	))
	assert.Nil(t, res)
	require.True(t, errors.Is(err, apperror.ErrInfra), "got %v", err)
	assert.Equal(t, "infra_error", apperror.Kind(err))
	assert.Len(t, runner.recorded(), 2, "infra errors stop the execution")

	_, statErr := os.Stat(workdir)
	assert.True(t, os.IsNotExist(statErr), "workspace must be removed")
	entries, err := os.ReadDir(baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_UnsupportedLanguageAllocatesNothing(t *testing.T) {
	runner := &fakeRunner{fn: maxProgram}
	engine, baseDir := newTestEngine(t, runner)

	req := pythonRequest()
	req.Language = "cobol"
	_, err := engine.Execute(context.Background(), req)
	assert.True(t, errors.Is(err, apperror.ErrUnsupportedLanguage))
	assert.Empty(t, runner.recorded())

	entries, err := os.ReadDir(baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_ExtensionOverridesLanguage(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return &sandbox.Output{Stdout: "hi"}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	res, err := engine.Execute(context.Background(), ExecutionRequest{
		ID:       "exec-mislabeled",
		Language: "python",
		Files:    map[string]string{"Main.java": "class Main {}"},
		Timeout:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, "java", res.Language)
	assert.Equal(t, "Main.java", res.EntryFile)

	calls := runner.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "openjdk:21-jdk-slim", calls[0].inv.Image)
	assert.Equal(t, []string{"java", "-cp", ".", "Main"}, calls[1].inv.Command)
}

func TestExecute_NetworkOnlyForTypeScriptTranspile(t *testing.T) {
	runner := &fakeRunner{fn: func(int, sandbox.Invocation, *string) (*sandbox.Output, error) {
		return &sandbox.Output{}, nil
	}}
	engine, _ := newTestEngine(t, runner)

	_, err := engine.Execute(context.Background(), ExecutionRequest{
		ID:       "exec-ts",
		Language: "typescript",
		Files:    map[string]string{"main.ts": "console.log(1)"},
		Timeout:  5,
	})
	require.NoError(t, err)

	calls := runner.recorded()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].inv.Network, "transpile step fetches tsc")
	assert.False(t, calls[1].inv.Network, "emitted JavaScript runs offline")
	assert.Equal(t, []string{"node", "main.js"}, calls[1].inv.Command)
}

func TestExecute_ValidatesRequest(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeRunner{fn: maxProgram})

	tests := []struct {
		name   string
		mutate func(*ExecutionRequest)
		want   error
	}{
		{"missing id", func(r *ExecutionRequest) { r.ID = "" }, apperror.ErrValidation},
		{"no files", func(r *ExecutionRequest) { r.Files = nil }, apperror.ErrEmptyWorkspace},
		{"zero timeout", func(r *ExecutionRequest) { r.Timeout = 0 }, apperror.ErrValidation},
		{"timeout too large", func(r *ExecutionRequest) { r.Timeout = 301 }, apperror.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := pythonRequest()
			tt.mutate(&req)
			_, err := engine.Execute(context.Background(), req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAggregateDeadline(t *testing.T) {
	assert.Equal(t, int64(50), int64(aggregateDeadline(10e9, 0).Seconds()))
	assert.Equal(t, int64(70), int64(aggregateDeadline(10e9, 3).Seconds()))
}
