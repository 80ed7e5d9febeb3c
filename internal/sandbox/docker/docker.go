// Package docker runs sandbox invocations in throwaway Docker containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/xid"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/language"
	"github.com/sakif/sandbox-executor/internal/metrics"
	"github.com/sakif/sandbox-executor/internal/sandbox"
)

var errPoolStopped = errors.New("sandbox pool is stopped")

// streamDrainTimeout bounds how long output copying may lag behind the
// container exit before the attach stream is closed.
const streamDrainTimeout = 2 * time.Second

// Runner implements sandbox.Runner using Docker.
type Runner struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
	pool   *Pool
}

var _ sandbox.Runner = (*Runner)(nil)

// New creates a Runner connected to the daemon described by the DOCKER_*
// environment variables.
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &Runner{
		cli:    cli,
		config: cfg,
		logger: logger,
		pool:   NewPool(cli, cfg, logger),
	}, nil
}

// Close removes any container still alive and closes the docker client.
func (r *Runner) Close() error {
	r.pool.Stop()
	return r.cli.Close()
}

// EnsureImage pulls ref unless it is already present locally.
func (r *Runner) EnsureImage(ctx context.Context, ref string) error {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	r.logger.Info("pulling docker image", slog.String("image", ref))
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	r.logger.Info("docker image is ready", slog.String("image", ref))
	return nil
}

// Run executes inv in a fresh container and removes the container before
// returning.
func (r *Runner) Run(ctx context.Context, inv sandbox.Invocation) (out *sandbox.Output, err error) {
	if len(inv.Command) == 0 {
		return nil, apperror.Infra("sandbox invocation has no command", nil)
	}
	if inv.Timeout <= 0 {
		return nil, apperror.Infra("sandbox invocation has no timeout", nil)
	}

	defer func() {
		switch {
		case err == nil:
			metrics.SandboxRuns.WithLabelValues("exited").Inc()
		case errors.Is(err, apperror.ErrTimeout):
			metrics.SandboxRuns.WithLabelValues("timeout").Inc()
		default:
			metrics.SandboxRuns.WithLabelValues("error").Inc()
		}
	}()

	if err := r.pool.Acquire(ctx); err != nil {
		return nil, apperror.Infra("waiting for a sandbox slot", err)
	}
	defer r.pool.Release()

	created := time.Now()
	name := "sbx-" + xid.New().String()
	config, hostConfig := r.containerSpec(inv)

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, apperror.Infra("creating sandbox container", err)
	}
	id := resp.ID
	r.pool.track(id)

	// Teardown runs on every path, on its own context, and never masks err.
	defer r.pool.remove(id)

	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  inv.Stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, apperror.Infra("attaching to sandbox container", err)
	}
	defer attach.Close()

	waitCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	// Register the wait before starting so a fast exit is not missed.
	waitCh, waitErrCh := r.cli.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, apperror.Infra("starting sandbox container", err)
	}
	metrics.ContainerCreationTime.Observe(since(created))

	if inv.Stdin != nil {
		go func() {
			// Errors here mean the process exited without reading all of
			// stdin, which is its own business.
			_, _ = io.Copy(attach.Conn, inv.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	stdout := newCappedBuffer(r.config.OutputLimit)
	stderr := newCappedBuffer(r.config.OutputLimit)
	copied := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
		close(copied)
	}()

	var exitCode int
	select {
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return nil, apperror.Infra("waiting for sandbox container", errors.New(res.Error.Message))
		}
		exitCode = int(res.StatusCode)

	case werr := <-waitErrCh:
		if waitCtx.Err() == nil || ctx.Err() != nil {
			return nil, apperror.Infra("waiting for sandbox container", werr)
		}
		r.stop(id)
		return nil, apperror.Timeout(inv.Timeout)

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, apperror.Infra("sandbox invocation cancelled", ctx.Err())
		}
		r.stop(id)
		return nil, apperror.Timeout(inv.Timeout)
	}

	select {
	case <-copied:
	case <-time.After(streamDrainTimeout):
		r.logger.Warn("sandbox output stream did not drain", slog.String("id", shortID(id)))
		attach.Close()
		<-copied
	}

	return &sandbox.Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// containerSpec builds the container configuration for one invocation.
func (r *Runner) containerSpec(inv sandbox.Invocation) (*container.Config, *container.HostConfig) {
	pidsLimit := r.config.PidsLimit

	config := &container.Config{
		Image:           inv.Image,
		Cmd:             inv.Command,
		Env:             inv.Env,
		WorkingDir:      language.WorkspaceDir,
		User:            r.config.User,
		Tty:             false,
		AttachStdout:    true,
		AttachStderr:    true,
		AttachStdin:     inv.Stdin != nil,
		OpenStdin:       inv.Stdin != nil,
		StdinOnce:       inv.Stdin != nil,
		NetworkDisabled: !inv.Network,
		Labels:          map[string]string{"sandbox-executor": "invocation"},
	}

	networkMode := container.NetworkMode("none")
	if inv.Network {
		networkMode = "bridge"
	}

	hostConfig := &container.HostConfig{
		NetworkMode: networkMode,
		Resources: container.Resources{
			Memory:     r.config.MemoryLimit,
			MemorySwap: r.config.MemoryLimit, // No swap allowed
			NanoCPUs:   int64(r.config.CPULimit * 1e9),
			PidsLimit:  &pidsLimit, // Prevent fork bombs
		},
		AutoRemove:     false,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,size=" + r.config.TmpfsSize + ",mode=1777",
		},
		Binds: []string{inv.Workdir + ":" + language.WorkspaceDir + ":rw"},
	}

	return config, hostConfig
}

// stop kills a container whose deadline has passed. Removal happens later in
// the deferred teardown.
func (r *Runner) stop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.StopTimeout)
	defer cancel()

	noGrace := 0
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &noGrace}); err != nil {
		r.logger.Warn("failed to stop timed out container",
			slog.String("id", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

const truncatedMarker = "\n[output truncated]"

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest so that the producer is never blocked.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
