package docker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/sakif/sandbox-executor/internal/metrics"
)

// Pool bounds the number of sandbox containers alive at once and remembers
// which ones exist, so that shutdown can reclaim anything still running.
//
// Containers are never handed out twice. A slot is taken before a container
// is created and given back after it has been removed.
type Pool struct {
	cli    *client.Client
	config Config
	logger *slog.Logger

	slots chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	live     map[string]struct{}
	stopOnce sync.Once
}

// NewPool creates a pool with config.MaxSandboxes slots.
func NewPool(cli *client.Client, cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cli:    cli,
		config: cfg,
		logger: logger,
		slots:  make(chan struct{}, cfg.MaxSandboxes),
		done:   make(chan struct{}),
		live:   make(map[string]struct{}),
	}
}

// Acquire blocks until a slot is free, the pool is stopped, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case <-p.done:
		return errPoolStopped
	default:
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-p.done:
		return errPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives a slot back.
func (p *Pool) Release() {
	<-p.slots
}

// InUse returns the number of taken slots.
func (p *Pool) InUse() int {
	return len(p.slots)
}

func (p *Pool) track(id string) {
	p.mu.Lock()
	p.live[id] = struct{}{}
	p.mu.Unlock()
	metrics.SandboxesActive.Inc()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	_, ok := p.live[id]
	delete(p.live, id)
	p.mu.Unlock()
	if ok {
		metrics.SandboxesActive.Dec()
	}
}

// Live returns the ids of containers that have not been removed yet.
func (p *Pool) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.live))
	for id := range p.live {
		ids = append(ids, id)
	}
	return ids
}

// Stop refuses new acquisitions and force-removes every tracked container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)

		ids := p.Live()
		p.logger.Info("shutting down sandbox pool", slog.Int("live", len(ids)))
		for _, id := range ids {
			p.remove(id)
		}
	})
}

// remove force removes a container by ID. Failures are logged only.
func (p *Pool) remove(id string) {
	defer p.untrack(id)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.StopTimeout)
	defer cancel()

	err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		p.logger.Error("failed to remove container",
			slog.String("id", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func since(start time.Time) float64 {
	return float64(time.Since(start).Milliseconds())
}
