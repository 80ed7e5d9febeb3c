// Package service contains the business logic layer of the application.
//
// ExecutionService sits between the HTTP handlers and the execution engine:
//
//	ExecuteHandler (HTTP) → ExecutionService (queue, workers, lifecycle) → executor.Executor
//	                                        ↘ ExecutionRepository (status store)
//	                                        ↘ callback.Notifier (outbound updates)
//
// Submissions are acknowledged as soon as they are queued. A fixed number of
// workers drain the queue; each execution's result is recorded in the status
// store and pushed to the caller through the notifier.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/callback"
	"github.com/sakif/sandbox-executor/internal/executor"
	"github.com/sakif/sandbox-executor/internal/language"
	"github.com/sakif/sandbox-executor/internal/metrics"
	"github.com/sakif/sandbox-executor/internal/model"
	"github.com/sakif/sandbox-executor/internal/repository"
)

const (
	MaxFiles       = 100
	MaxSourceBytes = 1 << 20 // total across all files
	MaxTestCases   = 200

	// notifyTimeout bounds one callback delivery including retries.
	notifyTimeout = 30 * time.Second
)

// Config controls the dispatcher.
type Config struct {
	// Workers is the number of executions processed at once.
	Workers int
	// QueueSize is how many accepted executions may wait for a worker.
	QueueSize int
	// Retention is how long finished records stay readable.
	Retention time.Duration
	// PruneInterval is how often expired records are deleted.
	PruneInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     100,
		Retention:     time.Hour,
		PruneInterval: time.Minute,
	}
}

// ExecutionService accepts execution requests and runs them asynchronously.
type ExecutionService struct {
	exec     executor.Executor
	repo     repository.ExecutionRepository
	notifier callback.Notifier
	registry *language.Registry
	config   Config
	logger   *slog.Logger

	queue chan executor.ExecutionRequest

	// mu serializes submissions against each other and against Stop, so the
	// capacity check and the send never race.
	mu       sync.Mutex
	closed   bool
	draining atomic.Bool

	wg        sync.WaitGroup
	stopPrune chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	now func() time.Time
}

// NewExecutionService wires the service. Call Start before submitting work
// that should actually run.
func NewExecutionService(
	exec executor.Executor,
	repo repository.ExecutionRepository,
	notifier callback.Notifier,
	registry *language.Registry,
	cfg Config,
	logger *slog.Logger,
) *ExecutionService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &ExecutionService{
		exec:      exec,
		repo:      repo,
		notifier:  notifier,
		registry:  registry,
		config:    cfg,
		logger:    logger,
		queue:     make(chan executor.ExecutionRequest, cfg.QueueSize),
		stopPrune: make(chan struct{}),
		now:       time.Now,
	}
}

// Start fails records orphaned by a previous process and launches the
// workers and the pruner.
func (s *ExecutionService) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if err = s.recoverOrphans(ctx); err != nil {
			return
		}

		s.logger.Info("starting execution workers",
			slog.Int("workers", s.config.Workers),
			slog.Int("queue_size", s.config.QueueSize),
		)
		for i := 0; i < s.config.Workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
		if s.config.Retention > 0 && s.config.PruneInterval > 0 {
			go s.pruner()
		}
	})
	return err
}

// Submit validates req and queues it. The returned record is in the queued state.
//
// Errors: validation and language errors for bad requests, apperror.ErrConflict
// for an id that is already known, apperror.ErrUnavailable when the queue is
// full or the service is shutting down.
func (s *ExecutionService) Submit(ctx context.Context, req executor.ExecutionRequest) (*model.Execution, error) {
	req.ID = strings.TrimSpace(req.ID)
	if req.Timeout == 0 {
		req.Timeout = int(executor.DefaultTimeout / time.Second)
	}
	if err := validateLimits(req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	profile, err := s.registry.Resolve(req.Language)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, apperror.Unavailable("executor is shutting down")
	}
	if len(s.queue) >= cap(s.queue) {
		return nil, apperror.Unavailable("execution queue is full")
	}

	exec := &model.Execution{
		ID:        req.ID,
		Language:  profile.ID,
		Status:    model.StatusQueued,
		IsSubmit:  req.IsSubmit,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, exec); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	// Only Submit sends, under mu, after the capacity check: this cannot block.
	s.queue <- req
	metrics.QueueDepth.Set(float64(len(s.queue)))

	s.logger.Info("execution accepted",
		slog.String("execution_id", req.ID),
		slog.String("language", profile.ID),
		slog.Int("test_cases", len(req.TestCases)),
	)
	return exec, nil
}

// Get returns the lifecycle record of an execution.
func (s *ExecutionService) Get(ctx context.Context, id string) (*model.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "execution ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

// Languages lists the supported language profiles.
func (s *ExecutionService) Languages() []language.Profile {
	return s.registry.List()
}

// Stop refuses new submissions, lets running executions finish and fails
// the ones still queued. It returns ctx.Err() if the running ones do not
// finish in time.
func (s *ExecutionService) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.draining.Store(true)
		close(s.queue)
		s.mu.Unlock()
		close(s.stopPrune)
		s.logger.Info("stopping execution workers", slog.Int("queued", len(s.queue)))
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ExecutionService) worker() {
	defer s.wg.Done()
	for req := range s.queue {
		metrics.QueueDepth.Set(float64(len(s.queue)))
		if s.draining.Load() {
			s.abandon(req)
			continue
		}
		s.process(req)
	}
}

// process runs one execution end to end. It has no caller to return errors
// to, so everything is recorded, notified and logged.
func (s *ExecutionService) process(req executor.ExecutionRequest) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	log := s.logger.With(slog.String("execution_id", req.ID))
	ctx := context.Background()

	started := s.now()
	if err := s.repo.MarkRunning(ctx, req.ID, started); err != nil {
		log.Error("failed to mark execution running", slog.String("error", err.Error()))
		return
	}
	s.notify(callback.Update{ID: req.ID, Status: model.StatusRunning, StartedAt: &started})

	result, execErr := s.exec.Execute(ctx, req)

	completed := s.now()
	update := callback.Update{ID: req.ID, StartedAt: &started, CompletedAt: &completed}
	if execErr != nil {
		update.Status = model.StatusFailed
		update.ErrorKind = apperror.Kind(execErr)
		update.ErrorMessage = apperror.Message(execErr)
		if err := s.repo.Fail(ctx, req.ID, update.ErrorKind, update.ErrorMessage, completed); err != nil {
			log.Error("failed to record execution failure", slog.String("error", err.Error()))
		}
	} else {
		update.Status = model.StatusCompleted
		update.Result = result
		if err := s.repo.Complete(ctx, req.ID, result, completed); err != nil {
			log.Error("failed to record execution result", slog.String("error", err.Error()))
		}
	}
	s.notify(update)
}

// abandon fails a request that was still queued at shutdown.
func (s *ExecutionService) abandon(req executor.ExecutionRequest) {
	at := s.now()
	err := apperror.Unavailable("executor shutting down")
	if rerr := s.repo.Fail(context.Background(), req.ID, apperror.Kind(err), err.Message, at); rerr != nil {
		s.logger.Error("failed to record abandoned execution",
			slog.String("execution_id", req.ID),
			slog.String("error", rerr.Error()),
		)
	}
	s.notify(callback.Update{
		ID:           req.ID,
		Status:       model.StatusFailed,
		ErrorKind:    apperror.Kind(err),
		ErrorMessage: err.Message,
		CompletedAt:  &at,
	})
}

func (s *ExecutionService) notify(u callback.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, u); err != nil {
		s.logger.Warn("failed to deliver status update",
			slog.String("execution_id", u.ID),
			slog.String("status", string(u.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// recoverOrphans fails records left queued or running by a previous process.
func (s *ExecutionService) recoverOrphans(ctx context.Context) error {
	for _, status := range []model.Status{model.StatusQueued, model.StatusRunning} {
		orphans, err := s.repo.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s executions: %w", status, err)
		}
		for _, o := range orphans {
			at := s.now()
			if err := s.repo.Fail(ctx, o.ID, "infra_error", "executor restarted", at); err != nil {
				return fmt.Errorf("failing orphaned execution %s: %w", o.ID, err)
			}
			s.logger.Warn("failed orphaned execution", slog.String("execution_id", o.ID), slog.String("status", string(status)))
			s.notify(callback.Update{
				ID:           o.ID,
				Status:       model.StatusFailed,
				ErrorKind:    "infra_error",
				ErrorMessage: "executor restarted",
				StartedAt:    o.StartedAt,
				CompletedAt:  &at,
			})
		}
	}
	return nil
}

func (s *ExecutionService) pruner() {
	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPrune:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *ExecutionService) prune() {
	n, err := s.repo.PruneBefore(context.Background(), s.now().Add(-s.config.Retention))
	if err != nil {
		s.logger.Error("failed to prune executions", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Debug("pruned finished executions", slog.Int64("count", n))
	}
}

func validateLimits(req executor.ExecutionRequest) error {
	if len(req.Files) > MaxFiles {
		return apperror.ValidationFailed("files", fmt.Sprintf("at most %d files are allowed", MaxFiles))
	}
	total := 0
	for path, content := range req.Files {
		total += len(path) + len(content)
	}
	if total > MaxSourceBytes {
		return apperror.ValidationFailed("files", fmt.Sprintf("source files must be %d bytes or less in total", MaxSourceBytes))
	}
	if len(req.TestCases) > MaxTestCases {
		return apperror.ValidationFailed("test_cases", fmt.Sprintf("at most %d test cases are allowed", MaxTestCases))
	}
	return nil
}
