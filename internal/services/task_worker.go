package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/metrics"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
	"github.com/welldanyogia/certbroker/internal/validator"
)

const (
	maxRetryDelay    = 6 * time.Hour
	maxTaskResultLen = 1000
)

// TaskHandlers executes the work behind each task action. OrderService
// implements it.
type TaskHandlers interface {
	Commit(ctx context.Context, orderID uint) error
	Sync(ctx context.Context, orderID uint) error
	FinalizeCancel(ctx context.Context, orderID uint) error
	Revalidate(ctx context.Context, orderID uint) error
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// TaskWorkerConfig holds configuration for the task worker
type TaskWorkerConfig struct {
	// PollInterval is how often due tasks are claimed
	PollInterval time.Duration
	// Concurrency bounds the tasks handled at once
	Concurrency int
	BatchSize   int
	// MaxAttempts is the number of tries a retryable task gets
	MaxAttempts int
	// Lease is how long a claimed task stays invisible to other workers
	Lease     time.Duration
	RetryBase time.Duration
	// SweepInterval is how often expired certificates and stale
	// delegations are processed
	SweepInterval time.Duration
	// IssuancePoll is the delay between polls of a certificate the CA is
	// still validating. Such polls do not count as attempts.
	IssuancePoll time.Duration
	// IssuanceTimeout is how long a task may keep polling before it fails
	IssuanceTimeout time.Duration
}

// TaskWorker claims due tasks from the tasks table and runs them.
type TaskWorker struct {
	store       *repository.Store
	handlers    TaskHandlers
	delegations *DelegationService
	config      TaskWorkerConfig
	log         zerolog.Logger
	now         func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewTaskWorker creates a new task worker. delegations may be nil to skip
// delegation re-checks in the sweep.
func NewTaskWorker(store *repository.Store, handlers TaskHandlers, delegations *DelegationService, config TaskWorkerConfig, log zerolog.Logger) *TaskWorker {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.Lease <= 0 {
		config.Lease = 5 * time.Minute
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 30 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}
	if config.IssuancePoll <= 0 {
		config.IssuancePoll = 15 * time.Minute
	}
	if config.IssuanceTimeout <= 0 {
		config.IssuanceTimeout = 30 * 24 * time.Hour
	}

	return &TaskWorker{
		store:       store,
		handlers:    handlers,
		delegations: delegations,
		config:      config,
		log:         log.With().Str("component", "task_worker").Logger(),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start begins polling for tasks in the background
func (w *TaskWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(2)
	go w.pollLoop()
	go w.sweepLoop()

	w.log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("concurrency", w.config.Concurrency).
		Msg("task worker started")
}

// Stop gracefully stops the worker, waiting for running tasks
func (w *TaskWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().Msg("task worker stopped")
}

// IsRunning returns whether the worker is currently running
func (w *TaskWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *TaskWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := w.taskContext(w.config.Lease)
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.Error().Err(err).Msg("task poll failed")
			}
			cancel()
		}
	}
}

func (w *TaskWorker) sweepLoop() {
	defer w.wg.Done()

	w.sweep()

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// taskContext returns a system-caller context that is also cancelled when
// the worker stops.
func (w *TaskWorker) taskContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(caller.System(context.Background()), timeout)
	stopCh := w.stopCh
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// RunOnce claims one batch of due tasks and runs it to completion. It
// returns the number of tasks handled.
func (w *TaskWorker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.store.Tasks.ClaimDue(ctx, w.now().UTC(), w.config.Lease, w.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			return w.process(gctx, task)
		})
	}
	return len(tasks), g.Wait()
}

// process runs task and records its outcome. Handler failures are recorded
// on the task, only bookkeeping failures are returned.
func (w *TaskWorker) process(ctx context.Context, task models.Task) error {
	start := time.Now()
	err := w.dispatch(ctx, task)
	metrics.TaskDuration.WithLabelValues(task.Action).Observe(time.Since(start).Seconds())

	log := w.log.With().
		Uint("task_id", task.ID).
		Uint("order_id", task.OrderID).
		Str("action", task.Action).
		Int("attempt", task.Attempts+1).
		Logger()

	switch {
	case err == nil:
		metrics.TasksProcessed.WithLabelValues(task.Action, models.TaskStatusSuccessful).Inc()
		log.Debug().Msg("task succeeded")
		return w.store.Tasks.Finish(ctx, task.ID, models.TaskStatusSuccessful, "")

	case errors.Is(err, apperrors.ErrNotIssued) && w.now().Sub(task.CreatedAt) < w.config.IssuanceTimeout:
		metrics.TasksProcessed.WithLabelValues(task.Action, "pending").Inc()
		log.Debug().Err(err).Dur("poll_in", w.config.IssuancePoll).Msg("certificate not issued yet")
		return w.store.Tasks.Reschedule(ctx, task.ID, w.now().UTC().Add(w.config.IssuancePoll), task.Attempts, taskResult(err))

	case apperrors.IsRetryable(err) && !errors.Is(err, apperrors.ErrNotIssued) && task.Attempts+1 < w.config.MaxAttempts:
		delay := w.retryDelay(task.Attempts)
		metrics.TasksProcessed.WithLabelValues(task.Action, "retry").Inc()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("task will be retried")
		return w.store.Tasks.Reschedule(ctx, task.ID, w.now().UTC().Add(delay), task.Attempts+1, taskResult(err))

	default:
		metrics.TasksProcessed.WithLabelValues(task.Action, models.TaskStatusFailed).Inc()
		log.Error().Err(err).Str("kind", string(apperrors.KindOf(err))).Msg("task failed")
		return w.store.Tasks.Finish(ctx, task.ID, models.TaskStatusFailed, taskResult(err))
	}
}

func (w *TaskWorker) dispatch(ctx context.Context, task models.Task) error {
	switch task.Action {
	case models.TaskCommit:
		return w.handlers.Commit(ctx, task.OrderID)
	case models.TaskSync:
		return w.handlers.Sync(ctx, task.OrderID)
	case models.TaskCancel:
		return w.handlers.FinalizeCancel(ctx, task.OrderID)
	case models.TaskRevalidate:
		return w.handlers.Revalidate(ctx, task.OrderID)
	default:
		return apperrors.New(apperrors.ErrInvalidInput, "unknown task action %q", task.Action)
	}
}

// taskResult is the error text stored on a task.
func taskResult(err error) string {
	return validator.SanitizeString(err.Error(), maxTaskResultLen)
}

// retryDelay doubles RetryBase per attempt, capped at maxRetryDelay.
func (w *TaskWorker) retryDelay(attempts int) time.Duration {
	delay := w.config.RetryBase
	for i := 0; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// sweep expires certificates past their end date and re-checks the least
// recently checked delegations.
func (w *TaskWorker) sweep() {
	ctx, cancel := w.taskContext(5 * time.Minute)
	defer cancel()

	if err := w.Sweep(ctx); err != nil {
		w.log.Error().Err(err).Msg("sweep failed")
	}
}

// Sweep runs one expiry and delegation sweep.
func (w *TaskWorker) Sweep(ctx context.Context) error {
	expired, err := w.handlers.ExpireDue(ctx, w.now().UTC(), w.config.BatchSize*10)
	if err != nil {
		return fmt.Errorf("failed to expire certificates: %w", err)
	}

	checked := 0
	if w.delegations != nil {
		checked, err = w.delegations.CheckStale(ctx, w.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to check delegations: %w", err)
		}
	}

	w.log.Debug().Int("expired", expired).Int("delegations_checked", checked).Msg("sweep finished")
	return nil
}
