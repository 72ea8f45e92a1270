package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/welldanyogia/certbroker/internal/caller"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
)

// MinCancelDelay is the grace period before a cancel task may run, leaving
// room for the cancellation to be revoked.
const MinCancelDelay = 120 * time.Second

// TaskOrchestrator schedules deduplicated, delayable order tasks.
type TaskOrchestrator struct {
	log zerolog.Logger
	now func() time.Time
}

// NewTaskOrchestrator creates a new TaskOrchestrator
func NewTaskOrchestrator(log zerolog.Logger) *TaskOrchestrator {
	return &TaskOrchestrator{
		log: log.With().Str("component", "tasks").Logger(),
		now: time.Now,
	}
}

// CreateTask schedules action for every order after delay, skipping orders
// that already have that action executing. It returns the tasks it created.
// Cancel tasks never start before MinCancelDelay.
func (o *TaskOrchestrator) CreateTask(ctx context.Context, tx *repository.Store, orderIDs []uint, action string, delay time.Duration) ([]models.Task, error) {
	if action == models.TaskCancel && delay < MinCancelDelay {
		delay = MinCancelDelay
	}
	if delay < 0 {
		delay = 0
	}

	startAt := o.now().UTC().Add(delay)
	source := string(caller.FromContext(ctx).Kind)

	var created []models.Task
	for _, orderID := range orderIDs {
		task := models.Task{
			OrderID:   orderID,
			Action:    action,
			StartedAt: startAt,
			Status:    models.TaskStatusExecuting,
			Source:    source,
		}
		ok, err := tx.Tasks.CreateIfNotExecuting(ctx, &task)
		if err != nil {
			return nil, err
		}
		if !ok {
			o.log.Debug().Uint("order_id", orderID).Str("action", action).Msg("task already executing")
			continue
		}
		created = append(created, task)
	}
	return created, nil
}

// DeleteTask removes executing and stopped tasks of the given actions. A
// worker already running one of them is not interrupted.
func (o *TaskOrchestrator) DeleteTask(ctx context.Context, tx *repository.Store, orderIDs []uint, actions []string) (int64, error) {
	n, err := tx.Tasks.DeleteActive(ctx, orderIDs, actions)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.Info().Int64("deleted", n).Strs("actions", actions).Msg("tasks deleted")
	}
	return n, nil
}
