package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/welldanyogia/certbroker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskRepository defines the interface for task queue access
type TaskRepository interface {
	// CreateIfNotExecuting inserts task unless an executing task already exists
	// for its (order, action). It reports whether a row was inserted.
	CreateIfNotExecuting(ctx context.Context, task *models.Task) (bool, error)
	GetByID(ctx context.Context, id uint) (*models.Task, error)
	GetExecuting(ctx context.Context, orderID uint, action string) (*models.Task, error)
	ListByOrder(ctx context.Context, orderID uint) ([]models.Task, error)
	DeleteActive(ctx context.Context, orderIDs []uint, actions []string) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Task, error)
	Finish(ctx context.Context, id uint, status, result string) error
	Reschedule(ctx context.Context, id uint, startAt time.Time, attempts int, result string) error
}

// taskRepository implements TaskRepository using GORM
type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository instance
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

// CreateIfNotExecuting relies on the partial unique index over executing
// tasks, so two racing creators cannot both succeed.
func (r *taskRepository) CreateIfNotExecuting(ctx context.Context, task *models.Task) (bool, error) {
	if task.Status == "" {
		task.Status = models.TaskStatusExecuting
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(task)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetByID retrieves a task by its ID
func (r *taskRepository) GetByID(ctx context.Context, id uint) (*models.Task, error) {
	var task models.Task
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// GetExecuting retrieves the executing task for (order, action)
func (r *taskRepository) GetExecuting(ctx context.Context, orderID uint, action string) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND action = ? AND status = ?", orderID, action, models.TaskStatusExecuting).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get executing task: %w", err)
	}
	return &task, nil
}

// ListByOrder retrieves all tasks of an order, oldest first
func (r *taskRepository) ListByOrder(ctx context.Context, orderID uint) ([]models.Task, error) {
	var tasks []models.Task
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// DeleteActive removes executing and stopped tasks for the given orders and actions
func (r *taskRepository) DeleteActive(ctx context.Context, orderIDs []uint, actions []string) (int64, error) {
	if len(orderIDs) == 0 || len(actions) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("order_id IN ? AND action IN ? AND status IN ?", orderIDs, actions,
			[]string{models.TaskStatusExecuting, models.TaskStatusStopped}).
		Delete(&models.Task{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ClaimDue leases up to limit due executing tasks. Rows locked by another
// worker are skipped.
func (r *taskRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.Task, error) {
	var tasks []models.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND started_at <= ? AND (locked_until IS NULL OR locked_until < ?)",
				models.TaskStatusExecuting, now, now).
			Order("started_at ASC").
			Limit(limit).
			Find(&tasks).Error
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		until := now.Add(lease)
		ids := make([]uint, len(tasks))
		for i := range tasks {
			ids[i] = tasks[i].ID
			tasks[i].LockedUntil = &until
		}
		return tx.Model(&models.Task{}).Where("id IN ?", ids).Update("locked_until", until).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	return tasks, nil
}

// Finish records a terminal status and releases the lease
func (r *taskRepository) Finish(ctx context.Context, id uint, status, result string) error {
	res := r.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id).Updates(map[string]any{
		"status":       status,
		"result":       result,
		"locked_until": nil,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to finish task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule keeps the task executing but moves its start time and releases the lease
func (r *taskRepository) Reschedule(ctx context.Context, id uint, startAt time.Time, attempts int, result string) error {
	res := r.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id).Updates(map[string]any{
		"started_at":   startAt,
		"attempts":     attempts,
		"result":       result,
		"locked_until": nil,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to reschedule task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
