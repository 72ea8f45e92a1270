package models

import (
	"time"
)

// Task statuses
const (
	TaskStatusExecuting  = "executing"
	TaskStatusStopped    = "stopped"
	TaskStatusSuccessful = "successful"
	TaskStatusFailed     = "failed"
)

// Task actions
const (
	TaskCommit     = "commit"
	TaskSync       = "sync"
	TaskCancel     = "cancel"
	TaskRevalidate = "revalidate"
)

// Task is a durable unit of asynchronous work. At most one executing task
// exists per (order, action), enforced by a partial unique index.
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	OrderID     uint       `gorm:"not null;index;uniqueIndex:idx_tasks_executing,where:status = 'executing'" json:"order_id"`
	Action      string     `gorm:"not null;size:20;uniqueIndex:idx_tasks_executing,where:status = 'executing'" json:"action"`
	StartedAt   time.Time  `gorm:"not null;index" json:"started_at"`
	Status      string     `gorm:"not null;size:20;index" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	Result      string     `gorm:"type:text" json:"result,omitempty"`
	Source      string     `gorm:"size:20" json:"source"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Task
func (Task) TableName() string {
	return "tasks"
}
