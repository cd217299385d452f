package model

import (
	"fmt"
	"time"
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates no step of the task has been dispatched yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusActive indicates at least one step has been dispatched.
	TaskStatusActive TaskStatus = "active"
	// TaskStatusDone indicates every step reached done.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates a step exhausted its attempt budget.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled by the user.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is a unit of user-requested work, decomposed into steps. Tasks are
// only removed by explicit archival, never implicitly.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate validates the task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrNotValid)
	}
	if t.Description == "" {
		return fmt.Errorf("task description is required: %w", ErrNotValid)
	}
	return nil
}

// Terminal returns true when the task can no longer make progress.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusCancelled
}
