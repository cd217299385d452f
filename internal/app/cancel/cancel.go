package cancel

import (
	"context"
	"fmt"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/storage"
)

// ServiceConfig is the configuration for the cancel service.
type ServiceConfig struct {
	Tasks  storage.TaskRepository
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("task repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Cancel"})
	return nil
}

// Service cancels tasks.
type Service struct {
	tasks  storage.TaskRepository
	logger log.Logger
}

// NewService creates a new cancel service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tasks:  cfg.Tasks,
		logger: cfg.Logger,
	}, nil
}

// Cancel marks a task cancelled. No new steps of a cancelled task get
// dispatched; steps already in flight run to completion but their results no
// longer move the task.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}

	if task.Status.Terminal() {
		return fmt.Errorf("task %s is already %s: %w", taskID, task.Status, model.ErrNotValid)
	}

	if err := s.tasks.UpdateTaskStatus(ctx, taskID, model.TaskStatusCancelled); err != nil {
		return fmt.Errorf("could not cancel task: %w", err)
	}

	s.logger.Infof("Cancelled task %s", taskID)

	return nil
}
