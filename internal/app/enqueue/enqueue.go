package enqueue

import (
	"context"
	"fmt"

	"github.com/slok/conductor/internal/decompose"
	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/storage"
)

// ServiceConfig is the configuration for the enqueue service.
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Enqueue"})
	return nil
}

// Service accepts a decomposed task plan and stores it for dispatching.
type Service struct {
	tasks  storage.TaskRepository
	logger log.Logger
}

// NewService creates a new enqueue service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tasks:  cfg.Tasks,
		logger: cfg.Logger,
	}, nil
}

// Enqueue parses a raw decomposition plan, validates its dependency graph
// and stores the task with its steps. Dispatching happens asynchronously.
func (s *Service) Enqueue(ctx context.Context, plan []byte) (*model.Task, []model.Step, error) {
	task, steps, err := decompose.Parse(plan)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid plan: %w", err)
	}

	if err := s.tasks.CreateTask(ctx, *task, steps); err != nil {
		return nil, nil, fmt.Errorf("could not store task: %w", err)
	}

	s.logger.Infof("Enqueued task %s with %d steps", task.ID, len(steps))

	return task, steps, nil
}
