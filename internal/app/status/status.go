package status

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/storage"
)

// ServiceConfig is the configuration for the status service.
type ServiceConfig struct {
	Tasks  storage.TaskRepository
	Steps  storage.StepRepository
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("task repository is required")
	}
	if c.Steps == nil {
		return fmt.Errorf("step repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Status"})
	return nil
}

// Service answers task progress queries.
type Service struct {
	tasks  storage.TaskRepository
	steps  storage.StepRepository
	logger log.Logger
}

// NewService creates a new status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tasks:  cfg.Tasks,
		steps:  cfg.Steps,
		logger: cfg.Logger,
	}, nil
}

// StepStatus is one step with its attempt history.
type StepStatus struct {
	Step     model.Step
	Attempts []model.StepAttempt
}

// TaskStatus is the full progress view of one task.
type TaskStatus struct {
	Task  model.Task
	Steps []StepStatus
	Done  int
	Total int
}

// Status returns the full progress view of a task.
func (s *Service) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	steps, err := s.steps.ListSteps(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not list steps: %w", err)
	}

	st := &TaskStatus{Task: *task, Total: len(steps)}
	for _, step := range steps {
		attempts, err := s.steps.ListAttempts(ctx, step.ID)
		if err != nil {
			return nil, fmt.Errorf("could not list attempts of step %s: %w", step.ID, err)
		}
		if step.State == model.StepStateDone {
			st.Done++
		}
		st.Steps = append(st.Steps, StepStatus{Step: step, Attempts: attempts})
	}

	return st, nil
}

// TaskSummary is the list row of one task.
type TaskSummary struct {
	Task  model.Task
	Done  int
	Total int
}

// List returns a summary of every task.
func (s *Service) List(ctx context.Context) ([]TaskSummary, error) {
	tasks, err := s.tasks.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}

	// Step listings are independent per task, fan out.
	summaries := make([]TaskSummary, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			steps, err := s.steps.ListSteps(ctx, task.ID)
			if err != nil {
				return fmt.Errorf("could not list steps of task %s: %w", task.ID, err)
			}

			summary := TaskSummary{Task: task, Total: len(steps)}
			for _, step := range steps {
				if step.State == model.StepStateDone {
					summary.Done++
				}
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return summaries, nil
}
