package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/storage"
)

// TaskUpsert is everything a remote needs to publish one task.
type TaskUpsert struct {
	Task  model.Task
	Steps []model.Step
	// Ref is the existing remote reference, empty on first publish.
	Ref string
}

// StepUpsert is everything a remote needs to publish one step update.
type StepUpsert struct {
	Task     model.Task
	TaskRef  string
	Step     model.Step
	Attempts []model.StepAttempt
	// Ref is the existing remote reference, empty on first publish.
	Ref string
}

// Remote publishes tasks and steps to an external tracking platform. The
// remote is a projection of local state, never the source of truth.
type Remote interface {
	PublishTask(ctx context.Context, u TaskUpsert) (ref string, err error)
	PublishStep(ctx context.Context, u StepUpsert) (ref string, err error)
}

// ServiceConfig is the configuration of the projection service.
type ServiceConfig struct {
	Tasks      storage.TaskRepository
	Steps      storage.StepRepository
	Projection storage.ProjectionRepository
	Remote     Remote
	// Interval is the period of the outbox flush loop.
	Interval time.Duration
	// BatchSize caps how many events one flush takes.
	BatchSize int
	// MaxEventAttempts parks an event as permanently failed after this many
	// delivery attempts.
	MaxEventAttempts int
	Logger           log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("task repository is required")
	}
	if c.Steps == nil {
		return fmt.Errorf("step repository is required")
	}
	if c.Projection == nil {
		return fmt.Errorf("projection repository is required")
	}
	if c.Remote == nil {
		return fmt.Errorf("remote is required")
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.MaxEventAttempts == 0 {
		c.MaxEventAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "projection.Service"})
	return nil
}

// Service drains the change event outbox into the remote. Publication is
// asynchronous and never blocks or fails local writes; every payload is
// hashed so an unchanged entity is acknowledged without a remote call.
type Service struct {
	tasks       storage.TaskRepository
	steps       storage.StepRepository
	projection  storage.ProjectionRepository
	remote      Remote
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      log.Logger
}

// NewService creates a new projection service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		tasks:       cfg.Tasks,
		steps:       cfg.Steps,
		projection:  cfg.Projection,
		remote:      cfg.Remote,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxEventAttempts,
		logger:      cfg.Logger,
	}, nil
}

// Run reconciles once and then drives the flush loop until the context is
// cancelled, with a final best-effort flush on the way out.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warningf("Startup reconciliation failed: %s", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			s.flushOnce(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			s.flushOnce(ctx)
		}
	}
}

// Flush drains pending events until the queue is empty.
func (s *Service) Flush(ctx context.Context) error {
	for {
		n, err := s.flushBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (s *Service) flushOnce(ctx context.Context) {
	if _, err := s.flushBatch(ctx); err != nil {
		s.logger.Errorf("Outbox flush failed: %s", err)
	}
}

func (s *Service) flushBatch(ctx context.Context) (int, error) {
	events, err := s.projection.PendingEvents(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("could not list pending events: %w", err)
	}

	for _, event := range events {
		if err := s.publishEvent(ctx, event); err != nil {
			permanent := event.Attempts+1 >= s.maxAttempts
			s.logger.WithValues(log.Kv{"event": event.ID}).Warningf("Could not publish event (permanent=%t): %s", permanent, err)
			if merr := s.projection.MarkEventFailed(ctx, event.ID, permanent); merr != nil {
				return 0, fmt.Errorf("could not mark event failed: %w", merr)
			}
			continue
		}

		if err := s.projection.MarkEventSynced(ctx, event.ID); err != nil {
			return 0, fmt.Errorf("could not mark event synced: %w", err)
		}
	}

	return len(events), nil
}

func (s *Service) publishEvent(ctx context.Context, event model.ChangeEvent) error {
	switch event.EntityKind {
	case model.EntityKindTask:
		_, err := s.syncTask(ctx, event.EntityID)
		return err
	case model.EntityKindStep:
		return s.syncStep(ctx, event.EntityID)
	default:
		return fmt.Errorf("unknown entity kind %q: %w", event.EntityKind, model.ErrNotValid)
	}
}

// syncTask publishes the task unless its rendered state already matches the
// last published hash. It returns the task's remote ref either way.
func (s *Service) syncTask(ctx context.Context, taskID string) (string, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("could not get task: %w", err)
	}
	steps, err := s.steps.ListSteps(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("could not list steps: %w", err)
	}

	hash := xxhash.Sum64String(RenderTaskBody(*task, steps))
	record, err := s.getRecord(ctx, model.EntityKindTask, taskID)
	if err != nil {
		return "", err
	}

	ref := ""
	if record != nil {
		ref = record.RemoteRef
		if record.StateHash == hash {
			return ref, nil
		}
	}

	ref, err = s.remote.PublishTask(ctx, TaskUpsert{Task: *task, Steps: steps, Ref: ref})
	if err != nil {
		return "", fmt.Errorf("%w: %s", model.ErrProjectionSync, err)
	}

	err = s.projection.UpsertProjectionRecord(ctx, model.ProjectionRecord{
		EntityKind: model.EntityKindTask,
		EntityID:   taskID,
		RemoteRef:  ref,
		StateHash:  hash,
		SyncedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("could not store projection record: %w", err)
	}

	return ref, nil
}

func (s *Service) syncStep(ctx context.Context, stepID string) error {
	step, err := s.steps.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("could not get step: %w", err)
	}
	task, err := s.tasks.GetTask(ctx, step.TaskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}
	attempts, err := s.steps.ListAttempts(ctx, stepID)
	if err != nil {
		return fmt.Errorf("could not list attempts: %w", err)
	}

	// Steps hang off their task's remote object, make sure it exists.
	taskRef, err := s.syncTask(ctx, step.TaskID)
	if err != nil {
		return err
	}

	hash := xxhash.Sum64String(RenderStepBody(*step, attempts))
	record, err := s.getRecord(ctx, model.EntityKindStep, stepID)
	if err != nil {
		return err
	}

	ref := ""
	if record != nil {
		ref = record.RemoteRef
		if record.StateHash == hash {
			return nil
		}
	}

	ref, err = s.remote.PublishStep(ctx, StepUpsert{
		Task:     *task,
		TaskRef:  taskRef,
		Step:     *step,
		Attempts: attempts,
		Ref:      ref,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrProjectionSync, err)
	}

	err = s.projection.UpsertProjectionRecord(ctx, model.ProjectionRecord{
		EntityKind: model.EntityKindStep,
		EntityID:   stepID,
		RemoteRef:  ref,
		StateHash:  hash,
		SyncedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("could not store projection record: %w", err)
	}

	return nil
}

// Reconcile repairs drift between local state and what was last published:
// every task is re-ensured and every already-published step whose content
// hash moved is re-published. Meant for startup and the sync command.
func (s *Service) Reconcile(ctx context.Context) error {
	tasks, err := s.tasks.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("could not list tasks: %w", err)
	}

	for _, task := range tasks {
		if _, err := s.syncTask(ctx, task.ID); err != nil {
			s.logger.WithValues(log.Kv{"task": task.ID}).Warningf("Could not reconcile task: %s", err)
		}
	}

	records, err := s.projection.ListProjectionRecords(ctx)
	if err != nil {
		return fmt.Errorf("could not list projection records: %w", err)
	}

	for _, record := range records {
		if record.EntityKind != model.EntityKindStep {
			continue
		}
		if err := s.syncStep(ctx, record.EntityID); err != nil {
			s.logger.WithValues(log.Kv{"step": record.EntityID}).Warningf("Could not reconcile step: %s", err)
		}
	}

	return nil
}

func (s *Service) getRecord(ctx context.Context, kind model.EntityKind, id string) (*model.ProjectionRecord, error) {
	record, err := s.projection.GetProjectionRecord(ctx, kind, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not get projection record: %w", err)
	}
	return record, nil
}
