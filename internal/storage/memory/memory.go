package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of the storage repositories.
// A single mutex stands in for the database transaction, every operation is
// atomic with respect to the others.
type Repository struct {
	tasks      map[string]model.Task
	steps      map[string]model.Step
	attempts   map[string][]model.StepAttempt
	sessions   map[string]model.Session
	events     map[string]model.ChangeEvent
	records    map[string]model.ProjectionRecord
	eventOrder []string
	mu         sync.RWMutex
	logger     log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:    make(map[string]model.Task),
		steps:    make(map[string]model.Step),
		attempts: make(map[string][]model.StepAttempt),
		sessions: make(map[string]model.Session),
		events:   make(map[string]model.ChangeEvent),
		records:  make(map[string]model.ProjectionRecord),
		logger:   cfg.Logger,
	}, nil
}

// CreateTask creates a task with its steps and enqueues the task projection
// event.
func (r *Repository) CreateTask(ctx context.Context, task model.Task, steps []model.Step) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	for i := range steps {
		if err := steps[i].Validate(); err != nil {
			return fmt.Errorf("invalid step: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("task %s: %w", task.ID, model.ErrAlreadyExists)
	}
	for _, s := range steps {
		if _, ok := r.steps[s.ID]; ok {
			return fmt.Errorf("step %s: %w", s.ID, model.ErrAlreadyExists)
		}
	}

	r.tasks[task.ID] = task
	for _, s := range steps {
		r.steps[s.ID] = s
	}
	r.enqueueEvent(model.EntityKindTask, task.ID, task.ID)

	r.logger.Debugf("Created task %s with %d steps", task.ID, len(steps))
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	taskCopy := task
	return &taskCopy, nil
}

// ListTasks returns all tasks in creation order.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	return tasks, nil
}

// UpdateTaskStatus sets the task status and enqueues a projection event.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	r.tasks[id] = task
	r.enqueueEvent(model.EntityKindTask, id, id)

	return nil
}

// GetStep retrieves a step by ID.
func (r *Repository) GetStep(ctx context.Context, id string) (*model.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, model.ErrNotFound)
	}

	stepCopy := step
	return &stepCopy, nil
}

// ListSteps returns all steps of a task in creation order.
func (r *Repository) ListSteps(ctx context.Context, taskID string) ([]model.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.stepsOf(taskID), nil
}

// MarkReadySteps promotes pending steps whose dependencies are all done.
func (r *Repository) MarkReadySteps(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	promoted := 0
	for id, step := range r.steps {
		if step.State != model.StepStatePending {
			continue
		}

		ready := true
		for _, depID := range step.DependsOn {
			if dep, ok := r.steps[depID]; !ok || dep.State != model.StepStateDone {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		step.State = model.StepStateReady
		step.UpdatedAt = time.Now().UTC()
		r.steps[id] = step
		promoted++
	}

	return promoted, nil
}

// ListReadySteps returns every ready step of a non-terminal task.
func (r *Repository) ListReadySteps(ctx context.Context) ([]model.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var steps []model.Step
	for _, step := range r.steps {
		if step.State != model.StepStateReady {
			continue
		}
		task, ok := r.tasks[step.TaskID]
		if !ok || task.Status.Terminal() {
			continue
		}
		steps = append(steps, step)
	}
	sortSteps(steps)

	return steps, nil
}

// TransitionStep applies one state machine transition atomically.
func (r *Repository) TransitionStep(ctx context.Context, t storage.StepTransition) error {
	if !t.From.CanTransition(t.To) {
		return fmt.Errorf("step transition %s -> %s: %w", t.From, t.To, model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	step, ok := r.steps[t.StepID]
	if !ok {
		return fmt.Errorf("step %s: %w", t.StepID, model.ErrNotFound)
	}
	if step.State != t.From {
		return fmt.Errorf("step %s is %s, not %s: %w", t.StepID, step.State, t.From, model.ErrTransactionConflict)
	}

	step.State = t.To
	if t.Mutate != nil {
		t.Mutate(&step)
	}
	step.UpdatedAt = time.Now().UTC()
	r.steps[t.StepID] = step

	if t.Attempt != nil {
		a := *t.Attempt
		if a.ID == "" {
			a.ID = ulid.Make().String()
		}
		if a.RecordedAt.IsZero() {
			a.RecordedAt = time.Now().UTC()
		}
		r.attempts[t.StepID] = append(r.attempts[t.StepID], a)
	}

	if t.To == model.StepStateDispatched || t.To.Terminal() || t.Attempt != nil {
		r.enqueueEvent(model.EntityKindStep, step.ID, step.TaskID)
	}

	r.syncTaskStatus(step.TaskID)

	return nil
}

// ListAttempts returns every recorded attempt of a step, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, stepID string) ([]model.StepAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempts := make([]model.StepAttempt, len(r.attempts[stepID]))
	copy(attempts, r.attempts[stepID])

	return attempts, nil
}

// RequeueStale requeues steps stuck in flight beyond the staleness window.
func (r *Repository) RequeueStale(ctx context.Context, window time.Duration) ([]model.Step, error) {
	r.mu.Lock()
	cutoff := time.Now().UTC().Add(-window)

	var stale []model.Step
	for _, step := range r.steps {
		if !step.State.InFlight() {
			continue
		}
		if step.UpdatedAt.After(cutoff) {
			continue
		}
		stale = append(stale, step)
	}
	sortSteps(stale)
	r.mu.Unlock()

	var requeued []model.Step
	for _, s := range stale {
		sessionID := s.SessionID
		err := r.TransitionStep(ctx, storage.StepTransition{
			StepID: s.ID,
			From:   s.State,
			To:     model.StepStateReady,
			Mutate: func(step *model.Step) {
				step.LastError = "stale in-flight step requeued after restart"
				step.SessionID = ""
			},
			Attempt: &model.StepAttempt{
				StepID:    s.ID,
				Number:    s.Attempts,
				Tier:      s.Tier,
				SessionID: sessionID,
				Fault:     model.FaultStale,
				Error:     "stale in-flight step requeued after restart",
			},
		})
		if err != nil {
			return nil, fmt.Errorf("could not requeue stale step %s: %w", s.ID, err)
		}

		s.State = model.StepStateReady
		requeued = append(requeued, s)
	}

	return requeued, nil
}

// UpsertSession stores the current state of a pool session.
func (r *Repository) UpsertSession(ctx context.Context, session model.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.ID] = session
	return nil
}

// ListSessions returns every known session, oldest first.
func (r *Repository) ListSessions(ctx context.Context) ([]model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	return sessions, nil
}

// MarkAllSessionsDead marks every non-dead session dead.
func (r *Repository) MarkAllSessionsDead(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for id, s := range r.sessions {
		if s.Status == model.SessionStatusDead {
			continue
		}
		s.Status = model.SessionStatusDead
		s.StepID = ""
		s.LastActiveAt = now
		r.sessions[id] = s
	}

	return nil
}

// PendingEvents returns up to limit pending change events, oldest first.
func (r *Repository) PendingEvents(ctx context.Context, limit int) ([]model.ChangeEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []model.ChangeEvent
	for _, id := range r.eventOrder {
		e := r.events[id]
		if e.Status != model.ChangeEventStatusPending {
			continue
		}
		events = append(events, e)
		if len(events) == limit {
			break
		}
	}

	return events, nil
}

// MarkEventSynced marks a change event as delivered.
func (r *Repository) MarkEventSynced(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return fmt.Errorf("change event %s: %w", id, model.ErrNotFound)
	}
	e.Status = model.ChangeEventStatusSynced
	r.events[id] = e

	return nil
}

// MarkEventFailed records a failed delivery attempt.
func (r *Repository) MarkEventFailed(ctx context.Context, id string, permanent bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return fmt.Errorf("change event %s: %w", id, model.ErrNotFound)
	}
	e.Attempts++
	if permanent {
		e.Status = model.ChangeEventStatusFailed
	}
	r.events[id] = e

	return nil
}

// GetProjectionRecord retrieves the remote projection state of an entity.
func (r *Repository) GetProjectionRecord(ctx context.Context, kind model.EntityKind, entityID string) (*model.ProjectionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[recordKey(kind, entityID)]
	if !ok {
		return nil, fmt.Errorf("projection record %s/%s: %w", kind, entityID, model.ErrNotFound)
	}

	recordCopy := record
	return &recordCopy, nil
}

// UpsertProjectionRecord stores the remote projection state of an entity.
func (r *Repository) UpsertProjectionRecord(ctx context.Context, record model.ProjectionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[recordKey(record.EntityKind, record.EntityID)] = record
	return nil
}

// ListProjectionRecords returns every stored projection record.
func (r *Repository) ListProjectionRecords(ctx context.Context) ([]model.ProjectionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]model.ProjectionRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].EntityKind != records[j].EntityKind {
			return records[i].EntityKind < records[j].EntityKind
		}
		return records[i].EntityID < records[j].EntityID
	})

	return records, nil
}

// enqueueEvent appends a pending change event. Callers must hold the write
// lock.
func (r *Repository) enqueueEvent(kind model.EntityKind, entityID, taskID string) {
	id := ulid.Make().String()
	r.events[id] = model.ChangeEvent{
		ID:         id,
		EntityKind: kind,
		EntityID:   entityID,
		TaskID:     taskID,
		Status:     model.ChangeEventStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	r.eventOrder = append(r.eventOrder, id)
}

// syncTaskStatus recomputes the task status from its step states. Callers
// must hold the write lock.
func (r *Repository) syncTaskStatus(taskID string) {
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}

	states := make([]model.StepState, 0, 8)
	for _, s := range r.steps {
		if s.TaskID == taskID {
			states = append(states, s.State)
		}
	}

	derived := storage.DeriveTaskStatus(task.Status, states)
	if derived == task.Status {
		return
	}

	task.Status = derived
	task.UpdatedAt = time.Now().UTC()
	r.tasks[taskID] = task
	r.enqueueEvent(model.EntityKindTask, taskID, taskID)
}

func (r *Repository) stepsOf(taskID string) []model.Step {
	var steps []model.Step
	for _, s := range r.steps {
		if s.TaskID == taskID {
			steps = append(steps, s)
		}
	}
	sortSteps(steps)
	return steps
}

func recordKey(kind model.EntityKind, entityID string) string {
	return string(kind) + "/" + entityID
}

func sortSteps(steps []model.Step) {
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return steps[i].ID < steps[j].ID
	})
}
