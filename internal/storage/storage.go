package storage

import (
	"context"
	"time"

	"github.com/slok/conductor/internal/model"
)

// TaskRepository is the interface for task persistence.
type TaskRepository interface {
	// CreateTask stores the task with all its steps (as pending) atomically
	// and enqueues the task's projection event.
	CreateTask(ctx context.Context, task model.Task, steps []model.Step) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	// UpdateTaskStatus sets the task status and enqueues a projection event.
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
}

// StepTransition describes one atomic state change of a step. The store
// commits the state change, the optional attempt record, the derived task
// status and the projection event in a single transaction, and fails with
// model.ErrTransactionConflict when the step is no longer in From.
type StepTransition struct {
	StepID string
	From   model.StepState
	To     model.StepState
	// Mutate adjusts step fields (attempts, tier, error, session, result)
	// within the transaction, after the state check and before the save.
	Mutate func(step *model.Step)
	// Attempt, when set, is recorded in the same transaction.
	Attempt *model.StepAttempt
}

// StepRepository is the interface for step persistence.
type StepRepository interface {
	GetStep(ctx context.Context, id string) (*model.Step, error)
	ListSteps(ctx context.Context, taskID string) ([]model.Step, error)
	// MarkReadySteps promotes pending steps whose dependencies are all done.
	// Readiness is judged from a single consistent snapshot.
	MarkReadySteps(ctx context.Context) (int, error)
	// ListReadySteps returns every ready step of a non-terminal task.
	ListReadySteps(ctx context.Context) ([]model.Step, error)
	// TransitionStep applies one state machine transition atomically.
	TransitionStep(ctx context.Context, t StepTransition) error
	ListAttempts(ctx context.Context, stepID string) ([]model.StepAttempt, error)
	// RequeueStale requeues steps stuck in flight for longer than the
	// staleness window, charging exactly one attempt each, and returns them.
	RequeueStale(ctx context.Context, window time.Duration) ([]model.Step, error)
}

// SessionRepository is the interface for session persistence.
type SessionRepository interface {
	UpsertSession(ctx context.Context, s model.Session) error
	ListSessions(ctx context.Context) ([]model.Session, error)
	// MarkAllSessionsDead marks every non-dead session dead. Used at startup:
	// session processes never survive a restart.
	MarkAllSessionsDead(ctx context.Context) error
}

// ProjectionRepository is the interface for the projection outbox and the
// remote reference records.
type ProjectionRepository interface {
	PendingEvents(ctx context.Context, limit int) ([]model.ChangeEvent, error)
	MarkEventSynced(ctx context.Context, id string) error
	// MarkEventFailed charges one sync attempt; the event stays pending until
	// permanent is true.
	MarkEventFailed(ctx context.Context, id string, permanent bool) error
	GetProjectionRecord(ctx context.Context, kind model.EntityKind, entityID string) (*model.ProjectionRecord, error)
	UpsertProjectionRecord(ctx context.Context, rec model.ProjectionRecord) error
	ListProjectionRecords(ctx context.Context) ([]model.ProjectionRecord, error)
}

// DeriveTaskStatus computes the task status implied by its step states.
// Cancelled and failed are sticky; any failed step fails the task; the task
// is done only when every step is done.
func DeriveTaskStatus(current model.TaskStatus, steps []model.StepState) model.TaskStatus {
	if current == model.TaskStatusCancelled || current == model.TaskStatusFailed {
		return current
	}

	allDone := true
	anyStarted := false
	for _, s := range steps {
		if s == model.StepStateFailed {
			return model.TaskStatusFailed
		}
		if s != model.StepStateDone {
			allDone = false
		}
		if s != model.StepStatePending {
			anyStarted = true
		}
	}

	switch {
	case allDone && len(steps) > 0:
		return model.TaskStatusDone
	case anyStarted:
		return model.TaskStatusActive
	default:
		return current
	}
}
