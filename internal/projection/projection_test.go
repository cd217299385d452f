package projection_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/projection"
	"github.com/slok/conductor/internal/storage"
	"github.com/slok/conductor/internal/storage/memory"
)

// fakeRemote records publishes and can be scripted to fail.
type fakeRemote struct {
	mu        sync.Mutex
	taskRefs  int
	stepRefs  int
	tasks     []projection.TaskUpsert
	steps     []projection.StepUpsert
	failTasks bool
}

func (f *fakeRemote) PublishTask(ctx context.Context, u projection.TaskUpsert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failTasks {
		return "", fmt.Errorf("remote is down")
	}

	f.tasks = append(f.tasks, u)
	if u.Ref != "" {
		return u.Ref, nil
	}
	f.taskRefs++
	return fmt.Sprintf("issue-%d", f.taskRefs), nil
}

func (f *fakeRemote) PublishStep(ctx context.Context, u projection.StepUpsert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.steps = append(f.steps, u)
	if u.Ref != "" {
		return u.Ref, nil
	}
	f.stepRefs++
	return fmt.Sprintf("comment-%d", f.stepRefs), nil
}

func (f *fakeRemote) publishedTasks() []projection.TaskUpsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]projection.TaskUpsert{}, f.tasks...)
}

func (f *fakeRemote) publishedSteps() []projection.StepUpsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]projection.StepUpsert{}, f.steps...)
}

func getTestService(t *testing.T, remote *fakeRemote) (*projection.Service, *memory.Repository) {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	svc, err := projection.NewService(projection.ServiceConfig{
		Tasks:            repo,
		Steps:            repo,
		Projection:       repo,
		Remote:           remote,
		MaxEventAttempts: 2,
	})
	require.NoError(t, err)

	return svc, repo
}

func seedTask(t *testing.T, repo *memory.Repository, taskID string) model.Step {
	t.Helper()

	now := time.Now().UTC()
	step := model.Step{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Name:      "analyze",
		Tier:      model.TierBasic,
		Payload:   "do analyze",
		State:     model.StepStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	task := model.Task{ID: taskID, Description: "test task", Status: model.TaskStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateTask(context.Background(), task, []model.Step{step}))

	return step
}

func TestFlushPublishesTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	remote := &fakeRemote{}
	svc, repo := getTestService(t, remote)
	ctx := context.Background()
	seedTask(t, repo, "task-1")

	require.NoError(svc.Flush(ctx))

	tasks := remote.publishedTasks()
	require.Len(tasks, 1)
	assert.Equal("task-1", tasks[0].Task.ID)
	assert.Empty(tasks[0].Ref)

	record, err := repo.GetProjectionRecord(ctx, model.EntityKindTask, "task-1")
	require.NoError(err)
	assert.Equal("issue-1", record.RemoteRef)

	events, err := repo.PendingEvents(ctx, 10)
	require.NoError(err)
	assert.Empty(events)
}

func TestFlushDeduplicatesUnchangedState(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	remote := &fakeRemote{}
	svc, repo := getTestService(t, remote)
	ctx := context.Background()
	seedTask(t, repo, "task-1")

	require.NoError(svc.Flush(ctx))

	// A second event with unchanged content is acknowledged without a
	// remote call.
	require.NoError(repo.UpdateTaskStatus(ctx, "task-1", model.TaskStatusPending))
	require.NoError(svc.Flush(ctx))
	assert.Len(remote.publishedTasks(), 1)

	// A real change publishes again, reusing the ref.
	require.NoError(repo.UpdateTaskStatus(ctx, "task-1", model.TaskStatusCancelled))
	require.NoError(svc.Flush(ctx))
	tasks := remote.publishedTasks()
	require.Len(tasks, 2)
	assert.Equal("issue-1", tasks[1].Ref)
}

func TestFlushPublishesStepUnderTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	remote := &fakeRemote{}
	svc, repo := getTestService(t, remote)
	ctx := context.Background()
	step := seedTask(t, repo, "task-1")

	// Move the step far enough to enqueue a step event.
	_, err := repo.MarkReadySteps(ctx)
	require.NoError(err)
	err = repo.TransitionStep(ctx, storage.StepTransition{StepID: step.ID, From: model.StepStateReady, To: model.StepStateDispatched})
	require.NoError(err)

	require.NoError(svc.Flush(ctx))

	steps := remote.publishedSteps()
	require.Len(steps, 1)
	assert.Equal(step.ID, steps[0].Step.ID)
	assert.Equal("issue-1", steps[0].TaskRef)

	record, err := repo.GetProjectionRecord(ctx, model.EntityKindStep, step.ID)
	require.NoError(err)
	assert.Equal("comment-1", record.RemoteRef)
}

func TestFlushParksEventAfterTooManyFailures(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	remote := &fakeRemote{failTasks: true}
	svc, repo := getTestService(t, remote)
	ctx := context.Background()
	seedTask(t, repo, "task-1")

	// MaxEventAttempts is 2: first failure keeps it pending, second parks it.
	require.NoError(svc.Flush(ctx))
	events, err := repo.PendingEvents(ctx, 10)
	require.NoError(err)
	require.Len(events, 1)
	assert.Equal(1, events[0].Attempts)

	require.NoError(svc.Flush(ctx))
	events, err = repo.PendingEvents(ctx, 10)
	require.NoError(err)
	assert.Empty(events)
}

func TestReconcileRepairsDrift(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	remote := &fakeRemote{}
	svc, repo := getTestService(t, remote)
	ctx := context.Background()
	seedTask(t, repo, "task-1")

	require.NoError(svc.Flush(ctx))
	require.Len(remote.publishedTasks(), 1)

	// Corrupt the stored hash to simulate drift, then reconcile.
	record, err := repo.GetProjectionRecord(ctx, model.EntityKindTask, "task-1")
	require.NoError(err)
	record.StateHash = 0
	require.NoError(repo.UpsertProjectionRecord(ctx, *record))

	require.NoError(svc.Reconcile(ctx))

	tasks := remote.publishedTasks()
	require.Len(tasks, 2)
	assert.Equal("issue-1", tasks[1].Ref)

	// A clean reconcile publishes nothing.
	require.NoError(svc.Reconcile(ctx))
	assert.Len(remote.publishedTasks(), 2)
}

func TestRunReconcilesOnStartup(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	remote := &fakeRemote{}
	svc, repo := getTestService(t, remote)
	ctx := context.Background()
	seedTask(t, repo, "task-1")

	require.NoError(svc.Flush(ctx))
	require.Len(remote.publishedTasks(), 1)

	// Simulate drift accumulated while the daemon was down.
	record, err := repo.GetProjectionRecord(ctx, model.EntityKindTask, "task-1")
	require.NoError(err)
	record.StateHash = 0
	require.NoError(repo.UpsertProjectionRecord(ctx, *record))

	// A cancelled context makes Run return after the startup pass.
	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(svc.Run(runCtx))

	tasks := remote.publishedTasks()
	require.Len(tasks, 2)
	assert.Equal("issue-1", tasks[1].Ref)
}
