package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/storage"
	"github.com/slok/conductor/internal/storage/memory"
)

func getTestRepo(t *testing.T) *memory.Repository {
	t.Helper()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	return repo
}

func testTask(id string) model.Task {
	now := time.Now().UTC()
	return model.Task{ID: id, Description: "task " + id, Status: model.TaskStatusPending, CreatedAt: now, UpdatedAt: now}
}

func testStep(taskID, name string, dependsOn ...string) model.Step {
	now := time.Now().UTC()
	return model.Step{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Name:      name,
		Tier:      model.TierBasic,
		Payload:   "do " + name,
		DependsOn: dependsOn,
		State:     model.StepStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateTask(t *testing.T) {
	tests := map[string]struct {
		preload bool
		expErr  error
	}{
		"Creating a task should work": {},

		"Creating a duplicated task should fail": {
			preload: true,
			expErr:  model.ErrAlreadyExists,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo := getTestRepo(t)
			ctx := context.Background()

			if test.preload {
				require.NoError(repo.CreateTask(ctx, testTask("task-1"), nil))
			}

			err := repo.CreateTask(ctx, testTask("task-1"), []model.Step{testStep("task-1", "analyze")})

			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)

			steps, err := repo.ListSteps(ctx, "task-1")
			require.NoError(err)
			assert.Len(steps, 1)

			events, err := repo.PendingEvents(ctx, 10)
			require.NoError(err)
			require.Len(events, 1)
			assert.Equal(model.EntityKindTask, events[0].EntityKind)
		})
	}
}

func TestStepLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo := getTestRepo(t)
	ctx := context.Background()

	s1 := testStep("task-1", "analyze")
	s2 := testStep("task-1", "implement", s1.ID)
	require.NoError(repo.CreateTask(ctx, testTask("task-1"), []model.Step{s1, s2}))

	n, err := repo.MarkReadySteps(ctx)
	require.NoError(err)
	assert.Equal(1, n)

	ready, err := repo.ListReadySteps(ctx)
	require.NoError(err)
	require.Len(ready, 1)
	assert.Equal(s1.ID, ready[0].ID)

	// A conflicting transition is rejected and leaves the step untouched.
	err = repo.TransitionStep(ctx, storage.StepTransition{StepID: s1.ID, From: model.StepStateAwaitingResponse, To: model.StepStateValidating})
	assert.ErrorIs(err, model.ErrTransactionConflict)

	for _, tr := range []struct{ from, to model.StepState }{
		{model.StepStateReady, model.StepStateDispatched},
		{model.StepStateDispatched, model.StepStateAwaitingResponse},
		{model.StepStateAwaitingResponse, model.StepStateValidating},
		{model.StepStateValidating, model.StepStateDone},
	} {
		err := repo.TransitionStep(ctx, storage.StepTransition{StepID: s1.ID, From: tr.from, To: tr.to})
		require.NoError(err)
	}

	// The dependent step unblocks and the task is active.
	n, err = repo.MarkReadySteps(ctx)
	require.NoError(err)
	assert.Equal(1, n)

	task, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusActive, task.Status)
}

func TestRequeueStale(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo := getTestRepo(t)
	ctx := context.Background()

	s1 := testStep("task-1", "analyze")
	require.NoError(repo.CreateTask(ctx, testTask("task-1"), []model.Step{s1}))
	_, err := repo.MarkReadySteps(ctx)
	require.NoError(err)
	err = repo.TransitionStep(ctx, storage.StepTransition{
		StepID: s1.ID,
		From:   model.StepStateReady,
		To:     model.StepStateDispatched,
		Mutate: func(s *model.Step) { s.Attempts = 1 },
	})
	require.NoError(err)

	requeued, err := repo.RequeueStale(ctx, 0)
	require.NoError(err)
	require.Len(requeued, 1)

	// The turn was charged at dispatch, requeueing only records the fault.
	got, err := repo.GetStep(ctx, s1.ID)
	require.NoError(err)
	assert.Equal(model.StepStateReady, got.State)
	assert.Equal(1, got.Attempts)

	attempts, err := repo.ListAttempts(ctx, s1.ID)
	require.NoError(err)
	require.Len(attempts, 1)
	assert.Equal(model.FaultStale, attempts[0].Fault)
	assert.Equal(1, attempts[0].Number)
}

func TestSessions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo := getTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(repo.UpsertSession(ctx, model.Session{ID: "session-1", Tier: model.TierBasic, Status: model.SessionStatusWarm, CreatedAt: now, LastActiveAt: now}))
	require.NoError(repo.MarkAllSessionsDead(ctx))

	sessions, err := repo.ListSessions(ctx)
	require.NoError(err)
	require.Len(sessions, 1)
	assert.Equal(model.SessionStatusDead, sessions[0].Status)
}

func TestProjectionRecords(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo := getTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetProjectionRecord(ctx, model.EntityKindStep, "step-1")
	assert.ErrorIs(err, model.ErrNotFound)

	record := model.ProjectionRecord{EntityKind: model.EntityKindStep, EntityID: "step-1", RemoteRef: "7", StateHash: 99, SyncedAt: time.Now().UTC()}
	require.NoError(repo.UpsertProjectionRecord(ctx, record))

	got, err := repo.GetProjectionRecord(ctx, model.EntityKindStep, "step-1")
	require.NoError(err)
	assert.Equal(uint64(99), got.StateHash)
}
