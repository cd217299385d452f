package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/conductor/internal/dispatch"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/pool"
	"github.com/slok/conductor/internal/session"
	"github.com/slok/conductor/internal/session/fake"
	"github.com/slok/conductor/internal/storage"
	"github.com/slok/conductor/internal/storage/memory"
)

type harness struct {
	repo       *memory.Repository
	launcher   *fake.Launcher
	dispatcher *dispatch.Dispatcher
}

func getTestHarness(t *testing.T, respond fake.RespondFunc, maxAttempts, allowance int) *harness {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	launcher, err := fake.NewLauncher(fake.LauncherConfig{Respond: respond})
	require.NoError(t, err)

	p, err := pool.NewPool(context.Background(), pool.Config{
		Launcher:   launcher,
		MaxPerTier: map[model.Tier]int{model.TierBasic: 2, model.TierAdvanced: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Drain(context.Background()) })

	d, err := dispatch.NewDispatcher(dispatch.Config{
		Steps:               repo,
		Pool:                p,
		MaxAttempts:         maxAttempts,
		EscalationAllowance: allowance,
		StepTimeout:         time.Second,
	})
	require.NoError(t, err)

	return &harness{repo: repo, launcher: launcher, dispatcher: d}
}

// settle runs scheduling passes until no step is in a non-terminal, ready or
// pending state, or the pass budget runs out.
func (h *harness) settle(t *testing.T, taskID string, passes int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < passes; i++ {
		require.NoError(t, h.dispatcher.Tick(ctx))
		h.dispatcher.Wait()

		steps, err := h.repo.ListSteps(ctx, taskID)
		require.NoError(t, err)
		pending := false
		for _, s := range steps {
			if !s.State.Terminal() {
				pending = true
				break
			}
		}
		if !pending {
			return
		}
	}
}

func summarySchema() model.Schema {
	return model.Schema{Fields: []model.SchemaField{{Name: "summary", Type: model.FieldTypeString, Required: true}}}
}

func seedTask(t *testing.T, repo *memory.Repository, taskID string, names ...string) []model.Step {
	t.Helper()

	now := time.Now().UTC()
	steps := make([]model.Step, 0, len(names))
	for i, name := range names {
		var deps []string
		if i > 0 {
			deps = []string{steps[i-1].ID}
		}
		steps = append(steps, model.Step{
			ID:        ulid.Make().String(),
			TaskID:    taskID,
			Name:      name,
			Tier:      model.TierBasic,
			Payload:   "do " + name,
			Schema:    summarySchema(),
			DependsOn: deps,
			State:     model.StepStatePending,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt: now,
		})
	}

	task := model.Task{ID: taskID, Description: "test task", Status: model.TaskStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateTask(context.Background(), task, steps))

	return steps
}

func validRespond(tier model.Tier, req session.Request) (*session.Response, error) {
	return &session.Response{ID: req.ID, Raw: []byte(`{"summary": "done"}`)}, nil
}

func TestDispatchHappyPath(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := getTestHarness(t, validRespond, 3, 1)
	ctx := context.Background()
	steps := seedTask(t, h.repo, "task-1", "analyze", "implement")

	h.settle(t, "task-1", 5)

	for _, s := range steps {
		got, err := h.repo.GetStep(ctx, s.ID)
		require.NoError(err)
		assert.Equal(model.StepStateDone, got.State, "step %s", s.Name)
		assert.JSONEq(`{"summary": "done"}`, got.Result)
	}

	task, err := h.repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusDone, task.Status)

	// The chain runs on one warm session, not one per step.
	assert.Len(h.launcher.Launched(), 1)
}

func TestDispatchValidationRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	calls := 0
	respond := func(tier model.Tier, req session.Request) (*session.Response, error) {
		calls++
		if calls == 1 {
			return &session.Response{ID: req.ID, Raw: []byte(`{"wrong": true}`)}, nil
		}
		return &session.Response{ID: req.ID, Raw: []byte(`{"summary": "fixed"}`)}, nil
	}

	h := getTestHarness(t, respond, 3, 1)
	ctx := context.Background()
	steps := seedTask(t, h.repo, "task-1", "analyze")

	h.settle(t, "task-1", 5)

	got, err := h.repo.GetStep(ctx, steps[0].ID)
	require.NoError(err)
	assert.Equal(model.StepStateDone, got.State)
	assert.Equal(2, got.Attempts)

	attempts, err := h.repo.ListAttempts(ctx, steps[0].ID)
	require.NoError(err)
	require.Len(attempts, 1)
	assert.Equal(model.FaultValidation, attempts[0].Fault)

	// The retry prompt carried the validation feedback.
	reqs := h.launcher.Launched()[0].Requests()
	require.Len(reqs, 2)
	assert.Empty(reqs[0].Feedback)
	assert.Contains(reqs[1].Feedback, "rejected")
}

func TestDispatchCountsSuccessfulAttempt(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	calls := 0
	respond := func(tier model.Tier, req session.Request) (*session.Response, error) {
		calls++
		if calls <= 2 {
			return &session.Response{ID: req.ID, Raw: []byte(`{"wrong": true}`)}, nil
		}
		return &session.Response{ID: req.ID, Raw: []byte(`{"summary": "fixed"}`)}, nil
	}

	h := getTestHarness(t, respond, 3, 1)
	ctx := context.Background()
	steps := seedTask(t, h.repo, "task-1", "analyze")

	h.settle(t, "task-1", 5)

	// Two rejections plus the winning turn make three attempts.
	got, err := h.repo.GetStep(ctx, steps[0].ID)
	require.NoError(err)
	assert.Equal(model.StepStateDone, got.State)
	assert.Equal(3, got.Attempts)
	assert.False(got.Escalated)

	attempts, err := h.repo.ListAttempts(ctx, steps[0].ID)
	require.NoError(err)
	require.Len(attempts, 2)
	assert.Equal(1, attempts[0].Number)
	assert.Equal(2, attempts[1].Number)
}

func TestDispatchEscalationThenFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	respond := func(tier model.Tier, req session.Request) (*session.Response, error) {
		return &session.Response{ID: req.ID, Raw: []byte(`{"wrong": true}`)}, nil
	}

	h := getTestHarness(t, respond, 2, 1)
	ctx := context.Background()
	steps := seedTask(t, h.repo, "task-1", "analyze", "implement")

	h.settle(t, "task-1", 10)

	got, err := h.repo.GetStep(ctx, steps[0].ID)
	require.NoError(err)
	assert.Equal(model.StepStateFailed, got.State)
	assert.True(got.Escalated)
	assert.Equal(model.TierAdvanced, got.Tier)
	assert.Equal(3, got.Attempts)

	attempts, err := h.repo.ListAttempts(ctx, steps[0].ID)
	require.NoError(err)
	require.Len(attempts, 3)
	assert.Equal(model.TierBasic, attempts[0].Tier)
	assert.Equal(model.TierBasic, attempts[1].Tier)
	assert.Equal(model.TierAdvanced, attempts[2].Tier)

	// The blocked dependent failed with it.
	dep, err := h.repo.GetStep(ctx, steps[1].ID)
	require.NoError(err)
	assert.Equal(model.StepStateFailed, dep.State)
	assert.Contains(dep.LastError, "analyze")

	task, err := h.repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusFailed, task.Status)
}

func TestDispatchFailurePropagationSparesUnrelatedBranches(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	respond := func(tier model.Tier, req session.Request) (*session.Response, error) {
		if req.Payload == "do doomed" {
			return &session.Response{ID: req.ID, Raw: []byte(`not even json`)}, nil
		}
		return validRespond(tier, req)
	}

	h := getTestHarness(t, respond, 1, 0)
	ctx := context.Background()

	// Two independent branches: doomed -> blocked, fine.
	now := time.Now().UTC()
	doomed := model.Step{
		ID: ulid.Make().String(), TaskID: "task-1", Name: "doomed", Tier: model.TierBasic,
		Payload: "do doomed", Schema: summarySchema(), State: model.StepStatePending,
		CreatedAt: now, UpdatedAt: now,
	}
	blocked := model.Step{
		ID: ulid.Make().String(), TaskID: "task-1", Name: "blocked", Tier: model.TierBasic,
		Payload: "do blocked", Schema: summarySchema(), DependsOn: []string{doomed.ID},
		State: model.StepStatePending, CreatedAt: now.Add(time.Millisecond), UpdatedAt: now,
	}
	fine := model.Step{
		ID: ulid.Make().String(), TaskID: "task-1", Name: "fine", Tier: model.TierBasic,
		Payload: "do fine", Schema: summarySchema(), State: model.StepStatePending,
		CreatedAt: now.Add(2 * time.Millisecond), UpdatedAt: now,
	}
	task := model.Task{ID: "task-1", Description: "branches", Status: model.TaskStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(h.repo.CreateTask(ctx, task, []model.Step{doomed, blocked, fine}))

	h.settle(t, "task-1", 10)

	gotDoomed, err := h.repo.GetStep(ctx, doomed.ID)
	require.NoError(err)
	assert.Equal(model.StepStateFailed, gotDoomed.State)

	gotBlocked, err := h.repo.GetStep(ctx, blocked.ID)
	require.NoError(err)
	assert.Equal(model.StepStateFailed, gotBlocked.State)

	gotFine, err := h.repo.GetStep(ctx, fine.ID)
	require.NoError(err)
	assert.Equal(model.StepStateDone, gotFine.State)
}

func TestDispatchDeadSessionChargesAttempt(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var h *harness
	calls := 0
	respond := func(tier model.Tier, req session.Request) (*session.Response, error) {
		calls++
		if calls == 1 {
			// Kill the session mid-turn.
			h.launcher.Launched()[0].MarkDead()
			return nil, model.ErrSessionDied
		}
		return validRespond(tier, req)
	}

	h = getTestHarness(t, respond, 3, 1)
	ctx := context.Background()
	steps := seedTask(t, h.repo, "task-1", "analyze")

	h.settle(t, "task-1", 5)

	got, err := h.repo.GetStep(ctx, steps[0].ID)
	require.NoError(err)
	assert.Equal(model.StepStateDone, got.State)
	assert.Equal(2, got.Attempts)

	attempts, err := h.repo.ListAttempts(ctx, steps[0].ID)
	require.NoError(err)
	require.Len(attempts, 1)
	assert.Equal(model.FaultSessionDied, attempts[0].Fault)

	// The dead session was retired and the retry ran on a fresh one.
	require.Len(h.launcher.Launched(), 2)
	assert.True(h.launcher.Launched()[0].Closed())
}

func TestDispatchStaleRequeueKeepsAttemptBudget(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	respond := func(tier model.Tier, req session.Request) (*session.Response, error) {
		return &session.Response{ID: req.ID, Raw: []byte(`{"wrong": true}`)}, nil
	}

	h := getTestHarness(t, respond, 2, 1)
	ctx := context.Background()
	steps := seedTask(t, h.repo, "task-1", "analyze")

	// First turn gets rejected and the step goes back to ready.
	require.NoError(h.dispatcher.Tick(ctx))
	h.dispatcher.Wait()

	got, err := h.repo.GetStep(ctx, steps[0].ID)
	require.NoError(err)
	require.Equal(model.StepStateReady, got.State)
	require.Equal(1, got.Attempts)

	// Simulate a crash mid-turn: the step is left dispatched and gets
	// requeued on restart with its turn already charged.
	err = h.repo.TransitionStep(ctx, storage.StepTransition{
		StepID: steps[0].ID,
		From:   model.StepStateReady,
		To:     model.StepStateDispatched,
		Mutate: func(s *model.Step) { s.Attempts = 2 },
	})
	require.NoError(err)
	_, err = h.repo.RequeueStale(ctx, 0)
	require.NoError(err)

	h.settle(t, "task-1", 10)

	// One escalated turn remains, then the step fails inside its budget of
	// max attempts plus the escalation allowance.
	got, err = h.repo.GetStep(ctx, steps[0].ID)
	require.NoError(err)
	assert.Equal(model.StepStateFailed, got.State)
	assert.True(got.Escalated)
	assert.Equal(model.TierAdvanced, got.Tier)
	assert.Equal(3, got.Attempts)

	attempts, err := h.repo.ListAttempts(ctx, steps[0].ID)
	require.NoError(err)
	require.Len(attempts, 3)
	assert.Equal(model.FaultStale, attempts[1].Fault)
	assert.Equal(model.TierAdvanced, attempts[2].Tier)
	assert.Equal(3, attempts[2].Number)
}

func TestDispatchTierCapQueuesExcessSteps(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	launcher, err := fake.NewLauncher(fake.LauncherConfig{Respond: validRespond})
	require.NoError(err)

	// A single basic slot for two runnable steps.
	p, err := pool.NewPool(context.Background(), pool.Config{
		Launcher:   launcher,
		MaxPerTier: map[model.Tier]int{model.TierBasic: 1, model.TierAdvanced: 1},
	})
	require.NoError(err)
	t.Cleanup(func() { p.Drain(context.Background()) })

	d, err := dispatch.NewDispatcher(dispatch.Config{
		Steps:               repo,
		Pool:                p,
		MaxAttempts:         3,
		EscalationAllowance: 1,
		StepTimeout:         time.Second,
	})
	require.NoError(err)
	h := &harness{repo: repo, launcher: launcher, dispatcher: d}

	ctx := context.Background()
	now := time.Now().UTC()
	first := model.Step{
		ID: ulid.Make().String(), TaskID: "task-1", Name: "first", Tier: model.TierBasic,
		Payload: "do first", Schema: summarySchema(), State: model.StepStatePending,
		CreatedAt: now, UpdatedAt: now,
	}
	second := model.Step{
		ID: ulid.Make().String(), TaskID: "task-1", Name: "second", Tier: model.TierBasic,
		Payload: "do second", Schema: summarySchema(), State: model.StepStatePending,
		CreatedAt: now.Add(time.Millisecond), UpdatedAt: now,
	}
	task := model.Task{ID: "task-1", Description: "capped", Status: model.TaskStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(repo.CreateTask(ctx, task, []model.Step{first, second}))

	h.settle(t, "task-1", 5)

	// The second step waited for the slot instead of failing.
	for _, s := range []model.Step{first, second} {
		got, err := repo.GetStep(ctx, s.ID)
		require.NoError(err)
		assert.Equal(model.StepStateDone, got.State, "step %s", s.Name)
		assert.Equal(1, got.Attempts, "step %s", s.Name)
	}

	task2, err := repo.GetTask(ctx, "task-1")
	require.NoError(err)
	assert.Equal(model.TaskStatusDone, task2.Status)

	// Both ran through the one warm basic session.
	assert.Len(launcher.Launched(), 1)
}

func TestNewDispatcher(t *testing.T) {
	tests := map[string]struct {
		cfg    func(t *testing.T) dispatch.Config
		expErr bool
	}{
		"Valid configuration should create dispatcher successfully": {
			cfg: func(t *testing.T) dispatch.Config {
				repo, err := memory.NewRepository(memory.RepositoryConfig{})
				require.NoError(t, err)
				launcher, err := fake.NewLauncher(fake.LauncherConfig{})
				require.NoError(t, err)
				p, err := pool.NewPool(context.Background(), pool.Config{Launcher: launcher, MaxPerTier: map[model.Tier]int{model.TierBasic: 1}})
				require.NoError(t, err)
				return dispatch.Config{Steps: repo, Pool: p}
			},
		},

		"Missing step repository should fail": {
			cfg: func(t *testing.T) dispatch.Config {
				launcher, err := fake.NewLauncher(fake.LauncherConfig{})
				require.NoError(t, err)
				p, err := pool.NewPool(context.Background(), pool.Config{Launcher: launcher, MaxPerTier: map[model.Tier]int{model.TierBasic: 1}})
				require.NoError(t, err)
				return dispatch.Config{Pool: p}
			},
			expErr: true,
		},

		"Missing pool should fail": {
			cfg: func(t *testing.T) dispatch.Config {
				repo, err := memory.NewRepository(memory.RepositoryConfig{})
				require.NoError(t, err)
				return dispatch.Config{Steps: repo}
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			d, err := dispatch.NewDispatcher(test.cfg(t))

			if test.expErr {
				assert.Error(err)
				assert.Nil(d)
			} else {
				assert.NoError(err)
				assert.NotNil(d)
			}
		})
	}
}
