package pool_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/pool"
	"github.com/slok/conductor/internal/session/fake"
	"github.com/slok/conductor/internal/session/sessionmock"
	"github.com/slok/conductor/internal/storage/memory"
)

func getTestPool(t *testing.T, maxPerTier map[model.Tier]int) (*pool.Pool, *fake.Launcher) {
	t.Helper()

	launcher, err := fake.NewLauncher(fake.LauncherConfig{})
	require.NoError(t, err)

	p, err := pool.NewPool(context.Background(), pool.Config{
		Launcher:   launcher,
		MaxPerTier: maxPerTier,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Drain(context.Background()) })

	return p, launcher
}

func TestNewPool(t *testing.T) {
	tests := map[string]struct {
		cfg    func() pool.Config
		expErr bool
	}{
		"Valid configuration should create pool successfully": {
			cfg: func() pool.Config {
				launcher, _ := fake.NewLauncher(fake.LauncherConfig{})
				return pool.Config{Launcher: launcher, MaxPerTier: map[model.Tier]int{model.TierBasic: 1}}
			},
		},

		"Missing launcher should fail": {
			cfg: func() pool.Config {
				return pool.Config{MaxPerTier: map[model.Tier]int{model.TierBasic: 1}}
			},
			expErr: true,
		},

		"Missing tier capacities should fail": {
			cfg: func() pool.Config {
				launcher, _ := fake.NewLauncher(fake.LauncherConfig{})
				return pool.Config{Launcher: launcher}
			},
			expErr: true,
		},

		"Zero capacity should fail": {
			cfg: func() pool.Config {
				launcher, _ := fake.NewLauncher(fake.LauncherConfig{})
				return pool.Config{Launcher: launcher, MaxPerTier: map[model.Tier]int{model.TierBasic: 0}}
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			p, err := pool.NewPool(context.Background(), test.cfg())

			if test.expErr {
				assert.Error(err)
				assert.Nil(p)
			} else {
				assert.NoError(err)
				assert.NotNil(p)
			}
		})
	}
}

func TestAcquireColdStartsAndReuses(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, launcher := getTestPool(t, map[model.Tier]int{model.TierBasic: 2})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	assert.Len(launcher.Launched(), 1)

	// Releasing healthy keeps the session warm, the next acquire reuses it
	// instead of launching a new one.
	p.Release(ctx, l1, pool.OutcomeHealthy)

	l2, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	assert.Equal(l1.SessionID(), l2.SessionID())
	assert.Len(launcher.Launched(), 1)
	p.Release(ctx, l2, pool.OutcomeHealthy)
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := getTestPool(t, map[model.Tier]int{model.TierBasic: 1})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)

	// A second acquire must wait, not fail.
	got := make(chan *pool.Lease)
	go func() {
		l, err := p.Acquire(ctx, model.TierBasic)
		assert.NoError(err)
		got <- l
	}()

	select {
	case <-got:
		t.Fatal("acquire should have blocked at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(ctx, l1, pool.OutcomeHealthy)

	select {
	case l2 := <-got:
		assert.Equal(l1.SessionID(), l2.SessionID())
		p.Release(ctx, l2, pool.OutcomeHealthy)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire never got the released session")
	}
}

func TestAcquireTimesOutExhausted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := getTestPool(t, map[model.Tier]int{model.TierBasic: 1})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	defer p.Release(ctx, l1, pool.OutcomeHealthy)

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(timeoutCtx, model.TierBasic)
	assert.ErrorIs(err, model.ErrPoolExhausted)
}

func TestAcquirePrefersWarmHigherTier(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := getTestPool(t, map[model.Tier]int{model.TierBasic: 1, model.TierAdvanced: 1})
	ctx := context.Background()

	// Hold the only basic slot.
	lb, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	defer p.Release(ctx, lb, pool.OutcomeHealthy)

	// Warm an advanced session.
	la, err := p.Acquire(ctx, model.TierAdvanced)
	require.NoError(err)
	advancedID := la.SessionID()
	p.Release(ctx, la, pool.OutcomeHealthy)

	// The next basic acquire gets the warm advanced session instead of
	// blocking.
	l, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	defer p.Release(ctx, l, pool.OutcomeHealthy)

	assert.Equal(advancedID, l.SessionID())
	assert.Equal(model.TierAdvanced, l.Tier())
}

func TestAcquireUnknownTier(t *testing.T) {
	assert := assert.New(t)

	p, _ := getTestPool(t, map[model.Tier]int{model.TierBasic: 1})

	_, err := p.Acquire(context.Background(), model.TierAdvanced)
	assert.ErrorIs(err, model.ErrNotValid)
}

func TestReleaseDeadRetiresSession(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, launcher := getTestPool(t, map[model.Tier]int{model.TierBasic: 1})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)

	p.Release(ctx, l1, pool.OutcomeDead)
	assert.True(launcher.Launched()[0].Closed())

	// The freed capacity allows a fresh cold start.
	l2, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	assert.NotEqual(l1.SessionID(), l2.SessionID())
	assert.Len(launcher.Launched(), 2)
	p.Release(ctx, l2, pool.OutcomeHealthy)
}

func TestReleaseSuspectProbes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, launcher := getTestPool(t, map[model.Tier]int{model.TierBasic: 1})
	ctx := context.Background()

	// A suspect session that still answers pings goes back to the warm set.
	l1, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	p.Release(ctx, l1, pool.OutcomeSuspect)

	l2, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	assert.Equal(l1.SessionID(), l2.SessionID())

	// A suspect session that fails the probe is retired.
	launcher.Launched()[0].MarkDead()
	p.Release(ctx, l2, pool.OutcomeSuspect)
	assert.True(launcher.Launched()[0].Closed())
}

func TestPersistsSessionStates(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	launcher, err := fake.NewLauncher(fake.LauncherConfig{})
	require.NoError(err)

	ctx := context.Background()
	p, err := pool.NewPool(ctx, pool.Config{
		Launcher:   launcher,
		Sessions:   repo,
		MaxPerTier: map[model.Tier]int{model.TierBasic: 1},
	})
	require.NoError(err)

	l, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)

	sessions, err := repo.ListSessions(ctx)
	require.NoError(err)
	require.Len(sessions, 1)
	assert.Equal(model.SessionStatusBusy, sessions[0].Status)

	p.Release(ctx, l, pool.OutcomeHealthy)
	sessions, err = repo.ListSessions(ctx)
	require.NoError(err)
	assert.Equal(model.SessionStatusWarm, sessions[0].Status)

	p.Drain(ctx)
	sessions, err = repo.ListSessions(ctx)
	require.NoError(err)
	assert.Equal(model.SessionStatusDead, sessions[0].Status)
}

func TestReleaseSuspectProbesSession(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	mRunner := sessionmock.NewMockRunner(t)
	mRunner.On("ID").Maybe().Return("session-1")
	mRunner.On("Ping", mock.Anything).Once().Return(nil)
	mRunner.On("Ping", mock.Anything).Once().Return(fmt.Errorf("session gone"))
	mRunner.On("Close").Once().Return(nil)

	mLauncher := sessionmock.NewMockLauncher(t)
	mLauncher.On("Launch", mock.Anything, model.TierBasic).Once().Return(mRunner, nil)

	p, err := pool.NewPool(ctx, pool.Config{
		Launcher:   mLauncher,
		MaxPerTier: map[model.Tier]int{model.TierBasic: 1},
	})
	require.NoError(err)

	// A suspect session that answers the probe goes back to the warm set.
	l, err := p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	p.Release(ctx, l, pool.OutcomeSuspect)

	// The same session is reused; a failed probe retires it.
	l, err = p.Acquire(ctx, model.TierBasic)
	require.NoError(err)
	p.Release(ctx, l, pool.OutcomeSuspect)
}

func TestDrainStopsLeasing(t *testing.T) {
	assert := assert.New(t)

	p, _ := getTestPool(t, map[model.Tier]int{model.TierBasic: 1})

	p.Drain(context.Background())

	_, err := p.Acquire(context.Background(), model.TierBasic)
	assert.ErrorIs(err, model.ErrPoolExhausted)
}
