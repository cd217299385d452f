// Package fake provides a scripted in-memory session implementation. It
// simulates worker sessions without running real agent processes.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/session"
)

// RespondFunc produces the scripted response for one request.
type RespondFunc func(tier model.Tier, req session.Request) (*session.Response, error)

// EchoRespond answers every request with a JSON object echoing the step id.
// Handy default for tests that only care about the lifecycle.
func EchoRespond(tier model.Tier, req session.Request) (*session.Response, error) {
	raw, _ := json.Marshal(map[string]string{"step": req.StepID})
	return &session.Response{ID: req.ID, Raw: raw}, nil
}

// LauncherConfig is the configuration for the fake launcher.
type LauncherConfig struct {
	// Respond scripts session answers. Defaults to EchoRespond.
	Respond RespondFunc
	Logger  log.Logger
}

func (c *LauncherConfig) defaults() error {
	if c.Respond == nil {
		c.Respond = EchoRespond
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "session.Fake"})
	return nil
}

// Launcher is a fake implementation of session.Launcher.
type Launcher struct {
	respond RespondFunc
	logger  log.Logger

	mu       sync.Mutex
	launched []*Runner
}

// NewLauncher creates a new fake launcher.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Launcher{
		respond: cfg.Respond,
		logger:  cfg.Logger,
	}, nil
}

// Launch creates a new fake session.
func (l *Launcher) Launch(ctx context.Context, tier model.Tier) (session.Runner, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &Runner{
		id:      ulid.Make().String(),
		tier:    tier,
		respond: l.respond,
	}
	l.launched = append(l.launched, r)

	l.logger.Debugf("Launched fake session %s (tier %s)", r.id, tier)
	return r, nil
}

// Launched returns every session this launcher created, in order.
func (l *Launcher) Launched() []*Runner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Runner{}, l.launched...)
}

// Runner is a fake implementation of session.Runner.
type Runner struct {
	id      string
	tier    model.Tier
	respond RespondFunc

	mu       sync.Mutex
	requests []session.Request
	dead     bool
	closed   bool
}

func (r *Runner) ID() string       { return r.id }
func (r *Runner) Tier() model.Tier { return r.tier }

// Send applies the scripted respond function.
func (r *Runner) Send(ctx context.Context, req session.Request) (*session.Response, error) {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return nil, fmt.Errorf("fake session is dead: %w", model.ErrSessionDied)
	}
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fake session send: %w", model.ErrSessionTimeout)
	}

	return r.respond(r.tier, req)
}

// Ping fails once the session was marked dead.
func (r *Runner) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return fmt.Errorf("fake session is dead: %w", model.ErrSessionDied)
	}
	return nil
}

// Close marks the session closed.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// MarkDead makes every subsequent Send and Ping fail.
func (r *Runner) MarkDead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = true
}

// Closed returns true once Close was called.
func (r *Runner) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Requests returns every request this session received, in order.
func (r *Runner) Requests() []session.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Request{}, r.requests...)
}
