package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conductor/internal/contract"
	"github.com/slok/conductor/internal/decompose"
	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/pool"
	"github.com/slok/conductor/internal/session"
	"github.com/slok/conductor/internal/storage"
)

// SessionPool is the part of the pool the dispatcher uses.
type SessionPool interface {
	Acquire(ctx context.Context, tier model.Tier) (*pool.Lease, error)
	Release(ctx context.Context, l *pool.Lease, outcome pool.Outcome)
}

// Config is the configuration of the dispatcher.
type Config struct {
	Steps storage.StepRepository
	Pool  SessionPool
	// MaxAttempts is the attempt budget of a step at its original tier.
	MaxAttempts int
	// EscalationAllowance is how many extra attempts an escalated step gets
	// at the higher tier before failing for good.
	EscalationAllowance int
	// StepTimeout bounds one session turn.
	StepTimeout time.Duration
	// PollInterval is the period of the scheduling loop.
	PollInterval time.Duration
	// StalenessWindow is how long a step may sit in flight before the
	// startup recovery pass requeues it.
	StalenessWindow time.Duration
	// Concurrency caps the number of steps processed at once across tiers.
	Concurrency int
	Logger      log.Logger
}

func (c *Config) defaults() error {
	if c.Steps == nil {
		return fmt.Errorf("step repository is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("session pool is required")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.EscalationAllowance == 0 {
		c.EscalationAllowance = 1
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StalenessWindow == 0 {
		c.StalenessWindow = 10 * time.Minute
	}
	if c.Concurrency == 0 {
		c.Concurrency = 8
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatch.Dispatcher"})
	return nil
}

// Dispatcher turns ready steps into session turns. It promotes unblocked
// steps, orders them by how much downstream work they unblock, runs each
// against a pooled session and drives the retry, escalation and failure
// bookkeeping from the outcome.
type Dispatcher struct {
	steps       storage.StepRepository
	pool        SessionPool
	maxAttempts int
	allowance   int
	stepTimeout time.Duration
	interval    time.Duration
	staleness   time.Duration
	logger      log.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Dispatcher{
		steps:       cfg.Steps,
		pool:        cfg.Pool,
		maxAttempts: cfg.MaxAttempts,
		allowance:   cfg.EscalationAllowance,
		stepTimeout: cfg.StepTimeout,
		interval:    cfg.PollInterval,
		staleness:   cfg.StalenessWindow,
		logger:      cfg.Logger,
		sem:         make(chan struct{}, cfg.Concurrency),
		inflight:    make(map[string]struct{}),
	}, nil
}

// Run drives the scheduling loop until the context is cancelled, then waits
// for in-flight steps to settle.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.steps.RequeueStale(ctx, d.staleness); err != nil {
		return fmt.Errorf("could not recover stale steps: %w", err)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Errorf("Scheduling pass failed: %s", err)
			}
		}
	}
}

// Tick runs one scheduling pass: promote unblocked steps, list the ready
// ones and start processing as many as concurrency allows.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if _, err := d.steps.MarkReadySteps(ctx); err != nil {
		return fmt.Errorf("could not promote pending steps: %w", err)
	}

	ready, err := d.steps.ListReadySteps(ctx)
	if err != nil {
		return fmt.Errorf("could not list ready steps: %w", err)
	}

	ready = d.filterInflight(ready)
	if len(ready) == 0 {
		return nil
	}

	d.prioritize(ctx, ready)

	for _, step := range ready {
		select {
		case d.sem <- struct{}{}:
		default:
			// Concurrency budget spent, the rest waits for the next pass.
			return nil
		}

		d.markInflight(step.ID)
		d.wg.Add(1)
		go func(step model.Step) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			defer d.clearInflight(step.ID)

			if err := d.processStep(ctx, step); err != nil {
				d.logger.WithValues(log.Kv{"step": step.ID}).Errorf("Step processing failed: %s", err)
			}
		}(step)
	}

	return nil
}

// Wait blocks until every in-flight step settled. Mostly useful in tests and
// during shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// prioritize orders ready steps so the ones unblocking the most downstream
// work go first; ties go to the least-attempted, then oldest.
func (d *Dispatcher) prioritize(ctx context.Context, ready []model.Step) {
	weights := make(map[string]int, len(ready))
	graphs := make(map[string]*decompose.Graph)

	for _, step := range ready {
		g, ok := graphs[step.TaskID]
		if !ok {
			taskSteps, err := d.steps.ListSteps(ctx, step.TaskID)
			if err != nil {
				d.logger.Warningf("Could not load steps of task %s: %s", step.TaskID, err)
				continue
			}
			g, err = decompose.NewGraph(taskSteps)
			if err != nil {
				d.logger.Warningf("Could not build graph of task %s: %s", step.TaskID, err)
				continue
			}
			graphs[step.TaskID] = g
		}
		weights[step.ID] = g.TransitiveDependents(step.ID)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if weights[ready[i].ID] != weights[ready[j].ID] {
			return weights[ready[i].ID] > weights[ready[j].ID]
		}
		if ready[i].Attempts != ready[j].Attempts {
			return ready[i].Attempts < ready[j].Attempts
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
}

// processStep runs one step turn end to end: lease a session, send the
// prompt, validate the response and settle the outcome.
func (d *Dispatcher) processStep(ctx context.Context, step model.Step) error {
	logger := d.logger.WithValues(log.Kv{"step": step.ID, "task": step.TaskID, "tier": step.Tier})

	// A requeued step can come back ready with its budget already spent.
	// Settle it here so it never gets a free extra turn.
	tier := step.Tier
	escalate := false
	if step.Attempts >= d.budget(step) {
		next, ok := model.NextTier(step.Tier)
		if !ok || step.Escalated {
			err := d.steps.TransitionStep(ctx, storage.StepTransition{
				StepID: step.ID,
				From:   model.StepStateReady,
				To:     model.StepStateFailed,
			})
			if err != nil {
				return fmt.Errorf("could not fail exhausted step: %w", err)
			}
			return d.propagateFailure(ctx, step)
		}
		logger.Warningf("Escalating step from %s to %s", step.Tier, next)
		tier, escalate = next, true
	}

	lease, err := d.pool.Acquire(ctx, tier)
	if err != nil {
		if errors.Is(err, model.ErrPoolExhausted) || errors.Is(err, context.Canceled) {
			// The step stays ready for a later pass.
			return nil
		}
		return fmt.Errorf("could not lease session: %w", err)
	}

	// Bookkeeping must finish even when shutting down mid-step.
	workCtx := context.WithoutCancel(ctx)

	// Every dispatched turn charges the budget, whatever its outcome.
	sessionID := lease.SessionID()
	err = d.steps.TransitionStep(workCtx, storage.StepTransition{
		StepID: step.ID,
		From:   model.StepStateReady,
		To:     model.StepStateDispatched,
		Mutate: func(s *model.Step) {
			s.SessionID = sessionID
			s.Attempts = step.Attempts + 1
			if escalate {
				s.Tier = tier
				s.Escalated = true
			}
		},
	})
	if err != nil {
		d.pool.Release(workCtx, lease, pool.OutcomeHealthy)
		if errors.Is(err, model.ErrTransactionConflict) {
			// Someone else moved the step, likely a cancellation.
			return nil
		}
		return fmt.Errorf("could not dispatch step: %w", err)
	}
	step.SessionID = sessionID
	step.Attempts++
	if escalate {
		step.Tier = tier
		step.Escalated = true
	}

	req := session.Request{
		ID:       ulid.Make().String(),
		StepID:   step.ID,
		Payload:  step.Payload,
		Schema:   step.Schema,
		Feedback: retryFeedback(step),
	}

	err = d.steps.TransitionStep(workCtx, storage.StepTransition{
		StepID: step.ID,
		From:   model.StepStateDispatched,
		To:     model.StepStateAwaitingResponse,
	})
	if err != nil {
		d.pool.Release(workCtx, lease, pool.OutcomeHealthy)
		return fmt.Errorf("could not mark step awaiting response: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(workCtx, d.stepTimeout)
	resp, err := lease.Runner().Send(sendCtx, req)
	cancel()

	if err != nil {
		fault, outcome := classifySessionErr(err)
		d.pool.Release(workCtx, lease, outcome)
		logger.Warningf("Session turn failed (%s): %s", fault, err)
		return d.settleFault(workCtx, step, model.StepStateAwaitingResponse, fault, err.Error())
	}

	err = d.steps.TransitionStep(workCtx, storage.StepTransition{
		StepID: step.ID,
		From:   model.StepStateAwaitingResponse,
		To:     model.StepStateValidating,
	})
	if err != nil {
		d.pool.Release(workCtx, lease, pool.OutcomeHealthy)
		return fmt.Errorf("could not mark step validating: %w", err)
	}

	result, verr := contract.Validate(resp.Raw, step.Schema)
	if verr != nil {
		// The session is fine, the answer is not.
		d.pool.Release(workCtx, lease, pool.OutcomeHealthy)
		logger.Infof("Response rejected: %s", verr)
		return d.settleFault(workCtx, step, model.StepStateValidating, model.FaultValidation, verr.Error())
	}

	d.pool.Release(workCtx, lease, pool.OutcomeHealthy)

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("could not encode step result: %w", err)
	}

	err = d.steps.TransitionStep(workCtx, storage.StepTransition{
		StepID: step.ID,
		From:   model.StepStateValidating,
		To:     model.StepStateDone,
		Mutate: func(s *model.Step) {
			s.Result = string(encoded)
			s.LastError = ""
		},
	})
	if err != nil {
		return fmt.Errorf("could not complete step: %w", err)
	}

	logger.Infof("Step done after %d attempts", step.Attempts)
	return nil
}

// budget returns how many dispatched turns the step may spend in total.
func (d *Dispatcher) budget(step model.Step) int {
	if step.Escalated {
		return d.maxAttempts + d.allowance
	}
	return d.maxAttempts
}

// settleFault applies the retry, escalation or failure bookkeeping for one
// failed attempt. The attempt was already charged at dispatch time.
func (d *Dispatcher) settleFault(ctx context.Context, step model.Step, from model.StepState, fault model.FaultKind, msg string) error {
	attempt := &model.StepAttempt{
		StepID:    step.ID,
		Number:    step.Attempts,
		Tier:      step.Tier,
		SessionID: step.SessionID,
		Fault:     fault,
		Error:     msg,
	}

	// Budget left, plain retry at the same tier.
	if step.Attempts < d.budget(step) {
		return d.steps.TransitionStep(ctx, storage.StepTransition{
			StepID: step.ID,
			From:   from,
			To:     model.StepStateReady,
			Mutate: func(s *model.Step) {
				s.LastError = msg
				s.SessionID = ""
			},
			Attempt: attempt,
		})
	}

	// Budget spent, escalate once when a higher tier exists.
	if next, ok := model.NextTier(step.Tier); ok && !step.Escalated {
		d.logger.WithValues(log.Kv{"step": step.ID}).Warningf("Escalating step from %s to %s", step.Tier, next)
		return d.steps.TransitionStep(ctx, storage.StepTransition{
			StepID: step.ID,
			From:   from,
			To:     model.StepStateReady,
			Mutate: func(s *model.Step) {
				s.LastError = msg
				s.SessionID = ""
				s.Tier = next
				s.Escalated = true
			},
			Attempt: attempt,
		})
	}

	// Out of options.
	err := d.steps.TransitionStep(ctx, storage.StepTransition{
		StepID: step.ID,
		From:   from,
		To:     model.StepStateFailed,
		Mutate: func(s *model.Step) {
			s.LastError = msg
		},
		Attempt: attempt,
	})
	if err != nil {
		return fmt.Errorf("could not fail step: %w", err)
	}

	return d.propagateFailure(ctx, step)
}

// propagateFailure fails every step transitively blocked by the failed one.
// Unrelated branches of the task keep running.
func (d *Dispatcher) propagateFailure(ctx context.Context, failed model.Step) error {
	taskSteps, err := d.steps.ListSteps(ctx, failed.TaskID)
	if err != nil {
		return fmt.Errorf("could not list steps of task %s: %w", failed.TaskID, err)
	}

	g, err := decompose.NewGraph(taskSteps)
	if err != nil {
		return fmt.Errorf("could not build graph of task %s: %w", failed.TaskID, err)
	}

	states := make(map[string]model.StepState, len(taskSteps))
	for _, s := range taskSteps {
		states[s.ID] = s.State
	}

	msg := fmt.Sprintf("dependency %s failed", failed.Name)
	for _, id := range g.TransitiveDependentIDs(failed.ID) {
		from := states[id]
		if from.Terminal() || from.InFlight() {
			continue
		}

		err := d.steps.TransitionStep(ctx, storage.StepTransition{
			StepID: id,
			From:   from,
			To:     model.StepStateFailed,
			Mutate: func(s *model.Step) { s.LastError = msg },
		})
		if err != nil && !errors.Is(err, model.ErrTransactionConflict) {
			return fmt.Errorf("could not fail dependent step %s: %w", id, err)
		}
	}

	return nil
}

func (d *Dispatcher) filterInflight(steps []model.Step) []model.Step {
	d.mu.Lock()
	defer d.mu.Unlock()

	filtered := steps[:0]
	for _, s := range steps {
		if _, ok := d.inflight[s.ID]; !ok {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func (d *Dispatcher) markInflight(id string) {
	d.mu.Lock()
	d.inflight[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) clearInflight(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// retryFeedback renders the previous attempt's error for the retry prompt so
// the session knows what to fix.
func retryFeedback(step model.Step) string {
	if step.Attempts <= 1 || step.LastError == "" {
		return ""
	}
	return fmt.Sprintf("Your previous answer was rejected: %s. Attempt %d of this step, fix the answer accordingly.", step.LastError, step.Attempts)
}

// classifySessionErr maps a session error to the fault charged to the step
// and the outcome reported to the pool.
func classifySessionErr(err error) (model.FaultKind, pool.Outcome) {
	switch {
	case errors.Is(err, model.ErrSessionDied):
		return model.FaultSessionDied, pool.OutcomeDead
	case errors.Is(err, model.ErrSessionTimeout):
		return model.FaultTimeout, pool.OutcomeSuspect
	default:
		return model.FaultSessionDied, pool.OutcomeSuspect
	}
}
