package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/session"
	"github.com/slok/conductor/internal/storage"
)

// Outcome tells the pool what a lease holder observed about the session it
// is giving back.
type Outcome int

const (
	// OutcomeHealthy returns the session to the warm set.
	OutcomeHealthy Outcome = iota
	// OutcomeSuspect means the step failed in a way that may or may not be
	// the session's fault. The pool probes it before reuse.
	OutcomeSuspect
	// OutcomeDead retires the session immediately.
	OutcomeDead
)

// Config is the configuration of the session pool.
type Config struct {
	Launcher session.Launcher
	// Sessions persists session states for observability. Optional, failures
	// are logged and never block the pool.
	Sessions storage.SessionRepository
	// MaxPerTier caps the number of live sessions per tier.
	MaxPerTier map[model.Tier]int
	// IdleTTL retires warm sessions that have not worked for this long.
	IdleTTL time.Duration
	// HealthInterval is the period of the idle probe loop.
	HealthInterval time.Duration
	Logger         log.Logger
}

func (c *Config) defaults() error {
	if c.Launcher == nil {
		return fmt.Errorf("launcher is required")
	}
	if len(c.MaxPerTier) == 0 {
		return fmt.Errorf("at least one tier capacity is required")
	}
	for tier, max := range c.MaxPerTier {
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q", tier)
		}
		if max < 1 {
			return fmt.Errorf("tier %q capacity must be at least 1", tier)
		}
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pool.Pool"})
	return nil
}

type entry struct {
	runner     session.Runner
	lastActive time.Time
	created    time.Time
}

// tierPool holds the per-tier capacity tokens and the warm set. The tokens
// channel has one slot per allowed session, a held token means a live or
// launching session.
type tierPool struct {
	idle    chan *entry
	tokens  chan struct{}
	waiters int
}

// Pool keeps persistent sessions warm between steps so their conversational
// context survives. Acquire blocks when the tier is at capacity instead of
// failing, a free session only exists when a previous step finished.
type Pool struct {
	launcher session.Launcher
	sessions storage.SessionRepository
	tiers    map[model.Tier]*tierPool
	idleTTL  time.Duration
	interval time.Duration
	logger   log.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool creates a new session pool. Previously persisted sessions are
// marked dead, warm processes never survive a restart.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tiers := make(map[model.Tier]*tierPool, len(cfg.MaxPerTier))
	for tier, max := range cfg.MaxPerTier {
		tiers[tier] = &tierPool{
			idle:   make(chan *entry, max),
			tokens: make(chan struct{}, max),
		}
	}

	p := &Pool{
		launcher: cfg.Launcher,
		sessions: cfg.Sessions,
		tiers:    tiers,
		idleTTL:  cfg.IdleTTL,
		interval: cfg.HealthInterval,
		logger:   cfg.Logger,
	}

	if p.sessions != nil {
		if err := p.sessions.MarkAllSessionsDead(ctx); err != nil {
			p.logger.Warningf("Could not mark stale sessions dead: %s", err)
		}
	}

	return p, nil
}

// Lease is a session checked out for exactly one step. It must be given back
// with Release.
type Lease struct {
	tier  model.Tier
	entry *entry
}

// Runner returns the leased session runner.
func (l *Lease) Runner() session.Runner { return l.entry.runner }

// SessionID returns the leased session's identity.
func (l *Lease) SessionID() string { return l.entry.runner.ID() }

// Tier returns the leased session's tier.
func (l *Lease) Tier() model.Tier { return l.tier }

// Acquire checks out a warm session of the tier, cold starting one when the
// tier is under capacity. At capacity it blocks until a session frees up or
// the context expires, which maps to model.ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, tier model.Tier) (*Lease, error) {
	tp, ok := p.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("no pool for tier %q: %w", tier, model.ErrNotValid)
	}
	if p.isClosed() {
		return nil, fmt.Errorf("pool is draining: %w", model.ErrPoolExhausted)
	}

	// Warm session available.
	select {
	case e := <-tp.idle:
		return p.lease(ctx, tier, e)
	default:
	}

	// A stronger tier's warm session covers this step too, prefer it over a
	// cold start.
	for next, ok := model.NextTier(tier); ok; next, ok = model.NextTier(next) {
		hp, exists := p.tiers[next]
		if !exists {
			continue
		}
		select {
		case e := <-hp.idle:
			return p.lease(ctx, next, e)
		default:
		}
	}

	// Under capacity, cold start.
	select {
	case tp.tokens <- struct{}{}:
		e, err := p.launch(ctx, tier, tp)
		if err != nil {
			return nil, err
		}
		return p.lease(ctx, tier, e)
	default:
	}

	// At capacity, wait for a release.
	p.addWaiter(tp, 1)
	defer p.addWaiter(tp, -1)

	select {
	case e := <-tp.idle:
		return p.lease(ctx, tier, e)
	case <-ctx.Done():
		return nil, fmt.Errorf("no %s session freed up in time: %w", tier, model.ErrPoolExhausted)
	}
}

// Release gives a leased session back. Healthy sessions return to the warm
// set, suspect ones are probed first, dead ones are retired and replaced when
// someone is waiting for the tier.
func (p *Pool) Release(ctx context.Context, l *Lease, outcome Outcome) {
	tp := p.tiers[l.tier]

	if outcome == OutcomeSuspect {
		if err := l.entry.runner.Ping(ctx); err != nil {
			p.logger.Warningf("Suspect session %s failed probe: %s", l.SessionID(), err)
			outcome = OutcomeDead
		} else {
			outcome = OutcomeHealthy
		}
	}

	if outcome == OutcomeDead || p.isClosed() {
		p.retire(ctx, l.tier, tp, l.entry)
		if outcome == OutcomeDead && !p.isClosed() && p.waiters(tp) > 0 {
			go p.replace(l.tier, tp)
		}
		return
	}

	l.entry.lastActive = time.Now().UTC()
	p.persist(ctx, l.tier, l.entry, model.SessionStatusWarm, "")
	tp.idle <- l.entry
}

// Run drives the health loop until the context is cancelled: idle sessions
// past their TTL are retired and the remaining warm set is probed.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Drain stops leasing and closes every warm session. Busy sessions are
// closed when their lease is released.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for tier, tp := range p.tiers {
		for drained := false; !drained; {
			select {
			case e := <-tp.idle:
				p.retire(ctx, tier, tp, e)
			default:
				drained = true
			}
		}
	}

	p.logger.Infof("Pool drained")
}

func (p *Pool) lease(ctx context.Context, tier model.Tier, e *entry) (*Lease, error) {
	e.lastActive = time.Now().UTC()
	p.persist(ctx, tier, e, model.SessionStatusBusy, "")
	return &Lease{tier: tier, entry: e}, nil
}

// launch cold starts a session. The caller must already hold a token, which
// is given back on failure.
func (p *Pool) launch(ctx context.Context, tier model.Tier, tp *tierPool) (*entry, error) {
	runner, err := p.launcher.Launch(ctx, tier)
	if err != nil {
		<-tp.tokens
		return nil, fmt.Errorf("could not launch %s session: %w", tier, err)
	}

	now := time.Now().UTC()
	e := &entry{runner: runner, lastActive: now, created: now}
	p.logger.Infof("Launched %s session %s", tier, runner.ID())

	return e, nil
}

// replace cold starts a session into the warm set after a dead retirement
// left waiters behind.
func (p *Pool) replace(tier model.Tier, tp *tierPool) {
	ctx := context.Background()

	select {
	case tp.tokens <- struct{}{}:
	default:
		return
	}

	e, err := p.launch(ctx, tier, tp)
	if err != nil {
		p.logger.Errorf("Could not replace dead %s session: %s", tier, err)
		return
	}

	p.persist(ctx, tier, e, model.SessionStatusWarm, "")
	tp.idle <- e
}

func (p *Pool) retire(ctx context.Context, tier model.Tier, tp *tierPool, e *entry) {
	if err := e.runner.Close(); err != nil {
		p.logger.Warningf("Could not close session %s: %s", e.runner.ID(), err)
	}
	p.persist(ctx, tier, e, model.SessionStatusDead, "")
	<-tp.tokens
	p.logger.Infof("Retired %s session %s", tier, e.runner.ID())
}

// sweep retires idle sessions past their TTL and probes the rest.
func (p *Pool) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.idleTTL)

	for tier, tp := range p.tiers {
		var keep []*entry
		for {
			select {
			case e := <-tp.idle:
				switch {
				case e.lastActive.Before(cutoff):
					p.logger.Debugf("Session %s idle past TTL", e.runner.ID())
					p.retire(ctx, tier, tp, e)
				case e.runner.Ping(ctx) != nil:
					p.logger.Warningf("Warm session %s failed probe", e.runner.ID())
					p.retire(ctx, tier, tp, e)
				default:
					keep = append(keep, e)
				}
				continue
			default:
			}
			break
		}
		for _, e := range keep {
			tp.idle <- e
		}
	}
}

func (p *Pool) persist(ctx context.Context, tier model.Tier, e *entry, status model.SessionStatus, stepID string) {
	if p.sessions == nil {
		return
	}

	err := p.sessions.UpsertSession(ctx, model.Session{
		ID:           e.runner.ID(),
		Tier:         tier,
		Status:       status,
		StepID:       stepID,
		CreatedAt:    e.created,
		LastActiveAt: e.lastActive,
	})
	if err != nil {
		p.logger.Warningf("Could not persist session %s: %s", e.runner.ID(), err)
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) addWaiter(tp *tierPool, delta int) {
	p.mu.Lock()
	tp.waiters += delta
	p.mu.Unlock()
}

func (p *Pool) waiters(tp *tierPool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return tp.waiters
}
