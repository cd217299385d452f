package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/slok/conductor/internal/dispatch"
	"github.com/slok/conductor/internal/pool"
	"github.com/slok/conductor/internal/projection"
	"github.com/slok/conductor/internal/projection/githubremote"
	"github.com/slok/conductor/internal/session"
	"github.com/slok/conductor/internal/session/agentcli"
	"github.com/slok/conductor/internal/session/fake"
	"github.com/slok/conductor/internal/storage/sqlite"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	launcher string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the orchestrator daemon.")
	c.Cmd.Flag("launcher", "Session launcher type (agent, fake).").Default("agent").EnumVar(&c.launcher, "agent", "fake")

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Load daemon configuration (missing file yields defaults).
	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	// Initialize storage (SQLite).
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}

	// Initialize session launcher based on flags.
	var launcher session.Launcher
	switch c.launcher {
	case "agent":
		launcher, err = agentcli.NewLauncher(agentcli.LauncherConfig{
			Command: cfg.Session.Command,
			Args:    cfg.Session.Args,
			Models:  cfg.Session.Models,
			Logger:  logger,
		})
	case "fake":
		launcher, err = fake.NewLauncher(fake.LauncherConfig{
			Logger: logger,
		})
	}
	if err != nil {
		return fmt.Errorf("could not create session launcher: %w", err)
	}

	// Session pool.
	sessionPool, err := pool.NewPool(ctx, pool.Config{
		Launcher:       launcher,
		Sessions:       repo,
		MaxPerTier:     cfg.Pool.MaxSessions,
		IdleTTL:        cfg.Pool.IdleTTL,
		HealthInterval: cfg.Pool.HealthInterval,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create session pool: %w", err)
	}

	// Dispatcher.
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Steps:               repo,
		Pool:                sessionPool,
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
		EscalationAllowance: cfg.Dispatch.EscalationAllowance,
		StepTimeout:         cfg.Dispatch.StepTimeout,
		PollInterval:        cfg.Dispatch.PollInterval,
		StalenessWindow:     cfg.Dispatch.StalenessWindow,
		Concurrency:         cfg.Dispatch.Concurrency,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("could not create dispatcher: %w", err)
	}

	// Projection service (only when GitHub sync is enabled).
	var projSvc *projection.Service
	if cfg.GitHub.Enabled {
		remote, err := githubremote.NewRemote(ctx, githubremote.Config{
			Owner:  cfg.GitHub.Owner,
			Repo:   cfg.GitHub.Repo,
			Token:  os.Getenv(cfg.GitHub.TokenEnv),
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("could not create GitHub remote: %w", err)
		}

		projSvc, err = projection.NewService(projection.ServiceConfig{
			Tasks:      repo,
			Steps:      repo,
			Projection: repo,
			Remote:     remote,
			Interval:   cfg.GitHub.Interval,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("could not create projection service: %w", err)
		}
	}

	// Run all daemon services using oklog/run for lifecycle management.
	var g run.Group

	// Session pool health loop.
	{
		ctx, cancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				return sessionPool.Run(ctx)
			},
			func(_ error) {
				cancel()
				sessionPool.Drain(context.Background())
			},
		)
	}

	// Dispatcher scheduling loop.
	{
		ctx, cancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				return dispatcher.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Projection flush loop.
	if projSvc != nil {
		ctx, cancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				return projSvc.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				<-ctx.Done()
				return ctx.Err()
			},
			func(_ error) {
				cancel()
			},
		)
	}

	logger.Infof("Orchestrator daemon started")

	return g.Run()
}
