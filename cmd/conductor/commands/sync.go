package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conductor/internal/projection"
	"github.com/slok/conductor/internal/projection/githubremote"
	"github.com/slok/conductor/internal/storage/sqlite"
)

type SyncCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	reconcile bool
}

// NewSyncCommand returns the sync command.
func NewSyncCommand(rootCmd *RootCommand, app *kingpin.Application) *SyncCommand {
	c := &SyncCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("sync", "Flush pending change events to the remote tracking platform.")
	c.Cmd.Flag("reconcile", "Also re-check every published entity for drift.").BoolVar(&c.reconcile)

	return c
}

func (c SyncCommand) Name() string { return c.Cmd.FullCommand() }

func (c SyncCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Load daemon configuration.
	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	if !cfg.GitHub.Enabled {
		return fmt.Errorf("github sync is not enabled in the configuration")
	}

	// Initialize storage (SQLite).
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}

	// GitHub remote.
	remote, err := githubremote.NewRemote(ctx, githubremote.Config{
		Owner:  cfg.GitHub.Owner,
		Repo:   cfg.GitHub.Repo,
		Token:  os.Getenv(cfg.GitHub.TokenEnv),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create GitHub remote: %w", err)
	}

	// Projection service.
	svc, err := projection.NewService(projection.ServiceConfig{
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

	// One-shot flush, optionally preceded by a drift check.
	if c.reconcile {
		if err := svc.Reconcile(ctx); err != nil {
			return fmt.Errorf("could not reconcile projections: %w", err)
		}
	}

	if err := svc.Flush(ctx); err != nil {
		return fmt.Errorf("could not flush change events: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Projection sync completed\n")

	return nil
}
