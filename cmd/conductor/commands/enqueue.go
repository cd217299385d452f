package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conductor/internal/app/enqueue"
	"github.com/slok/conductor/internal/storage/sqlite"
)

type EnqueueCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	planFile string
}

// NewEnqueueCommand returns the enqueue command.
func NewEnqueueCommand(rootCmd *RootCommand, app *kingpin.Application) *EnqueueCommand {
	c := &EnqueueCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("enqueue", "Enqueue a decomposed task plan for dispatching.")
	c.Cmd.Flag("file", "Path to the plan JSON file ('-' reads stdin).").Short('f').Default("-").StringVar(&c.planFile)

	return c
}

func (c EnqueueCommand) Name() string { return c.Cmd.FullCommand() }

func (c EnqueueCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Read the plan.
	var plan []byte
	var err error
	if c.planFile == "-" {
		plan, err = io.ReadAll(c.rootCmd.Stdin)
	} else {
		plan, err = os.ReadFile(c.planFile)
	}
	if err != nil {
		return fmt.Errorf("could not read plan: %w", err)
	}

	// Initialize storage (SQLite).
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}

	// Create enqueue service.
	svc, err := enqueue.NewService(enqueue.ServiceConfig{
		Tasks:  repo,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	// Execute enqueue.
	task, steps, err := svc.Enqueue(ctx, plan)
	if err != nil {
		return fmt.Errorf("could not enqueue task: %w", err)
	}

	// Output success message.
	fmt.Fprintf(c.rootCmd.Stdout, "Task enqueued successfully!\n")
	fmt.Fprintf(c.rootCmd.Stdout, "  ID:     %s\n", task.ID)
	fmt.Fprintf(c.rootCmd.Stdout, "  Status: %s\n", task.Status)
	fmt.Fprintf(c.rootCmd.Stdout, "  Steps:  %d\n", len(steps))

	return nil
}
