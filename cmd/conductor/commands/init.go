package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
)

// starterConfig is the config written by the init command. Every key shows
// its default, the file works unedited.
const starterConfig = `pool:
  max_sessions:
    basic: 2
    advanced: 1
  idle_ttl: 10m
  health_interval: 30s

dispatch:
  max_attempts: 3
  escalation_allowance: 1
  step_timeout: 5m
  poll_interval: 2s
  staleness_window: 10m
  concurrency: 8

session:
  command: claude
  args: ["--print", "--output-format", "stream-json"]
  models:
    basic: claude-sonnet-4-5
    advanced: claude-opus-4-5

github:
  enabled: false
  owner: ""
  repo: ""
  token_env: GITHUB_TOKEN
  sync_interval: 15s
`

type InitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewInitCommand returns the init command.
func NewInitCommand(rootCmd *RootCommand, app *kingpin.Application) *InitCommand {
	c := &InitCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("init", "Write a starter configuration file.")

	return c
}

func (c InitCommand) Name() string { return c.Cmd.FullCommand() }

func (c InitCommand) Run(ctx context.Context) error {
	path := c.rootCmd.ConfigPath

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	// Keep an existing config around instead of clobbering it.
	if _, err := os.Stat(path); err == nil {
		backup := path + ".bak"
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("could not back up existing config: %w", err)
		}
		fmt.Fprintf(c.rootCmd.Stdout, "Existing config moved to %s\n", backup)
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Config written to %s\n", path)

	return nil
}
