// Package agentcli runs worker sessions as persistent agent CLI processes
// speaking JSON lines over stdio. One process per session; the process keeps
// its conversational context for as long as the session lives.
package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conductor/internal/log"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/session"
)

// CommandContext is the function used to create exec.Cmd instances. It can
// be replaced in tests to fake the agent process.
var CommandContext = exec.CommandContext

// LauncherConfig is the configuration for the agent CLI launcher.
type LauncherConfig struct {
	// Command is the agent CLI binary, e.g. "agent".
	Command string
	// Args are passed to every session process before the model flag.
	Args []string
	// Models maps capability tiers to the model flag value for the CLI.
	Models map[model.Tier]string
	Logger log.Logger
}

func (c *LauncherConfig) defaults() error {
	if c.Command == "" {
		return fmt.Errorf("agent command is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("tier model mapping is required")
	}
	for _, tier := range model.Tiers {
		if _, ok := c.Models[tier]; !ok {
			return fmt.Errorf("missing model for tier %q", tier)
		}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "session.AgentCLILauncher"})
	return nil
}

// Launcher starts agent CLI session processes.
type Launcher struct {
	command string
	args    []string
	models  map[model.Tier]string
	logger  log.Logger
}

// NewLauncher creates a new agent CLI launcher.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Launcher{
		command: cfg.Command,
		args:    cfg.Args,
		models:  cfg.Models,
		logger:  cfg.Logger,
	}, nil
}

// Launch starts a new session process for the given tier. The returned
// runner is ready to serve Send calls.
func (l *Launcher) Launch(ctx context.Context, tier model.Tier) (session.Runner, error) {
	id := ulid.Make().String()

	args := append([]string{}, l.args...)
	args = append(args, "--model", l.models[tier])

	// The process must outlive the launch ctx; it is stopped via Close.
	cmd := CommandContext(context.WithoutCancel(ctx), l.command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("could not open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("could not open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start agent process: %w", err)
	}

	r := &runner{
		id:     id,
		tier:   tier,
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 16),
		done:   make(chan struct{}),
		logger: l.logger.WithValues(log.Kv{"session": id, "tier": tier}),
	}
	go r.readLoop(stdout)

	r.logger.Infof("Launched agent session (pid %d)", cmd.Process.Pid)

	return r, nil
}

// wireRequest is one JSON line written to the agent's stdin.
type wireRequest struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// wireResponse is one JSON line read from the agent's stdout.
type wireResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

type runner struct {
	id     string
	tier   model.Tier
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	done   chan struct{}
	logger log.Logger

	mu sync.Mutex // One in-flight turn per session.
}

func (r *runner) ID() string       { return r.id }
func (r *runner) Tier() model.Tier { return r.tier }

func (r *runner) readLoop(stdout io.Reader) {
	defer close(r.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		r.lines <- line
	}
	// EOF or read error: the process is gone.
	close(r.lines)
}

// Send writes the turn and blocks until the correlated response line or the
// ctx deadline.
func (r *runner) Send(ctx context.Context, req session.Request) (*session.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wire := wireRequest{ID: req.ID, Prompt: buildPrompt(req)}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}
	data = append(data, '\n')

	if _, err := r.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("could not write to agent: %w", model.ErrSessionDied)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no response for step %s: %w", req.StepID, model.ErrSessionTimeout)
		case line, ok := <-r.lines:
			if !ok {
				return nil, fmt.Errorf("agent process exited: %w", model.ErrSessionDied)
			}

			var resp wireResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				// Agents log freely on stdout between responses.
				r.logger.Debugf("Skipping non-JSON agent line")
				continue
			}
			if resp.ID != req.ID {
				r.logger.Warningf("Dropping stale response %s (waiting for %s)", resp.ID, req.ID)
				continue
			}

			return &session.Response{ID: resp.ID, Raw: []byte(resp.Result)}, nil
		}
	}
}

// Ping checks the session process is still alive.
func (r *runner) Ping(ctx context.Context) error {
	select {
	case <-r.done:
		return fmt.Errorf("agent process exited: %w", model.ErrSessionDied)
	default:
	}

	if r.cmd.ProcessState != nil {
		return fmt.Errorf("agent process exited: %w", model.ErrSessionDied)
	}
	return nil
}

// Close stops the session process. A small grace period lets the agent
// flush before the kill.
func (r *runner) Close() error {
	_ = r.stdin.Close()

	// A chatty agent can leave the read loop blocked handing over a line
	// nobody waits for anymore. Drain until it sees EOF.
	go func() {
		for range r.lines {
		}
	}()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		<-r.done
	}

	err := r.cmd.Wait()
	if err != nil && !strings.Contains(err.Error(), "signal") {
		r.logger.Debugf("Agent process exited with: %s", err)
	}

	r.logger.Infof("Closed agent session")
	return nil
}

// buildPrompt renders the turn prompt: instructions, the expected response
// schema and, on retries, the previous validation error.
func buildPrompt(req session.Request) string {
	var b strings.Builder

	if req.Feedback != "" {
		fmt.Fprintf(&b, "Your previous output had a validation error: %s. Fix it and answer again.\n\n", req.Feedback)
	}

	b.WriteString(req.Payload)
	b.WriteString("\n\nAnswer with ONLY a valid JSON object (no markdown, no commentary)")

	if len(req.Schema.Fields) > 0 {
		b.WriteString(" with these fields:\n")
		for _, f := range req.Schema.Fields {
			optional := ""
			if !f.Required {
				optional = " (optional)"
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", f.Name, f.Type, optional)
		}
	} else {
		b.WriteString(".\n")
	}

	return b.String()
}
