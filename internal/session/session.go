package session

import (
	"context"

	"github.com/slok/conductor/internal/model"
)

// Request is one step turn sent to a worker session.
type Request struct {
	// ID correlates the request with its response.
	ID string
	// StepID is the step being worked on.
	StepID string
	// Payload is the step's instructions for the agent.
	Payload string
	// Schema is the structured contract the response must match; it is
	// rendered into the prompt so the agent knows what to produce.
	Schema model.Schema
	// Feedback carries the previous attempt's validation error on a retry
	// turn, empty on the first attempt.
	Feedback string
}

// Response is the raw worker output for a request. Validation happens in the
// contract package, not here.
type Response struct {
	ID  string
	Raw []byte
}

// Runner is a live interactive worker session. A runner keeps its
// conversational context between Send calls; that persistence is the reason
// sessions are pooled instead of spawned per step.
type Runner interface {
	ID() string
	Tier() model.Tier
	// Send submits a turn and blocks until the response or ctx deadline.
	// It returns model.ErrSessionTimeout or model.ErrSessionDied wrapped
	// errors on session-level faults.
	Send(ctx context.Context, req Request) (*Response, error)
	// Ping verifies the session is still responsive.
	Ping(ctx context.Context) error
	Close() error
}

// Launcher cold-starts new worker sessions. Starting one is expensive (the
// agent loads context), which is what makes pooling worth it.
type Launcher interface {
	Launch(ctx context.Context, tier model.Tier) (Runner, error)
}
