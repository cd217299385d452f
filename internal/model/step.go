package model

import (
	"fmt"
	"time"
)

// StepState represents the state of a step in its dispatch lifecycle.
type StepState string

const (
	// StepStatePending indicates the step is waiting for its dependencies.
	StepStatePending StepState = "pending"
	// StepStateReady indicates all dependencies are done and the step can be
	// dispatched.
	StepStateReady StepState = "ready"
	// StepStateDispatched indicates a session was leased and the payload sent.
	StepStateDispatched StepState = "dispatched"
	// StepStateAwaitingResponse indicates the dispatcher is waiting for the
	// session's output.
	StepStateAwaitingResponse StepState = "awaiting_response"
	// StepStateValidating indicates a response was received and is being
	// checked against the step schema.
	StepStateValidating StepState = "validating"
	// StepStateDone indicates the step finished with a valid response.
	StepStateDone StepState = "done"
	// StepStateFailed indicates the step exhausted its attempt budget.
	StepStateFailed StepState = "failed"
)

// stepTransitions is the closed transition table of the step state machine.
// ready means both the initial readiness (pending->ready) and requeues after
// a retry, an escalation or a stale-dispatch recovery.
var stepTransitions = map[StepState][]StepState{
	StepStatePending:          {StepStateReady, StepStateFailed},
	StepStateReady:            {StepStateDispatched, StepStateFailed},
	StepStateDispatched:       {StepStateAwaitingResponse, StepStateReady, StepStateFailed},
	StepStateAwaitingResponse: {StepStateValidating, StepStateReady, StepStateFailed},
	StepStateValidating:       {StepStateDone, StepStateReady, StepStateFailed},
	StepStateDone:             {},
	StepStateFailed:           {},
}

// CanTransition returns true when moving from s to the given state is a legal
// transition.
func (s StepState) CanTransition(to StepState) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal returns true when the step can no longer change state.
func (s StepState) Terminal() bool {
	return s == StepStateDone || s == StepStateFailed
}

// InFlight returns true when a session may currently be working on the step.
func (s StepState) InFlight() bool {
	return s == StepStateDispatched || s == StepStateAwaitingResponse || s == StepStateValidating
}

// FaultKind classifies a failed step attempt.
type FaultKind string

const (
	// FaultValidation is a content-level fault: the response did not match the
	// expected schema. The session itself is healthy.
	FaultValidation FaultKind = "validation"
	// FaultTimeout is a session-level fault: no response before the deadline.
	FaultTimeout FaultKind = "timeout"
	// FaultSessionDied is a session-level fault: the session's process died.
	FaultSessionDied FaultKind = "session_died"
	// FaultStale is a recovery fault: the step was stuck in flight across a
	// restart.
	FaultStale FaultKind = "stale"
)

// SessionFault returns true when the fault implicates the session and it must
// be recycled instead of returned to the idle set.
func (k FaultKind) SessionFault() bool {
	return k == FaultTimeout || k == FaultSessionDied
}

// Step is the atomic unit of dispatch. ID is globally unique; Name is the
// decomposer's step identifier, unique within the task. DependsOn refers to
// step IDs, not names.
type Step struct {
	ID        string
	TaskID    string
	Name      string
	Tier      Tier
	Payload   string
	Schema    Schema
	DependsOn []string
	State     StepState
	Attempts  int
	Escalated bool
	LastError string
	SessionID string
	Result    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate validates the step.
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step id is required: %w", ErrNotValid)
	}
	if s.TaskID == "" {
		return fmt.Errorf("step task id is required: %w", ErrNotValid)
	}
	if s.Name == "" {
		return fmt.Errorf("step name is required: %w", ErrNotValid)
	}
	if !s.Tier.Valid() {
		return fmt.Errorf("step %s has unknown tier %q: %w", s.ID, s.Tier, ErrNotValid)
	}
	if s.Payload == "" {
		return fmt.Errorf("step %s payload is required: %w", s.ID, ErrNotValid)
	}
	for _, dep := range s.DependsOn {
		if dep == s.ID {
			return fmt.Errorf("step %s depends on itself: %w", s.ID, ErrNotValid)
		}
	}
	return nil
}

// StepAttempt is one recorded dispatch attempt of a step. Attempts are kept
// so task failures can be reported with their full history.
type StepAttempt struct {
	ID         string
	StepID     string
	Number     int
	Tier       Tier
	SessionID  string
	Fault      FaultKind
	Error      string
	RecordedAt time.Time
}
