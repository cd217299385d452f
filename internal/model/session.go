package model

import (
	"fmt"
	"time"
)

// SessionStatus represents the liveness of a worker session.
type SessionStatus string

const (
	// SessionStatusWarm indicates the session is idle and ready for a lease.
	SessionStatusWarm SessionStatus = "warm"
	// SessionStatusBusy indicates the session is leased to a step.
	SessionStatusBusy SessionStatus = "busy"
	// SessionStatusDead indicates the session's process or context is
	// unusable. Dead sessions are never leased again.
	SessionStatusDead SessionStatus = "dead"
)

// Session is a long-lived interactive worker. Its identity never changes
// across leases and its conversational context persists between steps, which
// is why sessions are pooled instead of spawned per step.
type Session struct {
	ID           string
	Tier         Tier
	Status       SessionStatus
	StepID       string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Validate validates the session.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required: %w", ErrNotValid)
	}
	if !s.Tier.Valid() {
		return fmt.Errorf("session %s has unknown tier %q: %w", s.ID, s.Tier, ErrNotValid)
	}
	return nil
}
