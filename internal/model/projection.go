package model

import "time"

// EntityKind is the kind of entity a projection event or record refers to.
type EntityKind string

const (
	EntityKindTask EntityKind = "task"
	EntityKindStep EntityKind = "step"
)

// ChangeEventStatus represents the sync state of an outbox event.
type ChangeEventStatus string

const (
	ChangeEventStatusPending ChangeEventStatus = "pending"
	ChangeEventStatusSynced  ChangeEventStatus = "synced"
	ChangeEventStatusFailed  ChangeEventStatus = "failed"
)

// ChangeEvent is an outbox entry recording that an entity changed and the
// remote projection must be refreshed. Events are written in the same
// transaction as the state change they describe, and consumed asynchronously
// so dispatch never blocks on the remote.
type ChangeEvent struct {
	ID         string
	EntityKind EntityKind
	EntityID   string
	TaskID     string
	Status     ChangeEventStatus
	Attempts   int
	CreatedAt  time.Time
}

// ProjectionRecord maps a local entity to its remote representation. It is
// eventually consistent with the local store and never authoritative.
type ProjectionRecord struct {
	EntityKind EntityKind
	EntityID   string
	RemoteRef  string
	StateHash  uint64
	SyncedAt   time.Time
}
