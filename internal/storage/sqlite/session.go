package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/conductor/internal/model"
)

// UpsertSession stores the current state of a pool session.
func (r *Repository) UpsertSession(ctx context.Context, session model.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tier, status, step_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			step_id = excluded.step_id,
			last_active_at = excluded.last_active_at
	`, session.ID, session.Tier, session.Status, session.StepID,
		session.CreatedAt.Unix(), session.LastActiveAt.Unix())
	if err != nil {
		return fmt.Errorf("could not upsert session: %w", err)
	}

	return nil
}

// ListSessions returns every known session, oldest first.
func (r *Repository) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tier, status, step_id, created_at, last_active_at
		FROM sessions ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("could not query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var s model.Session
		var createdAt, lastActiveAt int64
		err := rows.Scan(&s.ID, &s.Tier, &s.Status, &s.StepID, &createdAt, &lastActiveAt)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		s.CreatedAt = timeFromUnix(createdAt)
		s.LastActiveAt = timeFromUnix(lastActiveAt)
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return sessions, nil
}

// MarkAllSessionsDead marks every session dead. Persisted sessions cannot
// survive a process restart, the pool calls this before warming up.
func (r *Repository) MarkAllSessionsDead(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = ?, step_id = '', last_active_at = ? WHERE status != ?`,
		model.SessionStatusDead, time.Now().UTC().Unix(), model.SessionStatusDead)
	if err != nil {
		return fmt.Errorf("could not mark sessions dead: %w", err)
	}

	return nil
}
