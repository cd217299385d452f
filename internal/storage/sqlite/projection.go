package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/slok/conductor/internal/model"
)

// PendingEvents returns up to limit pending change events, oldest first.
func (r *Repository) PendingEvents(ctx context.Context, limit int) ([]model.ChangeEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_kind, entity_id, task_id, status, attempts, created_at
		FROM change_events WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?
	`, model.ChangeEventStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query change events: %w", err)
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var createdAt int64
		err := rows.Scan(&e.ID, &e.EntityKind, &e.EntityID, &e.TaskID, &e.Status, &e.Attempts, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		e.CreatedAt = timeFromUnix(createdAt)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// MarkEventSynced marks a change event as delivered.
func (r *Repository) MarkEventSynced(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE change_events SET status = ? WHERE id = ?`,
		model.ChangeEventStatusSynced, id)
	if err != nil {
		return fmt.Errorf("could not update change event: %w", err)
	}

	return checkAffected(result, id)
}

// MarkEventFailed records a failed delivery attempt. When permanent is set the
// event is parked as failed instead of staying in the pending queue.
func (r *Repository) MarkEventFailed(ctx context.Context, id string, permanent bool) error {
	status := model.ChangeEventStatusPending
	if permanent {
		status = model.ChangeEventStatusFailed
	}

	result, err := r.db.ExecContext(ctx, `UPDATE change_events SET status = ?, attempts = attempts + 1 WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("could not update change event: %w", err)
	}

	return checkAffected(result, id)
}

// GetProjectionRecord retrieves the remote projection state of an entity.
func (r *Repository) GetProjectionRecord(ctx context.Context, kind model.EntityKind, entityID string) (*model.ProjectionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT entity_kind, entity_id, remote_ref, state_hash, synced_at
		FROM projection_records WHERE entity_kind = ? AND entity_id = ?
	`, kind, entityID)

	record, err := scanProjectionRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("projection record %s/%s: %w", kind, entityID, model.ErrNotFound)
		}
		return nil, err
	}

	return record, nil
}

// UpsertProjectionRecord stores the remote projection state of an entity.
func (r *Repository) UpsertProjectionRecord(ctx context.Context, record model.ProjectionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projection_records (entity_kind, entity_id, remote_ref, state_hash, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
			remote_ref = excluded.remote_ref,
			state_hash = excluded.state_hash,
			synced_at = excluded.synced_at
	`, record.EntityKind, record.EntityID, record.RemoteRef,
		strconv.FormatUint(record.StateHash, 16), record.SyncedAt.Unix())
	if err != nil {
		return fmt.Errorf("could not upsert projection record: %w", err)
	}

	return nil
}

// ListProjectionRecords returns every stored projection record.
func (r *Repository) ListProjectionRecords(ctx context.Context) ([]model.ProjectionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_kind, entity_id, remote_ref, state_hash, synced_at
		FROM projection_records ORDER BY entity_kind ASC, entity_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("could not query projection records: %w", err)
	}
	defer rows.Close()

	var records []model.ProjectionRecord
	for rows.Next() {
		record, err := scanProjectionRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

func scanProjectionRecord(s scanner) (*model.ProjectionRecord, error) {
	var record model.ProjectionRecord
	var hash string
	var syncedAt int64

	err := s.Scan(&record.EntityKind, &record.EntityID, &record.RemoteRef, &hash, &syncedAt)
	if err != nil {
		return nil, err
	}

	record.StateHash, err = strconv.ParseUint(hash, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("could not decode state hash: %w", err)
	}
	record.SyncedAt = timeFromUnix(syncedAt)

	return &record, nil
}

func checkAffected(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("change event %s: %w", id, model.ErrNotFound)
	}
	return nil
}
