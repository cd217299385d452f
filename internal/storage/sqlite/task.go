package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conductor/internal/model"
)

// CreateTask stores the task with all its steps and enqueues the task's
// projection event, all in one transaction.
func (r *Repository) CreateTask(ctx context.Context, task model.Task, steps []model.Step) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	for i := range steps {
		if err := steps[i].Validate(); err != nil {
			return fmt.Errorf("invalid step: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Rollback is safe to call after Commit.

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, description, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.Description, task.Status, task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.") {
			return fmt.Errorf("task already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	stepStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO steps (id, task_id, name, tier, payload, schema, state, attempts, escalated, last_error, session_id, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("could not prepare statement: %w", err)
	}
	defer stepStmt.Close()

	depStmt, err := tx.PrepareContext(ctx, `INSERT INTO step_deps (step_id, depends_on) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("could not prepare statement: %w", err)
	}
	defer depStmt.Close()

	for _, s := range steps {
		schema, err := marshalSchema(s.Schema)
		if err != nil {
			return fmt.Errorf("could not encode step schema: %w", err)
		}

		_, err = stepStmt.ExecContext(ctx,
			s.ID, s.TaskID, s.Name, s.Tier, s.Payload, schema, s.State,
			s.Attempts, boolToInt(s.Escalated), s.LastError, s.SessionID, s.Result,
			s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("could not insert step: %w", err)
		}

		for _, dep := range s.DependsOn {
			if _, err := depStmt.ExecContext(ctx, s.ID, dep); err != nil {
				return fmt.Errorf("could not insert step dependency: %w", err)
			}
		}
	}

	if err := insertChangeEvent(ctx, tx, model.EntityKindTask, task.ID, task.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Created task %s with %d steps", task.ID, len(steps))
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, description, status, created_at, updated_at FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return task, nil
}

// ListTasks returns all tasks, newest first.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, description, status, created_at, updated_at FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, *task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// UpdateTaskStatus sets the task status and enqueues a projection event.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	if err := insertChangeEvent(ctx, tx, model.EntityKindTask, id, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Updated task %s status to %s", id, status)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*model.Task, error) {
	var task model.Task
	var createdAt, updatedAt int64

	err := s.Scan(&task.ID, &task.Description, &task.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.CreatedAt = timeFromUnix(createdAt)
	task.UpdatedAt = timeFromUnix(updatedAt)

	return &task, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertChangeEvent(ctx context.Context, tx execer, kind model.EntityKind, entityID, taskID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_events (id, entity_kind, entity_id, task_id, status, attempts, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		ulid.Make().String(), kind, entityID, taskID, model.ChangeEventStatusPending, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("could not insert change event: %w", err)
	}
	return nil
}

func marshalSchema(s model.Schema) (string, error) {
	if len(s.Fields) == 0 {
		return "", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalSchema(raw string) (model.Schema, error) {
	if raw == "" {
		return model.Schema{}, nil
	}
	var s model.Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return model.Schema{}, err
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
