package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/storage"
)

const stepColumns = `id, task_id, name, tier, payload, schema, state, attempts, escalated, last_error, session_id, result, created_at, updated_at`

// GetStep retrieves a step by ID.
func (r *Repository) GetStep(ctx context.Context, id string) (*model.Step, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)

	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("step %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query step: %w", err)
	}

	if err := r.loadDeps(ctx, r.db, step); err != nil {
		return nil, err
	}

	return step, nil
}

// ListSteps returns all steps of a task in creation order.
func (r *Repository) ListSteps(ctx context.Context, taskID string) ([]model.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query steps: %w", err)
	}
	defer rows.Close()

	steps, err := collectSteps(rows)
	if err != nil {
		return nil, err
	}

	for i := range steps {
		if err := r.loadDeps(ctx, r.db, &steps[i]); err != nil {
			return nil, err
		}
	}

	return steps, nil
}

// MarkReadySteps promotes pending steps whose dependencies are all done. The
// whole promotion is a single statement, so readiness is judged from a
// consistent snapshot: a partially committed dependency set can never make a
// step ready.
func (r *Repository) MarkReadySteps(ctx context.Context) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE steps SET state = ?, updated_at = ?
		WHERE state = ?
		AND NOT EXISTS (
			SELECT 1 FROM step_deps sd
			JOIN steps dep ON dep.id = sd.depends_on
			WHERE sd.step_id = steps.id AND dep.state != ?
		)
	`, model.StepStateReady, time.Now().UTC().Unix(), model.StepStatePending, model.StepStateDone)
	if err != nil {
		return 0, fmt.Errorf("could not mark ready steps: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get rows affected: %w", err)
	}

	return int(rows), nil
}

// ListReadySteps returns every ready step belonging to a task that can still
// make progress.
func (r *Repository) ListReadySteps(ctx context.Context) ([]model.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixedStepColumns("s")+`
		FROM steps s
		JOIN tasks t ON t.id = s.task_id
		WHERE s.state = ? AND t.status IN (?, ?)
		ORDER BY s.created_at ASC, s.id ASC
	`, model.StepStateReady, model.TaskStatusPending, model.TaskStatusActive)
	if err != nil {
		return nil, fmt.Errorf("could not query ready steps: %w", err)
	}
	defer rows.Close()

	steps, err := collectSteps(rows)
	if err != nil {
		return nil, err
	}

	for i := range steps {
		if err := r.loadDeps(ctx, r.db, &steps[i]); err != nil {
			return nil, err
		}
	}

	return steps, nil
}

// TransitionStep applies one state machine transition atomically: the step
// row, the optional attempt record, the derived task status and the
// projection events commit or roll back together.
func (r *Repository) TransitionStep(ctx context.Context, t storage.StepTransition) error {
	if !t.From.CanTransition(t.To) {
		return fmt.Errorf("step transition %s -> %s: %w", t.From, t.To, model.ErrNotValid)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, t.StepID)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("step %s: %w", t.StepID, model.ErrNotFound)
		}
		return fmt.Errorf("could not query step: %w", err)
	}

	if step.State != t.From {
		return fmt.Errorf("step %s is %s, not %s: %w", t.StepID, step.State, t.From, model.ErrTransactionConflict)
	}

	step.State = t.To
	if t.Mutate != nil {
		t.Mutate(step)
	}
	step.UpdatedAt = time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE steps
		SET state = ?, tier = ?, attempts = ?, escalated = ?, last_error = ?, session_id = ?, result = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, step.State, step.Tier, step.Attempts, boolToInt(step.Escalated), step.LastError,
		step.SessionID, step.Result, step.UpdatedAt.Unix(), step.ID, t.From)
	if err != nil {
		return fmt.Errorf("could not update step: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("step %s changed concurrently: %w", t.StepID, model.ErrTransactionConflict)
	}

	if t.Attempt != nil {
		a := *t.Attempt
		if a.ID == "" {
			a.ID = ulid.Make().String()
		}
		if a.RecordedAt.IsZero() {
			a.RecordedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_attempts (id, step_id, number, tier, session_id, fault, error, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.StepID, a.Number, a.Tier, a.SessionID, a.Fault, a.Error, a.RecordedAt.Unix())
		if err != nil {
			return fmt.Errorf("could not insert step attempt: %w", err)
		}
	}

	// Projection events for the states humans care about.
	if t.To == model.StepStateDispatched || t.To.Terminal() || t.Attempt != nil {
		if err := insertChangeEvent(ctx, tx, model.EntityKindStep, step.ID, step.TaskID); err != nil {
			return err
		}
	}

	if err := r.syncTaskStatus(ctx, tx, step.TaskID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Step %s: %s -> %s", t.StepID, t.From, t.To)
	return nil
}

// ListAttempts returns every recorded attempt of a step, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, stepID string) ([]model.StepAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, step_id, number, tier, session_id, fault, error, recorded_at
		FROM step_attempts WHERE step_id = ? ORDER BY number ASC, recorded_at ASC
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("could not query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.StepAttempt
	for rows.Next() {
		var a model.StepAttempt
		var recordedAt int64
		err := rows.Scan(&a.ID, &a.StepID, &a.Number, &a.Tier, &a.SessionID, &a.Fault, &a.Error, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		a.RecordedAt = timeFromUnix(recordedAt)
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return attempts, nil
}

// RequeueStale requeues steps stuck in flight beyond the staleness window.
// The interrupted turn was already charged at dispatch, so only the fault is
// recorded here. Used at startup so a crash between dispatch and commit never
// loses or duplicates a step.
func (r *Repository) RequeueStale(ctx context.Context, window time.Duration) ([]model.Step, error) {
	cutoff := time.Now().UTC().Add(-window).Unix()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE state IN (?, ?, ?) AND updated_at <= ?
		ORDER BY created_at ASC, id ASC
	`, model.StepStateDispatched, model.StepStateAwaitingResponse, model.StepStateValidating, cutoff)
	if err != nil {
		return nil, fmt.Errorf("could not query stale steps: %w", err)
	}
	stale, err := collectSteps(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var requeued []model.Step
	for _, s := range stale {
		sessionID := s.SessionID
		err := r.TransitionStep(ctx, storage.StepTransition{
			StepID: s.ID,
			From:   s.State,
			To:     model.StepStateReady,
			Mutate: func(step *model.Step) {
				step.LastError = "stale in-flight step requeued after restart"
				step.SessionID = ""
			},
			Attempt: &model.StepAttempt{
				StepID:    s.ID,
				Number:    s.Attempts,
				Tier:      s.Tier,
				SessionID: sessionID,
				Fault:     model.FaultStale,
				Error:     "stale in-flight step requeued after restart",
			},
		})
		if err != nil {
			return nil, fmt.Errorf("could not requeue stale step %s: %w", s.ID, err)
		}

		s.State = model.StepStateReady
		requeued = append(requeued, s)
	}

	if len(requeued) > 0 {
		r.logger.Infof("Requeued %d stale steps", len(requeued))
	}

	return requeued, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Repository) loadDeps(ctx context.Context, q querier, step *model.Step) error {
	rows, err := q.QueryContext(ctx,
		`SELECT depends_on FROM step_deps WHERE step_id = ? ORDER BY depends_on ASC`, step.ID)
	if err != nil {
		return fmt.Errorf("could not query step dependencies: %w", err)
	}
	defer rows.Close()

	step.DependsOn = nil
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return fmt.Errorf("could not scan row: %w", err)
		}
		step.DependsOn = append(step.DependsOn, dep)
	}

	return rows.Err()
}

// syncTaskStatus recomputes the task status from its step states within the
// transaction and enqueues a task projection event when it changed.
func (r *Repository) syncTaskStatus(ctx context.Context, tx *sql.Tx, taskID string) error {
	var current model.TaskStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err != nil {
		return fmt.Errorf("could not query task: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT state FROM steps WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("could not query step states: %w", err)
	}
	var states []model.StepState
	for rows.Next() {
		var s model.StepState
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return fmt.Errorf("could not scan row: %w", err)
		}
		states = append(states, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	derived := storage.DeriveTaskStatus(current, states)
	if derived == current {
		return nil
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		derived, time.Now().UTC().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("could not update task status: %w", err)
	}

	return insertChangeEvent(ctx, tx, model.EntityKindTask, taskID, taskID)
}

func prefixedStepColumns(prefix string) string {
	return prefix + ".id, " + prefix + ".task_id, " + prefix + ".name, " + prefix + ".tier, " +
		prefix + ".payload, " + prefix + ".schema, " + prefix + ".state, " + prefix + ".attempts, " +
		prefix + ".escalated, " + prefix + ".last_error, " + prefix + ".session_id, " + prefix + ".result, " +
		prefix + ".created_at, " + prefix + ".updated_at"
}

func scanStep(s scanner) (*model.Step, error) {
	var step model.Step
	var schema string
	var escalated int
	var createdAt, updatedAt int64

	err := s.Scan(
		&step.ID, &step.TaskID, &step.Name, &step.Tier, &step.Payload, &schema, &step.State,
		&step.Attempts, &escalated, &step.LastError, &step.SessionID, &step.Result,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Schema, err = unmarshalSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("could not decode step schema: %w", err)
	}
	step.Escalated = escalated != 0
	step.CreatedAt = timeFromUnix(createdAt)
	step.UpdatedAt = timeFromUnix(updatedAt)

	return &step, nil
}

func collectSteps(rows *sql.Rows) ([]model.Step, error) {
	var steps []model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return steps, nil
}
