// Package decompose consumes the output of the task decomposer collaborator:
// a task with an ordered, dependency-linked list of micro-steps. The
// decomposer itself runs outside the core; only its output shape is handled
// here.
package decompose

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conductor/internal/model"
)

type stepSpec struct {
	ID        string        `json:"id"`
	Tier      string        `json:"tier"`
	Payload   string        `json:"payload"`
	Schema    *model.Schema `json:"schema,omitempty"`
	DependsOn []string      `json:"depends_on"`
}

type taskSpec struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Steps       []stepSpec `json:"steps"`
}

// Parse decodes and validates a decomposer output document, returning the
// task and its steps ready to be stored as pending. The step dependency
// graph is checked for unresolved references and cycles.
func Parse(raw []byte) (*model.Task, []model.Step, error) {
	var spec taskSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, nil, fmt.Errorf("could not decode decomposer output: %w", err)
	}

	if spec.TaskID == "" {
		spec.TaskID = ulid.Make().String()
	}
	if len(spec.Steps) == 0 {
		return nil, nil, fmt.Errorf("decomposer output has no steps: %w", model.ErrNotValid)
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:          spec.TaskID,
		Description: spec.Description,
		Status:      model.TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Description == "" {
		task.Description = fmt.Sprintf("task %s", task.ID)
	}
	if err := task.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid task: %w", err)
	}

	// Decomposer step ids are task-scoped names; each step gets a globally
	// unique id and dependencies are remapped onto those.
	idsByName := make(map[string]string, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.ID == "" {
			return nil, nil, fmt.Errorf("decomposer step without id: %w", model.ErrNotValid)
		}
		if _, ok := idsByName[s.ID]; ok {
			return nil, nil, fmt.Errorf("duplicated step id %s: %w", s.ID, model.ErrNotValid)
		}
		idsByName[s.ID] = ulid.Make().String()
	}

	steps := make([]model.Step, 0, len(spec.Steps))
	for _, s := range spec.Steps {
		tier, err := model.ParseTier(s.Tier)
		if err != nil {
			return nil, nil, fmt.Errorf("step %s: %w", s.ID, err)
		}

		var schema model.Schema
		if s.Schema != nil {
			schema = *s.Schema
			if err := schema.Validate(); err != nil {
				return nil, nil, fmt.Errorf("step %s: %w", s.ID, err)
			}
		}

		deps := make([]string, 0, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			depID, ok := idsByName[dep]
			if !ok {
				return nil, nil, fmt.Errorf("step %s depends on unknown step %s: %w", s.ID, dep, model.ErrNotValid)
			}
			deps = append(deps, depID)
		}

		step := model.Step{
			ID:        idsByName[s.ID],
			TaskID:    task.ID,
			Name:      s.ID,
			Tier:      tier,
			Payload:   s.Payload,
			Schema:    schema,
			DependsOn: deps,
			State:     model.StepStatePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := step.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid step: %w", err)
		}
		steps = append(steps, step)
	}

	// Reject cycles up front.
	if _, err := NewGraph(steps); err != nil {
		return nil, nil, err
	}

	return task, steps, nil
}
