package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/conductor/internal/model"
)

func TestStepStateCanTransition(t *testing.T) {
	tests := map[string]struct {
		from  model.StepState
		to    model.StepState
		expOK bool
	}{
		"Pending becomes ready when dependencies finish": {from: model.StepStatePending, to: model.StepStateReady, expOK: true},
		"Pending fails when a dependency fails":          {from: model.StepStatePending, to: model.StepStateFailed, expOK: true},
		"Pending can't be dispatched directly":           {from: model.StepStatePending, to: model.StepStateDispatched, expOK: false},
		"Ready is dispatched after a lease":              {from: model.StepStateReady, to: model.StepStateDispatched, expOK: true},
		"Ready can't skip to done":                       {from: model.StepStateReady, to: model.StepStateDone, expOK: false},
		"Dispatched awaits the response":                 {from: model.StepStateDispatched, to: model.StepStateAwaitingResponse, expOK: true},
		"Stale dispatched is requeued":                   {from: model.StepStateDispatched, to: model.StepStateReady, expOK: true},
		"Awaiting moves to validating on response":       {from: model.StepStateAwaitingResponse, to: model.StepStateValidating, expOK: true},
		"Stale awaiting is requeued":                     {from: model.StepStateAwaitingResponse, to: model.StepStateReady, expOK: true},
		"Validating finishes on schema match":            {from: model.StepStateValidating, to: model.StepStateDone, expOK: true},
		"Validating requeues on schema mismatch":         {from: model.StepStateValidating, to: model.StepStateReady, expOK: true},
		"Validating fails when the budget is gone":       {from: model.StepStateValidating, to: model.StepStateFailed, expOK: true},
		"Done is terminal":                               {from: model.StepStateDone, to: model.StepStateReady, expOK: false},
		"Failed is terminal":                             {from: model.StepStateFailed, to: model.StepStateReady, expOK: false},
		"Awaiting can't go back to dispatched":           {from: model.StepStateAwaitingResponse, to: model.StepStateDispatched, expOK: false},
		"Done can't be failed afterwards":                {from: model.StepStateDone, to: model.StepStateFailed, expOK: false},
		"Validating can't restart from pending":          {from: model.StepStateValidating, to: model.StepStatePending, expOK: false},
		"Unknown state has no transitions":               {from: model.StepState("bogus"), to: model.StepStateReady, expOK: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expOK, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStepValidate(t *testing.T) {
	tests := map[string]struct {
		step   model.Step
		expErr bool
	}{
		"Correct step is valid": {
			step: model.Step{ID: "01JSTEP1", TaskID: "t1", Name: "s1", Tier: model.TierBasic, Payload: "do the thing"},
		},
		"Missing id is invalid": {
			step:   model.Step{TaskID: "t1", Name: "s1", Tier: model.TierBasic, Payload: "x"},
			expErr: true,
		},
		"Missing task id is invalid": {
			step:   model.Step{ID: "01JSTEP1", Name: "s1", Tier: model.TierBasic, Payload: "x"},
			expErr: true,
		},
		"Missing name is invalid": {
			step:   model.Step{ID: "01JSTEP1", TaskID: "t1", Tier: model.TierBasic, Payload: "x"},
			expErr: true,
		},
		"Unknown tier is invalid": {
			step:   model.Step{ID: "01JSTEP1", TaskID: "t1", Name: "s1", Tier: "mega", Payload: "x"},
			expErr: true,
		},
		"Missing payload is invalid": {
			step:   model.Step{ID: "01JSTEP1", TaskID: "t1", Name: "s1", Tier: model.TierBasic},
			expErr: true,
		},
		"Self dependency is invalid": {
			step:   model.Step{ID: "01JSTEP1", TaskID: "t1", Name: "s1", Tier: model.TierBasic, Payload: "x", DependsOn: []string{"01JSTEP1"}},
			expErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.expErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFaultKindSessionFault(t *testing.T) {
	assert.False(t, model.FaultValidation.SessionFault())
	assert.True(t, model.FaultTimeout.SessionFault())
	assert.True(t, model.FaultSessionDied.SessionFault())
	assert.False(t, model.FaultStale.SessionFault())
}
