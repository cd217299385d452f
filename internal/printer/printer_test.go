package printer_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/conductor/internal/app/status"
	"github.com/slok/conductor/internal/model"
	"github.com/slok/conductor/internal/printer"
)

func taskStatusFixture() status.TaskStatus {
	createdAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	return status.TaskStatus{
		Task: model.Task{
			ID:          "task-1",
			Description: "Refactor the login handler",
			Status:      model.TaskStatusActive,
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		},
		Steps: []status.StepStatus{
			{Step: model.Step{ID: "s1", Name: "analyze", Tier: model.TierBasic, State: model.StepStateDone, Attempts: 1, Result: `{"summary":"ok"}`}},
			{
				Step: model.Step{ID: "s2", Name: "implement", Tier: model.TierAdvanced, Escalated: true, State: model.StepStateReady, Attempts: 2, LastError: "response did not match schema"},
				Attempts: []model.StepAttempt{
					{Number: 1, Tier: model.TierBasic, Fault: model.FaultValidation, Error: "missing field summary", RecordedAt: createdAt},
				},
			},
		},
		Done:  1,
		Total: 2,
	}
}

func TestTablePrinterPrintTaskStatus(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintTaskStatus(taskStatusFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "ID:          task-1")
	assert.Contains(t, out, "Progress:    1/2 steps done")
	assert.Contains(t, out, "advanced (escalated)")
	assert.Contains(t, out, "response did not match schema")
}

func TestJSONPrinterPrintTaskStatus(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	err := p.PrintTaskStatus(taskStatusFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"id": "task-1"`)
	assert.Contains(t, out, `"escalated": true`)
	assert.Contains(t, out, `"fault": "validation"`)
	assert.Contains(t, out, `"steps_done": 1`)
}

func TestTablePrinterPrintTaskList(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintTaskList([]status.TaskSummary{
		{Task: model.Task{ID: "task-1", Description: "First", Status: model.TaskStatusDone, CreatedAt: time.Now()}, Done: 3, Total: 3},
		{Task: model.Task{ID: "task-2", Description: "Second", Status: model.TaskStatusPending, CreatedAt: time.Now()}, Done: 0, Total: 2},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "3/3")
	assert.Contains(t, out, "0/2")
}

func TestTablePrinterPrintTaskListEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintTaskList(nil)
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestTablePrinterPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintMessage("Task cancelled")
	require.NoError(t, err)
	assert.Equal(t, "Task cancelled\n", buf.String())
}

func TestJSONPrinterPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	err := p.PrintMessage("Task cancelled")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"message": "Task cancelled"`)
}

func TestTimeAgo(t *testing.T) {
	tests := map[string]struct {
		in  time.Time
		exp string
	}{
		"Seconds ago":  {in: time.Now().Add(-5 * time.Second), exp: "5 seconds ago (UTC)"},
		"One minute":   {in: time.Now().Add(-1 * time.Minute), exp: "1 minute ago (UTC)"},
		"Hours ago":    {in: time.Now().Add(-3 * time.Hour), exp: "3 hours ago (UTC)"},
		"Days ago":     {in: time.Now().Add(-49 * time.Hour), exp: "2 days ago (UTC)"},
		"Future times": {in: time.Now().Add(time.Hour), exp: "in the future (UTC)"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, printer.TimeAgo(test.in))
		})
	}
}
