package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/conductor/internal/app/status"
)

// JSONPrinter prints task information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// listItem represents a task in the list output (subset of fields).
type listItem struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	StepsDone   int       `json:"steps_done"`
	StepsTotal  int       `json:"steps_total"`
	CreatedAt   time.Time `json:"created_at"`
}

// statusOutput represents the full task status output.
type statusOutput struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Status      string       `json:"status"`
	StepsDone   int          `json:"steps_done"`
	StepsTotal  int          `json:"steps_total"`
	Steps       []stepOutput `json:"steps"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// stepOutput represents one step inside the task status output.
type stepOutput struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Tier      string          `json:"tier"`
	Escalated bool            `json:"escalated,omitempty"`
	State     string          `json:"state"`
	Attempts  []attemptOutput `json:"attempts,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// attemptOutput represents one recorded attempt of a step.
type attemptOutput struct {
	Number     int       `json:"number"`
	Tier       string    `json:"tier"`
	Fault      string    `json:"fault,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintTaskList prints task summaries in JSON format with a subset of fields.
func (j *JSONPrinter) PrintTaskList(summaries []status.TaskSummary) error {
	items := make([]listItem, len(summaries))
	for i, s := range summaries {
		items[i] = listItem{
			ID:          s.Task.ID,
			Description: s.Task.Description,
			Status:      string(s.Task.Status),
			StepsDone:   s.Done,
			StepsTotal:  s.Total,
			CreatedAt:   s.Task.CreatedAt.UTC(),
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintTaskStatus prints detailed task status in JSON format.
func (j *JSONPrinter) PrintTaskStatus(st status.TaskStatus) error {
	output := statusOutput{
		ID:          st.Task.ID,
		Description: st.Task.Description,
		Status:      string(st.Task.Status),
		StepsDone:   st.Done,
		StepsTotal:  st.Total,
		CreatedAt:   st.Task.CreatedAt.UTC(),
		UpdatedAt:   st.Task.UpdatedAt.UTC(),
	}

	for _, s := range st.Steps {
		so := stepOutput{
			ID:        s.Step.ID,
			Name:      s.Step.Name,
			Tier:      string(s.Step.Tier),
			Escalated: s.Step.Escalated,
			State:     string(s.Step.State),
			LastError: s.Step.LastError,
		}
		if s.Step.Result != "" {
			so.Result = json.RawMessage(s.Step.Result)
		}
		for _, a := range s.Attempts {
			so.Attempts = append(so.Attempts, attemptOutput{
				Number:     a.Number,
				Tier:       string(a.Tier),
				Fault:      string(a.Fault),
				Error:      a.Error,
				RecordedAt: a.RecordedAt.UTC(),
			})
		}
		output.Steps = append(output.Steps, so)
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(messageOutput{Message: msg})
}
