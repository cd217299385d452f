package projection

import (
	"fmt"
	"strings"

	"github.com/slok/conductor/internal/model"
)

// RenderTaskBody produces the markdown body of a task's remote object. The
// text is also what gets hashed for drift detection, so it must be
// deterministic. Remotes reuse it so the published body and the hash can
// never disagree.
func RenderTaskBody(task model.Task, steps []model.Step) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n\n", task.Description)
	fmt.Fprintf(&b, "Status: `%s`\n\n", task.Status)

	if len(steps) > 0 {
		b.WriteString("## Steps\n\n")
		for _, s := range steps {
			mark := " "
			if s.State == model.StepStateDone {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] **%s** (`%s`, tier `%s`", mark, s.Name, s.State, s.Tier)
			if s.Attempts > 0 {
				fmt.Fprintf(&b, ", %d attempts", s.Attempts)
			}
			b.WriteString(")\n")
		}
	}

	fmt.Fprintf(&b, "\n<!-- conductor:task:%s -->\n", task.ID)

	return b.String()
}

// RenderStepBody produces the markdown body of a step's remote note.
func RenderStepBody(step model.Step, attempts []model.StepAttempt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "### %s\n\n", step.Name)
	fmt.Fprintf(&b, "State: `%s` (tier `%s`)\n", step.State, step.Tier)
	if step.Escalated {
		b.WriteString("Escalated to a higher tier.\n")
	}

	if len(attempts) > 0 {
		b.WriteString("\n| # | Tier | Fault | Error |\n|---|------|-------|-------|\n")
		for _, a := range attempts {
			fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", a.Number, a.Tier, a.Fault, sanitizeCell(a.Error))
		}
	}

	if step.State == model.StepStateDone && step.Result != "" {
		fmt.Fprintf(&b, "\n```json\n%s\n```\n", step.Result)
	}
	if step.State == model.StepStateFailed && step.LastError != "" {
		fmt.Fprintf(&b, "\nFailed: %s\n", step.LastError)
	}

	fmt.Fprintf(&b, "\n<!-- conductor:step:%s -->\n", step.ID)

	return b.String()
}

func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
