package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/slok/conductor/internal/app/status"
)

// TablePrinter prints task information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTaskList prints task summaries in a table format.
func (t *TablePrinter) PrintTaskList(summaries []status.TaskSummary) error {
	if len(summaries) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "ID\tSTATUS\tSTEPS\tDESCRIPTION\tCREATED")

	// Print rows
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			s.Task.ID, s.Task.Status, s.Done, s.Total, truncate(s.Task.Description, 48), TimeAgo(s.Task.CreatedAt))
	}

	return nil
}

// PrintTaskStatus prints the detailed status of a task with its steps.
func (t *TablePrinter) PrintTaskStatus(st status.TaskStatus) error {
	fmt.Fprintf(t.writer, "ID:          %s\n", st.Task.ID)
	fmt.Fprintf(t.writer, "Description: %s\n", st.Task.Description)
	fmt.Fprintf(t.writer, "Status:      %s\n", st.Task.Status)
	fmt.Fprintf(t.writer, "Progress:    %d/%d steps done\n", st.Done, st.Total)
	fmt.Fprintf(t.writer, "Created:     %s\n", FormatTimestamp(st.Task.CreatedAt))
	fmt.Fprintf(t.writer, "Updated:     %s\n", FormatTimestamp(st.Task.UpdatedAt))

	if len(st.Steps) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "STEP\tTIER\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, s := range st.Steps {
		tier := string(s.Step.Tier)
		if s.Step.Escalated {
			tier += " (escalated)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.Step.Name, tier, s.Step.State, s.Step.Attempts, truncate(s.Step.LastError, 64))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
