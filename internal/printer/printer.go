package printer

import "github.com/slok/conductor/internal/app/status"

// Printer knows how to print task information in different formats.
type Printer interface {
	PrintTaskList(summaries []status.TaskSummary) error
	PrintTaskStatus(st status.TaskStatus) error
	PrintMessage(msg string) error
}
