package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
)

const goalColumnWidth = 48

// TablePrinter prints task information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTaskList prints tasks in a table format.
func (t *TablePrinter) PrintTaskList(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tTOKENS\tCREATED\tGOAL")

	// Print rows
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			task.ID,
			task.Status,
			FormatProgress(task.Progress),
			FormatTokens(task.TokenTotal),
			TimeAgo(task.CreatedAt),
			truncate(task.Goal, goalColumnWidth),
		)
	}

	return nil
}

// PrintTask prints detailed task status.
func (t *TablePrinter) PrintTask(task model.Task) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", task.ID)
	fmt.Fprintf(t.writer, "Goal:       %s\n", task.Goal)
	fmt.Fprintf(t.writer, "Status:     %s\n", task.Status)
	fmt.Fprintf(t.writer, "Progress:   %s\n", FormatProgress(task.Progress))
	fmt.Fprintf(t.writer, "Steps:      %d of ~%d\n", task.StepsDone, task.StepsEstimate)
	fmt.Fprintf(t.writer, "Tokens:     %s (in: %s, out: %s, budget: %s)\n",
		FormatTokens(task.TokenTotal),
		FormatTokens(task.TokenInput),
		FormatTokens(task.TokenOutput),
		FormatTokens(task.TokenBudget),
	)
	fmt.Fprintf(t.writer, "Elapsed:    %s\n", FormatSeconds(task.ElapsedSeconds))

	if task.EtaSeconds > 0 && !task.Status.IsTerminal() {
		fmt.Fprintf(t.writer, "ETA:        %s\n", FormatSeconds(task.EtaSeconds))
	}
	if task.WorkspacePath != "" {
		fmt.Fprintf(t.writer, "Workspace:  %s\n", task.WorkspacePath)
	}
	if task.CancelRequested && !task.Status.IsTerminal() {
		fmt.Fprintf(t.writer, "Cancel:     requested\n")
	}
	if task.LastError != "" {
		fmt.Fprintf(t.writer, "Last error: %s\n", task.LastError)
	}

	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(task.CreatedAt))
	if task.StartedAt != nil {
		fmt.Fprintf(t.writer, "Started:    %s\n", FormatTimestamp(*task.StartedAt))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(t.writer, "Completed:  %s\n", FormatTimestamp(*task.CompletedAt))
	}

	return nil
}

// PrintEvents prints task events in a table format.
func (t *TablePrinter) PrintEvents(events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header.
	fmt.Fprintln(tw, "SEQ\tTIME\tLEVEL\tTYPE\tMESSAGE")

	// Print rows.
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.Seq,
			FormatTimestamp(ev.TS),
			ev.Level,
			ev.Type,
			ev.Message,
		)
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
