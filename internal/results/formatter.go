// File: internal/results/formatter.go
package results

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// Format converts a task's execution trace into a caller-facing report: a
// narrative someone can read without the raw logs, plus the ordered step log
// for anyone who wants the detail.
func Format(task schemas.Task) schemas.Report {
	return schemas.Report{
		TaskID:    task.ID,
		Status:    task.Status,
		Narrative: narrative(task),
		Steps:     task.Steps,
	}
}

func narrative(task schemas.Task) string {
	executed := executedCount(task)

	switch task.Status {
	case schemas.StatusSucceeded:
		if executed == 0 {
			return task.Summary
		}
		return fmt.Sprintf("%s (completed in %d browser %s)",
			task.Summary, executed, plural(executed, "action", "actions"))

	case schemas.StatusFailed:
		return failureNarrative(task, "The task failed")

	case schemas.StatusTimedOut:
		return failureNarrative(task, "The task ran out of budget")

	case schemas.StatusCancelled:
		return fmt.Sprintf("The task was cancelled after %d completed %s.",
			executed, plural(executed, "step", "steps"))

	default:
		// Non-terminal: progress view for status polling.
		return fmt.Sprintf("The task is %s; %d %s completed so far.",
			strings.ReplaceAll(string(task.Status), "_", " "),
			executed, plural(executed, "step", "steps"))
	}
}

// failureNarrative names the last attempted action and its failure reason so
// the caller can diagnose without internal logs.
func failureNarrative(task schemas.Task, prefix string) string {
	executed := executedCount(task)
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s after %d completed %s", prefix, executed, plural(executed, "step", "steps"))

	if last := task.LastStep(); last != nil {
		if last.Failed() {
			fmt.Fprintf(&sb, "; the last attempted action was %s, which failed: %s",
				last.Action.Describe(), last.Error)
		} else {
			fmt.Fprintf(&sb, "; the last completed action was %s", last.Action.Describe())
		}
	}

	if task.Summary != "" {
		fmt.Fprintf(&sb, ". %s", strings.TrimSuffix(task.Summary, "."))
	}
	sb.WriteString(".")
	return sb.String()
}

// executedCount counts steps whose action actually ran to an observation.
func executedCount(task schemas.Task) int {
	n := 0
	for i := range task.Steps {
		if !task.Steps[i].Failed() {
			n++
		}
	}
	return n
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
