package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"pm-agent/internal/domain"
	"pm-agent/internal/graph"
	"pm-agent/internal/usecase"
)

var (
	heading = color.New(color.Bold)
	faint   = color.New(color.Faint)
)

func statusColor(s graph.Status) *color.Color {
	switch s {
	case graph.StatusDone:
		return color.New(color.FgGreen)
	case graph.StatusInterrupted:
		return color.New(color.FgYellow)
	case graph.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

func notificationSymbol(status string) string {
	switch status {
	case domain.NotificationSent:
		return color.GreenString("✓")
	case domain.NotificationFailed:
		return color.RedString("✗")
	default:
		return color.YellowString("-")
	}
}

func printMeeting(w io.Writer, snap usecase.MeetingSnapshot) {
	st := snap.State
	fmt.Fprintf(w, "%s %s  %s\n", heading.Sprint("Thread"), snap.ThreadID, statusColor(snap.Status).Sprint(snap.Status))
	if snap.Next != "" {
		fmt.Fprintf(w, "%s %s\n", faint.Sprint("next stage:"), snap.Next)
	}
	if st.RevisionCount > 0 {
		fmt.Fprintf(w, "%s %d of %d\n", faint.Sprint("revisions:"), st.RevisionCount, st.MaxRevisions)
	}

	if st.Minutes != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", heading.Sprint("Minutes"), st.Minutes)
	}

	if len(st.ActionItems) > 0 {
		fmt.Fprintf(w, "\n%s\n", heading.Sprint("Action items"))
		for i, item := range st.ActionItems {
			due := ""
			if item.DueDate != "" {
				due = " due " + item.DueDate
			}
			fmt.Fprintf(w, "%2d. [%s] %s  %s%s\n", i+1, item.Priority, item.Title, faint.Sprint("@"+item.Assignee), due)
		}
	}

	if len(st.CreatedTasks) > 0 {
		fmt.Fprintf(w, "\n%s\n", heading.Sprint("Created tasks"))
		for _, task := range st.CreatedTasks {
			fmt.Fprintf(w, "  %s %s\n", task.ID, task.Title)
		}
	}

	if len(st.Notifications) > 0 {
		fmt.Fprintf(w, "\n%s\n", heading.Sprint("Notifications"))
		for _, n := range st.Notifications {
			line := fmt.Sprintf("  %s %s -> %s", notificationSymbol(n.Status), n.Title, n.Assignee)
			if n.Reason != "" {
				line += faint.Sprintf(" (%s)", n.Reason)
			}
			fmt.Fprintln(w, line)
		}
	}

	if snap.AwaitingReview() {
		fmt.Fprintf(w, "\n%s run 'pmctl meeting resume %s' to create the tasks\n", color.YellowString("⚠"), snap.ThreadID)
	}
}
