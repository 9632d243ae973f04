package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"corehub/internal/domain"
	"corehub/internal/repo"
)

// DailyReport aggregates one calendar day (UTC) of hub activity.
type DailyReport struct {
	Date             string
	CompletedTasks   []domain.Task
	Runs             []domain.Run
	Events           []domain.Event
	SuccessfulRuns   int
	TotalCostUSD     float64
	TotalDurationSec float64
}

// BuildDailyReport reads the done tasks, runs and events whose timestamps
// fall on the given day.
func BuildDailyReport(ctx context.Context, r repo.Repo, day time.Time) (DailyReport, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	from := start.Format(time.RFC3339)
	to := start.AddDate(0, 0, 1).Format(time.RFC3339)

	rep := DailyReport{Date: start.Format("2006-01-02")}

	tasks, err := r.TasksDoneBetween(ctx, from, to)
	if err != nil {
		return rep, fmt.Errorf("report tasks: %w", err)
	}
	rep.CompletedTasks = tasks

	runs, err := r.RunsBetween(ctx, from, to)
	if err != nil {
		return rep, fmt.Errorf("report runs: %w", err)
	}
	rep.Runs = runs
	for _, run := range runs {
		rep.TotalCostUSD += run.CostUSD
		rep.TotalDurationSec += run.DurationSec
		if run.Status == domain.RunCompleted {
			rep.SuccessfulRuns++
		}
	}

	events, err := r.EventsBetween(ctx, from, to)
	if err != nil {
		return rep, fmt.Errorf("report events: %w", err)
	}
	rep.Events = events

	return rep, nil
}

// SuccessRate is the completed-run percentage, 0 when there were no runs.
func (rep DailyReport) SuccessRate() float64 {
	if len(rep.Runs) == 0 {
		return 0
	}
	return float64(rep.SuccessfulRuns) / float64(len(rep.Runs)) * 100
}

// Markdown renders the report document.
func (rep DailyReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Summary - %s\n\n", rep.Date)

	fmt.Fprintf(&b, "## Completed Tasks (%d)\n", len(rep.CompletedTasks))
	if len(rep.CompletedTasks) == 0 {
		b.WriteString("- none\n")
	}
	for _, t := range rep.CompletedTasks {
		fmt.Fprintf(&b, "- [%s] %s\n", t.ID, t.Title)
	}

	b.WriteString("\n## Metrics\n")
	fmt.Fprintf(&b, "- Total runs: %d\n", len(rep.Runs))
	fmt.Fprintf(&b, "- Successful runs: %d\n", rep.SuccessfulRuns)
	fmt.Fprintf(&b, "- Success rate: %.1f%%\n", rep.SuccessRate())
	fmt.Fprintf(&b, "- Total cost: $%.2f\n", rep.TotalCostUSD)
	fmt.Fprintf(&b, "- Total time: %.1fs\n", rep.TotalDurationSec)

	fmt.Fprintf(&b, "\n## Events (%d)\n", len(rep.Events))
	if len(rep.Events) == 0 {
		b.WriteString("- none\n")
	}
	for _, e := range rep.Events {
		agent := "system"
		if e.Agent != nil {
			agent = *e.Agent
		}
		hhmm := e.CreatedAt
		if ts, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
			hhmm = ts.Format("15:04")
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", hhmm, e.Type, agent)
	}

	b.WriteString("\n---\n*Generated automatically by corehub*\n")
	return b.String()
}
