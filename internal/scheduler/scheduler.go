// Package scheduler runs the hub's time-triggered jobs: the daily activity
// report and the periodic health check. Both only read task state and append
// events; they never mutate tasks.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"corehub/internal/config"
	"corehub/internal/events"
	"corehub/internal/repo"
)

type Scheduler struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Workspace string
	Now       func() time.Time

	// Tick is how often the report trigger is checked. Tests shrink it.
	Tick time.Duration

	lastReportDay string
}

func New(db *sql.DB, cfg *config.Config, workspace string) *Scheduler {
	return &Scheduler{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Workspace: workspace,
		Now:       time.Now,
		Tick:      time.Minute,
	}
}

// Run blocks until ctx is cancelled, firing the daily report when the clock
// crosses the configured hour and the health check on its interval.
func (s *Scheduler) Run(ctx context.Context) error {
	reportTick := time.NewTicker(s.Tick)
	defer reportTick.Stop()
	healthTick := time.NewTicker(s.Config.HealthInterval())
	defer healthTick.Stop()

	// Baseline so a restart mid-day does not re-fire a report that cron
	// semantics would have fired earlier. Compared in UTC like the firing
	// check, whatever the host zone.
	if now := s.Now().UTC(); now.Hour() >= s.Config.Scheduler.ReportHour {
		s.lastReportDay = now.Format("2006-01-02")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reportTick.C:
			s.maybeDailyReport(ctx)
		case <-healthTick.C:
			if err := s.RunHealthCheck(ctx); err != nil {
				log.Printf("scheduler: health check: %v", err)
			}
		}
	}
}

func (s *Scheduler) maybeDailyReport(ctx context.Context) {
	now := s.Now().UTC()
	today := now.Format("2006-01-02")
	if now.Hour() < s.Config.Scheduler.ReportHour || s.lastReportDay == today {
		return
	}
	s.lastReportDay = today
	path, err := s.RunDailyReport(ctx, now.AddDate(0, 0, -1))
	if err != nil {
		log.Printf("scheduler: daily report: %v", err)
		return
	}
	log.Printf("scheduler: daily report written to %s", path)
}

// RunDailyReport builds the report for the given day, writes it under
// <workspace>/.corehub/reports/daily/ and appends a report_generated event.
// It returns the path of the written file.
func (s *Scheduler) RunDailyReport(ctx context.Context, day time.Time) (string, error) {
	rep, err := BuildDailyReport(ctx, s.Repo, day)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.Workspace, ".corehub", "reports", "daily")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(dir, rep.Date+".md")
	if err := os.WriteFile(path, []byte(rep.Markdown()), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	_, err = s.Events.AppendDirect(ctx, "report_generated", "", events.EventPayload{
		"date": rep.Date,
		"path": path,
	})
	if err != nil {
		return path, fmt.Errorf("log report event: %w", err)
	}
	return path, nil
}

// RunHealthCheck pings the database, samples queue depth and the pause flag,
// and appends a health_check event.
func (s *Scheduler) RunHealthCheck(ctx context.Context) error {
	dbHealthy := s.DB.PingContext(ctx) == nil

	counts := map[string]int{}
	if dbHealthy {
		var err error
		counts, err = s.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
	}

	paused := false
	if dbHealthy {
		flag, err := s.Repo.GetFlag(ctx, "system_paused")
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return fmt.Errorf("read pause flag: %w", err)
		default:
			paused = strings.EqualFold(flag.Value, "true")
		}
	}

	status := "healthy"
	if !dbHealthy || paused {
		status = "degraded"
	}

	_, err := s.Events.AppendDirect(ctx, "health_check", "", events.EventPayload{
		"status":           status,
		"database_healthy": dbHealthy,
		"system_paused":    paused,
		"todo_tasks":       counts["todo"],
		"blocked_tasks":    counts["blocked"],
	})
	if err != nil {
		return fmt.Errorf("log health event: %w", err)
	}
	return nil
}
