package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"corehub/internal/config"
	"corehub/internal/db"
	"corehub/internal/dispatch"
	"corehub/internal/domain"
	"corehub/internal/migrate"
	"corehub/internal/repo"
)

func newTestScheduler(t *testing.T) (*Scheduler, dispatch.Dispatcher, string) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	s := New(conn, cfg, workspace)
	d := dispatch.New(conn, cfg)
	return s, d, workspace
}

func TestRunDailyReport(t *testing.T) {
	s, d, workspace := newTestScheduler(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	clock := day.Add(10 * time.Hour)
	d.Now = func() time.Time { return clock }
	d.Events.Now = d.Now
	s.Now = d.Now
	s.Events.Now = d.Now

	task, err := d.CreateTask(ctx, dispatch.TaskCreateOptions{Title: "wire up billing export", AgentID: "ops-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := d.ClaimNext(ctx, "agent-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := d.ReleaseOrComplete(ctx, task.ID, dispatch.Completed(), "agent-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	taskID := task.ID
	if _, err := s.Repo.InsertRun(ctx, runFor(taskID, clock)); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	path, err := s.RunDailyReport(ctx, day)
	if err != nil {
		t.Fatalf("RunDailyReport: %v", err)
	}
	want := filepath.Join(workspace, ".corehub", "reports", "daily", "2025-03-09.md")
	if path != want {
		t.Fatalf("report path = %s, want %s", path, want)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "# Daily Summary - 2025-03-09") {
		t.Fatalf("report missing header:\n%s", text)
	}
	if !strings.Contains(text, task.ID) || !strings.Contains(text, "wire up billing export") {
		t.Fatalf("report missing completed task:\n%s", text)
	}
	if !strings.Contains(text, "Success rate: 100.0%") {
		t.Fatalf("report missing run metrics:\n%s", text)
	}

	evs, err := s.Repo.ListEvents(ctx, repo.EventFilters{Type: "report_generated"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("report_generated events = %d, want 1", len(evs))
	}
}

func TestRunDailyReportEmptyDay(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	path, err := s.RunDailyReport(ctx, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RunDailyReport: %v", err)
	}
	body, _ := os.ReadFile(path)
	if !strings.Contains(string(body), "- none") {
		t.Fatalf("empty-day report should list no tasks:\n%s", body)
	}
}

func TestRunHealthCheck(t *testing.T) {
	s, d, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := d.SetSystemPaused(ctx, true, "admin"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.RunHealthCheck(ctx); err != nil {
		t.Fatalf("RunHealthCheck: %v", err)
	}

	evs, err := s.Repo.ListEvents(ctx, repo.EventFilters{Type: "health_check"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("health_check events = %d, want 1", len(evs))
	}
	if !strings.Contains(evs[0].Payload, `"status":"degraded"`) {
		t.Fatalf("paused system should report degraded, payload = %s", evs[0].Payload)
	}
}

func TestMaybeDailyReportFiresOncePerDay(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	clock := time.Date(2025, 3, 10, 8, 59, 0, 0, time.UTC)
	s.Now = func() time.Time { return clock }

	s.maybeDailyReport(ctx)
	if n := countEvents(t, s, "report_generated"); n != 0 {
		t.Fatalf("before report hour: events = %d, want 0", n)
	}

	clock = clock.Add(2 * time.Minute)
	s.maybeDailyReport(ctx)
	s.maybeDailyReport(ctx)
	if n := countEvents(t, s, "report_generated"); n != 1 {
		t.Fatalf("after report hour: events = %d, want 1", n)
	}

	clock = clock.AddDate(0, 0, 1)
	s.maybeDailyReport(ctx)
	if n := countEvents(t, s, "report_generated"); n != 2 {
		t.Fatalf("next day: events = %d, want 2", n)
	}
}

func TestRunBaselineComparesUTCHour(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	// 20:30 local in a zone 13h ahead of UTC is 07:30 UTC, before the
	// report hour. The restart baseline must not mark today as reported.
	zone := time.FixedZone("UTC+13", 13*60*60)
	clock := time.Date(2025, 3, 10, 20, 30, 0, 0, zone)
	s.Now = func() time.Time { return clock }
	s.Events.Now = s.Now

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if s.lastReportDay != "" {
		t.Fatalf("baseline marked %q as reported before the UTC report hour", s.lastReportDay)
	}

	// Once the UTC report hour passes, the day's report still fires.
	clock = time.Date(2025, 3, 10, 22, 1, 0, 0, zone) // 09:01 UTC
	s.maybeDailyReport(context.Background())
	if n := countEvents(t, s, "report_generated"); n != 1 {
		t.Fatalf("report_generated events = %d, want 1", n)
	}
	if s.lastReportDay != "2025-03-10" {
		t.Fatalf("lastReportDay = %q, want 2025-03-10", s.lastReportDay)
	}
}

func runFor(taskID string, at time.Time) domain.Run {
	return domain.Run{
		Agent:       "agent-1",
		TaskID:      &taskID,
		Status:      domain.RunCompleted,
		CostUSD:     0.05,
		DurationSec: 1.5,
		CreatedAt:   at.UTC().Format(time.RFC3339),
	}
}

func countEvents(t *testing.T, s *Scheduler, evtType string) int {
	t.Helper()
	n, err := s.Repo.CountEvents(context.Background(), repo.EventFilters{Type: evtType})
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}
