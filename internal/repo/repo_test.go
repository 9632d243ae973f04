package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"corehub/internal/db"
	"corehub/internal/domain"
	"corehub/internal/events"
	"corehub/internal/migrate"
	"corehub/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func stamp(day, hour int) string {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

func insertTask(t *testing.T, r repo.Repo, task domain.Task) {
	t.Helper()
	if task.CreatedAt == "" {
		task.CreatedAt = stamp(10, 9)
	}
	if task.UpdatedAt == "" {
		task.UpdatedAt = task.CreatedAt
	}
	if err := r.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task %s: %v", task.ID, err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetTask(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertTask(t, r, domain.Task{ID: "T-1", Title: "a", Type: domain.TypeDev, Priority: 2, Status: domain.StatusTodo})
	insertTask(t, r, domain.Task{ID: "T-2", Title: "b", Type: domain.TypeOps, Priority: 1, Status: domain.StatusTodo})
	insertTask(t, r, domain.Task{ID: "T-3", Title: "c", Type: domain.TypeDev, Priority: 1, Status: domain.StatusDone})

	todo, err := r.ListTasks(ctx, repo.TaskFilters{Status: domain.StatusTodo})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(todo) != 2 || todo[0].ID != "T-2" {
		t.Fatalf("todo filter: %+v", todo)
	}

	dev, err := r.ListTasks(ctx, repo.TaskFilters{Type: domain.TypeDev})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dev) != 2 {
		t.Fatalf("type filter returned %d tasks", len(dev))
	}

	limited, err := r.ListTasks(ctx, repo.TaskFilters{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit returned %d tasks", len(limited))
	}
}

func TestTransitionTaskIsConditional(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertTask(t, r, domain.Task{ID: "T-1", Title: "a", Type: domain.TypeDev, Priority: 3, Status: domain.StatusTodo})

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.TransitionTask(ctx, tx, "T-1", domain.StatusTodo, domain.StatusInProgress, stamp(10, 10)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Same precondition no longer holds.
	if err := r.TransitionTask(ctx, tx, "T-1", domain.StatusTodo, domain.StatusDone, stamp(10, 10)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stale transition: got %v, want ErrNotFound", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	task, err := r.GetTask(ctx, "T-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.StatusInProgress {
		t.Fatalf("status %s, want in_progress", task.Status)
	}
}

func TestTasksDoneBetween(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertTask(t, r, domain.Task{ID: "T-in", Title: "in range", Type: domain.TypeDev, Priority: 3, Status: domain.StatusDone, UpdatedAt: stamp(10, 14)})
	insertTask(t, r, domain.Task{ID: "T-before", Title: "too early", Type: domain.TypeDev, Priority: 3, Status: domain.StatusDone, UpdatedAt: stamp(9, 23)})
	insertTask(t, r, domain.Task{ID: "T-open", Title: "not done", Type: domain.TypeDev, Priority: 3, Status: domain.StatusTodo, UpdatedAt: stamp(10, 14)})

	done, err := r.TasksDoneBetween(ctx, stamp(10, 0), stamp(11, 0))
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(done) != 1 || done[0].ID != "T-in" {
		t.Fatalf("got %+v, want only T-in", done)
	}
}

func TestRunRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID := "T-1"
	id, err := r.InsertRun(ctx, domain.Run{
		Agent:       "agent-1",
		TaskID:      &taskID,
		Status:      domain.RunCompleted,
		CostUSD:     0.05,
		DurationSec: 1.5,
		CreatedAt:   stamp(10, 12),
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	run, err := r.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.TaskID == nil || *run.TaskID != taskID || run.CostUSD != 0.05 {
		t.Fatalf("round trip mismatch: %+v", run)
	}

	// Runs without a task keep a NULL task id.
	id2, err := r.InsertRun(ctx, domain.Run{Agent: "agent-1", Status: domain.RunFailed, CreatedAt: stamp(10, 13)})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	run2, err := r.GetRun(ctx, id2)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run2.TaskID != nil {
		t.Fatalf("expected nil task id, got %v", *run2.TaskID)
	}

	byTask, err := r.ListRuns(ctx, repo.RunFilters{TaskID: taskID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(byTask) != 1 || byTask[0].ID != id {
		t.Fatalf("task filter: %+v", byTask)
	}

	window, err := r.RunsBetween(ctx, stamp(10, 0), stamp(10, 13))
	if err != nil {
		t.Fatalf("runs between: %v", err)
	}
	if len(window) != 1 {
		t.Fatalf("window returned %d runs, want 1", len(window))
	}
}

func TestEventPaginationAndFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for i := 0; i < 5; i++ {
		agent := "agent-1"
		if i%2 == 1 {
			agent = "agent-2"
		}
		if _, err := w.AppendDirect(ctx, "tick", agent, events.EventPayload{"n": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	total, err := r.CountEvents(ctx, repo.EventFilters{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 5 {
		t.Fatalf("count %d, want 5", total)
	}

	page, err := r.ListEvents(ctx, repo.EventFilters{Limit: 2, Offset: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != 4 {
		t.Fatalf("page: %+v", page)
	}

	byAgent, err := r.ListEvents(ctx, repo.EventFilters{Agent: "agent-2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("agent filter returned %d events", len(byAgent))
	}

	e, err := r.GetEvent(ctx, page[0].ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if e.Agent == nil || e.Type != "tick" {
		t.Fatalf("event: %+v", e)
	}
}

func TestEventsByTaskKeepCreationOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}

	types := []string{"task_created", "task_claimed", "task_failed", "task_claimed", "task_completed"}
	for _, typ := range types {
		payload := events.EventPayload{"task_id": "T-1"}
		if typ == "task_created" {
			payload["title"] = "audited"
			payload["type"] = "dev"
		}
		if _, err := w.AppendDirect(ctx, typ, "agent-1", payload); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	if _, err := w.AppendDirect(ctx, "task_claimed", "agent-2", events.EventPayload{"task_id": "T-other"}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	trail, err := r.ListEvents(ctx, repo.EventFilters{TaskID: "T-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trail) != len(types) {
		t.Fatalf("got %d events for T-1, want %d", len(trail), len(types))
	}
	for i, e := range trail {
		if e.Type != types[i] {
			t.Fatalf("event %d: got %s, want %s", i, e.Type, types[i])
		}
		if i > 0 && trail[i].ID <= trail[i-1].ID {
			t.Fatalf("ids out of order at %d", i)
		}
	}
}

func TestFlagUpsertAndUpdate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.GetFlag(ctx, "system_paused"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := r.UpsertFlag(ctx, domain.Flag{Key: "system_paused", Value: "true", Description: "pause flag", UpdatedAt: stamp(10, 9)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Second upsert without description keeps the old one.
	if err := r.UpsertFlag(ctx, domain.Flag{Key: "system_paused", Value: "false", UpdatedAt: stamp(10, 10)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f, err := r.GetFlag(ctx, "system_paused")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.Value != "false" || f.Description != "pause flag" {
		t.Fatalf("flag: %+v", f)
	}

	if err := r.UpdateFlag(ctx, "missing", "1", "", stamp(10, 11)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update missing: got %v, want ErrNotFound", err)
	}

	flags, err := r.ListFlags(ctx)
	if err != nil {
		t.Fatalf("list flags: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("got %d flags, want 1", len(flags))
	}
}
