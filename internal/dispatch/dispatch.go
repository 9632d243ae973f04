package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"corehub/internal/config"
	"corehub/internal/domain"
	"corehub/internal/events"
	"corehub/internal/repo"
)

// FlagSystemPaused gates all claims when set to "true".
const FlagSystemPaused = "system_paused"

var (
	// ErrSystemPaused is returned by ClaimNext while the pause flag is set.
	ErrSystemPaused = errors.New("system is paused")
	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition rejects completion reports for tasks that are not
	// currently in progress (stale or duplicate reports).
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Dispatcher hands out tasks to agents and applies their reported outcomes.
// All status mutations go through it so the claim step stays atomic.
type Dispatcher struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Dispatcher {
	return Dispatcher{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ClaimNext atomically claims the most urgent todo task for agentID.
// It returns (nil, nil) when nothing is eligible; that is the normal empty
// outcome, not an error. It returns ErrSystemPaused while the pause flag is
// set regardless of eligible tasks.
func (d Dispatcher) ClaimNext(ctx context.Context, agentID string) (*domain.Task, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	paused, err := d.SystemPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrSystemPaused
	}

	// The conditional UPDATE in TransitionTask is the claim. When another
	// claimer wins the race between select and update, re-select a few times
	// before reporting empty.
	for attempt := 0; attempt < 3; attempt++ {
		task, err := d.claimOnce(ctx, agentID)
		if err == nil {
			return task, nil
		}
		if errors.Is(err, errClaimRaced) {
			continue
		}
		return nil, err
	}
	return nil, nil
}

var errClaimRaced = errors.New("claim raced")

func (d Dispatcher) claimOnce(ctx context.Context, agentID string) (*domain.Task, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := d.Repo.NextTodoTask(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := d.now().UTC().Format(time.RFC3339)
	if err := d.Repo.TransitionTask(ctx, tx, t.ID, domain.StatusTodo, domain.StatusInProgress, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errClaimRaced
		}
		return nil, err
	}
	if err := d.Events.Append(ctx, tx, "task_claimed", agentID, events.EventPayload{
		"task_id":  t.ID,
		"priority": t.Priority,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.Status = domain.StatusInProgress
	t.UpdatedAt = now
	return &t, nil
}

// Outcome is an agent's verdict on a claimed task.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeBlocked         OutcomeKind = "blocked"
	OutcomeFailedRetryable OutcomeKind = "failed_retryable"
)

func Completed() Outcome                    { return Outcome{Kind: OutcomeCompleted} }
func Blocked(reason string) Outcome         { return Outcome{Kind: OutcomeBlocked, Reason: reason} }
func FailedRetryable(reason string) Outcome { return Outcome{Kind: OutcomeFailedRetryable, Reason: reason} }

// ReleaseOrComplete applies an outcome to a task the agent previously
// claimed. Only in_progress tasks are accepted; anything else means the
// report is stale or duplicated and fails with ErrInvalidTransition.
//
// A failed-retryable outcome normally requeues the task. Once its retry
// count reaches the configured ceiling the task lands in blocked instead, so
// a persistently failing task cannot loop forever.
func (d Dispatcher) ReleaseOrComplete(ctx context.Context, taskID string, outcome Outcome, agentID string) (domain.Task, error) {
	t, err := d.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusInProgress {
		return t, fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidTransition, taskID, t.Status, domain.StatusInProgress)
	}

	target := ""
	evtType := ""
	retryBump := false
	switch outcome.Kind {
	case OutcomeCompleted:
		target = domain.StatusDone
		evtType = "task_completed"
	case OutcomeBlocked:
		target = domain.StatusBlocked
		evtType = "task_blocked"
	case OutcomeFailedRetryable:
		target = domain.StatusTodo
		evtType = "task_failed"
		retryBump = true
		if d.maxRetries() > 0 && t.Retries+1 >= d.maxRetries() {
			target = domain.StatusBlocked
			evtType = "task_retries_exhausted"
		}
	default:
		return t, fmt.Errorf("unknown outcome %q", outcome.Kind)
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	now := d.now().UTC().Format(time.RFC3339)
	if err := d.Repo.TransitionTask(ctx, tx, taskID, domain.StatusInProgress, target, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Raced with another report between the read above and here.
			return t, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, taskID)
		}
		return t, err
	}
	if retryBump {
		if err := d.Repo.BumpTaskRetries(ctx, tx, taskID); err != nil {
			return t, err
		}
		t.Retries++
	}
	payload := events.EventPayload{"task_id": taskID, "status": target}
	if outcome.Reason != "" {
		payload["reason"] = outcome.Reason
	}
	if err := d.Events.Append(ctx, tx, evtType, agentID, payload); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = target
	t.UpdatedAt = now
	return t, nil
}

func (d Dispatcher) maxRetries() int {
	if d.Config == nil {
		return 0
	}
	return d.Config.Dispatch.MaxTaskRetries
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID       string
	Title    string
	Type     string
	Priority int
	AgentID  string
}

// CreateTask inserts a new todo task. Ids are caller-chosen (e.g. "T-101");
// when empty a uuid is generated.
func (d Dispatcher) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = domain.TypeDev
	}
	if !domain.ValidTaskType(opts.Type) {
		return domain.Task{}, fmt.Errorf("invalid task type %q", opts.Type)
	}
	if opts.Priority == 0 {
		opts.Priority = 3
	}
	if opts.Priority < 1 || opts.Priority > 5 {
		return domain.Task{}, fmt.Errorf("invalid priority %d: want 1..5", opts.Priority)
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.New().String()
	}
	now := d.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:        id,
		Title:     opts.Title,
		Type:      opts.Type,
		Priority:  opts.Priority,
		Status:    domain.StatusTodo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,title,type,priority,status,retries,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Type, t.Priority, t.Status, t.Retries, t.CreatedAt, t.UpdatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := d.Events.Append(ctx, tx, "task_created", opts.AgentID, events.EventPayload{
		"task_id": t.ID,
		"title":   t.Title,
		"type":    t.Type,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SystemPaused reads the pause flag; a missing flag means not paused.
func (d Dispatcher) SystemPaused(ctx context.Context) (bool, error) {
	f, err := d.Repo.GetFlag(ctx, FlagSystemPaused)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(f.Value, "true"), nil
}

// SetSystemPaused writes the pause flag. The change takes effect at the next
// poll tick of each agent; in-flight executions are not preempted.
func (d Dispatcher) SetSystemPaused(ctx context.Context, paused bool, actor string) error {
	now := d.now().UTC().Format(time.RFC3339)
	value := "false"
	evtType := "system_resumed"
	if paused {
		value = "true"
		evtType = "system_paused"
	}
	if err := d.Repo.UpsertFlag(ctx, domain.Flag{
		Key:         FlagSystemPaused,
		Value:       value,
		Description: "System pause flag",
		UpdatedAt:   now,
	}); err != nil {
		return err
	}
	_, err := d.Events.AppendDirect(ctx, evtType, actor, events.EventPayload{"paused": paused})
	return err
}
