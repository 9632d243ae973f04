package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"corehub/internal/breaker"
	"corehub/internal/config"
	"corehub/internal/domain"
)

// ErrReportingFailed is returned when all reporting attempts for a finished
// task failed. The task is left in_progress on the hub; an operator has to
// reconcile it.
var ErrReportingFailed = errors.New("reporting failed")

// HubClient is the agent's view of the hub. sdk/go implements it over HTTP;
// tests implement it in-process.
type HubClient interface {
	NextTask(ctx context.Context, agentID string) (*domain.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID, status, reason, agentID string) (*domain.Task, error)
	LogEvent(ctx context.Context, agentID, eventType string, payload map[string]any) (int64, error)
	RecordRun(ctx context.Context, run domain.Run) (domain.Run, error)
	SystemPaused(ctx context.Context) (bool, error)
}

type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateExecuting   State = "executing"
	StateVerifying   State = "verifying"
	StateReporting   State = "reporting"
	StateCircuitOpen State = "circuit_open"
)

// Result is what one pipeline pass produced, carried into the run record.
type Result struct {
	PlanSteps   int
	Files       []string
	Gates       map[string]string
	CostUSD     float64
	DurationSec float64
}

const costPerStepUSD = 0.01

// Agent runs the claim → plan → act → verify → report loop against a hub.
// One task at a time; concurrency comes from running more agents.
type Agent struct {
	ID     string
	Hub    HubClient
	Runner Runner
	Config *config.Config

	// Out receives the console trace. Defaults to os.Stdout.
	Out io.Writer
	// Now is an injectable clock for tests.
	Now func() time.Time
	// ReportBackoff is the base delay between reporting retries.
	ReportBackoff time.Duration

	hubBreaker *breaker.Breaker
	runBreaker *breaker.Breaker

	state State
	spent []spendEntry
}

type spendEntry struct {
	at  time.Time
	usd float64
}

func New(id string, hub HubClient, runner Runner, cfg *config.Config) *Agent {
	a := &Agent{
		ID:            id,
		Hub:           hub,
		Runner:        runner,
		Config:        cfg,
		Out:           os.Stdout,
		Now:           time.Now,
		ReportBackoff: time.Second,
		state:         StateIdle,
	}
	a.hubBreaker = breaker.New(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CooldownBase:     cfg.BreakerCooldownBase(),
		CooldownMax:      cfg.BreakerCooldownMax(),
		Now:              func() time.Time { return a.Now() },
	})
	a.runBreaker = breaker.New(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CooldownBase:     cfg.BreakerCooldownBase(),
		CooldownMax:      cfg.BreakerCooldownMax(),
		Now:              func() time.Time { return a.Now() },
	})
	return a
}

// State reports the loop's last observed state.
func (a *Agent) State() State { return a.state }

var (
	dimColor  = color.New(color.Faint)
	infoColor = color.New(color.FgCyan)
	okColor   = color.New(color.FgGreen)
	errColor  = color.New(color.FgRed)
)

func (a *Agent) logf(c *color.Color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(a.Out, "%s %s\n", dimColor.Sprintf("[%s %s]", a.Now().Format("15:04:05"), a.ID), c.Sprint(msg))
}

// RunOnce performs a single tick: check pause, claim, execute, report.
// It returns true when a task was claimed and fully reported. An error
// wrapping ErrReportingFailed means the claimed task is stuck in_progress.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	a.state = StatePolling

	var paused bool
	err := a.hubBreaker.Do(ctx, func(ctx context.Context) error {
		p, err := a.Hub.SystemPaused(ctx)
		paused = p
		return err
	})
	if errors.Is(err, breaker.ErrOpen) {
		a.state = StateCircuitOpen
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("check pause: %w", err)
	}
	if paused {
		a.logf(dimColor, "system paused, skipping tick")
		a.state = StateIdle
		return false, nil
	}

	// Check the spend ceiling before claiming so an over-budget agent
	// sits the tick out instead of bouncing a task and burning a retry.
	if spent := a.spentLastHour(); spent >= a.Config.Agent.BudgetHourlyUSD {
		a.logf(dimColor, "hourly budget exhausted ($%.2f spent), skipping tick", spent)
		a.state = StateIdle
		return false, nil
	}

	var task *domain.Task
	err = a.hubBreaker.Do(ctx, func(ctx context.Context) error {
		t, err := a.Hub.NextTask(ctx, a.ID)
		task = t
		return err
	})
	if errors.Is(err, breaker.ErrOpen) {
		a.state = StateCircuitOpen
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("claim next task: %w", err)
	}
	if task == nil {
		a.state = StateIdle
		return false, nil
	}
	a.logf(infoColor, "claimed %s [%s p%d] %s", task.ID, task.Type, task.Priority, task.Title)

	// Best effort; execution proceeds even if the start event is lost.
	if _, err := a.Hub.LogEvent(ctx, a.ID, "task_start", map[string]any{"task_id": task.ID}); err != nil {
		a.logf(errColor, "log task_start: %v", err)
	}

	status, reason, res := a.execute(ctx, *task)

	a.state = StateReporting
	if err := a.report(ctx, *task, status, reason, res); err != nil {
		a.state = StateIdle
		return false, err
	}

	switch status {
	case domain.StatusDone:
		a.logf(okColor, "completed %s in %.1fs ($%.2f)", task.ID, res.DurationSec, res.CostUSD)
	default:
		a.logf(errColor, "%s %s: %s", status, task.ID, reason)
	}
	a.state = StateIdle
	return true, nil
}

// execute runs the pipeline and classifies the outcome as a target status:
// done, todo (retryable failure) or blocked (permanent failure).
func (a *Agent) execute(ctx context.Context, task domain.Task) (status, reason string, res Result) {
	start := a.Now()

	plan, err := BuildPlan(task)
	if err != nil {
		if errors.Is(err, ErrTaskMalformed) {
			return domain.StatusBlocked, err.Error(), res
		}
		return domain.StatusTodo, err.Error(), res
	}
	res.PlanSteps = len(plan.Steps)

	a.state = StateExecuting
	taskCtx, cancel := context.WithTimeout(ctx, a.Config.MaxTaskDuration())
	defer cancel()

	// The deadline is a hard ceiling enforced here, not a request to the
	// runner: Act runs in its own goroutine and is abandoned when the
	// deadline fires, whether or not it honors ctx.
	type actResult struct {
		files []string
		err   error
	}
	var files []string
	err = a.runBreaker.Do(taskCtx, func(ctx context.Context) error {
		done := make(chan actResult, 1)
		go func() {
			f, err := a.Runner.Act(ctx, task, plan)
			done <- actResult{files: f, err: err}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-done:
			files = r.files
			return r.err
		}
	})
	res.Files = files
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return domain.StatusTodo, "timeout", res
		case errors.Is(err, breaker.ErrOpen):
			return domain.StatusTodo, "action_runner_unavailable", res
		default:
			return domain.StatusTodo, err.Error(), res
		}
	}

	a.state = StateVerifying
	gates, err := Verify(task, files)
	res.Gates = gates
	if err != nil {
		return domain.StatusTodo, "quality_gate_failed", res
	}

	res.CostUSD = float64(res.PlanSteps) * costPerStepUSD
	res.DurationSec = a.Now().Sub(start).Seconds()
	a.recordSpend(res.CostUSD)
	return domain.StatusDone, "", res
}

// report writes the run record, the terminal event and the status update.
// It retries the whole sequence with backoff; the hub side is idempotent
// enough that repeating an already-applied status update just reports an
// invalid transition, which is treated as success here.
func (a *Agent) report(ctx context.Context, task domain.Task, status, reason string, res Result) error {
	runStatus := domain.RunCompleted
	eventType := "task_completed"
	if status != domain.StatusDone {
		runStatus = domain.RunFailed
		eventType = "task_failed"
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, a.ReportBackoff<<(attempt-1)); err != nil {
				return fmt.Errorf("%w: %v", ErrReportingFailed, err)
			}
		}
		lastErr = a.reportOnce(ctx, task, status, reason, res, runStatus, eventType, attempt)
		if lastErr == nil {
			return nil
		}
		a.logf(errColor, "report attempt %d for %s: %v", attempt+1, task.ID, lastErr)
	}
	return fmt.Errorf("%w: task %s: %v", ErrReportingFailed, task.ID, lastErr)
}

func (a *Agent) reportOnce(ctx context.Context, task domain.Task, status, reason string, res Result, runStatus, eventType string, attempt int) error {
	taskID := task.ID
	_, err := a.Hub.RecordRun(ctx, domain.Run{
		Agent:       a.ID,
		TaskID:      &taskID,
		Status:      runStatus,
		CostUSD:     res.CostUSD,
		DurationSec: res.DurationSec,
	})
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	payload := map[string]any{
		"task_id":      task.ID,
		"duration_sec": res.DurationSec,
		"plan_steps":   res.PlanSteps,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := a.Hub.LogEvent(ctx, a.ID, eventType, payload); err != nil {
		return fmt.Errorf("log %s: %w", eventType, err)
	}

	if _, err := a.Hub.UpdateTaskStatus(ctx, task.ID, status, reason, a.ID); err != nil {
		// An invalid-transition rejection on a retry means an earlier
		// attempt applied the status and only the response was lost. The
		// task is terminal, so the report succeeded.
		if attempt > 0 && isInvalidTransition(err) {
			return nil
		}
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// errorCoder is implemented by hub client errors that carry the typed
// code from the error envelope.
type errorCoder interface{ ErrorCode() string }

func isInvalidTransition(err error) bool {
	var coded errorCoder
	return errors.As(err, &coded) && coded.ErrorCode() == "invalid_transition"
}

// Loop ticks RunOnce until the context is cancelled. After a successful
// task it polls again immediately to drain the queue; otherwise it sleeps
// the poll interval (or the breaker cool-down when the hub is unreachable).
func (a *Agent) Loop(ctx context.Context) error {
	poll := a.Config.PollInterval()
	for {
		worked, err := a.RunOnce(ctx)
		wait := poll
		switch {
		case errors.Is(err, breaker.ErrOpen):
			if rem := a.hubBreaker.RemainingCooldown(); rem > 0 && rem < wait {
				wait = rem
			}
			a.logf(errColor, "hub unreachable, circuit open for %s", wait.Round(time.Second))
		case errors.Is(err, ErrReportingFailed):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logf(errColor, "tick failed: %v", err)
		case worked:
			continue
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (a *Agent) recordSpend(usd float64) {
	a.spent = append(a.spent, spendEntry{at: a.Now(), usd: usd})
}

func (a *Agent) spentLastHour() float64 {
	cutoff := a.Now().Add(-time.Hour)
	var kept []spendEntry
	var total float64
	for _, s := range a.spent {
		if s.at.After(cutoff) {
			kept = append(kept, s)
			total += s.usd
		}
	}
	a.spent = kept
	return total
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
