package server

import (
	"encoding/json"

	"corehub/internal/domain"
	"corehub/internal/scheduler"
)

// Request payloads

type ClaimTaskRequest struct {
	Agent string `json:"agent"`
}

type CreateTaskRequest struct {
	ID       *string `json:"id,omitempty"`
	Title    string  `json:"title"`
	Type     string  `json:"type,omitempty" enum:"dev,ops,test"`
	Priority *int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	Agent    *string `json:"agent,omitempty"`
}

type UpdateTaskStatusRequest struct {
	Status string  `json:"status" enum:"todo,done,blocked"`
	Reason *string `json:"reason,omitempty"`
	Agent  *string `json:"agent,omitempty"`
}

type CreateRunRequest struct {
	Agent       string  `json:"agent"`
	TaskID      *string `json:"task_id,omitempty"`
	Status      string  `json:"status" enum:"started,completed,failed"`
	CostUSD     float64 `json:"cost_usd,omitempty" minimum:"0"`
	DurationSec float64 `json:"duration_sec,omitempty" minimum:"0"`
}

type LogEventRequest struct {
	Agent   *string        `json:"agent,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type SetPauseRequest struct {
	Paused bool    `json:"paused"`
	Actor  *string `json:"actor,omitempty"`
}

type UpdateFlagRequest struct {
	Value       string  `json:"value"`
	Description *string `json:"description,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type" enum:"dev,ops,test"`
	Priority  int    `json:"priority"`
	Status    string `json:"status" enum:"todo,in_progress,done,blocked"`
	Retries   int    `json:"retries"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type RunResponse struct {
	ID          int64   `json:"id"`
	Agent       string  `json:"agent"`
	TaskID      *string `json:"task_id,omitempty"`
	Status      string  `json:"status" enum:"started,completed,failed"`
	CostUSD     float64 `json:"cost_usd"`
	DurationSec float64 `json:"duration_sec"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	Agent     *string        `json:"agent,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type FlagResponse struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type PauseResponse struct {
	Paused bool `json:"paused"`
}

type DailyReportResponse struct {
	Date             string  `json:"date"`
	CompletedTasks   int     `json:"completed_tasks"`
	TotalRuns        int     `json:"total_runs"`
	SuccessfulRuns   int     `json:"successful_runs"`
	SuccessRate      float64 `json:"success_rate"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	TotalDurationSec float64 `json:"total_duration_sec"`
	Markdown         string  `json:"markdown"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:        t.ID,
		Title:     t.Title,
		Type:      t.Type,
		Priority:  t.Priority,
		Status:    t.Status,
		Retries:   t.Retries,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := []TaskResponse{}
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:          r.ID,
		Agent:       r.Agent,
		TaskID:      r.TaskID,
		Status:      r.Status,
		CostUSD:     r.CostUSD,
		DurationSec: r.DurationSec,
		CreatedAt:   r.CreatedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	out := []RunResponse{}
	for _, r := range items {
		out = append(out, runResponse(r))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		payload = map[string]any{"raw": e.Payload}
	}
	return EventResponse{
		ID:        e.ID,
		Agent:     e.Agent,
		Type:      e.Type,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := []EventResponse{}
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func flagResponse(f domain.Flag) FlagResponse {
	return FlagResponse{
		Key:         f.Key,
		Value:       f.Value,
		Description: f.Description,
		UpdatedAt:   f.UpdatedAt,
	}
}

func mapFlags(items []domain.Flag) []FlagResponse {
	out := []FlagResponse{}
	for _, f := range items {
		out = append(out, flagResponse(f))
	}
	return out
}

func reportResponse(rep scheduler.DailyReport) DailyReportResponse {
	return DailyReportResponse{
		Date:             rep.Date,
		CompletedTasks:   len(rep.CompletedTasks),
		TotalRuns:        len(rep.Runs),
		SuccessfulRuns:   rep.SuccessfulRuns,
		SuccessRate:      rep.SuccessRate(),
		TotalCostUSD:     rep.TotalCostUSD,
		TotalDurationSec: rep.TotalDurationSec,
		Markdown:         rep.Markdown(),
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
