// Package corehubsdk is a minimal CoreHub HTTP API client. It implements the
// hub interface the agent loop runs against.
package corehubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"corehub/internal/domain"
)

// Client is a minimal CoreHub HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// ErrorCode returns the typed code from the hub's error envelope, such as
// "invalid_transition" or "system_paused".
func (e *APIError) ErrorCode() string { return e.Code }

// NextTask claims the next eligible task for the agent. It returns (nil, nil)
// when the queue is empty.
func (c *Client) NextTask(ctx context.Context, agentID string) (*domain.Task, error) {
	body := map[string]any{"agent": agentID}
	var task domain.Task
	status, err := c.do(ctx, http.MethodPost, "v0/tasks/next", body, &task)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &task, nil
}

// UpdateTaskStatus reports a claimed task's outcome: done, blocked or todo.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, reason, agentID string) (*domain.Task, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	if agentID != "" {
		body["agent"] = agentID
	}
	var task domain.Task
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(taskID))
	if _, err := c.do(ctx, http.MethodPut, endpoint, body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask enqueues a new task. Leave id empty for a generated one and
// priority zero for the default.
func (c *Client) CreateTask(ctx context.Context, id, title, taskType string, priority int) (domain.Task, error) {
	body := map[string]any{"title": title}
	if id != "" {
		body["id"] = id
	}
	if taskType != "" {
		body["type"] = taskType
	}
	if priority != 0 {
		body["priority"] = priority
	}
	var task domain.Task
	_, err := c.do(ctx, http.MethodPost, "v0/tasks", body, &task)
	return task, err
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var task domain.Task
	endpoint := fmt.Sprintf("v0/tasks/%s", url.PathEscape(taskID))
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &task)
	return task, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	endpoint := "v0/tasks"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var tasks []domain.Task
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &tasks)
	return tasks, err
}

// RecordRun stores one agent run.
func (c *Client) RecordRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	body := map[string]any{
		"agent":        run.Agent,
		"status":       run.Status,
		"cost_usd":     run.CostUSD,
		"duration_sec": run.DurationSec,
	}
	if run.TaskID != nil {
		body["task_id"] = *run.TaskID
	}
	var stored domain.Run
	_, err := c.do(ctx, http.MethodPost, "v0/runs", body, &stored)
	return stored, err
}

// LogEvent appends one event and returns its id.
func (c *Client) LogEvent(ctx context.Context, agentID, eventType string, payload map[string]any) (int64, error) {
	body := map[string]any{"type": eventType}
	if agentID != "" {
		body["agent"] = agentID
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	_, err := c.do(ctx, http.MethodPost, "v0/events/log", body, &resp)
	return resp.ID, err
}

// Event mirrors the API event shape with a decoded payload.
type Event struct {
	ID        int64          `json:"id"`
	Agent     *string        `json:"agent,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// Events lists events in append order.
func (c *Client) Events(ctx context.Context, agent, eventType string, limit, offset int) ([]Event, error) {
	params := url.Values{}
	if agent != "" {
		params.Set("agent", agent)
	}
	if eventType != "" {
		params.Set("type", eventType)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", offset))
	}
	endpoint := "v0/events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var events []Event
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &events)
	return events, err
}

// TaskEvents lists one task's audit trail in append order.
func (c *Client) TaskEvents(ctx context.Context, taskID string) ([]Event, error) {
	params := url.Values{}
	params.Set("task_id", taskID)
	var events []Event
	_, err := c.do(ctx, http.MethodGet, "v0/events?"+params.Encode(), nil, &events)
	return events, err
}

// SystemPaused reads the pause flag.
func (c *Client) SystemPaused(ctx context.Context) (bool, error) {
	var resp struct {
		Paused bool `json:"paused"`
	}
	_, err := c.do(ctx, http.MethodGet, "v0/admin/pause", nil, &resp)
	return resp.Paused, err
}

// SetSystemPaused writes the pause flag.
func (c *Client) SetSystemPaused(ctx context.Context, paused bool, actor string) error {
	body := map[string]any{"paused": paused}
	if actor != "" {
		body["actor"] = actor
	}
	_, err := c.do(ctx, http.MethodPost, "v0/admin/pause", body, nil)
	return err
}

// DailyReport mirrors the daily report response.
type DailyReport struct {
	Date             string  `json:"date"`
	CompletedTasks   int     `json:"completed_tasks"`
	TotalRuns        int     `json:"total_runs"`
	SuccessfulRuns   int     `json:"successful_runs"`
	SuccessRate      float64 `json:"success_rate"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	TotalDurationSec float64 `json:"total_duration_sec"`
	Markdown         string  `json:"markdown"`
}

// ReportDaily fetches the report for a date (YYYY-MM-DD), or yesterday when
// date is empty.
func (c *Client) ReportDaily(ctx context.Context, date string) (DailyReport, error) {
	endpoint := "v0/report/daily"
	if date != "" {
		endpoint += "?date=" + url.QueryEscape(date)
	}
	var rep DailyReport
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &rep)
	return rep, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Code:       errorCode(b),
			Body:       string(b),
		}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func errorCode(body []byte) string {
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Error.Code
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
