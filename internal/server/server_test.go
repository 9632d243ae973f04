package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"corehub/internal/config"
	"corehub/internal/db"
	"corehub/internal/migrate"

	"corehub/internal/dispatch"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	d := dispatch.New(conn, config.Default())
	handler, err := New(Config{Dispatch: d, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTask(t *testing.T, srv *testServer, title string, priority int) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":    title,
		"type":     "dev",
		"priority": priority,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func TestClaimAndCompleteFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	low := createTask(t, srv, "low priority chore", 5)
	high := createTask(t, srv, "urgent fix", 1)

	claimRes, claimBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/next", map[string]any{
		"agent": "agent-1",
	})
	if claimRes.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", claimRes.StatusCode, string(claimBody))
	}
	var claimed TaskResponse
	if err := json.Unmarshal(claimBody, &claimed); err != nil {
		t.Fatalf("unmarshal claimed: %v", err)
	}
	if claimed.ID != high.ID {
		t.Fatalf("claimed %s, want the priority-1 task %s", claimed.ID, high.ID)
	}
	if claimed.Status != "in_progress" {
		t.Fatalf("claimed status = %s, want in_progress", claimed.Status)
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/"+claimed.ID+"/status", map[string]any{
		"status": "done",
		"agent":  "agent-1",
	})
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("done status %d: %s", doneRes.StatusCode, string(doneBody))
	}
	var done TaskResponse
	_ = json.Unmarshal(doneBody, &done)
	if done.Status != "done" {
		t.Fatalf("status = %s, want done", done.Status)
	}

	// Second completion of the same task must be rejected.
	dupRes, dupBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/"+claimed.ID+"/status", map[string]any{
		"status": "done",
	})
	if dupRes.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate done: status %d, want 409: %s", dupRes.StatusCode, string(dupBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(dupBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %s, want invalid_transition", envelope.Error.Code)
	}

	// The lower-priority task is still claimable.
	nextRes, nextBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/next", map[string]any{
		"agent": "agent-2",
	})
	if nextRes.StatusCode != http.StatusOK {
		t.Fatalf("second claim status %d: %s", nextRes.StatusCode, string(nextBody))
	}
	var next TaskResponse
	_ = json.Unmarshal(nextBody, &next)
	if next.ID != low.ID {
		t.Fatalf("second claim = %s, want %s", next.ID, low.ID)
	}
}

func TestClaimEmptyReturns204(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/next", map[string]any{
		"agent": "agent-1",
	})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("empty claim status %d, want 204", res.StatusCode)
	}
}

func TestClaimWhilePausedConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createTask(t, srv, "waiting task", 2)

	pauseRes, pauseBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/pause", map[string]any{
		"paused": true,
		"actor":  "admin",
	})
	if pauseRes.StatusCode != http.StatusOK {
		t.Fatalf("pause status %d: %s", pauseRes.StatusCode, string(pauseBody))
	}

	claimRes, claimBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/next", map[string]any{
		"agent": "agent-1",
	})
	if claimRes.StatusCode != http.StatusConflict {
		t.Fatalf("paused claim status %d, want 409: %s", claimRes.StatusCode, string(claimBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(claimBody, &envelope)
	if envelope.Error.Code != "system_paused" {
		t.Fatalf("error code = %s, want system_paused", envelope.Error.Code)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/admin/pause", nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get pause status %d", getRes.StatusCode)
	}
	var pause PauseResponse
	_ = json.Unmarshal(getBody, &pause)
	if !pause.Paused {
		t.Fatal("pause flag should read true")
	}

	resumeRes, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/pause", map[string]any{
		"paused": false,
	})
	if resumeRes.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d", resumeRes.StatusCode)
	}
	claimRes2, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/next", map[string]any{
		"agent": "agent-1",
	})
	if claimRes2.StatusCode != http.StatusOK {
		t.Fatalf("post-resume claim status %d, want 200", claimRes2.StatusCode)
	}
}

func TestUnknownTaskReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/tasks/T-404/status", map[string]any{
		"status": "done",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, string(body))
	}
}

func TestRunAndEventEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	task := createTask(t, srv, "observed task", 3)

	runRes, runBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"agent":        "agent-1",
		"task_id":      task.ID,
		"status":       "completed",
		"cost_usd":     0.05,
		"duration_sec": 2.5,
	})
	if runRes.StatusCode != http.StatusCreated {
		t.Fatalf("record run status %d: %s", runRes.StatusCode, string(runBody))
	}
	var run RunResponse
	_ = json.Unmarshal(runBody, &run)
	if run.ID == 0 || run.TaskID == nil || *run.TaskID != task.ID {
		t.Fatalf("run = %+v, want id and task_id set", run)
	}

	evtRes, evtBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/log", map[string]any{
		"agent":   "agent-1",
		"type":    "custom_signal",
		"payload": map[string]any{"detail": "x"},
	})
	if evtRes.StatusCode != http.StatusCreated {
		t.Fatalf("log event status %d: %s", evtRes.StatusCode, string(evtBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=custom_signal", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", listRes.StatusCode, string(listBody))
	}
	var events []EventResponse
	if err := json.Unmarshal(listBody, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "custom_signal" {
		t.Fatalf("events = %+v, want one custom_signal", events)
	}
	if events[0].Payload["detail"] != "x" {
		t.Fatalf("payload = %+v, want detail x", events[0].Payload)
	}

	listRuns, runsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs?agent=agent-1", nil)
	if listRuns.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d", listRuns.StatusCode)
	}
	var runs []RunResponse
	_ = json.Unmarshal(runsBody, &runs)
	if len(runs) != 1 {
		t.Fatalf("runs = %+v, want one", runs)
	}
}

func TestDailyReportEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/report/daily?date=2025-03-09", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(body))
	}
	var rep DailyReportResponse
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.Date != "2025-03-09" || rep.Markdown == "" {
		t.Fatalf("report = %+v, want date and markdown set", rep)
	}

	badRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/report/daily?date=not-a-date", nil)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date status %d, want 400", badRes.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health/detailed", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detailed health status %d: %s", res.StatusCode, string(body))
	}
	var detail map[string]any
	_ = json.Unmarshal(body, &detail)
	if detail["status"] != "ok" {
		t.Fatalf("detail = %+v, want status ok", detail)
	}
}
