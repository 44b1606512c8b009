package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/weaver/internal/config"
	"github.com/ent0n29/weaver/internal/ledger"
	"github.com/ent0n29/weaver/internal/router"
	"github.com/ent0n29/weaver/internal/runner"
	"github.com/ent0n29/weaver/internal/session"
	"github.com/ent0n29/weaver/internal/taskcoord"
	"github.com/ent0n29/weaver/internal/webcache"
)

func newTestServer(t *testing.T) (*httptest.Server, *runner.MockRunner) {
	t.Helper()
	cfg := config.Config{
		Models:         []string{"mock-small", "mock-large"},
		AllowAnyOrigin: true,
	}
	mock := runner.NewMockRunner()
	changes := ledger.New(ledger.NewMemWorkspace())
	windows := router.New(nil, nil)
	sessions := session.NewManager(mock, changes, nil, webcache.New(), windows, nil)
	tasks := taskcoord.New(sessions, changes, windows, nil)
	srv := New(cfg, sessions, tasks, changes, windows, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, mock
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func waitForSessionStatus(t *testing.T, base, sessionID, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(base + "/v1/sessions/" + sessionID)
		if err != nil {
			t.Fatalf("GET session error = %v", err)
		}
		body := decodeBody(t, res)
		if body["status"] == want {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", sessionID, want)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	body := decodeBody(t, res)
	if res.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %+v", res.StatusCode, body)
	}
}

func TestSessionLifecycleOverREST(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/sessions", map[string]any{"prompt": "hello"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", res.StatusCode)
	}
	created := decodeBody(t, res)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id: %+v", created)
	}
	if created["model"] != "mock-small" {
		t.Fatalf("default model = %v, want mock-small", created["model"])
	}

	waitForSessionStatus(t, ts.URL, sessionID, "completed")

	// Continue appends a turn.
	contRes := postJSON(t, ts.URL+"/v1/sessions/"+sessionID+"/continue", map[string]string{"prompt": "again"})
	if contRes.StatusCode != http.StatusAccepted {
		t.Fatalf("continue status = %d, want 202", contRes.StatusCode)
	}
	contRes.Body.Close()
	done := waitForSessionStatus(t, ts.URL, sessionID, "completed")
	msgs, _ := done["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}

	histRes, err := http.Get(ts.URL + "/v1/sessions/" + sessionID + "/history")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	hist := decodeBody(t, histRes)
	if hist["status"] != "completed" {
		t.Fatalf("history = %+v", hist)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/"+sessionID, nil)
	delRes, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delRes.StatusCode)
	}
	gone, err := http.Get(ts.URL + "/v1/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("GET after delete error = %v", err)
	}
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", gone.StatusCode)
	}
}

func TestStartSessionRejectsMissingPromptAndBadWorkspace(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/sessions", map[string]any{})
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d, want 400", res.StatusCode)
	}

	res = postJSON(t, ts.URL+"/v1/sessions", map[string]any{
		"prompt":        "p",
		"cwd":           "/definitely/not/a/dir",
		"allowed_tools": []string{"edit"},
	})
	body := decodeBody(t, res)
	if res.StatusCode != http.StatusBadRequest || body["code"] != "invalid_workspace" {
		t.Fatalf("bad workspace = %d %+v", res.StatusCode, body)
	}
}

func TestContinueWhileRunningConflicts(t *testing.T) {
	ts, mock := newTestServer(t)
	mock.Enqueue(runner.ScriptedTurn{CallDelay: 300 * time.Millisecond, Calls: []runner.ToolCall{{ID: "t", Name: "slow"}}})

	res := postJSON(t, ts.URL+"/v1/sessions", map[string]any{"prompt": "slow one"})
	created := decodeBody(t, res)
	sessionID, _ := created["session_id"].(string)

	contRes := postJSON(t, ts.URL+"/v1/sessions/"+sessionID+"/continue", map[string]string{"prompt": "nope"})
	contRes.Body.Close()
	if contRes.StatusCode != http.StatusConflict {
		t.Fatalf("continue while running = %d, want 409", contRes.StatusCode)
	}
}

func TestTaskEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	// Invalid payload.
	res := postJSON(t, ts.URL+"/v1/tasks", map[string]any{"mode": "bogus"})
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid payload status = %d, want 400", res.StatusCode)
	}

	res = postJSON(t, ts.URL+"/v1/tasks", map[string]any{
		"mode":               "consensus",
		"prompt":             "compare approaches",
		"consensus_model":    "mock-small",
		"consensus_quantity": 2,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status = %d, want 201", res.StatusCode)
	}
	created := decodeBody(t, res)
	task, _ := created["task"].(map[string]any)
	taskID, _ := task["task_id"].(string)
	if taskID == "" {
		t.Fatalf("missing task_id: %+v", created)
	}
	threads, _ := created["threads"].([]any)
	if len(threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(threads))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		getRes, err := http.Get(ts.URL + "/v1/tasks/" + taskID)
		if err != nil {
			t.Fatalf("GET task error = %v", err)
		}
		body := decodeBody(t, getRes)
		if body["status"] == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/"+taskID, nil)
	delRes, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE task error = %v", err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete task status = %d", delRes.StatusCode)
	}
}

func TestConfirmThenRollbackOverREST(t *testing.T) {
	ts, mock := newTestServer(t)
	mock.Enqueue(runner.ScriptedTurn{
		Calls: []runner.ToolCall{{ID: "t", Name: "edit_file", Edits: []runner.FileEdit{{
			Path: "a.go", Additions: 2, Deletions: 1, Original: []byte("old"), Updated: []byte("new"),
		}}}},
		Text: "edited",
	})

	res := postJSON(t, ts.URL+"/v1/sessions", map[string]any{"prompt": "edit"})
	created := decodeBody(t, res)
	sessionID, _ := created["session_id"].(string)
	waitForSessionStatus(t, ts.URL, sessionID, "completed")

	confRes := postJSON(t, ts.URL+"/v1/sessions/"+sessionID+"/changes/confirm", nil)
	conf := decodeBody(t, confRes)
	confirmed, _ := conf["confirmed"].([]any)
	if len(confirmed) != 1 {
		t.Fatalf("confirmed = %+v", conf)
	}
	first, _ := confirmed[0].(map[string]any)
	if first["status"] != "confirmed" {
		t.Fatalf("record status = %v, want confirmed", first["status"])
	}

	// Confirmed records are no longer rollback-eligible.
	rbRes := postJSON(t, ts.URL+"/v1/sessions/"+sessionID+"/changes/rollback", nil)
	rb := decodeBody(t, rbRes)
	rolled, _ := rb["rolled_back"].([]any)
	if len(rolled) != 0 {
		t.Fatalf("rollback after confirm rolled back %+v", rolled)
	}
}

func TestWindowWebSocketFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	readEvent := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var evt map[string]any
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read event error = %v", err)
		}
		return evt
	}

	// Initial snapshot: model list then session list.
	if evt := readEvent(); evt["type"] != "model.list" {
		t.Fatalf("first event = %v, want model.list", evt["type"])
	}
	if evt := readEvent(); evt["type"] != "session.list" {
		t.Fatalf("second event = %v, want session.list", evt["type"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "session.start", "prompt": "hi there"}); err != nil {
		t.Fatalf("write error = %v", err)
	}

	// Session status events broadcast, so completion is observable even
	// before the subscription settles.
	var sessionID string
	deadline := time.Now().Add(3 * time.Second)
	for sessionID == "" {
		if time.Now().After(deadline) {
			t.Fatalf("session never completed")
		}
		evt := readEvent()
		if evt["type"] == "session.status" && evt["status"] == "completed" {
			sessionID, _ = evt["session_id"].(string)
		}
	}

	// Explicit subscribe answers with a history snapshot.
	if err := conn.WriteJSON(map[string]any{"type": "window.subscribe", "session_id": sessionID}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("no session.history after subscribe")
		}
		evt := readEvent()
		if evt["type"] == "session.history" {
			msgs, _ := evt["messages"].([]any)
			if len(msgs) != 2 {
				t.Fatalf("history messages = %d, want 2", len(msgs))
			}
			break
		}
	}

	// Malformed request yields an error event, not a disconnect.
	if err := conn.WriteJSON(map[string]any{"type": "session.continue"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evt := readEvent()
		if evt["type"] == "runner.error" {
			return
		}
	}
	t.Fatalf("no runner.error after malformed request")
}
