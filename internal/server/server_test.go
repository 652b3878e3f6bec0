package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/backend/claude"
	"github.com/agentlens/backend/internal/config"
	"github.com/agentlens/backend/internal/hub"
	"github.com/agentlens/backend/internal/permissions"
	"github.com/agentlens/backend/internal/registry"
	"github.com/agentlens/backend/internal/supervisor"
)

const userLine = `{"type":"user","timestamp":"2026-01-30T10:00:00.000Z","message":{"role":"user","content":[{"type":"text","text":"hello"}]}}` + "\n"

type testServer struct {
	srv  *httptest.Server
	s    *Server
	reg  *registry.Registry
	root string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	root := t.TempDir()
	multi := backend.NewMulti([]backend.Backend{claude.New(root)}, "claude")
	reg := registry.New(multi, 10)
	h := hub.New(10)

	allowed, err := permissions.LoadAllowedDirs()
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	s := &Server{
		Config:   cfg,
		Registry: reg,
		Backends: multi,
		Hub:      h,
		Supervisor: &supervisor.Supervisor{
			Registry:    reg,
			Backends:    multi,
			Hub:         h,
			SendEnabled: true,
			ForkEnabled: true,
		},
		AllowedDirs: allowed,
	}

	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, s: s, reg: reg, root: root}
}

func (ts *testServer) addSession(t *testing.T, name string) *registry.Session {
	t.Helper()
	dir := filepath.Join(ts.root, "-home-u-proj")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name+".jsonl")
	if err := os.WriteFile(path, []byte(userLine), 0644); err != nil {
		t.Fatal(err)
	}
	sess, _, err := ts.reg.Add(path, false)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (ts *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("unexpected health body: %+v", body)
	}
}

func TestIndexAndUnknownRoute(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for index, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.get(t, "/no-such-route")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionsList(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/sessions")
	var views []hub.SessionView
	decodeBody(t, resp, &views)
	if len(views) != 0 {
		t.Fatalf("expected empty list, got %v", views)
	}

	ts.addSession(t, "aaaa")
	resp = ts.get(t, "/sessions")
	decodeBody(t, resp, &views)
	if len(views) != 1 || views[0].ID != "aaaa" {
		t.Errorf("expected session aaaa, got %v", views)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.addSession(t, "aaaa")

	resp := ts.get(t, "/sessions/aaaa/status")
	var p hub.StatusPayload
	decodeBody(t, resp, &p)
	if p.SessionID != "aaaa" || p.Running {
		t.Errorf("unexpected status: %+v", p)
	}

	resp = ts.get(t, "/sessions/nope/status")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMessagesReplaysHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.addSession(t, "aaaa")

	resp := ts.get(t, "/sessions/aaaa/messages")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var msgs []backend.Message
	decodeBody(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("expected full history, got %v", msgs)
	}
}

func TestSendValidation(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.addSession(t, "aaaa")

	resp := ts.get(t, "/sessions/"+sess.ID+"/send")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.post(t, "/sessions/"+sess.ID+"/send", `{"message":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for blank message, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.post(t, "/sessions/no-such/send", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	ts.s.Supervisor.SendEnabled = false
	resp = ts.post(t, "/sessions/"+sess.ID+"/send", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 when send disabled, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSendResultBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSendResult(rec, &supervisor.SendResult{})
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"sent"}` {
		t.Errorf("unexpected sent body: %s", got)
	}

	rec = httptest.NewRecorder()
	writeSendResult(rec, &supervisor.SendResult{Queued: true, Position: 1})
	var body struct {
		Status   string `json:"status"`
		Position int    `json:"queue_position"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "queued" || body.Position != 1 {
		t.Errorf("unexpected queued body: %s", rec.Body.String())
	}
}

func TestNewSessionValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/sessions/new", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without cwd, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.post(t, "/sessions/new", `{"cwd":"relative/path","message":"hi"}`)
	if resp.StatusCode != http.StatusInternalServerError && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected error for relative cwd, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBackendsAndModels(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/backends")
	var views []backendView
	decodeBody(t, resp, &views)
	if len(views) != 1 || views[0].Name != "claude" || !views[0].SupportsFork {
		t.Errorf("unexpected backends: %+v", views)
	}

	resp = ts.get(t, "/backends/claude/models")
	var models []string
	decodeBody(t, resp, &models)
	if len(models) == 0 {
		t.Error("expected model list")
	}

	resp = ts.get(t, "/backends/bogus/models")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown backend, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestToggleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var enabled map[string]bool
	resp := ts.get(t, "/send-enabled")
	decodeBody(t, resp, &enabled)
	if !enabled["enabled"] {
		t.Error("send should default enabled")
	}

	resp = ts.get(t, "/fork-enabled")
	decodeBody(t, resp, &enabled)
	if !enabled["enabled"] {
		t.Error("fork should default enabled")
	}

	var backendName map[string]string
	resp = ts.get(t, "/default-send-backend")
	decodeBody(t, resp, &backendName)
	if backendName["backend"] != "claude" {
		t.Errorf("expected claude default, got %q", backendName["backend"])
	}
}

func TestAllowDirectory(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/allow-directory")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.post(t, "/allow-directory", `{"directory":"relative"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for relative dir, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	dir := t.TempDir()
	resp = ts.post(t, "/allow-directory", `{"directory":"`+dir+`"}`)
	var body map[string][]string
	decodeBody(t, resp, &body)
	found := false
	for _, d := range body["allowed_directories"] {
		if d == dir {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in allowed directories, got %v", dir, body)
	}
}

func TestGrantPermissionNew(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/sessions/grant-permission-new", `{"cwd":"/tmp/x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without rules, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	cwd := t.TempDir()
	resp = ts.post(t, "/sessions/grant-permission-new", `{"cwd":"`+cwd+`","rules":["Bash(go test)"]}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if _, err := os.Stat(filepath.Join(cwd, ".claude", "settings.local.json")); err != nil {
		t.Errorf("expected settings file written: %v", err)
	}

	resp = ts.post(t, "/sessions/grant-permission-new",
		`{"cwd":"`+cwd+`","rules":["Bash(go test)"],"resend":true,"message":"retry"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when no session matches cwd, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEventsCatchup(t *testing.T) {
	ts := newTestServer(t)
	ts.addSession(t, "aaaa")

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	readEvent := func() hub.Event {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev hub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return ev
	}

	ev := readEvent()
	if ev.Name != hub.EvSessions {
		t.Fatalf("expected %s first, got %s", hub.EvSessions, ev.Name)
	}
	views, ok := ev.Data.([]any)
	if !ok || len(views) != 1 {
		t.Errorf("expected one session in catchup, got %v", ev.Data)
	}

	ev = readEvent()
	if ev.Name != hub.EvCatchupComplete {
		t.Fatalf("expected %s, got %s", hub.EvCatchupComplete, ev.Name)
	}

	// After catchup the client receives broadcasts.
	ts.s.Hub.BroadcastSessionRemoved("aaaa")
	ev = readEvent()
	if ev.Name != hub.EvSessionRemoved {
		t.Errorf("expected %s, got %s", hub.EvSessionRemoved, ev.Name)
	}
}

func TestEventsCatchupBudgetExpired(t *testing.T) {
	ts := newTestServer(t)
	ts.addSession(t, "aaaa")
	// An already-expired budget forces the catchup write to fail; the
	// client must still receive the reinitialize frame.
	ts.s.Config.CatchupBudget = time.Nanosecond

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev hub.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Name != hub.EvReinitialize {
		t.Errorf("expected %s, got %s", hub.EvReinitialize, ev.Name)
	}
}
