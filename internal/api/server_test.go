package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/apiloop/internal/agent"
	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/connwatch"
	"github.com/nugget/apiloop/internal/events"
	"github.com/nugget/apiloop/internal/executor"
	"github.com/nugget/apiloop/internal/memory"
	"github.com/nugget/apiloop/internal/opstate"
	"github.com/nugget/apiloop/internal/patterns"
	"github.com/nugget/apiloop/internal/usage"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []*agent.Request
	err  error
}

func (f *fakeRunner) Model() string { return "test-model" }

func (f *fakeRunner) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	plan := callplan.CallPlan{Method: "GET", Endpoint: "/api/v2/users"}
	return &agent.Response{
		RequestID:  "r_0000abcd",
		Content:    "There are **3** users.",
		Outcome:    agent.OutcomeAnswered,
		Model:      "test-model",
		Turns:      2,
		ModelCalls: 4,
		Transcript: []agent.Message{
			{Role: agent.RoleUser, Content: req.Message},
			{Role: agent.RoleAssistant, Content: "Checking.", Call: &agent.Call{
				Plan:      plan,
				Result:    &executor.Result{Plan: plan, Success: true, HTTPStatus: 200},
				Timestamp: time.Now(),
			}},
			{Role: agent.RoleAssistant, Content: "There are **3** users."},
		},
	}, nil
}

func (f *fakeRunner) last() *agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type testServer struct {
	srv    *Server
	runner *fakeRunner
	conv   *memory.Store
	mem    *patterns.Memory
	bus    *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := opstate.NewMemoryStore()

	ts := &testServer{
		runner: &fakeRunner{},
		conv:   memory.NewStore(state, 0, logger),
		mem:    patterns.Open(context.Background(), state, logger),
		bus:    events.New(),
	}
	ts.srv = NewServer("127.0.0.1", 0, ts.runner, logger)
	ts.srv.SetConversations(ts.conv)
	ts.srv.SetPatterns(ts.mem)
	ts.srv.SetEventBus(ts.bus)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestChat_SavesConversation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/v1/chat", `{"message": "how many users?", "conversation_id": "c1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp ChatResponse
	decode(t, rec, &resp)
	if resp.ConversationID != "c1" || resp.Outcome != agent.OutcomeAnswered || resp.Turns != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.HTML != "" {
		t.Errorf("HTML rendered without format=html: %q", resp.HTML)
	}

	msgs, err := ts.conv.GetMessages(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3", len(msgs))
	}
	if c := msgs[1].Call; c == nil || c.Endpoint != "/api/v2/users" || c.Status != 200 || !c.Success {
		t.Errorf("call record = %+v", c)
	}

	// A second request carries the stored history.
	ts.do(t, "POST", "/v1/chat", `{"message": "and admins?", "conversation_id": "c1"}`)
	if got := len(ts.runner.last().History); got != 3 {
		t.Errorf("history len = %d, want 3", got)
	}
}

func TestChat_GeneratesConversationID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/v1/chat", `{"message": "hi"}`)
	var resp ChatResponse
	decode(t, rec, &resp)
	if resp.ConversationID == "" {
		t.Error("expected a generated conversation id")
	}
	if ts.runner.last().ConversationID != resp.ConversationID {
		t.Error("runner saw a different conversation id")
	}
}

func TestChat_HTML(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/v1/chat", `{"message": "hi", "format": "html"}`)
	var resp ChatResponse
	decode(t, rec, &resp)
	if !strings.Contains(resp.HTML, "<strong>3</strong>") {
		t.Errorf("HTML = %q", resp.HTML)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		runErr error
		want   int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"empty message", `{"message": ""}`, nil, http.StatusBadRequest},
		{"cancelled", `{"message": "hi"}`, context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.runner.err = tt.runErr
			rec := ts.do(t, "POST", "/v1/chat", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body struct {
				Error struct {
					Message string `json:"message"`
					Code    int    `json:"code"`
				} `json:"error"`
			}
			decode(t, rec, &body)
			if body.Error.Code != tt.want || body.Error.Message == "" {
				t.Errorf("error body = %+v", body)
			}
		})
	}
}

func TestConversations(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "POST", "/v1/chat", `{"message": "one", "conversation_id": "a"}`)
	ts.do(t, "POST", "/v1/chat", `{"message": "two", "conversation_id": "b"}`)

	rec := ts.do(t, "GET", "/v1/conversations", "")
	var list struct {
		Conversations []memory.Info `json:"conversations"`
		Count         int           `json:"count"`
	}
	decode(t, rec, &list)
	if list.Count != 2 {
		t.Errorf("count = %d, want 2", list.Count)
	}

	rec = ts.do(t, "GET", "/v1/conversations/a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var conv memory.Conversation
	decode(t, rec, &conv)
	if conv.ID != "a" || conv.Messages[0].Content != "one" {
		t.Errorf("conversation = %+v", conv)
	}

	if rec := ts.do(t, "DELETE", "/v1/conversations/a", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/v1/conversations/a", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	plan := callplan.CallPlan{Method: "GET", Endpoint: "/api/v2/users"}
	if err := ts.mem.RecordSuccess(ctx, plan, &executor.Result{Plan: plan, Success: true}); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, "GET", "/v1/memory", "")
	var snap patterns.Snapshot
	decode(t, rec, &snap)
	if len(snap.Patterns) != 1 || snap.Patterns[0].SuccessCount != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = ts.do(t, "GET", "/v1/memory/insights", "")
	var ins map[string]string
	decode(t, rec, &ins)
	if !strings.Contains(ins["insights"], "/api/v2/users") {
		t.Errorf("insights = %q", ins["insights"])
	}
}

func TestAddLearning(t *testing.T) {
	ts := newTestServer(t)
	ch := ts.bus.Subscribe(4)
	defer ts.bus.Unsubscribe(ch)

	rec := ts.do(t, "POST", "/v1/memory/learnings", `{"insight": "Dates are ISO 8601.", "examples": ["2024-01-31"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := ts.mem.GlobalLearnings(); !strings.Contains(got, "Dates are ISO 8601.") {
		t.Errorf("learnings = %q", got)
	}

	select {
	case e := <-ch:
		if e.Source != events.SourceAPI || e.Kind != events.KindLearningAdded {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no learning_added event")
	}

	if rec := ts.do(t, "POST", "/v1/memory/learnings", `{"insight": "  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("blank insight status = %d", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, "GET", "/v1/usage", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without store = %d", rec.Code)
	}

	store, err := usage.NewStore("sqlite3", filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ts.srv.SetUsageStore(store)

	ctx := context.Background()
	for _, role := range []string{usage.RoleMain, usage.RoleConfidence} {
		if err := store.Record(ctx, usage.Record{
			Timestamp:    time.Now(),
			RequestID:    "r_1",
			Model:        "test-model",
			InputTokens:  100,
			OutputTokens: 10,
			Role:         role,
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec := ts.do(t, "GET", "/v1/usage?hours=1", "")
	var out struct {
		Total  usage.Summary             `json:"total"`
		ByRole map[string]*usage.Summary `json:"by_role"`
	}
	decode(t, rec, &out)
	if out.Total.TotalRecords != 2 || out.Total.TotalInputTokens != 200 {
		t.Errorf("total = %+v", out.Total)
	}
	if out.ByRole[usage.RoleConfidence] == nil {
		t.Errorf("by_role = %+v", out.ByRole)
	}

	rec = ts.do(t, "GET", "/v1/usage?request_id=r_1", "")
	var one struct {
		Summary usage.Summary `json:"summary"`
	}
	decode(t, rec, &one)
	if one.Summary.TotalOutputTokens != 20 {
		t.Errorf("request summary = %+v", one.Summary)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/events?kind=" + events.KindCallExecuted
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts.bus.Emit(events.SourceAgent, events.KindLLMCall, nil)
	ts.bus.Emit(events.SourceAgent, events.KindCallExecuted, map[string]any{"status": 200})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Kind != events.KindCallExecuted {
		t.Errorf("kind = %q, filter let %q through", events.KindCallExecuted, e.Kind)
	}
}

func TestSessionStats(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "POST", "/v1/chat", `{"message": "hi"}`)

	rec := ts.do(t, "GET", "/v1/session/stats", "")
	var snap SessionStatsSnapshot
	decode(t, rec, &snap)
	if snap.TotalRequests != 1 || snap.TotalModelCalls != 4 || snap.Outcomes["answered"] != 1 {
		t.Errorf("stats = %+v", snap)
	}
	if snap.Conversations["conversations"] == nil {
		t.Errorf("conversation stats missing: %+v", snap.Conversations)
	}
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/health", "")
	var health map[string]string
	decode(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	rec = ts.do(t, "GET", "/v1/version", "")
	var info map[string]string
	decode(t, rec, &info)
	if info["version"] == "" {
		t.Errorf("version = %v", info)
	}

	rec = ts.do(t, "GET", "/", "")
	var root map[string]string
	decode(t, rec, &root)
	if root["model"] != "test-model" {
		t.Errorf("root = %v", root)
	}
}

func TestHealth_Degraded(t *testing.T) {
	ts := newTestServer(t)
	m := connwatch.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer m.Stop()
	w := m.Watch(context.Background(), connwatch.WatcherConfig{
		Name:  "llm",
		Probe: func(context.Context) error { return errors.New("connection refused") },
	})
	ts.srv.SetServiceWatch(m)

	deadline := time.Now().Add(2 * time.Second)
	for w.Status().Failures == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rec := ts.do(t, "GET", "/health", "")
	var health struct {
		Status   string                             `json:"status"`
		Unready  []string                           `json:"unready"`
		Services map[string]connwatch.ServiceStatus `json:"services"`
	}
	decode(t, rec, &health)
	if health.Status != "degraded" || len(health.Unready) != 1 || health.Services["llm"].LastError != "connection refused" {
		t.Errorf("health = %+v", health)
	}
}

func TestUnconfiguredStores(t *testing.T) {
	srv := NewServer("", 0, &fakeRunner{}, nil)
	for _, path := range []string{"/v1/conversations", "/v1/memory", "/v1/events"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}
