package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/audit"
	"github.com/nerrad567/gray-logic-hub/internal/automation"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
)

// ─── Mocks ──────────────────────────────────────────────────────────

type mockEngine struct {
	mu      sync.Mutex
	rules   []automation.Rule
	loads   int
	running []string
	states  map[string]map[string]any
}

func (m *mockEngine) Rules() []automation.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []automation.Rule
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockEngine) Load(rules []automation.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
	m.loads++
}

func (m *mockEngine) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.running...)
}

func (m *mockEngine) DeviceState(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok
}

func (m *mockEngine) Stats() automation.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return automation.Stats{Rules: len(m.rules), Running: len(m.running), Devices: len(m.states), Fired: 7}
}

type mockHistory struct {
	mu      sync.Mutex
	runs    []automation.Run
	err     error
	lastKey string
	lastLim int
}

func (m *mockHistory) ListRuns(_ context.Context, ruleKey string, limit int) ([]automation.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKey, m.lastLim = ruleKey, limit
	if m.err != nil {
		return nil, m.err
	}
	return m.runs, nil
}

func (m *mockHistory) GetRun(_ context.Context, id string) (*automation.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			run := m.runs[i]
			return &run, nil
		}
	}
	return nil, automation.ErrRunNotFound
}

type mockAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	last    audit.Filter
}

func (m *mockAudit) List(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = filter
	return m.entries, nil
}

// ─── Helpers ────────────────────────────────────────────────────────

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

func testServer(t *testing.T, history RunHistory) (*Server, *mockEngine) {
	t.Helper()

	eng := &mockEngine{states: map[string]map[string]any{
		"0x00158d0001": {"state": "ON", "brightness": float64(200)},
	}}
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Logger:  testLogger(),
		Engine:  eng,
		Runs:    history,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, eng
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

// ─── Construction & lifecycle ───────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{Engine: &mockEngine{}}); err == nil {
		t.Error("expected error without logger")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("expected error without engine")
	}
}

func TestServer_StartClose(t *testing.T) {
	srv, _ := testServer(t, nil)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Close()

	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/v1/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestServer_CloseBeforeStart(t *testing.T) {
	srv, _ := testServer(t, nil)
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start error: %v", err)
	}
}

// ─── Middleware ─────────────────────────────────────────────────────

func TestRequestID_Propagated(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// errorOf extracts the {"error": {...}} envelope from a decoded body.
func errorOf(body map[string]any) map[string]any {
	e, _ := body["error"].(map[string]any)
	return e
}

func TestRouter_UnknownRoutes(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec, body := do(t, srv, http.MethodGet, "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound || errorOf(body)["code"] != ErrCodeNotFound {
		t.Errorf("unknown path: %d %v", rec.Code, body)
	}
	rec, body = do(t, srv, http.MethodDelete, "/api/v1/rules", "")
	if rec.Code != http.StatusMethodNotAllowed || errorOf(body)["code"] != ErrCodeMethodNotAllow {
		t.Errorf("wrong method: %d %v", rec.Code, body)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec, body := do(t, srv, http.MethodGet, "/api/v1/devices/ghost/state", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	e := errorOf(body)
	if e == nil {
		t.Fatalf("body %v has no error envelope", body)
	}
	if e["code"] != ErrCodeNotFound || e["message"] == "" {
		t.Errorf("error = %v", e)
	}
	if id := rec.Header().Get("X-Request-ID"); id == "" || e["request_id"] != id {
		t.Errorf("request_id = %v, header = %q", e["request_id"], id)
	}
}

func TestReplaceRules_BodyTooLarge(t *testing.T) {
	srv, eng := testServer(t, nil)

	big := "[" + strings.Repeat(" ", maxRequestBodySize+1) + "]"
	rec, body := do(t, srv, http.MethodPut, "/api/v1/rules", big)
	if rec.Code != http.StatusRequestEntityTooLarge || errorOf(body)["code"] != ErrCodeTooLarge {
		t.Errorf("oversized body: %d %v", rec.Code, body)
	}
	if eng.loads != 0 {
		t.Error("oversized body reached the engine")
	}
}

// ─── Engine endpoints ───────────────────────────────────────────────

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(t, nil)
	rec, body := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health: %d %v", rec.Code, body)
	}
}

func TestHandleStats(t *testing.T) {
	srv, eng := testServer(t, nil)
	eng.running = []string{"porch", "hall"}

	rec, body := do(t, srv, http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := body["stats"].(map[string]any)
	if stats["fired"] != float64(7) || stats["running"] != float64(2) {
		t.Errorf("stats = %v", stats)
	}
	running := body["running"].([]any)
	if len(running) != 2 || running[0] != "hall" {
		t.Errorf("running = %v, want sorted keys", running)
	}
}

func TestHandleReplaceRules(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantLoaded float64
		wantIssues int
	}{
		{
			name: "valid list",
			body: `[{"id":"porch","name":"Porch","triggers":[{"type":"time","at":"18:00"}],
				"actions":[{"type":"device_action","device_id":"0x1","value":"ON"}]}]`,
			wantStatus: http.StatusOK,
			wantLoaded: 1,
		},
		{
			name: "disabled rule and bad fragment",
			body: `[{"id":"a","enabled":false,"triggers":[],"actions":[]},
				{"id":"b","triggers":[{"type":"teleport"}],"actions":[]}]`,
			wantStatus: http.StatusOK,
			wantLoaded: 1,
			wantIssues: 1,
		},
		{name: "empty list", body: `[]`, wantStatus: http.StatusOK},
		{name: "object instead of list", body: `{"id":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "not JSON", body: `rules`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, eng := testServer(t, nil)
			rec, body := do(t, srv, http.MethodPut, "/api/v1/rules", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", rec.Code, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				if eng.loads != 0 {
					t.Error("rejected body must not reach the engine")
				}
				return
			}
			if eng.loads != 1 {
				t.Errorf("loads = %d, want 1", eng.loads)
			}
			if body["loaded"] != tt.wantLoaded {
				t.Errorf("loaded = %v, want %v", body["loaded"], tt.wantLoaded)
			}
			if issues := body["issues"].([]any); len(issues) != tt.wantIssues {
				t.Errorf("issues = %v, want %d", issues, tt.wantIssues)
			}
		})
	}
}

func TestHandleListRules(t *testing.T) {
	srv, _ := testServer(t, nil)
	do(t, srv, http.MethodPut, "/api/v1/rules",
		`[{"id":"r1","name":"Night","triggers":[],"conditions":[],"actions":[]}]`)

	rec, body := do(t, srv, http.MethodGet, "/api/v1/rules", "")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("rules: %d %v", rec.Code, body)
	}
	rule := body["rules"].([]any)[0].(map[string]any)
	if rule["id"] != "r1" || rule["name"] != "Night" {
		t.Errorf("rule = %v", rule)
	}
}

func TestHandleValidateRules(t *testing.T) {
	srv, eng := testServer(t, nil)

	rec, body := do(t, srv, http.MethodPost, "/api/v1/rules/validate",
		`[{"id":"b","triggers":[{"type":"state","device_id":"0x1","entity":"state","operator":"~","value":"ON"}],"actions":[]}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["valid"] != false {
		t.Errorf("valid = %v, want false", body["valid"])
	}
	issue := body["issues"].([]any)[0].(map[string]any)
	if issue["rule"] != "b" || issue["path"] != "triggers[0]" {
		t.Errorf("issue = %v", issue)
	}
	if eng.loads != 0 {
		t.Error("validate must not load rules")
	}
}

func TestHandleGetDeviceState(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec, body := do(t, srv, http.MethodGet, "/api/v1/devices/0x00158d0001/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if state := body["state"].(map[string]any); state["state"] != "ON" {
		t.Errorf("state = %v", state)
	}

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/devices/0xunknown/state", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", rec.Code)
	}
}

// ─── History endpoints ──────────────────────────────────────────────

func TestHandleRuns(t *testing.T) {
	started := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)
	msg := "broker down"
	history := &mockHistory{runs: []automation.Run{
		{ID: "run-1", RuleKey: "porch", TriggerSource: automation.SourceTime, StartedAt: started,
			CompletedAt: &done, Status: automation.RunFailed, CommandsSent: 1, Error: &msg},
		{ID: "run-2", RuleKey: "hall", TriggerSource: automation.SourceState, StartedAt: started,
			Status: automation.RunRunning},
	}}
	srv, _ := testServer(t, history)

	rec, body := do(t, srv, http.MethodGet, "/api/v1/runs?rule=porch&limit=5", "")
	if rec.Code != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("runs: %d %v", rec.Code, body)
	}
	if history.lastKey != "porch" || history.lastLim != 5 {
		t.Errorf("ListRuns(%q, %d), want (porch, 5)", history.lastKey, history.lastLim)
	}
	first := body["runs"].([]any)[0].(map[string]any)
	if first["duration_ms"] != float64(1500) || first["error"] != "broker down" || first["status"] != "failed" {
		t.Errorf("run = %v", first)
	}
	second := body["runs"].([]any)[1].(map[string]any)
	if second["completed_at"] != nil {
		t.Errorf("running run completed_at = %v", second["completed_at"])
	}

	rec, body = do(t, srv, http.MethodGet, "/api/v1/runs/run-1", "")
	if rec.Code != http.StatusOK || body["rule_key"] != "porch" {
		t.Errorf("get run: %d %v", rec.Code, body)
	}
	rec, _ = do(t, srv, http.MethodGet, "/api/v1/runs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}

func TestHandleRuns_Errors(t *testing.T) {
	tests := []struct {
		name       string
		history    RunHistory
		path       string
		wantStatus int
	}{
		{"history disabled list", nil, "/api/v1/runs", http.StatusServiceUnavailable},
		{"history disabled get", nil, "/api/v1/runs/x", http.StatusServiceUnavailable},
		{"bad limit", &mockHistory{}, "/api/v1/runs?limit=abc", http.StatusBadRequest},
		{"limit too large", &mockHistory{}, "/api/v1/runs?limit=500", http.StatusBadRequest},
		{"repository failure", &mockHistory{err: errors.New("disk I/O")}, "/api/v1/runs", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, tt.history)
			rec, _ := do(t, srv, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

// ─── Audit endpoint ─────────────────────────────────────────────────

func TestHandleListAudit(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec, _ := do(t, srv, http.MethodGet, "/api/v1/audit", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("audit disabled status = %d, want 503", rec.Code)
	}

	log := &mockAudit{entries: []audit.Entry{
		{ID: "aud-1", Action: audit.ActionDeviceCommand, Source: audit.SourceBackend, Subject: "hall_light"},
	}}
	srv.audit = log

	rec, body := do(t, srv, http.MethodGet, "/api/v1/audit?action=device_command&source=backend&limit=5", "")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("audit: %d %v", rec.Code, body)
	}
	if log.last.Action != audit.ActionDeviceCommand || log.last.Source != "backend" || log.last.Limit != 5 {
		t.Errorf("filter = %+v", log.last)
	}
	entry := body["entries"].([]any)[0].(map[string]any)
	if entry["subject"] != "hall_light" {
		t.Errorf("entry = %v", entry)
	}

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/audit?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}
