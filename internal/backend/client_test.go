package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-hub/internal/automation"
)

const (
	testHubID = "6f1c2a3e-8d4b-4c5a-9e7f-0a1b2c3d4e5f"
	testToken = "secret-token"
	rulesJSON = `[{"id":"r1","name":"Porch","triggers":[],"conditions":[],"actions":[]}]`
)

// mockLoader implements RuleLoader for testing.
type mockLoader struct {
	mu            sync.Mutex
	loads         [][]automation.Rule
	snapshotLoads int
	loaded        chan struct{}
}

func newMockLoader() *mockLoader {
	return &mockLoader{loaded: make(chan struct{}, 16)}
}

func (m *mockLoader) Load(rules []automation.Rule) {
	m.mu.Lock()
	m.loads = append(m.loads, rules)
	m.mu.Unlock()
	m.loaded <- struct{}{}
}

func (m *mockLoader) LoadFromSnapshot() bool {
	m.mu.Lock()
	m.snapshotLoads++
	m.mu.Unlock()
	m.loaded <- struct{}{}
	return true
}

func (m *mockLoader) getLoads() [][]automation.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]automation.Rule, len(m.loads))
	copy(out, m.loads)
	return out
}

func (m *mockLoader) getSnapshotLoads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLoads
}

// mockCommands implements CommandHandler for testing.
type mockCommands struct {
	mu       sync.Mutex
	commands []DeviceCommand
	err      error
	received chan struct{}
}

func newMockCommands() *mockCommands {
	return &mockCommands{received: make(chan struct{}, 16)}
}

func (m *mockCommands) HandleCommand(friendlyName string, command map[string]any, mode string) error {
	m.mu.Lock()
	m.commands = append(m.commands, DeviceCommand{FriendlyName: friendlyName, Command: command, Mode: mode})
	err := m.err
	m.mu.Unlock()
	m.received <- struct{}{}
	return err
}

func (m *mockCommands) getCommands() []DeviceCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceCommand, len(m.commands))
	copy(out, m.commands)
	return out
}

// fakeBackend is an httptest server speaking the backend protocol.
type fakeBackend struct {
	server        *httptest.Server
	statuses      []string // registration answers, last one repeats
	registrations atomic.Int32
	automations   int // HTTP status for the rule fetch
	conns         chan *websocket.Conn
	lastBody      atomic.Value
}

func newFakeBackend(t *testing.T, statuses ...string) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		statuses:    statuses,
		automations: http.StatusOK,
		conns:       make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /hubs/register", func(w http.ResponseWriter, r *http.Request) {
		n := int(fb.registrations.Add(1))
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			fb.lastBody.Store(body)
		}
		status := fb.statuses[min(n, len(fb.statuses))-1]
		if status == "error" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Registration{Status: status, HubID: testHubID, AccessToken: testToken}) //nolint:errcheck
	})
	mux.HandleFunc("GET /hubs/{id}/automations", func(w http.ResponseWriter, r *http.Request) {
		if fb.automations != http.StatusOK {
			w.WriteHeader(fb.automations)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(rulesJSON)) //nolint:errcheck
	})
	mux.HandleFunc("GET /hubs/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != testHubID || r.URL.Query().Get("token") != testToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- conn
	})

	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fb.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received a websocket connection")
		return nil
	}
}

func newTestClient(t *testing.T, fb *fakeBackend, loader RuleLoader, commands CommandHandler) *Client {
	t.Helper()
	c, err := New(Options{
		URL:               fb.server.URL,
		WSURL:             "ws" + strings.TrimPrefix(fb.server.URL, "http"),
		UserEmail:         "owner@example.com",
		ChipID:            "hub-test",
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
		PendingRetry:      10 * time.Millisecond,
		RejectedRetry:     time.Hour,
		RequestTimeout:    2 * time.Second,
		Rules:             loader,
		Commands:          commands,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading from hub: %v", err)
	}
	return env
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// ─── Construction ───────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	loader := newMockLoader()
	tests := []struct {
		name string
		opts Options
	}{
		{"missing loader", Options{URL: "http://x", WSURL: "ws://x", ChipID: "c"}},
		{"missing url", Options{WSURL: "ws://x", ChipID: "c", Rules: loader}},
		{"missing ws url", Options{URL: "http://x", ChipID: "c", Rules: loader}},
		{"missing chip id", Options{URL: "http://x", WSURL: "ws://x", Rules: loader}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Options{URL: "http://x/api/", WSURL: "ws://x/api", ChipID: "c", Rules: newMockLoader()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.opts.HeartbeatInterval != DefaultHeartbeatInterval || c.opts.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("timings = %+v", c.opts)
	}
	if c.opts.ServerAddress != DefaultServerAddress {
		t.Errorf("ServerAddress = %q", c.opts.ServerAddress)
	}
	got := c.wsURL(Registration{HubID: testHubID, AccessToken: "a b"})
	want := "ws://x/api/hubs/" + testHubID + "/ws?token=a+b"
	if got != want {
		t.Errorf("wsURL = %q, want %q", got, want)
	}
}

// ─── Registration ───────────────────────────────────────────────────

func TestRegister_RetriesUntilApproved(t *testing.T) {
	fb := newFakeBackend(t, "error", StatusPending, StatusApproved)
	c := newTestClient(t, fb, newMockLoader(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := c.Register(ctx)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.HubID != testHubID || reg.AccessToken != testToken {
		t.Errorf("registration = %+v", reg)
	}
	if n := fb.registrations.Load(); n != 3 {
		t.Errorf("registration attempts = %d, want 3", n)
	}

	body, _ := fb.lastBody.Load().(map[string]string)
	if body["chip_id"] != "hub-test" || body["user_email"] != "owner@example.com" || body["server_address"] != DefaultServerAddress {
		t.Errorf("request body = %v", body)
	}
}

func TestRegister_RejectedWaitsLonger(t *testing.T) {
	fb := newFakeBackend(t, "rejected", StatusApproved)
	c := newTestClient(t, fb, newMockLoader(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.Register(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if n := fb.registrations.Load(); n != 1 {
		t.Errorf("registration attempts = %d, want 1 (rejected retry is an hour)", n)
	}
}

func TestRegisterOnce_Errors(t *testing.T) {
	fb := newFakeBackend(t, StatusPending)
	c := newTestClient(t, fb, newMockLoader(), nil)

	reg, err := c.registerOnce(context.Background())
	if !errors.Is(err, ErrNotApproved) || reg.Status != StatusPending {
		t.Errorf("pending: reg = %+v, err = %v", reg, err)
	}

	fb.server.Close()
	if _, err := c.registerOnce(context.Background()); !errors.Is(err, ErrRegistrationFailed) {
		t.Errorf("closed server: err = %v, want ErrRegistrationFailed", err)
	}
}

// ─── Session ────────────────────────────────────────────────────────

func TestRun_Session(t *testing.T) {
	fb := newFakeBackend(t, StatusApproved)
	loader := newMockLoader()
	commands := newMockCommands()
	c := newTestClient(t, fb, loader, commands)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	conn := fb.nextConn(t)

	if env := readEnvelope(t, conn); env.Type != TypeHeartbeat {
		t.Fatalf("first message = %q, want heartbeat", env.Type)
	}

	waitFor(t, loader.loaded, "initial rule fetch")
	if loads := loader.getLoads(); len(loads) != 1 || len(loads[0]) != 1 || loads[0][0].ID != "r1" {
		t.Fatalf("initial loads = %+v", loads)
	}

	push := `{"type":"sync_automations","payload":[{"id":"r2","name":"A"},{"id":"r3","name":"B"}]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(push)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, loader.loaded, "sync_automations")
	if loads := loader.getLoads(); len(loads) != 2 || len(loads[1]) != 2 {
		t.Fatalf("loads after sync = %+v", loads)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"something_else","payload":{}}`)); err != nil {
		t.Fatal(err)
	}
	cmd := `{"type":"device_command","payload":{"friendly_name":"hall_light","command":{"state":"ON"},"mode":"set"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, commands.received, "device_command")
	if got := commands.getCommands(); got[0].FriendlyName != "hall_light" || got[0].Command["state"] != "ON" {
		t.Errorf("commands = %+v", got)
	}

	if !c.Connected() {
		t.Fatal("client should report connected")
	}
	if err := c.SendStateUpdate("0x00158d0001", map[string]any{"state": "ON"}); err != nil {
		t.Fatalf("SendStateUpdate: %v", err)
	}
	env := readEnvelope(t, conn)
	var update StateUpdate
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeDeviceStateUpdate || update.IEEEAddress != "0x00158d0001" || update.State["state"] != "ON" {
		t.Errorf("state update = %s %s", env.Type, env.Payload)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.Connected() {
		t.Error("client still connected after Run returned")
	}
}

func TestRun_FetchFailureFallsBackToSnapshot(t *testing.T) {
	fb := newFakeBackend(t, StatusApproved)
	fb.automations = http.StatusServiceUnavailable
	loader := newMockLoader()
	c := newTestClient(t, fb, loader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx) //nolint:errcheck

	fb.nextConn(t)
	waitFor(t, loader.loaded, "snapshot fallback")
	if loader.getSnapshotLoads() != 1 || len(loader.getLoads()) != 0 {
		t.Errorf("snapshot loads = %d, loads = %d", loader.getSnapshotLoads(), len(loader.getLoads()))
	}
}

func TestRun_Reconnects(t *testing.T) {
	fb := newFakeBackend(t, StatusApproved)
	loader := newMockLoader()
	c := newTestClient(t, fb, loader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx) //nolint:errcheck

	first := fb.nextConn(t)
	waitFor(t, loader.loaded, "first fetch")
	first.Close()

	fb.nextConn(t)
	waitFor(t, loader.loaded, "fetch after reconnect")
	if n := fb.registrations.Load(); n != 1 {
		t.Errorf("registrations = %d, want 1 (reconnect reuses the token)", n)
	}
}

func TestSend_NotConnected(t *testing.T) {
	c, err := New(Options{URL: "http://x", WSURL: "ws://x", ChipID: "c", Rules: newMockLoader()})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendStateUpdate("0x1", map[string]any{"state": "ON"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.SendDiscovery([]string{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

// ─── Message handling ───────────────────────────────────────────────

func TestHandleMessage_DeviceCommand(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCall bool
		wantMode string
	}{
		{"set", `{"friendly_name":"lamp","command":{"state":"ON"},"mode":"set"}`, true, "set"},
		{"mode defaults to set", `{"friendly_name":"lamp","command":{"state":"ON"}}`, true, "set"},
		{"get without command", `{"friendly_name":"lamp","mode":"get"}`, true, "get"},
		{"set without command", `{"friendly_name":"lamp","mode":"set"}`, false, ""},
		{"missing name", `{"command":{"state":"ON"}}`, false, ""},
		{"not an object", `[1]`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commands := newMockCommands()
			c, err := New(Options{URL: "http://x", WSURL: "ws://x", ChipID: "c", Rules: newMockLoader(), Commands: commands})
			if err != nil {
				t.Fatal(err)
			}

			c.handleMessage([]byte(`{"type":"device_command","payload":` + tt.payload + `}`))

			got := commands.getCommands()
			if !tt.wantCall {
				if len(got) != 0 {
					t.Errorf("unexpected command %+v", got)
				}
				return
			}
			if len(got) != 1 || got[0].Mode != tt.wantMode || got[0].FriendlyName != "lamp" {
				t.Errorf("commands = %+v", got)
			}
		})
	}
}

func TestHandleMessage_SyncRejectsNonList(t *testing.T) {
	loader := newMockLoader()
	c, err := New(Options{URL: "http://x", WSURL: "ws://x", ChipID: "c", Rules: loader})
	if err != nil {
		t.Fatal(err)
	}

	for _, payload := range []string{`{"id":"r1"}`, `null`, `"rules"`} {
		c.handleMessage([]byte(`{"type":"sync_automations","payload":` + payload + `}`))
	}
	c.handleMessage([]byte(`not json`))

	if len(loader.getLoads()) != 0 {
		t.Errorf("non-list payloads were loaded: %+v", loader.getLoads())
	}
}
