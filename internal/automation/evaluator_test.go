package automation

import (
	"sync"
	"testing"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// mockLogger captures log records for assertions.
type mockLogger struct {
	mu      sync.Mutex
	records []logRecord
}

type logRecord struct {
	Level string
	Msg   string
	Args  []any
}

func (l *mockLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{Level: level, Msg: msg, Args: args})
}

func (l *mockLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *mockLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.Level == level && r.Msg == msg {
			n++
		}
	}
	return n
}

// ─── Trigger Evaluation ─────────────────────────────────────────────────────

func TestEvaluator_MatchesStateChange(t *testing.T) {
	e := NewEvaluator(nil)
	rule := &Rule{Triggers: []Trigger{
		StateTrigger{DeviceID: "D1", Entity: "temp", Operator: OpGreater, Value: 30},
		DeviceStateChangedTrigger{DeviceID: "D2", Entity: "contact"},
		DeviceStateChangedTrigger{DeviceID: "D3"},
		TimePatternTrigger{},
	}}

	tests := []struct {
		name   string
		device string
		update map[string]any
		want   bool
	}{
		{"state above threshold", "D1", map[string]any{"temp": 35.0}, true},
		{"state below threshold", "D1", map[string]any{"temp": 20.0}, false},
		{"state entity absent", "D1", map[string]any{"humidity": 90.0}, false},
		{"state entity null", "D1", map[string]any{"temp": nil}, false},
		{"state non-numeric", "D1", map[string]any{"temp": "hot"}, false},
		{"changed scoped entity present", "D2", map[string]any{"contact": false}, true},
		{"changed scoped entity absent", "D2", map[string]any{"battery": 90}, false},
		{"changed any entity", "D3", map[string]any{"linkquality": 80}, true},
		{"other device", "D9", map[string]any{"temp": 99.0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.MatchesStateChange(rule, tt.device, tt.update); got != tt.want {
				t.Errorf("MatchesStateChange = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluator_EmptyTriggersNeverMatch(t *testing.T) {
	e := NewEvaluator(nil)
	rule := &Rule{Triggers: []Trigger{}}

	if e.MatchesStateChange(rule, "D1", map[string]any{"temp": 1}) {
		t.Error("empty trigger list matched a state change")
	}
	for s := 0; s < 60; s++ {
		if e.MatchesTime(rule, at(12, 0, s)) {
			t.Fatal("empty trigger list matched a time")
		}
	}
}

func TestEvaluator_MatchesTime(t *testing.T) {
	e := NewEvaluator(nil)
	morning, _ := NewTimeTrigger("06:30:00")
	quarter, _ := NewTimePatternTrigger("", "", "/15")
	rule := &Rule{Triggers: []Trigger{
		StateTrigger{DeviceID: "D1", Entity: "temp", Operator: OpGreater, Value: 30},
		morning,
		quarter,
	}}

	if !e.MatchesTime(rule, at(6, 30, 0)) {
		t.Error("time trigger should match")
	}
	if !e.MatchesTime(rule, at(13, 1, 45)) {
		t.Error("pattern trigger should match")
	}
	if e.MatchesTime(rule, at(13, 1, 46)) {
		t.Error("nothing should match")
	}
	if !HasTimeTrigger(rule) || HasTimeTrigger(&Rule{Triggers: []Trigger{rule.Triggers[0]}}) {
		t.Error("HasTimeTrigger mismatch")
	}
}

func TestEvaluator_UnknownOperatorWarns(t *testing.T) {
	log := &mockLogger{}
	e := NewEvaluator(log)
	rule := &Rule{Name: "odd", Triggers: []Trigger{
		StateTrigger{DeviceID: "D1", Entity: "temp", Operator: "=~", Value: 1},
	}}

	if e.MatchesStateChange(rule, "D1", map[string]any{"temp": 1}) {
		t.Error("unknown operator matched")
	}
	if log.count("warn", "unknown operator") != 1 {
		t.Error("expected an unknown operator warning")
	}
}

// ─── Condition Evaluation ───────────────────────────────────────────────────

func TestEvaluator_AllConditionsPass(t *testing.T) {
	e := NewEvaluator(nil)
	states := NewStateCache()
	states.Update("S1", map[string]any{"mode": "home", "lux": "120"})

	home := StateCondition{DeviceID: "S1", Entity: "mode", Operator: OpEqual, Value: "home"}
	dark := StateCondition{DeviceID: "S1", Entity: "lux", Operator: OpLess, Value: 50}
	unknown := StateCondition{DeviceID: "S9", Entity: "mode", Operator: OpEqual, Value: "home"}
	broken := InvalidCondition{Type: "zone"}

	tests := []struct {
		name  string
		conds []Condition
		want  bool
	}{
		{"nil list", nil, true},
		{"empty list", []Condition{}, true},
		{"single pass", []Condition{home}, true},
		{"numeric string coerced", []Condition{home, dark}, false},
		{"no cached value", []Condition{unknown}, false},
		{"malformed fails closed", []Condition{home, broken}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.AllConditionsPass(tt.conds, states); got != tt.want {
				t.Errorf("AllConditionsPass = %v, want %v", got, tt.want)
			}
		})
	}
}

// countingReader records how many lookups were made.
type countingReader struct {
	StateReader
	calls int
}

func (c *countingReader) Get(deviceID, entity string) (any, bool) {
	c.calls++
	return c.StateReader.Get(deviceID, entity)
}

func TestEvaluator_ConditionsShortCircuit(t *testing.T) {
	states := NewStateCache()
	states.Update("S1", map[string]any{"mode": "away"})
	reader := &countingReader{StateReader: states}

	conds := []Condition{
		StateCondition{DeviceID: "S1", Entity: "mode", Operator: OpEqual, Value: "home"},
		StateCondition{DeviceID: "S1", Entity: "mode", Operator: OpEqual, Value: "away"},
	}
	if NewEvaluator(nil).AllConditionsPass(conds, reader) {
		t.Fatal("conditions should fail")
	}
	if reader.calls != 1 {
		t.Errorf("lookups = %d, want 1 (stop at first failure)", reader.calls)
	}
}
