package automation

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

// anonymousRuleKey is the cooldown key of a rule with neither id nor name.
// Every such rule shares this one slot.
const anonymousRuleKey = "<anonymous>"

// Rule is a user-defined automation: any trigger (OR) starts evaluation,
// all conditions (AND) gate it, and the actions run in order.
//
// A Rule is immutable once handed to the Engine; use DeepCopy before
// modifying a rule obtained from Engine.Rules.
type Rule struct {
	// Identity
	ID    string
	HubID string
	Name  string

	// Description (optional)
	Description *string

	Triggers   []Trigger
	Conditions []Condition
	Actions    []Action

	// Only enabled rules are evaluated. Absent in the payload means true.
	Enabled bool

	// err records why the rule's own fields failed to decode. Such a rule
	// is decoded as disabled.
	err error
}

// Key returns the identity used for the cooldown guard: the id, else the
// name, else a fixed sentinel. Two id-less rules with the same name (or no
// name at all) share one cooldown slot.
func (r *Rule) Key() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.Name != "":
		return r.Name
	default:
		return anonymousRuleKey
	}
}

// DisplayName returns the name for logs, falling back to the key.
func (r *Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Key()
}

// ruleJSON is the wire and snapshot shape of a Rule.
type ruleJSON struct {
	ID          string      `json:"id,omitempty"`
	HubID       string      `json:"hub_id,omitempty"`
	Name        string      `json:"name"`
	Description *string     `json:"description,omitempty"`
	Triggers    []Trigger   `json:"triggers"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	Enabled     bool        `json:"enabled"`
}

// MarshalJSON encodes the rule in the same shape it was received in.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleJSON{
		ID:          r.ID,
		HubID:       r.HubID,
		Name:        r.Name,
		Description: r.Description,
		Triggers:    orEmpty(r.Triggers),
		Conditions:  orEmpty(r.Conditions),
		Actions:     orEmpty(r.Actions),
		Enabled:     r.Enabled,
	})
}

// UnmarshalJSON decodes a rule through DecodeRule, so malformed fragments
// become Invalid* variants instead of failing the whole document.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: null rule", ErrInvalidRule)
	}
	*r = DecodeRule(raw)
	return nil
}

// DeepCopy creates a complete independent copy of the Rule.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}
	cpy := *r
	cpy.Description = cloneStringPtr(r.Description)
	cpy.Triggers = cloneTriggers(r.Triggers)
	cpy.Conditions = cloneConditions(r.Conditions)
	cpy.Actions = cloneActions(r.Actions)
	return &cpy
}

// ─── Triggers ───────────────────────────────────────────────────────────────

// TriggerKind is the type tag of a trigger.
type TriggerKind string

// Trigger kinds.
const (
	TriggerState              TriggerKind = "state"
	TriggerDeviceStateChanged TriggerKind = "device_state_changed"
	TriggerTime               TriggerKind = "time"
	TriggerTimePattern        TriggerKind = "time_pattern"
)

// Trigger is one of StateTrigger, DeviceStateChangedTrigger, TimeTrigger,
// TimePatternTrigger or InvalidTrigger.
type Trigger interface {
	json.Marshaler
	Kind() TriggerKind
	isTrigger()
}

// StateTrigger fires when an update for DeviceID carries Entity and
// Operator(update[Entity], Value) holds.
type StateTrigger struct {
	DeviceID string   `json:"device_id" mapstructure:"device_id"`
	Entity   string   `json:"entity" mapstructure:"entity"`
	Operator Operator `json:"operator" mapstructure:"operator"`
	Value    any      `json:"value" mapstructure:"value"`
}

// DeviceStateChangedTrigger fires on any update to DeviceID, or only on
// updates carrying Entity when it is set.
type DeviceStateChangedTrigger struct {
	DeviceID string `json:"device_id" mapstructure:"device_id"`
	Entity   string `json:"entity,omitempty" mapstructure:"entity"`
}

// TimeTrigger fires when the wall clock reads At ("HH:MM:SS") to the second.
type TimeTrigger struct {
	At string `json:"at" mapstructure:"at"`

	at clockTime
}

// TimePatternTrigger fires when hours, minutes and seconds all match. Each
// field is a wildcard ("*" or empty), an exact value, or "/N" (unit mod N == 0).
type TimePatternTrigger struct {
	Hours   string `json:"hours,omitempty" mapstructure:"hours"`
	Minutes string `json:"minutes,omitempty" mapstructure:"minutes"`
	Seconds string `json:"seconds,omitempty" mapstructure:"seconds"`

	schedule *cron.SpecSchedule
}

// InvalidTrigger keeps a trigger that failed to decode. It never matches.
type InvalidTrigger struct {
	Type string
	Raw  any
	Err  error
}

func (StateTrigger) Kind() TriggerKind              { return TriggerState }
func (DeviceStateChangedTrigger) Kind() TriggerKind { return TriggerDeviceStateChanged }
func (TimeTrigger) Kind() TriggerKind               { return TriggerTime }
func (TimePatternTrigger) Kind() TriggerKind        { return TriggerTimePattern }
func (t InvalidTrigger) Kind() TriggerKind          { return TriggerKind(t.Type) }

func (StateTrigger) isTrigger()              {}
func (DeviceStateChangedTrigger) isTrigger() {}
func (TimeTrigger) isTrigger()               {}
func (TimePatternTrigger) isTrigger()        {}
func (InvalidTrigger) isTrigger()            {}

// MarshalJSON implements json.Marshaler.
func (t StateTrigger) MarshalJSON() ([]byte, error) {
	type alias StateTrigger
	return marshalTagged(string(TriggerState), alias(t))
}

// MarshalJSON implements json.Marshaler.
func (t DeviceStateChangedTrigger) MarshalJSON() ([]byte, error) {
	type alias DeviceStateChangedTrigger
	return marshalTagged(string(TriggerDeviceStateChanged), alias(t))
}

// MarshalJSON implements json.Marshaler.
func (t TimeTrigger) MarshalJSON() ([]byte, error) {
	type alias TimeTrigger
	return marshalTagged(string(TriggerTime), alias(t))
}

// MarshalJSON implements json.Marshaler.
func (t TimePatternTrigger) MarshalJSON() ([]byte, error) {
	type alias TimePatternTrigger
	return marshalTagged(string(TriggerTimePattern), alias(t))
}

// MarshalJSON writes the fragment back exactly as it was received.
func (t InvalidTrigger) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Raw)
}

// ─── Conditions ─────────────────────────────────────────────────────────────

// ConditionKind is the type tag of a condition.
type ConditionKind string

// ConditionState is the only condition kind: a comparison against the
// device state cache.
const ConditionState ConditionKind = "state"

// Condition is one of StateCondition or InvalidCondition.
type Condition interface {
	json.Marshaler
	Kind() ConditionKind
	isCondition()
}

// StateCondition passes when the last known value of DeviceID.Entity
// satisfies Operator against Value.
type StateCondition struct {
	DeviceID string   `json:"device_id" mapstructure:"device_id"`
	Entity   string   `json:"entity" mapstructure:"entity"`
	Operator Operator `json:"operator" mapstructure:"operator"`
	Value    any      `json:"value" mapstructure:"value"`
}

// InvalidCondition keeps a condition that failed to decode. It never passes,
// so a rule with a broken guard stays inert rather than firing unguarded.
type InvalidCondition struct {
	Type string
	Raw  any
	Err  error
}

func (StateCondition) Kind() ConditionKind     { return ConditionState }
func (c InvalidCondition) Kind() ConditionKind { return ConditionKind(c.Type) }

func (StateCondition) isCondition()   {}
func (InvalidCondition) isCondition() {}

// MarshalJSON implements json.Marshaler.
func (c StateCondition) MarshalJSON() ([]byte, error) {
	type alias StateCondition
	return marshalTagged(string(ConditionState), alias(c))
}

// MarshalJSON writes the fragment back exactly as it was received.
func (c InvalidCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Raw)
}

// ─── Actions ────────────────────────────────────────────────────────────────

// ActionKind is the type tag of an action.
type ActionKind string

// Action kinds.
const (
	ActionDevice    ActionKind = "device_action"
	ActionDelay     ActionKind = "delay"
	ActionCondition ActionKind = "condition"
	ActionIf        ActionKind = "if"
	ActionChoose    ActionKind = "choose"
)

// defaultEntity is the attribute a device_action sets when none is given.
const defaultEntity = "state"

// Action is one of DeviceAction, DelayAction, ConditionAction, IfAction,
// ChooseAction or InvalidAction.
type Action interface {
	json.Marshaler
	Kind() ActionKind
	isAction()
}

// DeviceAction emits the command {Entity: Value} to DeviceID.
type DeviceAction struct {
	DeviceID string `json:"device_id" mapstructure:"device_id"`
	Entity   string `json:"entity" mapstructure:"entity"`
	Value    any    `json:"value" mapstructure:"value"`
}

// Command returns the outbound payload for the device.
func (a DeviceAction) Command() map[string]any {
	return map[string]any{a.Entity: deepCopyValue(a.Value)}
}

// DelayAction suspends the running sequence.
type DelayAction struct {
	Seconds float64 `json:"seconds" mapstructure:"seconds"`
}

// MaxDelaySeconds is the longest delay a time.Duration can hold.
const MaxDelaySeconds = float64(math.MaxInt64 / int64(time.Second))

// Duration returns the delay as a time.Duration, clamped to
// [0, MaxDelaySeconds]. NaN is treated as zero.
func (a DelayAction) Duration() time.Duration {
	switch {
	case a.Seconds >= MaxDelaySeconds:
		return time.Duration(MaxDelaySeconds) * time.Second
	case a.Seconds > 0:
		return time.Duration(a.Seconds * float64(time.Second))
	default:
		return 0
	}
}

// ConditionAction stops the rest of the sequence when Conditions fail.
type ConditionAction struct {
	Conditions []Condition `json:"conditions"`
}

// IfAction runs Then when Conditions pass, Else otherwise.
type IfAction struct {
	Conditions []Condition `json:"conditions"`
	Then       []Action    `json:"then"`
	Else       []Action    `json:"else"`
}

// Choice is one branch of a ChooseAction.
type Choice struct {
	Conditions []Condition `json:"conditions"`
	Sequence   []Action    `json:"sequence"`
}

// ChooseAction runs the sequence of the first choice whose conditions pass,
// or Default when none do.
type ChooseAction struct {
	Choices []Choice `json:"choices"`
	Default []Action `json:"default"`
}

// InvalidAction keeps an action that failed to decode. Running it does nothing.
type InvalidAction struct {
	Type string
	Raw  any
	Err  error
}

func (DeviceAction) Kind() ActionKind    { return ActionDevice }
func (DelayAction) Kind() ActionKind     { return ActionDelay }
func (ConditionAction) Kind() ActionKind { return ActionCondition }
func (IfAction) Kind() ActionKind        { return ActionIf }
func (ChooseAction) Kind() ActionKind    { return ActionChoose }
func (a InvalidAction) Kind() ActionKind { return ActionKind(a.Type) }

func (DeviceAction) isAction()    {}
func (DelayAction) isAction()     {}
func (ConditionAction) isAction() {}
func (IfAction) isAction()        {}
func (ChooseAction) isAction()    {}
func (InvalidAction) isAction()   {}

// MarshalJSON implements json.Marshaler.
func (a DeviceAction) MarshalJSON() ([]byte, error) {
	type alias DeviceAction
	return marshalTagged(string(ActionDevice), alias(a))
}

// MarshalJSON implements json.Marshaler.
func (a DelayAction) MarshalJSON() ([]byte, error) {
	type alias DelayAction
	return marshalTagged(string(ActionDelay), alias(a))
}

// MarshalJSON implements json.Marshaler.
func (a ConditionAction) MarshalJSON() ([]byte, error) {
	type alias ConditionAction
	a.Conditions = orEmpty(a.Conditions)
	return marshalTagged(string(ActionCondition), alias(a))
}

// MarshalJSON implements json.Marshaler.
func (a IfAction) MarshalJSON() ([]byte, error) {
	type alias IfAction
	a.Conditions = orEmpty(a.Conditions)
	a.Then = orEmpty(a.Then)
	a.Else = orEmpty(a.Else)
	return marshalTagged(string(ActionIf), alias(a))
}

// MarshalJSON implements json.Marshaler.
func (a ChooseAction) MarshalJSON() ([]byte, error) {
	type alias ChooseAction
	choices := make([]Choice, len(a.Choices))
	for i, c := range a.Choices {
		choices[i] = Choice{
			Conditions: orEmpty(c.Conditions),
			Sequence:   orEmpty(c.Sequence),
		}
	}
	a.Choices = choices
	a.Default = orEmpty(a.Default)
	return marshalTagged(string(ActionChoose), alias(a))
}

// MarshalJSON writes the fragment back exactly as it was received.
func (a InvalidAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Raw)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// marshalTagged encodes v with a leading "type" field. v must be a struct
// alias without a MarshalJSON method, so it encodes as a plain object.
func marshalTagged(tag string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(head)+10)
	out = append(out, `{"type":`...)
	out = append(out, head...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// orEmpty turns a nil slice into an empty one so it encodes as [] not null.
func orEmpty[S ~[]E, E any](s S) S {
	if s == nil {
		return S{}
	}
	return s
}

// cloneTriggers deep-copies a trigger list.
func cloneTriggers(in []Trigger) []Trigger {
	if in == nil {
		return nil
	}
	out := make([]Trigger, len(in))
	for i, t := range in {
		switch v := t.(type) {
		case StateTrigger:
			v.Value = deepCopyValue(v.Value)
			out[i] = v
		case InvalidTrigger:
			v.Raw = deepCopyValue(v.Raw)
			out[i] = v
		default:
			// Remaining variants hold only immutable fields.
			out[i] = t
		}
	}
	return out
}

// cloneConditions deep-copies a condition list.
func cloneConditions(in []Condition) []Condition {
	if in == nil {
		return nil
	}
	out := make([]Condition, len(in))
	for i, c := range in {
		switch v := c.(type) {
		case StateCondition:
			v.Value = deepCopyValue(v.Value)
			out[i] = v
		case InvalidCondition:
			v.Raw = deepCopyValue(v.Raw)
			out[i] = v
		default:
			out[i] = c
		}
	}
	return out
}

// cloneActions deep-copies an action tree.
func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		switch v := a.(type) {
		case DeviceAction:
			v.Value = deepCopyValue(v.Value)
			out[i] = v
		case ConditionAction:
			v.Conditions = cloneConditions(v.Conditions)
			out[i] = v
		case IfAction:
			v.Conditions = cloneConditions(v.Conditions)
			v.Then = cloneActions(v.Then)
			v.Else = cloneActions(v.Else)
			out[i] = v
		case ChooseAction:
			choices := make([]Choice, len(v.Choices))
			for j, c := range v.Choices {
				choices[j] = Choice{
					Conditions: cloneConditions(c.Conditions),
					Sequence:   cloneActions(c.Sequence),
				}
			}
			v.Choices = choices
			v.Default = cloneActions(v.Default)
			out[i] = v
		case InvalidAction:
			v.Raw = deepCopyValue(v.Raw)
			out[i] = v
		default:
			out[i] = a
		}
	}
	return out
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v // Primitives are immutable
	}
}

// cloneStringPtr creates an independent copy of a *string.
func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
