package automation

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"
)

// ruleHeader holds the scalar fields of a rule payload.
type ruleHeader struct {
	ID          string  `mapstructure:"id"`
	HubID       string  `mapstructure:"hub_id"`
	Name        string  `mapstructure:"name"`
	Description *string `mapstructure:"description"`
	Enabled     *bool   `mapstructure:"enabled"`
}

// ParseRules decodes a JSON array of rules. Only a document that is not an
// array is an error; malformed rules and fragments are kept and reported
// through ValidateRules.
func ParseRules(data []byte) ([]Rule, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return DecodeRules(raw), nil
}

// DecodeRules decodes each element of an already-unmarshalled rule list.
func DecodeRules(raw []any) []Rule {
	rules := make([]Rule, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			rules = append(rules, Rule{err: fmt.Errorf("%w: got %T, want object", ErrInvalidRule, v)})
			continue
		}
		rules = append(rules, DecodeRule(m))
	}
	return rules
}

// DecodeRule converts an untyped rule payload into a Rule.
//
// Decoding never fails as a whole: a trigger, condition or action that is
// malformed becomes an Invalid* variant carrying the raw fragment and the
// reason. If the rule's own fields cannot be decoded the rule comes back
// disabled.
//
// Parameters:
//   - raw: the rule object, typically from json.Unmarshal
//
// Returns:
//   - Rule: the decoded rule; see Issues for anything that went wrong
func DecodeRule(raw map[string]any) Rule {
	var h ruleHeader
	if err := decodeFragment(raw, &h); err != nil {
		return Rule{err: fmt.Errorf("%w: %w", ErrInvalidRule, err)}
	}

	r := Rule{
		ID:          h.ID,
		HubID:       h.HubID,
		Name:        h.Name,
		Description: h.Description,
		Enabled:     h.Enabled == nil || *h.Enabled,
	}

	var err error
	if r.Triggers, err = decodeList(raw["triggers"], decodeTrigger); err != nil {
		r.err = fmt.Errorf("%w: triggers: %w", ErrInvalidRule, err)
	}
	if r.Conditions, err = decodeList(raw["conditions"], decodeCondition); err != nil {
		r.err = fmt.Errorf("%w: conditions: %w", ErrInvalidRule, err)
	}
	if r.Actions, err = decodeList(raw["actions"], decodeAction); err != nil {
		r.err = fmt.Errorf("%w: actions: %w", ErrInvalidRule, err)
	}
	if r.err != nil {
		r.Enabled = false
	}
	return r
}

// decodeFragment weakly decodes a map into a struct, so "5" fills a number
// field and 10 fills a string field.
func decodeFragment(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// decodeList decodes an optional JSON array with elem. Absent or null is an
// empty list; anything but an array is an error.
func decodeList[T any](v any, elem func(any) T) ([]T, error) {
	if v == nil {
		return []T{}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return []T{}, fmt.Errorf("got %T, want array", v)
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		out = append(out, elem(item))
	}
	return out, nil
}

// fragment splits an untyped fragment into its map and type tag.
func fragment(v any) (map[string]any, string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, "", false
	}
	typ, _ := m["type"].(string)
	return m, typ, true
}

func missing(base error, fields ...string) error {
	return fmt.Errorf("%w: missing %v", base, fields)
}

// ─── Triggers ───────────────────────────────────────────────────────────────

func decodeTrigger(v any) Trigger {
	m, typ, ok := fragment(v)
	invalid := func(err error) Trigger {
		return InvalidTrigger{Type: typ, Raw: deepCopyValue(v), Err: err}
	}
	if !ok {
		return invalid(fmt.Errorf("%w: got %T, want object", ErrInvalidTrigger, v))
	}

	switch TriggerKind(typ) {
	case TriggerState:
		var t StateTrigger
		if err := decodeFragment(m, &t); err != nil {
			return invalid(fmt.Errorf("%w: %w", ErrInvalidTrigger, err))
		}
		if t.DeviceID == "" || t.Entity == "" || t.Operator == "" || t.Value == nil {
			return invalid(missing(ErrInvalidTrigger, "device_id", "entity", "operator", "value"))
		}
		t.Value = deepCopyValue(t.Value)
		return t

	case TriggerDeviceStateChanged:
		var t DeviceStateChangedTrigger
		if err := decodeFragment(m, &t); err != nil {
			return invalid(fmt.Errorf("%w: %w", ErrInvalidTrigger, err))
		}
		if t.DeviceID == "" {
			return invalid(missing(ErrInvalidTrigger, "device_id"))
		}
		return t

	case TriggerTime:
		var t TimeTrigger
		if err := decodeFragment(m, &t); err != nil {
			return invalid(fmt.Errorf("%w: %w", ErrInvalidTrigger, err))
		}
		parsed, err := NewTimeTrigger(t.At)
		if err != nil {
			return invalid(err)
		}
		return parsed

	case TriggerTimePattern:
		var t TimePatternTrigger
		if err := decodeFragment(m, &t); err != nil {
			return invalid(fmt.Errorf("%w: %w", ErrInvalidTrigger, err))
		}
		parsed, err := NewTimePatternTrigger(t.Hours, t.Minutes, t.Seconds)
		if err != nil {
			return invalid(err)
		}
		return parsed

	default:
		return invalid(fmt.Errorf("%w: trigger %q", ErrUnknownType, typ))
	}
}

// ─── Conditions ─────────────────────────────────────────────────────────────

func decodeCondition(v any) Condition {
	m, typ, ok := fragment(v)
	invalid := func(err error) Condition {
		return InvalidCondition{Type: typ, Raw: deepCopyValue(v), Err: err}
	}
	if !ok {
		return invalid(fmt.Errorf("%w: got %T, want object", ErrInvalidCondition, v))
	}

	if ConditionKind(typ) != ConditionState {
		return invalid(fmt.Errorf("%w: condition %q", ErrUnknownType, typ))
	}
	var c StateCondition
	if err := decodeFragment(m, &c); err != nil {
		return invalid(fmt.Errorf("%w: %w", ErrInvalidCondition, err))
	}
	if c.DeviceID == "" || c.Entity == "" || c.Operator == "" || c.Value == nil {
		return invalid(missing(ErrInvalidCondition, "device_id", "entity", "operator", "value"))
	}
	c.Value = deepCopyValue(c.Value)
	return c
}

// ─── Actions ────────────────────────────────────────────────────────────────

func decodeAction(v any) Action {
	m, typ, ok := fragment(v)
	invalid := func(err error) Action {
		return InvalidAction{Type: typ, Raw: deepCopyValue(v), Err: err}
	}
	if !ok {
		return invalid(fmt.Errorf("%w: got %T, want object", ErrInvalidAction, v))
	}

	switch ActionKind(typ) {
	case ActionDevice:
		var a DeviceAction
		if err := decodeFragment(m, &a); err != nil {
			return invalid(fmt.Errorf("%w: %w", ErrInvalidAction, err))
		}
		if a.DeviceID == "" || a.Value == nil {
			return invalid(missing(ErrInvalidAction, "device_id", "value"))
		}
		if a.Entity == "" {
			a.Entity = defaultEntity
		}
		a.Value = deepCopyValue(a.Value)
		return a

	case ActionDelay:
		var a DelayAction
		if err := decodeFragment(m, &a); err != nil {
			return invalid(fmt.Errorf("%w: %w", ErrInvalidAction, err))
		}
		if a.Seconds < 0 {
			return invalid(fmt.Errorf("%w: negative delay %v", ErrInvalidAction, a.Seconds))
		}
		if math.IsNaN(a.Seconds) || a.Seconds > MaxDelaySeconds {
			return invalid(fmt.Errorf("%w: delay %v out of range", ErrInvalidAction, a.Seconds))
		}
		return a

	case ActionCondition:
		conds, err := decodeList(m["conditions"], decodeCondition)
		if err != nil {
			return invalid(fmt.Errorf("%w: conditions: %w", ErrInvalidAction, err))
		}
		return ConditionAction{Conditions: conds}

	case ActionIf:
		conds, err := decodeList(m["conditions"], decodeCondition)
		if err != nil {
			return invalid(fmt.Errorf("%w: conditions: %w", ErrInvalidAction, err))
		}
		then, err := decodeList(m["then"], decodeAction)
		if err != nil {
			return invalid(fmt.Errorf("%w: then: %w", ErrInvalidAction, err))
		}
		els, err := decodeList(m["else"], decodeAction)
		if err != nil {
			return invalid(fmt.Errorf("%w: else: %w", ErrInvalidAction, err))
		}
		return IfAction{Conditions: conds, Then: then, Else: els}

	case ActionChoose:
		rawChoices, err := decodeList(m["choices"], func(c any) any { return c })
		if err != nil {
			return invalid(fmt.Errorf("%w: choices: %w", ErrInvalidAction, err))
		}
		choices := make([]Choice, 0, len(rawChoices))
		for i, rc := range rawChoices {
			cm, ok := rc.(map[string]any)
			if !ok {
				return invalid(fmt.Errorf("%w: choices[%d]: got %T, want object", ErrInvalidAction, i, rc))
			}
			conds, err := decodeList(cm["conditions"], decodeCondition)
			if err != nil {
				return invalid(fmt.Errorf("%w: choices[%d].conditions: %w", ErrInvalidAction, i, err))
			}
			seq, err := decodeList(cm["sequence"], decodeAction)
			if err != nil {
				return invalid(fmt.Errorf("%w: choices[%d].sequence: %w", ErrInvalidAction, i, err))
			}
			choices = append(choices, Choice{Conditions: conds, Sequence: seq})
		}
		def, err := decodeList(m["default"], decodeAction)
		if err != nil {
			return invalid(fmt.Errorf("%w: default: %w", ErrInvalidAction, err))
		}
		return ChooseAction{Choices: choices, Default: def}

	default:
		return invalid(fmt.Errorf("%w: action %q", ErrUnknownType, typ))
	}
}
