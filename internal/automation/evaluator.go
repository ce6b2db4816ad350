package automation

import (
	"errors"
	"time"
)

// Evaluator decides whether triggers match and conditions pass.
//
// Evaluation never fails: missing values, values that cannot be coerced and
// unknown operators all read as "did not match". Unknown operators are
// logged as warnings, coercion failures at debug.
type Evaluator struct {
	logger Logger
}

// NewEvaluator creates an Evaluator. A nil logger discards output.
func NewEvaluator(logger Logger) *Evaluator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Evaluator{logger: logger}
}

// MatchesStateChange reports whether any state or device_state_changed
// trigger of rule matches an update for deviceID. Triggers are tried in
// order and the first match wins.
func (e *Evaluator) MatchesStateChange(rule *Rule, deviceID string, update map[string]any) bool {
	for _, t := range rule.Triggers {
		switch v := t.(type) {
		case StateTrigger:
			if v.DeviceID != deviceID {
				continue
			}
			current, ok := update[v.Entity]
			if !ok || current == nil {
				continue
			}
			if e.compare(v.Operator, current, v.Value, rule, v.DeviceID, v.Entity) {
				return true
			}
		case DeviceStateChangedTrigger:
			if v.DeviceID != deviceID {
				continue
			}
			if v.Entity == "" {
				return true
			}
			if _, ok := update[v.Entity]; ok {
				return true
			}
		}
	}
	return false
}

// MatchesTime reports whether any time or time_pattern trigger of rule
// matches now, at one-second resolution.
func (e *Evaluator) MatchesTime(rule *Rule, now time.Time) bool {
	for _, t := range rule.Triggers {
		switch v := t.(type) {
		case TimeTrigger:
			if v.Matches(now) {
				return true
			}
		case TimePatternTrigger:
			if v.Matches(now) {
				return true
			}
		}
	}
	return false
}

// HasTimeTrigger reports whether the rule can ever be fired by the ticker.
func HasTimeTrigger(rule *Rule) bool {
	for _, t := range rule.Triggers {
		switch t.(type) {
		case TimeTrigger, TimePatternTrigger:
			return true
		}
	}
	return false
}

// AllConditionsPass reports whether every condition holds against states.
// An empty list passes. Evaluation stops at the first failing condition.
func (e *Evaluator) AllConditionsPass(conds []Condition, states StateReader) bool {
	for _, c := range conds {
		if !e.conditionPasses(c, states) {
			return false
		}
	}
	return true
}

func (e *Evaluator) conditionPasses(c Condition, states StateReader) bool {
	switch v := c.(type) {
	case StateCondition:
		current, ok := states.Get(v.DeviceID, v.Entity)
		if !ok {
			return false
		}
		return e.compare(v.Operator, current, v.Value, nil, v.DeviceID, v.Entity)
	default:
		// Malformed conditions fail closed.
		return false
	}
}

func (e *Evaluator) compare(op Operator, current, reference any, rule *Rule, deviceID, entity string) bool {
	ok, err := Compare(op, current, reference)
	if err == nil {
		return ok
	}

	args := []any{
		"device_id", deviceID,
		"entity", entity,
		"operator", string(op),
		"error", err,
	}
	if rule != nil {
		args = append(args, "rule", rule.DisplayName())
	}
	if errors.Is(err, ErrUnknownOperator) {
		e.logger.Warn("unknown operator", args...)
	} else {
		e.logger.Debug("comparison not evaluable", args...)
	}
	return false
}
