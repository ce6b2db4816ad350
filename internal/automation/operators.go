package automation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator is a comparison symbol shared by state triggers and conditions.
type Operator string

// Supported comparison operators.
const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// AllOperators returns every operator in the registry.
func AllOperators() []Operator {
	return []Operator{
		OpEqual,
		OpNotEqual,
		OpGreater,
		OpLess,
		OpGreaterEqual,
		OpLessEqual,
	}
}

// Pre-computed lookup for operator validation.
var validOperators map[Operator]struct{}

func init() {
	validOperators = make(map[Operator]struct{}, len(AllOperators()))
	for _, op := range AllOperators() {
		validOperators[op] = struct{}{}
	}
}

// Valid reports whether the operator is in the registry.
func (o Operator) Valid() bool {
	_, ok := validOperators[o]
	return ok
}

// IsNumeric reports whether the operator coerces both operands to float64.
func (o Operator) IsNumeric() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return true
	default:
		return false
	}
}

// Evaluate applies op to current and reference. Unknown operators and
// operands that cannot be coerced for a numeric operator evaluate to false.
func Evaluate(op Operator, current, reference any) bool {
	ok, err := Compare(op, current, reference)
	return err == nil && ok
}

// Compare is Evaluate with the reason for a non-match exposed.
//
// Returns:
//   - ErrUnknownOperator if op is not in the registry
//   - ErrNotNumeric if a numeric operator cannot coerce either operand
func Compare(op Operator, current, reference any) (bool, error) {
	switch op {
	case OpEqual:
		return valuesEqual(current, reference), nil
	case OpNotEqual:
		return !valuesEqual(current, reference), nil
	}

	if !op.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}

	a, err := toFloat(current)
	if err != nil {
		return false, err
	}
	b, err := toFloat(reference)
	if err != nil {
		return false, err
	}

	switch op {
	case OpGreater:
		return a > b, nil
	case OpLess:
		return a < b, nil
	case OpGreaterEqual:
		return a >= b, nil
	default:
		return a <= b, nil
	}
}

// valuesEqual compares two decoded payload values. Numbers compare by
// value regardless of their Go type, so 35 == 35.0; everything else must
// match exactly, so "35" != 35.
func valuesEqual(a, b any) bool {
	fa, aNum := numberValue(a)
	fb, bNum := numberValue(b)
	if aNum && bNum {
		return fa == fb
	}
	if aNum != bNum {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// numberValue returns v as float64 when v is a real number type.
// Strings and booleans are not numbers for equality purposes.
func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toFloat coerces a payload value for the numeric operators. Numeric
// strings (surrounding whitespace allowed) and booleans convert; anything
// else is ErrNotNumeric.
func toFloat(v any) (float64, error) {
	if f, ok := numberValue(v); ok {
		return f, nil
	}
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, val)
		}
		return f, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, fmt.Errorf("%w: null", ErrNotNumeric)
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
}
