package automation

import "errors"

// Domain errors for the automation package.
//
// None of these reach the user as a failure: decode errors are attached to
// the offending fragment, evaluation errors read as "did not match", and
// sequence errors are logged against the rule. They exist so callers and
// tests can tell the cases apart with errors.Is():
//
//	if errors.Is(err, automation.ErrSnapshotNotFound) {
//	    // first boot, nothing cached yet
//	}
var (
	// ErrInvalidRule is returned when a rule payload is not an object.
	ErrInvalidRule = errors.New("automation: invalid rule")

	// ErrInvalidTrigger is attached to a trigger missing required fields.
	ErrInvalidTrigger = errors.New("automation: invalid trigger")

	// ErrInvalidCondition is attached to a condition missing required fields.
	ErrInvalidCondition = errors.New("automation: invalid condition")

	// ErrInvalidAction is attached to an action missing required fields.
	ErrInvalidAction = errors.New("automation: invalid action")

	// ErrUnknownType is attached to a fragment whose type tag is not recognised.
	ErrUnknownType = errors.New("automation: unknown type")

	// ErrUnknownOperator is returned for a comparison symbol outside the registry.
	ErrUnknownOperator = errors.New("automation: unknown operator")

	// ErrNotNumeric is returned when a numeric operator cannot coerce an operand.
	ErrNotNumeric = errors.New("automation: value is not numeric")

	// ErrMaxDepthExceeded is returned when nested control-flow actions exceed
	// the configured nesting limit.
	ErrMaxDepthExceeded = errors.New("automation: maximum action nesting depth exceeded")

	// ErrNoPublisher is returned by NewEngine when no command sink is provided.
	ErrNoPublisher = errors.New("automation: command publisher is required")

	// ErrSnapshotNotFound is returned when no snapshot file exists yet.
	ErrSnapshotNotFound = errors.New("automation: snapshot not found")

	// ErrSnapshotCorrupt is returned when the snapshot file cannot be parsed.
	ErrSnapshotCorrupt = errors.New("automation: snapshot corrupt")

	// ErrRunNotFound is returned when a run ID does not exist in history.
	ErrRunNotFound = errors.New("automation: run not found")
)
