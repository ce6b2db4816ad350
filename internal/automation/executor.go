package automation

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxDepth is the nesting limit for if/choose actions when none is
// configured.
const DefaultMaxDepth = 16

// Publisher is the outbound command sink. The engine does not know how a
// command reaches the device.
type Publisher interface {
	// Publish sends command (entity -> value) to deviceID. It must not wait
	// for the device to acknowledge.
	Publish(ctx context.Context, deviceID string, command map[string]any) error
}

// RunResult summarises one pass through an action sequence.
type RunResult struct {
	// CommandsSent counts device actions the publisher accepted.
	CommandsSent int
	// Stopped is set when a condition action cut the sequence short.
	Stopped bool
}

// Executor interprets action sequences.
//
// Actions run strictly in order. A delay suspends only the calling
// goroutine. A failing condition action ends the whole sequence, including
// whatever follows the enclosing if/choose blocks. Publish errors are
// logged and the sequence carries on.
type Executor struct {
	publisher Publisher
	states    StateReader
	evaluator *Evaluator
	maxDepth  int
	logger    Logger
}

// NewExecutor creates an Executor.
//
// Parameters:
//   - publisher: command sink for device actions
//   - states: read access for condition, if and choose actions
//   - evaluator: condition evaluator (nil creates one with logger)
//   - maxDepth: nesting limit for if/choose; <= 0 uses DefaultMaxDepth
//   - logger: Logger instance (nil discards)
func NewExecutor(publisher Publisher, states StateReader, evaluator *Evaluator, maxDepth int, logger Logger) *Executor {
	if logger == nil {
		logger = noopLogger{}
	}
	if evaluator == nil {
		evaluator = NewEvaluator(logger)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Executor{
		publisher: publisher,
		states:    states,
		evaluator: evaluator,
		maxDepth:  maxDepth,
		logger:    logger,
	}
}

// Run executes actions in order.
//
// Returns:
//   - RunResult: commands sent and whether a condition stopped the sequence
//   - error: ErrMaxDepthExceeded when nesting is too deep, or the context
//     error when ctx ends during a delay
func (x *Executor) Run(ctx context.Context, actions []Action) (RunResult, error) {
	var res RunResult
	err := x.run(ctx, actions, 0, &res)
	return res, err
}

func (x *Executor) run(ctx context.Context, actions []Action, depth int, res *RunResult) error { //nolint:gocognit // one case per action kind
	if depth > x.maxDepth {
		return fmt.Errorf("%w: limit %d", ErrMaxDepthExceeded, x.maxDepth)
	}

	for i, action := range actions {
		switch a := action.(type) {
		case DeviceAction:
			x.publish(ctx, a, res)

		case DelayAction:
			if err := sleep(ctx, a.Duration()); err != nil {
				return fmt.Errorf("delay at action %d: %w", i, err)
			}

		case ConditionAction:
			if !x.evaluator.AllConditionsPass(a.Conditions, x.states) {
				x.logger.Debug("condition action failed, stopping sequence", "index", i)
				res.Stopped = true
				return nil
			}

		case IfAction:
			branch := a.Else
			if x.evaluator.AllConditionsPass(a.Conditions, x.states) {
				branch = a.Then
			}
			if err := x.run(ctx, branch, depth+1, res); err != nil {
				return err
			}

		case ChooseAction:
			branch := a.Default
			for _, choice := range a.Choices {
				if x.evaluator.AllConditionsPass(choice.Conditions, x.states) {
					branch = choice.Sequence
					break
				}
			}
			if err := x.run(ctx, branch, depth+1, res); err != nil {
				return err
			}

		case InvalidAction:
			x.logger.Warn("skipping invalid action", "index", i, "type", a.Type, "error", a.Err)

		default:
			x.logger.Warn("skipping unsupported action", "index", i, "type", fmt.Sprintf("%T", action))
		}

		if res.Stopped {
			return nil
		}
	}
	return nil
}

func (x *Executor) publish(ctx context.Context, a DeviceAction, res *RunResult) {
	if x.publisher == nil {
		x.logger.Error("no publisher for device action", "device_id", a.DeviceID)
		return
	}
	if err := x.publisher.Publish(ctx, a.DeviceID, a.Command()); err != nil {
		x.logger.Error("failed to publish device command",
			"device_id", a.DeviceID,
			"entity", a.Entity,
			"error", err,
		)
		return
	}
	res.CommandsSent++
	x.logger.Debug("device command published", "device_id", a.DeviceID, "entity", a.Entity)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
