package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// recordTimeout bounds each call to a RunRecorder.
const recordTimeout = 5 * time.Second

// EngineOptions configures a rule engine.
type EngineOptions struct {
	// Publisher receives every device command. Required.
	Publisher Publisher

	// Snapshot persists the rule set on Load. Optional.
	Snapshot Snapshotter

	// Recorders receive run start and finish events. Optional.
	Recorders []RunRecorder

	// Location is the zone time triggers are evaluated in. Defaults to time.Local.
	Location *time.Location

	// MaxDepth limits if/choose nesting. Defaults to DefaultMaxDepth.
	MaxDepth int

	Logger Logger
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Rules     int    `json:"rules"`
	Running   int    `json:"running"`
	Devices   int    `json:"devices"`
	Fired     uint64 `json:"fired"`
	BusySkips uint64 `json:"busy_skips"` // evaluations skipped because the rule was running
	Failed    uint64 `json:"failed"`
}

// Engine owns the rule set, the device state cache and the running-set.
//
// Two dispatch paths feed it: Ingest for device updates and Tick for the
// wall clock. Both skip rules whose sequence is still in flight, then test
// triggers and conditions, then hand the actions to their own goroutine.
// A rule never runs concurrently with itself; matches that arrive while it
// runs are dropped, not queued.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	registry  *Registry
	states    *StateCache
	evaluator *Evaluator
	executor  *Executor
	snapshot  Snapshotter
	recorders []RunRecorder
	location  *time.Location
	logger    Logger

	// ctx is cancelled only by Close, ending in-flight delays.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup

	fired     atomic.Uint64
	busySkips atomic.Uint64
	failed    atomic.Uint64
}

// NewEngine creates a rule engine with an empty rule set.
//
// Returns:
//   - *Engine: ready to Load rules and Ingest updates
//   - error: ErrNoPublisher if opts.Publisher is nil
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Publisher == nil {
		return nil, ErrNoPublisher
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	states := NewStateCache()
	evaluator := NewEvaluator(logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		registry:  NewRegistry(),
		states:    states,
		evaluator: evaluator,
		executor:  NewExecutor(opts.Publisher, states, evaluator, opts.MaxDepth, logger),
		snapshot:  opts.Snapshot,
		recorders: opts.Recorders,
		location:  loc,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Load replaces the active rule set with the enabled subset of rules,
// keeping their order, and writes the snapshot. Fragment problems are
// logged; they never prevent a load.
func (e *Engine) Load(rules []Rule) {
	for i := range rules {
		if !rules[i].Enabled {
			continue
		}
		for _, issue := range rules[i].Issues() {
			e.logger.Warn("rule has invalid fragment",
				"rule", issue.Rule,
				"path", issue.Path,
				"error", issue.Err,
			)
		}
	}

	n := e.registry.Replace(rules)
	e.logger.Info("rules loaded", "enabled", n, "total", len(rules))

	if e.snapshot == nil {
		return
	}
	if err := e.snapshot.Save(e.registry.Rules()); err != nil {
		e.logger.Error("failed to save rule snapshot", "error", err)
		return
	}
	e.logger.Debug("rule snapshot saved", "rules", n)
}

// LoadFromSnapshot restores the rule set from the snapshot. It reports
// whether a snapshot existed and parsed; on failure the current rule set
// is kept.
func (e *Engine) LoadFromSnapshot() bool {
	if e.snapshot == nil {
		return false
	}

	rules, err := e.snapshot.Load()
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			e.logger.Info("no rule snapshot found")
		} else {
			e.logger.Error("failed to load rule snapshot", "error", err)
		}
		return false
	}

	n := e.registry.Replace(rules)
	e.logger.Info("rules loaded from snapshot", "enabled", n, "total", len(rules))
	return true
}

// Ingest merges a device update into the state cache and fires every idle
// rule whose triggers match the update and whose conditions pass.
func (e *Engine) Ingest(deviceID string, partial map[string]any) {
	e.states.Update(deviceID, partial)

	for _, rule := range e.registry.Active() {
		if e.registry.IsRunning(rule.Key()) {
			e.busySkips.Add(1)
			continue
		}
		if !e.evaluator.MatchesStateChange(rule, deviceID, partial) {
			continue
		}
		if !e.evaluator.AllConditionsPass(rule.Conditions, e.states) {
			e.logger.Debug("rule triggered but conditions not met", "rule", rule.DisplayName())
			continue
		}
		e.schedule(rule, SourceState)
	}
}

// Tick evaluates time triggers against now, converted to the engine's
// location. The scheduler calls it once per wall-clock second.
func (e *Engine) Tick(now time.Time) {
	now = now.In(e.location)

	for _, rule := range e.registry.Active() {
		if e.registry.IsRunning(rule.Key()) {
			e.busySkips.Add(1)
			continue
		}
		if !e.evaluator.MatchesTime(rule, now) {
			continue
		}
		if !e.evaluator.AllConditionsPass(rule.Conditions, e.states) {
			e.logger.Debug("rule triggered but conditions not met", "rule", rule.DisplayName())
			continue
		}
		e.schedule(rule, SourceTime)
	}
}

// schedule claims the rule's running slot and starts its sequence.
func (e *Engine) schedule(rule *Rule, source TriggerSource) {
	key := rule.Key()
	if !e.registry.Acquire(key) {
		e.busySkips.Add(1)
		e.logger.Debug("rule busy, trigger dropped", "rule", rule.DisplayName())
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.registry.Release(key)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.fired.Add(1)
	e.logger.Info("rule fired", "rule", rule.DisplayName(), "source", string(source))

	go e.runRule(rule, source)
}

// runRule executes one rule's actions. The running slot is released
// whatever the outcome, including a panic.
func (e *Engine) runRule(rule *Rule, source TriggerSource) {
	key := rule.Key()
	defer e.wg.Done()
	defer e.registry.Release(key)

	run := &Run{
		ID:            GenerateID(),
		RuleKey:       key,
		RuleName:      rule.Name,
		TriggerSource: source,
		StartedAt:     time.Now().UTC(),
		Status:        RunRunning,
	}
	e.record(run, RunRecorder.RunStarted)

	res, err := e.execute(rule)

	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	run.CommandsSent = res.CommandsSent

	switch {
	case err != nil:
		e.failed.Add(1)
		msg := err.Error()
		run.Error = &msg
		run.Status = RunFailed
		e.logger.Error("rule sequence failed",
			"rule", rule.DisplayName(),
			"run_id", run.ID,
			"error", err,
		)
	case res.Stopped:
		run.Status = RunStopped
	default:
		run.Status = RunCompleted
	}

	if run.Status != RunFailed {
		e.logger.Info("rule sequence finished",
			"rule", rule.DisplayName(),
			"run_id", run.ID,
			"status", string(run.Status),
			"commands", res.CommandsSent,
			"duration_ms", run.Duration().Milliseconds(),
		)
	}

	e.record(run, RunRecorder.RunFinished)
}

// execute runs the rule's actions, turning a panic into an error.
func (e *Engine) execute(rule *Rule) (res RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.executor.Run(e.ctx, rule.Actions)
}

func (e *Engine) record(run *Run, fn func(RunRecorder, context.Context, *Run) error) {
	for _, rec := range e.recorders {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := fn(rec, ctx, run); err != nil {
			e.logger.Warn("failed to record rule run", "run_id", run.ID, "error", err)
		}
		cancel()
	}
}

// Rules returns copies of the active rules in load order.
func (e *Engine) Rules() []Rule {
	return e.registry.Rules()
}

// Running returns the keys of rules whose sequence is in flight.
func (e *Engine) Running() []string {
	return e.registry.Running()
}

// DeviceState returns the cached state of one device.
func (e *Engine) DeviceState(deviceID string) (map[string]any, bool) {
	return e.states.Device(deviceID)
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Rules:     e.registry.Len(),
		Running:   e.registry.RunningCount(),
		Devices:   e.states.Len(),
		Fired:     e.fired.Load(),
		BusySkips: e.busySkips.Load(),
		Failed:    e.failed.Load(),
	}
}

// Wait blocks until every in-flight sequence has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops new sequences from starting, cancels pending delays and waits
// for in-flight sequences to return, or for ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for rule sequences: %w", ctx.Err())
	}
}
