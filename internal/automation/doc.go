// Package automation provides the rule engine for the hub agent.
//
// A rule fires when any of its triggers matches (a device update or the
// wall clock), all of its conditions hold against the last known device
// state, and no earlier run of the same rule is still in flight. Its
// actions then run in their own goroutine: device commands, delays and the
// condition/if/choose control-flow blocks.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────┐
//	│                  Engine (engine.go)                     │
//	│  ┌──────────────┐  ┌──────────────┐  ┌──────────────┐   │
//	│  │   Registry   │  │  StateCache  │  │  Snapshotter │   │
//	│  │ rules+running│  │  (state.go)  │  │ (snapshot.go)│   │
//	│  └──────────────┘  └──────────────┘  └──────────────┘   │
//	│                                                         │
//	│  Ingest ──┐                                             │
//	│           ├─▶ Evaluator ─▶ Acquire ─▶ go Executor.Run   │
//	│  Tick ────┘  (evaluator.go)           (executor.go)     │
//	│   ▲                                        │            │
//	│   │                                        ▼            │
//	│  Scheduler (scheduler.go)          Publisher, Recorders │
//	└─────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Rule: triggers (OR), conditions (AND) and an action sequence
//   - Trigger, Condition, Action: closed sets of tagged variants; malformed
//     fragments decode to Invalid* variants instead of failing the rule
//   - Engine: dispatch, cooldown and run bookkeeping
//   - Scheduler: per-second tick aligned to the wall clock
//   - SnapshotStore: JSON file of the active rules for offline start
//   - SQLiteRunRepository: history of rule runs
//
// # Thread Safety
//
// Engine, Registry, StateCache and Scheduler are safe for concurrent use.
// Rules handed to the engine are copied; rules returned are copies.
//
// # Usage
//
//	engine, err := automation.NewEngine(automation.EngineOptions{
//	    Publisher: bridge,
//	    Snapshot:  automation.NewSnapshotStore("data/automations.json"),
//	    Logger:    log,
//	})
//	if err != nil {
//	    return err
//	}
//	if !engine.LoadFromSnapshot() {
//	    log.Info("starting with no rules")
//	}
//
//	sched := automation.NewScheduler(engine, time.Local, log)
//	if err := sched.Start(); err != nil {
//	    return err
//	}
//	defer sched.Stop()
//
//	engine.Ingest("0x00158d0001a2b3c4", map[string]any{"temperature": 31.5})
package automation
