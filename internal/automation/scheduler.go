package automation

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// everySecond fires on each wall-clock second boundary.
const everySecond = "* * * * * *"

// Ticker is the target of the per-second scheduler.
type Ticker interface {
	Tick(now time.Time)
}

// Scheduler drives time triggers by calling Tick once per second.
//
// Wakes are aligned to second boundaries by computing each next activation
// from the clock, so they do not drift. A panicking Tick is logged and the
// scheduler keeps running; a Tick that overruns its second causes the next
// one to be skipped rather than stacked.
type Scheduler struct {
	target Ticker
	cron   *cron.Cron
	logger Logger

	mu      sync.Mutex
	started bool
}

// NewScheduler creates a scheduler for target in loc (nil means time.Local).
func NewScheduler(target Ticker, loc *time.Location, logger Logger) *Scheduler {
	if logger == nil {
		logger = noopLogger{}
	}
	if loc == nil {
		loc = time.Local
	}

	adapter := cronLogger{logger: logger}
	return &Scheduler{
		target: target,
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(
				cron.Recover(adapter),
				cron.SkipIfStillRunning(adapter),
			),
		),
	}
}

// Start begins ticking. Calling Start twice is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if _, err := s.cron.AddFunc(everySecond, s.tick); err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("time trigger scheduler started")
	return nil
}

// Stop halts ticking and waits for a running Tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info("time trigger scheduler stopped")
}

func (s *Scheduler) tick() {
	s.target.Tick(time.Now())
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("scheduler: "+msg, append(keysAndValues, "error", err)...)
}
