package automation

import (
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry and Engine.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry holds the active rule set and the running-set of rule keys whose
// action sequence is in flight.
//
// The rule set is replaced wholesale and never mutated in place, so the
// slice returned by Active can be read without holding the lock.
//
// All public methods are thread-safe.
type Registry struct {
	rules   []*Rule
	running map[string]struct{}
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		running: make(map[string]struct{}),
	}
}

// Replace installs the enabled subset of rules, preserving order. Rules are
// deep-copied so later changes by the caller have no effect. Returns the
// number of rules installed.
func (r *Registry) Replace(rules []Rule) int {
	active := make([]*Rule, 0, len(rules))
	for i := range rules {
		if rules[i].Enabled {
			active = append(active, rules[i].DeepCopy())
		}
	}

	r.mu.Lock()
	r.rules = active
	r.mu.Unlock()
	return len(active)
}

// Active returns the current rule set. Callers must not modify the rules.
func (r *Registry) Active() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// Rules returns deep copies of the active rules in load order.
func (r *Registry) Rules() []Rule {
	active := r.Active()
	out := make([]Rule, 0, len(active))
	for _, rule := range active {
		out = append(out, *rule.DeepCopy())
	}
	return out
}

// Len returns the number of active rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// IsRunning reports whether key has a sequence in flight.
func (r *Registry) IsRunning(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.running[key]
	return ok
}

// Acquire marks key as running. It returns false, changing nothing, when
// key is already running.
func (r *Registry) Acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[key]; ok {
		return false
	}
	r.running[key] = struct{}{}
	return true
}

// Release clears the running mark for key.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	delete(r.running, key)
	r.mu.Unlock()
}

// Running returns the sorted keys of rules with a sequence in flight.
func (r *Registry) Running() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.running))
	for k := range r.running {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// RunningCount returns the number of rules with a sequence in flight.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}
