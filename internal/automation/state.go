package automation

import "sync"

// StateReader gives evaluators read access to last-known device values.
type StateReader interface {
	// Get returns the cached value of entity on deviceID, or false when
	// nothing (or an explicit null) has been observed.
	Get(deviceID, entity string) (any, bool)
}

// StateCache holds the last known value of every observed device attribute.
//
// Updates merge: keys in the update overwrite, keys absent from the update
// keep their previous value. Entries are never removed.
//
// Thread Safety: all methods are safe for concurrent use.
type StateCache struct {
	devices map[string]map[string]any
	mu      sync.RWMutex
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{devices: make(map[string]map[string]any)}
}

// Update merges partial into the stored state of deviceID, creating the
// entry on first observation. Values are stored as deep copies.
func (c *StateCache) Update(deviceID string, partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.devices[deviceID]
	if !ok {
		current = make(map[string]any, len(partial))
		c.devices[deviceID] = current
	}
	for k, v := range partial {
		current[k] = deepCopyValue(v)
	}
}

// Get implements StateReader.
func (c *StateCache) Get(deviceID, entity string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.devices[deviceID][entity]
	if !ok || v == nil {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Device returns a copy of everything known about deviceID.
func (c *StateCache) Device(deviceID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.devices[deviceID]
	if !ok {
		return nil, false
	}
	return deepCopyMap(state), true
}

// Len returns the number of devices observed so far.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}
