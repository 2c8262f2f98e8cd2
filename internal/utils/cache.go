package utils

import (
	"sync"

	"control-monitor/internal/model"
)

// ValueCache holds the last known value of each control. It is the diff
// baseline for change detection, both for a group's auto-poll and for each
// manual-poll caller cursor.
type ValueCache struct {
	mu   sync.Mutex
	data map[model.ControlReference]model.Value
}

// NewValueCache creates an empty cache sized for n controls.
func NewValueCache(n int) *ValueCache {
	if n <= 0 {
		n = 16
	}
	return &ValueCache{data: make(map[model.ControlReference]model.Value, n)}
}

// Changed stores v under ref and reports whether it differs from what was
// cached before. An absent entry always counts as a change.
func (c *ValueCache) Changed(ref model.ControlReference, v model.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.data[ref]
	if ok && old.Equal(v) {
		return false
	}
	c.data[ref] = v
	return true
}

// Delete forgets ref.
func (c *ValueCache) Delete(refs ...model.ControlReference) {
	c.mu.Lock()
	for _, ref := range refs {
		delete(c.data, ref)
	}
	c.mu.Unlock()
}

// Clear forgets every entry, so the next comparison is a fresh baseline.
func (c *ValueCache) Clear() {
	c.mu.Lock()
	c.data = make(map[model.ControlReference]model.Value, len(c.data))
	c.mu.Unlock()
}
