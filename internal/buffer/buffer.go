// Package buffer holds change events that have been emitted by the poll
// engine but not yet persisted.
package buffer

import (
	"sort"
	"sync"

	"control-monitor/internal/model"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// EventBuffer is a bounded FIFO of change events. Appends never block:
// when the buffer is full the oldest events are dropped and counted.
type EventBuffer struct {
	mu       sync.Mutex
	ring     []model.ChangeEvent
	head     int
	size     int
	overflow uint64
	dirty    bool
}

// New creates a buffer holding at most capacity events.
func New(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &EventBuffer{ring: make([]model.ChangeEvent, capacity)}
}

// Append adds events in order and returns how many old events were dropped
// to make room.
func (b *EventBuffer) Append(events ...model.ChangeEvent) int {
	if len(events) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	capacity := len(b.ring)
	for _, e := range events {
		if b.size == capacity {
			b.ring[b.head] = model.ChangeEvent{}
			b.head = (b.head + 1) % capacity
			b.size--
			dropped++
		}
		b.ring[(b.head+b.size)%capacity] = e
		b.size++
	}
	b.overflow += uint64(dropped)
	b.dirty = true
	return dropped
}

// Drain removes and returns every buffered event, oldest first.
func (b *EventBuffer) Drain() []model.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.itemsLocked()
	b.resetLocked()
	return out
}

// Requeue puts a batch that failed to persist back at the head of the
// buffer, ahead of anything appended since it was drained. If the result
// exceeds capacity the oldest events are dropped and counted as overflow.
func (b *EventBuffer) Requeue(batch []model.ChangeEvent) int {
	if len(batch) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]model.ChangeEvent, 0, len(batch)+b.size)
	merged = append(merged, batch...)
	merged = append(merged, b.itemsLocked()...)
	dropped := 0
	if over := len(merged) - len(b.ring); over > 0 {
		merged = merged[over:]
		dropped = over
	}
	b.overflow += uint64(dropped)
	b.loadLocked(merged)
	return dropped
}

// DropGroup removes every buffered event of the given group.
func (b *EventBuffer) DropGroup(groupID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.itemsLocked()
	kept := items[:0]
	for _, e := range items {
		if e.GroupID != groupID {
			kept = append(kept, e)
		}
	}
	removed := len(items) - len(kept)
	if removed > 0 {
		b.loadLocked(kept)
	}
	return removed
}

// Eviction reports the outcome of an emergency eviction.
type Eviction struct {
	Before  int            `json:"before"`
	Removed int            `json:"removed"`
	ByGroup map[string]int `json:"by_group"`
}

// Evict discards fraction of the buffered events to relieve memory pressure.
// Groups are drained lowest priority first; each group keeps its newest
// event as a representative until every group is down to one, and only
// then are representatives removed, again lowest priority first. Within a
// group the oldest events go first. Ties in priority break on group id.
func (b *EventBuffer) Evict(fraction float64, priority func(groupID string) int) Eviction {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.itemsLocked()
	res := Eviction{Before: len(items), ByGroup: map[string]int{}}
	target := int(float64(len(items)) * fraction)
	if target <= 0 {
		return res
	}
	if priority == nil {
		priority = func(string) int { return 0 }
	}

	positions := map[string][]int{}
	var groups []string
	for i, e := range items {
		if _, ok := positions[e.GroupID]; !ok {
			groups = append(groups, e.GroupID)
		}
		positions[e.GroupID] = append(positions[e.GroupID], i)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		pi, pj := priority(groups[i]), priority(groups[j])
		if pi != pj {
			return pi < pj
		}
		return groups[i] < groups[j]
	})

	remove := make([]bool, len(items))
	removed := 0
	take := func(g string, keep int) {
		idx := positions[g]
		for len(idx) > keep && removed < target {
			remove[idx[0]] = true
			idx = idx[1:]
			res.ByGroup[g]++
			removed++
		}
		positions[g] = idx
	}
	for _, g := range groups {
		take(g, 1)
	}
	for _, g := range groups {
		take(g, 0)
	}

	kept := make([]model.ChangeEvent, 0, len(items)-removed)
	for i, e := range items {
		if !remove[i] {
			kept = append(kept, e)
		}
	}
	b.loadLocked(kept)
	res.Removed = removed
	return res
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the configured capacity.
func (b *EventBuffer) Cap() int { return len(b.ring) }

// Overflow returns the total number of events dropped because the buffer
// was full.
func (b *EventBuffer) Overflow() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// Dirty reports whether events were appended since the last drain.
func (b *EventBuffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Utilization returns Len/Cap in [0, 1].
func (b *EventBuffer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.size) / float64(len(b.ring))
}

// Snapshot returns a copy of the buffered events without removing them.
func (b *EventBuffer) Snapshot() []model.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.itemsLocked()
}

func (b *EventBuffer) itemsLocked() []model.ChangeEvent {
	out := make([]model.ChangeEvent, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

func (b *EventBuffer) resetLocked() {
	clear(b.ring)
	b.head = 0
	b.size = 0
	b.dirty = false
}

func (b *EventBuffer) loadLocked(items []model.ChangeEvent) {
	b.resetLocked()
	n := copy(b.ring, items)
	b.size = n
	b.dirty = n > 0
}
