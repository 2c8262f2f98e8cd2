package changegroup

import (
	"sync/atomic"
	"time"

	"github.com/juju/collections/set"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"control-monitor/internal/model"
	"control-monitor/internal/utils"
)

// group is a change group's state. Fields without atomics are guarded by
// the registry mutex.
type group struct {
	id        string
	controls  set.Strings
	interval  time.Duration
	priority  int
	isolated  bool
	reason    string
	gen       uint64
	tomb      *tomb.Tomb
	lastKnown *utils.ValueCache
	cursors   map[string]*utils.ValueCache

	inFlight atomic.Bool
	errors   atomic.Int64
	skipped  atomic.Int64
	polls    atomic.Int64

	logSometimes rate.Sometimes
}

func newGroup(id string) *group {
	return &group{
		id:           id,
		controls:     set.NewStrings(),
		lastKnown:    utils.NewValueCache(0),
		cursors:      make(map[string]*utils.ValueCache),
		logSometimes: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// refs returns the members in sorted order; the order defines the
// sequence numbers of events emitted by one tick.
func (g *group) refs() []model.ControlReference {
	names := g.controls.SortedValues()
	out := make([]model.ControlReference, len(names))
	for i, n := range names {
		out[i] = model.ControlReference(n)
	}
	return out
}

func (g *group) info() GroupInfo {
	controls := g.controls.SortedValues()
	if controls == nil {
		controls = []string{}
	}
	return GroupInfo{
		ID:              g.id,
		Controls:        controls,
		ControlCount:    len(controls),
		PollInterval:    g.interval,
		PollRate:        g.interval.Seconds(),
		Running:         g.tomb != nil,
		Isolated:        g.isolated,
		IsolationReason: g.reason,
		Priority:        g.priority,
		ErrorCount:      g.errors.Load(),
		SkippedTicks:    g.skipped.Load(),
		Polls:           g.polls.Load(),
	}
}

// GroupInfo is a value snapshot of a change group. It shares nothing with
// the registry.
type GroupInfo struct {
	ID              string        `json:"id"`
	Controls        []string      `json:"controls"`
	ControlCount    int           `json:"control_count"`
	PollInterval    time.Duration `json:"-"`
	PollRate        float64       `json:"poll_rate"`
	Running         bool          `json:"running"`
	Isolated        bool          `json:"isolated"`
	IsolationReason string        `json:"isolation_reason,omitempty"`
	Priority        int           `json:"priority"`
	ErrorCount      int64         `json:"error_count"`
	SkippedTicks    int64         `json:"skipped_ticks"`
	Polls           int64         `json:"polls"`
}

// Rejection explains why a control reference was not added.
type Rejection struct {
	Ref    string `json:"name"`
	Reason string `json:"reason"`
}

// AddResult reports the outcome of AddControls per item.
type AddResult struct {
	Accepted []model.ControlReference `json:"accepted"`
	Rejected []Rejection              `json:"rejected"`
}
