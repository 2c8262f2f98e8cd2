// Package changegroup keeps the table of change groups and runs their
// poll loops. Each running group owns one goroutine that reads its member
// controls through a ControlReader, diffs them against the last known
// values and hands the changes to an EventSink.
package changegroup

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"control-monitor/internal/metrics"
	"control-monitor/internal/model"
)

// Poll interval bounds used when Config leaves them unset.
const (
	DefaultMinInterval = 30 * time.Millisecond
	DefaultMaxInterval = time.Hour
	DefaultReadTimeout = 2 * time.Second
)

// ControlReader reads the current values of a set of controls in one
// batch. Controls missing from the result are treated as unchanged.
type ControlReader interface {
	Read(ctx context.Context, refs []model.ControlReference) (map[model.ControlReference]model.Reading, error)
}

// EventSink receives the events of one tick, ordered by sequence.
type EventSink interface {
	Append(events ...model.ChangeEvent)
}

// HealthReporter receives poll failures. They are always reported as
// KindTransientIO.
type HealthReporter interface {
	ReportKind(kind model.ErrorKind, err error, groupID string) model.ErrorKind
	Recovered()
}

type Config struct {
	Reader  ControlReader
	Sink    EventSink
	Health  HealthReporter
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger

	MinInterval time.Duration
	MaxInterval time.Duration
	ReadTimeout time.Duration

	// OnDestroy is called after a group is destroyed.
	OnDestroy func(groupID string)
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	nextID atomic.Uint64

	mu     sync.Mutex
	groups map[string]*group
	closed bool

	// retired tracks pollers stopped by Isolate, which does not wait for
	// them. Close does.
	retired sync.WaitGroup
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "changegroup"),
		groups: make(map[string]*group),
	}
}

// SetSink installs the event sink. It must be called before any group
// starts polling.
func (r *Registry) SetSink(s EventSink) {
	r.mu.Lock()
	r.cfg.Sink = s
	r.mu.Unlock()
}

func unknownGroup(id string) error {
	return errors.WithType(errors.Errorf("change group %q not found", id), model.ErrUnknownGroup)
}

func (r *Registry) getLocked(id string) (*group, error) {
	g, ok := r.groups[id]
	if !ok {
		return nil, unknownGroup(id)
	}
	return g, nil
}

// Create registers an empty, stopped group.
func (r *Registry) Create(id string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(id) != id {
		return errors.NotValidf("change group id %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry closed")
	}
	if _, ok := r.groups[id]; ok {
		return errors.WithType(errors.Errorf("change group %q already exists", id), model.ErrDuplicateGroup)
	}
	r.groups[id] = newGroup(id)
	r.cfg.Metrics.SetGroups(len(r.groups))
	r.logger.Debug("change group created", "group", id)
	return nil
}

// AddControls validates each reference and adds the valid ones. Invalid
// references are reported in the result and never abort the batch.
// References already in the group are accepted again without effect.
func (r *Registry) AddControls(id string, refs []string) (AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.getLocked(id)
	if err != nil {
		return AddResult{}, err
	}
	res := AddResult{Accepted: []model.ControlReference{}, Rejected: []Rejection{}}
	seen := make(map[model.ControlReference]bool, len(refs))
	for _, raw := range refs {
		ref, err := model.ParseControlReference(raw)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Ref: raw, Reason: err.Error()})
			continue
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		g.controls.Add(string(ref))
		res.Accepted = append(res.Accepted, ref)
	}
	return res, nil
}

// RemoveControls removes refs from the group and forgets their cached
// values, so a later re-add starts from a fresh baseline. It returns how
// many were members.
func (r *Registry) RemoveControls(id string, refs []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.getLocked(id)
	if err != nil {
		return 0, err
	}
	removed := 0
	var gone []model.ControlReference
	for _, raw := range refs {
		if !g.controls.Contains(raw) {
			continue
		}
		g.controls.Remove(raw)
		gone = append(gone, model.ControlReference(raw))
		removed++
	}
	g.lastKnown.Delete(gone...)
	for _, c := range g.cursors {
		c.Delete(gone...)
	}
	return removed, nil
}

// Clear removes every member control. Polling continues with nothing to
// read.
func (r *Registry) Clear(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.getLocked(id)
	if err != nil {
		return err
	}
	for _, c := range g.controls.Values() {
		g.controls.Remove(c)
	}
	g.lastKnown.Clear()
	for caller := range g.cursors {
		delete(g.cursors, caller)
	}
	return nil
}

// Destroy stops the group's poller and removes it. Results of a poll that
// was in flight are discarded. Destroying an unknown or already destroyed
// group fails with ErrUnknownGroup.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	g, err := r.getLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	t := r.stopLocked(g)
	delete(r.groups, id)
	r.cfg.Metrics.SetGroups(len(r.groups))
	r.mu.Unlock()

	wait(t)
	r.cfg.Metrics.GroupRemoved(id)
	if r.cfg.OnDestroy != nil {
		r.cfg.OnDestroy(id)
	}
	r.logger.Debug("change group destroyed", "group", id)
	return nil
}

// Get returns a snapshot of one group.
func (r *Registry) Get(id string) (GroupInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.getLocked(id)
	if err != nil {
		return GroupInfo{}, err
	}
	return g.info(), nil
}

// List returns snapshots of every group ordered by id.
func (r *Registry) List() []GroupInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GroupInfo, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClampInterval converts a poll rate in seconds to an interval within the
// configured bounds. Zero, negative and NaN rates are rejected.
func (r *Registry) ClampInterval(seconds float64) (time.Duration, error) {
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0, errors.WithType(errors.Errorf("poll rate %v must be positive", seconds), model.ErrInvalidPollRate)
	}
	if seconds >= r.cfg.MaxInterval.Seconds() {
		return r.cfg.MaxInterval, nil
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < r.cfg.MinInterval {
		d = r.cfg.MinInterval
	}
	return d, nil
}

// AutoPoll starts polling the group every seconds, or changes the rate of
// a running poller. It returns the interval actually applied. An isolated
// group keeps the new rate but only starts polling once resumed.
func (r *Registry) AutoPoll(id string, seconds float64) (time.Duration, error) {
	d, err := r.ClampInterval(seconds)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	g, err := r.getLocked(id)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	old := r.stopLocked(g)
	g.interval = d
	if !g.isolated {
		r.startLocked(g)
	}
	r.mu.Unlock()

	wait(old)
	r.logger.Debug("auto poll set", "group", id, "interval", d)
	return d, nil
}

// StopPolling stops the group's poller and keeps the group.
func (r *Registry) StopPolling(id string) error {
	r.mu.Lock()
	g, err := r.getLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	t := r.stopLocked(g)
	g.interval = 0
	r.mu.Unlock()
	wait(t)
	return nil
}

// SetPriority sets the group's eviction priority; lower values are evicted
// first.
func (r *Registry) SetPriority(id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.getLocked(id)
	if err != nil {
		return err
	}
	g.priority = priority
	return nil
}

// Priority returns the group's eviction priority, 0 for unknown groups.
func (r *Registry) Priority(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[id]; ok {
		return g.priority
	}
	return 0
}

// Isolate stops the group's poller and drops its cached values. The group
// stays registered. It may be called from the group's own poll, so it
// does not wait for the poller to exit; a result still in flight is
// discarded by the generation check.
func (r *Registry) Isolate(id, reason string) error {
	r.mu.Lock()
	g, err := r.getLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	t := r.stopLocked(g)
	g.isolated = true
	g.reason = reason
	g.lastKnown.Clear()
	r.retireLocked(t)
	r.mu.Unlock()

	r.logger.Warn("change group isolated", "group", id, "reason", reason)
	return nil
}

// Resume lifts an isolation and restarts polling at the previous rate. The
// next poll is a fresh baseline.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if !g.isolated {
		return nil
	}
	g.isolated = false
	g.reason = ""
	if g.interval > 0 && g.tomb == nil {
		r.startLocked(g)
	}
	r.logger.Info("change group resumed", "group", id)
	return nil
}

// Close stops every poller and waits for them. Groups stay listed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var tombs []*tomb.Tomb
	for _, g := range r.groups {
		if t := r.stopLocked(g); t != nil {
			tombs = append(tombs, t)
		}
	}
	r.mu.Unlock()
	for _, t := range tombs {
		wait(t)
	}
	r.retired.Wait()
}

func (r *Registry) startLocked(g *group) {
	if r.closed {
		return
	}
	g.gen++
	t := &tomb.Tomb{}
	g.tomb = t
	gen, interval := g.gen, g.interval
	t.Go(func() error {
		return r.loop(t, g, gen, interval)
	})
}

// stopLocked invalidates the current generation and kills the poller. The
// caller waits on the returned tomb after releasing the lock.
func (r *Registry) stopLocked(g *group) *tomb.Tomb {
	g.gen++
	t := g.tomb
	g.tomb = nil
	if t != nil {
		t.Kill(nil)
	}
	return t
}

// retireLocked waits for t in the background. Adding under the lock
// orders it before the Wait in Close.
func (r *Registry) retireLocked(t *tomb.Tomb) {
	if t == nil {
		return
	}
	r.retired.Add(1)
	go func() {
		defer r.retired.Done()
		wait(t)
	}()
}

func wait(t *tomb.Tomb) {
	if t != nil {
		_ = t.Wait()
	}
}
