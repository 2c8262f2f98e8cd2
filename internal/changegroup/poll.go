package changegroup

import (
	"context"
	"time"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"control-monitor/internal/model"
	"control-monitor/internal/utils"
)

// loop fires a tick immediately and then every interval until the tomb
// dies. A tick that finds the previous poll still in flight is skipped.
func (r *Registry) loop(t *tomb.Tomb, g *group, gen uint64, interval time.Duration) error {
	ctx := t.Context(nil)
	r.tick(t, ctx, g, gen)
	for {
		select {
		case <-t.Dying():
			return nil
		case <-r.cfg.Clock.After(interval):
			r.tick(t, ctx, g, gen)
		}
	}
}

func (r *Registry) tick(t *tomb.Tomb, ctx context.Context, g *group, gen uint64) {
	if !g.inFlight.CompareAndSwap(false, true) {
		g.skipped.Add(1)
		r.cfg.Metrics.TickSkipped(g.id)
		return
	}
	t.Go(func() error {
		defer g.inFlight.Store(false)
		r.poll(ctx, g, gen)
		return nil
	})
}

// current reports whether gen is still the group's generation and, if so,
// returns its members.
func (r *Registry) current(g *group, gen uint64) ([]model.ControlReference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.gen != gen {
		return nil, false
	}
	return g.refs(), true
}

func (r *Registry) poll(ctx context.Context, g *group, gen uint64) {
	refs, ok := r.current(g, gen)
	if !ok || len(refs) == 0 {
		return
	}
	readings, err := r.read(ctx, refs)
	if err != nil {
		r.pollFailed(g, gen, err)
		return
	}
	at := r.cfg.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if g.gen != gen {
		// Destroyed, isolated or re-rated while the read was in flight.
		return
	}
	g.polls.Add(1)
	r.cfg.Metrics.Polled(g.id)
	events := r.diff(g, refs, readings, at)
	if len(events) > 0 && r.cfg.Sink != nil {
		// Appending under the lock orders it before any Destroy.
		r.cfg.Sink.Append(events...)
	}
	r.cfg.Metrics.Emitted(g.id, len(events))
	if r.cfg.Health != nil {
		r.cfg.Health.Recovered()
	}
}

// read bounds the remote read by the configured timeout. A read that runs
// out of time is reported as ErrTransportTimeout.
func (r *Registry) read(ctx context.Context, refs []model.ControlReference) (map[model.ControlReference]model.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()
	readings, err := r.cfg.Reader.Read(ctx, refs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.WithType(errors.Annotatef(err, "read %d controls", len(refs)), model.ErrTransportTimeout)
		}
		return nil, errors.Annotatef(err, "read %d controls", len(refs))
	}
	return readings, nil
}

func (r *Registry) pollFailed(g *group, gen uint64, err error) {
	r.mu.Lock()
	stale := g.gen != gen
	r.mu.Unlock()
	if stale {
		return
	}
	g.errors.Add(1)
	r.cfg.Metrics.PollFailed(g.id)
	g.logSometimes.Do(func() {
		r.logger.Warn("poll failed", "group", g.id, "err", err, "errors", g.errors.Load())
	})
	if r.cfg.Health != nil {
		r.cfg.Health.ReportKind(model.KindTransientIO, err, g.id)
	}
}

// diff compares readings with the group's last known values and builds the
// events of one tick. All events share at; sequence follows refs order.
func (r *Registry) diff(g *group, refs []model.ControlReference, readings map[model.ControlReference]model.Reading, at time.Time) []model.ChangeEvent {
	var events []model.ChangeEvent
	ts := at.UnixMilli()
	for _, ref := range refs {
		reading, ok := readings[ref]
		if !ok {
			continue
		}
		v, err := model.NormalizeValue(reading.Raw)
		if err != nil {
			r.logger.Debug("unusable control value", "group", g.id, "control", ref, "err", err)
			continue
		}
		if !g.lastKnown.Changed(ref, v) {
			continue
		}
		events = append(events, model.ChangeEvent{
			ID:        r.nextID.Add(1),
			GroupID:   g.id,
			Control:   ref,
			Component: ref.Component(),
			Value:     v,
			String:    reading.String,
			Timestamp: ts,
			Sequence:  len(events),
		})
	}
	return events
}

// Poll reads the group's controls on behalf of caller and returns what
// changed since that caller's previous manual poll, or every current value
// when all is set. Manual polls keep their own cursor per caller and never
// touch the auto-poll state, the buffer or the store.
func (r *Registry) Poll(ctx context.Context, id, caller string, all bool) (model.PollResult, error) {
	r.mu.Lock()
	g, err := r.getLocked(id)
	if err != nil {
		r.mu.Unlock()
		return model.PollResult{}, err
	}
	refs := g.refs()
	cursor, ok := g.cursors[caller]
	if !ok {
		cursor = utils.NewValueCache(len(refs))
		g.cursors[caller] = cursor
	}
	r.mu.Unlock()

	at := r.cfg.Clock.Now()
	res := model.PollResult{GroupID: id, Changes: []model.ControlSnapshot{}, All: all, Timestamp: at}
	if len(refs) == 0 {
		return res, nil
	}
	readings, err := r.read(ctx, refs)
	if err != nil {
		return model.PollResult{}, errors.Annotatef(err, "poll change group %q", id)
	}
	for _, ref := range refs {
		reading, ok := readings[ref]
		if !ok {
			continue
		}
		v, err := model.NormalizeValue(reading.Raw)
		if err != nil {
			continue
		}
		changed := cursor.Changed(ref, v)
		if !changed && !all {
			continue
		}
		res.Changes = append(res.Changes, model.ControlSnapshot{
			Control:   ref,
			Component: ref.Component(),
			Value:     v,
			String:    reading.String,
			Timestamp: at,
		})
	}
	return res, nil
}
