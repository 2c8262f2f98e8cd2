// Package monitor is the persistence side of event monitoring: it owns the
// event buffer, flushes it into the store, sweeps retention, takes and
// restores backups and serves queries and statistics. The health monitor
// it owns observes every stage.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"control-monitor/internal/backup"
	"control-monitor/internal/buffer"
	"control-monitor/internal/config"
	"control-monitor/internal/db"
	"control-monitor/internal/health"
	"control-monitor/internal/metrics"
	"control-monitor/internal/model"
)

// Groups is the part of the change group registry recovery needs.
type Groups interface {
	Priority(groupID string) int
	Isolate(groupID, reason string) error
	Resume(groupID string) error
}

type Options struct {
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg         config.Config
	compression backup.Compression
	store       *db.DB
	buf         *buffer.EventBuffer
	health      *health.Monitor
	metrics     *metrics.Metrics
	clock       clock.Clock
	logger      *slog.Logger

	// writeMu is the write path. Flush, retention, backup, import and
	// restore hold it for the duration of their store mutation.
	writeMu   sync.Mutex
	lastProbe time.Time

	heapCheck rate.Sometimes

	mu            sync.Mutex
	groups        Groups
	retentionDays int
}

// New opens the store when monitoring is enabled. With monitoring
// disabled the monitor only answers statistics and health.
func New(cfg config.Config, opts Options) (*Monitor, error) {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	compression, err := backup.ParseCompression(cfg.Monitoring.BackupCompression)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m := &Monitor{
		cfg:           cfg,
		compression:   compression,
		buf:           buffer.New(cfg.Monitoring.BufferSize),
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		logger:        opts.Logger.With("component", "monitor"),
		retentionDays: cfg.Monitoring.RetentionDays,
		heapCheck:     rate.Sometimes{Interval: cfg.Monitoring.SpilloverProbeInterval},
	}
	m.health = health.New(health.Config{
		Actions:     m,
		Utilization: m.buf.Utilization,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
	})
	if !cfg.Monitoring.Enabled {
		m.logger.Info("event monitoring disabled")
		return m, nil
	}
	store, err := db.Open(cfg.Monitoring.DBPath)
	if err != nil {
		return nil, errors.Annotate(err, "open event store")
	}
	if err := store.SetRetentionDays(context.Background(), m.retentionDays); err != nil {
		_ = store.Close()
		return nil, errors.Trace(err)
	}
	m.store = store
	m.logger.Info("event monitoring enabled",
		"db", cfg.Monitoring.DBPath,
		"buffer", cfg.Monitoring.BufferSize,
		"flush_interval", cfg.Monitoring.FlushInterval,
		"retention_days", m.retentionDays)
	return m, nil
}

// Enabled reports whether events are recorded.
func (m *Monitor) Enabled() bool { return m.store != nil }

// Health returns the health monitor; the registry reports poll failures
// to it.
func (m *Monitor) Health() *health.Monitor { return m.health }

// AttachGroups connects the change group registry used for eviction
// priorities and isolation.
func (m *Monitor) AttachGroups(g Groups) {
	m.mu.Lock()
	m.groups = g
	m.mu.Unlock()
}

func (m *Monitor) attached() Groups {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups
}

func (m *Monitor) disabled() error {
	if m.store == nil {
		return model.ErrMonitoringDisabled
	}
	return nil
}

// Append buffers events from the poll engine. It never blocks on the
// store; with monitoring disabled the events are discarded.
func (m *Monitor) Append(events ...model.ChangeEvent) {
	if m.store == nil || len(events) == 0 {
		return
	}
	dropped := m.buf.Append(events...)
	m.metrics.Buffered(m.buf.Len(), dropped)
	if dropped > 0 {
		m.logger.Debug("buffer overflow", "dropped", dropped)
	}
}

// Run drives the flush, retention and backup loops until ctx is done,
// then flushes once more.
func (m *Monitor) Run(ctx context.Context) error {
	if m.store == nil {
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.flushLoop(ctx) })
	g.Go(func() error { return m.retentionLoop(ctx) })
	if m.cfg.Monitoring.BackupInterval > 0 {
		g.Go(func() error { return m.backupLoop(ctx) })
	}
	return g.Wait()
}

// Close flushes what is buffered and closes the store.
func (m *Monitor) Close() error {
	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		m.logger.Warn("final flush failed", "err", err, "buffered", m.buf.Len())
	}
	return errors.Trace(m.store.Close())
}

// EmergencyEvict discards fraction of the buffer, lowest priority groups
// first.
func (m *Monitor) EmergencyEvict(fraction float64) (int, int) {
	priority := func(string) int { return 0 }
	if g := m.attached(); g != nil {
		priority = g.Priority
	}
	ev := m.buf.Evict(fraction, priority)
	m.metrics.Evicted(ev.Removed)
	m.metrics.Buffered(m.buf.Len(), 0)
	m.logger.Warn("evicted buffered events", "before", ev.Before, "removed", ev.Removed, "by_group", ev.ByGroup)
	return ev.Before, ev.Removed
}

// IsolateGroup drops the group's buffered events and stops its poller.
func (m *Monitor) IsolateGroup(groupID, reason string) error {
	dropped := m.buf.DropGroup(groupID)
	m.metrics.Buffered(m.buf.Len(), 0)
	m.logger.Warn("isolating change group", "group", groupID, "dropped", dropped, "reason", reason)
	if g := m.attached(); g != nil {
		if err := g.Isolate(groupID, reason); err != nil && !errors.Is(err, model.ErrUnknownGroup) {
			return errors.Trace(err)
		}
	}
	return nil
}

func (m *Monitor) ResumeGroup(groupID string) error {
	if g := m.attached(); g != nil {
		return errors.Trace(g.Resume(groupID))
	}
	return nil
}
