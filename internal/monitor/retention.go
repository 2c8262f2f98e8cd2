package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"

	"control-monitor/internal/db"
)

const day = 24 * time.Hour

func (m *Monitor) retentionLoop(ctx context.Context) error {
	for {
		if _, err := m.SweepRetention(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("retention sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.cfg.Monitoring.RetentionInterval):
		}
	}
}

// RetentionDays returns the current retention window.
func (m *Monitor) RetentionDays() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retentionDays
}

// SetRetentionDays changes the retention window and records it in the
// store metadata. It applies from the next sweep.
func (m *Monitor) SetRetentionDays(ctx context.Context, days int) error {
	if days <= 0 {
		return errors.NotValidf("retention of %d days", days)
	}
	if err := m.disabled(); err != nil {
		return err
	}
	if err := m.store.SetRetentionDays(ctx, days); err != nil {
		return errors.Trace(err)
	}
	m.mu.Lock()
	m.retentionDays = days
	m.mu.Unlock()
	return nil
}

// SweepRetention deletes rows older than now minus the retention window.
// A row exactly at the cutoff is kept. It returns the number deleted.
func (m *Monitor) SweepRetention(ctx context.Context) (int64, error) {
	if err := m.disabled(); err != nil {
		return 0, err
	}
	cutoff := m.clock.Now().Add(-time.Duration(m.RetentionDays()) * day).UnixMilli()

	m.writeMu.Lock()
	n, err := m.store.DeleteOlderThan(ctx, cutoff)
	m.writeMu.Unlock()
	if err != nil {
		m.health.Report(err, "")
		return 0, errors.Annotate(err, "retention sweep")
	}
	m.metrics.RetentionSwept(n)
	if n > 0 {
		m.logger.Info("retention sweep", "deleted", n, "cutoff", time.UnixMilli(cutoff).UTC())
	}
	return n, nil
}

// storedRetention reads the retention window recorded in the store, if
// any.
func (m *Monitor) storedRetention(ctx context.Context) (int, bool) {
	v, ok, err := m.store.GetMeta(ctx, db.MetaRetentionDays)
	if err != nil || !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
