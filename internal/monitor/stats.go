package monitor

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"control-monitor/internal/model"
)

// Statistics always answers. Store figures are left zero if the store
// cannot be read; the failure shows up in the health status.
func (m *Monitor) Statistics(ctx context.Context) model.Statistics {
	st := model.Statistics{
		Enabled:          m.Enabled(),
		BufferLength:     m.buf.Len(),
		BufferCapacity:   m.buf.Cap(),
		BufferOverflow:   m.buf.Overflow(),
		RetentionDays:    m.RetentionDays(),
		SpilloverEnabled: m.health.SpilloverEnabled(),
		DatabaseSizeText: humanize.IBytes(0),
	}
	if m.store != nil {
		s, err := m.store.Stats(ctx)
		if err != nil {
			m.logger.Warn("statistics unavailable", "err", err)
			m.health.Report(err, "")
		} else {
			st.TotalEvents = s.TotalEvents
			st.DistinctControls = s.DistinctControls
			st.DistinctGroups = s.DistinctGroups
			st.DatabaseSize = s.SizeBytes
			st.DatabaseSizeText = humanize.IBytes(uint64(max(s.SizeBytes, 0)))
			if s.TotalEvents > 0 {
				oldest, newest := time.UnixMilli(s.OldestMs).UTC(), time.UnixMilli(s.NewestMs).UTC()
				st.Oldest, st.Newest = &oldest, &newest
			}
		}
	}
	st.Health = m.health.Status().Tier
	return st
}

// HealthStatus derives the current health.
func (m *Monitor) HealthStatus() model.HealthStatus {
	return m.health.Status()
}
