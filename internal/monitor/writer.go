package monitor

import (
	"context"
	rtmetrics "runtime/metrics"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"control-monitor/internal/model"
)

func (m *Monitor) flushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = m.Flush(final)
			cancel()
			return nil
		case <-m.clock.After(m.cfg.Monitoring.FlushInterval):
			m.checkHeap()
			if m.buf.Dirty() {
				_ = m.Flush(ctx)
			}
		}
	}
}

// Flush writes everything buffered to the store in one transaction. A
// failed batch goes back to the head of the buffer and the failure is
// handed to the health monitor. While spillover is disabled only one probe
// write per probe interval is attempted; a successful probe re-enables it.
func (m *Monitor) Flush(ctx context.Context) error {
	if err := m.disabled(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	probe := false
	if !m.health.SpilloverEnabled() {
		now := m.clock.Now()
		if now.Sub(m.lastProbe) < m.cfg.Monitoring.SpilloverProbeInterval {
			return nil
		}
		m.lastProbe = now
		probe = true
	}

	batch := m.buf.Drain()
	if len(batch) == 0 {
		return nil
	}
	batch = m.validate(batch)
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := m.store.InsertBatch(ctx, batch)
	m.metrics.Flushed(len(batch), time.Since(start), err)
	if err != nil {
		dropped := m.buf.Requeue(batch)
		m.metrics.Buffered(m.buf.Len(), dropped)
		m.logger.Warn("flush failed, batch requeued", "events", len(batch), "dropped", dropped, "err", err)
		m.health.Report(err, "")
		return errors.Annotatef(err, "flush %d events", len(batch))
	}
	m.metrics.Buffered(m.buf.Len(), 0)
	m.health.Recovered()
	if probe {
		m.logger.Info("probe write succeeded, resuming spillover")
		m.health.ResumeSpillover()
	}
	return nil
}

// validate drops every event of a group whose batch contains an event that
// fails the integrity check, and reports that group as corrupt.
func (m *Monitor) validate(batch []model.ChangeEvent) []model.ChangeEvent {
	bad := map[string]error{}
	for _, e := range batch {
		if _, seen := bad[e.GroupID]; seen {
			continue
		}
		if err := e.Validate(); err != nil {
			bad[e.GroupID] = err
		}
	}
	if len(bad) == 0 {
		return batch
	}
	kept := batch[:0]
	for _, e := range batch {
		if _, ok := bad[e.GroupID]; !ok {
			kept = append(kept, e)
		}
	}
	for group, err := range bad {
		m.health.Report(err, group)
	}
	return kept
}

const heapMetric = "/memory/classes/heap/objects:bytes"

// checkHeap reports memory exhaustion when the live heap exceeds the
// configured limit. It runs at most once per probe interval.
func (m *Monitor) checkHeap() {
	limit := uint64(m.cfg.Monitoring.MemoryLimitMB) << 20
	if limit == 0 {
		return
	}
	m.heapCheck.Do(func() {
		sample := []rtmetrics.Sample{{Name: heapMetric}}
		rtmetrics.Read(sample)
		if sample[0].Value.Kind() != rtmetrics.KindUint64 {
			return
		}
		heap := sample[0].Value.Uint64()
		if heap <= limit {
			return
		}
		err := errors.WithType(
			errors.Errorf("heap %s exceeds limit %s", humanize.IBytes(heap), humanize.IBytes(limit)),
			model.ErrMemoryExhausted)
		m.health.Report(err, "")
	})
}
