// Package metrics exposes the monitor's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "control_monitor"

// Metrics holds every instrument.
type Metrics struct {
	EventsEmitted    *prometheus.CounterVec
	Polls            *prometheus.CounterVec
	PollErrors       *prometheus.CounterVec
	SkippedTicks     *prometheus.CounterVec
	BufferLength     prometheus.Gauge
	BufferOverflow   prometheus.Counter
	Flushes          prometheus.Counter
	FlushFailures    prometheus.Counter
	FlushedEvents    prometheus.Counter
	FlushDuration    prometheus.Histogram
	RetentionDeleted prometheus.Counter
	Backups          prometheus.Counter
	EvictedEvents    prometheus.Counter
	ActiveGroups     prometheus.Gauge
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Change events emitted by auto-polling, per change group.",
		}, []string{"group"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Completed auto-poll ticks, per change group.",
		}, []string{"group"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed remote reads, per change group.",
		}, []string{"group"}),
		SkippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_skipped_total",
			Help:      "Ticks skipped because a poll was still in flight.",
		}, []string{"group"}),
		BufferLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_length",
			Help:      "Events currently buffered awaiting flush.",
		}),
		BufferOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_overflow_total",
			Help:      "Events dropped because the buffer was full.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Successful flush transactions.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Flush transactions that failed and were requeued.",
		}),
		FlushedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_events_total",
			Help:      "Events written to the store.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of flush transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Rows deleted by retention sweeps.",
		}),
		Backups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Snapshots written.",
		}),
		EvictedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_events_total",
			Help:      "Buffered events discarded by emergency eviction.",
		}),
		ActiveGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "change_groups",
			Help:      "Registered change groups.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsEmitted, m.Polls, m.PollErrors, m.SkippedTicks,
			m.BufferLength, m.BufferOverflow,
			m.Flushes, m.FlushFailures, m.FlushedEvents, m.FlushDuration,
			m.RetentionDeleted, m.Backups, m.EvictedEvents, m.ActiveGroups,
		)
	}
	return m
}

func (m *Metrics) Emitted(group string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsEmitted.WithLabelValues(group).Add(float64(n))
}

func (m *Metrics) Polled(group string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(group).Inc()
}

func (m *Metrics) PollFailed(group string) {
	if m == nil {
		return
	}
	m.PollErrors.WithLabelValues(group).Inc()
}

func (m *Metrics) TickSkipped(group string) {
	if m == nil {
		return
	}
	m.SkippedTicks.WithLabelValues(group).Inc()
}

// GroupRemoved drops the per-group series of a destroyed group.
func (m *Metrics) GroupRemoved(group string) {
	if m == nil {
		return
	}
	m.EventsEmitted.DeleteLabelValues(group)
	m.Polls.DeleteLabelValues(group)
	m.PollErrors.DeleteLabelValues(group)
	m.SkippedTicks.DeleteLabelValues(group)
}

func (m *Metrics) SetGroups(n int) {
	if m == nil {
		return
	}
	m.ActiveGroups.Set(float64(n))
}

// Buffered records the buffer length and any newly dropped events.
func (m *Metrics) Buffered(length, dropped int) {
	if m == nil {
		return
	}
	m.BufferLength.Set(float64(length))
	if dropped > 0 {
		m.BufferOverflow.Add(float64(dropped))
	}
}

// Flushed records one flush attempt.
func (m *Metrics) Flushed(n int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(took.Seconds())
	if err != nil {
		m.FlushFailures.Inc()
		return
	}
	m.Flushes.Inc()
	m.FlushedEvents.Add(float64(n))
}

func (m *Metrics) RetentionSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeleted.Add(float64(n))
}

func (m *Metrics) BackedUp() {
	if m == nil {
		return
	}
	m.Backups.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictedEvents.Add(float64(n))
}
