package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Emitted("g1", 3)
	m.Emitted("g1", 0)
	if got := testutil.ToFloat64(m.EventsEmitted.WithLabelValues("g1")); got != 3 {
		t.Fatalf("expected 3 emitted events, got %f", got)
	}

	m.Buffered(7, 2)
	m.Buffered(5, 0)
	if got := testutil.ToFloat64(m.BufferLength); got != 5 {
		t.Fatalf("expected buffer length 5, got %f", got)
	}
	if got := testutil.ToFloat64(m.BufferOverflow); got != 2 {
		t.Fatalf("expected overflow 2, got %f", got)
	}

	m.Flushed(4, time.Millisecond, nil)
	m.Flushed(4, time.Millisecond, errors.New("disk full"))
	if got := testutil.ToFloat64(m.FlushedEvents); got != 4 {
		t.Fatalf("expected 4 flushed events, got %f", got)
	}
	if got := testutil.ToFloat64(m.FlushFailures); got != 1 {
		t.Fatalf("expected 1 flush failure, got %f", got)
	}
	if got := testutil.CollectAndCount(m.FlushDuration); got != 1 {
		t.Fatalf("expected flush histogram to be collected, got %d", got)
	}

	m.TickSkipped("g1")
	m.GroupRemoved("g1")
	if got := testutil.CollectAndCount(m.SkippedTicks); got != 0 {
		t.Fatalf("expected per-group series removed, got %d", got)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("gather: n=%d err=%v", n, err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Emitted("g", 1)
	m.Polled("g")
	m.PollFailed("g")
	m.TickSkipped("g")
	m.GroupRemoved("g")
	m.SetGroups(1)
	m.Buffered(1, 1)
	m.Flushed(1, time.Second, nil)
	m.RetentionSwept(1)
	m.BackedUp()
	m.Evicted(1)
}
