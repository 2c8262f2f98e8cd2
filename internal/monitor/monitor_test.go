package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"control-monitor/internal/config"
	"control-monitor/internal/health"
	"control-monitor/internal/logging"
	"control-monitor/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeGroups struct {
	mu       sync.Mutex
	priority map[string]int
	isolated map[string]string
}

func (f *fakeGroups) Priority(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priority[id]
}

func (f *fakeGroups) Isolate(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isolated == nil {
		f.isolated = map[string]string{}
	}
	f.isolated[id] = reason
	return nil
}

func (f *fakeGroups) Resume(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.isolated, id)
	return nil
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Monitoring.Enabled = true
	cfg.Monitoring.DBPath = filepath.Join(dir, "events.db")
	cfg.Monitoring.BackupDir = filepath.Join(dir, "backups")
	cfg.Monitoring.BufferSize = 100
	return cfg
}

func newMonitor(t *testing.T, cfg config.Config, clk clock.Clock) (*Monitor, *fakeGroups) {
	t.Helper()
	m, err := New(cfg, Options{Clock: clk, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	groups := &fakeGroups{}
	m.AttachGroups(groups)
	return m, groups
}

func ev(group, control string, ts time.Time, seq int, v model.Value) model.ChangeEvent {
	ref := model.ControlReference(control)
	return model.ChangeEvent{GroupID: group, Control: ref, Component: ref.Component(), Value: v, Timestamp: ts.UnixMilli(), Sequence: seq}
}

func TestFlushAndQuery(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor(t, testConfig(t), clock.WallClock)

	for i := 0; i < 12; i++ {
		m.Append(ev("g1", "Mixer.gain", epoch.Add(time.Duration(i)*time.Second), 0, model.NumberValue(float64(i))))
	}
	m.Append(ev("g2", "Label.text", epoch, 0, model.StringValue("x")))
	require.NoError(t, m.Flush(ctx))
	assert.Zero(t, m.Statistics(ctx).BufferLength)

	res, err := m.Query(ctx, model.QueryFilter{GroupID: "g1", Limit: 5, Offset: 5})
	require.NoError(t, err)
	assert.EqualValues(t, 12, res.Total)
	require.Len(t, res.Events, 5)
	for i, e := range res.Events {
		assert.Equal(t, model.NumberValue(float64(5+i)), e.Value)
	}

	res, err = m.Query(ctx, model.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Limit)
	assert.Len(t, res.Events, 13)

	res, err = m.Query(ctx, model.QueryFilter{Start: epoch.Add(2 * time.Second), End: epoch.Add(4 * time.Second)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)

	res, err = m.Query(ctx, model.QueryFilter{Components: []string{"Label"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)

	res, err = m.Query(ctx, model.QueryFilter{Offset: 500})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.EqualValues(t, 13, res.Total)
}

func TestQueryValidation(t *testing.T) {
	m, _ := newMonitor(t, testConfig(t), clock.WallClock)
	ctx := context.Background()
	for _, f := range []model.QueryFilter{
		{Limit: -1},
		{Limit: 10001},
		{Offset: -1},
		{Start: epoch, End: epoch.Add(-time.Second)},
	} {
		_, err := m.Query(ctx, f)
		assert.True(t, errors.Is(err, model.ErrInvalidQuery), "%+v", f)
	}
	_, err := m.Query(ctx, model.QueryFilter{Limit: 10000})
	assert.NoError(t, err)
}

func TestDisabledMonitoring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitoring.Enabled = false
	m, _ := newMonitor(t, cfg, clock.WallClock)
	ctx := context.Background()

	m.Append(ev("g", "a", epoch, 0, model.NumberValue(1)))
	st := m.Statistics(ctx)
	assert.False(t, st.Enabled)
	assert.Zero(t, st.BufferLength)
	assert.Equal(t, model.TierHealthy, st.Health)

	_, err := m.Query(ctx, model.QueryFilter{})
	assert.True(t, errors.Is(err, model.ErrMonitoringDisabled))
	_, err = m.PerformBackup(ctx)
	assert.True(t, errors.Is(err, model.ErrMonitoringDisabled))
	assert.NoFileExists(t, cfg.Monitoring.DBPath)
}

func TestRetentionKeepsBoundaryRow(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(epoch)
	cfg := testConfig(t)
	cfg.Monitoring.RetentionDays = 30
	m, _ := newMonitor(t, cfg, clk)

	cutoff := epoch.Add(-30 * day)
	m.Append(
		ev("g", "a", cutoff.Add(-time.Millisecond), 0, model.NumberValue(1)),
		ev("g", "a", cutoff, 0, model.NumberValue(2)),
		ev("g", "a", cutoff.Add(time.Millisecond), 0, model.NumberValue(3)),
	)
	require.NoError(t, m.Flush(ctx))

	n, err := m.SweepRetention(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	res, err := m.Query(ctx, model.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, cutoff.UnixMilli(), res.Events[0].Timestamp)

	require.NoError(t, m.SetRetentionDays(ctx, 1))
	n, err = m.SweepRetention(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 1, m.Statistics(ctx).RetentionDays)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, compression := range []string{"zstd", "lz4", "none"} {
		t.Run(compression, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Monitoring.BackupCompression = compression
			m, _ := newMonitor(t, cfg, clock.WallClock)

			for i := 0; i < 20; i++ {
				m.Append(ev(fmt.Sprintf("g%d", i%3), fmt.Sprintf("C%d.x", i%4), epoch.Add(time.Duration(i)*time.Minute), 0, model.NumberValue(float64(i))))
			}
			require.NoError(t, m.Flush(ctx))
			before := m.Statistics(ctx)

			rec, err := m.PerformBackup(ctx)
			require.NoError(t, err)
			assert.Equal(t, compression != "none", rec.Compressed)

			m.Append(ev("g9", "late", epoch.Add(time.Hour), 0, model.BoolValue(true)))
			require.NoError(t, m.Flush(ctx))
			assert.EqualValues(t, 21, m.Statistics(ctx).TotalEvents)

			require.NoError(t, m.RestoreFromBackup(ctx, rec.Path))
			after := m.Statistics(ctx)
			assert.Equal(t, before.TotalEvents, after.TotalEvents)
			assert.Equal(t, before.DistinctControls, after.DistinctControls)
			assert.Equal(t, before.DistinctGroups, after.DistinctGroups)
			assert.Equal(t, before.Oldest, after.Oldest)
			assert.Equal(t, before.Newest, after.Newest)

			list, err := m.ListBackups()
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, rec.Filename, list[0].Filename)

			// Writes keep working against the restored file.
			m.Append(ev("g1", "C1.x", epoch.Add(2*time.Hour), 0, model.NumberValue(99)))
			require.NoError(t, m.Flush(ctx))
			assert.EqualValues(t, 21, m.Statistics(ctx).TotalEvents)
		})
	}
}

func TestRestoreRefusesDuringWrite(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor(t, testConfig(t), clock.WallClock)
	rec, err := m.PerformBackup(ctx)
	require.NoError(t, err)

	m.writeMu.Lock()
	err = m.RestoreFromBackup(ctx, rec.Path)
	m.writeMu.Unlock()
	assert.True(t, errors.Is(err, model.ErrRestoreConflict))

	require.NoError(t, m.RestoreFromBackup(ctx, rec.Filename), "names resolve in the backup directory")
}

func TestRestoreRejectsTamperedSnapshot(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor(t, testConfig(t), clock.WallClock)
	rec, err := m.PerformBackup(ctx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rec.Path, []byte("not a snapshot"), 0o644))

	err = m.RestoreFromBackup(ctx, rec.Path)
	assert.True(t, errors.Is(err, model.ErrCorruptionDetected))
}

func TestBackupPruning(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(epoch)
	cfg := testConfig(t)
	cfg.Monitoring.BackupKeep = 2
	m, _ := newMonitor(t, cfg, clk)
	for i := 0; i < 4; i++ {
		_, err := m.PerformBackup(ctx)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	list, err := m.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, epoch.Add(3*time.Minute).Equal(list[0].CreatedAt), list[0].CreatedAt)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src, _ := newMonitor(t, testConfig(t), clock.WallClock)
	src.Append(
		ev("g1", "Mixer.gain", epoch, 0, model.NumberValue(-6)),
		ev("g1", "Mixer.mute", epoch, 1, model.BoolValue(false)),
		ev("g2", "name", epoch.Add(time.Second), 0, model.StringValue("desk")),
	)
	require.NoError(t, src.Flush(ctx))

	for _, name := range []string{"export.json", "export.cbor"} {
		path := filepath.Join(t.TempDir(), name)
		n, err := src.ExportData(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		dst, _ := newMonitor(t, testConfig(t), clock.WallClock)
		n, err = dst.ImportData(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		want, err := src.Query(ctx, model.QueryFilter{})
		require.NoError(t, err)
		got, err := dst.Query(ctx, model.QueryFilter{})
		require.NoError(t, err)
		require.Len(t, got.Events, 3)
		for i := range want.Events {
			assert.Equal(t, want.Events[i].Value, got.Events[i].Value)
			assert.Equal(t, want.Events[i].Control, got.Events[i].Control)
			assert.Equal(t, want.Events[i].Timestamp, got.Events[i].Timestamp)
			assert.Equal(t, want.Events[i].CreatedAt, got.Events[i].CreatedAt)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"format":"x"}`), 0o644))
	_, err := src.ImportData(ctx, bad)
	assert.True(t, errors.Is(err, model.ErrInvalidImport))
}

func TestFlushFailureRequeues(t *testing.T) {
	ctx := context.Background()
	m, _ := newMonitor(t, testConfig(t), clock.WallClock)
	m.Append(ev("g", "a", epoch, 0, model.NumberValue(1)), ev("g", "a", epoch, 1, model.NumberValue(2)))
	require.NoError(t, m.store.Close())

	err := m.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, m.buf.Len())
	assert.Equal(t, 1, m.HealthStatus().ErrorCount)
	assert.True(t, m.health.SpilloverEnabled(), "closed store is not a space problem")
}

func TestSpilloverProbe(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(epoch)
	m, _ := newMonitor(t, testConfig(t), clk)

	m.health.Report(errors.New("database or disk is full"), "")
	require.False(t, m.health.SpilloverEnabled())

	m.Append(ev("g", "a", epoch, 0, model.NumberValue(1)))
	require.NoError(t, m.Flush(ctx), "first probe")
	assert.True(t, m.health.SpilloverEnabled())
	assert.Zero(t, m.buf.Len())

	m.health.Report(errors.New("database or disk is full"), "")
	m.Append(ev("g", "a", epoch, 1, model.NumberValue(2)))
	require.NoError(t, m.Flush(ctx))
	assert.Equal(t, 1, m.buf.Len(), "no probe before the interval elapses")
	assert.False(t, m.health.SpilloverEnabled())
	assert.Contains(t, m.HealthStatus().Mitigations, health.MitigationSpilloverDisabled)

	clk.Advance(m.cfg.Monitoring.SpilloverProbeInterval)
	require.NoError(t, m.Flush(ctx))
	assert.Zero(t, m.buf.Len())
	assert.True(t, m.health.SpilloverEnabled())
}

func TestCorruptEventIsolatesOnlyItsGroup(t *testing.T) {
	ctx := context.Background()
	m, groups := newMonitor(t, testConfig(t), clock.WallClock)
	m.Append(
		ev("good", "a", epoch, 0, model.NumberValue(1)),
		model.ChangeEvent{GroupID: "bad", Control: "b", Timestamp: epoch.UnixMilli()},
		ev("bad", "c", epoch, 1, model.NumberValue(1)),
	)
	require.NoError(t, m.Flush(ctx))

	res, err := m.Query(ctx, model.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "good", res.Events[0].GroupID)
	assert.Contains(t, groups.isolated, "bad")
	assert.NotContains(t, groups.isolated, "good")
	assert.Contains(t, m.HealthStatus().Mitigations, "group bad isolated")
}

func TestEmergencyEvictionHalvesBuffer(t *testing.T) {
	m, groups := newMonitor(t, testConfig(t), clock.WallClock)
	groups.priority = map[string]int{"important": 10}
	for i := 0; i < 10; i++ {
		m.Append(ev("important", "a", epoch, i, model.NumberValue(float64(i))))
		m.Append(ev("chatty", "b", epoch, i, model.NumberValue(float64(i))))
	}
	m.health.Report(errors.New("out of memory"), "")
	assert.Equal(t, 10, m.buf.Len())

	left := map[string]int{}
	for _, e := range m.buf.Snapshot() {
		left[e.GroupID]++
	}
	assert.Equal(t, 1, left["chatty"], "one representative survives")
	assert.Equal(t, 9, left["important"])
}

func TestVerifyIntegrity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	m, groups := newMonitor(t, cfg, clock.WallClock)
	m.Append(ev("good", "a", epoch, 0, model.NumberValue(1)), ev("bad", "b", epoch, 0, model.NumberValue(1)))
	require.NoError(t, m.Flush(ctx))

	raw, err := sql.Open("sqlite", cfg.Monitoring.DBPath)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE events SET value = 'NaNish' WHERE change_group_id = 'bad'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	report, err := m.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.StoreOK)
	assert.Equal(t, map[string]int{"bad": 1}, report.RemovedRows)
	assert.Equal(t, []string{"bad"}, report.IsolatedGroups)
	assert.Contains(t, groups.isolated, "bad")

	st := m.Statistics(ctx)
	assert.EqualValues(t, 1, st.TotalEvents)
	assert.Equal(t, model.TierDegraded, st.Health)
}

func TestRunFlushesPeriodically(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitoring.FlushInterval = 10 * time.Millisecond
	cfg.Monitoring.BackupInterval = time.Hour
	m, _ := newMonitor(t, cfg, clock.WallClock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Append(ev("g", "a", epoch, 0, model.NumberValue(1)))
	require.Eventually(t, func() bool {
		return m.Statistics(context.Background()).TotalEvents == 1
	}, 2*time.Second, 5*time.Millisecond)

	m.Append(ev("g", "a", epoch, 1, model.NumberValue(2)))
	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 2, m.Statistics(context.Background()).TotalEvents, "final flush on shutdown")
}
