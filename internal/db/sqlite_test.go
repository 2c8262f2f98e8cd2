package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control-monitor/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nested", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func event(group, control string, ts int64, seq int, v model.Value) model.ChangeEvent {
	ref := model.ControlReference(control)
	return model.ChangeEvent{GroupID: group, Control: ref, Component: ref.Component(), Value: v, Timestamp: ts, Sequence: seq}
}

func TestInsertAndQueryOrdering(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{
		event("g1", "Mixer.gain", 2000, 1, model.NumberValue(-3.5)),
		event("g1", "Mixer.mute", 2000, 0, model.BoolValue(true)),
		event("g2", "Label", 1000, 0, model.StringValue("hello")),
	}))

	rows, total, err := d.Query(ctx, Filter{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 3)
	assert.Equal(t, model.ControlReference("Label"), rows[0].Control)
	assert.Equal(t, model.ControlReference("Mixer.mute"), rows[1].Control)
	assert.Equal(t, model.ControlReference("Mixer.gain"), rows[2].Control)
	assert.Equal(t, "Mixer", rows[2].Component)
	assert.Equal(t, model.NumberValue(-3.5), rows[2].Value)
	assert.Equal(t, model.BoolValue(true), rows[1].Value)
	assert.NotZero(t, rows[0].CreatedAt)
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	var batch []model.ChangeEvent
	for i := 0; i < 20; i++ {
		group := "g1"
		if i%2 == 1 {
			group = "g2"
		}
		control := fmt.Sprintf("Comp%d.level", i%4)
		batch = append(batch, event(group, control, int64(1000+i), 0, model.NumberValue(float64(i))))
	}
	require.NoError(t, d.InsertBatch(ctx, batch))

	rows, total, err := d.Query(ctx, Filter{GroupID: "g1", Limit: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 10, total)
	assert.Len(t, rows, 10)

	rows, total, err = d.Query(ctx, Filter{StartMs: 1005, EndMs: 1010, Limit: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.EqualValues(t, 1005, rows[0].Timestamp)
	assert.EqualValues(t, 1009, rows[4].Timestamp)

	_, total, err = d.Query(ctx, Filter{Components: []string{"Comp1", "Comp3"}, Limit: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 10, total)

	_, total, err = d.Query(ctx, Filter{Controls: []string{"Comp0.level"}, GroupID: "g2", Limit: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)

	rows, total, err = d.Query(ctx, Filter{Limit: 5, Offset: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 20, total)
	assert.Empty(t, rows)
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	var batch []model.ChangeEvent
	for i := 0; i < 12; i++ {
		batch = append(batch, event("g", "c", int64(100+i), 0, model.NumberValue(float64(i))))
	}
	require.NoError(t, d.InsertBatch(ctx, batch))

	seen := map[int64]bool{}
	for offset := 0; offset < 12; offset += 5 {
		rows, _, err := d.Query(ctx, Filter{Limit: 5, Offset: offset})
		require.NoError(t, err)
		for i, r := range rows {
			assert.EqualValues(t, 100+offset+i, r.Timestamp)
			assert.False(t, seen[r.RowID], "duplicate row %d", r.RowID)
			seen[r.RowID] = true
		}
	}
	assert.Len(t, seen, 12)
}

func TestDeleteOlderThanKeepsBoundary(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{
		event("g", "a", 999, 0, model.NumberValue(1)),
		event("g", "a", 1000, 0, model.NumberValue(2)),
		event("g", "a", 1001, 0, model.NumberValue(3)),
	}))
	n, err := d.DeleteOlderThan(ctx, 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, _, err := d.Query(ctx, Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1000, rows[0].Timestamp)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	st, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalEvents)
	assert.Zero(t, st.OldestMs)
	assert.Positive(t, st.SizeBytes)

	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{
		event("g1", "A.x", 10, 0, model.NumberValue(1)),
		event("g1", "A.y", 20, 0, model.NumberValue(1)),
		event("g2", "A.x", 30, 0, model.NumberValue(2)),
	}))
	st, err = d.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.TotalEvents)
	assert.EqualValues(t, 2, st.DistinctControls)
	assert.EqualValues(t, 2, st.DistinctGroups)
	assert.EqualValues(t, 10, st.OldestMs)
	assert.EqualValues(t, 30, st.NewestMs)

	_, err = d.DeleteOlderThan(ctx, 25)
	require.NoError(t, err)
	st, err = d.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.TotalEvents, "counter follows deletes")
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.SetRetentionDays(ctx, 30))
	v, ok, err := d.GetMeta(ctx, MetaRetentionDays)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "30", v)

	_, ok, err = d.GetMeta(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVacuumIntoAndReplace(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{event("g", "a", 1, 0, model.NumberValue(1))}))

	snap := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, d.VacuumInto(ctx, snap))

	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{event("g", "a", 2, 0, model.NumberValue(2))}))
	st, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalEvents)

	require.NoError(t, d.Replace(snap))
	st, err = d.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.TotalEvents)
	assert.FileExists(t, d.Path())
	assert.NoFileExists(t, snap)
}

func TestReplaceKeepsStoreOpenWhenSwapFails(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{event("g", "a", 1, 0, model.NumberValue(1))}))
	snap := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, d.VacuumInto(ctx, snap))
	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{event("g", "a", 2, 0, model.NumberValue(2))}))

	d.remove = func(path string) error {
		if strings.HasSuffix(path, "-wal") {
			return errors.New("permission denied")
		}
		return os.Remove(path)
	}
	err := d.Replace(snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	require.NoError(t, d.Ping(ctx))
	st, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalEvents, "the live data is untouched")
	assert.FileExists(t, snap, "the snapshot is not consumed")
	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{event("g", "a", 3, 0, model.NumberValue(3))}))
}

func TestIntegrity(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.QuickCheck(ctx))
	require.NoError(t, d.InsertBatch(ctx, []model.ChangeEvent{
		event("good", "A.x", 10, 0, model.NumberValue(1)),
		event("bad", "A.x", 10, 0, model.NumberValue(1)),
	}))

	sqlDB, release, err := d.acquire()
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx, `UPDATE events SET value_kind = 'bogus' WHERE change_group_id = 'bad'`)
	release()
	require.NoError(t, err)

	bad, err := d.InvalidRows(ctx)
	require.NoError(t, err)
	assert.Len(t, bad, 1)
	assert.Len(t, bad["bad"], 1)

	n, err := d.DeleteRows(ctx, bad["bad"])
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, _, err = d.Query(ctx, Filter{Limit: 10})
	require.NoError(t, err)
}

func TestClosedStore(t *testing.T) {
	d := newTestDB(t)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, _, err := d.Query(context.Background(), Filter{Limit: 1})
	assert.True(t, errors.Is(err, ErrClosed))
}
