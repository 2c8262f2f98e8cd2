package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/juju/errors"

	"control-monitor/internal/model"
)

const insertEvent = `INSERT INTO events
    (change_group_id, control_name, component_name, value_kind, value, string_value, timestamp, sequence, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectEvent = `SELECT id, change_group_id, control_name, component_name, value_kind, value,
    COALESCE(string_value, ''), timestamp, sequence, created_at FROM events`

// InsertBatch writes events in one transaction, in the order given.
// Either every event is stored or none is.
func (d *DB) InsertBatch(ctx context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return d.insert(ctx, len(events), func(stmt *sql.Stmt, i int) error {
		e := events[i]
		_, err := stmt.ExecContext(ctx, e.GroupID, string(e.Control), e.Component,
			e.Value.Kind().String(), e.Value.Text(), nullString(e.String), e.Timestamp, e.Sequence, now)
		return err
	})
}

// InsertRows writes previously exported rows, keeping their timestamps
// and insertion times. Row ids are reassigned.
func (d *DB) InsertRows(ctx context.Context, rows []model.PersistedEvent) error {
	if len(rows) == 0 {
		return nil
	}
	return d.insert(ctx, len(rows), func(stmt *sql.Stmt, i int) error {
		r := rows[i]
		_, err := stmt.ExecContext(ctx, r.GroupID, string(r.Control), r.Component,
			r.Value.Kind().String(), r.Value.Text(), nullString(r.String), r.Timestamp, r.Sequence, r.CreatedAt)
		return err
	})
}

func (d *DB) insert(ctx context.Context, n int, exec func(*sql.Stmt, int) error) error {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return err
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return errors.Annotate(err, "prepare insert")
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			return errors.Annotatef(err, "insert event %d of %d", i+1, n)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "commit events")
	}
	return nil
}

// Filter selects rows for Query. Zero values mean "no constraint" except
// Limit, which the caller must set. Start is inclusive, End exclusive.
type Filter struct {
	StartMs    int64
	EndMs      int64
	GroupID    string
	Controls   []string
	Components []string
	Limit      int
	Offset     int
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.StartMs > 0 {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.StartMs)
	}
	if f.EndMs > 0 {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.EndMs)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "change_group_id = ?")
		args = append(args, f.GroupID)
	}
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		clauses = append(clauses, column+" IN ("+strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")+")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	in("control_name", f.Controls)
	in("component_name", f.Components)
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns one page of matching rows ordered by timestamp, sequence
// and id, together with the total number of matching rows.
func (d *DB) Query(ctx context.Context, f Filter) ([]model.PersistedEvent, int64, error) {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return nil, 0, err
	}
	where, args := f.where()

	var total int64
	if err := sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Annotate(err, "count events")
	}
	if int64(f.Offset) >= total {
		return []model.PersistedEvent{}, total, nil
	}

	q := selectEvent + where + " ORDER BY timestamp, sequence, id LIMIT ? OFFSET ?"
	rows, err := sqlDB.QueryContext(ctx, q, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, errors.Annotate(err, "query events")
	}
	defer rows.Close()
	out := make([]model.PersistedEvent, 0, f.Limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	return out, total, errors.Annotate(rows.Err(), "iterate events")
}

// ForEach calls fn for every row in id order. Iteration stops at the
// first error.
func (d *DB) ForEach(ctx context.Context, fn func(model.PersistedEvent) error) error {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return err
	}
	rows, err := sqlDB.QueryContext(ctx, selectEvent+" ORDER BY id")
	if err != nil {
		return errors.Annotate(err, "scan events")
	}
	defer rows.Close()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return errors.Annotate(rows.Err(), "iterate events")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (model.PersistedEvent, error) {
	var (
		ev        model.PersistedEvent
		control   string
		kind      string
		valueText string
	)
	if err := s.Scan(&ev.RowID, &ev.GroupID, &control, &ev.Component, &kind, &valueText,
		&ev.String, &ev.Timestamp, &ev.Sequence, &ev.CreatedAt); err != nil {
		return ev, errors.Annotate(err, "scan event")
	}
	ev.Control = model.ControlReference(control)
	k, err := model.ParseKind(kind)
	if err != nil {
		return ev, errors.WithType(errors.Annotatef(err, "row %d", ev.RowID), model.ErrCorruptionDetected)
	}
	if ev.Value, err = model.ParseValue(k, valueText); err != nil {
		return ev, errors.WithType(errors.Annotatef(err, "row %d", ev.RowID), model.ErrCorruptionDetected)
	}
	return ev, nil
}

// DeleteOlderThan removes rows whose timestamp is strictly before cutoffMs.
func (d *DB) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return 0, err
	}
	res, err := sqlDB.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoffMs)
	if err != nil {
		return 0, errors.Annotate(err, "delete expired events")
	}
	return res.RowsAffected()
}

// DeleteRows removes the given row ids.
func (d *DB) DeleteRows(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return 0, err
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Annotate(err, "begin transaction")
	}
	defer tx.Rollback()
	var n int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return 0, errors.Annotatef(err, "delete row %d", id)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, errors.Annotate(tx.Commit(), "commit delete")
}

// Stats are aggregate figures over the events table.
type Stats struct {
	TotalEvents      int64
	DistinctControls int64
	DistinctGroups   int64
	OldestMs         int64
	NewestMs         int64
	SizeBytes        int64
}

// Stats reads the trigger-maintained row count, index-backed min/max and
// distinct counts, and the file size from the page counters.
func (d *DB) Stats(ctx context.Context) (Stats, error) {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	var oldest, newest sql.NullInt64
	var pageCount, pageSize int64
	queries := []struct {
		q    string
		dest any
	}{
		{`SELECT CAST(value AS INTEGER) FROM metadata WHERE key = 'event_count'`, &st.TotalEvents},
		{`SELECT COUNT(DISTINCT control_name) FROM events`, &st.DistinctControls},
		{`SELECT COUNT(DISTINCT change_group_id) FROM events`, &st.DistinctGroups},
		{`SELECT MIN(timestamp) FROM events`, &oldest},
		{`SELECT MAX(timestamp) FROM events`, &newest},
		{`PRAGMA page_count`, &pageCount},
		{`PRAGMA page_size`, &pageSize},
	}
	for _, q := range queries {
		if err := sqlDB.QueryRowContext(ctx, q.q).Scan(q.dest); err != nil {
			return Stats{}, errors.Annotatef(err, "statistics %q", q.q)
		}
	}
	st.OldestMs = oldest.Int64
	st.NewestMs = newest.Int64
	st.SizeBytes = pageCount * pageSize
	return st, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
