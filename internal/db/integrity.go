package db

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"control-monitor/internal/model"
)

// QuickCheck runs SQLite's structural check and reports any problem as
// corruption.
func (d *DB) QuickCheck(ctx context.Context) error {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return err
	}
	rows, err := sqlDB.QueryContext(ctx, `PRAGMA quick_check`)
	if err != nil {
		return errors.Annotate(err, "quick check")
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return errors.Annotate(err, "quick check")
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Annotate(err, "quick check")
	}
	if len(problems) > 0 {
		return errors.WithType(errors.Errorf("quick check: %s", strings.Join(problems, "; ")), model.ErrCorruptionDetected)
	}
	return nil
}

// InvalidRows returns, per change group, the ids of rows that fail the
// event integrity check.
func (d *DB) InvalidRows(ctx context.Context) (map[string][]int64, error) {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, selectEvent+" ORDER BY id")
	if err != nil {
		return nil, errors.Annotate(err, "scan events")
	}
	defer rows.Close()

	bad := map[string][]int64{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil && !errors.Is(err, model.ErrCorruptionDetected) {
			return nil, err
		}
		if err == nil {
			err = model.ChangeEvent{
				ID:        uint64(ev.RowID),
				GroupID:   ev.GroupID,
				Control:   ev.Control,
				Component: ev.Component,
				Value:     ev.Value,
				Timestamp: ev.Timestamp,
				Sequence:  ev.Sequence,
			}.Validate()
		}
		if err != nil {
			bad[ev.GroupID] = append(bad[ev.GroupID], ev.RowID)
		}
	}
	return bad, errors.Annotate(rows.Err(), "iterate events")
}
