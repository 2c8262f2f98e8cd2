package monitor

import (
	"context"

	"github.com/juju/errors"

	"control-monitor/internal/db"
	"control-monitor/internal/health"
	"control-monitor/internal/model"
)

func invalidQuery(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), model.ErrInvalidQuery)
}

// Query returns one page of persisted events matching f, ordered by
// timestamp, sequence and id, along with the size of the filtered set. A
// zero limit means the default page size; a negative one or one above the
// maximum is rejected, as is a negative offset. An offset past the end
// yields an empty page.
func (m *Monitor) Query(ctx context.Context, f model.QueryFilter) (model.QueryResult, error) {
	if err := m.disabled(); err != nil {
		return model.QueryResult{}, err
	}
	limit := f.Limit
	switch {
	case limit < 0:
		return model.QueryResult{}, invalidQuery("negative limit %d", limit)
	case limit > m.cfg.Query.MaxLimit:
		return model.QueryResult{}, invalidQuery("limit %d above maximum %d", limit, m.cfg.Query.MaxLimit)
	case limit == 0:
		limit = m.cfg.Query.DefaultLimit
	}
	if f.Offset < 0 {
		return model.QueryResult{}, invalidQuery("negative offset %d", f.Offset)
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return model.QueryResult{}, invalidQuery("end %s before start %s", f.End, f.Start)
	}

	filter := db.Filter{
		GroupID:    f.GroupID,
		Controls:   f.Controls,
		Components: f.Components,
		Limit:      limit,
		Offset:     f.Offset,
	}
	if !f.Start.IsZero() {
		filter.StartMs = f.Start.UnixMilli()
	}
	if !f.End.IsZero() {
		filter.EndMs = f.End.UnixMilli()
	}
	rows, total, err := m.store.Query(ctx, filter)
	if err != nil {
		if health.Classify(err) == model.KindCorruptionDetected {
			m.health.Report(err, "")
		}
		return model.QueryResult{}, errors.Annotate(err, "query events")
	}
	if rows == nil {
		rows = []model.PersistedEvent{}
	}
	return model.QueryResult{Events: rows, Total: total, Limit: limit, Offset: f.Offset}, nil
}
