package monitor

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"control-monitor/internal/model"
)

// IntegrityReport is the outcome of VerifyIntegrity.
type IntegrityReport struct {
	StoreOK        bool           `json:"store_ok"`
	Problem        string         `json:"problem,omitempty"`
	RemovedRows    map[string]int `json:"removed_rows"`
	IsolatedGroups []string       `json:"isolated_groups"`
}

// VerifyIntegrity runs the store's structural check and validates every
// row. Groups with invalid rows lose those rows and are isolated; other
// groups are untouched.
func (m *Monitor) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{RemovedRows: map[string]int{}, IsolatedGroups: []string{}}
	if err := m.disabled(); err != nil {
		return report, err
	}
	if err := m.store.QuickCheck(ctx); err != nil {
		if !errors.Is(err, model.ErrCorruptionDetected) {
			return report, errors.Trace(err)
		}
		m.health.Report(err, "")
		report.Problem = err.Error()
		return report, nil
	}
	report.StoreOK = true

	bad, err := m.store.InvalidRows(ctx)
	if err != nil {
		return report, errors.Trace(err)
	}
	groups := make([]string, 0, len(bad))
	for g := range bad {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		m.writeMu.Lock()
		n, err := m.store.DeleteRows(ctx, bad[g])
		m.writeMu.Unlock()
		if err != nil {
			return report, errors.Annotatef(err, "remove invalid rows of group %q", g)
		}
		report.RemovedRows[g] = int(n)
		report.IsolatedGroups = append(report.IsolatedGroups, g)
		m.health.Report(errors.WithType(
			errors.Errorf("%d invalid rows in change group %q", n, g),
			model.ErrCorruptionDetected), g)
	}
	return report, nil
}
