// Package health classifies failures from the ingestion pipeline, applies
// the recovery policy for each kind and derives the health tier.
package health

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"control-monitor/internal/model"
)

// Mitigation names reported in HealthStatus.
const (
	MitigationSpilloverDisabled  = "spillover disabled"
	MitigationTransientRecurring = "transient-io recurring"
	MitigationStoreCorrupt       = "store corruption detected"
	isolatedSuffix               = " isolated"
)

// Tier thresholds.
const (
	DegradedUtilization  = 0.8
	UnhealthyUtilization = 0.9
	DegradedErrors       = 10
	UnhealthyErrors      = 50

	// DefaultTransientThreshold is the number of consecutive transient
	// failures tolerated before they count as a mitigation.
	DefaultTransientThreshold = 5

	// EvictionFraction is the share of buffered events discarded on memory
	// exhaustion.
	EvictionFraction = 0.5
)

// Actions are the recovery hooks the monitor drives.
type Actions interface {
	// EmergencyEvict discards fraction of buffered events and reports how
	// many were buffered and how many were removed.
	EmergencyEvict(fraction float64) (before, removed int)
	// IsolateGroup stops a group and drops its in-flight state.
	IsolateGroup(groupID, reason string) error
	// ResumeGroup lifts an isolation.
	ResumeGroup(groupID string) error
}

// Config holds the monitor's collaborators.
type Config struct {
	Actions            Actions
	Utilization        func() float64
	TransientThreshold int
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Monitor is safe for concurrent use.
type Monitor struct {
	actions     Actions
	utilization func() float64
	threshold   int
	clock       clock.Clock
	logger      *slog.Logger

	mu                 sync.Mutex
	errorCount         int
	consecutive        int
	last               *model.LastError
	spilloverDisabled  bool
	transientRecurring bool
	storeCorrupt       bool
	isolated           set.Strings
	lastEviction       string
}

// New returns a Monitor. Missing collaborators fall back to no-ops.
func New(cfg Config) *Monitor {
	if cfg.TransientThreshold <= 0 {
		cfg.TransientThreshold = DefaultTransientThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Utilization == nil {
		cfg.Utilization = func() float64 { return 0 }
	}
	return &Monitor{
		actions:     cfg.Actions,
		utilization: cfg.Utilization,
		threshold:   cfg.TransientThreshold,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("component", "health"),
		isolated:    set.NewStrings(),
	}
}

// SetActions installs the recovery hooks after construction.
func (m *Monitor) SetActions(a Actions) {
	m.mu.Lock()
	m.actions = a
	m.mu.Unlock()
}

// Report records a failure and applies the policy for its kind. groupID
// names the change group the failure belongs to, if any. The kind applied
// is returned.
func (m *Monitor) Report(err error, groupID string) model.ErrorKind {
	if err == nil {
		return ""
	}
	return m.ReportKind(Classify(err), err, groupID)
}

// ReportKind is Report with the kind decided by the caller. Remote read
// failures use it so their message text cannot select a storage policy.
func (m *Monitor) ReportKind(kind model.ErrorKind, err error, groupID string) model.ErrorKind {
	if err == nil {
		return ""
	}

	m.mu.Lock()
	m.errorCount++
	m.last = &model.LastError{Kind: kind, Message: err.Error(), Time: m.clock.Now()}
	if kind == model.KindTransientIO {
		m.consecutive++
	} else {
		m.consecutive = 0
	}
	actions := m.actions
	var newlyIsolated, spilloverTripped, recurring bool
	switch kind {
	case model.KindStorageExhausted:
		spilloverTripped = !m.spilloverDisabled
		m.spilloverDisabled = true
	case model.KindCorruptionDetected:
		if groupID == "" {
			m.storeCorrupt = true
		} else if !m.isolated.Contains(groupID) {
			m.isolated.Add(groupID)
			newlyIsolated = true
		}
	case model.KindTransientIO:
		if m.consecutive > m.threshold && !m.transientRecurring {
			m.transientRecurring = true
			recurring = true
		}
	}
	m.mu.Unlock()

	log := m.logger.With("kind", string(kind), "err", err)
	if groupID != "" {
		log = log.With("group", groupID)
	}
	switch kind {
	case model.KindStorageExhausted:
		if spilloverTripped {
			log.Error("storage exhausted, disabling spillover")
		} else {
			log.Debug("storage still exhausted")
		}
	case model.KindMemoryExhausted:
		m.evict(log, actions)
	case model.KindCorruptionDetected:
		if !newlyIsolated {
			log.Error("corruption detected")
			break
		}
		log.Error("corruption detected, isolating group")
		if actions != nil {
			if ierr := actions.IsolateGroup(groupID, err.Error()); ierr != nil {
				log.Warn("isolating group failed", "isolate_err", ierr)
			}
		}
	default:
		if recurring {
			log.Warn("transient failures recurring", "consecutive", m.threshold+1)
		}
	}
	return kind
}

func (m *Monitor) evict(log *slog.Logger, actions Actions) {
	if actions == nil {
		log.Error("memory exhausted, no eviction hook installed")
		return
	}
	before, removed := actions.EmergencyEvict(EvictionFraction)
	note := fmt.Sprintf("emergency eviction removed %d of %d buffered events", removed, before)
	m.mu.Lock()
	m.lastEviction = note
	m.mu.Unlock()
	log.Warn("emergency eviction", "buffered", before, "removed", removed, "remaining", before-removed)
}

// Recovered notes a successful operation; it ends a transient failure
// streak but does not clear the recurring mitigation.
func (m *Monitor) Recovered() {
	m.mu.Lock()
	m.consecutive = 0
	m.mu.Unlock()
}

// SpilloverEnabled reports whether buffered events may be written to disk.
func (m *Monitor) SpilloverEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.spilloverDisabled
}

// ResumeSpillover re-enables disk writes.
func (m *Monitor) ResumeSpillover() {
	m.mu.Lock()
	was := m.spilloverDisabled
	m.spilloverDisabled = false
	m.mu.Unlock()
	if was {
		m.logger.Info("spillover resumed")
	}
}

// Isolated reports whether groupID is currently isolated.
func (m *Monitor) Isolated(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isolated.Contains(groupID)
}

// ForgetGroup drops any isolation held for a destroyed group.
func (m *Monitor) ForgetGroup(groupID string) {
	m.mu.Lock()
	m.isolated.Remove(groupID)
	m.mu.Unlock()
}

// Resolve lifts one mitigation by its reported name.
func (m *Monitor) Resolve(mitigation string) error {
	switch {
	case mitigation == MitigationSpilloverDisabled:
		m.ResumeSpillover()
		return nil
	case mitigation == MitigationTransientRecurring:
		m.mu.Lock()
		m.transientRecurring = false
		m.consecutive = 0
		m.mu.Unlock()
		return nil
	case mitigation == MitigationStoreCorrupt:
		m.mu.Lock()
		m.storeCorrupt = false
		m.mu.Unlock()
		return nil
	case strings.HasPrefix(mitigation, "group ") && strings.HasSuffix(mitigation, isolatedSuffix):
		id := strings.TrimSuffix(strings.TrimPrefix(mitigation, "group "), isolatedSuffix)
		m.mu.Lock()
		ok := m.isolated.Contains(id)
		m.isolated.Remove(id)
		actions := m.actions
		m.mu.Unlock()
		if !ok {
			return errors.NotFoundf("isolation of group %q", id)
		}
		if actions != nil {
			return errors.Trace(actions.ResumeGroup(id))
		}
		return nil
	}
	return errors.NotFoundf("mitigation %q", mitigation)
}

// Reset clears the error count, the last error and the transient streak.
// Sticky mitigations (disabled spillover, isolated groups, store
// corruption) stay until resolved individually.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.errorCount = 0
	m.consecutive = 0
	m.last = nil
	m.transientRecurring = false
	m.lastEviction = ""
	m.mu.Unlock()
}

// Status derives the current health.
func (m *Monitor) Status() model.HealthStatus {
	util := m.utilization()

	m.mu.Lock()
	defer m.mu.Unlock()

	mitigations := m.mitigationsLocked()
	status := model.HealthStatus{
		Tier:        model.TierHealthy,
		ErrorCount:  m.errorCount,
		Mitigations: mitigations,
		Issues:      []string{},
		Utilization: util,
	}
	if m.last != nil {
		last := *m.last
		status.LastError = &last
	}

	degrade := func(issue string) {
		if status.Tier == model.TierHealthy {
			status.Tier = model.TierDegraded
		}
		status.Issues = append(status.Issues, issue)
	}
	fail := func(issue string) {
		status.Tier = model.TierUnhealthy
		status.Issues = append(status.Issues, issue)
	}

	switch {
	case util > UnhealthyUtilization:
		fail(fmt.Sprintf("buffer utilization %.0f%% above %.0f%%", util*100, UnhealthyUtilization*100))
	case util > DegradedUtilization:
		degrade(fmt.Sprintf("buffer utilization %.0f%% above %.0f%%", util*100, DegradedUtilization*100))
	}
	switch {
	case m.errorCount > UnhealthyErrors:
		fail(fmt.Sprintf("%d errors recorded (more than %d)", m.errorCount, UnhealthyErrors))
	case m.errorCount > DegradedErrors:
		degrade(fmt.Sprintf("%d errors recorded (more than %d)", m.errorCount, DegradedErrors))
	}
	for _, mit := range mitigations {
		degrade("mitigation active: " + mit)
	}
	if m.lastEviction != "" {
		status.Issues = append(status.Issues, m.lastEviction)
	}
	if m.last != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("last error (%s): %s", m.last.Kind, m.last.Message))
	}
	return status
}

func (m *Monitor) mitigationsLocked() []string {
	var out []string
	if m.spilloverDisabled {
		out = append(out, MitigationSpilloverDisabled)
	}
	if m.transientRecurring {
		out = append(out, MitigationTransientRecurring)
	}
	if m.storeCorrupt {
		out = append(out, MitigationStoreCorrupt)
	}
	for _, id := range m.isolated.SortedValues() {
		out = append(out, "group "+id+isolatedSuffix)
	}
	if out == nil {
		out = []string{}
	}
	return out
}
