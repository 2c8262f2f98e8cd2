// Package controlmonitor is the entry point for the tool-dispatch layer:
// it wires the change group registry, the poll engine and the event
// monitor together behind one Client.
package controlmonitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"control-monitor/internal/changegroup"
	"control-monitor/internal/config"
	"control-monitor/internal/metrics"
	"control-monitor/internal/model"
	"control-monitor/internal/monitor"
)

// Re-exported so callers outside the module can name results and match
// errors without importing internal packages.
type (
	ControlReference = model.ControlReference
	ControlReader    = changegroup.ControlReader
	Reading          = model.Reading
	GroupInfo        = changegroup.GroupInfo
	AddResult        = changegroup.AddResult
	PollResult       = model.PollResult
	QueryFilter      = model.QueryFilter
	QueryResult      = model.QueryResult
	Statistics       = model.Statistics
	HealthStatus     = model.HealthStatus
	BackupRecord     = model.BackupRecord
	IntegrityReport  = monitor.IntegrityReport
)

const (
	ErrDuplicateGroup          = model.ErrDuplicateGroup
	ErrUnknownGroup            = model.ErrUnknownGroup
	ErrInvalidPollRate         = model.ErrInvalidPollRate
	ErrInvalidControlReference = model.ErrInvalidControlReference
	ErrInvalidQuery            = model.ErrInvalidQuery
	ErrTransportTimeout        = model.ErrTransportTimeout
	ErrRestoreConflict         = model.ErrRestoreConflict
	ErrCorruptionDetected      = model.ErrCorruptionDetected
	ErrMonitoringDisabled      = model.ErrMonitoringDisabled
	ErrInvalidImport           = model.ErrInvalidImport
)

type Options struct {
	// Reader is the remote control plane. Required.
	Reader ControlReader
	// Registerer receives the Prometheus instruments; nil disables metrics.
	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	cfg      config.Config
	monitor  *monitor.Monitor
	registry *changegroup.Registry
	logger   *slog.Logger
}

// New builds every component from cfg. Call Run to start the background
// loops and Close to stop everything.
func New(cfg config.Config, opts Options) (*Client, error) {
	if opts.Reader == nil {
		return nil, errors.NotValidf("nil control reader")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}

	mon, err := monitor.New(cfg, monitor.Options{Metrics: m, Clock: opts.Clock, Logger: opts.Logger})
	if err != nil {
		return nil, errors.Trace(err)
	}
	hm := mon.Health()
	reg := changegroup.NewRegistry(changegroup.Config{
		Reader:      opts.Reader,
		Sink:        mon,
		Health:      hm,
		Metrics:     m,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		MinInterval: cfg.Polling.MinInterval,
		MaxInterval: cfg.Polling.MaxInterval,
		ReadTimeout: cfg.Polling.ReadTimeout,
		OnDestroy:   hm.ForgetGroup,
	})
	mon.AttachGroups(reg)
	return &Client{cfg: cfg, monitor: mon, registry: reg, logger: opts.Logger}, nil
}

// Run drives flushing, retention and backups until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.monitor.Run(ctx)
}

// Close stops every poller, flushes the buffer and closes the store.
func (c *Client) Close() error {
	c.registry.Close()
	return errors.Trace(c.monitor.Close())
}

// MonitoringEnabled reports whether change events are recorded.
func (c *Client) MonitoringEnabled() bool { return c.monitor.Enabled() }

// --------------------
// Change groups
// --------------------

func (c *Client) CreateGroup(id string) error { return c.registry.Create(id) }

func (c *Client) AddControls(id string, refs ...string) (AddResult, error) {
	return c.registry.AddControls(id, refs)
}

func (c *Client) RemoveControls(id string, refs ...string) (int, error) {
	return c.registry.RemoveControls(id, refs)
}

func (c *Client) ClearGroup(id string) error   { return c.registry.Clear(id) }
func (c *Client) DestroyGroup(id string) error { return c.registry.Destroy(id) }

func (c *Client) Group(id string) (GroupInfo, error) { return c.registry.Get(id) }

// ListGroups returns detached snapshots, sorted by id.
func (c *Client) ListGroups() []GroupInfo { return c.registry.List() }

// AutoPoll starts or re-rates polling of the group every seconds and
// returns the interval actually applied after clamping.
func (c *Client) AutoPoll(id string, seconds float64) (time.Duration, error) {
	return c.registry.AutoPoll(id, seconds)
}

func (c *Client) StopPolling(id string) error { return c.registry.StopPolling(id) }

// SetPriority sets the group's eviction priority; higher survives longer.
func (c *Client) SetPriority(id string, priority int) error {
	return c.registry.SetPriority(id, priority)
}

// Poll reads the group once on behalf of caller. It returns what changed
// since that caller's previous poll, or everything when all is set.
func (c *Client) Poll(ctx context.Context, id, caller string, all bool) (PollResult, error) {
	return c.registry.Poll(ctx, id, caller, all)
}

// ResumeGroup lifts an isolation, whether it came from the health
// monitor or not. The next poll takes a fresh baseline.
func (c *Client) ResumeGroup(id string) error {
	if _, err := c.registry.Get(id); err != nil {
		return err
	}
	err := c.monitor.Health().Resolve("group " + id + " isolated")
	if errors.Is(err, errors.NotFound) {
		return c.registry.Resume(id)
	}
	return err
}

// --------------------
// Events, statistics and health
// --------------------

func (c *Client) QueryEvents(ctx context.Context, f QueryFilter) (QueryResult, error) {
	return c.monitor.Query(ctx, f)
}

func (c *Client) Statistics(ctx context.Context) Statistics { return c.monitor.Statistics(ctx) }

func (c *Client) Health() HealthStatus { return c.monitor.HealthStatus() }

// Flush persists everything buffered now instead of at the next tick.
func (c *Client) Flush(ctx context.Context) error { return c.monitor.Flush(ctx) }

// ResetHealth clears error counters and transient mitigations.
func (c *Client) ResetHealth() { c.monitor.Health().Reset() }

// ResolveMitigation clears one sticky mitigation by name.
func (c *Client) ResolveMitigation(name string) error {
	return c.monitor.Health().Resolve(name)
}

func (c *Client) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	return c.monitor.VerifyIntegrity(ctx)
}

func (c *Client) SetRetentionDays(ctx context.Context, days int) error {
	return c.monitor.SetRetentionDays(ctx, days)
}

// --------------------
// Backups and portability
// --------------------

func (c *Client) Backup(ctx context.Context) (BackupRecord, error) {
	return c.monitor.PerformBackup(ctx)
}

func (c *Client) ListBackups() ([]BackupRecord, error) { return c.monitor.ListBackups() }

// Restore replaces the store content with a snapshot. path may be a
// file name inside the backup directory.
func (c *Client) Restore(ctx context.Context, path string) error {
	return c.monitor.RestoreFromBackup(ctx, path)
}

func (c *Client) Export(ctx context.Context, path string) (int, error) {
	return c.monitor.ExportData(ctx, path)
}

func (c *Client) Import(ctx context.Context, path string) (int, error) {
	return c.monitor.ImportData(ctx, path)
}
