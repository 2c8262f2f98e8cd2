// Package config holds the daemon configuration. It is built once at
// startup from defaults, an optional YAML or TOML file and environment
// overrides, then passed explicitly to every component.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"control-monitor/internal/collector"
)

type Config struct {
	Monitoring MonitoringConfig `yaml:"monitoring" toml:"monitoring"`
	Polling    PollingConfig    `yaml:"polling" toml:"polling"`
	Query      QueryConfig      `yaml:"query" toml:"query"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	HTTP       HTTPConfig       `yaml:"http" toml:"http"`
	Modbus     collector.Config `yaml:"modbus" toml:"modbus"`
}

type MonitoringConfig struct {
	Enabled                bool          `yaml:"enabled" toml:"enabled"`
	DBPath                 string        `yaml:"db_path" toml:"db_path"`
	RetentionDays          int           `yaml:"retention_days" toml:"retention_days"`
	BufferSize             int           `yaml:"buffer_size" toml:"buffer_size"`
	FlushInterval          time.Duration `yaml:"flush_interval" toml:"flush_interval"`
	RetentionInterval      time.Duration `yaml:"retention_interval" toml:"retention_interval"`
	BackupInterval         time.Duration `yaml:"backup_interval" toml:"backup_interval"`
	BackupDir              string        `yaml:"backup_dir" toml:"backup_dir"`
	BackupCompression      string        `yaml:"backup_compression" toml:"backup_compression"`
	BackupKeep             int           `yaml:"backup_keep" toml:"backup_keep"`
	MemoryLimitMB          int           `yaml:"memory_limit_mb" toml:"memory_limit_mb"`
	SpilloverProbeInterval time.Duration `yaml:"spillover_probe_interval" toml:"spillover_probe_interval"`
}

type PollingConfig struct {
	MinInterval time.Duration `yaml:"min_interval" toml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval" toml:"max_interval"`
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout"`
}

type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit" toml:"default_limit"`
	MaxLimit     int `yaml:"max_limit" toml:"max_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug | info | warn | error
	Format string `yaml:"format" toml:"format"` // text | json
}

type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Monitoring: MonitoringConfig{
			Enabled:                false,
			DBPath:                 filepath.Join("data", "events.db"),
			RetentionDays:          30,
			BufferSize:             1000,
			FlushInterval:          100 * time.Millisecond,
			RetentionInterval:      time.Hour,
			BackupCompression:      "zstd",
			BackupKeep:             7,
			SpilloverProbeInterval: 5 * time.Second,
		},
		Polling: PollingConfig{
			MinInterval: 30 * time.Millisecond,
			MaxInterval: time.Hour,
			ReadTimeout: 2 * time.Second,
		},
		Query: QueryConfig{
			DefaultLimit: 100,
			MaxLimit:     10000,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		HTTP:    HTTPConfig{Listen: ":8080"},
		Modbus: collector.Config{
			Protocol:   "modbus-tcp",
			Timeout:    2 * time.Second,
			RetryCount: 1,
		},
	}
}

// Load reads path on top of Default. The format follows the extension.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "read config %s", path)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "decode YAML %s", path)
		}
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "decode TOML %s", path)
		}
	default:
		return Config{}, errors.NotSupportedf("config format %q", ext)
	}
	return cfg, nil
}

// Environment variables recognised by ApplyEnv.
const (
	EnvEnabled         = "EVENT_MONITORING_ENABLED"
	EnvDBPath          = "EVENT_MONITORING_DB_PATH"
	EnvRetentionDays   = "EVENT_MONITORING_RETENTION_DAYS"
	EnvBufferSize      = "EVENT_MONITORING_BUFFER_SIZE"
	EnvFlushInterval   = "EVENT_MONITORING_FLUSH_INTERVAL"
	EnvMinPollInterval = "EVENT_MONITORING_MIN_POLL_INTERVAL"
	EnvMaxPollInterval = "EVENT_MONITORING_MAX_POLL_INTERVAL"
	EnvBackupInterval  = "EVENT_MONITORING_BACKUP_INTERVAL"
)

// ApplyEnv overrides fields from environment-style variables. lookup is
// usually os.LookupEnv. Interval variables are in milliseconds except the
// backup interval, which takes a Go duration.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEnabled); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.NotValidf("%s=%q", EnvEnabled, v)
		}
		c.Monitoring.Enabled = b
	}
	if v, ok := lookup(EnvDBPath); ok && strings.TrimSpace(v) != "" {
		c.Monitoring.DBPath = strings.TrimSpace(v)
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{EnvRetentionDays, &c.Monitoring.RetentionDays},
		{EnvBufferSize, &c.Monitoring.BufferSize},
	}
	for _, e := range ints {
		if v, ok := lookup(e.name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.NotValidf("%s=%q", e.name, v)
			}
			*e.dst = n
		}
	}
	millis := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvFlushInterval, &c.Monitoring.FlushInterval},
		{EnvMinPollInterval, &c.Polling.MinInterval},
		{EnvMaxPollInterval, &c.Polling.MaxInterval},
	}
	for _, e := range millis {
		if v, ok := lookup(e.name); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return errors.NotValidf("%s=%q", e.name, v)
			}
			*e.dst = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := lookup(EnvBackupInterval); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errors.NotValidf("%s=%q", EnvBackupInterval, v)
		}
		c.Monitoring.BackupInterval = d
	}
	return nil
}

// BackupDirectory returns BackupDir, defaulting to a backups directory next
// to the database.
func (c Config) BackupDirectory() string {
	if c.Monitoring.BackupDir != "" {
		return c.Monitoring.BackupDir
	}
	return filepath.Join(filepath.Dir(c.Monitoring.DBPath), "backups")
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	m := c.Monitoring
	switch {
	case m.DBPath == "":
		return errors.NotValidf("empty db_path")
	case m.RetentionDays <= 0:
		return errors.NotValidf("retention_days %d", m.RetentionDays)
	case m.BufferSize <= 0:
		return errors.NotValidf("buffer_size %d", m.BufferSize)
	case m.FlushInterval <= 0:
		return errors.NotValidf("flush_interval %s", m.FlushInterval)
	case m.RetentionInterval <= 0:
		return errors.NotValidf("retention_interval %s", m.RetentionInterval)
	case m.BackupInterval < 0:
		return errors.NotValidf("backup_interval %s", m.BackupInterval)
	case m.BackupKeep < 0:
		return errors.NotValidf("backup_keep %d", m.BackupKeep)
	case m.MemoryLimitMB < 0:
		return errors.NotValidf("memory_limit_mb %d", m.MemoryLimitMB)
	case m.SpilloverProbeInterval <= 0:
		return errors.NotValidf("spillover_probe_interval %s", m.SpilloverProbeInterval)
	}
	switch m.BackupCompression {
	case "zstd", "lz4", "none":
	default:
		return errors.NotValidf("backup_compression %q", m.BackupCompression)
	}

	p := c.Polling
	switch {
	case p.MinInterval <= 0:
		return errors.NotValidf("min poll interval %s", p.MinInterval)
	case p.MaxInterval < p.MinInterval:
		return errors.NotValidf("max poll interval %s below min %s", p.MaxInterval, p.MinInterval)
	case p.ReadTimeout <= 0:
		return errors.NotValidf("read_timeout %s", p.ReadTimeout)
	}

	q := c.Query
	if q.MaxLimit <= 0 || q.DefaultLimit <= 0 || q.DefaultLimit > q.MaxLimit {
		return errors.NotValidf("query limits default=%d max=%d", q.DefaultLimit, q.MaxLimit)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return errors.NotValidf("log format %q", c.Logging.Format)
	}
	return errors.Trace(c.Modbus.Validate())
}
