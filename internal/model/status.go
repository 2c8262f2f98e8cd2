package model

import "time"

// Tier is the coarse health classification.
type Tier string

const (
	TierHealthy   Tier = "healthy"
	TierDegraded  Tier = "degraded"
	TierUnhealthy Tier = "unhealthy"
)

// ErrorKind classifies failures routed to the health monitor.
type ErrorKind string

const (
	KindStorageExhausted   ErrorKind = "storage-exhausted"
	KindMemoryExhausted    ErrorKind = "memory-exhausted"
	KindCorruptionDetected ErrorKind = "corruption-detected"
	KindTransientIO        ErrorKind = "transient-io"
)

// LastError describes the most recent failure seen by the health monitor.
type LastError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// HealthStatus is derived on demand and never stored.
type HealthStatus struct {
	Tier        Tier       `json:"tier"`
	ErrorCount  int        `json:"error_count"`
	LastError   *LastError `json:"last_error,omitempty"`
	Mitigations []string   `json:"mitigations"`
	Issues      []string   `json:"issues"`
	Utilization float64    `json:"buffer_utilization"`
}

// BackupRecord describes one snapshot file.
type BackupRecord struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	Checksum   string    `json:"checksum,omitempty"`
}

// QueryFilter selects persisted events. Every field is optional. Start is
// inclusive and End exclusive; zero times mean unbounded.
type QueryFilter struct {
	Start      time.Time `json:"start_time,omitempty"`
	End        time.Time `json:"end_time,omitempty"`
	GroupID    string    `json:"change_group_id,omitempty"`
	Controls   []string  `json:"control_names,omitempty"`
	Components []string  `json:"component_names,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// QueryResult is one page of events plus the size of the filtered set.
type QueryResult struct {
	Events []PersistedEvent `json:"events"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// Statistics aggregates store, buffer and health figures.
type Statistics struct {
	Enabled          bool       `json:"enabled"`
	TotalEvents      int64      `json:"total_events"`
	DistinctControls int64      `json:"unique_controls"`
	DistinctGroups   int64      `json:"unique_change_groups"`
	Oldest           *time.Time `json:"oldest_event,omitempty"`
	Newest           *time.Time `json:"newest_event,omitempty"`
	DatabaseSize     int64      `json:"database_size"`
	DatabaseSizeText string     `json:"database_size_human"`
	BufferLength     int        `json:"buffer_size"`
	BufferCapacity   int        `json:"buffer_capacity"`
	BufferOverflow   uint64     `json:"buffer_overflow"`
	RetentionDays    int        `json:"retention_days"`
	SpilloverEnabled bool       `json:"spillover_enabled"`
	Health           Tier       `json:"health"`
}
