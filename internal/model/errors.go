package model

import "github.com/juju/errors"

// Error kinds surfaced by the monitor. Callers match them with errors.Is;
// the descriptive error returned alongside carries the offending input.
const (
	// ErrDuplicateGroup is returned when creating a change group whose id
	// is already registered.
	ErrDuplicateGroup = errors.ConstError("duplicate change group")

	// ErrUnknownGroup is returned by any group operation on an id that is
	// not registered (including one that was already destroyed).
	ErrUnknownGroup = errors.ConstError("unknown change group")

	// ErrInvalidPollRate is returned for a zero, negative or NaN poll rate.
	ErrInvalidPollRate = errors.ConstError("invalid poll rate")

	// ErrInvalidControlReference marks a control reference that breaks the
	// naming rule. It is reported per item, never for a whole batch.
	ErrInvalidControlReference = errors.ConstError("invalid control reference")

	// ErrInvalidQuery is returned for malformed query filters.
	ErrInvalidQuery = errors.ConstError("invalid query")

	// ErrTransportTimeout marks a remote read that did not complete in time.
	ErrTransportTimeout = errors.ConstError("transport timeout")

	ErrStorageExhausted   = errors.ConstError("storage exhausted")
	ErrMemoryExhausted    = errors.ConstError("memory exhausted")
	ErrCorruptionDetected = errors.ConstError("corruption detected")

	// ErrRestoreConflict is returned when a restore is attempted while the
	// write path is held by a flush, sweep, backup or import.
	ErrRestoreConflict = errors.ConstError("restore conflicts with active write")

	// ErrMonitoringDisabled is returned by event queries when event
	// monitoring is switched off in the configuration.
	ErrMonitoringDisabled = errors.ConstError("event monitoring is not enabled")

	// ErrInvalidImport is returned when an import document fails validation.
	ErrInvalidImport = errors.ConstError("invalid import document")
)
