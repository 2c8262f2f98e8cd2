package model

import (
	"bytes"
	"io"
	"time"

	"github.com/juju/errors"
)

// Reading is one control's current value as returned by a remote read,
// before normalisation.
type Reading struct {
	Raw    any
	String string
}

// ChangeEvent records that a control in a change group took a new value.
// Events are produced only by the poll engine and never mutated afterwards.
type ChangeEvent struct {
	ID        uint64           `json:"id"`
	GroupID   string           `json:"change_group_id"`
	Control   ControlReference `json:"control"`
	Component string           `json:"component,omitempty"`
	Value     Value            `json:"value"`
	String    string           `json:"string,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Sequence  int              `json:"sequence"`
}

// Time returns the event timestamp as a time.Time.
func (e ChangeEvent) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Validate is the integrity check applied before an event is persisted.
func (e ChangeEvent) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.WithType(errors.Errorf(format, args...), ErrCorruptionDetected)
	}
	if e.GroupID == "" {
		return fail("event %d has no change group", e.ID)
	}
	if err := e.Control.Validate(); err != nil {
		return fail("event %d in group %q: %v", e.ID, e.GroupID, err)
	}
	if e.Component != e.Control.Component() {
		return fail("event %d in group %q: component %q does not match control %q", e.ID, e.GroupID, e.Component, e.Control)
	}
	if !e.Value.IsValid() {
		return fail("event %d in group %q has no value", e.ID, e.GroupID)
	}
	if e.Timestamp <= 0 || e.Sequence < 0 {
		return fail("event %d in group %q has bad ordering (%d, %d)", e.ID, e.GroupID, e.Timestamp, e.Sequence)
	}
	return nil
}

// Less orders events by (timestamp, sequence) and then by id.
func (e ChangeEvent) Less(o ChangeEvent) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp < o.Timestamp
	}
	if e.Sequence != o.Sequence {
		return e.Sequence < o.Sequence
	}
	return e.ID < o.ID
}

// PersistedEvent is the durable row for a ChangeEvent.
type PersistedEvent struct {
	RowID     int64            `json:"id"`
	GroupID   string           `json:"change_group_id"`
	Control   ControlReference `json:"control"`
	Component string           `json:"component,omitempty"`
	Value     Value            `json:"value"`
	String    string           `json:"string,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Sequence  int              `json:"sequence"`
	CreatedAt int64            `json:"created_at"`
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
