package model

import "time"

// ControlSnapshot is a control's value as seen by a manual poll.
type ControlSnapshot struct {
	Control   ControlReference `json:"name"`
	Component string           `json:"component,omitempty"`
	Value     Value            `json:"value"`
	String    string           `json:"string,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// PollResult is what a manual poll returns to its caller: the controls that
// changed since that caller's previous manual poll, or every current value
// when the caller asked for all of them.
type PollResult struct {
	GroupID   string            `json:"id"`
	Changes   []ControlSnapshot `json:"changes"`
	All       bool              `json:"all,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
