package model

import (
	"strings"

	"github.com/juju/errors"
)

// ComponentSeparator splits a control reference into component and control.
const ComponentSeparator = "."

// ControlReference identifies one remote control, either as a bare name
// ("MainGain") or as "component.control" ("Mixer1.gain").
type ControlReference string

// ParseControlReference validates s against the naming rule: non-empty, no
// surrounding whitespace, and when a separator is present there is exactly
// one of them with non-empty segments on both sides.
func ParseControlReference(s string) (ControlReference, error) {
	if s == "" {
		return "", errors.WithType(errors.New("control reference is empty"), ErrInvalidControlReference)
	}
	if strings.TrimSpace(s) != s {
		return "", errors.WithType(errors.Errorf("control reference %q has surrounding whitespace", s), ErrInvalidControlReference)
	}
	switch n := strings.Count(s, ComponentSeparator); {
	case n == 0:
		return ControlReference(s), nil
	case n > 1:
		return "", errors.WithType(errors.Errorf("control reference %q has %d component separators, want one", s, n), ErrInvalidControlReference)
	}
	component, control, _ := strings.Cut(s, ComponentSeparator)
	if component == "" || control == "" {
		return "", errors.WithType(errors.Errorf("control reference %q has an empty segment", s), ErrInvalidControlReference)
	}
	return ControlReference(s), nil
}

// Component returns the component segment, or "" for a bare name.
func (r ControlReference) Component() string {
	component, _, ok := strings.Cut(string(r), ComponentSeparator)
	if !ok {
		return ""
	}
	return component
}

// Control returns the control segment (the whole name for a bare name).
func (r ControlReference) Control() string {
	_, control, ok := strings.Cut(string(r), ComponentSeparator)
	if !ok {
		return string(r)
	}
	return control
}

func (r ControlReference) String() string { return string(r) }

// Validate reports whether r satisfies the naming rule.
func (r ControlReference) Validate() error {
	_, err := ParseControlReference(string(r))
	return err
}
