package main

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type groupSpec struct {
	id       string
	controls []string
	rate     float64
}

// parseGroup reads "id:control[,control...][@seconds]".
func parseGroup(s string) (groupSpec, error) {
	var gs groupSpec
	rest := s
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rate, err := strconv.ParseFloat(rest[i+1:], 64)
		if err != nil {
			return gs, errors.NotValidf("poll rate %q", rest[i+1:])
		}
		gs.rate = rate
		rest = rest[:i]
	}
	id, controls, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return gs, errors.NotValidf("group %q without id", s)
	}
	gs.id = id
	for _, c := range strings.Split(controls, ",") {
		if c = strings.TrimSpace(c); c != "" {
			gs.controls = append(gs.controls, c)
		}
	}
	if len(gs.controls) == 0 {
		return gs, errors.NotValidf("group %q without controls", id)
	}
	return gs, nil
}
