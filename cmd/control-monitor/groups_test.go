package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGroup(t *testing.T) {
	gs, err := parseGroup("mixer:Mixer.gain, Mixer.mute@0.5")
	require.NoError(t, err)
	assert.Equal(t, groupSpec{id: "mixer", controls: []string{"Mixer.gain", "Mixer.mute"}, rate: 0.5}, gs)

	gs, err = parseGroup("door:Door")
	require.NoError(t, err)
	assert.Zero(t, gs.rate)

	for _, bad := range []string{"", "nocolon", ":a", "g:", "g:a@fast"} {
		_, err := parseGroup(bad)
		assert.Error(t, err, bad)
	}
}
