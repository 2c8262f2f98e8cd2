package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control-monitor/internal/collector"
	"control-monitor/internal/logging"
	"control-monitor/internal/modbus"
)

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "values.csv")
	require.NoError(t, os.WriteFile(path, []byte("Mixer.gain,Door\n-3.5,1\n,0\n"), 0o644))

	rows, err := loadCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	gain := collector.Point{Control: "Mixer.gain"}
	v, ok := rows.Value(gain, 0)
	assert.True(t, ok)
	assert.Equal(t, -3.5, v)
	_, ok = rows.Value(gain, 1)
	assert.False(t, ok, "blank cells leave the control alone")
	v, _ = rows.Value(collector.Point{Control: "Door"}, 2)
	assert.Equal(t, 1.0, v, "rows cycle")

	require.NoError(t, os.WriteFile(path, []byte("a\nx\n"), 0o644))
	_, err = loadCSV(path)
	assert.Error(t, err)
}

func TestSimulatorWritesPoints(t *testing.T) {
	server := modbus.NewServer(logging.Discard())
	points := []collector.Point{
		{Control: "Mixer.gain", Address: 0, RegisterType: "holding", DataType: "int16"},
		{Control: "Door", Address: 1, RegisterType: "coil"},
	}
	sim := &simulator{server: server, points: points, logger: logging.Discard(),
		source: csvRows{{"Mixer.gain": -7, "Door": 1}}}
	sim.apply()

	words, err := server.Registers(modbus.Holding, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xfff9), words[0])
	on, err := server.Bit(modbus.Coil, 1)
	require.NoError(t, err)
	assert.True(t, on)

	v, ok := wave{}.Value(points[0], 3)
	assert.True(t, ok)
	assert.InDelta(t, 50, v, 40)
}
