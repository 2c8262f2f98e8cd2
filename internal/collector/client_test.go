package collector

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control-monitor/internal/logging"
	"control-monitor/internal/modbus"
	"control-monitor/internal/model"
)

var testPoints = []Point{
	{Control: "Mixer.gain", Address: 0, RegisterType: "holding", DataType: "float32", ByteOrder: "CDAB", Unit: "dB"},
	{Control: "Mixer.level", Address: 2, RegisterType: "input", DataType: "int16", Scale: 0.1},
	{Control: "Mixer.mute", Address: 5, RegisterType: "coil"},
	{Control: "Door", Address: 3, RegisterType: "holding", DataType: "bool"},
	{Control: "Counter", Address: 10, RegisterType: "holding", DataType: "uint32", ByteOrder: "DCBA"},
}

func startDevice(t *testing.T) (*modbus.Server, *Reader) {
	t.Helper()
	srv := modbus.NewServer(logging.Discard())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(srv.Close)

	addr := srv.Addr().String()
	host, port := splitAddr(t, addr)
	r, err := NewReader(Config{
		Protocol:   "modbus-tcp",
		Connection: Connection{Host: host, Port: port},
		SlaveID:    1,
		Timeout:    time.Second,
		Points:     testPoints,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return srv, r
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, n
}

func set(t *testing.T, srv *modbus.Server, p Point, v float64) {
	t.Helper()
	if p.IsBit() {
		table := modbus.Coil
		if p.RegisterType == "discrete" {
			table = modbus.Discrete
		}
		require.NoError(t, srv.SetBit(table, p.Address, v != 0))
		return
	}
	words, err := Encode(p, v)
	require.NoError(t, err)
	require.NoError(t, srv.SetRegisters(modbus.Table(p.RegisterType), p.Address, words...))
}

func TestReaderDecodesPoints(t *testing.T) {
	srv, r := startDevice(t)
	set(t, srv, testPoints[0], -6.5)
	set(t, srv, testPoints[1], -12.3)
	set(t, srv, testPoints[2], 1)
	set(t, srv, testPoints[3], 1)
	set(t, srv, testPoints[4], 70000)

	got, err := r.Read(context.Background(), r.Controls())
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, -6.5, got["Mixer.gain"].Raw)
	assert.Equal(t, "-6.5 dB", got["Mixer.gain"].String)
	assert.InDelta(t, -12.3, got["Mixer.level"].Raw, 1e-9)
	assert.Equal(t, true, got["Mixer.mute"].Raw)
	assert.Equal(t, true, got["Door"].Raw)
	assert.Equal(t, float64(70000), got["Counter"].Raw)

	for ref, reading := range got {
		_, err := model.NormalizeValue(reading.Raw)
		assert.NoError(t, err, ref)
	}
}

func TestReaderSkipsUnknownControls(t *testing.T) {
	_, r := startDevice(t)
	got, err := r.Read(context.Background(), []model.ControlReference{"Mixer.mute", "Nope.x"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, model.ControlReference("Mixer.mute"))
}

func TestReaderFailsWhenDeviceGone(t *testing.T) {
	srv, r := startDevice(t)
	_, err := r.Read(context.Background(), []model.ControlReference{"Door"})
	require.NoError(t, err)

	srv.Close()
	_, err = r.Read(context.Background(), []model.ControlReference{"Door"})
	assert.Error(t, err)
}

func TestReaderHonoursCancelledContext(t *testing.T) {
	_, r := startDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Read(ctx, []model.ControlReference{"Door"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, p := range testPoints {
		if p.IsBit() {
			continue
		}
		words, err := Encode(p, 42)
		require.NoError(t, err, p.Control)
		data := make([]byte, 0, 2*len(words))
		for _, w := range words {
			data = append(data, byte(w>>8), byte(w))
		}
		reading, err := decodeRegisterData(data, p)
		require.NoError(t, err, p.Control)
		if p.DataType == "bool" {
			assert.Equal(t, true, reading.Raw)
			continue
		}
		assert.InDelta(t, 42.0, reading.Raw, 1e-9, p.Control)
	}

	_, err := Encode(Point{Control: "x", DataType: "uint16"}, -1)
	assert.Error(t, err)
}

func TestNewReaderValidates(t *testing.T) {
	_, err := NewReader(Config{Protocol: "modbus-tcp", Connection: Connection{Host: "h", Port: 502},
		Points: []Point{{Control: "a..b", RegisterType: "holding"}}}, nil)
	assert.Error(t, err)

	_, err = NewReader(Config{Protocol: "modbus-rtu"}, nil)
	assert.Error(t, err)
}
