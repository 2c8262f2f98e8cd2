package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControlReference(t *testing.T) {
	tests := []struct {
		in        string
		ok        bool
		component string
		control   string
	}{
		{in: "MainGain", ok: true, component: "", control: "MainGain"},
		{in: "Mixer1.gain", ok: true, component: "Mixer1", control: "gain"},
		{in: "", ok: false},
		{in: "a.b.c", ok: false},
		{in: ".gain", ok: false},
		{in: "Mixer1.", ok: false},
		{in: " Mixer1.gain", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseControlReference(tt.in)
			if !tt.ok {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidControlReference))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.component, ref.Component())
			assert.Equal(t, tt.control, ref.Control())
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	v, err := NormalizeValue(int16(-3))
	require.NoError(t, err)
	assert.Equal(t, KindNumber, v.Kind())
	assert.Equal(t, -3.0, v.Number())

	v, err = NormalizeValue("on")
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind())

	v, err = NormalizeValue(true)
	require.NoError(t, err)
	assert.True(t, v.Bool())

	_, err = NormalizeValue(math.NaN())
	assert.Error(t, err)
	_, err = NormalizeValue(nil)
	assert.Error(t, err)
	_, err = NormalizeValue([]int{1})
	assert.Error(t, err)
}

func TestValueEqual(t *testing.T) {
	assert.True(t, NumberValue(1).Equal(NumberValue(1+1e-12)))
	assert.False(t, NumberValue(1).Equal(NumberValue(1.5)))
	assert.False(t, NumberValue(1).Equal(BoolValue(true)))
	assert.False(t, StringValue("1").Equal(NumberValue(1)))
	assert.True(t, BoolValue(false).Equal(BoolValue(false)))
}

func TestValueEqualLargeCounters(t *testing.T) {
	assert.False(t, NumberValue(4294967295).Equal(NumberValue(4294967294)))
	assert.False(t, NumberValue(-2147483648).Equal(NumberValue(-2147483647)))
	assert.False(t, NumberValue(1e12).Equal(NumberValue(1e12+500)))
	assert.False(t, NumberValue(1e12).Equal(NumberValue(1e12+1)))
	assert.True(t, NumberValue(4294967295).Equal(NumberValue(4294967295)))
}

func TestValueTextRoundTrip(t *testing.T) {
	for _, v := range []Value{NumberValue(-12.25), StringValue("hello world"), BoolValue(true)} {
		back, err := ParseValue(v.Kind(), v.Text())
		require.NoError(t, err)
		assert.True(t, v.Equal(back), "value %v", v)
	}
	_, err := ParseValue(KindBool, "maybe")
	assert.Error(t, err)
}

func TestValueJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		V Value `json:"v"`
	}{V: NumberValue(2.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2.5}`, string(data))

	var out struct {
		V Value `json:"v"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"v":"text"}`), &out))
	assert.Equal(t, StringValue("text"), out.V)
}

func TestChangeEventValidate(t *testing.T) {
	ok := ChangeEvent{ID: 1, GroupID: "g1", Control: "Mixer.gain", Component: "Mixer", Value: NumberValue(1), Timestamp: 10}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Component = "Other"
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptionDetected))

	bad = ok
	bad.Value = Value{}
	assert.Error(t, bad.Validate())

	bad = ok
	bad.GroupID = ""
	assert.Error(t, bad.Validate())
}
