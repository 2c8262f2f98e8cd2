package model

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/juju/errors"
)

// Kind tags the payload carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "number":
		return KindNumber, nil
	case "string":
		return KindString, nil
	case "bool":
		return KindBool, nil
	default:
		return KindInvalid, errors.NotValidf("value kind %q", s)
	}
}

// Value is a control value normalised to one of number, string or bool.
// The zero Value is invalid.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }
func StringValue(s string) Value  { return Value{kind: KindString, str: s} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsValid() bool   { return v.kind != KindInvalid }
func (v Value) Number() float64 { return v.num }
func (v Value) Str() string     { return v.str }
func (v Value) Bool() bool      { return v.b }

// NormalizeValue converts a raw value returned by a remote read into a
// Value. NaN and infinities are rejected since they cannot be persisted
// or exported faithfully.
func NormalizeValue(raw any) (Value, error) {
	var f float64
	switch x := raw.(type) {
	case Value:
		if !x.IsValid() {
			return Value{}, errors.NotValidf("zero value")
		}
		return x, nil
	case bool:
		return BoolValue(x), nil
	case string:
		return StringValue(x), nil
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return Value{}, errors.NotValidf("number %q", x.String())
		}
		f = parsed
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case nil:
		return Value{}, errors.NotValidf("nil value")
	default:
		return Value{}, errors.NotValidf("value of type %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, errors.NotValidf("non-finite number %v", f)
	}
	return NumberValue(f), nil
}

// Equal reports whether v and o carry the same kind and payload. Numbers
// compare with a fixed absolute tolerance far below any register
// resolution, so large counters moving by one still differ.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return floatsEqual(v.num, o.num)
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

func floatsEqual(a, b float64) bool {
	const epsilon = 1e-9
	return a == b || math.Abs(a-b) <= epsilon
}

// Text renders the payload in the canonical text form used for storage.
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func (v Value) String() string { return v.Text() }

// ParseValue rebuilds a Value from its kind and canonical text.
func ParseValue(kind Kind, text string) (Value, error) {
	switch kind {
	case KindNumber:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, errors.NotValidf("number %q", text)
		}
		return NumberValue(f), nil
	case KindString:
		return StringValue(text), nil
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, errors.NotValidf("bool %q", text)
		}
		return BoolValue(b), nil
	default:
		return Value{}, errors.NotValidf("value kind %d", kind)
	}
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytesReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*v = Value{}
		return nil
	}
	nv, err := NormalizeValue(raw)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}
