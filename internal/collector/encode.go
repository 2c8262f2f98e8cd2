package collector

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/juju/errors"
)

// Encode is the inverse of a point read: it turns an engineering value
// into the register words the device would hold for it. Coil and discrete
// points have no words; use Bit for them.
func Encode(p Point, value float64) ([]uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, errors.NotValidf("value %v for %s", value, p.Control)
	}
	raw := (value - p.Offset) / scaleOf(p)
	dt := strings.ToLower(p.DataType)
	var buf [4]byte
	switch dt {
	case "", "uint16":
		r := math.Round(raw)
		if r < 0 || r > math.MaxUint16 {
			return nil, errors.NotValidf("value %v out of range for uint16 %s", value, p.Control)
		}
		return []uint16{uint16(r)}, nil
	case "int16":
		r := math.Round(raw)
		if r < math.MinInt16 || r > math.MaxInt16 {
			return nil, errors.NotValidf("value %v out of range for int16 %s", value, p.Control)
		}
		return []uint16{uint16(int16(r))}, nil
	case "bool":
		if raw != 0 {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case "float32":
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(float32(raw)))
	case "uint32":
		r := math.Round(raw)
		if r < 0 || r > math.MaxUint32 {
			return nil, errors.NotValidf("value %v out of range for uint32 %s", value, p.Control)
		}
		binary.BigEndian.PutUint32(buf[:], uint32(r))
	case "int32":
		r := math.Round(raw)
		if r < math.MinInt32 || r > math.MaxInt32 {
			return nil, errors.NotValidf("value %v out of range for int32 %s", value, p.Control)
		}
		binary.BigEndian.PutUint32(buf[:], uint32(int32(r)))
	default:
		return nil, errors.NotSupportedf("data type %s", dt)
	}
	b := reorder32(buf[:], p.ByteOrder)
	return []uint16{binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4])}, nil
}

// IsBit reports whether p lives in a single-bit table.
func (p Point) IsBit() bool {
	switch strings.ToLower(p.RegisterType) {
	case "coil", "discrete":
		return true
	}
	return false
}
