package collector

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/juju/errors"

	"control-monitor/internal/model"
)

// Reader serves control reads from one Modbus device. Every configured
// point is one control; the poll engine asks for a batch of controls and
// gets back the decoded values. Reads are serialised on the connection.
type Reader struct {
	cfg    Config
	points map[model.ControlReference]Point
	logger *slog.Logger

	mu         sync.Mutex
	handler    handlerWithConn
	setTimeout func(time.Duration)
	client     mb.Client
	addr       string
	connected  bool
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// NewReader validates cfg and prepares the connection. The device is
// dialled on the first read.
func NewReader(cfg Config, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &Reader{
		cfg:    cfg,
		points: make(map[model.ControlReference]Point, len(cfg.Points)),
		logger: logger.With("component", "modbus-reader"),
	}
	for _, p := range cfg.Points {
		r.points[model.ControlReference(p.Control)] = p
	}
	h, setTimeout, addr, err := r.newHandler()
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.handler, r.setTimeout, r.addr = h, setTimeout, addr
	r.client = mb.NewClient(h)
	return r, nil
}

// newHandler creates and configures a handler for TCP or RTU based on config.
// It returns the handler, a timeout setter and a human-readable address for logs.
func (r *Reader) newHandler() (handlerWithConn, func(time.Duration), string, error) {
	proto := strings.ToLower(strings.TrimSpace(r.cfg.Protocol))
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn := r.cfg.Connection
	switch proto {
	case "modbus-tcp", "tcp", "":
		address := conn.Host + ":" + strconv.Itoa(conn.Port)
		h := mb.NewTCPClientHandler(address)
		h.Timeout = timeout
		h.SlaveId = r.cfg.SlaveID
		return h, func(d time.Duration) { h.Timeout = d }, address, nil
	case "modbus-rtu", "rtu":
		h := mb.NewRTUClientHandler(conn.SerialPort)
		if conn.BaudRate > 0 {
			h.BaudRate = conn.BaudRate
		}
		if conn.DataBits > 0 {
			h.DataBits = conn.DataBits
		}
		if conn.StopBits > 0 {
			h.StopBits = conn.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(conn.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		h.SlaveId = r.cfg.SlaveID
		return h, func(d time.Duration) { h.Timeout = d }, conn.SerialPort, nil
	default:
		return nil, nil, "", errors.NotImplementedf("protocol %s", r.cfg.Protocol)
	}
}

// Controls returns the controls this reader can serve, sorted.
func (r *Reader) Controls() []model.ControlReference {
	out := make([]model.ControlReference, 0, len(r.points))
	for ref := range r.points {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Read implements the poll engine's reader. Controls without a configured
// point are left out of the result, which the engine treats as unchanged.
// A failed point read triggers one reconnect and retry before the whole
// batch fails.
func (r *Reader) Read(ctx context.Context, refs []model.ControlReference) (map[model.ControlReference]model.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(ctx); err != nil {
		return nil, err
	}
	out := make(map[model.ControlReference]model.Reading, len(refs))
	for _, ref := range refs {
		p, ok := r.points[ref]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		r.applyDeadline(ctx)
		reading, err := readPoint(r.client, p)
		if err != nil {
			if recErr := r.reconnectLocked(ctx); recErr != nil {
				return nil, errors.Annotatef(err, "read %s@%d", p.Control, p.Address)
			}
			r.applyDeadline(ctx)
			if reading, err = readPoint(r.client, p); err != nil {
				return nil, errors.Annotatef(err, "read %s@%d", p.Control, p.Address)
			}
		}
		out[ref] = reading
	}
	return out, nil
}

// applyDeadline shortens the transport timeout to what is left of ctx.
func (r *Reader) applyDeadline(ctx context.Context) {
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = max(left, time.Millisecond)
		}
	}
	r.setTimeout(timeout)
}

func (r *Reader) connectLocked(ctx context.Context) error {
	if r.connected {
		return nil
	}
	retry := max(r.cfg.RetryCount, 0)
	var err error
	for attempt := 0; attempt <= retry; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			}
		}
		if err = r.handler.Connect(); err == nil {
			r.connected = true
			r.logger.Info("connected", "addr", r.addr)
			return nil
		}
	}
	return errors.Annotatef(err, "connect %s", r.addr)
}

// reconnectLocked attempts to close and reopen the underlying handler.
func (r *Reader) reconnectLocked(ctx context.Context) error {
	r.handler.Close()
	r.connected = false
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	if err := r.handler.Connect(); err != nil {
		return errors.Annotatef(err, "reconnect %s", r.addr)
	}
	r.connected = true
	return nil
}

// Close drops the connection.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	return errors.Trace(r.handler.Close())
}

func registerCount(dt string) uint16 {
	switch dt {
	case "float32", "uint32", "int32":
		return 2
	}
	return 1
}

func readPoint(client mb.Client, p Point) (model.Reading, error) {
	dt := strings.ToLower(p.DataType)
	switch rt := strings.ToLower(p.RegisterType); rt {
	case "holding", "input":
		read := client.ReadHoldingRegisters
		if rt == "input" {
			read = client.ReadInputRegisters
		}
		data, err := read(p.Address, registerCount(dt))
		if err != nil {
			return model.Reading{}, err
		}
		return decodeRegisterData(data, p)
	case "coil", "discrete":
		read := client.ReadCoils
		if rt == "discrete" {
			read = client.ReadDiscreteInputs
		}
		data, err := read(p.Address, 1)
		if err != nil {
			return model.Reading{}, err
		}
		b := len(data) > 0 && data[0]&0x01 == 0x01
		return model.Reading{Raw: b, String: strconv.FormatBool(b)}, nil
	default:
		return model.Reading{}, errors.NotSupportedf("register type %s", p.RegisterType)
	}
}

func decodeRegisterData(data []byte, p Point) (model.Reading, error) {
	dt := strings.ToLower(p.DataType)
	if dt == "" {
		dt = "uint16"
	}
	if len(data) < 2*int(registerCount(dt)) {
		return model.Reading{}, errors.Errorf("insufficient data for %s: %d bytes", dt, len(data))
	}
	var v float64
	switch dt {
	case "uint16":
		v = float64(binary.BigEndian.Uint16(data))
	case "int16":
		v = float64(int16(binary.BigEndian.Uint16(data)))
	case "bool":
		b := binary.BigEndian.Uint16(data) != 0
		return model.Reading{Raw: b, String: strconv.FormatBool(b)}, nil
	case "float32":
		v = float64(math.Float32frombits(binary.BigEndian.Uint32(reorder32(data[:4], p.ByteOrder))))
	case "uint32":
		v = float64(binary.BigEndian.Uint32(reorder32(data[:4], p.ByteOrder)))
	case "int32":
		v = float64(int32(binary.BigEndian.Uint32(reorder32(data[:4], p.ByteOrder))))
	default:
		return model.Reading{}, errors.NotSupportedf("data type %s", dt)
	}
	v = v*scaleOf(p) + p.Offset
	return model.Reading{Raw: v, String: formatNumber(v, p.Unit)}, nil
}

func scaleOf(p Point) float64 {
	if p.Scale == 0 {
		return 1
	}
	return p.Scale
}

func formatNumber(v float64, unit string) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if unit != "" {
		s += " " + unit
	}
	return s
}

// reorder32 returns a 4-byte slice reordered per byte-order string.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within words), "CDAB" (word swap).
// The mapping is its own inverse, so it serves encoding too.
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}
