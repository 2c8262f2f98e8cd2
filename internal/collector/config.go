package collector

import (
	"strings"
	"time"

	"github.com/juju/errors"

	"control-monitor/internal/model"
)

// Config describes the remote Modbus device and maps its registers onto
// named controls.
type Config struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	Protocol   string        `yaml:"protocol" toml:"protocol"` // modbus-tcp | modbus-rtu
	Connection Connection    `yaml:"connection" toml:"connection"`
	SlaveID    uint8         `yaml:"slave_id" toml:"slave_id"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
	RetryCount int           `yaml:"retry_count" toml:"retry_count"`
	Points     []Point       `yaml:"points" toml:"points"`
}

type Connection struct {
	// TCP
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	// RTU
	SerialPort string `yaml:"serial_port" toml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate" toml:"baud_rate"`
	DataBits   int    `yaml:"data_bits" toml:"data_bits"`
	StopBits   int    `yaml:"stop_bits" toml:"stop_bits"`
	Parity     string `yaml:"parity" toml:"parity"`
}

// Point binds one control reference to a register.
type Point struct {
	Control      string  `yaml:"control" toml:"control"`
	Address      uint16  `yaml:"address" toml:"address"`
	DataType     string  `yaml:"data_type" toml:"data_type"`         // uint16 | int16 | uint32 | int32 | float32 | bool
	ByteOrder    string  `yaml:"byte_order" toml:"byte_order"`       // ABCD | DCBA | BADC | CDAB
	RegisterType string  `yaml:"register_type" toml:"register_type"` // holding | input | coil | discrete
	Scale        float64 `yaml:"scale" toml:"scale"`
	Offset       float64 `yaml:"offset" toml:"offset"`
	Unit         string  `yaml:"unit" toml:"unit"`
}

var (
	registerTypes = map[string]bool{"holding": true, "input": true, "coil": true, "discrete": true}
	dataTypes     = map[string]bool{"": true, "uint16": true, "int16": true, "uint32": true, "int32": true, "float32": true, "bool": true}
)

// Validate checks the connection settings and every point.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Protocol)) {
	case "modbus-tcp", "tcp", "":
		if c.Connection.Host == "" || c.Connection.Port <= 0 {
			return errors.NotValidf("modbus tcp connection %q:%d", c.Connection.Host, c.Connection.Port)
		}
	case "modbus-rtu", "rtu":
		if strings.TrimSpace(c.Connection.SerialPort) == "" {
			return errors.NotValidf("modbus rtu connection without serial_port")
		}
	default:
		return errors.NotValidf("modbus protocol %q", c.Protocol)
	}
	seen := make(map[string]bool, len(c.Points))
	for i, p := range c.Points {
		if _, err := model.ParseControlReference(p.Control); err != nil {
			return errors.Annotatef(err, "point %d", i)
		}
		if seen[p.Control] {
			return errors.NotValidf("duplicate point for control %q", p.Control)
		}
		seen[p.Control] = true
		if !registerTypes[strings.ToLower(p.RegisterType)] {
			return errors.NotValidf("register type %q for control %q", p.RegisterType, p.Control)
		}
		if !dataTypes[strings.ToLower(p.DataType)] {
			return errors.NotValidf("data type %q for control %q", p.DataType, p.Control)
		}
	}
	return nil
}
