// Package modbus is a small Modbus TCP slave used to stand in for a real
// device: the simulator command serves control values from it and the
// collector tests read from it.
package modbus

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/juju/errors"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
)

const (
	errOutOfRange    = errors.ConstError("out of range")
	errInvalidQty    = errors.ConstError("invalid quantity")
	errInvalidPDULen = errors.ConstError("invalid pdu length")
)

// Table names one of the four Modbus data tables.
type Table string

const (
	Holding  Table = "holding"
	Input    Table = "input"
	Coil     Table = "coil"
	Discrete Table = "discrete"
)

// Server implements a minimal Modbus TCP server that supports the read
// functions. Register content is changed through the Set methods.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool
	requests uint64
}

// NewServer constructs a server with the full 16-bit address space in
// every table.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		holding:  make([]uint16, 65536),
		input:    make([]uint16, 65536),
		coils:    make([]bool, 65536),
		discrete: make([]bool, 65536),
		quit:     make(chan struct{}),
		logger:   logger.With("component", "modbus-server"),
	}
}

// Listen starts accepting Modbus TCP connections on address. Use port 0
// to pick a free port and Addr to learn it.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", address)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.logger.Debug("accept failed", "err", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Close unblocks the read below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(pdu)
		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(header, response...)); err != nil {
			s.logger.Debug("write response failed", "remote", conn.RemoteAddr(), "err", err)
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	function := pdu[0]
	var (
		data []byte
		err  error
	)
	switch function {
	case functionReadCoils:
		data, err = s.readBits(s.coils, pdu)
	case functionReadDiscreteInputs:
		data, err = s.readBits(s.discrete, pdu)
	case functionReadHoldingRegs:
		data, err = s.readRegisters(s.holding, pdu)
	case functionReadInputRegs:
		data, err = s.readRegisters(s.input, pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}
	return append([]byte{function, byte(len(data))}, data...)
}

func (s *Server) readBits(source []bool, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > 2000 {
		return nil, errInvalidQty
	}
	if int(start)+int(quantity) > len(source) {
		return nil, errOutOfRange
	}

	result := make([]byte, (int(quantity)+7)/8)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < int(quantity); i++ {
		if source[int(start)+i] {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > 125 {
		return nil, errInvalidQty
	}
	if int(start)+int(quantity) > len(source) {
		return nil, errOutOfRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], source[int(start)+i])
	}
	return result, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server, drops open connections and waits for all
// goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

// SetRegisters writes consecutive words starting at address into the
// holding or input table.
func (s *Server) SetRegisters(table Table, address uint16, words ...uint16) error {
	var dst []uint16
	switch table {
	case Holding:
		dst = s.holding
	case Input:
		dst = s.input
	default:
		return errors.NotSupportedf("register writes to %s table", table)
	}
	if int(address)+len(words) > len(dst) {
		return errors.Errorf("address %d+%d: %v", address, len(words), errOutOfRange)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(dst[address:], words)
	return nil
}

// SetBit writes a coil or discrete input.
func (s *Server) SetBit(table Table, address uint16, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch table {
	case Coil:
		s.coils[address] = value
	case Discrete:
		s.discrete[address] = value
	default:
		return errors.NotSupportedf("bit writes to %s table", table)
	}
	return nil
}
