package modbus

import "github.com/juju/errors"

// Registers returns a copy of qty words of the holding or input table
// starting at address.
func (s *Server) Registers(table Table, address, qty uint16) ([]uint16, error) {
	var src []uint16
	switch table {
	case Holding:
		src = s.holding
	case Input:
		src = s.input
	default:
		return nil, errors.NotSupportedf("register reads from %s table", table)
	}
	if int(address)+int(qty) > len(src) {
		return nil, errors.Errorf("address %d+%d: %v", address, qty, errOutOfRange)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint16(nil), src[address:int(address)+int(qty)]...), nil
}

// Bit returns one coil or discrete input.
func (s *Server) Bit(table Table, address uint16) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch table {
	case Coil:
		return s.coils[address], nil
	case Discrete:
		return s.discrete[address], nil
	default:
		return false, errors.NotSupportedf("bit reads from %s table", table)
	}
}

// Requests returns how many PDUs the server has answered.
func (s *Server) Requests() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests
}
