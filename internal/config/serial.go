package config

import (
	"fmt"
	"strings"
)

// The getters accept a nil receiver so callers can read defaults without
// checking whether the "serial" block was present.

// GetBaudRate returns the baud_rate value or the default.
func (s *SerialConfig) GetBaudRate() int {
	if s == nil || s.BaudRate == nil {
		return 115200
	}
	return *s.BaudRate
}

// GetDataBits returns the data_bits value or the default.
func (s *SerialConfig) GetDataBits() int {
	if s == nil || s.DataBits == nil {
		return 8
	}
	return *s.DataBits
}

// GetStopBits returns the stop_bits value or the default.
func (s *SerialConfig) GetStopBits() int {
	if s == nil || s.StopBits == nil {
		return 1
	}
	return *s.StopBits
}

// GetParity returns the parity value or the default.
func (s *SerialConfig) GetParity() string {
	if s == nil || s.Parity == nil {
		return "N"
	}
	return strings.ToUpper(*s.Parity)
}

// Validate checks the serial line settings.
func (s *SerialConfig) Validate() error {
	if s == nil {
		return nil
	}
	if s.BaudRate != nil && *s.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *s.BaudRate)
	}
	if s.DataBits != nil && (*s.DataBits < 5 || *s.DataBits > 8) {
		return fmt.Errorf("data_bits must be between 5 and 8, got %d", *s.DataBits)
	}
	if s.StopBits != nil && *s.StopBits != 1 && *s.StopBits != 2 {
		return fmt.Errorf("stop_bits must be 1 or 2, got %d", *s.StopBits)
	}
	if s.Parity != nil {
		switch strings.ToUpper(*s.Parity) {
		case "N", "E", "O", "NONE", "EVEN", "ODD":
		default:
			return fmt.Errorf("parity must be N, E or O, got %q", *s.Parity)
		}
	}
	return nil
}
