// Package serialport adapts a real go.bug.st/serial handle to the
// port.DuplexPort contract, for use against physical K-Line or D-CAN
// adapter hardware.
package serialport

import (
	"time"

	"go.bug.st/serial"

	"github.com/bmwdiag/ediag/pkg/port"
)

// Serial wraps an open serial.Port.
type Serial struct {
	sp   serial.Port
	name string
}

// Open opens name at baud with no parity and one stop bit, the mode
// expected by both the 10400 bps K-Line default and the common
// USB-CAN adapters this engine targets.
func Open(name string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(name, mode)
	if err != nil {
		return nil, &port.IOError{Reason: "open " + name, Err: err}
	}
	return &Serial{sp: sp, name: name}, nil
}

func (s *Serial) ReadAvailable(timeout time.Duration) ([]byte, error) {
	if err := s.sp.SetReadTimeout(timeout); err != nil {
		return nil, &port.IOError{Reason: "set read timeout", Err: err}
	}
	buf := make([]byte, 512)
	n, err := s.sp.Read(buf)
	if err != nil {
		return nil, &port.IOError{Reason: "read", Err: err}
	}
	if n == 0 {
		return nil, port.ErrTimeout
	}
	return buf[:n], nil
}

func (s *Serial) WriteAll(data []byte) error {
	_, err := s.sp.Write(data)
	if err != nil {
		return &port.IOError{Reason: "write", Err: err}
	}
	return nil
}

func (s *Serial) SetBaud(rate int) error {
	if err := s.sp.SetMode(&serial.Mode{BaudRate: rate}); err != nil {
		return &port.IOError{Reason: "set baud", Err: err}
	}
	return nil
}

func (s *Serial) SetDTR(level bool) error {
	if err := s.sp.SetDTR(level); err != nil {
		return &port.IOError{Reason: "set dtr", Err: err}
	}
	return nil
}

func (s *Serial) SetRTS(level bool) error {
	if err := s.sp.SetRTS(level); err != nil {
		return &port.IOError{Reason: "set rts", Err: err}
	}
	return nil
}

func (s *Serial) Flush() error {
	if err := s.sp.ResetInputBuffer(); err != nil {
		return &port.IOError{Reason: "flush input", Err: err}
	}
	if err := s.sp.ResetOutputBuffer(); err != nil {
		return &port.IOError{Reason: "flush output", Err: err}
	}
	return nil
}

func (s *Serial) Close() error {
	if err := s.sp.Close(); err != nil {
		return &port.IOError{Reason: "close", Err: err}
	}
	return nil
}

var _ port.DuplexPort = (*Serial)(nil)
