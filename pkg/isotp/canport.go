package isotp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.einride.tech/can"

	"github.com/bmwdiag/ediag/pkg/port"
	"github.com/bmwdiag/ediag/pkg/timing"
)

// CanPort is the frame-level capability the ISO-TP transport is built
// against, analogous in spirit to port.DuplexPort but carrying whole
// CAN frames instead of bytes.
type CanPort interface {
	Send(f can.Frame) error
	Recv(timeout time.Duration) (can.Frame, error)
}

// SlcanPort bridges a byte-level port.DuplexPort (the same capability
// the K-Line transport uses) into CanPort using the Lawicel/SLCAN
// ASCII line protocol spoken by common low-cost USB-CAN adapters —
// the same class of hardware a K+DCAN cable's CAN side exposes.
type SlcanPort struct {
	port  port.DuplexPort
	clock timing.Clock

	pending []byte
}

// NewSlcanPort wraps an already-open, already-configured (bitrate,
// opened channel) serial handle.
func NewSlcanPort(p port.DuplexPort, clock timing.Clock) *SlcanPort {
	return &SlcanPort{port: p, clock: clock}
}

func (s *SlcanPort) Send(f can.Frame) error {
	line := encodeSlcan(f)
	return s.port.WriteAll([]byte(line))
}

func (s *SlcanPort) Recv(timeout time.Duration) (can.Frame, error) {
	deadline := s.clock.Now().Add(timeout)
	for {
		if idx := indexCR(s.pending); idx >= 0 {
			line := s.pending[:idx]
			s.pending = s.pending[idx+1:]
			f, ok := decodeSlcan(line)
			if ok {
				return f, nil
			}
			continue
		}
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return can.Frame{}, port.ErrTimeout
		}
		data, err := s.port.ReadAvailable(remaining)
		if err != nil {
			if errors.Is(err, port.ErrTimeout) {
				continue
			}
			return can.Frame{}, err
		}
		s.pending = append(s.pending, data...)
	}
}

func indexCR(buf []byte) int {
	for i, b := range buf {
		if b == '\r' {
			return i
		}
	}
	return -1
}

func encodeSlcan(f can.Frame) string {
	return fmt.Sprintf("t%03X%d%s\r", f.ID&0x7FF, f.Length, hex.EncodeToString(f.Data[:f.Length]))
}

func decodeSlcan(line []byte) (can.Frame, bool) {
	s := string(line)
	if len(s) < 5 || s[0] != 't' {
		return can.Frame{}, false
	}
	id, err := strconv.ParseUint(s[1:4], 16, 16)
	if err != nil {
		return can.Frame{}, false
	}
	dlc, err := strconv.ParseUint(s[4:5], 16, 8)
	if err != nil || dlc > 8 {
		return can.Frame{}, false
	}
	need := 5 + int(dlc)*2
	if len(s) < need {
		return can.Frame{}, false
	}
	raw, err := hex.DecodeString(s[5:need])
	if err != nil {
		return can.Frame{}, false
	}
	var data can.Data
	copy(data[:], raw)
	return can.Frame{ID: uint32(id), Length: uint8(dlc), Data: data}, true
}
