// Package isotp implements ISO 15765-2 segmentation and reassembly
// over CAN for the D-CAN transport: single/first/consecutive/
// flow-control frames, separation-time honoring, and
// sequence-monotonicity enforcement.
package isotp

import (
	"time"

	"github.com/rs/zerolog"
	"go.einride.tech/can"

	"github.com/bmwdiag/ediag/pkg/config"
	"github.com/bmwdiag/ediag/pkg/diagerr"
	"github.com/bmwdiag/ediag/pkg/timing"
)

// N_Bs is the max wait for Flow Control after First Frame.
const N_Bs = 1000 * time.Millisecond

// N_Cr is the max wait between Consecutive Frames.
const N_Cr = 1000 * time.Millisecond

const (
	pciSingleFrame   = 0x0
	pciFirstFrame    = 0x1
	pciConsecutive   = 0x2
	pciFlowControl   = 0x3
	fcContinueToSend = 0
	fcWait           = 1
	fcOverflowAbort  = 2
)

// Transport drives one (txID, rxID) ISO-TP conversation over a
// CanPort. Not safe for concurrent use; the session layer's per-bus
// lock serializes all access.
type Transport struct {
	can   CanPort
	clock timing.Clock
	cfg   config.Config
	txID  uint32
	rxID  uint32
	log   zerolog.Logger
}

func New(c CanPort, clock timing.Clock, cfg config.Config, txID, rxID uint32, log zerolog.Logger) *Transport {
	return &Transport{can: c, clock: clock, cfg: cfg, txID: txID, rxID: rxID, log: log.With().Str("component", "isotp").Logger()}
}

// Send transmits data as a Single Frame (≤7 bytes) or First
// Frame/Consecutive Frame sequence, honoring flow control.
func (t *Transport) Send(data []byte) error {
	if len(data) > t.cfg.IsoTpMaxLen {
		return diagerr.IsoTp("isotp.send", "message exceeds isotp_max_len", nil)
	}
	if len(data) <= 7 {
		return t.sendFrame(singleFrame(t.txID, data))
	}
	return t.sendMulti(data)
}

func (t *Transport) sendMulti(data []byte) error {
	if err := t.sendFrame(firstFrame(t.txID, data)); err != nil {
		return err
	}
	sent := 6

	bs, stMin, err := t.awaitFlowControl()
	if err != nil {
		return err
	}

	seq := byte(1)
	sinceFC := 0
	for sent < len(data) {
		if stMin > 0 {
			timing.SleepUntil(t.clock, t.clock.Now().Add(stMin), t.timingCfg())
		}
		take := len(data) - sent
		if take > 7 {
			take = 7
		}
		if err := t.sendFrame(consecutiveFrame(t.txID, seq, data[sent:sent+take])); err != nil {
			return err
		}
		sent += take
		seq = (seq + 1) & 0xF
		sinceFC++

		if bs > 0 && sinceFC == int(bs) && sent < len(data) {
			bs, stMin, err = t.awaitFlowControl()
			if err != nil {
				return err
			}
			sinceFC = 0
		}
	}
	return nil
}

// recv waits for the next frame on the conversation's rx ID,
// discarding unrelated bus traffic, until deadline.
func (t *Transport) recv(deadline time.Time) (can.Frame, error) {
	for {
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			return can.Frame{}, diagerr.Timeout("isotp.recv", "deadline exceeded")
		}
		f, err := t.can.Recv(remaining)
		if err != nil {
			return can.Frame{}, err
		}
		if t.rxID != 0 && f.ID != t.rxID {
			continue
		}
		return f, nil
	}
}

func (t *Transport) awaitFlowControl() (blockSize byte, stMin time.Duration, err error) {
	f, err := t.recv(t.clock.Now().Add(N_Bs))
	if err != nil {
		return 0, 0, diagerr.Timeout("isotp.send", "N_Bs exceeded waiting for flow control")
	}
	if f.Length < 3 || f.Data[0]>>4 != pciFlowControl {
		return 0, 0, diagerr.IsoTp("isotp.send", "expected flow control frame", nil)
	}
	flag := f.Data[0] & 0x0F
	switch flag {
	case fcContinueToSend:
		return f.Data[1], decodeSTmin(f.Data[2]), nil
	case fcWait:
		return t.awaitFlowControl()
	default:
		return 0, 0, diagerr.IsoTp("isotp.send", "flow control abort", nil)
	}
}

func (t *Transport) sendFrame(f can.Frame) error {
	return t.can.Send(f)
}

// Receive waits for an inbound message (as sender, the ECU's target
// of a request/response exchange), reassembling First/Consecutive
// Frames if necessary and replying with Flow Control immediately
// after a First Frame.
func (t *Transport) Receive(timeout time.Duration) ([]byte, error) {
	f, err := t.recv(t.clock.Now().Add(timeout))
	if err != nil {
		return nil, diagerr.Timeout("isotp.recv", "no frame before deadline")
	}
	if f.Length == 0 {
		return nil, diagerr.IsoTp("isotp.recv", "empty frame", nil)
	}

	switch f.Data[0] >> 4 {
	case pciSingleFrame:
		n := int(f.Data[0] & 0x0F)
		if n == 0 || int(f.Length) < 1+n {
			return nil, diagerr.IsoTp("isotp.recv", "malformed single frame", nil)
		}
		return append([]byte(nil), f.Data[1:1+n]...), nil
	case pciFirstFrame:
		return t.reassemble(f)
	default:
		return nil, diagerr.IsoTp("isotp.recv", "unexpected frame as conversation start", nil)
	}
}

func (t *Transport) reassemble(ff can.Frame) ([]byte, error) {
	length := int(ff.Data[0]&0x0F)<<8 | int(ff.Data[1])
	if length > t.cfg.IsoTpMaxLen {
		return nil, diagerr.IsoTp("isotp.recv", "declared length exceeds isotp_max_len", nil)
	}

	buf := make([]byte, 0, length)
	buf = append(buf, ff.Data[2:8]...)

	if err := t.sendFrame(flowControlFrame(t.txID, fcContinueToSend, 0, 0)); err != nil {
		return nil, err
	}

	expected := byte(1)
	for len(buf) < length {
		cf, err := t.recv(t.clock.Now().Add(N_Cr))
		if err != nil {
			return nil, diagerr.Timeout("isotp.recv", "N_Cr exceeded")
		}
		if cf.Length == 0 || cf.Data[0]>>4 != pciConsecutive {
			return nil, diagerr.IsoTp("isotp.recv", "expected consecutive frame", nil)
		}
		seq := cf.Data[0] & 0x0F
		if seq != expected {
			return nil, diagerr.IsoTp("isotp.recv", "sequence gap", nil)
		}
		remain := length - len(buf)
		take := remain
		if take > 7 {
			take = 7
		}
		if int(cf.Length) < 1+take {
			return nil, diagerr.IsoTp("isotp.recv", "truncated consecutive frame", nil)
		}
		buf = append(buf, cf.Data[1:1+take]...)
		expected = (expected + 1) & 0xF
	}
	return buf[:length], nil
}

func (t *Transport) timingCfg() timing.Config {
	return timing.Config{MinSpinUs: t.cfg.MinSpinUs, SleepSlackMs: t.cfg.SleepSlackMs}
}

func singleFrame(id uint32, data []byte) can.Frame {
	var d can.Data
	d[0] = byte(pciSingleFrame<<4) | byte(len(data))
	copy(d[1:], data)
	return can.Frame{ID: id, Length: 8, Data: d}
}

func firstFrame(id uint32, data []byte) can.Frame {
	var d can.Data
	length := len(data)
	d[0] = byte(pciFirstFrame<<4) | byte((length>>8)&0x0F)
	d[1] = byte(length)
	copy(d[2:], data[:6])
	return can.Frame{ID: id, Length: 8, Data: d}
}

func consecutiveFrame(id uint32, seq byte, data []byte) can.Frame {
	var d can.Data
	d[0] = byte(pciConsecutive<<4) | (seq & 0x0F)
	copy(d[1:], data)
	return can.Frame{ID: id, Length: byte(1 + len(data)), Data: d}
}

func flowControlFrame(id uint32, flag, blockSize, stMin byte) can.Frame {
	var d can.Data
	d[0] = byte(pciFlowControl<<4) | (flag & 0x0F)
	d[1] = blockSize
	d[2] = stMin
	return can.Frame{ID: id, Length: 3, Data: d}
}

// decodeSTmin converts the wire STmin byte to a duration per
// ISO 15765-2: 0x00-0x7F is milliseconds, 0xF1-0xF9 is 100-microsecond
// units.
func decodeSTmin(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	return 0
}
