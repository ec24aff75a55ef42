// Package kline implements the K-Line (ISO 14230 / KWP2000) transport:
// bus initialization, half-duplex echo cancellation, P1/P2 response
// timing, and single-retry framing recovery, built directly on a
// port.DuplexPort and a timing.Clock. Each request is written with one
// WriteAll call, with no P4 inter-byte spacing; the P3 inter-request
// gap is enforced by the scheduler, not here.
package kline

import (
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/bmwdiag/ediag/pkg/config"
	"github.com/bmwdiag/ediag/pkg/diagerr"
	"github.com/bmwdiag/ediag/pkg/frame"
	"github.com/bmwdiag/ediag/pkg/port"
	"github.com/bmwdiag/ediag/pkg/timing"
)

// testerAddr is the source address this engine identifies itself with
// on the bus (the conventional KWP2000 "tool" address).
const testerAddr = 0xF1

// p1 bounds inter-byte echo arrival; it is a protocol constant, not a
// tunable option (unlike P2/P2*/P3/S3 in config.Config).
const p1 = 20 * time.Millisecond

// ringCap bounds the receive buffer between UART and parser.
const ringCap = 4096

// Transport drives one physical K-Line bus. Not safe for concurrent
// use; the session layer's per-bus lock serializes all access.
type Transport struct {
	port  port.DuplexPort
	clock timing.Clock
	cfg   config.Config
	log   zerolog.Logger

	pending         []byte
	overflowNoticed bool
}

// New builds a Transport over an already-open port.
func New(p port.DuplexPort, clock timing.Clock, cfg config.Config, log zerolog.Logger) *Transport {
	return &Transport{port: p, clock: clock, cfg: cfg, log: log.With().Str("component", "kline").Logger()}
}

// Init performs bus initialization against targetAddr using the
// strategy selected in cfg.BusInitStrategy.
func (t *Transport) Init(targetAddr byte) error {
	switch t.cfg.BusInitStrategy {
	case config.FastInit:
		return t.fastInit(targetAddr)
	default:
		return t.fiveBaudInit(targetAddr)
	}
}

func (t *Transport) fiveBaudInit(addr byte) error {
	if err := t.port.SetBaud(5); err != nil {
		return initErr("set_baud_5", err)
	}
	if err := t.port.WriteAll([]byte{addr}); err != nil {
		return initErr("write_addr", err)
	}
	if err := t.port.SetBaud(10400); err != nil {
		return initErr("set_baud_10400", err)
	}

	// W1: sync byte 0x55 within [60, 300]ms.
	sync, err := t.readByte(t.clock.Now().Add(300 * time.Millisecond))
	if err != nil {
		return initErr("sync", err)
	}
	if sync != 0x55 {
		return initErr("sync", fmt.Errorf("got 0x%02X, want 0x55", sync))
	}

	// W2: KB1 within 20ms.
	if _, err := t.readByte(t.clock.Now().Add(20 * time.Millisecond)); err != nil {
		return initErr("kb1", err)
	}

	// W3: KB2 within 20ms.
	kb2, err := t.readByte(t.clock.Now().Add(20 * time.Millisecond))
	if err != nil {
		return initErr("kb2", err)
	}

	// W4: transmit ~KB2 within [25, 50]ms.
	timing.SleepUntil(t.clock, t.clock.Now().Add(25*time.Millisecond), t.timingCfg())
	if err := t.port.WriteAll([]byte{^kb2}); err != nil {
		return initErr("invert_kb2", err)
	}

	// W4: expect ~addr within [25, 50]ms.
	inv, err := t.readByte(t.clock.Now().Add(50 * time.Millisecond))
	if err != nil {
		return initErr("addr_echo", err)
	}
	if inv != ^addr {
		return initErr("addr_echo", fmt.Errorf("got 0x%02X, want 0x%02X", inv, ^addr))
	}

	t.log.Debug().Str("ecu_addr", fmt.Sprintf("0x%02X", addr)).Msg("5-baud init complete")
	return nil
}

// fastInit drives the wake pulse through whatever break-capable
// control line the adapter wires (RTS, by convention for the K-Line
// dongles this engine targets), then issues StartCommunication.
func (t *Transport) fastInit(addr byte) error {
	if err := t.port.SetRTS(true); err != nil {
		return initErr("wake_low", err)
	}
	timing.SleepUntil(t.clock, t.clock.Now().Add(25*time.Millisecond), t.timingCfg())
	if err := t.port.SetRTS(false); err != nil {
		return initErr("wake_high", err)
	}
	timing.SleepUntil(t.clock, t.clock.Now().Add(25*time.Millisecond), t.timingCfg())

	req, err := frame.Build(testerAddr, addr, []byte{0x81})
	if err != nil {
		return initErr("build_start_communication", err)
	}
	if err := t.port.WriteAll(req); err != nil {
		return initErr("write_start_communication", err)
	}
	if err := t.stripEcho(req); err != nil {
		return initErr("echo", err)
	}

	f, err := t.readFrame(t.clock.Now().Add(t.cfg.P2()))
	if err != nil {
		return initErr("start_communication_response", err)
	}
	if len(f.Data) == 0 || f.Data[0] != 0x81|0x40 {
		return initErr("start_communication_response", fmt.Errorf("unexpected response % X", f.Data))
	}

	t.log.Debug().Str("ecu_addr", fmt.Sprintf("0x%02X", addr)).Msg("fast init complete")
	return nil
}

// Exchange sends one KWP request and returns the parsed response
// frame, applying the single-retransmission policy for BadChecksum
// and Incomplete failures.
func (t *Transport) Exchange(target byte, data []byte) (*frame.Frame, error) {
	req, err := frame.Build(testerAddr, target, data)
	if err != nil {
		return nil, diagerr.Framing("kline.exchange", "build request", err)
	}

	var resp *frame.Frame
	retryErr := retry.Do(
		func() error {
			f, err := t.transmitAndReceive(req)
			if err != nil {
				if !retryable(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			resp = f
			return nil
		},
		retry.Attempts(2),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.log.Warn().Uint("attempt", n).Err(err).Msg("kline: retransmitting after recoverable failure")
		}),
	)
	if retryErr != nil {
		return nil, asDiagErr("kline.exchange", retryErr)
	}
	return resp, nil
}

func (t *Transport) transmitAndReceive(req []byte) (*frame.Frame, error) {
	if err := t.writeChecked(req); err != nil {
		return nil, err
	}
	return t.readFrame(t.clock.Now().Add(t.cfg.P2()))
}

func (t *Transport) writeChecked(req []byte) error {
	if err := t.port.WriteAll(req); err != nil {
		return diagerr.Transport("kline.tx", "write failed", err)
	}
	return t.stripEcho(req)
}

// Send transmits one KWP request and returns once its echo has been
// stripped, without waiting for the ECU's response. Used by session
// layer continuations (response-pending) that wait separately via
// Receive instead of resending.
func (t *Transport) Send(target byte, data []byte) error {
	req, err := frame.Build(testerAddr, target, data)
	if err != nil {
		return diagerr.Framing("kline.send", "build request", err)
	}
	return t.writeChecked(req)
}

// Receive waits for one frame without transmitting anything.
func (t *Transport) Receive(deadline time.Time) (*frame.Frame, error) {
	return t.readFrame(deadline)
}

// stripEcho consumes exactly len(sent) bytes from the receive stream
// and verifies each matches the byte the transport just transmitted.
func (t *Transport) stripEcho(sent []byte) error {
	for i, want := range sent {
		got, err := t.readByte(t.clock.Now().Add(p1))
		if err != nil {
			return diagerr.Transport("kline.echo", "echo timeout", err)
		}
		if got != want {
			return diagerr.Transport("kline.echo", fmt.Sprintf("echo mismatch at byte %d: want 0x%02X got 0x%02X", i, want, got), nil)
		}
	}
	return nil
}

// readFrame accumulates bytes from the port until frame.Parse yields a
// complete frame, discarding resync bytes along the way.
func (t *Transport) readFrame(deadline time.Time) (*frame.Frame, error) {
	for {
		f, consumed, err := frame.Parse(t.pending)
		if err == nil {
			t.pending = t.pending[consumed:]
			return f, nil
		}
		if errors.Is(err, frame.ErrBadStart) {
			t.pending = t.pending[consumed:]
			continue
		}
		var bc *frame.BadChecksumError
		if errors.As(err, &bc) {
			t.pending = t.pending[consumed:]
			return nil, diagerr.Framing("kline.readFrame", "bad checksum", err)
		}
		if !errors.Is(err, frame.ErrIncomplete) {
			return nil, diagerr.Framing("kline.readFrame", "parse error", err)
		}

		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			return nil, diagerr.Timeout("kline.readFrame", "P2/P2* exceeded")
		}
		data, rerr := t.port.ReadAvailable(remaining)
		if rerr != nil {
			if errors.Is(rerr, port.ErrTimeout) {
				continue
			}
			return nil, diagerr.Transport("kline.readFrame", "port read failed", rerr)
		}
		t.rxPush(data)
	}
}

func (t *Transport) readByte(deadline time.Time) (byte, error) {
	for {
		if len(t.pending) > 0 {
			b := t.pending[0]
			t.pending = t.pending[1:]
			return b, nil
		}
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			return 0, diagerr.Timeout("kline.readByte", "deadline exceeded")
		}
		data, err := t.port.ReadAvailable(remaining)
		if err != nil {
			if errors.Is(err, port.ErrTimeout) {
				continue
			}
			return 0, diagerr.Transport("kline.readByte", "port read failed", err)
		}
		t.rxPush(data)
	}
}

func (t *Transport) rxPush(data []byte) {
	t.pending = append(t.pending, data...)
	if len(t.pending) > ringCap {
		drop := len(t.pending) - ringCap
		t.pending = t.pending[drop:]
		if !t.overflowNoticed {
			t.overflowNoticed = true
			t.log.Warn().Msg("kline: receive buffer overflow, oldest bytes dropped")
		}
	}
}

func (t *Transport) timingCfg() timing.Config {
	return timing.Config{MinSpinUs: t.cfg.MinSpinUs, SleepSlackMs: t.cfg.SleepSlackMs}
}

func retryable(err error) bool {
	var de *diagerr.Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == diagerr.KindFraming || de.Kind == diagerr.KindTimeout
}

func asDiagErr(op string, err error) error {
	var de *diagerr.Error
	if errors.As(err, &de) {
		return de
	}
	return diagerr.Transport(op, "retry exhausted", err)
}

func initErr(stage string, err error) error {
	return diagerr.Transport("kline.init", "init failed at stage "+stage, err)
}
