// Package diagerr defines the error taxonomy shared by every transport
// and session-layer component, carrying the request/ECU/service/elapsed
// context a surfaced failure needs to be actionable.
package diagerr

import (
	"fmt"
	"time"
)

// Kind classifies a diagnostic failure.
type Kind int

const (
	KindTransport Kind = iota
	KindFraming
	KindIsoTp
	KindTimeout
	KindNrc
	KindState
	KindCancelled
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindFraming:
		return "FramingError"
	case KindIsoTp:
		return "IsoTpError"
	case KindTimeout:
		return "Timeout"
	case KindNrc:
		return "Nrc"
	case KindState:
		return "StateError"
	case KindCancelled:
		return "Cancelled"
	case KindConfig:
		return "ConfigError"
	default:
		return "Unknown"
	}
}

// Error is the common error type returned by every public operation.
// It always carries enough context to explain a failure without the
// caller needing to inspect lower layers.
type Error struct {
	Kind      Kind
	Op        string // e.g. "kline.init", "isotp.send", "session.request"
	ECU       string
	Service   byte
	RequestID string
	Elapsed   time.Duration
	Reason    string
	NRC       byte // meaningful only when Kind == KindNrc
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ECU != "" {
		msg += fmt.Sprintf(" ecu=%s", e.ECU)
	}
	if e.Service != 0 {
		msg += fmt.Sprintf(" service=0x%02X", e.Service)
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" request=%s", e.RequestID)
	}
	if e.Elapsed > 0 {
		msg += fmt.Sprintf(" elapsed=%s", e.Elapsed)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with context fields filled in; zero-valued
// fields on patch are ignored so callers can annotate incrementally as
// an error rises through the stack.
func (e *Error) With(ecu string, service byte, requestID string, elapsed time.Duration) *Error {
	cp := *e
	if ecu != "" {
		cp.ECU = ecu
	}
	if service != 0 {
		cp.Service = service
	}
	if requestID != "" {
		cp.RequestID = requestID
	}
	if elapsed > 0 {
		cp.Elapsed = elapsed
	}
	return &cp
}

func New(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

func Transport(op, reason string, err error) *Error { return New(KindTransport, op, reason, err) }
func Framing(op, reason string, err error) *Error   { return New(KindFraming, op, reason, err) }
func IsoTp(op, reason string, err error) *Error     { return New(KindIsoTp, op, reason, err) }
func Timeout(op, reason string) *Error              { return New(KindTimeout, op, reason, nil) }
func State(op, reason string) *Error                { return New(KindState, op, reason, nil) }
func Cancelled(op string) *Error                    { return New(KindCancelled, op, "cancelled", nil) }
func Config(op, reason string) *Error               { return New(KindConfig, op, reason, nil) }

// Nrc wraps a negative response code as an *Error with Kind == KindNrc.
func Nrc(op string, code byte) *Error {
	return &Error{Kind: KindNrc, Op: op, Reason: "negative response", NRC: code}
}
