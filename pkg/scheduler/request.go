package scheduler

import (
	"sync/atomic"
	"time"
)

// Priority selects which of the scheduler's three queues a Request
// enters.
type Priority int

const (
	PriorityHigh   Priority = iota // TesterPresent, cancellation, error recovery
	PriorityNormal                 // user-initiated diagnostic requests
	PriorityLow                    // periodic PID polling
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Request is one service call queued for a target ECU. The scheduler
// owns it until dispatch; ownership then transfers to the session
// layer for the duration of the exchange.
type Request struct {
	ID       string
	EcuID    string
	Service  byte
	Payload  []byte
	Priority Priority
	Deadline time.Time

	done      chan Response
	cancelled int32
}

// NewRequest builds a queueable request. id should be generated by the
// caller (uuid.New().String() in the diag layer) so callers can
// correlate submissions with later Cancel calls before the request
// even reaches the scheduler.
func NewRequest(id, ecuID string, service byte, payload []byte, priority Priority) *Request {
	return &Request{
		ID:       id,
		EcuID:    ecuID,
		Service:  service,
		Payload:  payload,
		Priority: priority,
		done:     make(chan Response, 1),
	}
}

// Cancel marks the request cancelled. If it has not yet been dispatched
// the scheduler drops it with ResponseCancelled; a request already
// executing is not interrupted and completes with its normal result.
func (r *Request) Cancel() { atomic.StoreInt32(&r.cancelled, 1) }

// Cancelled reports whether Cancel has been called.
func (r *Request) Cancelled() bool { return atomic.LoadInt32(&r.cancelled) == 1 }

// ResponseKind classifies how a Request concluded.
type ResponseKind int

const (
	ResponsePositive ResponseKind = iota
	ResponseNegative
	ResponseTimeout
	ResponseTransportError
	ResponseCancelled
)

// Response is delivered on the channel Scheduler.Submit returns.
type Response struct {
	RequestID string
	Kind      ResponseKind
	Data      []byte
	NRC       byte
	Err       error
	Elapsed   time.Duration
}
