// Package scheduler implements the prioritized request queue that
// multiplexes foreground diagnostic requests against background
// keepalive and live-data polling onto a single physically-owned bus.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bmwdiag/ediag/pkg/config"
	"github.com/bmwdiag/ediag/pkg/diagerr"
	"github.com/bmwdiag/ediag/pkg/timing"
)

// Executor runs one service request against an already-open ECU
// session and returns the decoded positive response payload, or the
// typed error the session layer produced.
type Executor interface {
	Execute(ecuID string, service byte, payload []byte) ([]byte, error)
}

// Scheduler serializes Executor calls across three priority queues.
// Not safe to Run more than once concurrently.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	high, normal, low []*Request
	lowNext           bool
	closed            bool

	exec  Executor
	clock timing.Clock
	cfg   config.Config
	log   zerolog.Logger
}

// New builds a Scheduler over exec. Run must be called to start
// dispatching.
func New(exec Executor, clock timing.Clock, cfg config.Config, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		exec:  exec,
		clock: clock,
		cfg:   cfg,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit enqueues req at its priority and returns the channel its
// single Response will arrive on.
func (s *Scheduler) Submit(req *Request) <-chan Response {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		req.done <- Response{RequestID: req.ID, Kind: ResponseCancelled, Err: diagerr.Cancelled("scheduler.submit")}
		close(req.done)
		return req.done
	}
	switch req.Priority {
	case PriorityHigh:
		s.high = append(s.high, req)
	case PriorityNormal:
		s.normal = append(s.normal, req)
	default:
		s.low = append(s.low, req)
	}
	s.mu.Unlock()
	s.cond.Signal()
	return req.done
}

// Cancel marks a still-queued request cancelled by ID, so the dispatch
// loop drops it with ResponseCancelled instead of executing it. Only
// the queues are searched: for a request already dispatched (or an
// unknown ID) Cancel returns false, and the in-flight exchange runs to
// completion and reports its normal result.
func (s *Scheduler) Cancel(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range [][]*Request{s.high, s.normal, s.low} {
		for _, r := range q {
			if r.ID == requestID {
				r.Cancel()
				return true
			}
		}
	}
	return false
}

// Run drives the dispatch loop until ctx is cancelled, draining and
// rejecting anything still queued before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	errg, gctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		<-gctx.Done()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
		return nil
	})
	errg.Go(func() error {
		s.dispatchLoop()
		return nil
	})
	return errg.Wait()
}

// dispatchLoop drains High fully, then takes one Normal, then one
// Low, then rechecks High. Each call to next() starts the check over
// from High, so as long as High keeps refilling it is exhausted before
// Normal/Low make progress; below High, Normal and Low alternate so
// steady Normal traffic cannot starve PID polling.
func (s *Scheduler) dispatchLoop() {
	for {
		req := s.next()
		if req == nil {
			return
		}
		if req.Cancelled() {
			s.finish(req, Response{RequestID: req.ID, Kind: ResponseCancelled})
			continue
		}
		s.execute(req)
		timing.SleepUntil(s.clock, s.clock.Now().Add(s.cfg.P3Min()), s.timingCfg())
	}
}

// next returns the next dispatchable request. High always wins; when
// High is empty, lowNext alternates which of Normal/Low gets first
// claim, falling back to the other when its own queue is empty.
func (s *Scheduler) next() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			// Shutting down: anything still queued is reported
			// cancelled by dispatchLoop rather than executed.
			for _, q := range [][]*Request{s.high, s.normal, s.low} {
				for _, r := range q {
					r.Cancel()
				}
			}
		}
		if r := pop(&s.high); r != nil {
			return r
		}
		if s.lowNext {
			if r := pop(&s.low); r != nil {
				s.lowNext = false
				return r
			}
			if r := pop(&s.normal); r != nil {
				return r
			}
		} else {
			if r := pop(&s.normal); r != nil {
				s.lowNext = true
				return r
			}
			if r := pop(&s.low); r != nil {
				return r
			}
		}
		if s.closed {
			return nil
		}
		s.cond.Wait()
	}
}

func pop(q *[]*Request) *Request {
	if len(*q) == 0 {
		return nil
	}
	r := (*q)[0]
	*q = (*q)[1:]
	return r
}

func (s *Scheduler) execute(req *Request) {
	start := s.clock.Now()
	data, err := s.exec.Execute(req.EcuID, req.Service, req.Payload)
	s.finish(req, classify(req.ID, data, err, s.clock.Now().Sub(start)))
}

func (s *Scheduler) finish(req *Request, resp Response) {
	req.done <- resp
	close(req.done)
}

// classify turns an Executor result into the Response taxonomy the
// caller sees, unwrapping a *diagerr.Error to tell a negative response
// apart from a timeout or a lower-layer transport failure.
func classify(requestID string, data []byte, err error, elapsed time.Duration) Response {
	if err == nil {
		return Response{RequestID: requestID, Kind: ResponsePositive, Data: data, Elapsed: elapsed}
	}
	var de *diagerr.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case diagerr.KindTimeout:
			return Response{RequestID: requestID, Kind: ResponseTimeout, Err: err, Elapsed: elapsed}
		case diagerr.KindNrc:
			return Response{RequestID: requestID, Kind: ResponseNegative, NRC: de.NRC, Err: err, Elapsed: elapsed}
		case diagerr.KindCancelled:
			return Response{RequestID: requestID, Kind: ResponseCancelled, Err: err, Elapsed: elapsed}
		}
	}
	return Response{RequestID: requestID, Kind: ResponseTransportError, Err: err, Elapsed: elapsed}
}

func (s *Scheduler) timingCfg() timing.Config {
	return timing.Config{MinSpinUs: s.cfg.MinSpinUs, SleepSlackMs: s.cfg.SleepSlackMs}
}
