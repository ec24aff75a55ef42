// Package diag exposes the top-level diagnostic engine. It wires the
// catalog, the two transports, the session layer, the scheduler, and
// telemetry behind one small API: open an ECU, read/clear DTCs, poll
// PIDs, run routines, unlock security access.
package diag

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bmwdiag/ediag/pkg/catalog"
	"github.com/bmwdiag/ediag/pkg/config"
	"github.com/bmwdiag/ediag/pkg/diagerr"
	"github.com/bmwdiag/ediag/pkg/isotp"
	"github.com/bmwdiag/ediag/pkg/kline"
	"github.com/bmwdiag/ediag/pkg/port"
	"github.com/bmwdiag/ediag/pkg/scheduler"
	"github.com/bmwdiag/ediag/pkg/services"
	"github.com/bmwdiag/ediag/pkg/session"
	"github.com/bmwdiag/ediag/pkg/telemetry"
	"github.com/bmwdiag/ediag/pkg/timing"
)

// TransportHint steers OpenEcu's choice when an ECU is reachable over
// both buses.
type TransportHint int

const (
	HintAuto TransportHint = iota
	HintKLine
	HintDCan
)

// keepaliveInterval is how often an open session is polled for
// whether its TesterPresent keepalive is due.
const keepaliveInterval = 200 * time.Millisecond

// Engine owns every open ECU session on a K-Line bus, a D-CAN bus, or
// both, and is the single entry point the rest of an application uses.
type Engine struct {
	cfg   config.Config
	clock timing.Clock
	log   zerolog.Logger

	klineTransport *kline.Transport
	canPort        isotp.CanPort

	// One lock per physical bus: every session on a bus shares it, so
	// scheduler dispatch, keepalive, and control-plane calls serialize
	// at request granularity and the port stays single-owner.
	klineBus sync.Mutex
	canBus   sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session.Session
	stopKA   map[string]chan struct{}

	executor  *session.Executor
	sched     *scheduler.Scheduler
	telemetry *telemetry.Manager
	routines  *services.RoutineProbe

	schedCancel context.CancelFunc
	schedDone   chan error
}

// New builds an Engine. Either port may be nil if that bus is not
// wired up; OpenEcu then fails for ECUs that need it.
func New(klinePort port.DuplexPort, canPort isotp.CanPort, clock timing.Clock, cfg config.Config, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		clock:     clock,
		log:       log.With().Str("component", "diag").Logger(),
		canPort:   canPort,
		sessions:  make(map[string]*session.Session),
		stopKA:    make(map[string]chan struct{}),
		executor:  session.NewExecutor(),
		telemetry: telemetry.NewManager(telemetry.DefaultHistoryLimit),
		routines:  services.NewRoutineProbe(),
	}
	if klinePort != nil {
		e.klineTransport = kline.New(klinePort, clock, cfg, log)
	}
	e.sched = scheduler.New(e.executor, clock, cfg, e.log)

	ctx, cancel := context.WithCancel(context.Background())
	e.schedCancel = cancel
	e.schedDone = make(chan error, 1)
	go func() { e.schedDone <- e.sched.Run(ctx) }()

	return e
}

// Telemetry exposes the sample bus so callers can subscribe to live
// PID streams alongside request/response calls.
func (e *Engine) Telemetry() *telemetry.Manager { return e.telemetry }

// ListEcus returns the static catalog.
func (e *Engine) ListEcus() []catalog.EcuDescriptor { return catalog.List() }

// OpenEcu initializes the bus for id's preferred (or hinted) transport
// and opens a default diagnostic session.
func (e *Engine) OpenEcu(id string, hint TransportHint) error {
	desc, ok := catalog.Lookup(id)
	if !ok {
		return diagerr.State("diag.open_ecu", "unknown ecu "+id)
	}

	transport, err := e.chooseTransport(desc, hint)
	if err != nil {
		return err
	}

	ex, err := e.buildExchanger(id, desc, transport)
	if err != nil {
		return err
	}

	sess := session.New(id, ex, e.busFor(transport), e.clock, e.cfg, e.log)
	if err := sess.Open(services.SessionDefault); err != nil {
		return err
	}

	e.mu.Lock()
	e.sessions[id] = sess
	stop := make(chan struct{})
	e.stopKA[id] = stop
	e.mu.Unlock()
	e.executor.Put(id, sess)

	go e.keepaliveLoop(id, sess, stop)
	return nil
}

func (e *Engine) chooseTransport(desc catalog.EcuDescriptor, hint TransportHint) (catalog.Transport, error) {
	switch hint {
	case HintKLine:
		if !desc.Transports.Has(catalog.KLine) {
			return 0, diagerr.State("diag.open_ecu", desc.ID+" has no K-Line transport")
		}
		return catalog.KLine, nil
	case HintDCan:
		if !desc.Transports.Has(catalog.DCan) {
			return 0, diagerr.State("diag.open_ecu", desc.ID+" has no D-CAN transport")
		}
		return catalog.DCan, nil
	default:
		if desc.Transports.Has(catalog.DCan) {
			return catalog.DCan, nil
		}
		if desc.Transports.Has(catalog.KLine) {
			return catalog.KLine, nil
		}
		return 0, diagerr.State("diag.open_ecu", desc.ID+" has no usable transport")
	}
}

// busFor returns the lock owning transport's physical bus.
func (e *Engine) busFor(transport catalog.Transport) *sync.Mutex {
	if transport == catalog.KLine {
		return &e.klineBus
	}
	return &e.canBus
}

func (e *Engine) buildExchanger(id string, desc catalog.EcuDescriptor, transport catalog.Transport) (session.Exchanger, error) {
	switch transport {
	case catalog.KLine:
		if e.klineTransport == nil {
			return nil, diagerr.Config("diag.open_ecu", "no K-Line port configured")
		}
		e.klineBus.Lock()
		err := e.klineTransport.Init(desc.KLineAddr)
		e.klineBus.Unlock()
		if err != nil {
			return nil, err
		}
		return session.NewKlineExchanger(e.klineTransport, e.clock, desc.KLineAddr), nil
	case catalog.DCan:
		if e.canPort == nil {
			return nil, diagerr.Config("diag.open_ecu", "no D-CAN port configured")
		}
		tp := isotp.New(e.canPort, e.clock, e.cfg, uint32(desc.CanTxID), uint32(desc.CanRxID), e.log)
		return session.NewIsoTpExchanger(tp), nil
	default:
		return nil, diagerr.State("diag.open_ecu", "no transport selected for "+id)
	}
}

// CloseEcu tears down id's session; the scheduler and any pending
// requests for other ECUs are unaffected.
func (e *Engine) CloseEcu(id string) error {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	stop := e.stopKA[id]
	delete(e.sessions, id)
	delete(e.stopKA, id)
	e.mu.Unlock()
	if !ok {
		return diagerr.State("diag.close", "ecu not open: "+id)
	}
	close(stop)
	sess.Close()
	e.executor.Remove(id)
	return nil
}

// Close shuts the scheduler down and every open session.
func (e *Engine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.CloseEcu(id)
	}
	e.schedCancel()
	return <-e.schedDone
}

func (e *Engine) sessionFor(id string) (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	if !ok {
		return nil, diagerr.State("diag.session", "ecu not open: "+id)
	}
	return sess, nil
}

func (e *Engine) keepaliveLoop(id string, sess *session.Session, stop chan struct{}) {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if sess.KeepaliveDue() {
				if err := sess.Keepalive(); err != nil {
					e.log.Warn().Str("ecu", id).Err(err).Msg("tester present keepalive failed")
				}
			}
		}
	}
}

// SessionControl requests kind for an already-open ECU. SecurityAccess
// and session control are control-plane calls executed directly
// against the Session rather than through the scheduler: both need a
// multi-step exchange (security access) or immediately change session
// state other in-flight requests must observe (session control),
// neither of which fits the scheduler's single request/response
// Executor shape. The per-bus lock inside Session keeps these calls
// from ever sharing the wire with a dispatched request.
func (e *Engine) SessionControl(id string, kind services.DiagnosticSessionKind) error {
	sess, err := e.sessionFor(id)
	if err != nil {
		return err
	}
	return sess.Open(kind)
}

// SecurityAccess runs the seed/key exchange for id at level.
func (e *Engine) SecurityAccess(id string, level byte, algo services.SeedKeyAlgorithm) error {
	sess, err := e.sessionFor(id)
	if err != nil {
		return err
	}
	return sess.SecurityAccess(level, algo)
}

// ReadDtcs reads every DTC matching AllDtcStatuses, at PriorityNormal.
func (e *Engine) ReadDtcs(id string) ([]services.Dtc, error) {
	if _, err := e.sessionFor(id); err != nil {
		return nil, err
	}
	payload := services.BuildReadDTCInformation(services.ReportDtcByStatusMask, services.AllDtcStatuses)[1:]
	req := scheduler.NewRequest(uuid.New().String(), id, services.ServiceReadDTCInformation, payload, scheduler.PriorityNormal)
	resp := <-e.sched.Submit(req)
	if resp.Err != nil {
		return nil, resp.Err
	}
	return services.DecodeReadDTCInformation(resp.Data)
}

// ClearDtcs clears group (services.ClearAllGroups for every group).
func (e *Engine) ClearDtcs(id string, group uint32) error {
	if _, err := e.sessionFor(id); err != nil {
		return err
	}
	payload := services.BuildClearDiagnosticInformation(group)[1:]
	req := scheduler.NewRequest(uuid.New().String(), id, services.ServiceClearDiagnosticInfo, payload, scheduler.PriorityNormal)
	resp := <-e.sched.Submit(req)
	return resp.Err
}

// ReadPid reads and scales one PID, publishing the sample to the
// telemetry bus before returning it.
func (e *Engine) ReadPid(id string, pid byte) (services.PidSample, error) {
	if _, err := e.sessionFor(id); err != nil {
		return services.PidSample{}, err
	}
	req := scheduler.NewRequest(uuid.New().String(), id, services.ServiceReadDataByIdentifier, []byte{pid}, scheduler.PriorityNormal)
	resp := <-e.sched.Submit(req)
	if resp.Err != nil {
		return services.PidSample{}, resp.Err
	}
	sample, err := services.DecodeReadDataByIdentifier(resp.Data, e.clock.Now())
	if err != nil {
		return services.PidSample{}, err
	}
	_ = e.telemetry.Publish(id, sample)
	return sample, nil
}

// ReadPids enqueues one PriorityLow request per pid, preserving order,
// publishing each decoded sample to telemetry as it arrives.
func (e *Engine) ReadPids(id string, pids []byte) ([]services.PidSample, error) {
	if _, err := e.sessionFor(id); err != nil {
		return nil, err
	}
	chans := e.sched.SubmitReadPids(id, pids)
	out := make([]services.PidSample, len(chans))
	var firstErr error
	for i, c := range chans {
		resp := <-c
		if resp.Err != nil {
			if firstErr == nil {
				firstErr = resp.Err
			}
			continue
		}
		sample, err := services.DecodeReadDataByIdentifier(resp.Data, e.clock.Now())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_ = e.telemetry.Publish(id, sample)
		out[i] = sample
	}
	return out, firstErr
}

// RoutineControl runs one RoutineControl step, probing the alternate
// routine identifier and remembering whichever one the ECU accepts.
func (e *Engine) RoutineControl(id string, subfunc byte, routine services.RoutineID, options []byte) ([]byte, error) {
	if _, err := e.sessionFor(id); err != nil {
		return nil, err
	}
	routineID := e.routines.IDFor(id, routine)
	payload := services.BuildRoutineControl(subfunc, routineID, options)[1:]
	req := scheduler.NewRequest(uuid.New().String(), id, services.ServiceRoutineControl, payload, scheduler.PriorityNormal)
	resp := <-e.sched.Submit(req)
	if resp.Err == nil {
		e.routines.Remember(id, routine, routineID)
		return resp.Data, nil
	}
	if !session.IsNrc(resp.Err, session.NrcServiceNotSupported) && !session.IsNrc(resp.Err, session.NrcSubFunctionNotSupported) {
		return nil, resp.Err
	}
	altID, ok := e.routines.NextID(id, routine, routineID)
	if !ok {
		return nil, resp.Err
	}
	altPayload := services.BuildRoutineControl(subfunc, altID, options)[1:]
	altReq := scheduler.NewRequest(uuid.New().String(), id, services.ServiceRoutineControl, altPayload, scheduler.PriorityNormal)
	altResp := <-e.sched.Submit(altReq)
	if altResp.Err != nil {
		return nil, altResp.Err
	}
	e.routines.Remember(id, routine, altID)
	return altResp.Data, nil
}

// Cancel cancels a still-queued request by ID. It returns false for a
// request already dispatched, which then completes normally.
func (e *Engine) Cancel(requestID string) bool { return e.sched.Cancel(requestID) }
