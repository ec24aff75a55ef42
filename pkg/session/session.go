// Package session implements the KWP/UDS session layer: the open
// session's lifecycle state machine, the request/response-pending
// extension loop, negative-response translation, the TesterPresent
// keepalive, and the two-step SecurityAccess flow.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bmwdiag/ediag/pkg/config"
	"github.com/bmwdiag/ediag/pkg/diagerr"
	"github.com/bmwdiag/ediag/pkg/services"
	"github.com/bmwdiag/ediag/pkg/timing"
)

// Kind is the diagnostic session currently active on an ECU.
type Kind int

const (
	Closed Kind = iota
	DefaultSession
	ExtendedSession
	ProgrammingSession
)

func (k Kind) String() string {
	switch k {
	case Closed:
		return "closed"
	case DefaultSession:
		return "default"
	case ExtendedSession:
		return "extended"
	case ProgrammingSession:
		return "programming"
	default:
		return "unknown"
	}
}

// keepaliveFailureLimit is the number of consecutive TesterPresent
// failures that downgrade a session to Closed.
const keepaliveFailureLimit = 3

// requiredDelayBackoff is how long SecurityAccess attempts are refused
// after the ECU reports NrcRequiredTimeDelayNotExpired; ISO 14230
// leaves the actual delay to the ECU, so a conservative fixed window
// is used.
const requiredDelayBackoff = 10 * time.Second

// Session tracks one ECU's diagnostic session state and drives every
// request through it. Safe for concurrent use: the bus lock serializes
// every wire exchange, so scheduler dispatch and direct calls
// (keepalive, session control, security access) never interleave on
// the shared transport.
type Session struct {
	mu sync.Mutex

	ecuID string
	ex    Exchanger
	bus   sync.Locker
	clock timing.Clock
	cfg   config.Config
	log   zerolog.Logger

	kind              Kind
	securityLevel     byte
	lastActivity      time.Time
	keepaliveFailures int
	securityBlockedAt time.Time
}

// New builds a Session over an already-initialized transport exchange
// for one ECU. bus serializes access to the physical transport behind
// ex; every session riding the same bus must share the same lock. A
// nil bus gets a private lock, for single-session use and tests. The
// session starts Closed; call Open to enter the default session.
func New(ecuID string, ex Exchanger, bus sync.Locker, clock timing.Clock, cfg config.Config, log zerolog.Logger) *Session {
	if bus == nil {
		bus = &sync.Mutex{}
	}
	return &Session{
		ecuID: ecuID,
		ex:    ex,
		bus:   bus,
		clock: clock,
		cfg:   cfg,
		log:   log.With().Str("component", "session").Str("ecu", ecuID).Logger(),
		kind:  Closed,
	}
}

// Kind returns the currently active session kind.
func (s *Session) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// SecurityLevel returns the currently unlocked security level, 0 if
// locked.
func (s *Session) SecurityLevel() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.securityLevel
}

// Open issues DiagnosticSessionControl for kind and, on success,
// records the session as active.
func (s *Session) Open(kind services.DiagnosticSessionKind) error {
	_, err := s.Request(services.ServiceDiagnosticSessionControl, []byte{byte(kind)})
	if err != nil {
		return err
	}
	s.mu.Lock()
	switch kind {
	case services.SessionExtended:
		s.kind = ExtendedSession
	case services.SessionProgramming:
		s.kind = ProgrammingSession
	default:
		s.kind = DefaultSession
	}
	s.keepaliveFailures = 0
	s.mu.Unlock()
	s.log.Info().Str("kind", s.Kind().String()).Msg("session opened")
	return nil
}

// Close marks the session Closed without any wire traffic; the caller
// is responsible for tearing down the underlying transport link.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind = Closed
	s.securityLevel = 0
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last successful exchange.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Request executes one service request to completion: it sends the
// request, then follows the NRC 0x78 (response pending) extension loop
// without retransmitting, up to cfg.ResponsePendingMax continuations,
// and translates any negative response into a typed error.
func (s *Session) Request(service byte, payload []byte) ([]byte, error) {
	data := make([]byte, 0, 1+len(payload))
	data = append(data, service)
	data = append(data, payload...)
	expectPositive := service | services.PositiveResponseOffset

	// One request/response cycle, response-pending continuations
	// included, owns the bus end to end.
	s.bus.Lock()
	defer s.bus.Unlock()

	resp, err := s.ex.Exchange(data)
	if err != nil {
		return nil, err
	}

	pending := 0
	for {
		payloadOut, done, rerr := s.interpret(expectPositive, resp)
		if done {
			if rerr == nil {
				s.touch()
			}
			return payloadOut, rerr
		}
		pending++
		if pending > s.cfg.ResponsePendingMax {
			return nil, diagerr.Timeout("session.request", "response-pending extension limit exceeded")
		}
		resp, err = s.ex.Receive(s.cfg.P2Star())
		if err != nil {
			return nil, err
		}
	}
}

// interpret classifies one response frame against the service's
// expected positive response byte. done is false only for a response-
// pending negative response, telling Request to wait for another
// frame without resending.
func (s *Session) interpret(expectPositive byte, resp []byte) (payload []byte, done bool, err error) {
	if len(resp) == 0 {
		return nil, true, diagerr.Framing("session.request", "empty response", nil)
	}
	if resp[0] == expectPositive {
		return resp[1:], true, nil
	}
	if resp[0] != 0x7F {
		return nil, true, diagerr.Framing("session.request", "unexpected response service byte", nil)
	}
	if len(resp) < 3 {
		return nil, true, diagerr.Framing("session.request", "malformed negative response", nil)
	}
	nrc := resp[2]
	if nrc == NrcResponsePending {
		return nil, false, nil
	}

	nerr := nrcError("session.request", nrc)
	if nrc == NrcRequiredTimeDelayNotExpired {
		s.mu.Lock()
		s.securityBlockedAt = s.clock.Now().Add(requiredDelayBackoff)
		s.mu.Unlock()
	}
	return nil, true, nerr
}

// KeepaliveDue reports whether a TesterPresent keepalive should fire
// now: only Extended/Programming sessions time out to Default, so only
// those need it, at cfg.KeepaliveAt() (0.75 x S3_client) since the last
// activity of any kind.
func (s *Session) KeepaliveDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != ExtendedSession && s.kind != ProgrammingSession {
		return false
	}
	return s.clock.Now().Sub(s.lastActivity) >= s.cfg.KeepaliveAt()
}

// Keepalive issues one suppressed-response TesterPresent. After
// keepaliveFailureLimit consecutive failures the session is considered
// to have timed out back to Closed, matching the ECU's own S3_client
// timeout.
func (s *Session) Keepalive() error {
	s.bus.Lock()
	err := s.ex.SendOnly(services.BuildTesterPresent(true))
	s.bus.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.keepaliveFailures++
		s.log.Warn().Err(err).Int("failures", s.keepaliveFailures).Msg("tester present failed")
		if s.keepaliveFailures >= keepaliveFailureLimit {
			s.kind = Closed
			s.securityLevel = 0
		}
		return err
	}
	s.keepaliveFailures = 0
	s.lastActivity = s.clock.Now()
	return nil
}

// SecurityAccess runs the seed/key exchange at level and, on success,
// records the unlocked level. It refuses to attempt the exchange while
// a prior RequiredTimeDelayNotExpired backoff is still in effect.
func (s *Session) SecurityAccess(level byte, algo services.SeedKeyAlgorithm) error {
	s.mu.Lock()
	if blocked := s.securityBlockedAt; !blocked.IsZero() && s.clock.Now().Before(blocked) {
		s.mu.Unlock()
		return diagerr.State("session.security_access", "required time delay not yet expired")
	}
	s.mu.Unlock()

	seedResp, err := s.Request(services.ServiceSecurityAccess, []byte{level})
	if err != nil {
		return err
	}
	if len(seedResp) < 2 {
		return diagerr.Framing("session.security_access", "malformed seed response", nil)
	}
	seed := seedResp[1:]

	key, err := algo(level, seed)
	if err != nil {
		return diagerr.State("session.security_access", "seed/key algorithm failed").With(s.ecuID, services.ServiceSecurityAccess, "", 0)
	}

	if _, err := s.Request(services.ServiceSecurityAccess, append([]byte{level + 1}, key...)); err != nil {
		return err
	}

	s.mu.Lock()
	s.securityLevel = level
	s.securityBlockedAt = time.Time{}
	s.mu.Unlock()
	s.log.Info().Uint8("level", level).Msg("security access granted")
	return nil
}
