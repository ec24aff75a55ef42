package session

import (
	"sync"

	"github.com/bmwdiag/ediag/pkg/diagerr"
)

// Executor adapts a set of open per-ECU Sessions to the scheduler's
// narrow Executor interface (structurally, via Execute's signature —
// pkg/session does not import pkg/scheduler, avoiding a cycle).
type Executor struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewExecutor builds an empty Executor; ECUs are added as their
// sessions are opened.
func NewExecutor() *Executor {
	return &Executor{sessions: make(map[string]*Session)}
}

// Put registers sess as the session to use for ecuID.
func (e *Executor) Put(ecuID string, sess *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[ecuID] = sess
}

// Remove drops ecuID's session, e.g. after Close.
func (e *Executor) Remove(ecuID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, ecuID)
}

// Execute runs one request against ecuID's open session.
func (e *Executor) Execute(ecuID string, service byte, payload []byte) ([]byte, error) {
	e.mu.RLock()
	sess, ok := e.sessions[ecuID]
	e.mu.RUnlock()
	if !ok {
		return nil, diagerr.State("session.executor", "no open session for ecu "+ecuID)
	}
	return sess.Request(service, payload)
}
