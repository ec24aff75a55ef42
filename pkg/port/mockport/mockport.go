// Package mockport provides a scripted DuplexPort replay implementation
// sufficient to drive the diagnostic engine's test suite without real
// hardware.
package mockport

import (
	"sync"
	"time"

	"github.com/bmwdiag/ediag/pkg/port"
)

// Handler is invoked synchronously whenever the engine under test
// writes to the mock port. Test code typically uses it to script a
// scenario: inspect the written bytes and call Inject to schedule a
// reply at some delay, simulating ECU response timing.
type Handler func(m *Mock, written []byte)

// Mock is a scriptable DuplexPort. Safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	echo    bool
	echoLag time.Duration
	rx      []byte
	writes  [][]byte
	baud    int
	dtr     bool
	rts     bool
	handler Handler
}

// New returns a Mock with no scripted behavior; configure it with
// SetEcho and SetHandler before handing it to the transport under test.
func New() *Mock {
	m := &Mock{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetEcho makes the mock echo every written byte back after lag,
// simulating a half-duplex UART seeing its own transmission.
func (m *Mock) SetEcho(enabled bool, lag time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.echo = enabled
	m.echoLag = lag
}

// SetHandler installs the scenario script.
func (m *Mock) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Inject schedules data to appear on the receive side after delay (0
// for immediately).
func (m *Mock) Inject(data []byte, delay time.Duration) {
	if delay <= 0 {
		m.appendRx(data)
		return
	}
	time.AfterFunc(delay, func() { m.appendRx(data) })
}

func (m *Mock) appendRx(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.rx = append(m.rx, data...)
	m.cond.Broadcast()
}

func (m *Mock) WriteAll(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return port.ErrPortClosed
	}
	cp := append([]byte(nil), data...)
	m.writes = append(m.writes, cp)
	echo, lag, h := m.echo, m.echoLag, m.handler
	m.mu.Unlock()

	if echo {
		m.Inject(cp, lag)
	}
	if h != nil {
		h(m, cp)
	}
	return nil
}

func (m *Mock) ReadAvailable(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.rx) == 0 && !m.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, port.ErrTimeout
		}
		timer := time.AfterFunc(remaining, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		m.cond.Wait()
		timer.Stop()
	}
	if len(m.rx) == 0 && m.closed {
		return nil, port.ErrPortClosed
	}
	data := m.rx
	m.rx = nil
	return data, nil
}

func (m *Mock) SetBaud(rate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baud = rate
	return nil
}

func (m *Mock) SetDTR(level bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtr = level
	return nil
}

func (m *Mock) SetRTS(level bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rts = level
	return nil
}

func (m *Mock) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = nil
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// Writes returns every WriteAll call observed so far, in order.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *Mock) Baud() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baud
}

func (m *Mock) DTR() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dtr
}

func (m *Mock) RTS() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rts
}

var _ port.DuplexPort = (*Mock)(nil)
