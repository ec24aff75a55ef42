// Package telemetry fans live PID samples out to subscribers and
// keeps a bounded per-ECU, per-PID history, so callers can stream
// batch PID reads or look up the latest value without re-polling the
// bus.
package telemetry

import (
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bmwdiag/ediag/pkg/services"
)

// DefaultHistoryLimit is the per-PID sample count kept before the
// oldest is evicted.
const DefaultHistoryLimit = 100

// defaultLatestTTL bounds how long a "latest sample" lookup answers
// without a fresh publish backing it.
const defaultLatestTTL = 5 * time.Minute

// Sample pairs a PidSample with the ECU it was read from, the unit a
// subscriber needs to tell streams from different ECUs apart.
type Sample struct {
	EcuID string
	services.PidSample
}

type publishMsg struct {
	sample Sample
}

// Manager owns one run loop; all mutable state (subscriber list,
// history ring buffers) is touched only from that goroutine, so no
// separate locking is needed beyond the thread-safe ttlcache.
type Manager struct {
	historyLimit int
	latest       *ttlcache.Cache[string, Sample]

	history map[string][]Sample // key: ecuID+"|"+raw pid byte

	incoming   chan publishMsg
	register   chan *Subscriber
	unregister chan *Subscriber
	historyReq chan historyRequest

	subscribers []*Subscriber
}

type historyRequest struct {
	key  string
	resp chan []Sample
}

// ErrPublishTimeout is returned by Publish when the run loop is
// backed up and cannot accept a new sample promptly.
var ErrPublishTimeout = errors.New("telemetry: publish timeout")

// NewManager starts the run loop and returns a ready Manager.
// historyLimit <= 0 uses DefaultHistoryLimit.
func NewManager(historyLimit int) *Manager {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	m := &Manager{
		historyLimit: historyLimit,
		latest: ttlcache.New[string, Sample](
			ttlcache.WithTTL[string, Sample](defaultLatestTTL),
		),
		history:    make(map[string][]Sample),
		incoming:   make(chan publishMsg, 100),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber, 10),
		historyReq: make(chan historyRequest),
	}
	go m.run()
	return m
}

func historyKey(ecuID string, pid byte) string {
	return ecuID + "|" + string([]byte{pid})
}

func (m *Manager) run() {
	for {
		select {
		case msg := <-m.incoming:
			m.deliver(msg.sample)
		case sub := <-m.register:
			m.subscribers = append(m.subscribers, sub)
		case sub := <-m.unregister:
			for i, s := range m.subscribers {
				if s == sub {
					m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
					close(sub.ch)
					break
				}
			}
		case req := <-m.historyReq:
			samples := m.history[req.key]
			out := make([]Sample, len(samples))
			copy(out, samples)
			req.resp <- out
		}
	}
}

func (m *Manager) deliver(sample Sample) {
	key := historyKey(sample.EcuID, sample.PidSample.Pid)
	m.latest.Set(key, sample, ttlcache.DefaultTTL)

	buf := append(m.history[key], sample)
	if len(buf) > m.historyLimit {
		buf = buf[len(buf)-m.historyLimit:]
	}
	m.history[key] = buf

	for _, sub := range m.subscribers {
		if sub.ecuFilter != "" && sub.ecuFilter != sample.EcuID {
			continue
		}
		select {
		case sub.ch <- sample:
		default:
			sub.failedDeliveries++
			if sub.failedDeliveries >= subscriberFailureLimit {
				m.unregister <- sub
			}
		}
	}
}

// subscriberFailureLimit is the number of consecutive dropped
// deliveries that auto-unsubscribes a slow consumer.
const subscriberFailureLimit = 10

// Publish pushes one decoded sample into the bus. It blocks briefly if
// the run loop is backed up, then gives up with ErrPublishTimeout
// rather than stalling its caller. An accepted sample is visible to
// Latest as soon as Publish returns.
func (m *Manager) Publish(ecuID string, sample services.PidSample) error {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	s := Sample{EcuID: ecuID, PidSample: sample}
	select {
	case m.incoming <- publishMsg{sample: s}:
		m.latest.Set(historyKey(ecuID, sample.Pid), s, ttlcache.DefaultTTL)
		return nil
	case <-t.C:
		return ErrPublishTimeout
	}
}

// Subscriber receives Samples pushed via Manager.Publish.
type Subscriber struct {
	mgr              *Manager
	ecuFilter        string
	ch               chan Sample
	failedDeliveries int
}

// Subscribe returns a Subscriber for every published sample, or only
// ecuID's when ecuID is non-empty.
func (m *Manager) Subscribe(ecuID string) *Subscriber {
	sub := &Subscriber{mgr: m, ecuFilter: ecuID, ch: make(chan Sample, 100)}
	m.register <- sub
	return sub
}

// C returns the channel Samples arrive on.
func (s *Subscriber) C() <-chan Sample { return s.ch }

// Close unsubscribes; C()'s channel is closed once the run loop
// processes the unregister.
func (s *Subscriber) Close() { s.mgr.unregister <- s }

// Latest returns the most recently published sample for ecuID/pid, if
// one is still within the TTL window.
func (m *Manager) Latest(ecuID string, pid byte) (Sample, bool) {
	item := m.latest.Get(historyKey(ecuID, pid))
	if item == nil {
		return Sample{}, false
	}
	return item.Value(), true
}

// History returns up to historyLimit most recent samples for ecuID/pid,
// oldest first.
func (m *Manager) History(ecuID string, pid byte) []Sample {
	resp := make(chan []Sample, 1)
	m.historyReq <- historyRequest{key: historyKey(ecuID, pid), resp: resp}
	return <-resp
}
