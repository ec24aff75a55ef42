package session

import (
	"time"

	"github.com/bmwdiag/ediag/pkg/isotp"
	"github.com/bmwdiag/ediag/pkg/kline"
	"github.com/bmwdiag/ediag/pkg/timing"
)

// Exchanger is the narrow view of a transport the session layer needs.
// A session never cares whether it is riding K-Line or D-CAN; it only
// sends request bytes and waits for response bytes. The catalog's
// transport choice selects the concrete implementation when an ECU is
// opened.
type Exchanger interface {
	// Exchange sends data and waits for the first reply frame.
	Exchange(data []byte) ([]byte, error)
	// SendOnly transmits data without waiting for a reply, for
	// suppressed-response requests (the TesterPresent keepalive).
	SendOnly(data []byte) error
	// Receive waits for a further reply frame on a request already
	// sent via Exchange, without retransmitting. Used to drain the
	// response-pending (NRC 0x78) extension loop.
	Receive(timeout time.Duration) ([]byte, error)
}

// KlineExchanger adapts a kline.Transport to Exchanger for one target
// ECU address.
type KlineExchanger struct {
	Transport *kline.Transport
	Clock     timing.Clock
	Target    byte
}

func NewKlineExchanger(t *kline.Transport, clock timing.Clock, target byte) *KlineExchanger {
	return &KlineExchanger{Transport: t, Clock: clock, Target: target}
}

func (k *KlineExchanger) Exchange(data []byte) ([]byte, error) {
	f, err := k.Transport.Exchange(k.Target, data)
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

func (k *KlineExchanger) SendOnly(data []byte) error {
	return k.Transport.Send(k.Target, data)
}

func (k *KlineExchanger) Receive(timeout time.Duration) ([]byte, error) {
	f, err := k.Transport.Receive(k.Clock.Now().Add(timeout))
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

// IsoTpExchanger adapts an isotp.Transport to Exchanger for one ECU's
// CAN ID pair.
type IsoTpExchanger struct {
	Transport *isotp.Transport
}

func NewIsoTpExchanger(t *isotp.Transport) *IsoTpExchanger {
	return &IsoTpExchanger{Transport: t}
}

func (i *IsoTpExchanger) Exchange(data []byte) ([]byte, error) {
	if err := i.Transport.Send(data); err != nil {
		return nil, err
	}
	return i.Transport.Receive(isoTpReplyTimeout)
}

func (i *IsoTpExchanger) SendOnly(data []byte) error {
	return i.Transport.Send(data)
}

func (i *IsoTpExchanger) Receive(timeout time.Duration) ([]byte, error) {
	return i.Transport.Receive(timeout)
}

// isoTpReplyTimeout bounds the wait for the first reply frame; the
// session layer's own P2/P2* timers govern the response-pending
// continuation wait via Receive.
const isoTpReplyTimeout = 1000 * time.Millisecond
