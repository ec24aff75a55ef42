package isotp

import (
	"testing"
	"time"

	"go.einride.tech/can"

	"github.com/bmwdiag/ediag/pkg/port/mockport"
	"github.com/bmwdiag/ediag/pkg/timing"
)

func TestSlcanRoundTrip(t *testing.T) {
	var d can.Data
	d[0], d[1], d[2] = 0x02, 0x18, 0x02
	f := can.Frame{ID: 0x612, Length: 3, Data: d}

	line := encodeSlcan(f)
	if len(line) == 0 || line[0] != 't' || line[len(line)-1] != '\r' {
		t.Fatalf("unexpected slcan line: %q", line)
	}
	got, ok := decodeSlcan([]byte(line[:len(line)-1]))
	if !ok {
		t.Fatalf("decodeSlcan failed on %q", line)
	}
	if got.ID != f.ID || got.Length != f.Length {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
	}
	for i := 0; i < int(f.Length); i++ {
		if got.Data[i] != f.Data[i] {
			t.Fatalf("data byte %d mismatch: got 0x%02X want 0x%02X", i, got.Data[i], f.Data[i])
		}
	}
}

func TestSlcanPortSendRecv(t *testing.T) {
	m := mockport.New()
	m.SetHandler(func(mm *mockport.Mock, written []byte) {
		mm.Inject(written, time.Millisecond) // loopback
	})
	sp := NewSlcanPort(m, timing.SystemClock{})

	var d can.Data
	d[0] = 0xAB
	want := can.Frame{ID: 0x7DF, Length: 1, Data: d}
	if err := sp.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := sp.Recv(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.ID != want.ID || got.Data[0] != want.Data[0] {
		t.Fatalf("loopback mismatch: got %+v want %+v", got, want)
	}
}
