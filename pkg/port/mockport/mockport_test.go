package mockport_test

import (
	"errors"
	"testing"
	"time"

	"github.com/bmwdiag/ediag/pkg/port"
	"github.com/bmwdiag/ediag/pkg/port/mockport"
)

func TestReadAvailableTimesOut(t *testing.T) {
	m := mockport.New()
	_, err := m.ReadAvailable(20 * time.Millisecond)
	if !errors.Is(err, port.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReadAvailableReturnsInjected(t *testing.T) {
	m := mockport.New()
	m.Inject([]byte{0x01, 0x02}, 5*time.Millisecond)

	got, err := m.ReadAvailable(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if len(got) != 2 || got[0] != 0x01 || got[1] != 0x02 {
		t.Fatalf("unexpected bytes: % X", got)
	}
}

func TestEchoReflectsWrites(t *testing.T) {
	m := mockport.New()
	m.SetEcho(true, time.Millisecond)

	if err := m.WriteAll([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	got, err := m.ReadAvailable(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if len(got) != 2 || got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("echo mismatch: % X", got)
	}
}

func TestHandlerScriptsReply(t *testing.T) {
	m := mockport.New()
	m.SetHandler(func(m *mockport.Mock, written []byte) {
		if len(written) > 0 && written[0] == 0x10 {
			m.Inject([]byte{0x50, 0x01}, 2*time.Millisecond)
		}
	})

	if err := m.WriteAll([]byte{0x10, 0x01}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	got, err := m.ReadAvailable(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if len(got) != 2 || got[0] != 0x50 {
		t.Fatalf("unexpected scripted reply: % X", got)
	}
}

func TestCloseUnblocksReaders(t *testing.T) {
	m := mockport.New()
	done := make(chan error, 1)
	go func() {
		_, err := m.ReadAvailable(2 * time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = m.Close()

	select {
	case err := <-done:
		if !errors.Is(err, port.ErrPortClosed) {
			t.Fatalf("expected ErrPortClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadAvailable did not unblock after Close")
	}
}

func TestWriteAllAfterCloseFails(t *testing.T) {
	m := mockport.New()
	_ = m.Close()
	if err := m.WriteAll([]byte{0x01}); !errors.Is(err, port.ErrPortClosed) {
		t.Fatalf("expected ErrPortClosed, got %v", err)
	}
}

func TestSetBaudDtrRtsRecorded(t *testing.T) {
	m := mockport.New()
	_ = m.SetBaud(10400)
	_ = m.SetDTR(true)
	_ = m.SetRTS(false)

	if m.Baud() != 10400 {
		t.Fatalf("baud not recorded: %d", m.Baud())
	}
	if !m.DTR() {
		t.Fatal("dtr not recorded")
	}
	if m.RTS() {
		t.Fatal("rts not recorded")
	}
}

func TestWritesRecordedInOrder(t *testing.T) {
	m := mockport.New()
	_ = m.WriteAll([]byte{0x01})
	_ = m.WriteAll([]byte{0x02})

	writes := m.Writes()
	if len(writes) != 2 || writes[0][0] != 0x01 || writes[1][0] != 0x02 {
		t.Fatalf("unexpected write history: %v", writes)
	}
}
