package telemetry_test

import (
	"testing"
	"time"

	"github.com/bmwdiag/ediag/pkg/services"
	"github.com/bmwdiag/ediag/pkg/telemetry"
)

func sample(pid byte, value float64) services.PidSample {
	return services.PidSample{Pid: pid, Value: value, Unit: "rpm", Timestamp: time.Now()}
}

func TestSubscriberReceivesPublishedSample(t *testing.T) {
	m := telemetry.NewManager(10)
	sub := m.Subscribe("")
	defer sub.Close()

	if err := m.Publish("DDE", sample(0x0C, 1500)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case s := <-sub.C():
		if s.EcuID != "DDE" || s.Value != 1500 {
			t.Fatalf("unexpected sample: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample")
	}
}

func TestSubscriberFilterByEcu(t *testing.T) {
	m := telemetry.NewManager(10)
	sub := m.Subscribe("DDE")
	defer sub.Close()

	if err := m.Publish("EGS", sample(0x0C, 42)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish("DDE", sample(0x0C, 99)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case s := <-sub.C():
		if s.EcuID != "DDE" {
			t.Fatalf("expected only DDE samples, got %s", s.EcuID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample")
	}
}

func TestHistoryBoundedAndOldestEvicted(t *testing.T) {
	m := telemetry.NewManager(3)
	for i := 0; i < 5; i++ {
		if err := m.Publish("DDE", sample(0x0C, float64(i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	// Give the run loop a moment to drain; Publish blocks until the
	// message is accepted, but history bookkeeping happens right after.
	time.Sleep(50 * time.Millisecond)

	hist := m.History("DDE", 0x0C)
	if len(hist) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(hist))
	}
	if hist[0].Value != 2 || hist[2].Value != 4 {
		t.Fatalf("expected oldest entries evicted, got %+v", hist)
	}
}

func TestLatestReflectsMostRecentSample(t *testing.T) {
	m := telemetry.NewManager(10)
	if err := m.Publish("DDE", sample(0x0C, 10)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish("DDE", sample(0x0C, 20)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	latest, ok := m.Latest("DDE", 0x0C)
	if !ok || latest.Value != 20 {
		t.Fatalf("expected latest value 20, got %+v ok=%v", latest, ok)
	}
}

func TestUnknownPidHistoryIsEmpty(t *testing.T) {
	m := telemetry.NewManager(10)
	if hist := m.History("DDE", 0xFE); len(hist) != 0 {
		t.Fatalf("expected empty history, got %v", hist)
	}
}
