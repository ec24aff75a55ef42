package diag_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bmwdiag/ediag/pkg/config"
	"github.com/bmwdiag/ediag/pkg/diag"
	"github.com/bmwdiag/ediag/pkg/frame"
	"github.com/bmwdiag/ediag/pkg/port/mockport"
	"github.com/bmwdiag/ediag/pkg/services"
	"github.com/bmwdiag/ediag/pkg/timing"
)

const testerAddr = 0xF1
const ddeAddr = 0x12

// scriptedDde wires a mock K-Line port that answers the handful of
// requests the engine-level tests below exercise.
func scriptedDde(t *testing.T) *mockport.Mock {
	m := mockport.New()
	m.SetEcho(true, 0)
	routinePrimaryTried := false

	m.SetHandler(func(mm *mockport.Mock, written []byte) {
		f, _, err := frame.Parse(written)
		if err != nil {
			return
		}
		if len(f.Data) == 1 && f.Data[0] == 0x81 {
			resp, _ := frame.Build(ddeAddr, testerAddr, []byte{0x81 | 0x40})
			mm.Inject(resp, time.Millisecond)
			return
		}
		switch f.Data[0] {
		case services.ServiceDiagnosticSessionControl:
			resp, _ := frame.Build(ddeAddr, testerAddr, []byte{0x50, f.Data[1]})
			mm.Inject(resp, time.Millisecond)
		case services.ServiceReadDTCInformation:
			resp, _ := frame.Build(ddeAddr, testerAddr, []byte{0x58, 0x01, 0x2A, 0xAF, 0x08})
			mm.Inject(resp, time.Millisecond)
		case services.ServiceClearDiagnosticInfo:
			resp, _ := frame.Build(ddeAddr, testerAddr, []byte{0x54})
			mm.Inject(resp, time.Millisecond)
		case services.ServiceReadDataByIdentifier:
			pid := f.Data[1]
			var body []byte
			switch pid {
			case 0x0C:
				body = []byte{0x61, pid, 0x1A, 0x00} // RPM
			case 0x05:
				body = []byte{0x61, pid, 80} // coolant temp
			default:
				resp, _ := frame.Build(ddeAddr, testerAddr, []byte{0x7F, services.ServiceReadDataByIdentifier, 0x31})
				mm.Inject(resp, time.Millisecond)
				return
			}
			resp, _ := frame.Build(ddeAddr, testerAddr, body)
			mm.Inject(resp, time.Millisecond)
		case services.ServiceRoutineControl:
			routineIDHi, routineIDLo := f.Data[2], f.Data[3]
			id := uint16(routineIDHi)<<8 | uint16(routineIDLo)
			if id == services.RoutineStartForcedRegen.Primary && !routinePrimaryTried {
				routinePrimaryTried = true
				resp, _ := frame.Build(ddeAddr, testerAddr, []byte{0x7F, services.ServiceRoutineControl, 0x12})
				mm.Inject(resp, time.Millisecond)
				return
			}
			resp, _ := frame.Build(ddeAddr, testerAddr, []byte{0x71, f.Data[1], routineIDHi, routineIDLo})
			mm.Inject(resp, time.Millisecond)
		case services.ServiceTesterPresent:
			// suppressed: no reply expected.
		}
	})
	return m
}

func newTestEngine(t *testing.T, m *mockport.Mock) *diag.Engine {
	cfg := config.Default()
	cfg.BusInitStrategy = config.FastInit
	cfg.P3MinMs = 0
	e := diag.New(m, nil, timing.SystemClock{}, cfg, zerolog.Nop())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenEcuAndReadDtcs(t *testing.T) {
	m := scriptedDde(t)
	e := newTestEngine(t, m)

	if err := e.OpenEcu("DDE", diag.HintKLine); err != nil {
		t.Fatalf("OpenEcu: %v", err)
	}

	dtcs, err := e.ReadDtcs("DDE")
	if err != nil {
		t.Fatalf("ReadDtcs: %v", err)
	}
	if len(dtcs) != 1 || dtcs[0].Code != "P2AAF" {
		t.Fatalf("unexpected dtcs: %+v", dtcs)
	}
}

func TestClearDtcs(t *testing.T) {
	m := scriptedDde(t)
	e := newTestEngine(t, m)
	if err := e.OpenEcu("DDE", diag.HintKLine); err != nil {
		t.Fatalf("OpenEcu: %v", err)
	}
	if err := e.ClearDtcs("DDE", services.ClearAllGroups); err != nil {
		t.Fatalf("ClearDtcs: %v", err)
	}
}

func TestReadPidScaled(t *testing.T) {
	m := scriptedDde(t)
	e := newTestEngine(t, m)
	if err := e.OpenEcu("DDE", diag.HintKLine); err != nil {
		t.Fatalf("OpenEcu: %v", err)
	}

	sample, err := e.ReadPid("DDE", 0x0C)
	if err != nil {
		t.Fatalf("ReadPid: %v", err)
	}
	if sample.Value != float64(0x1A00)*0.25 {
		t.Fatalf("unexpected rpm value: %f", sample.Value)
	}

	latest, ok := e.Telemetry().Latest("DDE", 0x0C)
	if !ok || latest.Value != sample.Value {
		t.Fatalf("expected telemetry to reflect published sample, got %+v ok=%v", latest, ok)
	}
}

func TestReadPidsBatchPreservesOrder(t *testing.T) {
	m := scriptedDde(t)
	e := newTestEngine(t, m)
	if err := e.OpenEcu("DDE", diag.HintKLine); err != nil {
		t.Fatalf("OpenEcu: %v", err)
	}

	samples, err := e.ReadPids("DDE", []byte{0x0C, 0x05})
	if err != nil {
		t.Fatalf("ReadPids: %v", err)
	}
	if len(samples) != 2 || samples[0].Unit != "rpm" || samples[1].Value != 40 {
		t.Fatalf("unexpected batch result: %+v", samples)
	}
}

func TestRoutineControlFallsBackToAltId(t *testing.T) {
	m := scriptedDde(t)
	e := newTestEngine(t, m)
	if err := e.OpenEcu("DDE", diag.HintKLine); err != nil {
		t.Fatalf("OpenEcu: %v", err)
	}

	_, err := e.RoutineControl("DDE", services.RoutineStart, services.RoutineStartForcedRegen, nil)
	if err != nil {
		t.Fatalf("RoutineControl: %v", err)
	}

	// A second call should go straight to the remembered alt ID without
	// retrying the primary.
	_, err = e.RoutineControl("DDE", services.RoutineStart, services.RoutineStartForcedRegen, nil)
	if err != nil {
		t.Fatalf("RoutineControl (second call): %v", err)
	}
}

func TestCancelUnknownRequestReturnsFalse(t *testing.T) {
	m := scriptedDde(t)
	e := newTestEngine(t, m)
	if e.Cancel("does-not-exist") {
		t.Fatal("expected Cancel to report false for an unknown request id")
	}
}

func TestCloseEcuThenOperationFails(t *testing.T) {
	m := scriptedDde(t)
	e := newTestEngine(t, m)
	if err := e.OpenEcu("DDE", diag.HintKLine); err != nil {
		t.Fatalf("OpenEcu: %v", err)
	}
	if err := e.CloseEcu("DDE"); err != nil {
		t.Fatalf("CloseEcu: %v", err)
	}
	if _, err := e.ReadDtcs("DDE"); err == nil {
		t.Fatal("expected ReadDtcs to fail after CloseEcu")
	}
}
