package services

import (
	"time"

	"github.com/bmwdiag/ediag/pkg/diagerr"
)

// ScaleFunc converts raw response bytes into a scaled engineering
// value. Each PID table entry owns exactly one.
type ScaleFunc func(raw []byte) float64

// PidDef is one entry of the data-driven PID table: a selector byte,
// its scaling function, display unit, and valid display range. The
// range is informational; scaled values are not clamped to it.
type PidDef struct {
	Pid      byte
	Name     string
	Unit     string
	Scale    ScaleFunc
	MinValue float64
	MaxValue float64
}

// PidSample is one scaled live-data reading.
type PidSample struct {
	Pid       byte
	Raw       []byte
	Value     float64
	Unit      string
	Timestamp time.Time
}

func linear(factor, offset float64) ScaleFunc {
	return func(raw []byte) float64 {
		if len(raw) == 0 {
			return 0
		}
		return float64(raw[0])*factor + offset
	}
}

func word16(factor, offset float64) ScaleFunc {
	return func(raw []byte) float64 {
		if len(raw) < 2 {
			return 0
		}
		v := uint16(raw[0])<<8 | uint16(raw[1])
		return float64(v)*factor + offset
	}
}

// pidTable is the BMW-variant PID catalog this engine supports.
// Scaling formulas mirror the common E-series DDE/DME conventions.
var pidTable = map[byte]PidDef{
	0x0C: {Pid: 0x0C, Name: "Engine RPM", Unit: "rpm", Scale: word16(0.25, 0), MinValue: 0, MaxValue: 8000},
	0x05: {Pid: 0x05, Name: "Coolant Temperature", Unit: "°C", Scale: linear(1, -40), MinValue: -40, MaxValue: 215},
	0x0F: {Pid: 0x0F, Name: "Intake Air Temperature", Unit: "°C", Scale: linear(1, -40), MinValue: -40, MaxValue: 215},
	0x0B: {Pid: 0x0B, Name: "Intake Manifold Pressure", Unit: "kPa", Scale: linear(1, 0), MinValue: 0, MaxValue: 255},
	0x11: {Pid: 0x11, Name: "Throttle Position", Unit: "%", Scale: linear(100.0/255.0, 0), MinValue: 0, MaxValue: 100},
	0x0D: {Pid: 0x0D, Name: "Vehicle Speed", Unit: "km/h", Scale: linear(1, 0), MinValue: 0, MaxValue: 255},
	0x42: {Pid: 0x42, Name: "Control Module Voltage", Unit: "V", Scale: word16(1.0/1000.0, 0), MinValue: 0, MaxValue: 20},
}

// LookupPid returns the table entry for a selector, if known.
func LookupPid(pid byte) (PidDef, bool) {
	def, ok := pidTable[pid]
	return def, ok
}

// BuildReadDataByIdentifier encodes a 0x21 request.
func BuildReadDataByIdentifier(pid byte) []byte {
	return []byte{ServiceReadDataByIdentifier, pid}
}

// DecodeReadDataByIdentifier parses a 0x61 response body (pid +
// data...) into a scaled PidSample using the PID table, stamping it
// with now.
func DecodeReadDataByIdentifier(data []byte, now time.Time) (PidSample, error) {
	if len(data) < 1 {
		return PidSample{}, diagerr.Framing("services.pid", "empty response body", nil)
	}
	pid := data[0]
	raw := append([]byte(nil), data[1:]...)

	def, ok := LookupPid(pid)
	if !ok {
		return PidSample{Pid: pid, Raw: raw, Timestamp: now}, diagerr.Framing("services.pid", "unknown pid", nil)
	}
	return PidSample{
		Pid:       pid,
		Raw:       raw,
		Value:     def.Scale(raw),
		Unit:      def.Unit,
		Timestamp: now,
	}, nil
}
