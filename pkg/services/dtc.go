// Package services implements the wire encoders/decoders for the KWP
// service set the engine exercises: DTC read/clear, PID read, routine
// control, session control, security access, and tester present.
package services

import (
	"strings"

	"github.com/bmwdiag/ediag/pkg/diagerr"
)

const (
	ServiceReadDTCInformation       byte = 0x18
	ServiceClearDiagnosticInfo      byte = 0x14
	ServiceReadDataByIdentifier     byte = 0x21
	ServiceReadDataByIdentifierResp byte = 0x61
	ServiceRoutineControl           byte = 0x31
	ServiceDiagnosticSessionControl byte = 0x10
	ServiceSecurityAccess           byte = 0x27
	ServiceTesterPresent            byte = 0x3E
)

// PositiveResponseOffset is added to a service byte to form its
// positive response service byte (e.g. 0x18 -> 0x58).
const PositiveResponseOffset byte = 0x40

// Dtc is a decoded diagnostic trouble code.
type Dtc struct {
	Code   string
	Status byte
	Raw    [2]byte
}

var dtcPrefixes = [4]byte{'P', 'C', 'B', 'U'}

// decodeDtcCode renders the 2-byte raw id as a 4-hex-digit code with
// the P/C/B/U prefix selected by the top two bits of the first byte;
// the remaining 14 bits become the four hex digits.
func decodeDtcCode(hi, lo byte) string {
	prefix := dtcPrefixes[hi>>6]
	var sb strings.Builder
	sb.WriteByte(prefix)
	sb.WriteString(hexDigit((hi >> 4) & 0x03))
	sb.WriteString(hexDigit(hi & 0x0F))
	sb.WriteString(hexDigit(lo >> 4))
	sb.WriteString(hexDigit(lo & 0x0F))
	return sb.String()
}

func hexDigit(n byte) string {
	const digits = "0123456789ABCDEF"
	return string(digits[n&0x0F])
}

// ReportDtcByStatusMask is the conventional sub-function for "list
// every DTC whose status matches this mask" (ISO 14229 §11.3.2.3), the
// default read_dtcs uses when the caller has no narrower request.
const ReportDtcByStatusMask byte = 0x02

// AllDtcStatuses matches every status bit, returning every stored DTC
// regardless of confirmed/pending/warning state.
const AllDtcStatuses byte = 0xFF

// BuildReadDTCInformation encodes a 0x18 request for the given
// sub-function and status mask.
func BuildReadDTCInformation(subfunc, statusMask byte) []byte {
	return []byte{ServiceReadDTCInformation, subfunc, statusMask}
}

// DecodeReadDTCInformation parses a 0x58 response body (the positive
// response data, not including the service byte) into a Dtc list. The
// response enumerates {dtc_hi, dtc_lo, status_byte} triples.
func DecodeReadDTCInformation(data []byte) ([]Dtc, error) {
	if len(data) == 0 {
		return nil, diagerr.Framing("services.dtc", "empty response body", nil)
	}
	count := data[0]
	body := data[1:]
	if len(body) != int(count)*3 {
		return nil, diagerr.Framing("services.dtc", "dtc count does not match body length", nil)
	}
	out := make([]Dtc, 0, count)
	for i := 0; i < int(count); i++ {
		hi, lo, status := body[i*3], body[i*3+1], body[i*3+2]
		out = append(out, Dtc{
			Code:   decodeDtcCode(hi, lo),
			Status: status,
			Raw:    [2]byte{hi, lo},
		})
	}
	return out, nil
}

// BuildClearDiagnosticInformation encodes a 0x14 request. Pass
// 0xFFFFFF to clear every DTC group.
func BuildClearDiagnosticInformation(group uint32) []byte {
	return []byte{
		ServiceClearDiagnosticInfo,
		byte(group >> 16),
		byte(group >> 8),
		byte(group),
	}
}

// ClearAllGroups is the group value that clears every DTC.
const ClearAllGroups uint32 = 0xFFFFFF

// statusBitMeanings documents each status-byte bit per ISO 14229 §D.2,
// highest bit first to match how a human would read the byte.
var statusBitMeanings = []struct {
	bit  byte
	text string
}{
	{0x80, "warning indicator requested"},
	{0x40, "test not completed this operation cycle"},
	{0x20, "test failed since last clear"},
	{0x10, "test not completed since last clear"},
	{0x08, "confirmed"},
	{0x04, "pending"},
	{0x02, "test failed this operation cycle"},
	{0x01, "test failed"},
}

// StatusString renders a DTC status byte as a comma-joined list of
// the set bit meanings, in the order ISO 14229 documents them.
func StatusString(status byte) string {
	var parts []string
	for _, m := range statusBitMeanings {
		if status&m.bit != 0 {
			parts = append(parts, m.text)
		}
	}
	return strings.Join(parts, ", ")
}
