package session

import (
	"errors"
	"fmt"

	"github.com/bmwdiag/ediag/pkg/diagerr"
)

// Negative response codes the session layer translates into typed
// errors. Codes outside this table still surface as a
// *diagerr.Error with Kind == KindNrc, just with a generic reason.
const (
	NrcGeneralReject               byte = 0x10
	NrcServiceNotSupported         byte = 0x11
	NrcSubFunctionNotSupported     byte = 0x12
	NrcBusyRepeatRequest           byte = 0x21
	NrcConditionsNotCorrect        byte = 0x22
	NrcRequestSequenceError        byte = 0x24
	NrcSecurityAccessDenied        byte = 0x33
	NrcInvalidKey                  byte = 0x35
	NrcExceededNumberOfAttempts    byte = 0x36
	NrcRequiredTimeDelayNotExpired byte = 0x37
	NrcResponseTooLong             byte = 0x14
	NrcResponsePending             byte = 0x78
)

var nrcReasons = map[byte]string{
	NrcGeneralReject:               "general reject",
	NrcServiceNotSupported:         "service not supported",
	NrcSubFunctionNotSupported:     "sub-function not supported",
	NrcBusyRepeatRequest:           "busy, repeat request",
	NrcConditionsNotCorrect:        "conditions not correct",
	NrcRequestSequenceError:        "request sequence error",
	NrcSecurityAccessDenied:        "security access denied",
	NrcInvalidKey:                  "invalid key",
	NrcExceededNumberOfAttempts:    "exceeded number of attempts",
	NrcRequiredTimeDelayNotExpired: "required time delay not expired",
	NrcResponseTooLong:             "response too long",
}

// nrcError builds the typed error for a negative response code.
func nrcError(op string, code byte) *diagerr.Error {
	e := diagerr.Nrc(op, code)
	if reason, ok := nrcReasons[code]; ok {
		e.Reason = reason
	} else {
		e.Reason = fmt.Sprintf("unmapped negative response code 0x%02X", code)
	}
	return e
}

// IsNrc reports whether err is a negative response of the given code.
func IsNrc(err error, code byte) bool {
	var de *diagerr.Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == diagerr.KindNrc && de.NRC == code
}
