package apdu

import (
	"errors"
	"fmt"
)

// Status words returned by Ledger applications and the dashboard.
const (
	StatusOK                     uint16 = 0x9000
	StatusDeviceBusy             uint16 = 0x9001
	StatusLockedDevice           uint16 = 0x5515
	StatusLockedLegacy           uint16 = 0x6b0c
	StatusLockedNanoS            uint16 = 0x6804
	StatusWrongAppDashboard      uint16 = 0x6511
	StatusClaNotSupported        uint16 = 0x6e00
	StatusAppNotOpen             uint16 = 0x6e01
	StatusWrongApp               uint16 = 0x650f
	StatusUnknownAPDU            uint16 = 0x6a15
	StatusAppNotInstalled        uint16 = 0x6807
	StatusInsNotSupported        uint16 = 0x6d00
	StatusWrongLength            uint16 = 0x6700
	StatusConditionsNotSatisfied uint16 = 0x6985
	StatusTransactionRejected    uint16 = 0x6986
	StatusDataInvalid            uint16 = 0x6a80
	StatusInvalidP1P2            uint16 = 0x6b00
	StatusExecutionError         uint16 = 0x6400
)

var statusText = map[uint16]string{
	StatusDeviceBusy:             "device is busy",
	StatusLockedDevice:           "device is locked",
	StatusLockedLegacy:           "device is locked",
	StatusLockedNanoS:            "device is locked",
	StatusWrongAppDashboard:      "no app open",
	StatusClaNotSupported:        "app does not seem to be open",
	StatusAppNotOpen:             "app does not seem to be open",
	StatusWrongApp:               "wrong app open",
	StatusUnknownAPDU:            "unknown apdu",
	StatusAppNotInstalled:        "app not installed",
	StatusInsNotSupported:        "instruction not supported",
	StatusWrongLength:            "wrong length",
	StatusConditionsNotSatisfied: "conditions not satisfied",
	StatusTransactionRejected:    "transaction rejected",
	StatusDataInvalid:            "data is invalid",
	StatusInvalidP1P2:            "invalid p1/p2",
	StatusExecutionError:         "execution error",
}

// StatusError is a non-success status word.
type StatusError struct {
	Code uint16
}

func (e *StatusError) Error() string {
	if text, ok := statusText[e.Code]; ok {
		return fmt.Sprintf("ledger: %s (0x%04x)", text, e.Code)
	}
	return fmt.Sprintf("ledger: unexpected status 0x%04x", e.Code)
}

// StatusCode extracts the status word from err, if any.
func StatusCode(err error) (uint16, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsRejection reports whether the status word means the user declined on
// the device.
func IsRejection(err error) bool {
	code, ok := StatusCode(err)
	return ok && (code == StatusConditionsNotSatisfied || code == StatusTransactionRejected)
}

// KnownStatusCodes returns the status words with a known meaning.
func KnownStatusCodes() map[uint16]string {
	out := make(map[uint16]string, len(statusText))
	for code, text := range statusText {
		out[code] = text
	}
	return out
}
