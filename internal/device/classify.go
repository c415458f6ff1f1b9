package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yolodolo42/hwsign/internal/apdu"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// Classification is the user-facing reading of a failure.
type Classification struct {
	Status              Status
	Message             string
	RequiresManualRetry bool
	// Rejected is set when the user declined on the device. It is not an
	// error and must not be shown as one.
	Rejected bool
}

var (
	permissionPatterns = []string{"permission", "access denied", "securityerror", "not allowed", "operation not permitted"}
	transientPatterns  = []string{"not found", "no device", "disconnected", "handshake", "device busy", "transport race", "unable to claim", "cannot open device"}
	lockedPatterns     = []string{"locked", "unlock"}
	wrongAppPatterns   = []string{"wrong app", "app does not seem to be open", "no app open", "app not installed", "is not open"}
	tooOldPatterns     = []string{"too old", "update the app", "version not supported"}
	rejectedPatterns   = []string{"rejected", "denied by the user", "user_cancelled", "cancelled by user"}
)

// Classify maps a connection or signing failure to a status. Rules are
// checked in a fixed order and the first match wins; anything unmatched
// falls through to a manual-retry error. A nil error is Ready.
func Classify(err error, appLabel string) Classification {
	if err == nil {
		return Classification{Status: StatusReady}
	}
	if appLabel == "" {
		appLabel = "required"
	}
	text := strings.ToLower(err.Error())
	code, hasCode := apdu.StatusCode(err)

	switch {
	case containsAny(text, permissionPatterns):
		return Classification{
			Status:              StatusError,
			Message:             "Permission to access the device was denied. Reconnect it and try again.",
			RequiresManualRetry: true,
		}

	case hasCode && code == apdu.StatusDeviceBusy,
		!hasCode && containsAny(text, transientPatterns):
		return Classification{Status: StatusConnecting, Message: "Looking for device..."}

	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Status: StatusError, Message: "The device did not respond in time."}

	case isLocked(code, hasCode, text):
		return Classification{Status: StatusWarning, Message: "Please unlock your device."}

	case isTooOld(code, hasCode, text):
		return Classification{Status: StatusWarning, Message: fmt.Sprintf("Update the %s app on your device.", appLabel)}

	case isWrongApp(code, hasCode, text):
		return Classification{Status: StatusWarning, Message: fmt.Sprintf("Open the %s app on your device.", appLabel)}

	case errors.Is(err, signing.ErrUserRejected), apdu.IsRejection(err), containsAny(text, rejectedPatterns):
		return Classification{Status: StatusReady, Message: "Request rejected on the device.", Rejected: true}

	default:
		return Classification{Status: StatusError, Message: err.Error(), RequiresManualRetry: true}
	}
}

func isLocked(code uint16, hasCode bool, text string) bool {
	if hasCode {
		switch code {
		case apdu.StatusLockedDevice, apdu.StatusLockedLegacy, apdu.StatusLockedNanoS:
			return true
		}
		return false
	}
	return containsAny(text, lockedPatterns)
}

func isTooOld(code uint16, hasCode bool, text string) bool {
	if hasCode {
		return code == apdu.StatusInsNotSupported
	}
	return containsAny(text, tooOldPatterns)
}

func isWrongApp(code uint16, hasCode bool, text string) bool {
	if hasCode {
		switch code {
		case apdu.StatusClaNotSupported, apdu.StatusAppNotOpen, apdu.StatusWrongAppDashboard,
			apdu.StatusWrongApp, apdu.StatusUnknownAPDU, apdu.StatusAppNotInstalled:
			return true
		}
		return false
	}
	return containsAny(text, wrongAppPatterns)
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
