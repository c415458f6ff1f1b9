package signing

import "errors"

// Error taxonomy for signing attempts. Callers match with errors.Is; the
// wrapped message carries the detail.
var (
	// ErrConnection is a transport-level failure. Sessions recover from it
	// locally and only surface it as a status.
	ErrConnection = errors.New("device connection failed")

	// ErrUserRejected means the user cancelled on the device or bridge. It is
	// a normal cancellation path, never retried and never shown as an error.
	ErrUserRejected = errors.New("rejected by user")

	// ErrUnsupportedOperation is returned when the device family cannot
	// perform the requested operation (e.g. an oversized raw message).
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrProtocol covers malformed payloads, metadata proof failures and
	// non-success device replies.
	ErrProtocol = errors.New("protocol error")

	// ErrCapabilityUnavailable means no app or derivation could be resolved
	// for the requested chain.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrCancelled resolves an outstanding call after Cancel.
	ErrCancelled = errors.New("signing cancelled")
)

// IsRejected reports whether err is a user rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrUserRejected)
}
