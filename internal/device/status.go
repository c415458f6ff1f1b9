// Package device owns the connection lifecycle of a signing device: error
// classification, the connect/poll state machine and the sticky status
// indicator shown to the user.
package device

// Status is the coarse state of a device session.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnecting
	StatusReady
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Kind identifies the device family and protocol a session talks.
type Kind string

const (
	KindLedgerEthereum           Kind = "ledger-ethereum"
	KindLedgerSubstrateLegacy    Kind = "ledger-substrate-legacy"
	KindLedgerSubstrateGeneric   Kind = "ledger-substrate-generic"
	KindLedgerSubstrateSingleApp Kind = "ledger-substrate-single-app"
	KindBridge                   Kind = "bridge"
)

// USB reports whether the kind is reached over a direct USB transport.
func (k Kind) USB() bool {
	return k != KindBridge
}
