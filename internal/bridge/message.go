// Package bridge reaches a signing device through a cooperating browser
// popup. A localhost HTTP server hands the popup its request, receives the
// reply and tells the popup when to raise or close itself.
package bridge

import "github.com/yolodolo42/hwsign/internal/signing"

// CodeUserCancelled is the reply error code for a cancellation on the
// device or in the popup.
const CodeUserCancelled = "USER_CANCELLED"

// Message is one signing round trip handed to the popup. Payload is hex for
// byte payloads and JSON text for typed data.
type Message struct {
	ID      string                  `json:"id"`
	Family  signing.ChainFamily     `json:"family"`
	Kind    signing.PayloadKind     `json:"kind"`
	Address string                  `json:"address"`
	Network signing.NetworkIdentity `json:"network"`
	Payload string                  `json:"payload"`
}

// Reply is what the popup posts back.
type Reply struct {
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// State is polled by the popup: focus increments ask it to raise itself,
// closed asks it to close.
type State struct {
	Focus  int  `json:"focus"`
	Closed bool `json:"closed"`
}
