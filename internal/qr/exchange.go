// Package qr drives the air-gapped signing exchange with an offline signer:
// the unsigned payload is shown as (animated) QR codes and the signature is
// scanned back. There is no live transport.
package qr

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/vedhavyas/go-subkey/v2"
	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/adapter"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// State of an exchange.
type State int

const (
	StateInit State = iota
	StateSend
	StateChainspec
	StateMetadataPromptCheck
	StateUpdateMetadata
	StateReceive
	StateSigned
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSend:
		return "send"
	case StateChainspec:
		return "chainspec"
	case StateMetadataPromptCheck:
		return "metadata-prompt-check"
	case StateUpdateMetadata:
		return "update-metadata"
	case StateReceive:
		return "receive"
	case StateSigned:
		return "signed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Event drives Advance.
type Event int

const (
	// EventConfirm leaves Init; nothing is rendered before it.
	EventConfirm Event = iota
	EventShowChainspec
	EventCheckMetadata
	EventUpdateMetadata
	// EventDone returns from a side branch to Send.
	EventDone
	// EventScan moves from Send to Receive.
	EventScan
	// EventBack moves from Receive to Send to show the payload again.
	EventBack
)

// Curve is the key type byte of the payload prefix.
type Curve byte

const (
	CurveEd25519 Curve = 0x00
	CurveSr25519 Curve = 0x01
	CurveEcdsa   Curve = 0x02
)

func (c Curve) known() bool { return c <= CurveEcdsa }

const (
	substratePrefix = 0x53

	cmdTransaction = 0x02
	cmdMessage     = 0x03

	// Unsigned side-channel updates for the offline signer.
	cryptoUnsigned  = 0xff
	cmdLoadMetadata = 0x80
	cmdAddSpecs     = 0xc1
)

var (
	// ErrInvalidTransition is returned for events not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("qr: invalid transition")
	// ErrDecoding is returned by Cancel while a scan is being decoded.
	ErrDecoding = errors.New("qr: scan decode in progress")
)

// Options configure an exchange.
type Options struct {
	Curve Curve
	// PublicKey overrides the key decoded from the request's SS58 address.
	PublicKey []byte
	// Chainspec and Metadata feed the optional side branches.
	Chainspec []byte
	Metadata  []byte
	FrameSize int
	Logger    *zap.Logger
}

// Exchange is one air-gapped signing attempt.
type Exchange struct {
	id   string
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	state    State
	command  byte
	unsigned []byte
	genesis  []byte
	pubkey   []byte
	decoding bool
	sig      signing.Signature
}

// Begin validates req and returns an exchange in Init. Only Substrate
// requests can be signed this way; a message needs a genesis hash.
func Begin(req signing.Request, opts Options) (*Exchange, error) {
	if req.Family != signing.FamilySubstrate {
		return nil, fmt.Errorf("%w: qr signing supports substrate only", signing.ErrUnsupportedOperation)
	}
	if !opts.Curve.known() {
		return nil, fmt.Errorf("%w: curve 0x%02x", signing.ErrUnsupportedOperation, byte(opts.Curve))
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	x := &Exchange{id: uuid.NewString(), opts: opts, state: StateInit}
	x.log = log.With(zap.String("exchange", x.id))

	var genesisHex string
	switch p := req.Payload.(type) {
	case signing.ExtrinsicPayload:
		blob, err := adapter.EncodeExtrinsicPayload(p)
		if err != nil {
			return nil, err
		}
		x.command, x.unsigned, genesisHex = cmdTransaction, blob, p.GenesisHash
	case signing.RawBytes:
		x.command, x.unsigned, genesisHex = cmdMessage, adapter.WrapBytes(p), req.Network.GenesisHash
	case signing.RawMessage:
		msg, err := adapter.MessageBytes(p.Data)
		if err != nil {
			return nil, err
		}
		x.command, x.unsigned, genesisHex = cmdMessage, adapter.WrapBytes(msg), req.Network.GenesisHash
	default:
		return nil, fmt.Errorf("%w: qr cannot sign %s", signing.ErrUnsupportedOperation, req.Payload.Kind())
	}

	if genesisHex == "" {
		return nil, fmt.Errorf("%w: offline signing needs the network genesis hash", signing.ErrCapabilityUnavailable)
	}
	genesis, err := hexutil.Decode(genesisHex)
	if err != nil || len(genesis) != 32 {
		return nil, fmt.Errorf("%w: invalid genesis hash %q", signing.ErrProtocol, genesisHex)
	}
	x.genesis = genesis

	x.pubkey = opts.PublicKey
	if x.pubkey == nil {
		_, pub, err := subkey.SS58Decode(req.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: decode address %q: %w", signing.ErrProtocol, req.Address, err)
		}
		x.pubkey = pub
	}
	return x, nil
}

func (x *Exchange) ID() string { return x.id }

// State returns the current state.
func (x *Exchange) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Payload returns the full signing payload shown in Send:
// 0x53 || curve || command || public key || unsigned bytes || genesis hash.
func (x *Exchange) Payload() []byte {
	out := []byte{substratePrefix, byte(x.opts.Curve), x.command}
	out = append(out, x.pubkey...)
	out = append(out, x.unsigned...)
	return append(out, x.genesis...)
}

// Unsigned returns the bytes the offline signer signs.
func (x *Exchange) Unsigned() []byte { return append([]byte(nil), x.unsigned...) }

// Advance applies ev.
func (x *Exchange) Advance(ev Event) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	next, err := x.transition(ev)
	if err != nil {
		return err
	}
	x.log.Debug("qr state", zap.Stringer("from", x.state), zap.Stringer("to", next))
	x.state = next
	return nil
}

func (x *Exchange) transition(ev Event) (State, error) {
	switch {
	case x.state == StateInit && ev == EventConfirm:
		return StateSend, nil
	case x.state == StateSend && ev == EventShowChainspec:
		if x.opts.Chainspec == nil {
			return 0, fmt.Errorf("%w: no chainspec to show", signing.ErrCapabilityUnavailable)
		}
		return StateChainspec, nil
	case x.state == StateSend && ev == EventCheckMetadata:
		return StateMetadataPromptCheck, nil
	case x.state == StateMetadataPromptCheck && ev == EventUpdateMetadata:
		if x.opts.Metadata == nil {
			return 0, fmt.Errorf("%w: no metadata to show", signing.ErrCapabilityUnavailable)
		}
		return StateUpdateMetadata, nil
	case ev == EventDone && (x.state == StateChainspec || x.state == StateMetadataPromptCheck || x.state == StateUpdateMetadata):
		return StateSend, nil
	case x.state == StateSend && ev == EventScan:
		return StateReceive, nil
	case x.state == StateReceive && ev == EventBack:
		return StateSend, nil
	}
	return 0, fmt.Errorf("%w: event %d in %s", ErrInvalidTransition, ev, x.state)
}

// Frames returns the QR frames to display in the current state, or nil
// when nothing should be shown.
func (x *Exchange) Frames() ([]Frame, error) {
	x.mu.Lock()
	state := x.state
	x.mu.Unlock()

	switch state {
	case StateSend:
		return EncodeFrames(x.Payload(), x.opts.FrameSize)
	case StateChainspec:
		return EncodeFrames(x.update(cmdAddSpecs, x.opts.Chainspec), x.opts.FrameSize)
	case StateUpdateMetadata:
		return EncodeFrames(x.update(cmdLoadMetadata, append(append([]byte(nil), x.opts.Metadata...), x.genesis...)), x.opts.FrameSize)
	}
	return nil, nil
}

func (x *Exchange) update(cmd byte, body []byte) []byte {
	return append([]byte{substratePrefix, cryptoUnsigned, cmd}, body...)
}

// Complete interprets scanned as the signature. Only 0x-prefixed hex of a
// 64 byte signature, or 65 bytes led by a known curve byte, is accepted;
// anything else leaves the exchange in Receive.
func (x *Exchange) Complete(scanned string) (signing.Signature, error) {
	x.mu.Lock()
	if x.state != StateReceive || x.decoding {
		state := x.state
		x.mu.Unlock()
		return signing.Signature{}, fmt.Errorf("%w: complete in %s", ErrInvalidTransition, state)
	}
	x.decoding = true
	x.mu.Unlock()

	sig, err := decodeSignature(scanned)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.decoding = false
	if err != nil {
		x.log.Info("rejected scanned content", zap.Error(err))
		return signing.Signature{}, err
	}
	x.state = StateSigned
	x.sig = sig
	return sig, nil
}

func decodeSignature(scanned string) (signing.Signature, error) {
	s := strings.TrimSpace(scanned)
	if !strings.HasPrefix(s, "0x") {
		return signing.Signature{}, fmt.Errorf("%w: scanned content is not a signature", signing.ErrProtocol)
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return signing.Signature{}, fmt.Errorf("%w: scanned content is not hex", signing.ErrProtocol)
	}
	switch {
	case len(raw) == 64:
		return signing.Signature{Bytes: raw}, nil
	case len(raw) == 65 && Curve(raw[0]).known():
		prefix := raw[0]
		return signing.Signature{Bytes: raw[1:], Prefix: &prefix}, nil
	}
	return signing.Signature{}, fmt.Errorf("%w: scanned %d bytes, want a signature", signing.ErrProtocol, len(raw))
}

// Cancel ends the exchange from any state except during a scan decode.
// Cancelling twice is a no-op; a signed exchange cannot be cancelled.
func (x *Exchange) Cancel() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch {
	case x.decoding:
		return ErrDecoding
	case x.state == StateSigned:
		return fmt.Errorf("%w: exchange already signed", ErrInvalidTransition)
	}
	x.state = StateCancelled
	return nil
}
