package adapter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/bridge"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// BridgeChannel is the capability a bridge handle provides.
type BridgeChannel interface {
	device.Handle
	Ping(ctx context.Context) error
	RoundTrip(ctx context.Context, msg bridge.Message) (bridge.Reply, error)
}

func bridgeChannel(h device.Handle) (BridgeChannel, error) {
	ch, ok := h.(BridgeChannel)
	if !ok {
		return nil, fmt.Errorf("%w: handle %T is not a bridge channel", signing.ErrCapabilityUnavailable, h)
	}
	return ch, nil
}

func bridgeProbe(ctx context.Context, h device.Handle) error {
	ch, err := bridgeChannel(h)
	if err != nil {
		return err
	}
	return ch.Ping(ctx)
}

// roundTrip sends msg and decodes the signature, mapping the bridge's
// cancellation code to a user rejection.
func roundTrip(ctx context.Context, h device.Handle, msg bridge.Message) ([]byte, error) {
	ch, err := bridgeChannel(h)
	if err != nil {
		return nil, err
	}
	reply, err := ch.RoundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	switch {
	case reply.Error == bridge.CodeUserCancelled:
		return nil, fmt.Errorf("%w: cancelled in bridge", signing.ErrUserRejected)
	case reply.Error != "":
		return nil, fmt.Errorf("%w: bridge: %s", signing.ErrProtocol, reply.Error)
	}
	sig, err := hexutil.Decode(reply.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bridge signature: %w", signing.ErrProtocol, err)
	}
	return sig, nil
}

func newMessage(req signing.Request, kind signing.PayloadKind, payload string) bridge.Message {
	return bridge.Message{
		Family:  req.Family,
		Kind:    kind,
		Address: req.Address,
		Network: req.Network,
		Payload: payload,
	}
}

// BridgeEthereum signs Ethereum payloads through the bridge popup.
type BridgeEthereum struct {
	nonces NonceSource
	log    *zap.Logger
}

func (b *BridgeEthereum) Kind() device.Kind { return device.KindBridge }
func (b *BridgeEthereum) AppLabel() string  { return "Bridge" }

func (b *BridgeEthereum) Probe(ctx context.Context, h device.Handle) error {
	return bridgeProbe(ctx, h)
}

func (b *BridgeEthereum) Sign(ctx context.Context, h device.Handle, req signing.Request) (signing.Signature, error) {
	switch p := req.Payload.(type) {
	case signing.TransactionRequest, *signing.TransactionRequest:
		tx, err := buildTransaction(ctx, req, b.nonces)
		if err != nil {
			return signing.Signature{}, err
		}
		chainID := txChainID(req)
		payload, err := UnsignedPayload(tx, chainID)
		if err != nil {
			return signing.Signature{}, err
		}
		rsv, err := roundTrip(ctx, h, newMessage(req, signing.KindTransaction, hexutil.Encode(payload)))
		if err != nil {
			return signing.Signature{}, err
		}
		_, sig, err := attachSignature(tx, chainID, rsv, bridgeRecoveryID)
		return sig, err

	case signing.RawMessage:
		msg, err := MessageBytes(p.Data)
		if err != nil {
			return signing.Signature{}, err
		}
		return b.signBytes(ctx, h, req, msg)
	case signing.RawBytes:
		return b.signBytes(ctx, h, req, p)
	case signing.TypedData:
		sig, err := roundTrip(ctx, h, newMessage(req, signing.KindTypedData, string(p.JSON)))
		if err != nil {
			return signing.Signature{}, err
		}
		return rsvSignature(sig)
	}
	return signing.Signature{}, unsupported(b.Kind(), req.Payload)
}

func (b *BridgeEthereum) signBytes(ctx context.Context, h device.Handle, req signing.Request, msg []byte) (signing.Signature, error) {
	sig, err := roundTrip(ctx, h, newMessage(req, signing.KindRawMessage, hexutil.Encode(msg)))
	if err != nil {
		return signing.Signature{}, err
	}
	return rsvSignature(sig)
}

func rsvSignature(sig []byte) (signing.Signature, error) {
	if len(sig) != 65 {
		return signing.Signature{}, fmt.Errorf("%w: bridge signature is %d bytes", signing.ErrProtocol, len(sig))
	}
	out := append([]byte(nil), sig...)
	if out[64] < 27 {
		out[64] += 27
	}
	return signing.Signature{Bytes: out}, nil
}

// BridgeSubstrate signs Substrate payloads through the bridge popup.
type BridgeSubstrate struct {
	log *zap.Logger
}

func (b *BridgeSubstrate) Kind() device.Kind { return device.KindBridge }
func (b *BridgeSubstrate) AppLabel() string  { return "Bridge" }

func (b *BridgeSubstrate) Probe(ctx context.Context, h device.Handle) error {
	return bridgeProbe(ctx, h)
}

func (b *BridgeSubstrate) Sign(ctx context.Context, h device.Handle, req signing.Request) (signing.Signature, error) {
	var msg bridge.Message
	switch p := req.Payload.(type) {
	case signing.RawBytes:
		msg = newMessage(req, signing.KindRawBytes, hexutil.Encode(WrapBytes(p)))
	case signing.RawMessage:
		data, err := MessageBytes(p.Data)
		if err != nil {
			return signing.Signature{}, err
		}
		msg = newMessage(req, signing.KindRawMessage, hexutil.Encode(WrapBytes(data)))
	case signing.ExtrinsicPayload:
		blob, err := EncodeExtrinsicPayload(p)
		if err != nil {
			return signing.Signature{}, err
		}
		msg = newMessage(req, signing.KindExtrinsic, hexutil.Encode(blob))
	default:
		return signing.Signature{}, unsupported(b.Kind(), req.Payload)
	}

	sig, err := roundTrip(ctx, h, msg)
	if err != nil {
		return signing.Signature{}, err
	}
	switch len(sig) {
	case 64:
		return signing.Signature{Bytes: sig}, nil
	case 65:
		return stripScheme(sig)
	}
	return signing.Signature{}, fmt.Errorf("%w: bridge signature is %d bytes", signing.ErrProtocol, len(sig))
}
