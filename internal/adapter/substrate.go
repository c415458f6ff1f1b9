package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/apdu"
	"github.com/yolodolo42/hwsign/internal/derivation"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// Substrate app instruction set.
const (
	subInsGetVersion = 0x00
	subInsGetAddress = 0x01
	subInsSign       = 0x02
	subInsSignRaw    = 0x03

	subP1Init = 0x00
	subP1Add  = 0x01
	subP1Last = 0x02

	subSchemeEd25519 = 0x00

	subChunk = 250

	// MaxLegacyRawMessage is the largest framed raw message the legacy and
	// single-network apps accept.
	MaxLegacyRawMessage = 256
)

var (
	bytesOpen  = []byte("<Bytes>")
	bytesClose = []byte("</Bytes>")
)

// Substrate signs with a Substrate Ledger app: a legacy per-network app, a
// single-network app or the generic app.
type Substrate struct {
	kind     device.Kind
	app      derivation.AppDescriptor
	path     derivation.SubstratePath
	meta     MetadataFetcher
	chainRef string
	log      *zap.Logger
}

func (s *Substrate) Kind() device.Kind { return s.kind }
func (s *Substrate) AppLabel() string  { return s.app.Name }

func (s *Substrate) generic() bool { return s.kind == device.KindLedgerSubstrateGeneric }

// Probe reads the app version.
func (s *Substrate) Probe(ctx context.Context, h device.Handle) error {
	ex, err := exchanger(h)
	if err != nil {
		return err
	}
	reply, err := apdu.Exchange(ctx, ex, apdu.Command{CLA: s.app.CLA, INS: subInsGetVersion})
	if err != nil {
		return err
	}
	if len(reply) < 4 {
		return fmt.Errorf("%w: short version reply", signing.ErrProtocol)
	}
	s.log.Debug("substrate app version", zap.Uint8("major", reply[1]), zap.Uint8("minor", reply[2]), zap.Uint8("patch", reply[3]))
	return nil
}

// Address reads the public key and SS58 address at the adapter's path.
// The generic app needs the network's SS58 prefix; the others ignore it.
func (s *Substrate) Address(ctx context.Context, h device.Handle, ss58Prefix uint16) ([]byte, string, error) {
	ex, err := exchanger(h)
	if err != nil {
		return nil, "", err
	}
	data := s.path.Bytes()
	if s.generic() {
		data = binary.LittleEndian.AppendUint16(data, ss58Prefix)
	}
	reply, err := apdu.Exchange(ctx, ex, apdu.Command{CLA: s.app.CLA, INS: subInsGetAddress, P2: subSchemeEd25519, Data: data})
	if err != nil {
		return nil, "", deviceError("get address", err)
	}
	if len(reply) <= 32 {
		return nil, "", fmt.Errorf("%w: short address reply", signing.ErrProtocol)
	}
	return append([]byte(nil), reply[:32]...), string(reply[32:]), nil
}

// Sign dispatches on the payload kind.
func (s *Substrate) Sign(ctx context.Context, h device.Handle, req signing.Request) (signing.Signature, error) {
	switch p := req.Payload.(type) {
	case signing.RawBytes:
		return s.signRaw(ctx, h, p)
	case signing.RawMessage:
		msg, err := MessageBytes(p.Data)
		if err != nil {
			return signing.Signature{}, err
		}
		return s.signRaw(ctx, h, msg)
	case signing.ExtrinsicPayload:
		return s.signExtrinsic(ctx, h, req, p)
	default:
		return signing.Signature{}, unsupported(s.kind, req.Payload)
	}
}

// WrapBytes frames a raw message with <Bytes> tags unless it already is.
func WrapBytes(msg []byte) []byte {
	if bytes.HasPrefix(msg, bytesOpen) && bytes.HasSuffix(msg, bytesClose) {
		return append([]byte(nil), msg...)
	}
	out := make([]byte, 0, len(bytesOpen)+len(msg)+len(bytesClose))
	out = append(out, bytesOpen...)
	out = append(out, msg...)
	return append(out, bytesClose...)
}

func (s *Substrate) signRaw(ctx context.Context, h device.Handle, msg []byte) (signing.Signature, error) {
	framed := WrapBytes(msg)
	if !s.generic() && len(framed) > MaxLegacyRawMessage {
		return signing.Signature{}, fmt.Errorf("%w: %s app signs raw messages up to %d bytes, got %d",
			signing.ErrUnsupportedOperation, s.app.Name, MaxLegacyRawMessage, len(framed))
	}
	ex, err := exchanger(h)
	if err != nil {
		return signing.Signature{}, err
	}
	reply, err := s.send(ctx, ex, subInsSignRaw, framed)
	if err != nil {
		return signing.Signature{}, deviceError("sign raw", err)
	}
	return stripScheme(reply)
}

func (s *Substrate) signExtrinsic(ctx context.Context, h device.Handle, req signing.Request, p signing.ExtrinsicPayload) (signing.Signature, error) {
	blob, err := EncodeExtrinsicPayload(p)
	if err != nil {
		return signing.Signature{}, err
	}
	if s.generic() && !p.HasExtension(extCheckMetadataHash) {
		return signing.Signature{}, fmt.Errorf("%w: generic app needs the %s extension", signing.ErrUnsupportedOperation, extCheckMetadataHash)
	}

	data := blob
	if s.generic() {
		chain := s.chainRef
		if chain == "" {
			chain = req.Network.ID
		}
		proof, err := s.meta.Fetch(ctx, chain, blob)
		if err != nil {
			return signing.Signature{}, err
		}
		data = binary.LittleEndian.AppendUint16(nil, uint16(len(blob)))
		data = append(data, blob...)
		data = append(data, proof...)
	}

	ex, err := exchanger(h)
	if err != nil {
		return signing.Signature{}, err
	}
	s.log.Debug("signing extrinsic", zap.Int("bytes", len(blob)), zap.Bool("generic", s.generic()))
	reply, err := s.send(ctx, ex, subInsSign, data)
	if err != nil {
		return signing.Signature{}, deviceError("sign extrinsic", err)
	}
	return stripScheme(reply)
}

// send streams the path in an init chunk followed by data in 250 byte
// chunks, the last one flagged as such.
func (s *Substrate) send(ctx context.Context, ex apdu.Exchanger, ins byte, data []byte) ([]byte, error) {
	chunks := append([][]byte{s.path.Bytes()}, split(data, subChunk)...)
	last := byte(subP1Last)
	sender := chunkSender{cla: s.app.CLA, ins: ins, p2: subSchemeEd25519, first: subP1Init, next: subP1Add, last: &last}
	return sender.send(ctx, ex, chunks)
}

// stripScheme drops the leading scheme byte from the device signature.
func stripScheme(reply []byte) (signing.Signature, error) {
	if len(reply) != 65 {
		return signing.Signature{}, fmt.Errorf("%w: unexpected signature length %d", signing.ErrProtocol, len(reply))
	}
	prefix := reply[0]
	return signing.Signature{Bytes: append([]byte(nil), reply[1:]...), Prefix: &prefix}, nil
}
