package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/apdu"
	"github.com/yolodolo42/hwsign/internal/derivation"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// Ethereum app instruction set.
const (
	ethCLA = 0xe0

	ethInsGetAddress   = 0x02
	ethInsSignTx       = 0x04
	ethInsGetConfig    = 0x06
	ethInsSignPersonal = 0x08
	ethInsSignTyped    = 0x0c
	ethInsStructDef    = 0x1a
	ethInsStructImpl   = 0x1c

	ethP1First = 0x00
	ethP1More  = 0x80

	ethChunk = 255
	// The app misparses a final chunk that only holds the EIP-155 tail, so
	// the chunk size shrinks until the last chunk is longer than that.
	ethEIP155TailSize = 3
)

// Ethereum signs with the Ledger Ethereum app.
type Ethereum struct {
	path   accounts.DerivationPath
	nonces NonceSource
	log    *zap.Logger
}

func (e *Ethereum) Kind() device.Kind { return device.KindLedgerEthereum }
func (e *Ethereum) AppLabel() string  { return "Ethereum" }

// Probe reads the app configuration.
func (e *Ethereum) Probe(ctx context.Context, h device.Handle) error {
	_, err := e.Version(ctx, h)
	return err
}

// Version returns the app's major, minor and patch version.
func (e *Ethereum) Version(ctx context.Context, h device.Handle) ([3]byte, error) {
	ex, err := exchanger(h)
	if err != nil {
		return [3]byte{}, err
	}
	reply, err := apdu.Exchange(ctx, ex, apdu.Command{CLA: ethCLA, INS: ethInsGetConfig})
	if err != nil {
		return [3]byte{}, err
	}
	if len(reply) < 4 {
		return [3]byte{}, fmt.Errorf("%w: short version reply", signing.ErrProtocol)
	}
	return [3]byte{reply[1], reply[2], reply[3]}, nil
}

// Address reads the account address at the adapter's path.
func (e *Ethereum) Address(ctx context.Context, h device.Handle) (common.Address, error) {
	ex, err := exchanger(h)
	if err != nil {
		return common.Address{}, err
	}
	reply, err := apdu.Exchange(ctx, ex, apdu.Command{CLA: ethCLA, INS: ethInsGetAddress, Data: derivation.EncodeEthereumPath(e.path)})
	if err != nil {
		return common.Address{}, deviceError("get address", err)
	}
	// pubkey length, pubkey, address length, hex address
	if len(reply) < 1 || len(reply) < 1+int(reply[0])+1 {
		return common.Address{}, fmt.Errorf("%w: short address reply", signing.ErrProtocol)
	}
	reply = reply[1+int(reply[0]):]
	n := int(reply[0])
	if len(reply) < 1+n || n != 40 {
		return common.Address{}, fmt.Errorf("%w: malformed address reply", signing.ErrProtocol)
	}
	hex := string(reply[1 : 1+n])
	if !common.IsHexAddress(hex) {
		return common.Address{}, fmt.Errorf("%w: malformed address %q", signing.ErrProtocol, hex)
	}
	return common.HexToAddress(hex), nil
}

// Sign dispatches on the payload kind.
func (e *Ethereum) Sign(ctx context.Context, h device.Handle, req signing.Request) (signing.Signature, error) {
	switch p := req.Payload.(type) {
	case signing.TransactionRequest, *signing.TransactionRequest:
		return e.signTransaction(ctx, h, req)
	case signing.RawMessage:
		msg, err := MessageBytes(p.Data)
		if err != nil {
			return signing.Signature{}, err
		}
		return e.signPersonal(ctx, h, msg)
	case signing.RawBytes:
		return e.signPersonal(ctx, h, p)
	case signing.TypedData:
		return e.signTypedData(ctx, h, p)
	default:
		return signing.Signature{}, unsupported(e.Kind(), req.Payload)
	}
}

func (e *Ethereum) signTransaction(ctx context.Context, h device.Handle, req signing.Request) (signing.Signature, error) {
	tx, err := buildTransaction(ctx, req, e.nonces)
	if err != nil {
		return signing.Signature{}, err
	}
	chainID := txChainID(req)
	payload, err := UnsignedPayload(tx, chainID)
	if err != nil {
		return signing.Signature{}, err
	}
	ex, err := exchanger(h)
	if err != nil {
		return signing.Signature{}, err
	}

	data := append(derivation.EncodeEthereumPath(e.path), payload...)
	chunk := ethChunk
	for ; len(data)%chunk <= ethEIP155TailSize; chunk-- {
	}

	e.log.Debug("signing transaction", zap.Uint8("type", tx.Type()), zap.Int("bytes", len(payload)))
	sender := chunkSender{cla: ethCLA, ins: ethInsSignTx, first: ethP1First, next: ethP1More}
	reply, err := sender.send(ctx, ex, split(data, chunk))
	if err != nil {
		return signing.Signature{}, deviceError("sign transaction", err)
	}
	rsv, err := vrsToRSV(reply)
	if err != nil {
		return signing.Signature{}, err
	}
	_, sig, err := attachSignature(tx, chainID, rsv, ledgerRecoveryID)
	return sig, err
}

func txChainID(req signing.Request) *big.Int {
	switch p := req.Payload.(type) {
	case signing.TransactionRequest:
		if p.ChainID != nil {
			return p.ChainID
		}
	case *signing.TransactionRequest:
		if p.ChainID != nil {
			return p.ChainID
		}
	}
	return req.Network.ChainID
}

func (e *Ethereum) signPersonal(ctx context.Context, h device.Handle, msg []byte) (signing.Signature, error) {
	ex, err := exchanger(h)
	if err != nil {
		return signing.Signature{}, err
	}
	data := derivation.EncodeEthereumPath(e.path)
	data = binary.BigEndian.AppendUint32(data, uint32(len(msg)))
	data = append(data, msg...)

	sender := chunkSender{cla: ethCLA, ins: ethInsSignPersonal, first: ethP1First, next: ethP1More}
	reply, err := sender.send(ctx, ex, split(data, ethChunk))
	if err != nil {
		return signing.Signature{}, deviceError("sign message", err)
	}
	return signatureFromVRS(reply)
}

// MessageBytes normalizes a message to bytes: 0x-prefixed hex is
// decoded, anything else is taken as UTF-8 text.
func MessageBytes(data string) ([]byte, error) {
	if strings.HasPrefix(data, "0x") || strings.HasPrefix(data, "0X") {
		if b, err := hexutil.Decode("0x" + data[2:]); err == nil {
			return b, nil
		}
	}
	return []byte(data), nil
}

// vrsToRSV reorders the device's v || r || s reply.
func vrsToRSV(reply []byte) ([]byte, error) {
	if len(reply) != 65 {
		return nil, fmt.Errorf("%w: reply lacks signature", signing.ErrProtocol)
	}
	out := make([]byte, 0, 65)
	out = append(out, reply[1:]...)
	return append(out, reply[0]), nil
}

// signatureFromVRS builds an r || s || v signature with v in 27/28.
func signatureFromVRS(reply []byte) (signing.Signature, error) {
	rsv, err := vrsToRSV(reply)
	if err != nil {
		return signing.Signature{}, err
	}
	if rsv[64] < 27 {
		rsv[64] += 27
	}
	return signing.Signature{Bytes: rsv}, nil
}
