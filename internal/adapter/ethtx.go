package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/yolodolo42/hwsign/internal/signing"
)

var errNoChainID = errors.New("transaction has no chain id")

// buildTransaction resolves the send-eligible fields of req into an
// unsigned transaction. The type is inferred from the fee fields when not
// declared; gas price and max fee fields are mutually exclusive by type.
func buildTransaction(ctx context.Context, req signing.Request, nonces NonceSource) (*types.Transaction, error) {
	tr, ok := req.Payload.(signing.TransactionRequest)
	if !ok {
		if p, ok := req.Payload.(*signing.TransactionRequest); ok && p != nil {
			tr = *p
		} else {
			return nil, fmt.Errorf("%w: expected a transaction request", signing.ErrProtocol)
		}
	}

	chainID := tr.ChainID
	if chainID == nil {
		chainID = req.Network.ChainID
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %w", signing.ErrProtocol, errNoChainID)
	}

	txType, err := resolveType(tr)
	if err != nil {
		return nil, err
	}

	var nonce uint64
	switch {
	case tr.Nonce != nil:
		nonce = *tr.Nonce
	case nonces != nil:
		if !common.IsHexAddress(req.Address) {
			return nil, fmt.Errorf("%w: invalid sender address %q", signing.ErrProtocol, req.Address)
		}
		nonce, err = nonces.PendingNonce(ctx, chainID, common.HexToAddress(req.Address))
		if err != nil {
			return nil, fmt.Errorf("fetch nonce: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: transaction has no nonce", signing.ErrProtocol)
	}

	value := tr.Value
	if value == nil {
		value = new(big.Int)
	}
	if tr.Gas == 0 {
		return nil, fmt.Errorf("%w: transaction has no gas limit", signing.ErrProtocol)
	}

	switch txType {
	case types.LegacyTxType:
		gasPrice := tr.GasPrice
		if gasPrice == nil {
			gasPrice = req.FeeHint
		}
		if gasPrice == nil {
			return nil, fmt.Errorf("%w: legacy transaction has no gas price", signing.ErrProtocol)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      tr.Gas,
			To:       tr.To,
			Value:    value,
			Data:     tr.Data,
		}), nil

	default:
		maxFee := tr.MaxFeePerGas
		if maxFee == nil {
			maxFee = req.FeeHint
		}
		tip := tr.MaxPriorityFeePerGas
		if maxFee == nil || tip == nil {
			return nil, fmt.Errorf("%w: fee market transaction needs maxFeePerGas and maxPriorityFeePerGas", signing.ErrProtocol)
		}
		if tip.Cmp(maxFee) > 0 {
			return nil, fmt.Errorf("%w: maxPriorityFeePerGas exceeds maxFeePerGas", signing.ErrProtocol)
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:    chainID,
			Nonce:      nonce,
			GasTipCap:  tip,
			GasFeeCap:  maxFee,
			Gas:        tr.Gas,
			To:         tr.To,
			Value:      value,
			Data:       tr.Data,
			AccessList: tr.AccessList,
		}), nil
	}
}

func resolveType(tr signing.TransactionRequest) (uint8, error) {
	hasFeeMarket := tr.MaxFeePerGas != nil || tr.MaxPriorityFeePerGas != nil
	if tr.Type == nil {
		if hasFeeMarket {
			if tr.GasPrice != nil {
				return 0, fmt.Errorf("%w: gasPrice and maxFeePerGas are mutually exclusive", signing.ErrProtocol)
			}
			return types.DynamicFeeTxType, nil
		}
		return types.LegacyTxType, nil
	}

	switch *tr.Type {
	case types.LegacyTxType:
		if hasFeeMarket {
			return 0, fmt.Errorf("%w: legacy transaction cannot set maxFeePerGas or maxPriorityFeePerGas", signing.ErrProtocol)
		}
		return types.LegacyTxType, nil
	case types.DynamicFeeTxType:
		if tr.GasPrice != nil {
			return 0, fmt.Errorf("%w: fee market transaction cannot set gasPrice", signing.ErrProtocol)
		}
		return types.DynamicFeeTxType, nil
	}
	return 0, fmt.Errorf("%w: transaction type %d", signing.ErrUnsupportedOperation, *tr.Type)
}

// UnsignedPayload serializes tx without its signature: the EIP-155 list for
// legacy transactions, the typed envelope for fee market ones. Signature
// fields on tx are ignored, so a signed transaction yields the same bytes
// as its unsigned original.
func UnsignedPayload(tx *types.Transaction, chainID *big.Int) ([]byte, error) {
	switch tx.Type() {
	case types.LegacyTxType:
		return rlp.EncodeToBytes([]interface{}{
			tx.Nonce(), tx.GasPrice(), tx.Gas(), tx.To(), tx.Value(), tx.Data(),
			chainID, uint(0), uint(0),
		})
	case types.DynamicFeeTxType:
		body, err := rlp.EncodeToBytes([]interface{}{
			chainID, tx.Nonce(), tx.GasTipCap(), tx.GasFeeCap(), tx.Gas(), tx.To(), tx.Value(), tx.Data(), tx.AccessList(),
		})
		if err != nil {
			return nil, err
		}
		return append([]byte{types.DynamicFeeTxType}, body...), nil
	}
	return nil, fmt.Errorf("%w: transaction type %d", signing.ErrUnsupportedOperation, tx.Type())
}

// recoveryFunc turns the v a signer returned into a recovery id.
type recoveryFunc func(v byte, txType uint8, chainID *big.Int) byte

// attachSignature applies a signature (r || s || v) to tx, decoding v
// with decodeV.
func attachSignature(tx *types.Transaction, chainID *big.Int, rsv []byte, decodeV recoveryFunc) (*types.Transaction, signing.Signature, error) {
	if len(rsv) != 65 {
		return nil, signing.Signature{}, fmt.Errorf("%w: signature is %d bytes", signing.ErrProtocol, len(rsv))
	}
	parity := decodeV(rsv[64], tx.Type(), chainID)
	if parity > 1 {
		return nil, signing.Signature{}, fmt.Errorf("%w: unexpected signature v %d", signing.ErrProtocol, rsv[64])
	}

	sig := make([]byte, 65)
	copy(sig, rsv[:64])
	sig[64] = parity

	signed, err := tx.WithSignature(types.LatestSignerForChainID(chainID), sig)
	if err != nil {
		return nil, signing.Signature{}, fmt.Errorf("%w: %w", signing.ErrProtocol, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, signing.Signature{}, err
	}

	out := make([]byte, 65)
	copy(out, sig)
	out[64] = 27 + parity
	return signed, signing.Signature{Bytes: out, SignedTransaction: raw}, nil
}

// ledgerRecoveryID decodes v from the Ethereum app. For a legacy
// transaction with a chain id it is chainID*2+35+parity truncated to a
// byte, which can wrap onto 0, 1, 27 or 28, so it is always offset.
func ledgerRecoveryID(v byte, txType uint8, chainID *big.Int) byte {
	if txType == types.LegacyTxType && chainID != nil {
		return v - byte(chainID.Uint64()*2+35)
	}
	return plainRecoveryID(v)
}

// bridgeRecoveryID decodes v from a browser wallet, which reports the bare
// parity or 27/28 and only rarely the EIP-155 value.
func bridgeRecoveryID(v byte, txType uint8, chainID *big.Int) byte {
	if v > 28 && txType == types.LegacyTxType && chainID != nil {
		return v - byte(chainID.Uint64()*2+35)
	}
	return plainRecoveryID(v)
}

func plainRecoveryID(v byte) byte {
	if v == 27 || v == 28 {
		return v - 27
	}
	return v
}
