// Package tx builds transaction requests for hardware accounts.
package tx

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/yolodolo42/hwsign/internal/chain"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// Intent captures a transfer the user wants to sign.
type Intent struct {
	Chain       string         // chain name (e.g., "ethereum")
	From        common.Address // signer address
	To          common.Address // recipient
	ValueWei    *big.Int       // native value
	Data        []byte         // calldata (empty for native send)
	Nonce       *uint64        // optional override; nil lets the signer fetch it
	GasLimit    *uint64        // optional override
	MaxFeePerG  *big.Int       // optional override
	MaxPriority *big.Int       // optional override
	GasPrice    *big.Int       // optional override, forces a legacy transaction
	Legacy      bool           // request a type 0 transaction
}

// Policy enforces safety constraints before signing.
type Policy struct {
	MaxPerTxWei *big.Int
	AllowTo     []common.Address
	DenyTo      []common.Address
}

// SuggestedFees carries gas estimates so the caller can render them.
type SuggestedFees struct {
	GasLimit         uint64
	GasPrice         *big.Int
	MaxFeePerGas     *big.Int
	MaxPriorityFee   *big.Int
	EstimatedCostWei *big.Int
}

// FeeSource is the subset of chain.Client used to fill fees.
type FeeSource interface {
	GetChainConfig(chainName string) (*chain.ChainConfig, error)
	SuggestGasPrice(ctx context.Context, chainName string) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context, chainName string) (*big.Int, error)
	EstimateGas(ctx context.Context, chainName string, msg ethereum.CallMsg) (uint64, error)
}

// Validate applies simple allow/deny and spend limits.
func Validate(intent Intent, policy Policy) error {
	if intent.ValueWei == nil {
		return fmt.Errorf("value missing")
	}
	if intent.ValueWei.Sign() < 0 {
		return fmt.Errorf("value must not be negative")
	}
	if intent.GasPrice != nil && (intent.MaxFeePerG != nil || intent.MaxPriority != nil) {
		return fmt.Errorf("gas price and max fee overrides are mutually exclusive")
	}

	for _, a := range policy.DenyTo {
		if a == intent.To {
			return fmt.Errorf("destination denied by policy")
		}
	}
	if len(policy.AllowTo) > 0 {
		allowed := false
		for _, a := range policy.AllowTo {
			if a == intent.To {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("destination not in allowlist")
		}
	}
	if policy.MaxPerTxWei != nil && intent.ValueWei.Cmp(policy.MaxPerTxWei) > 0 {
		return fmt.Errorf("value exceeds max per tx limit")
	}
	return nil
}

// BuildTransfer prepares an unsigned transaction request for intent. Fee
// market (type 2) is the default; chains marked LegacyGas, an explicit
// gas price or intent.Legacy produce a type 0 request.
func BuildTransfer(ctx context.Context, fees FeeSource, intent Intent) (signing.TransactionRequest, SuggestedFees, error) {
	if err := Validate(intent, Policy{}); err != nil {
		return signing.TransactionRequest{}, SuggestedFees{}, err
	}
	cfg, err := fees.GetChainConfig(intent.Chain)
	if err != nil {
		return signing.TransactionRequest{}, SuggestedFees{}, err
	}
	legacy := intent.Legacy || intent.GasPrice != nil || cfg.LegacyGas

	to := intent.To
	req := signing.TransactionRequest{
		ChainID: new(big.Int).Set(cfg.ChainID),
		Nonce:   intent.Nonce,
		To:      &to,
		Value:   intent.ValueWei,
		Data:    intent.Data,
	}
	call := ethereum.CallMsg{
		From:  intent.From,
		To:    &to,
		Value: intent.ValueWei,
		Data:  intent.Data,
	}
	var suggested SuggestedFees

	if legacy {
		gasPrice := intent.GasPrice
		if gasPrice == nil {
			gasPrice, err = fees.SuggestGasPrice(ctx, intent.Chain)
			if err != nil {
				return signing.TransactionRequest{}, SuggestedFees{}, fmt.Errorf("suggest gas price: %w", err)
			}
		}
		txType := uint8(types.LegacyTxType)
		req.Type = &txType
		req.GasPrice = gasPrice
		call.GasPrice = gasPrice
		suggested.GasPrice = gasPrice
	} else {
		maxFee := intent.MaxFeePerG
		maxPrio := intent.MaxPriority
		if maxPrio == nil {
			maxPrio, err = fees.SuggestGasTipCap(ctx, intent.Chain)
			if err != nil {
				return signing.TransactionRequest{}, SuggestedFees{}, fmt.Errorf("suggest tip cap: %w", err)
			}
		}
		if maxFee == nil {
			price, err := fees.SuggestGasPrice(ctx, intent.Chain)
			if err != nil {
				return signing.TransactionRequest{}, SuggestedFees{}, fmt.Errorf("suggest gas price: %w", err)
			}
			// Twice the suggested price plus the tip.
			maxFee = new(big.Int).Add(new(big.Int).Mul(price, big.NewInt(2)), maxPrio)
		}
		if maxPrio.Cmp(maxFee) > 0 {
			return signing.TransactionRequest{}, SuggestedFees{}, fmt.Errorf("max priority fee exceeds max fee")
		}
		txType := uint8(types.DynamicFeeTxType)
		req.Type = &txType
		req.MaxFeePerGas = maxFee
		req.MaxPriorityFeePerGas = maxPrio
		call.GasFeeCap = maxFee
		call.GasTipCap = maxPrio
		suggested.MaxFeePerGas = maxFee
		suggested.MaxPriorityFee = maxPrio
	}

	if intent.GasLimit != nil {
		req.Gas = *intent.GasLimit
	} else {
		gl, err := fees.EstimateGas(ctx, intent.Chain, call)
		if err != nil {
			return signing.TransactionRequest{}, SuggestedFees{}, fmt.Errorf("estimate gas: %w", err)
		}
		req.Gas = gl
	}
	suggested.GasLimit = req.Gas

	price := suggested.GasPrice
	if price == nil {
		price = suggested.MaxFeePerGas
	}
	total := new(big.Int).Mul(price, new(big.Int).SetUint64(req.Gas))
	suggested.EstimatedCostWei = total.Add(total, intent.ValueWei)

	return req, suggested, nil
}
