package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer is the interface for signing Ethereum transactions and messages.
// Calls may block on the device until the user confirms.
type Signer interface {
	// Address returns the Ethereum address of the signer
	Address() common.Address

	// SignTransaction signs a transaction with the given chain ID
	SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

	// SignMessage signs an arbitrary message (EIP-191 personal sign)
	SignMessage(ctx context.Context, message []byte) ([]byte, error)

	// SignTypedData signs EIP-712 typed data
	SignTypedData(ctx context.Context, typedData []byte) ([]byte, error)
}
