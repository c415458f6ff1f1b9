package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// ErrNotEthereumAccount is returned when a hardware signer is requested
// for a non-Ethereum account.
var ErrNotEthereumAccount = errors.New("hardware signer requires an ethereum account")

// SessionSigner is the part of the orchestrator a HardwareSigner uses.
type SessionSigner interface {
	Connect(ctx context.Context, t orchestrator.Target) (*device.Session, error)
	Sign(ctx context.Context, sess *device.Session, req signing.Request) (signing.Signature, error)
	Close(sess *device.Session) error
}

// HardwareSigner signs with a Ledger or bridge-backed Ethereum account.
// The device session is opened on first use and kept until Close.
type HardwareSigner struct {
	orch    SessionSigner
	account orchestrator.Account
	address common.Address
	network string

	mu   sync.Mutex
	sess *device.Session
}

// NewHardwareSigner creates a signer for the Ethereum account acct.
// network is a chain name or id and may be empty.
func NewHardwareSigner(orch SessionSigner, acct orchestrator.Account, network string) (*HardwareSigner, error) {
	if acct.Family != signing.FamilyEthereum || !common.IsHexAddress(acct.Address) {
		return nil, fmt.Errorf("%w: %s", ErrNotEthereumAccount, acct.Address)
	}
	return &HardwareSigner{
		orch:    orch,
		account: acct,
		address: common.HexToAddress(acct.Address),
		network: network,
	}, nil
}

// Address returns the address of the hardware wallet
func (hs *HardwareSigner) Address() common.Address {
	return hs.address
}

func (hs *HardwareSigner) session(ctx context.Context) (*device.Session, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.sess != nil {
		return hs.sess, nil
	}
	sess, err := hs.orch.Connect(ctx, orchestrator.Target{
		Address: hs.account.Address,
		Network: hs.network,
		Persist: true,
	})
	if err != nil {
		return nil, err
	}
	hs.sess = sess
	return sess, nil
}

func (hs *HardwareSigner) sign(ctx context.Context, payload signing.Payload, chainID *big.Int) (signing.Signature, error) {
	sess, err := hs.session(ctx)
	if err != nil {
		return signing.Signature{}, err
	}
	req := signing.Request{
		Address: hs.account.Address,
		Family:  signing.FamilyEthereum,
		Payload: payload,
	}
	if chainID != nil {
		req.Network = signing.NetworkIdentity{ID: chainID.String(), ChainID: chainID}
	}
	return hs.orch.Sign(ctx, sess, req)
}

// SignTransaction signs tx on the device and returns the signed transaction.
func (hs *HardwareSigner) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	req, err := RequestFromTransaction(tx, chainID)
	if err != nil {
		return nil, err
	}
	sig, err := hs.sign(ctx, req, chainID)
	if err != nil {
		return nil, err
	}
	if len(sig.SignedTransaction) == 0 {
		return nil, fmt.Errorf("%w: device returned no signed transaction", signing.ErrProtocol)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(sig.SignedTransaction); err != nil {
		return nil, fmt.Errorf("%w: decode signed transaction: %w", signing.ErrProtocol, err)
	}
	return signed, nil
}

// SignMessage signs an EIP-191 personal message.
func (hs *HardwareSigner) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	sig, err := hs.sign(ctx, signing.RawMessage{Data: hexutil.Encode(message)}, nil)
	if err != nil {
		return nil, err
	}
	return sig.Bytes, nil
}

// SignTypedData signs an EIP-712 JSON document.
func (hs *HardwareSigner) SignTypedData(ctx context.Context, typedData []byte) ([]byte, error) {
	sig, err := hs.sign(ctx, signing.TypedData{JSON: typedData}, nil)
	if err != nil {
		return nil, err
	}
	return sig.Bytes, nil
}

// Close releases the device session.
func (hs *HardwareSigner) Close() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.sess == nil {
		return nil
	}
	err := hs.orch.Close(hs.sess)
	hs.sess = nil
	return err
}

// RequestFromTransaction converts an unsigned transaction into a request
// that keeps its type, nonce and fee fields. Only legacy and fee market
// transactions can be signed; access list (type 1) and blob transactions
// are refused rather than silently rewritten.
func RequestFromTransaction(tx *types.Transaction, chainID *big.Int) (signing.TransactionRequest, error) {
	txType := tx.Type()
	if txType != types.LegacyTxType && txType != types.DynamicFeeTxType {
		return signing.TransactionRequest{}, fmt.Errorf("%w: transaction type %d", signing.ErrUnsupportedOperation, txType)
	}
	nonce := tx.Nonce()
	req := signing.TransactionRequest{
		Type:       &txType,
		ChainID:    chainID,
		Nonce:      &nonce,
		To:         tx.To(),
		Value:      tx.Value(),
		Data:       tx.Data(),
		Gas:        tx.Gas(),
		AccessList: tx.AccessList(),
	}
	if txType == types.LegacyTxType {
		req.GasPrice = tx.GasPrice()
	} else {
		req.MaxFeePerGas = tx.GasFeeCap()
		req.MaxPriorityFeePerGas = tx.GasTipCap()
	}
	return req, nil
}

var _ Signer = (*HardwareSigner)(nil)
