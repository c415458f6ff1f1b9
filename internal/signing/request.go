package signing

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainFamily selects the signing rules for a request.
type ChainFamily string

const (
	FamilySubstrate ChainFamily = "substrate"
	FamilyEthereum  ChainFamily = "ethereum"
)

// NetworkIdentity identifies the target network. Substrate networks are keyed
// by genesis hash, EVM networks by chain ID.
type NetworkIdentity struct {
	ID          string   `json:"id"`
	GenesisHash string   `json:"genesis_hash,omitempty"`
	ChainID     *big.Int `json:"chain_id,omitempty"`
}

// Request is an immutable signing request handed to the orchestrator.
type Request struct {
	Address string
	Family  ChainFamily
	Payload Payload
	FeeHint *big.Int
	Network NetworkIdentity
}

// PayloadKind tags the Payload union.
type PayloadKind string

const (
	KindRawBytes    PayloadKind = "raw-bytes"
	KindExtrinsic   PayloadKind = "extrinsic-payload"
	KindRawMessage  PayloadKind = "raw-message"
	KindTypedData   PayloadKind = "typed-data"
	KindTransaction PayloadKind = "transaction-request"
)

// Payload is one of RawBytes, ExtrinsicPayload, RawMessage, TypedData or
// TransactionRequest.
type Payload interface {
	Kind() PayloadKind
}

// RawBytes is an opaque byte payload signed as-is (after device framing).
type RawBytes []byte

func (RawBytes) Kind() PayloadKind { return KindRawBytes }

// RawMessage is a user-visible message. Data may be hex ("0x...") or text.
type RawMessage struct {
	Data string `json:"data"`
}

func (RawMessage) Kind() PayloadKind { return KindRawMessage }

// TypedData holds an EIP-712 document as JSON.
type TypedData struct {
	JSON json.RawMessage
}

func (TypedData) Kind() PayloadKind { return KindTypedData }

// ExtrinsicPayload mirrors the signer payload JSON produced by Substrate
// wallets. Numeric fields are hex encoded.
type ExtrinsicPayload struct {
	Address            string   `json:"address"`
	AssetID            string   `json:"assetId,omitempty"`
	BlockHash          string   `json:"blockHash"`
	BlockNumber        string   `json:"blockNumber"`
	Era                string   `json:"era"`
	GenesisHash        string   `json:"genesisHash"`
	MetadataHash       string   `json:"metadataHash,omitempty"`
	Method             string   `json:"method"`
	Mode               int      `json:"mode,omitempty"`
	Nonce              string   `json:"nonce"`
	SpecVersion        string   `json:"specVersion"`
	Tip                string   `json:"tip"`
	TransactionVersion string   `json:"transactionVersion"`
	SignedExtensions   []string `json:"signedExtensions"`
	Version            int      `json:"version"`
}

func (ExtrinsicPayload) Kind() PayloadKind { return KindExtrinsic }

// HasExtension reports whether the payload declares the signed extension.
func (p ExtrinsicPayload) HasExtension(name string) bool {
	for _, ext := range p.SignedExtensions {
		if ext == name {
			return true
		}
	}
	return false
}

// TransactionRequest is an Ethereum transaction before signing. Nil pointer
// fields are unset; Type nil means "infer from the fee fields".
type TransactionRequest struct {
	Type                 *uint8
	ChainID              *big.Int
	Nonce                *uint64
	To                   *common.Address
	Value                *big.Int
	Data                 []byte
	Gas                  uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	AccessList           types.AccessList
}

func (TransactionRequest) Kind() PayloadKind { return KindTransaction }

// Signature is produced once per successful adapter run and never mutated.
// Prefix carries the device's curve/scheme byte when one was stripped.
// SignedTransaction is set for Ethereum transactions.
type Signature struct {
	Bytes             []byte
	Prefix            *byte
	SignedTransaction []byte
}

// WithPrefix returns Prefix || Bytes, or Bytes when no prefix was recorded.
func (s Signature) WithPrefix() []byte {
	if s.Prefix == nil {
		return append([]byte(nil), s.Bytes...)
	}
	out := make([]byte, 0, len(s.Bytes)+1)
	out = append(out, *s.Prefix)
	return append(out, s.Bytes...)
}
