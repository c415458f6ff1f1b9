package adapter

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yolodolo42/hwsign/internal/signing"
)

// Signed extension names that change the signing payload layout.
const (
	extChargeAssetTxPayment = "ChargeAssetTxPayment"
	extCheckMetadataHash    = "CheckMetadataHash"

	extrinsicVersion = 4
)

// EncodeExtrinsicPayload SCALE-encodes a signer payload into the bytes the
// Substrate apps sign: method, era, compact nonce, compact tip, optional
// asset id, optional metadata mode, spec and transaction versions, genesis
// hash, block hash and the optional metadata hash.
func EncodeExtrinsicPayload(p signing.ExtrinsicPayload) ([]byte, error) {
	if p.Version != 0 && p.Version != extrinsicVersion {
		return nil, fmt.Errorf("%w: extrinsic version %d", signing.ErrProtocol, p.Version)
	}

	method, err := decodeHexField("method", p.Method)
	if err != nil {
		return nil, err
	}
	era, err := decodeHexField("era", p.Era)
	if err != nil {
		return nil, err
	}
	if len(era) != 1 && len(era) != 2 {
		return nil, fmt.Errorf("%w: era must be 1 or 2 bytes", signing.ErrProtocol)
	}
	nonce, err := parseHexNumber("nonce", p.Nonce)
	if err != nil {
		return nil, err
	}
	tip, err := parseHexNumber("tip", p.Tip)
	if err != nil {
		return nil, err
	}
	specVersion, err := parseHexUint32("specVersion", p.SpecVersion)
	if err != nil {
		return nil, err
	}
	txVersion, err := parseHexUint32("transactionVersion", p.TransactionVersion)
	if err != nil {
		return nil, err
	}
	genesis, err := decodeHash("genesisHash", p.GenesisHash)
	if err != nil {
		return nil, err
	}
	block, err := decodeHash("blockHash", p.BlockHash)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := scale.NewEncoder(&buf)
	steps := []func() error{
		func() error { return enc.Write(method) },
		func() error { return enc.Write(era) },
		func() error { return enc.EncodeUintCompact(*nonce) },
		func() error { return enc.EncodeUintCompact(*tip) },
	}

	if p.HasExtension(extChargeAssetTxPayment) {
		asset, err := optionalHex("assetId", p.AssetID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, func() error {
			if asset == nil {
				return enc.PushByte(0)
			}
			if err := enc.PushByte(1); err != nil {
				return err
			}
			return enc.Write(asset)
		})
	}

	var metadataHash []byte
	withMetadata := p.HasExtension(extCheckMetadataHash)
	if withMetadata {
		if p.Mode != 0 && p.Mode != 1 {
			return nil, fmt.Errorf("%w: metadata hash mode %d", signing.ErrProtocol, p.Mode)
		}
		if p.Mode == 1 {
			if metadataHash, err = decodeHash("metadataHash", p.MetadataHash); err != nil {
				return nil, err
			}
		}
		steps = append(steps, func() error { return enc.PushByte(byte(p.Mode)) })
	}

	steps = append(steps,
		func() error { return enc.Encode(specVersion) },
		func() error { return enc.Encode(txVersion) },
		func() error { return enc.Write(genesis) },
		func() error { return enc.Write(block) },
	)
	if withMetadata {
		steps = append(steps, func() error {
			if metadataHash == nil {
				return enc.PushByte(0)
			}
			if err := enc.PushByte(1); err != nil {
				return err
			}
			return enc.Write(metadataHash)
		})
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("%w: encode extrinsic payload: %w", signing.ErrProtocol, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeHexField(name, s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("%w: %s must be 0x-prefixed hex", signing.ErrProtocol, name)
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", signing.ErrProtocol, name, err)
	}
	return b, nil
}

func optionalHex(name, s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	return decodeHexField(name, s)
}

func decodeHash(name, s string) ([]byte, error) {
	b, err := decodeHexField(name, s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: %s must be 32 bytes", signing.ErrProtocol, name)
	}
	return b, nil
}

// parseHexNumber accepts hex with leading zeros, as wallets pad numeric
// payload fields.
func parseHexNumber(name, s string) (*big.Int, error) {
	digits := strings.TrimPrefix(s, "0x")
	if digits == s || digits == "" {
		return nil, fmt.Errorf("%w: %s must be 0x-prefixed hex", signing.ErrProtocol, name)
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not hex: %q", signing.ErrProtocol, name, s)
	}
	return n, nil
}

func parseHexUint32(name, s string) (uint32, error) {
	n, err := parseHexNumber(name, s)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() || n.Uint64() > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s overflows u32", signing.ErrProtocol, name)
	}
	return uint32(n.Uint64()), nil
}
