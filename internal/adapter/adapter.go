// Package adapter translates signing requests into device wire formats and
// decodes device replies into signatures. One adapter is chosen per session
// when the session is created.
package adapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/apdu"
	"github.com/yolodolo42/hwsign/internal/derivation"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// Adapter signs requests for one device family.
type Adapter interface {
	Kind() device.Kind
	// AppLabel names the on-device app for status messages.
	AppLabel() string
	// Probe is the cheap read-only call used when connecting.
	Probe(ctx context.Context, h device.Handle) error
	Sign(ctx context.Context, h device.Handle, req signing.Request) (signing.Signature, error)
}

// MetadataFetcher returns the metadata proof for an extrinsic.
type MetadataFetcher interface {
	Fetch(ctx context.Context, chain string, extrinsic []byte) ([]byte, error)
}

// NonceSource supplies the next nonce when a transaction request has none.
type NonceSource interface {
	PendingNonce(ctx context.Context, chainID *big.Int, address common.Address) (uint64, error)
}

// Target selects and configures an adapter.
type Target struct {
	Kind device.Kind
	// Family picks the bridge variant; USB kinds imply it.
	Family signing.ChainFamily

	EthereumPath  accounts.DerivationPath
	App           derivation.AppDescriptor
	SubstratePath derivation.SubstratePath
	// ChainRef is the network id sent to the metadata service.
	ChainRef string

	Metadata MetadataFetcher
	Nonces   NonceSource
	Logger   *zap.Logger
}

// New returns the adapter for t.
func New(t Target) (Adapter, error) {
	log := t.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("adapter", string(t.Kind)))

	switch t.Kind {
	case device.KindLedgerEthereum:
		path := t.EthereumPath
		if len(path) == 0 {
			path = derivation.EthereumPath(0)
		}
		return &Ethereum{path: path, nonces: t.Nonces, log: log}, nil

	case device.KindLedgerSubstrateLegacy, device.KindLedgerSubstrateSingleApp:
		if t.App.CLA == 0 {
			return nil, fmt.Errorf("%w: no app selected for %s", signing.ErrCapabilityUnavailable, t.Kind)
		}
		return &Substrate{kind: t.Kind, app: t.App, path: t.SubstratePath, log: log}, nil

	case device.KindLedgerSubstrateGeneric:
		if t.Metadata == nil {
			return nil, fmt.Errorf("%w: generic app needs a metadata service", signing.ErrCapabilityUnavailable)
		}
		app := t.App
		if app.CLA == 0 {
			app = derivation.GenericApp
		}
		return &Substrate{kind: t.Kind, app: app, path: t.SubstratePath, meta: t.Metadata, chainRef: t.ChainRef, log: log}, nil

	case device.KindBridge:
		switch t.Family {
		case signing.FamilyEthereum:
			return &BridgeEthereum{nonces: t.Nonces, log: log}, nil
		case signing.FamilySubstrate:
			return &BridgeSubstrate{log: log}, nil
		}
		return nil, fmt.Errorf("%w: bridge family %q", signing.ErrCapabilityUnavailable, t.Family)
	}
	return nil, fmt.Errorf("%w: device kind %q", signing.ErrCapabilityUnavailable, t.Kind)
}

func exchanger(h device.Handle) (apdu.Exchanger, error) {
	ex, ok := h.(apdu.Exchanger)
	if !ok {
		return nil, fmt.Errorf("%w: handle %T cannot exchange APDUs", signing.ErrCapabilityUnavailable, h)
	}
	return ex, nil
}

// deviceError maps a device status word to the signing taxonomy. Transport
// failures pass through untouched so the session can classify them.
func deviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if apdu.IsRejection(err) {
		return fmt.Errorf("%w: %s: %w", signing.ErrUserRejected, op, err)
	}
	if code, ok := apdu.StatusCode(err); ok {
		switch code {
		case apdu.StatusDataInvalid, apdu.StatusWrongLength, apdu.StatusInvalidP1P2, apdu.StatusExecutionError:
			return fmt.Errorf("%w: %s: %w", signing.ErrProtocol, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unsupported(kind device.Kind, p signing.Payload) error {
	return fmt.Errorf("%w: %s cannot sign %s", signing.ErrUnsupportedOperation, kind, p.Kind())
}
