// Package orchestrator picks the device and adapter for an account,
// drives the device session and records what gets signed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/adapter"
	"github.com/yolodolo42/hwsign/internal/bridge"
	"github.com/yolodolo42/hwsign/internal/chain"
	"github.com/yolodolo42/hwsign/internal/derivation"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/journal"
	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
	"github.com/yolodolo42/hwsign/internal/transport/hid"
)

// Origin says how an account's key is reached.
type Origin string

const (
	OriginLedger Origin = "ledger"
	OriginBridge Origin = "bridge"
	OriginQR     Origin = "qr"
)

// Account is what the orchestrator needs to know about a signing account.
type Account struct {
	Address string              `json:"address"`
	Name    string              `json:"name,omitempty"`
	Origin  Origin              `json:"origin"`
	Family  signing.ChainFamily `json:"family"`
	// Network is the default network key or genesis hash.
	Network string `json:"network,omitempty"`

	// Substrate Ledger derivation.
	AccountIndex  uint32 `json:"account_index"`
	AddressOffset uint32 `json:"address_offset"`
	// DerivationPath overrides the Ethereum path.
	DerivationPath string `json:"derivation_path,omitempty"`

	// PublicKey and Curve are used by the QR exchange.
	PublicKey []byte   `json:"public_key,omitempty"`
	Curve     qr.Curve `json:"curve,omitempty"`
}

// AccountLookup finds an account by address.
type AccountLookup interface {
	Account(address string) (Account, error)
}

// NetworkLookup finds a Substrate network by key or genesis hash.
type NetworkLookup interface {
	Network(ref string) (*chain.Network, error)
}

// Journal records signatures.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) (int64, error)
}

// BridgeOpener opens a bridge round-trip channel.
type BridgeOpener interface {
	Open(ctx context.Context) (*bridge.Channel, error)
}

// Config wires the orchestrator's collaborators. Accounts and Networks
// are required; the rest are optional.
type Config struct {
	Accounts AccountLookup
	Networks NetworkLookup
	Resolver *derivation.Resolver
	Metadata adapter.MetadataFetcher
	Nonces   adapter.NonceSource
	Bridge   BridgeOpener
	Journal  Journal

	// OpenLedger opens the USB device; defaults to the first Ledger found.
	OpenLedger device.OpenFunc

	PollInterval   time.Duration
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Target names what to connect for.
type Target struct {
	Address string
	// Network overrides the account's default network.
	Network string
	Persist bool
}

type entry struct {
	session *device.Session
	adapter adapter.Adapter
	account Account
	network signing.NetworkIdentity
}

// Orchestrator owns the sessions it creates.
type Orchestrator struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	sessions  map[*device.Session]*entry
	exchanges map[*qr.Exchange]signing.Request
}

// New validates cfg and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Accounts == nil || cfg.Networks == nil {
		return nil, errors.New("orchestrator: accounts and networks are required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = derivation.NewResolver(derivation.DefaultApps())
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.OpenLedger == nil {
		opener := &hid.Opener{Logger: log}
		cfg.OpenLedger = func(ctx context.Context) (device.Handle, error) {
			dev, err := opener.Open(ctx)
			if err != nil {
				return nil, err
			}
			return dev, nil
		}
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log.Named("orchestrator"),
		sessions:  make(map[*device.Session]*entry),
		exchanges: make(map[*qr.Exchange]signing.Request),
	}, nil
}

// Connect creates a session for the target account and starts connecting.
// The session is returned even when the first attempt fails; its status
// says why and polling takes over.
func (o *Orchestrator) Connect(ctx context.Context, t Target) (*device.Session, error) {
	acct, err := o.cfg.Accounts.Account(t.Address)
	if err != nil {
		return nil, err
	}
	ad, network, err := o.adapterFor(acct, t.Network)
	if err != nil {
		return nil, err
	}

	open, err := o.opener(acct)
	if err != nil {
		return nil, err
	}
	sess := device.NewSession(device.Config{
		Kind:           ad.Kind(),
		AppLabel:       ad.AppLabel(),
		Open:           open,
		Probe:          ad.Probe,
		PollInterval:   o.cfg.PollInterval,
		ConnectTimeout: o.cfg.ConnectTimeout,
		Persist:        t.Persist,
		Logger:         o.log,
	})

	o.mu.Lock()
	o.sessions[sess] = &entry{session: sess, adapter: ad, account: acct, network: network}
	o.mu.Unlock()

	o.log.Info("connecting",
		zap.String("session", sess.ID()),
		zap.String("address", acct.Address),
		zap.String("kind", string(ad.Kind())))

	if err := sess.Connect(ctx); err != nil && !errors.Is(err, signing.ErrConnection) {
		return sess, err
	}
	return sess, nil
}

func (o *Orchestrator) opener(acct Account) (device.OpenFunc, error) {
	switch acct.Origin {
	case OriginLedger:
		return o.cfg.OpenLedger, nil
	case OriginBridge:
		if o.cfg.Bridge == nil {
			return nil, fmt.Errorf("%w: bridge is not configured", signing.ErrCapabilityUnavailable)
		}
		return func(ctx context.Context) (device.Handle, error) {
			ch, err := o.cfg.Bridge.Open(ctx)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}, nil
	case OriginQR:
		return nil, fmt.Errorf("%w: %s is an offline account, use the QR exchange", signing.ErrUnsupportedOperation, acct.Address)
	}
	return nil, fmt.Errorf("%w: account origin %q", signing.ErrCapabilityUnavailable, acct.Origin)
}

// adapterFor resolves the adapter once per session.
func (o *Orchestrator) adapterFor(acct Account, networkRef string) (adapter.Adapter, signing.NetworkIdentity, error) {
	if networkRef == "" {
		networkRef = acct.Network
	}
	target := adapter.Target{
		Family:   acct.Family,
		Metadata: o.cfg.Metadata,
		Nonces:   o.cfg.Nonces,
		Logger:   o.log,
	}

	switch acct.Family {
	case signing.FamilyEthereum:
		id := evmNetwork(networkRef)
		if acct.Origin == OriginBridge {
			target.Kind = device.KindBridge
			ad, err := adapter.New(target)
			return ad, id, err
		}
		target.Kind = device.KindLedgerEthereum
		if acct.DerivationPath != "" {
			path, err := derivation.ParseEthereumPath(acct.DerivationPath)
			if err != nil {
				return nil, id, fmt.Errorf("%w: %w", signing.ErrCapabilityUnavailable, err)
			}
			target.EthereumPath = path
		} else {
			target.EthereumPath = derivation.EthereumPath(acct.AddressOffset)
		}
		ad, err := adapter.New(target)
		return ad, id, err

	case signing.FamilySubstrate:
		if networkRef == "" {
			return nil, signing.NetworkIdentity{}, fmt.Errorf("%w: account %s has no network", signing.ErrCapabilityUnavailable, acct.Address)
		}
		net, err := o.cfg.Networks.Network(networkRef)
		if err != nil {
			return nil, signing.NetworkIdentity{}, fmt.Errorf("%w: %w", signing.ErrCapabilityUnavailable, err)
		}
		id := signing.NetworkIdentity{ID: net.Key, GenesisHash: net.GenesisHash}
		if acct.Origin == OriginBridge {
			target.Kind = device.KindBridge
			ad, err := adapter.New(target)
			return ad, id, err
		}
		res, err := o.cfg.Resolver.Resolve(derivation.Target{
			Name:                 net.Name,
			GenesisHash:          net.GenesisHash,
			HasCheckMetadataHash: net.HasCheckMetadataHash,
		})
		if err != nil {
			return nil, id, err
		}
		target.Kind = res.Kind
		target.App = res.App
		target.SubstratePath = res.Path(acct.AccountIndex, acct.AddressOffset)
		target.ChainRef = net.MetadataRef
		if target.ChainRef == "" {
			target.ChainRef = net.Key
		}
		ad, err := adapter.New(target)
		return ad, id, err
	}
	return nil, signing.NetworkIdentity{}, fmt.Errorf("%w: chain family %q", signing.ErrCapabilityUnavailable, acct.Family)
}

// evmNetwork resolves a chain name or decimal chain id.
func evmNetwork(ref string) signing.NetworkIdentity {
	if ref == "" {
		return signing.NetworkIdentity{}
	}
	chains := chain.DefaultChains()
	if cfg, ok := chains[strings.ToLower(ref)]; ok {
		return signing.NetworkIdentity{ID: strings.ToLower(ref), ChainID: new(big.Int).Set(cfg.ChainID)}
	}
	if id, ok := new(big.Int).SetString(ref, 10); ok {
		if name, _, ok := chain.ChainByID(chains, id); ok {
			return signing.NetworkIdentity{ID: name, ChainID: id}
		}
		return signing.NetworkIdentity{ID: ref, ChainID: id}
	}
	return signing.NetworkIdentity{ID: ref}
}

func (o *Orchestrator) lookup(sess *device.Session) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.sessions[sess]
	if !ok {
		return nil, errors.New("orchestrator: unknown session")
	}
	return e, nil
}

// Refresh clears the displayed error and reconnects.
func (o *Orchestrator) Refresh(ctx context.Context, sess *device.Session) error {
	if _, err := o.lookup(sess); err != nil {
		return err
	}
	err := sess.Refresh(ctx)
	if errors.Is(err, signing.ErrConnection) {
		return nil
	}
	return err
}

// Status returns the session's current state.
func (o *Orchestrator) Status(sess *device.Session) device.State {
	return sess.Status()
}

// Sign signs req with the session's adapter. It waits for an outstanding
// connect and connects first if needed.
func (o *Orchestrator) Sign(ctx context.Context, sess *device.Session, req signing.Request) (signing.Signature, error) {
	e, err := o.lookup(sess)
	if err != nil {
		return signing.Signature{}, err
	}
	if req.Family == "" {
		req.Family = e.account.Family
	}
	if req.Family != e.account.Family {
		return signing.Signature{}, fmt.Errorf("%w: account %s signs %s requests, got %s",
			signing.ErrUnsupportedOperation, e.account.Address, e.account.Family, req.Family)
	}
	if req.Address == "" {
		req.Address = e.account.Address
	}
	if req.Network.ID == "" && req.Network.GenesisHash == "" && req.Network.ChainID == nil {
		req.Network = e.network
	}

	if err := sess.Connect(ctx); err != nil {
		return signing.Signature{}, err
	}

	var sig signing.Signature
	err = sess.Do(ctx, func(ctx context.Context, h device.Handle) error {
		var err error
		sig, err = e.adapter.Sign(ctx, h, req)
		return err
	})
	if err != nil {
		if signing.IsRejected(err) {
			o.log.Info("signing rejected by user", zap.String("session", sess.ID()))
		}
		return signing.Signature{}, err
	}

	o.record(ctx, sess.ID(), string(e.adapter.Kind()), req, sig)
	return sig, nil
}

// record journals a signature. Failures are logged, never returned: the
// signature already exists.
func (o *Orchestrator) record(ctx context.Context, sessionID, deviceName string, req signing.Request, sig signing.Signature) {
	if o.cfg.Journal == nil {
		return
	}
	_, err := o.cfg.Journal.Record(ctx, journal.Entry{
		SessionID: sessionID,
		Address:   req.Address,
		Family:    string(req.Family),
		Kind:      string(req.Payload.Kind()),
		Device:    deviceName,
		Network:   networkName(req.Network),
		Signature: sig.WithPrefix(),
	})
	if err != nil {
		o.log.Warn("failed to journal signature", zap.Error(err))
	}
}

func networkName(n signing.NetworkIdentity) string {
	switch {
	case n.ID != "":
		return n.ID
	case n.GenesisHash != "":
		return n.GenesisHash
	case n.ChainID != nil:
		return n.ChainID.String()
	}
	return ""
}

// Cancel stops the session's poll, closes its device and resolves any
// running Sign with signing.ErrCancelled.
func (o *Orchestrator) Cancel(sess *device.Session) {
	sess.Cancel()
}

// Close ends the caller's scope for sess. Non-persistent sessions release
// the device and are forgotten.
func (o *Orchestrator) Close(sess *device.Session) error {
	err := sess.Close()
	if !sess.Persist() {
		o.mu.Lock()
		delete(o.sessions, sess)
		o.mu.Unlock()
	}
	return err
}
