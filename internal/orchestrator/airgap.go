package orchestrator

import (
	"context"
	"fmt"

	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// AirGapOptions carry the optional side-channel payloads for the offline
// signer.
type AirGapOptions struct {
	Chainspec []byte
	Metadata  []byte
	FrameSize int
}

// BeginAirGapExchange starts a QR exchange for an offline account.
func (o *Orchestrator) BeginAirGapExchange(req signing.Request, opts AirGapOptions) (*qr.Exchange, error) {
	acct, err := o.cfg.Accounts.Account(req.Address)
	if err != nil {
		return nil, err
	}
	if acct.Origin != OriginQR {
		return nil, fmt.Errorf("%w: %s is not an offline account", signing.ErrUnsupportedOperation, acct.Address)
	}
	if req.Family == "" {
		req.Family = acct.Family
	}
	if req.Network.GenesisHash == "" && acct.Network != "" {
		net, err := o.cfg.Networks.Network(acct.Network)
		if err == nil {
			req.Network.ID = net.Key
			req.Network.GenesisHash = net.GenesisHash
		}
	}

	x, err := qr.Begin(req, qr.Options{
		Curve:     acct.Curve,
		PublicKey: acct.PublicKey,
		Chainspec: opts.Chainspec,
		Metadata:  opts.Metadata,
		FrameSize: opts.FrameSize,
		Logger:    o.log,
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.exchanges[x] = req
	o.mu.Unlock()
	return x, nil
}

// Advance applies ev to the exchange.
func (o *Orchestrator) Advance(x *qr.Exchange, ev qr.Event) error {
	return x.Advance(ev)
}

// Complete accepts the scanned signature and journals it. Content that is
// not a signature leaves the exchange waiting for another scan.
func (o *Orchestrator) Complete(ctx context.Context, x *qr.Exchange, scanned string) (signing.Signature, error) {
	sig, err := x.Complete(scanned)
	if err != nil {
		return signing.Signature{}, err
	}

	o.mu.Lock()
	req, ok := o.exchanges[x]
	delete(o.exchanges, x)
	o.mu.Unlock()
	if ok {
		o.record(ctx, x.ID(), "qr", req, sig)
	}
	return sig, nil
}

// CancelAirGap cancels the exchange and forgets it.
func (o *Orchestrator) CancelAirGap(x *qr.Exchange) error {
	if err := x.Cancel(); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.exchanges, x)
	o.mu.Unlock()
	return nil
}
