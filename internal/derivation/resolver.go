package derivation

import (
	"fmt"

	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// Target is what the resolver needs to know about a network.
type Target struct {
	Name                 string
	GenesisHash          string
	HasCheckMetadataHash bool
}

// Resolution is the app and device kind that will sign for a network.
type Resolution struct {
	App  AppDescriptor
	Kind device.Kind
}

// Path returns the key path for an account on the resolved app.
func (r Resolution) Path(accountIndex, addressOffset uint32) SubstratePath {
	return LegacyPath(r.App.Slip0044, accountIndex, addressOffset)
}

// Resolver picks the Ledger app for a Substrate network.
type Resolver struct {
	apps []AppDescriptor
}

// NewResolver builds a resolver over the given app table.
func NewResolver(apps []AppDescriptor) *Resolver {
	return &Resolver{apps: apps}
}

// Apps returns the resolver's table.
func (r *Resolver) Apps() []AppDescriptor {
	return r.apps
}

// Resolve prefers the generic app when the network declares metadata-hash
// support, then a matching legacy or single-network app. Anything else
// fails; there is no fallback to another app's key path.
func (r *Resolver) Resolve(t Target) (Resolution, error) {
	if t.HasCheckMetadataHash {
		return Resolution{App: GenericApp, Kind: device.KindLedgerSubstrateGeneric}, nil
	}
	for _, app := range r.apps {
		if !app.Matches(t.GenesisHash) {
			continue
		}
		kind := device.KindLedgerSubstrateLegacy
		if app.Family == AppSingleNetwork {
			kind = device.KindLedgerSubstrateSingleApp
		}
		return Resolution{App: app, Kind: kind}, nil
	}

	name := t.Name
	if name == "" {
		name = t.GenesisHash
	}
	return Resolution{}, fmt.Errorf("%w: no Ledger app available for %s", signing.ErrCapabilityUnavailable, name)
}
