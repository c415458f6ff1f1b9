package derivation

import (
	"strings"

	"github.com/yolodolo42/hwsign/internal/chain"
)

// AppFamily says how an app addresses networks.
type AppFamily int

const (
	// AppLegacy is one app per network, selected by its CLA.
	AppLegacy AppFamily = iota
	// AppGeneric is the single app for all networks that carry a metadata
	// hash; it needs a metadata proof with every transaction.
	AppGeneric
	// AppSingleNetwork is a dedicated app for one network that cannot use
	// the generic app.
	AppSingleNetwork
)

func (f AppFamily) String() string {
	switch f {
	case AppGeneric:
		return "generic"
	case AppSingleNetwork:
		return "single-network"
	default:
		return "legacy"
	}
}

// AppDescriptor is a static description of a Ledger app.
type AppDescriptor struct {
	Name     string
	Slip0044 uint32
	CLA      byte
	// ChainIDs are the genesis hashes the app signs for. Empty for the
	// generic app.
	ChainIDs []string
	Family   AppFamily
}

// Matches reports whether the app signs for the given genesis hash.
func (a AppDescriptor) Matches(genesisHash string) bool {
	for _, id := range a.ChainIDs {
		if strings.EqualFold(id, genesisHash) {
			return true
		}
	}
	return false
}

const (
	CoinPolkadot  = 354
	CoinKusama    = 434
	CoinEdgeware  = 523
	CoinPolymesh  = 595
	CoinAlephZero = 643
	CoinAstar     = 810

	claGeneric = 0xf9
)

// GenericApp is the app used for every metadata-hash capable network.
var GenericApp = AppDescriptor{
	Name:     "Polkadot",
	Slip0044: CoinPolkadot,
	CLA:      claGeneric,
	Family:   AppGeneric,
}

// DefaultApps returns the legacy and single-network app table. Networks that
// declare the metadata hash extension are deliberately absent: they are only
// reachable through GenericApp.
func DefaultApps() []AppDescriptor {
	return []AppDescriptor{
		{Name: "Edgeware", Slip0044: CoinEdgeware, CLA: 0x94, ChainIDs: []string{chain.GenesisEdgeware}, Family: AppLegacy},
		{Name: "Astar", Slip0044: CoinAstar, CLA: 0xa9, ChainIDs: []string{chain.GenesisAstar}, Family: AppLegacy},
		{Name: "Polymesh", Slip0044: CoinPolymesh, CLA: 0x91, ChainIDs: []string{chain.GenesisPolymesh}, Family: AppLegacy},
		{Name: "Aleph Zero", Slip0044: CoinAlephZero, CLA: 0xa4, ChainIDs: []string{chain.GenesisAlephZero}, Family: AppSingleNetwork},
	}
}
