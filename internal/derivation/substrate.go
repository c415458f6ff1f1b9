package derivation

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
)

const (
	hardened = 0x80000000

	// PurposeBIP44 is the first path component for every Substrate app.
	PurposeBIP44 = 44
)

// SubstratePath is the five component path used by the Substrate Ledger
// apps. Every component is hardened on the wire.
type SubstratePath struct {
	CoinType uint32
	Account  uint32
	Change   uint32
	Address  uint32
}

// LegacyPath builds the path for a per-network app: account and address
// offset with the change component fixed at zero.
func LegacyPath(coinType, accountIndex, addressOffset uint32) SubstratePath {
	return SubstratePath{CoinType: coinType, Account: accountIndex, Address: addressOffset}
}

// Components returns the hardened components.
func (p SubstratePath) Components() accounts.DerivationPath {
	return accounts.DerivationPath{
		hardened | PurposeBIP44,
		hardened | p.CoinType,
		hardened | p.Account,
		hardened | p.Change,
		hardened | p.Address,
	}
}

// Bytes serializes the path as five little-endian u32 values.
func (p SubstratePath) Bytes() []byte {
	out := make([]byte, 0, 20)
	for _, c := range p.Components() {
		out = binary.LittleEndian.AppendUint32(out, c)
	}
	return out
}

func (p SubstratePath) String() string {
	return fmt.Sprintf("m/44'/%d'/%d'/%d'/%d'", p.CoinType, p.Account, p.Change, p.Address)
}
